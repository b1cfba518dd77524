package xacoord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/afs"
	"pkt.systems/xacoord/internal/clock"
	"pkt.systems/xacoord/internal/httpapi"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/version"
)

// AFSServer exposes an afs participant over the remote participant RPC.
type AFSServer struct {
	cfg         AFSConfig
	logger      pslog.Logger
	backend     storage.Backend
	ownsBackend bool
	participant *afs.Participant
	host        *httpHost
	clock       clock.Clock

	expiryMu   sync.Mutex
	expiryStop context.CancelFunc
	expiryDone chan struct{}
}

// NewAFSServer builds the file store. WithLogger, WithBackend and WithClock
// apply; other options are ignored.
func NewAFSServer(cfg AFSConfig, opts ...Option) (*AFSServer, error) {
	o := collectOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := levelledLogger(o.Logger, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &AFSServer{
		cfg:     cfg,
		logger:  svcfields.WithSubsystem(logger, "afs.lifecycle"),
		backend: o.Backend,
		clock:   clk,
	}
	if s.backend == nil {
		if s.backend, err = OpenStore(context.Background(), cfg.storeConfig(), logger, clk); err != nil {
			return nil, err
		}
		s.ownsBackend = true
	}
	handler, err := s.buildHandler(logger, clk)
	if err != nil {
		_ = s.closeBackend()
		return nil, err
	}
	s.host = newHTTPHost(cfg.Listen, handler)
	return s, nil
}

func (s *AFSServer) buildHandler(logger pslog.Logger, clk clock.Clock) (http.Handler, error) {
	p, err := afs.New(afs.Config{
		ID:      DefaultAFSParticipant,
		Backend: s.backend,
		Credentials: participant.Credentials{
			CoordinatorKey:        s.cfg.CoordinatorKey,
			InteractiveSessionKey: s.cfg.InteractiveSessionKey,
		},
		MaxFileSize: s.cfg.MaxFileSize,
		IdleTimeout: s.cfg.StageIdleTimeout,
		Logger:      logger,
		Now:         clk.Now,
	})
	if err != nil {
		return nil, err
	}
	s.participant = p
	rpc, err := httpapi.NewParticipantHandler(httpapi.ParticipantConfig{
		Participant:       p,
		Logger:            logger,
		JSONMaxBytes:      s.cfg.JSONMaxBytes,
		EnableHTTPTracing: !s.cfg.DisableHTTPTracing,
	})
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/participant/", rpc)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "ok %s\n", version.Current())
	})
	return mux, nil
}

// Handler returns the participant RPC handler.
func (s *AFSServer) Handler() http.Handler { return s.host.srv.Handler }

// Participant returns the underlying file store participant.
func (s *AFSServer) Participant() *afs.Participant { return s.participant }

// Start sweeps staging areas a previous process left behind, then serves
// cfg.Listen until Shutdown.
func (s *AFSServer) Start() error {
	ln, err := s.host.listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the file store on an existing listener.
func (s *AFSServer) Serve(ln net.Listener) error {
	if !s.host.attach(ln) {
		return http.ErrServerClosed
	}
	swept, err := s.participant.SweepOrphanStaging(context.Background())
	switch {
	case err != nil:
		s.logger.Warn("afs.sweep.failed", "error", err)
	case len(swept) > 0:
		s.logger.Info("afs.sweep.complete", "swept", swept)
	}
	s.startExpiry()
	s.logger.Info("afs.listening", "address", ln.Addr().String())
	return s.host.serve(ln)
}

// WaitUntilReady blocks until the listener is accepting connections.
func (s *AFSServer) WaitUntilReady(ctx context.Context) error {
	return s.host.waitReady(ctx)
}

// ListenerAddr returns the bound address once the server is listening.
func (s *AFSServer) ListenerAddr() net.Addr {
	return s.host.addr()
}

// Shutdown drains in-flight calls and closes the store.
func (s *AFSServer) Shutdown(ctx context.Context) error {
	first, httpErr := s.host.close(ctx)
	if !first {
		return nil
	}
	s.stopExpiry()
	err := errors.Join(httpErr, s.closeBackend())
	s.logger.Info("afs.shutdown.complete")
	return err
}

// startExpiry discards abandoned unprepared stages every half idle timeout.
func (s *AFSServer) startExpiry() {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	if s.expiryStop != nil || s.cfg.StageIdleTimeout <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.expiryStop, s.expiryDone = cancel, done
	go func() {
		defer close(done)
		interval := s.cfg.StageIdleTimeout / 2
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(interval):
			}
			removed, err := s.participant.ExpireIdle(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				s.logger.Warn("afs.expiry.failed", "error", err)
			case len(removed) > 0:
				s.logger.Info("afs.expiry.complete", "removed", removed)
			}
		}
	}()
}

func (s *AFSServer) stopExpiry() {
	s.expiryMu.Lock()
	stop, done := s.expiryStop, s.expiryDone
	s.expiryStop, s.expiryDone = nil, nil
	s.expiryMu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (s *AFSServer) closeBackend() error {
	if s.backend == nil || !s.ownsBackend {
		return nil
	}
	err := s.backend.Close()
	s.backend = nil
	return err
}

// StartAFSServer constructs and starts a file store, returning once it
// listens.
func StartAFSServer(ctx context.Context, cfg AFSConfig, opts ...Option) (*AFSServer, func(context.Context) error, error) {
	srv, err := NewAFSServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	stop, err := runUntilStopped(ctx, srv.Start, srv.WaitUntilReady, srv.Shutdown)
	if err != nil {
		return nil, nil, err
	}
	return srv, stop, nil
}
