package xacoord

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/clock"
	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/httpapi"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/txlog"
	"pkt.systems/xacoord/internal/version"
)

// Server hosts the transaction coordinator behind its HTTP façade.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	backend      storage.Backend
	ownsBackend  bool
	coord        *coordinator.Coordinator
	participants *participantSet
	telemetry    *telemetryBundle
	host         *httpHost

	mu             sync.Mutex
	recoveryCancel context.CancelFunc
	recoveryDone   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	Participants []participant.Participant
	HTTPClient   *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built transaction-log backend (useful for tests).
// The server does not close an injected backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithParticipants replaces the participants derived from the configuration.
func WithParticipants(ps ...participant.Participant) Option {
	return func(o *options) {
		o.Participants = append(o.Participants, ps...)
	}
}

// WithHTTPClient sets the client used to reach remote participants.
func WithHTTPClient(cli *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = cli
	}
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewServer constructs a coordinator server according to cfg.
// Example:
//
//	cfg := xacoord.Config{
//	    Store:                 "disk:///var/lib/xacoord",
//	    CoordinatorKey:        coordKey,
//	    InteractiveSessionKey: sessionKey,
//	    AFSEndpoint:           "http://afs.internal:9461",
//	}
//	srv, err := xacoord.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	o := collectOptions(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := levelledLogger(o.Logger, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "server.lifecycle"),
		clock:  o.Clock,
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	s.telemetry, err = setupTelemetry(context.Background(), telemetryConfig{
		ServiceName:            "xacoord",
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	if cfg.Disabled {
		s.logger.Warn("server.coordinator.disabled")
	} else if err := s.buildCoordinator(logger, o); err != nil {
		_ = s.release(context.Background())
		return nil, err
	}
	api := httpapi.New(httpapi.Config{
		Coordinator:       s.coord,
		Disabled:          cfg.Disabled,
		Logger:            logger,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		EnableHTTPTracing: !cfg.DisableHTTPTracing,
		Version:           version.Current(),
	})
	mux := http.NewServeMux()
	api.Register(mux)
	s.host = newHTTPHost(cfg.Listen, mux)
	return s, nil
}

// buildCoordinator opens the log store, resolves participants and wires the
// coordinator over them.
func (s *Server) buildCoordinator(logger pslog.Logger, o options) error {
	cfg := s.cfg
	s.backend = o.Backend
	if s.backend == nil {
		backend, err := OpenStore(context.Background(), cfg.storeConfig(), logger, s.clock)
		if err != nil {
			return err
		}
		s.backend, s.ownsBackend = backend, true
	}
	log, err := txlog.New(txlog.Config{Backend: s.backend, Logger: logger, Now: s.clock.Now})
	if err != nil {
		return err
	}
	s.participants = &participantSet{participants: o.Participants}
	if len(o.Participants) == 0 {
		if s.participants, err = buildParticipants(cfg, o.HTTPClient, logger); err != nil {
			return err
		}
	}
	s.coord, err = coordinator.New(coordinator.Config{
		Log:                   log,
		Participants:          s.participants.participants,
		ParticipantTimeouts:   s.participants.timeouts,
		CoordinatorKey:        cfg.CoordinatorKey,
		InteractiveSessionKey: cfg.InteractiveSessionKey,
		TransactionTimeout:    cfg.TransactionTimeout,
		TransactionCountLimit: cfg.TransactionCountLimit,
		FinishInterval:        cfg.FinishTransactionsInterval,
		ParticipantTimeout:    cfg.ParticipantTimeout,
		FinishedRetention:     cfg.FinishedRetention,
		Clock:                 s.clock,
		Logger:                logger,
	})
	return err
}

// Handler returns the façade handler (useful for httptest servers).
func (s *Server) Handler() http.Handler {
	return s.host.srv.Handler
}

// Coordinator returns the coordinator, or nil when the server is disabled.
func (s *Server) Coordinator() *coordinator.Coordinator {
	return s.coord
}

// Start listens on cfg.Listen and serves until Shutdown. Recovery runs in
// the background; /readyz reports 503 until it completes.
func (s *Server) Start() error {
	ln, err := s.host.listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	if !s.host.attach(ln) {
		return http.ErrServerClosed
	}
	var ids []string
	if s.coord != nil {
		ids = s.coord.Participants()
	}
	s.logger.Info("server.listening", "address", ln.Addr().String(), "participants", ids)
	s.startRecovery()
	return s.host.serve(ln)
}

// startRecovery runs the recovery pass until it succeeds, then starts the
// reaper.
func (s *Server) startRecovery() {
	if s.coord == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recoveryCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.recoveryCancel, s.recoveryDone = cancel, done
	go func() {
		defer close(done)
		if s.recover(ctx) == nil {
			s.coord.Start(ctx)
		}
	}()
}

// recover retries the recovery pass with capped exponential backoff until
// it succeeds or ctx ends.
func (s *Server) recover(ctx context.Context) error {
	delay := s.cfg.RecoveryBaseDelay
	for attempt := 1; ; attempt++ {
		report, err := s.coord.Recover(ctx)
		if err == nil {
			s.logger.Info("server.recovery.complete",
				"attempt", attempt,
				"entries", report.Entries,
				"pending", report.Pending,
				"unreachable", report.Unreachable,
			)
			return nil
		}
		s.logger.Warn("server.recovery.retry", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		delay = min(delay*2, s.cfg.RecoveryMaxDelay)
	}
}

// Shutdown stops the reaper, drains the façade and releases every resource.
func (s *Server) Shutdown(ctx context.Context) error {
	first, httpErr := s.host.close(ctx)
	if !first {
		return nil
	}
	s.mu.Lock()
	cancel, done := s.recoveryCancel, s.recoveryDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if s.coord != nil {
		s.coord.Stop()
	}
	errs := []error{httpErr, s.release(ctx)}
	if err := s.host.lastServeErr(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete")
	return errors.Join(errs...)
}

func (s *Server) release(ctx context.Context) error {
	var errs []error
	if s.participants != nil {
		errs = append(errs, s.participants.close(ctx))
	}
	if s.backend != nil && s.ownsBackend {
		errs = append(errs, s.backend.Close())
		s.backend = nil
	}
	if s.telemetry != nil {
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		errs = append(errs, s.telemetry.Shutdown(ctx))
		s.telemetry = nil
	}
	return errors.Join(errs...)
}

// Close shuts the server down with the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// WaitUntilReady blocks until the listener is accepting connections.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	return s.host.waitReady(ctx)
}

// ListenerAddr returns the bound address once the server is listening.
func (s *Server) ListenerAddr() net.Addr {
	return s.host.addr()
}

// StartServer constructs and starts a server, returning once it listens.
// The returned stop function shuts it down; cancelling ctx does the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	stop, err := runUntilStopped(ctx, srv.Start, srv.WaitUntilReady, srv.Shutdown)
	if err != nil {
		return nil, nil, err
	}
	return srv, stop, nil
}
