package xacoord

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/svcfields"
)

// httpHost is the listener lifecycle shared by the coordinator and the file
// store servers.
type httpHost struct {
	srv *http.Server

	mu        sync.Mutex
	listener  net.Listener
	closed    bool
	serveErr  error
	readyOnce sync.Once
	ready     chan struct{}
}

func newHTTPHost(addr string, handler http.Handler) *httpHost {
	return &httpHost{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ready: make(chan struct{}),
	}
}

func (h *httpHost) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen (%s): %w", h.srv.Addr, err)
	}
	return ln, nil
}

// attach claims ln. It reports false, closing ln, once the host has been
// shut down.
func (h *httpHost) attach(ln net.Listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = ln.Close()
		return false
	}
	h.listener = ln
	return true
}

// serve marks the host ready and blocks until the server stops. A clean
// shutdown returns nil.
func (h *httpHost) serve(ln net.Listener) error {
	h.readyOnce.Do(func() { close(h.ready) })
	err := h.srv.Serve(ln)
	h.mu.Lock()
	h.serveErr = err
	h.mu.Unlock()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http serve: %w", err)
}

// close stops accepting and drains in-flight requests. It reports false when
// the host was already closed.
func (h *httpHost) close(ctx context.Context) (bool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, nil
	}
	h.closed = true
	h.mu.Unlock()
	if err := h.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return true, fmt.Errorf("http shutdown: %w", err)
	}
	return true, nil
}

func (h *httpHost) waitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *httpHost) addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

func (h *httpHost) lastServeErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serveErr
}

// levelledLogger applies a configured level name to the injected logger.
func levelledLogger(base pslog.Logger, level string) (pslog.Logger, error) {
	logger := svcfields.EnsureLogger(base)
	if level == "" {
		return logger, nil
	}
	lvl, ok := pslog.ParseLevel(level)
	if !ok {
		return nil, fmt.Errorf("config: invalid log level %q", level)
	}
	return logger.LogLevel(lvl), nil
}

// runUntilStopped runs start in the background and returns once wait
// reports the server ready. The returned stop function shuts down and
// waits for start to return. Cancelling ctx stops the server too.
func runUntilStopped(ctx context.Context, start func() error, wait func(context.Context) error, shutdown func(context.Context) error) (func(context.Context) error, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	served := make(chan error, 1)
	go func() { served <- start() }()

	readyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ready := make(chan error, 1)
	go func() { ready <- wait(readyCtx) }()

	select {
	case err := <-served:
		if err == nil {
			err = errors.New("server exited before it was ready")
		}
		return nil, err
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = shutdown(shutdownCtx)
			return nil, err
		}
	}

	var (
		once    sync.Once
		stopErr error
	)
	stop := func(shutdownCtx context.Context) error {
		once.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if stopErr = shutdown(shutdownCtx); stopErr != nil {
				return
			}
			stopErr = <-served
		})
		return stopErr
	}
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return stop, nil
}
