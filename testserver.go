package xacoord

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/client"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/storage/memory"
)

// Keys used by the test stack unless overridden.
const (
	TestCoordinatorKey        = "test-coordinator-key"
	TestInteractiveSessionKey = "test-session-key"
)

// TestStack runs a coordinator and, unless replaced by custom participants,
// a remote file store on loopback listeners.
type TestStack struct {
	Server    *Server
	AFS       *AFSServer
	BaseURL   string
	AFSURL    string
	Client    *client.Client
	Config    Config
	AFSConfig AFSConfig
	// LogBackend holds the transaction log. Reusing it in a second stack
	// simulates a coordinator restart.
	LogBackend storage.Backend
	// FileBackend holds the file store's objects.
	FileBackend storage.Backend

	stops []func(context.Context) error
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for line := range bytes.SplitSeq(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") ||
						strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a structured logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewStructured(writer)
	if level != pslog.NoLevel {
		logger = logger.LogLevel(level)
	}
	return logger.With("app", "teststack")
}

type testStackOptions struct {
	configFuncs    []func(*Config)
	afsConfigFuncs []func(*AFSConfig)
	logBackend     storage.Backend
	fileBackend    storage.Backend
	participants   []participant.Participant
	logger         pslog.Logger
	clientOpts     []client.Option
	startTimeout   time.Duration
}

// TestStackOption customises StartTestStack.
type TestStackOption func(*testStackOptions)

// WithTestConfigFunc mutates the coordinator configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestStackOption {
	return func(o *testStackOptions) {
		if fn != nil {
			o.configFuncs = append(o.configFuncs, fn)
		}
	}
}

// WithTestAFSConfigFunc mutates the file store configuration before start.
func WithTestAFSConfigFunc(fn func(*AFSConfig)) TestStackOption {
	return func(o *testStackOptions) {
		if fn != nil {
			o.afsConfigFuncs = append(o.afsConfigFuncs, fn)
		}
	}
}

// WithTestLogBackend reuses a transaction-log backend.
func WithTestLogBackend(b storage.Backend) TestStackOption {
	return func(o *testStackOptions) { o.logBackend = b }
}

// WithTestFileBackend reuses a file store backend.
func WithTestFileBackend(b storage.Backend) TestStackOption {
	return func(o *testStackOptions) { o.fileBackend = b }
}

// WithTestParticipants replaces the file store with the given participants.
func WithTestParticipants(ps ...participant.Participant) TestStackOption {
	return func(o *testStackOptions) { o.participants = append(o.participants, ps...) }
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestStackOption {
	return func(o *testStackOptions) { o.logger = logger }
}

// WithTestClientOptions appends options for the helper client.
func WithTestClientOptions(opts ...client.Option) TestStackOption {
	return func(o *testStackOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// WithTestStartTimeout overrides how long startup may take.
func WithTestStartTimeout(d time.Duration) TestStackOption {
	return func(o *testStackOptions) { o.startTimeout = d }
}

// NewTestStack starts a coordinator (and file store) suitable for tests.
// Call Stop to clean up.
func NewTestStack(ctx context.Context, opts ...TestStackOption) (*TestStack, error) {
	o := testStackOptions{startTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = pslog.NoopLogger()
	}
	if o.logBackend == nil {
		o.logBackend = memory.New()
	}
	startCtx, cancel := context.WithTimeout(ctx, o.startTimeout)
	defer cancel()

	ts := &TestStack{LogBackend: o.logBackend}
	fail := func(err error) (*TestStack, error) {
		_ = ts.Stop(context.Background())
		return nil, err
	}

	cfg := Config{
		Listen:                     "127.0.0.1:0",
		CoordinatorKey:             TestCoordinatorKey,
		InteractiveSessionKey:      TestInteractiveSessionKey,
		TransactionTimeout:         30 * time.Second,
		FinishTransactionsInterval: time.Second,
		ParticipantTimeout:         2 * time.Second,
		RecoveryBaseDelay:          10 * time.Millisecond,
		RecoveryMaxDelay:           100 * time.Millisecond,
		DisableHTTPTracing:         true,
		ShutdownTimeout:            2 * time.Second,
	}
	serverOpts := []Option{WithLogger(o.logger.With("actor", "coordinator")), WithBackend(o.logBackend)}
	if len(o.participants) > 0 {
		serverOpts = append(serverOpts, WithParticipants(o.participants...))
	} else {
		if o.fileBackend == nil {
			o.fileBackend = memory.New()
		}
		ts.FileBackend = o.fileBackend
		afsCfg := AFSConfig{
			Listen:                "127.0.0.1:0",
			CoordinatorKey:        cfg.CoordinatorKey,
			InteractiveSessionKey: cfg.InteractiveSessionKey,
			DisableHTTPTracing:    true,
			ShutdownTimeout:       2 * time.Second,
		}
		for _, fn := range o.afsConfigFuncs {
			fn(&afsCfg)
		}
		afsSrv, stop, err := StartAFSServer(startCtx, afsCfg,
			WithLogger(o.logger.With("actor", "afs")),
			WithBackend(o.fileBackend),
		)
		if err != nil {
			return fail(fmt.Errorf("start afs: %w", err))
		}
		ts.AFS = afsSrv
		ts.AFSConfig = afsCfg
		ts.stops = append(ts.stops, stop)
		ts.AFSURL = "http://" + afsSrv.ListenerAddr().String()
		cfg.AFSEndpoint = ts.AFSURL
	}
	for _, fn := range o.configFuncs {
		fn(&cfg)
	}
	srv, stop, err := StartServer(startCtx, cfg, serverOpts...)
	if err != nil {
		return fail(fmt.Errorf("start coordinator: %w", err))
	}
	ts.Server = srv
	ts.Config = cfg
	ts.stops = append(ts.stops, stop)
	ts.BaseURL = "http://" + srv.ListenerAddr().String()

	clientOpts := append([]client.Option{
		client.WithInteractiveSessionKey(cfg.InteractiveSessionKey),
		client.WithLogger(o.logger.With("actor", "client")),
	}, o.clientOpts...)
	cli, err := client.New(ts.BaseURL, clientOpts...)
	if err != nil {
		return fail(err)
	}
	ts.Client = cli
	return ts, nil
}

// WaitReady blocks until the coordinator has finished recovery.
func (ts *TestStack) WaitReady(ctx context.Context) error {
	for {
		ok, err := ts.Client.Ready(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stop shuts the coordinator down before the file store.
func (ts *TestStack) Stop(ctx context.Context) error {
	if ts == nil {
		return nil
	}
	var firstErr error
	for i := len(ts.stops) - 1; i >= 0; i-- {
		if err := ts.stops[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	ts.stops = nil
	return firstErr
}

// StartTestStack is a convenience wrapper that fails the test on error,
// waits for recovery and registers cleanup.
func StartTestStack(t testing.TB, opts ...TestStackOption) *TestStack {
	t.Helper()
	ts, err := NewTestStack(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test stack: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Stop(context.Background()); err != nil {
			t.Errorf("stop test stack: %v", err)
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ts.WaitReady(ctx); err != nil {
		t.Fatalf("wait for recovery: %v", err)
	}
	return ts
}
