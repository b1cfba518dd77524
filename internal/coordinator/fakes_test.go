package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"pkt.systems/xacoord/internal/clock"
	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/storage/memory"
	"pkt.systems/xacoord/internal/txlog"
)

const (
	testCoordinatorKey = "coord-secret"
	testSessionKey     = "interactive-secret"
)

var errInjected = errors.New("injected failure")

// fakeParticipant records every call and keeps a per-transaction outcome
// the way a resource manager would.
type fakeParticipant struct {
	id string

	mu          sync.Mutex
	outcome     map[string]string
	calls       []string
	failBegin   error
	failPrep    error
	failCommit  int
	failRecover error
	execErr     error
	onCommit    func(txnID string)
	onRollback  func(txnID string)
	prepGate    chan struct{}
	prepEntered chan struct{}
}

func newFake(id string) *fakeParticipant {
	return &fakeParticipant{id: id, outcome: make(map[string]string)}
}

func (f *fakeParticipant) ID() string { return f.id }

func (f *fakeParticipant) record(call, txnID string) {
	f.calls = append(f.calls, call+":"+txnID)
}

func (f *fakeParticipant) state(txnID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome[txnID]
}

func (f *fakeParticipant) called(call, txnID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.calls, call+":"+txnID)
}

func (f *fakeParticipant) setPrepared(txnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome[txnID] = "prepared"
}

func (f *fakeParticipant) Begin(_ context.Context, s participant.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("begin", s.TxnID)
	if s.CoordinatorKey != testCoordinatorKey {
		return participant.ErrUnauthorized
	}
	if f.failBegin != nil {
		return f.failBegin
	}
	f.outcome[s.TxnID] = "open"
	return nil
}

func (f *fakeParticipant) Execute(_ context.Context, s participant.Session, op string, args []json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("execute."+op, s.TxnID)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.outcome[s.TxnID] != "open" {
		return nil, participant.ErrInvalidState
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeParticipant) Prepare(ctx context.Context, s participant.Session) error {
	f.mu.Lock()
	gate, entered := f.prepGate, f.prepEntered
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prepare", s.TxnID)
	if f.failPrep != nil {
		return f.failPrep
	}
	f.outcome[s.TxnID] = "prepared"
	return nil
}

func (f *fakeParticipant) commit(call, txnID string) error {
	f.mu.Lock()
	hook := f.onCommit
	f.mu.Unlock()
	if hook != nil {
		hook(txnID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(call, txnID)
	if f.failCommit > 0 {
		f.failCommit--
		return &participant.UnavailableError{Participant: f.id, Operation: call, Err: errInjected}
	}
	if f.outcome[txnID] == "prepared" {
		f.outcome[txnID] = "committed"
	}
	return nil
}

func (f *fakeParticipant) rollback(call, txnID string) error {
	f.mu.Lock()
	hook := f.onRollback
	f.mu.Unlock()
	if hook != nil {
		hook(txnID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(call, txnID)
	switch f.outcome[txnID] {
	case "open", "prepared":
		f.outcome[txnID] = "rolled_back"
	}
	return nil
}

func (f *fakeParticipant) Commit(_ context.Context, s participant.Session) error {
	return f.commit("commit", s.TxnID)
}

func (f *fakeParticipant) CommitRecovered(_ context.Context, r participant.Recovery) error {
	if r.CoordinatorKey != testCoordinatorKey || r.InteractiveSessionKey != testSessionKey {
		return participant.ErrUnauthorized
	}
	return f.commit("commit-recovered", r.TxnID)
}

func (f *fakeParticipant) Rollback(_ context.Context, s participant.Session) error {
	return f.rollback("rollback", s.TxnID)
}

func (f *fakeParticipant) RollbackRecovered(_ context.Context, r participant.Recovery) error {
	if r.CoordinatorKey != testCoordinatorKey || r.InteractiveSessionKey != testSessionKey {
		return participant.ErrUnauthorized
	}
	return f.rollback("rollback-recovered", r.TxnID)
}

func (f *fakeParticipant) RecoverAll(_ context.Context, isk, ck string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRecover != nil {
		return nil, f.failRecover
	}
	if isk != testSessionKey || ck != testCoordinatorKey {
		return nil, participant.ErrUnauthorized
	}
	var ids []string
	for id, state := range f.outcome {
		if state == "prepared" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// flakyBackend fails writes while failPuts is set.
type flakyBackend struct {
	storage.Backend
	mu       sync.Mutex
	failPuts bool
}

func (b *flakyBackend) setFailPuts(v bool) {
	b.mu.Lock()
	b.failPuts = v
	b.mu.Unlock()
}

func (b *flakyBackend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	b.mu.Lock()
	fail := b.failPuts
	b.mu.Unlock()
	if fail {
		return nil, storage.NewTransientError(errInjected)
	}
	return b.Backend.PutObject(ctx, namespace, key, body, opts)
}

type harness struct {
	backend *flakyBackend
	log     *txlog.Log
	clock   *clock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := &flakyBackend{Backend: memory.New()}
	manual := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	log, err := txlog.New(txlog.Config{Backend: backend, Now: manual.Now})
	if err != nil {
		t.Fatalf("txlog: %v", err)
	}
	return &harness{backend: backend, log: log, clock: manual}
}

func (h *harness) coordinator(t *testing.T, mutate func(*coordinator.Config), participants ...participant.Participant) *coordinator.Coordinator {
	t.Helper()
	cfg := coordinator.Config{
		Log:                   h.log,
		Participants:          participants,
		CoordinatorKey:        testCoordinatorKey,
		InteractiveSessionKey: testSessionKey,
		TransactionTimeout:    time.Minute,
		FinishInterval:        10 * time.Second,
		ParticipantTimeout:    time.Second,
		Clock:                 h.clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := coordinator.New(cfg)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return c
}

func (h *harness) ready(t *testing.T, participants ...participant.Participant) *coordinator.Coordinator {
	t.Helper()
	c := h.coordinator(t, nil, participants...)
	if _, err := c.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return c
}

func req(txnID string) coordinator.Request {
	return coordinator.Request{TxnID: txnID, SessionToken: "token-" + txnID, InteractiveSessionKey: testSessionKey}
}

func mustBegin(t *testing.T, c *coordinator.Coordinator, txnID string) {
	t.Helper()
	if _, err := c.Begin(context.Background(), req(txnID)); err != nil {
		t.Fatalf("begin %s: %v", txnID, err)
	}
}
