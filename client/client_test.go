package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/xacoord/api"
	"pkt.systems/xacoord/internal/afs"
	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/httpapi"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage/memory"
	"pkt.systems/xacoord/internal/txlog"
)

const (
	testCoordKey   = "coord"
	testSessionKey = "session"
)

func newCoordinatorServer(t *testing.T) *httptest.Server {
	t.Helper()
	fs, err := afs.New(afs.Config{
		Backend:     memory.New(),
		Credentials: participant.Credentials{CoordinatorKey: testCoordKey, InteractiveSessionKey: testSessionKey},
	})
	if err != nil {
		t.Fatalf("afs: %v", err)
	}
	log, err := txlog.New(txlog.Config{Backend: memory.New()})
	if err != nil {
		t.Fatalf("txlog: %v", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Log:                   log,
		Participants:          []participant.Participant{fs},
		CoordinatorKey:        testCoordKey,
		InteractiveSessionKey: testSessionKey,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	if _, err := coord.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	mux := http.NewServeMux()
	httpapi.New(httpapi.Config{Coordinator: coord}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestTxnLifecycle(t *testing.T) {
	srv := newCoordinatorServer(t)
	cli, err := New(srv.URL, WithHTTPClient(srv.Client()), WithInteractiveSessionKey(testSessionKey))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := WithCorrelationID(context.Background(), "corr-1")

	txn, err := cli.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var written afs.WriteResult
	if err := txn.ExecuteInto(ctx, &written, "afs", "write", afs.WriteArgs{Path: "notes.txt", Data: []byte("hi")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if written.Size != 2 {
		t.Fatalf("expected size 2, got %+v", written)
	}
	status, err := txn.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "open" || !status.Live {
		t.Fatalf("unexpected status %+v", status)
	}
	res, err := txn.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.State != "committed" {
		t.Fatalf("expected committed, got %+v", res)
	}
	again, err := txn.Commit(ctx)
	if err != nil || again.State != "committed" {
		t.Fatalf("expected repeated commit to report committed, got %+v err=%v", again, err)
	}
	if _, err := txn.Rollback(ctx); ErrorCode(err) != CodeInvalidState {
		t.Fatalf("expected invalid_state rolling back a committed txn, got %v", err)
	}
	ready, err := cli.Ready(ctx)
	if err != nil || !ready {
		t.Fatalf("expected ready, got %v err=%v", ready, err)
	}
}

func TestSessionMismatchSurfacesAPIError(t *testing.T) {
	srv := newCoordinatorServer(t)
	cli, err := New(srv.URL, WithHTTPClient(srv.Client()), WithInteractiveSessionKey(testSessionKey))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	txn, err := cli.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	other := cli.Resume(txn.ID(), "stolen")
	_, err = other.Rollback(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Response.ErrorCode != CodeSessionMismatch {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if _, err := txn.Rollback(ctx); err != nil {
		t.Fatalf("owner rollback: %v", err)
	}
}

func TestBeginRetriesLimitResponses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Correlation-Id") != "corr-retry" {
			t.Errorf("missing correlation header")
		}
		var req api.TxnRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.InteractiveSessionKey != "k" || req.SessionToken == "" {
			t.Errorf("unexpected request %+v", req)
		}
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: CodeTxnLimitExceeded, RetryAfterSeconds: 2})
			return
		}
		_ = json.NewEncoder(w).Encode(api.TxnResponse{TxnID: req.TxnID, State: "open"})
	}))
	t.Cleanup(srv.Close)

	cli, err := New(srv.URL, WithHTTPClient(srv.Client()), WithInteractiveSessionKey("k"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	var slept []time.Duration
	cli.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	ctx := WithCorrelationID(context.Background(), "corr-retry")
	resp, err := cli.Begin(ctx, api.TxnRequest{TxnID: NewTxnID()})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if resp.State != "open" || calls.Load() != 3 {
		t.Fatalf("unexpected outcome %+v after %d calls", resp, calls.Load())
	}
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("expected two 2s waits, got %v", slept)
	}
}

func TestBeginDoesNotRetryCallerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: CodeSessionMismatch, Detail: "nope"})
	}))
	t.Cleanup(srv.Close)
	cli, err := New(srv.URL, WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = cli.Begin(context.Background(), api.TxnRequest{})
	if ErrorCode(err) != CodeSessionMismatch || calls.Load() != 1 {
		t.Fatalf("expected a single session_mismatch, got %v after %d calls", err, calls.Load())
	}
	if msg := err.Error(); msg != "xacoord: session_mismatch (nope)" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error")
	}
	cli, err := New("127.0.0.1:9460/", WithHTTPClient(http.DefaultClient))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if cli.BaseURL() != "http://127.0.0.1:9460" {
		t.Fatalf("unexpected base url %q", cli.BaseURL())
	}
}
