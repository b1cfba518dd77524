package xacoord

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/xid"

	"pkt.systems/xacoord/client"
	"pkt.systems/xacoord/internal/afs"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/storage/memory"
	"pkt.systems/xacoord/internal/txlog"
)

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readPublished(t *testing.T, backend storage.Backend, path string) (string, bool) {
	t.Helper()
	res, err := backend.GetObject(context.Background(), afs.Namespace, "files/"+path)
	if errors.Is(err, storage.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data), true
}

func TestServerCommitPublishesThroughRemoteFileStore(t *testing.T) {
	ts := StartTestStack(t)
	ctx := context.Background()

	txn, err := ts.Client.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var res afs.WriteResult
	if err := txn.ExecuteInto(ctx, &res, DefaultAFSParticipant, "write", afs.WriteArgs{Path: "reports/q1.txt", Data: []byte("hello ")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := txn.ExecuteInto(ctx, &res, DefaultAFSParticipant, "write", afs.WriteArgs{Path: "reports/q1.txt", Offset: res.Size, Data: []byte("world")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.Size != int64(len("hello world")) {
		t.Fatalf("expected staged size 11, got %d", res.Size)
	}
	if _, ok := readPublished(t, ts.FileBackend, "reports/q1.txt"); ok {
		t.Fatalf("file visible before commit")
	}
	out, err := txn.Commit(ctx)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if out.State != "committed" || len(out.Failures) != 0 {
		t.Fatalf("unexpected commit response %+v", out)
	}
	got, ok := readPublished(t, ts.FileBackend, "reports/q1.txt")
	if !ok || got != "hello world" {
		t.Fatalf("expected published content, got %q (present=%v)", got, ok)
	}
}

func TestServerRollbackDiscardsStagedFiles(t *testing.T) {
	ts := StartTestStack(t)
	ctx := context.Background()

	txn, err := ts.Client.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := txn.Execute(ctx, DefaultAFSParticipant, "write", afs.WriteArgs{Path: "draft.txt", Data: []byte("x")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := txn.Rollback(ctx)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if out.State != "rolled_back" {
		t.Fatalf("expected rolled_back, got %s", out.State)
	}
	if _, ok := readPublished(t, ts.FileBackend, "draft.txt"); ok {
		t.Fatalf("rolled back file must not be published")
	}
}

// A COMMIT decision logged before a crash is applied by the next process.
func TestServerRestartAppliesLoggedCommit(t *testing.T) {
	logBackend := memory.New()
	fileBackend := memory.New()
	first := StartTestStack(t, WithTestLogBackend(logBackend), WithTestFileBackend(fileBackend))
	ctx := context.Background()

	txnID := xid.New().String()
	session := participant.Session{
		TxnID:                 txnID,
		SessionToken:          "token",
		InteractiveSessionKey: TestInteractiveSessionKey,
		CoordinatorKey:        TestCoordinatorKey,
	}
	p := first.AFS.Participant()
	if err := p.Begin(ctx, session); err != nil {
		t.Fatalf("begin: %v", err)
	}
	arg, _ := json.Marshal(afs.WriteArgs{Path: "ledger.csv", Data: []byte("1,2,3")})
	if _, err := p.Execute(ctx, session, "write", []json.RawMessage{arg}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Prepare(ctx, session); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	log, err := txlog.New(txlog.Config{Backend: logBackend})
	if err != nil {
		t.Fatalf("txlog: %v", err)
	}
	if err := log.Append(ctx, txlog.Entry{
		TxnID:                 txnID,
		Decision:              txlog.DecisionCommit,
		ParticipantIDs:        []string{DefaultAFSParticipant},
		CoordinatorKey:        TestCoordinatorKey,
		InteractiveSessionKey: TestInteractiveSessionKey,
		CreatedAtUnix:         time.Now().Unix(),
		DecidedAtUnix:         time.Now().Unix(),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("stop first: %v", err)
	}
	if _, ok := readPublished(t, fileBackend, "ledger.csv"); ok {
		t.Fatalf("file published before recovery")
	}

	StartTestStack(t, WithTestLogBackend(logBackend), WithTestFileBackend(fileBackend))
	waitFor(t, 5*time.Second, func() bool {
		got, ok := readPublished(t, fileBackend, "ledger.csv")
		return ok && got == "1,2,3"
	})
	waitFor(t, 5*time.Second, func() bool {
		_, err := log.Get(ctx, txnID)
		return errors.Is(err, txlog.ErrNotFound)
	})
}

// A prepared transaction with no logged decision is presumed aborted.
func TestServerRestartPresumesAbort(t *testing.T) {
	logBackend := memory.New()
	fileBackend := memory.New()
	first := StartTestStack(t, WithTestLogBackend(logBackend), WithTestFileBackend(fileBackend))
	ctx := context.Background()

	session := participant.Session{
		TxnID:                 xid.New().String(),
		SessionToken:          "token",
		InteractiveSessionKey: TestInteractiveSessionKey,
		CoordinatorKey:        TestCoordinatorKey,
	}
	p := first.AFS.Participant()
	if err := p.Begin(ctx, session); err != nil {
		t.Fatalf("begin: %v", err)
	}
	arg, _ := json.Marshal(afs.WriteArgs{Path: "orphan.txt", Data: []byte("?")})
	if _, err := p.Execute(ctx, session, "write", []json.RawMessage{arg}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Prepare(ctx, session); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := first.Stop(ctx); err != nil {
		t.Fatalf("stop first: %v", err)
	}

	second := StartTestStack(t, WithTestLogBackend(logBackend), WithTestFileBackend(fileBackend))
	waitFor(t, 5*time.Second, func() bool {
		ids, err := second.AFS.Participant().RecoverAll(ctx, TestInteractiveSessionKey, TestCoordinatorKey)
		return err == nil && len(ids) == 0
	})
	if _, ok := readPublished(t, fileBackend, "orphan.txt"); ok {
		t.Fatalf("presumed-aborted file must not be published")
	}
}

func TestServerDisabledReportsUnavailable(t *testing.T) {
	srv, err := NewServer(Config{Disabled: true, DisableHTTPTracing: true})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	if srv.Coordinator() != nil {
		t.Fatalf("disabled server must not build a coordinator")
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	resp, err := http.Get(hs.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "disabled") {
		t.Fatalf("expected 503 disabled, got %d %q", resp.StatusCode, body)
	}

	cli, err := client.New(hs.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = cli.Start(context.Background())
	if code := client.ErrorCode(err); code != "disabled" {
		t.Fatalf("expected disabled error code, got %q (%v)", code, err)
	}
}

func TestServerRequiresParticipant(t *testing.T) {
	_, err := NewServer(Config{
		CoordinatorKey:        "a",
		InteractiveSessionKey: "b",
		DisableHTTPTracing:    true,
	})
	if err == nil || !strings.Contains(err.Error(), "at least one participant") {
		t.Fatalf("expected participant error, got %v", err)
	}
}

func TestServerRejectsInvalidLogLevel(t *testing.T) {
	_, err := NewServer(Config{Disabled: true, LogLevel: "chatty"})
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	ts := StartTestStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := ts.Server.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := ts.Client.Ready(ctx); err == nil {
		t.Fatalf("expected connection failure after shutdown")
	}
}
