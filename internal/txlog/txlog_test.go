package txlog_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/storage/disk"
	"pkt.systems/xacoord/internal/storage/memory"
	"pkt.systems/xacoord/internal/txlog"
)

func newLog(t *testing.T, backend storage.Backend) *txlog.Log {
	t.Helper()
	log, err := txlog.New(txlog.Config{
		Backend: backend,
		Now:     func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("txlog: %v", err)
	}
	return log
}

func TestAppendIsIdempotentForSameDecision(t *testing.T) {
	log := newLog(t, memory.New())
	ctx := context.Background()
	entry := txlog.Entry{TxnID: "tx1", Decision: txlog.DecisionCommit, ParticipantIDs: []string{"db", "afs"}}
	if err := log.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append(ctx, entry); err != nil {
		t.Fatalf("re-append: %v", err)
	}
	got, err := log.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != txlog.DecisionCommit || len(got.ParticipantIDs) != 2 {
		t.Fatalf("unexpected entry %+v", got)
	}
	if got.DecidedAtUnix != 1700000000 || got.CreatedAtUnix != 1700000000 {
		t.Fatalf("expected timestamps to be stamped, got %+v", got)
	}
}

func TestAppendRejectsConflictingDecision(t *testing.T) {
	log := newLog(t, memory.New())
	ctx := context.Background()
	if err := log.Append(ctx, txlog.Entry{TxnID: "tx2", Decision: txlog.DecisionRollback}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := log.Append(ctx, txlog.Entry{TxnID: "tx2", Decision: txlog.DecisionCommit})
	if !errors.Is(err, txlog.ErrDecisionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := log.Get(ctx, "tx2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != txlog.DecisionRollback {
		t.Fatalf("decision overwritten: %+v", got)
	}
}

func TestAppendUpgradesNoneDecision(t *testing.T) {
	log := newLog(t, memory.New())
	ctx := context.Background()
	if err := log.Append(ctx, txlog.Entry{TxnID: "tx3"}); err != nil {
		t.Fatalf("append none: %v", err)
	}
	if err := log.Append(ctx, txlog.Entry{TxnID: "tx3", Decision: txlog.DecisionCommit}); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	got, err := log.Get(ctx, "tx3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Decision != txlog.DecisionCommit {
		t.Fatalf("expected commit, got %s", got.Decision)
	}
}

func TestReadAllAndPurge(t *testing.T) {
	backend := memory.New()
	log := newLog(t, backend)
	ctx := context.Background()
	for i, id := range []string{"b", "a", "c"} {
		entry := txlog.Entry{TxnID: id, Decision: txlog.DecisionCommit, CreatedAtUnix: int64(100 + i)}
		if err := log.Append(ctx, entry); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if _, err := backend.PutObject(ctx, txlog.Namespace, "garbage.json", strings.NewReader("{not json"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put garbage: %v", err)
	}
	entries, err := log.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].TxnID != "b" || entries[1].TxnID != "a" || entries[2].TxnID != "c" {
		t.Fatalf("entries not in creation order: %+v", entries)
	}
	if err := log.Purge(ctx, "a"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := log.Purge(ctx, "a"); err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if _, err := log.Get(ctx, "a"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendRejectsUnsafeIDs(t *testing.T) {
	log := newLog(t, memory.New())
	for _, id := range []string{"", "../x", "a/b", ".hidden"} {
		if err := log.Append(context.Background(), txlog.Entry{TxnID: id, Decision: txlog.DecisionCommit}); err == nil {
			t.Fatalf("expected error for %q", id)
		}
	}
}

func TestDiskLogSurvivesReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "log")
	store, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	if err := newLog(t, store).Append(context.Background(), txlog.Entry{TxnID: "tx3", Decision: txlog.DecisionCommit, ParticipantIDs: []string{"db", "afs"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := disk.New(disk.Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	entries, err := newLog(t, reopened).ReadAll(context.Background())
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != txlog.DecisionCommit {
		t.Fatalf("unexpected entries after reopen: %+v", entries)
	}
}
