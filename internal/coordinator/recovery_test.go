package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/xacoord/internal/afs"
	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/storage/memory"
	"pkt.systems/xacoord/internal/txlog"
)

func commitEntry(txnID string, participants ...string) txlog.Entry {
	return txlog.Entry{
		TxnID:                 txnID,
		Decision:              txlog.DecisionCommit,
		ParticipantIDs:        participants,
		CoordinatorKey:        testCoordinatorKey,
		InteractiveSessionKey: testSessionKey,
	}
}

func TestRecoveryCommitsLoggedDecision(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	ctx := context.Background()

	// Crash after the decision was logged but before phase two.
	db.setPrepared("tx3")
	fs.setPrepared("tx3")
	if err := h.log.Append(ctx, commitEntry("tx3", "db", "afs")); err != nil {
		t.Fatalf("append: %v", err)
	}

	c := h.coordinator(t, nil, db, fs)
	report, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Entries != 1 || report.Resolved != 1 || report.Pending != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, f := range []*fakeParticipant{db, fs} {
		if got := f.state("tx3"); got != "committed" {
			t.Fatalf("%s: expected committed, got %q", f.id, got)
		}
		if !f.called("commit-recovered", "tx3") {
			t.Fatalf("%s: expected recovered commit", f.id)
		}
	}
	if _, err := h.log.Get(ctx, "tx3"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected entry purged, got %v", err)
	}
	if !c.Ready() {
		t.Fatalf("expected ready after recovery")
	}
}

func TestRecoverySkipsParticipantsThatAlreadyApplied(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	ctx := context.Background()

	// db committed before the crash, afs did not.
	fs.setPrepared("tx-partial")
	if err := h.log.Append(ctx, commitEntry("tx-partial", "db", "afs")); err != nil {
		t.Fatalf("append: %v", err)
	}
	c := h.coordinator(t, nil, db, fs)
	if _, err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if db.called("commit-recovered", "tx-partial") {
		t.Fatalf("db had nothing in doubt and must not be called")
	}
	if got := fs.state("tx-partial"); got != "committed" {
		t.Fatalf("expected afs committed, got %q", got)
	}
}

func TestRecoveryPresumesAbortWithoutDecision(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.setPrepared("orphan")
	c := h.coordinator(t, nil, db)

	report, err := c.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.PresumedAborted != 1 {
		t.Fatalf("expected one presumed abort, got %+v", report)
	}
	if got := db.state("orphan"); got != "rolled_back" {
		t.Fatalf("expected orphan rolled back, got %q", got)
	}
}

func TestRecoveryUpgradesUndecidedEntryToRollback(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.setPrepared("tx-none")
	ctx := context.Background()
	entry := commitEntry("tx-none", "db")
	entry.Decision = txlog.DecisionNone
	if err := h.log.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	c := h.coordinator(t, nil, db)
	if _, err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got := db.state("tx-none"); got != "rolled_back" {
		t.Fatalf("expected rolled back, got %q", got)
	}
	if db.called("commit-recovered", "tx-none") {
		t.Fatalf("undecided transaction must never commit")
	}
	if _, err := h.log.Get(ctx, "tx-none"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected entry purged, got %v", err)
	}
}

func TestRecoveryKeepsUnreachableParticipantPending(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	fs.failRecover = errInjected
	db.setPrepared("tx-down")
	fs.setPrepared("tx-down")
	ctx := context.Background()
	if err := h.log.Append(ctx, commitEntry("tx-down", "db", "afs")); err != nil {
		t.Fatalf("append: %v", err)
	}

	c := h.coordinator(t, nil, db, fs)
	report, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Pending != 1 || len(report.Unreachable) != 1 || report.Unreachable[0] != "afs" {
		t.Fatalf("unexpected report %+v", report)
	}
	if !c.Ready() {
		t.Fatalf("an unreachable participant must not block readiness")
	}
	snap, ok := c.Status("tx-down")
	if !ok || snap.State != coordinator.StateCommitting || len(snap.Pending) != 1 || snap.Pending[0] != "afs" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if _, err := h.log.Get(ctx, "tx-down"); err != nil {
		t.Fatalf("entry must stay until every participant applied: %v", err)
	}

	fs.mu.Lock()
	fs.failRecover = nil
	fs.mu.Unlock()
	report2, err := c.FinishAbandoned(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report2.Completed != 1 {
		t.Fatalf("expected completion, got %+v", report2)
	}
	if got := fs.state("tx-down"); got != "committed" {
		t.Fatalf("expected afs committed, got %q", got)
	}
	if _, err := h.log.Get(ctx, "tx-down"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected entry purged, got %v", err)
	}
}

func TestRecoveryLeavesLiveTransactionsAlone(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.failCommit = 1
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-live")
	if _, err := c.Commit(ctx, req("tx-live")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	db.setPrepared("tx-live")
	report, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.PresumedAborted != 0 || report.Resolved != 0 {
		t.Fatalf("live transaction touched by recovery: %+v", report)
	}
	if got := db.state("tx-live"); got != "prepared" {
		t.Fatalf("expected still prepared, got %q", got)
	}
}

func TestRecoveryRollsBackLoggedRollbackEverywhere(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	ctx := context.Background()

	// db refused to prepare, afs was never asked: only db could report it.
	db.setPrepared("tx-rb")
	fs.mu.Lock()
	fs.outcome["tx-rb"] = "open"
	fs.mu.Unlock()
	entry := commitEntry("tx-rb", "db", "afs")
	entry.Decision = txlog.DecisionRollback
	if err := h.log.Append(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	c := h.coordinator(t, nil, db, fs)
	report, err := c.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Resolved != 1 || report.Pending != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, f := range []*fakeParticipant{db, fs} {
		if !f.called("rollback-recovered", "tx-rb") {
			t.Fatalf("%s: expected recovered rollback", f.id)
		}
		if got := f.state("tx-rb"); got != "rolled_back" {
			t.Fatalf("%s: expected rolled_back, got %q", f.id, got)
		}
	}
}

func TestRecoveryDiscardsFileStoreWorkOfCrashedCoordinator(t *testing.T) {
	h := newHarness(t)
	files := memory.New()
	fs, err := afs.New(afs.Config{
		ID:      "afs",
		Backend: files,
		Credentials: participant.Credentials{
			CoordinatorKey:        testCoordinatorKey,
			InteractiveSessionKey: testSessionKey,
		},
	})
	if err != nil {
		t.Fatalf("afs: %v", err)
	}
	ctx := context.Background()

	first := h.ready(t, fs)
	mustBegin(t, first, "tx7")
	arg, _ := json.Marshal(afs.WriteArgs{Path: "a.txt", Data: []byte("draft")})
	if _, err := first.Execute(ctx, coordinator.ExecuteRequest{
		Request:     req("tx7"),
		Participant: "afs",
		Operation:   "write",
		Args:        []json.RawMessage{arg},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The first coordinator is gone; a new one starts on the same log and
	// the same file store.
	second := h.coordinator(t, nil, fs)
	report, err := second.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.PresumedAborted != 1 {
		t.Fatalf("expected the abandoned stage rolled back, got %+v", report)
	}
	staged := 0
	if err := storage.Walk(ctx, files, afs.Namespace, "staging/", func(storage.ObjectInfo) error {
		staged++
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if staged != 0 {
		t.Fatalf("expected staging empty, found %d objects", staged)
	}
	mustBegin(t, second, "tx7")
}
