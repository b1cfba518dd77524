package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/txlog"
)

func TestBeginBeforeRecoveryIsRejected(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, nil, newFake("db"))
	if c.Ready() {
		t.Fatalf("expected coordinator not ready before recovery")
	}
	if _, err := c.Begin(context.Background(), req("tx-early")); !errors.Is(err, coordinator.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestNewRejectsDuplicateParticipants(t *testing.T) {
	h := newHarness(t)
	_, err := coordinator.New(coordinator.Config{
		Log:          h.log,
		Participants: []participant.Participant{newFake("db"), newFake("db")},
	})
	if err == nil {
		t.Fatalf("expected duplicate participant error")
	}
}

func TestCommitAppliesEverywhere(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	c := h.ready(t, db, fs)
	ctx := context.Background()

	mustBegin(t, c, "tx1")
	for _, pid := range []string{"db", "afs"} {
		out, err := c.Execute(ctx, coordinator.ExecuteRequest{
			Request:     req("tx1"),
			Participant: pid,
			Operation:   "write",
			Args:        []json.RawMessage{json.RawMessage(`"payload"`)},
		})
		if err != nil {
			t.Fatalf("execute %s: %v", pid, err)
		}
		if string(out) != `{"ok":true}` {
			t.Fatalf("unexpected result %s", out)
		}
	}
	res, err := c.Commit(ctx, req("tx1"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if res.State != coordinator.StateCommitted || res.Decision != txlog.DecisionCommit {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("expected no failures, got %+v", res.Failures)
	}
	for _, f := range []*fakeParticipant{db, fs} {
		if got := f.state("tx1"); got != "committed" {
			t.Fatalf("%s: expected committed, got %q", f.id, got)
		}
	}
	if _, err := h.log.Get(ctx, "tx1"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected log entry purged, got %v", err)
	}
	if c.Count() != 0 {
		t.Fatalf("expected empty table, got %d", c.Count())
	}
	again, err := c.Commit(ctx, req("tx1"))
	if err != nil || again.State != coordinator.StateCommitted {
		t.Fatalf("expected repeated commit to report committed, got %+v err=%v", again, err)
	}
}

func TestCommitDecisionDurableBeforeParticipantsApply(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.ready(t, db)
	var seen txlog.Decision
	db.onCommit = func(txnID string) {
		entry, err := h.log.Get(context.Background(), txnID)
		if err != nil {
			t.Errorf("log entry missing during commit: %v", err)
			return
		}
		seen = entry.Decision
	}
	mustBegin(t, c, "tx-durable")
	if _, err := c.Commit(context.Background(), req("tx-durable")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if seen != txlog.DecisionCommit {
		t.Fatalf("expected COMMIT logged before participant commit, saw %q", seen)
	}
}

func TestPrepareFailureRollsBackEveryParticipant(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	fs.failPrep = errInjected
	c := h.ready(t, db, fs)
	ctx := context.Background()

	mustBegin(t, c, "tx2")
	res, err := c.Commit(ctx, req("tx2"))
	var pe *coordinator.PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PhaseError, got %v", err)
	}
	if pe.Phase != coordinator.PhasePrepare || pe.Participant != "afs" || pe.Decision != txlog.DecisionRollback {
		t.Fatalf("unexpected phase error %+v", pe)
	}
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected cause to unwrap, got %v", err)
	}
	if res.State != coordinator.StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", res.State)
	}
	for _, f := range []*fakeParticipant{db, fs} {
		if got := f.state("tx2"); got != "rolled_back" {
			t.Fatalf("%s: expected rolled_back, got %q", f.id, got)
		}
		if f.called("commit", "tx2") {
			t.Fatalf("%s: commit must not run after a failed prepare", f.id)
		}
	}
	if _, err := h.log.Get(ctx, "tx2"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected log entry purged, got %v", err)
	}
}

func TestPhaseTwoFailureIsReportedAndRetried(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	fs.failCommit = 1
	c := h.ready(t, db, fs)
	ctx := context.Background()

	mustBegin(t, c, "tx-warn")
	res, err := c.Commit(ctx, req("tx-warn"))
	if err != nil {
		t.Fatalf("commit must succeed once the decision is durable: %v", err)
	}
	if res.State != coordinator.StateCommitting {
		t.Fatalf("expected committing, got %s", res.State)
	}
	if len(res.Failures) != 1 || res.Failures[0].Participant != "afs" || res.Failures[0].Phase != coordinator.PhaseCommit {
		t.Fatalf("unexpected failures %+v", res.Failures)
	}
	snap, ok := c.Status("tx-warn")
	if !ok || len(snap.Pending) != 1 || snap.Pending[0] != "afs" {
		t.Fatalf("expected afs pending, got %+v (found=%v)", snap, ok)
	}
	if entry, err := h.log.Get(ctx, "tx-warn"); err != nil || entry.Decision != txlog.DecisionCommit {
		t.Fatalf("expected COMMIT entry retained, got %+v err=%v", entry, err)
	}

	report, err := c.FinishAbandoned(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.Retried != 1 || report.Completed != 1 {
		t.Fatalf("unexpected reap report %+v", report)
	}
	if !fs.called("commit-recovered", "tx-warn") {
		t.Fatalf("expected recovered commit on retry")
	}
	if got := fs.state("tx-warn"); got != "committed" {
		t.Fatalf("expected afs committed, got %q", got)
	}
	if _, err := h.log.Get(ctx, "tx-warn"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected log purged after retry, got %v", err)
	}
}

func TestCommitRetryDrivesPendingParticipants(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.failCommit = 1
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-again")
	if _, err := c.Commit(ctx, req("tx-again")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	res, err := c.Commit(ctx, req("tx-again"))
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if res.State != coordinator.StateCommitted || len(res.Failures) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDecisionWriteFailureLeavesTransactionPrepared(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-log")
	h.backend.setFailPuts(true)
	_, err := c.Commit(ctx, req("tx-log"))
	var pe *coordinator.PhaseError
	if !errors.As(err, &pe) || pe.Phase != coordinator.PhaseDecision {
		t.Fatalf("expected decision phase error, got %v", err)
	}
	if db.called("commit", "tx-log") {
		t.Fatalf("participant committed without a durable decision")
	}
	snap, _ := c.Status("tx-log")
	if snap.State != coordinator.StatePrepared || snap.Decision != txlog.DecisionNone {
		t.Fatalf("expected prepared and undecided, got %+v", snap)
	}

	h.backend.setFailPuts(false)
	res, err := c.Commit(ctx, req("tx-log"))
	if err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	if res.State != coordinator.StateCommitted || db.state("tx-log") != "committed" {
		t.Fatalf("unexpected result %+v participant=%q", res, db.state("tx-log"))
	}
}

func TestSessionBinding(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-owned")
	stranger := req("tx-owned")
	stranger.SessionToken = "someone-else"
	if _, err := c.Execute(ctx, coordinator.ExecuteRequest{Request: stranger, Participant: "db", Operation: "write"}); !errors.Is(err, coordinator.ErrSessionMismatch) {
		t.Fatalf("expected session mismatch on execute, got %v", err)
	}
	if _, err := c.Commit(ctx, stranger); !errors.Is(err, coordinator.ErrSessionMismatch) {
		t.Fatalf("expected session mismatch on commit, got %v", err)
	}
	if _, err := c.Rollback(ctx, stranger); !errors.Is(err, coordinator.ErrSessionMismatch) {
		t.Fatalf("expected session mismatch on rollback, got %v", err)
	}
	badKey := req("tx-owned")
	badKey.InteractiveSessionKey = "wrong"
	if _, err := c.Commit(ctx, badKey); !errors.Is(err, coordinator.ErrSessionMismatch) {
		t.Fatalf("expected session mismatch for bad key, got %v", err)
	}
	if _, err := c.Begin(ctx, coordinator.Request{TxnID: "tx-keyless", SessionToken: "t", InteractiveSessionKey: "wrong"}); !errors.Is(err, coordinator.ErrSessionMismatch) {
		t.Fatalf("expected begin with bad key rejected, got %v", err)
	}
	snap, ok := c.Status("tx-owned")
	if !ok || snap.State != coordinator.StateOpen {
		t.Fatalf("rejected calls must not change state, got %+v", snap)
	}
	db.mu.Lock()
	calls := len(db.calls)
	db.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected only begin to reach the participant, got %v", db.calls)
	}
}

func TestExecuteFailureKeepsTransactionOpen(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.execErr = participant.ErrUnknownOperation
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-exec")
	_, err := c.Execute(ctx, coordinator.ExecuteRequest{Request: req("tx-exec"), Participant: "db", Operation: "bogus"})
	var pe *coordinator.PhaseError
	if !errors.As(err, &pe) || pe.Phase != coordinator.PhaseExecute || pe.Participant != "db" {
		t.Fatalf("expected execute phase error, got %v", err)
	}
	if !errors.Is(err, participant.ErrUnknownOperation) {
		t.Fatalf("expected participant cause, got %v", err)
	}
	if _, err := c.Execute(ctx, coordinator.ExecuteRequest{Request: req("tx-exec"), Participant: "nope", Operation: "write"}); !errors.Is(err, coordinator.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	snap, _ := c.Status("tx-exec")
	if snap.State != coordinator.StateOpen {
		t.Fatalf("expected open after failed operation, got %s", snap.State)
	}
	db.mu.Lock()
	db.execErr = nil
	db.mu.Unlock()
	if _, err := c.Commit(ctx, req("tx-exec")); err != nil {
		t.Fatalf("commit after failed operation: %v", err)
	}
}

func TestExecuteAfterCommitStartedIsInvalid(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.failCommit = 1
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-late")
	if _, err := c.Commit(ctx, req("tx-late")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := c.Execute(ctx, coordinator.ExecuteRequest{Request: req("tx-late"), Participant: "db", Operation: "write"}); !errors.Is(err, coordinator.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if _, err := c.Rollback(ctx, req("tx-late")); !errors.Is(err, coordinator.ErrInvalidState) {
		t.Fatalf("expected rollback of a committed transaction rejected, got %v", err)
	}
}

func TestTransactionLimit(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.coordinator(t, func(cfg *coordinator.Config) { cfg.TransactionCountLimit = 1 }, db)
	ctx := context.Background()
	if _, err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	mustBegin(t, c, "tx-a")
	if _, err := c.Begin(ctx, req("tx-b")); !errors.Is(err, coordinator.ErrTransactionLimit) {
		t.Fatalf("expected limit error, got %v", err)
	}
	if db.called("begin", "tx-b") {
		t.Fatalf("rejected begin reached a participant")
	}
	if _, err := c.Commit(ctx, req("tx-a")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	mustBegin(t, c, "tx-b")
}

func TestDuplicateBeginRejected(t *testing.T) {
	h := newHarness(t)
	c := h.ready(t, newFake("db"))
	ctx := context.Background()

	mustBegin(t, c, "tx-dup")
	if _, err := c.Begin(ctx, req("tx-dup")); !errors.Is(err, coordinator.ErrTransactionExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if err := h.log.Append(ctx, txlog.Entry{TxnID: "tx-logged", Decision: txlog.DecisionRollback}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := c.Begin(ctx, req("tx-logged")); !errors.Is(err, coordinator.ErrTransactionExists) {
		t.Fatalf("expected exists for logged id, got %v", err)
	}
	if _, err := c.Begin(ctx, req("../escape")); !errors.Is(err, coordinator.ErrInvalidTxnID) {
		t.Fatalf("expected invalid id, got %v", err)
	}
}

func TestBeginFailureReleasesBegunParticipants(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	fs.failBegin = errInjected
	c := h.ready(t, db, fs)

	_, err := c.Begin(context.Background(), req("tx-half"))
	var pe *coordinator.PhaseError
	if !errors.As(err, &pe) || pe.Phase != coordinator.PhaseBegin || pe.Participant != "afs" {
		t.Fatalf("expected begin phase error, got %v", err)
	}
	if got := db.state("tx-half"); got != "rolled_back" {
		t.Fatalf("expected db released, got %q", got)
	}
	if c.Count() != 0 {
		t.Fatalf("failed begin left %d transactions", c.Count())
	}
	if _, err := h.log.Get(context.Background(), "tx-half"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("failed begin must not log, got %v", err)
	}
}

func TestRollback(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	c := h.ready(t, db, fs)
	ctx := context.Background()

	mustBegin(t, c, "tx-rb")
	res, err := c.Rollback(ctx, req("tx-rb"))
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if res.State != coordinator.StateRolledBack || res.Decision != txlog.DecisionRollback {
		t.Fatalf("unexpected result %+v", res)
	}
	for _, f := range []*fakeParticipant{db, fs} {
		if got := f.state("tx-rb"); got != "rolled_back" {
			t.Fatalf("%s: expected rolled_back, got %q", f.id, got)
		}
	}
	again, err := c.Rollback(ctx, req("tx-rb"))
	if err != nil || again.State != coordinator.StateRolledBack {
		t.Fatalf("expected repeated rollback to report rolled back, got %+v err=%v", again, err)
	}
}

func TestLookupFallsBackToLog(t *testing.T) {
	h := newHarness(t)
	c := h.ready(t, newFake("db"))
	ctx := context.Background()
	if err := h.log.Append(ctx, txlog.Entry{TxnID: "tx-past", Decision: txlog.DecisionCommit, ParticipantIDs: []string{"db"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	snap, err := c.Lookup(ctx, "tx-past")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if snap.Live || snap.State != coordinator.StateCommitted {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	mustBegin(t, c, "tx-now")
	snap, err = c.Lookup(ctx, "tx-now")
	if err != nil || !snap.Live || snap.State != coordinator.StateOpen {
		t.Fatalf("unexpected live snapshot %+v err=%v", snap, err)
	}
	if _, err := c.Lookup(ctx, "tx-never"); !errors.Is(err, coordinator.ErrUnknownTransaction) {
		t.Fatalf("expected unknown, got %v", err)
	}
}

func TestValidateTxnID(t *testing.T) {
	cases := map[string]bool{
		"tx1":                     true,
		"9m4e2mr0ui3e8a215n4g":    true,
		"":                        false,
		".hidden":                 false,
		"a/b":                     false,
		"a\\b":                    false,
		"has space":               false,
		"tab\tid":                 false,
		string(make([]byte, 129)): false,
	}
	for id, ok := range cases {
		err := coordinator.ValidateTxnID(id)
		if ok && err != nil {
			t.Fatalf("%q: unexpected error %v", id, err)
		}
		if !ok && !errors.Is(err, coordinator.ErrInvalidTxnID) {
			t.Fatalf("%q: expected ErrInvalidTxnID, got %v", id, err)
		}
	}
}

func TestPhaseErrorMessage(t *testing.T) {
	err := &coordinator.PhaseError{TxnID: "tx9", Phase: coordinator.PhasePrepare, Decision: txlog.DecisionRollback, Participant: "afs", Err: errInjected}
	msg := err.Error()
	for _, want := range []string{"tx9", "prepare", "afs", "rollback", errInjected.Error()} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPrepareTimeoutRollsBack(t *testing.T) {
	h := newHarness(t)
	db, fs := newFake("db"), newFake("afs")
	fs.prepGate = make(chan struct{})
	c := h.coordinator(t, func(cfg *coordinator.Config) {
		cfg.ParticipantTimeout = 100 * time.Millisecond
	}, db, fs)
	if _, err := c.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	ctx := context.Background()
	var logged []txlog.Decision
	db.onRollback = func(txnID string) {
		entry, err := h.log.Get(ctx, txnID)
		if err != nil {
			t.Errorf("expected a logged decision before rollback: %v", err)
			return
		}
		logged = append(logged, entry.Decision)
	}

	mustBegin(t, c, "tx-slow")
	_, err := c.Commit(ctx, req("tx-slow"))
	var pe *coordinator.PhaseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected phase error, got %v", err)
	}
	if pe.Phase != coordinator.PhasePrepare || pe.Decision != txlog.DecisionRollback || pe.Participant != "afs" {
		t.Fatalf("unexpected phase error %+v", pe)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the timeout as cause, got %v", err)
	}
	if len(logged) != 1 || logged[0] != txlog.DecisionRollback {
		t.Fatalf("expected ROLLBACK logged before rollback, got %v", logged)
	}
	for _, f := range []*fakeParticipant{db, fs} {
		if got := f.state("tx-slow"); got != "rolled_back" {
			t.Fatalf("%s: expected rolled_back, got %q", f.id, got)
		}
	}
	if db.called("commit", "tx-slow") || fs.called("commit", "tx-slow") {
		t.Fatalf("timed out transaction must never commit")
	}
	close(fs.prepGate)
}

func TestFinishedOutcomeAnswersRepeatedCalls(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.coordinator(t, func(cfg *coordinator.Config) {
		cfg.FinishedRetention = 5 * time.Minute
	}, db)
	ctx := context.Background()
	if _, err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	mustBegin(t, c, "tx-done")
	if _, err := c.Commit(ctx, req("tx-done")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snap, err := c.Lookup(ctx, "tx-done")
	if err != nil || snap.Live || snap.State != coordinator.StateCommitted || snap.Decision != txlog.DecisionCommit {
		t.Fatalf("unexpected finished snapshot %+v err=%v", snap, err)
	}
	if _, ok := c.Status("tx-done"); ok {
		t.Fatalf("finished transaction must not be in the table")
	}
	other := req("tx-done")
	other.SessionToken = "someone-else"
	if _, err := c.Commit(ctx, other); !errors.Is(err, coordinator.ErrSessionMismatch) {
		t.Fatalf("expected session mismatch, got %v", err)
	}
	if _, err := c.Rollback(ctx, req("tx-done")); !errors.Is(err, coordinator.ErrInvalidState) {
		t.Fatalf("expected invalid state rolling back a committed txn, got %v", err)
	}
	if _, err := c.Begin(ctx, req("tx-done")); !errors.Is(err, coordinator.ErrTransactionExists) {
		t.Fatalf("expected completed id to be refused, got %v", err)
	}

	h.clock.Advance(6 * time.Minute)
	if _, err := c.FinishAbandoned(ctx); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := c.Commit(ctx, req("tx-done")); !errors.Is(err, coordinator.ErrUnknownTransaction) {
		t.Fatalf("expected unknown once the outcome expired, got %v", err)
	}
	if _, err := c.Lookup(ctx, "tx-done"); !errors.Is(err, coordinator.ErrUnknownTransaction) {
		t.Fatalf("expected lookup unknown once expired, got %v", err)
	}
}

func TestFinishedRetentionDisabled(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(t, func(cfg *coordinator.Config) {
		cfg.FinishedRetention = -1
	}, newFake("db"))
	ctx := context.Background()
	if _, err := c.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	mustBegin(t, c, "tx-gone")
	if _, err := c.Commit(ctx, req("tx-gone")); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := c.Commit(ctx, req("tx-gone")); !errors.Is(err, coordinator.ErrUnknownTransaction) {
		t.Fatalf("expected unknown without retention, got %v", err)
	}
}
