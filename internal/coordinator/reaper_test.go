package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/xacoord/internal/coordinator"
	"pkt.systems/xacoord/internal/txlog"
)

func TestReaperRollsBackIdleTransactions(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-idle")
	h.clock.Advance(30 * time.Second)
	report, err := c.FinishAbandoned(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.RolledBack != 0 || c.Count() != 1 {
		t.Fatalf("transaction reaped before its timeout: %+v", report)
	}

	h.clock.Advance(time.Minute)
	report, err = c.FinishAbandoned(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.RolledBack != 1 || report.Completed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := db.state("tx-idle"); got != "rolled_back" {
		t.Fatalf("expected rolled back, got %q", got)
	}
	if c.Count() != 0 {
		t.Fatalf("expected empty table")
	}
	var pe *coordinator.PhaseError
	if _, err := c.Commit(ctx, req("tx-idle")); !errors.As(err, &pe) || pe.Decision != txlog.DecisionRollback {
		t.Fatalf("expected rolled back error after reaping, got %v", err)
	}
}

func TestReaperNeverCommitsUndecidedPreparedTransaction(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-stuck")
	h.backend.setFailPuts(true)
	if _, err := c.Commit(ctx, req("tx-stuck")); err == nil {
		t.Fatalf("expected decision failure")
	}
	h.clock.Advance(2 * time.Minute)
	report, _ := c.FinishAbandoned(ctx)
	if report.RolledBack != 0 || db.state("tx-stuck") != "prepared" {
		t.Fatalf("reaper acted without a durable decision: %+v", report)
	}

	h.backend.setFailPuts(false)
	report, err := c.FinishAbandoned(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.RolledBack != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if db.called("commit", "tx-stuck") || db.called("commit-recovered", "tx-stuck") {
		t.Fatalf("reaper committed an undecided transaction")
	}
	if got := db.state("tx-stuck"); got != "rolled_back" {
		t.Fatalf("expected rolled back, got %q", got)
	}
}

func TestReaperSkipsBusyTransaction(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	db.prepGate = make(chan struct{})
	db.prepEntered = make(chan struct{})
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-busy")
	done := make(chan error, 1)
	go func() {
		_, err := c.Commit(ctx, req("tx-busy"))
		done <- err
	}()
	<-db.prepEntered
	h.clock.Advance(2 * time.Minute)
	report, err := c.FinishAbandoned(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if report.Skipped != 1 || report.RolledBack != 0 {
		t.Fatalf("expected busy transaction skipped, got %+v", report)
	}
	close(db.prepGate)
	if err := <-done; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := db.state("tx-busy"); got != "committed" {
		t.Fatalf("expected committed, got %q", got)
	}
}

func TestReaperLoopRunsOnInterval(t *testing.T) {
	h := newHarness(t)
	db := newFake("db")
	c := h.ready(t, db)
	ctx := context.Background()

	mustBegin(t, c, "tx-loop")
	c.Start(ctx)
	t.Cleanup(c.Stop)
	waitFor(t, "reaper timer", func() bool { return h.clock.Pending() > 0 })
	h.clock.Advance(2 * time.Minute)
	waitFor(t, "reaped transaction", func() bool { return c.Count() == 0 })
	if got := db.state("tx-loop"); got != "rolled_back" {
		t.Fatalf("expected rolled back, got %q", got)
	}
	if _, err := h.log.Get(ctx, "tx-loop"); !errors.Is(err, txlog.ErrNotFound) {
		t.Fatalf("expected entry purged, got %v", err)
	}
	c.Stop()
	c.Stop()
}
