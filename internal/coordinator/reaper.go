package coordinator

import (
	"context"
	"slices"
	"time"

	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/txlog"
)

// ReapReport summarises one FinishAbandoned pass.
type ReapReport struct {
	Examined   int
	RolledBack int
	Retried    int
	Completed  int
	// Skipped counts transactions busy with a caller during the pass.
	Skipped int
}

// FinishAbandoned rolls back undecided transactions idle for longer than
// the transaction timeout and retries phase two for decided transactions
// with pending participants. Transactions locked by a caller are skipped
// until the next pass. An undecided transaction is never committed here.
// Expired completed outcomes are dropped on every pass.
func (c *Coordinator) FinishAbandoned(ctx context.Context) (ReapReport, error) {
	var report ReapReport
	c.pruneFinished()
	now := c.clock.Now()
	for _, t := range c.snapshotTxns() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !t.mu.TryLock() {
			report.Skipped++
			continue
		}
		c.reap(ctx, t, now.Sub(t.lastActivityAt), &report)
		t.mu.Unlock()
	}
	return report, nil
}

func (c *Coordinator) reap(ctx context.Context, t *txn, idle time.Duration, report *ReapReport) {
	if t.removed {
		return
	}
	report.Examined++
	logger := svcfields.WithTxn(c.reaperLogger, t.id)
	if t.decided() {
		if len(t.pending) == 0 {
			return
		}
		report.Retried++
		c.drive(ctx, t, true)
		if t.removed {
			report.Completed++
			logger.Info("txn.reaper.finished", "decision", t.decision)
		}
		return
	}
	if idle <= c.txnTimeout {
		return
	}
	previous := t.state
	decision, err := c.recordDecision(ctx, t, txlog.DecisionRollback)
	if err != nil {
		logger.Warn("txn.reaper.decision_failed", "state", previous, "error", err)
		return
	}
	t.pending = slices.Clone(t.participantIDs)
	if decision == txlog.DecisionCommit {
		t.state = StateCommitting
		logger.Warn("txn.reaper.commit_recorded", "state", previous)
	} else {
		t.state = StateRollingBack
		report.RolledBack++
		c.metrics.recordReaped(ctx, string(previous))
		logger.Info("txn.reaper.rollback", "state", previous, "idle_seconds", int64(idle.Seconds()))
	}
	c.drive(ctx, t, true)
	if t.removed {
		report.Completed++
	}
}

// Start launches the background reaper. It runs FinishAbandoned every
// finish interval until Stop is called or ctx ends.
func (c *Coordinator) Start(ctx context.Context) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.stop != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.stop = cancel
	c.done = done
	go c.runReaper(runCtx, done)
}

// Stop halts the reaper and waits for an in-flight pass to return.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.lifecycleMu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (c *Coordinator) runReaper(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := c.reaperLogger
	logger.Debug("txn.reaper.start", "interval", c.interval, "transaction_timeout", c.txnTimeout)
	for {
		select {
		case <-ctx.Done():
			logger.Debug("txn.reaper.stop")
			return
		case <-c.clock.After(c.interval):
		}
		report, err := c.FinishAbandoned(ctx)
		if err != nil {
			continue
		}
		if report.RolledBack > 0 || report.Retried > 0 {
			logger.Info("txn.reaper.pass",
				"examined", report.Examined,
				"rolled_back", report.RolledBack,
				"retried", report.Retried,
				"completed", report.Completed,
				"skipped", report.Skipped,
			)
		}
	}
}
