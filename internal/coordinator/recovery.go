package coordinator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/txlog"
)

// RecoveryReport summarises one recovery pass.
type RecoveryReport struct {
	// Entries is the number of log entries read.
	Entries int
	// Resolved entries were applied everywhere and purged.
	Resolved int
	// Pending entries were re-inserted for the reaper to finish.
	Pending int
	// PresumedAborted counts in-doubt participant transactions with no
	// logged decision that were rolled back.
	PresumedAborted int
	// Unreachable lists participants whose in-doubt list could not be read.
	Unreachable []string
}

// Recover reconciles the log with the participants' in-doubt transactions:
// logged commits are re-applied where still in doubt, logged rollbacks are
// re-applied on every reachable participant, and in-doubt transactions
// without a logged decision are rolled back. The
// coordinator accepts new transactions once a pass completes. Running it
// again is harmless.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	logger := c.logger.With("phase", "recovery")
	entries, err := c.log.ReadAll(ctx)
	if err != nil {
		return report, fmt.Errorf("coordinator: recovery: %w", err)
	}
	report.Entries = len(entries)

	inDoubt := make(map[string]map[string]struct{}, len(c.order))
	for _, pid := range c.order {
		callCtx, cancel := c.callContext(ctx, pid)
		ids, err := c.participants[pid].RecoverAll(callCtx, c.sessionKey, c.coordinatorKey)
		cancel()
		if err != nil {
			logger.Warn("txn.recovery.participant_unreachable", "participant", pid, "error", err)
			report.Unreachable = append(report.Unreachable, pid)
			continue
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		inDoubt[pid] = set
	}

	logged := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		logged[entry.TxnID] = struct{}{}
		if c.isLive(entry.TxnID) {
			continue
		}
		if c.recoverEntry(ctx, entry, inDoubt) {
			report.Pending++
			c.metrics.recordRecovered(ctx, "pending")
		} else {
			report.Resolved++
			c.metrics.recordRecovered(ctx, "resolved")
		}
	}

	for _, pid := range c.order {
		for id := range inDoubt[pid] {
			if _, ok := logged[id]; ok || c.isLive(id) {
				continue
			}
			rec := participant.Recovery{TxnID: id, InteractiveSessionKey: c.sessionKey, CoordinatorKey: c.coordinatorKey}
			callCtx, cancel := c.callContext(ctx, pid)
			err := c.participants[pid].RollbackRecovered(callCtx, rec)
			cancel()
			if err != nil {
				logger.Warn("txn.recovery.presumed_abort_failed", "txn_id", id, "participant", pid, "error", err)
				continue
			}
			report.PresumedAborted++
			c.metrics.recordRecovered(ctx, "presumed_abort")
			logger.Info("txn.recovery.presumed_abort", "txn_id", id, "participant", pid)
		}
	}

	c.ready.Store(true)
	logger.Info("txn.recovery.complete",
		"entries", report.Entries,
		"resolved", report.Resolved,
		"pending", report.Pending,
		"presumed_aborted", report.PresumedAborted,
		"unreachable", len(report.Unreachable),
	)
	return report, nil
}

func (c *Coordinator) isLive(txnID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.txns[txnID]
	return ok
}

// recoverEntry applies one logged decision. It reports whether some
// participant is still pending, in which case the entry is re-inserted.
func (c *Coordinator) recoverEntry(ctx context.Context, entry txlog.Entry, inDoubt map[string]map[string]struct{}) bool {
	logger := svcfields.WithTxn(c.logger, entry.TxnID).With("phase", "recovery")
	decision := entry.Decision
	if decision != txlog.DecisionCommit {
		if decision != txlog.DecisionRollback {
			entry.Decision = txlog.DecisionRollback
			entry.DecidedAtUnix = 0
			if err := c.log.Append(ctx, entry); err != nil {
				logger.Warn("txn.recovery.upgrade_failed", "error", err)
			}
		}
		decision = txlog.DecisionRollback
	}
	t := &txn{
		id:                    entry.TxnID,
		interactiveSessionKey: entry.InteractiveSessionKey,
		coordinatorKey:        entry.CoordinatorKey,
		decision:              decision,
		participantIDs:        slices.Clone(entry.ParticipantIDs),
		createdAt:             time.Unix(entry.CreatedAtUnix, 0),
		lastActivityAt:        c.clock.Now(),
		recovered:             true,
	}
	if t.interactiveSessionKey == "" {
		t.interactiveSessionKey = c.sessionKey
	}
	if t.coordinatorKey == "" {
		t.coordinatorKey = c.coordinatorKey
	}
	if entry.DecidedAtUnix > 0 {
		t.decidedAt = time.Unix(entry.DecidedAtUnix, 0)
	}

	for _, pid := range t.participantIDs {
		if _, configured := c.participants[pid]; !configured {
			logger.Warn("txn.recovery.unknown_participant", "participant", pid)
			t.pending = append(t.pending, pid)
			continue
		}
		set, reachable := inDoubt[pid]
		if !reachable {
			t.pending = append(t.pending, pid)
			continue
		}
		_, doubt := set[t.id]
		// A rolled back transaction may hold unprepared work that is not
		// listed as in doubt. Rollback of an unknown id is a no-op.
		if !doubt && decision != txlog.DecisionRollback {
			continue
		}
		delete(set, t.id)
		if err := c.apply(ctx, t, pid, true); err != nil {
			logger.Warn("txn.recovery.apply_failed", "participant", pid, "decision", decision, "error", err)
			t.pending = append(t.pending, pid)
			continue
		}
		logger.Info("txn.recovery.applied", "participant", pid, "decision", decision)
	}

	if len(t.pending) == 0 {
		if err := c.log.Purge(ctx, t.id); err != nil {
			logger.Warn("txn.log.purge_failed", "error", err)
		}
		return false
	}
	if decision == txlog.DecisionCommit {
		t.state = StateCommitting
	} else {
		t.state = StateRollingBack
	}
	c.mu.Lock()
	if _, exists := c.txns[t.id]; !exists {
		c.txns[t.id] = t
	}
	c.mu.Unlock()
	logger.Warn("txn.recovery.pending", "pending", t.pending)
	return true
}
