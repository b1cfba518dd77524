package coordinator

import (
	"fmt"
	"time"

	"pkt.systems/xacoord/internal/txlog"
)

// finishedTxn is what remains of a completed transaction once its log entry
// is purged. It answers re-issued commit, rollback and status calls.
type finishedTxn struct {
	snap         Snapshot
	sessionToken string
	failure      error
	at           time.Time
}

// remember records t's outcome before it leaves the table. t.mu must be
// held.
func (c *Coordinator) remember(t *txn) {
	if c.retention <= 0 {
		return
	}
	snap := t.snapshot()
	snap.Live = false
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.finished[t.id]; !ok {
		c.finishedOrder = append(c.finishedOrder, t.id)
	}
	c.finished[t.id] = &finishedTxn{snap: snap, sessionToken: t.sessionToken, failure: t.failure, at: now}
	c.pruneFinishedLocked(now)
}

// pruneFinishedLocked drops outcomes older than the retention and keeps at
// most maxFinished of them. c.mu must be held.
func (c *Coordinator) pruneFinishedLocked(now time.Time) {
	drop := 0
	for drop < len(c.finishedOrder) {
		f, ok := c.finished[c.finishedOrder[drop]]
		if ok && now.Sub(f.at) <= c.retention && len(c.finishedOrder)-drop <= c.maxFinished {
			break
		}
		if ok {
			delete(c.finished, c.finishedOrder[drop])
		}
		drop++
	}
	if drop > 0 {
		c.finishedOrder = append(c.finishedOrder[:0], c.finishedOrder[drop:]...)
	}
}

func (c *Coordinator) pruneFinished() {
	now := c.clock.Now()
	c.mu.Lock()
	c.pruneFinishedLocked(now)
	c.mu.Unlock()
}

func (c *Coordinator) recall(txnID string) (*finishedTxn, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.finished[txnID]
	if !ok || now.Sub(f.at) > c.retention {
		return nil, false
	}
	return f, true
}

// replayFinished answers a commit or rollback for a transaction that already
// completed. notFound is returned unchanged when no outcome is remembered.
func (c *Coordinator) replayFinished(req Request, want txlog.Decision, notFound error) (Result, error) {
	f, ok := c.recall(req.TxnID)
	if !ok {
		return Result{}, notFound
	}
	if err := c.checkInteractiveKey(req.InteractiveSessionKey); err != nil {
		return Result{}, err
	}
	if f.sessionToken == "" || !keyEqual(f.sessionToken, req.SessionToken) {
		return Result{}, fmt.Errorf("%w: session does not own %s", ErrSessionMismatch, req.TxnID)
	}
	res := Result{TxnID: f.snap.TxnID, State: f.snap.State, Decision: f.snap.Decision}
	switch {
	case f.snap.Decision == want:
		return res, nil
	case want == txlog.DecisionRollback:
		return res, fmt.Errorf("%w: %s is committed", ErrInvalidState, req.TxnID)
	default:
		return res, rolledBackError(req.TxnID, f.failure)
	}
}
