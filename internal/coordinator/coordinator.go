// Package coordinator drives two-phase commit across the configured
// participants. Decisions are made durable in the transaction log before any
// participant is told to apply them.
package coordinator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/clock"
	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/svcfields"
	"pkt.systems/xacoord/internal/txlog"
)

const (
	DefaultTransactionTimeout    = 5 * time.Minute
	DefaultTransactionCountLimit = 1024
	DefaultFinishInterval        = 30 * time.Second
	DefaultParticipantTimeout    = 10 * time.Second
	DefaultFinishedRetention     = 10 * time.Minute

	maxTxnIDLength = 128
)

// Config wires a Coordinator.
type Config struct {
	Log *txlog.Log
	// Participants are contacted in this order in every phase.
	Participants []participant.Participant
	// ParticipantTimeouts overrides ParticipantTimeout per participant id.
	ParticipantTimeouts map[string]time.Duration

	CoordinatorKey        string
	InteractiveSessionKey string

	TransactionTimeout    time.Duration
	TransactionCountLimit int
	FinishInterval        time.Duration
	ParticipantTimeout    time.Duration
	// FinishedRetention is how long a completed transaction's outcome is
	// kept for repeated commit, rollback and status calls. Negative
	// disables it.
	FinishedRetention time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

// Coordinator owns the transaction table and runs the protocol.
type Coordinator struct {
	log            *txlog.Log
	order          []string
	participants   map[string]participant.Participant
	timeouts       map[string]time.Duration
	defaultTimeout time.Duration
	coordinatorKey string
	sessionKey     string
	txnTimeout     time.Duration
	limit          int
	interval       time.Duration
	clock          clock.Clock
	logger         pslog.Logger
	reaperLogger   pslog.Logger
	metrics        *coordinatorMetrics

	retention   time.Duration
	maxFinished int

	mu            sync.Mutex
	txns          map[string]*txn
	finished      map[string]*finishedTxn
	finishedOrder []string

	ready atomic.Bool

	lifecycleMu sync.Mutex
	stop        context.CancelFunc
	done        chan struct{}
}

// New validates cfg and returns a Coordinator. It refuses new transactions
// until Recover has completed.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Log == nil {
		return nil, errors.New("coordinator: transaction log required")
	}
	if len(cfg.Participants) == 0 {
		return nil, errors.New("coordinator: at least one participant required")
	}
	c := &Coordinator{
		log:            cfg.Log,
		participants:   make(map[string]participant.Participant, len(cfg.Participants)),
		timeouts:       make(map[string]time.Duration, len(cfg.ParticipantTimeouts)),
		defaultTimeout: cfg.ParticipantTimeout,
		coordinatorKey: cfg.CoordinatorKey,
		sessionKey:     cfg.InteractiveSessionKey,
		txnTimeout:     cfg.TransactionTimeout,
		limit:          cfg.TransactionCountLimit,
		interval:       cfg.FinishInterval,
		clock:          cfg.Clock,
		logger:         svcfields.WithSubsystem(cfg.Logger, "txn.coordinator"),
		reaperLogger:   svcfields.WithSubsystem(cfg.Logger, "txn.reaper"),
		txns:           make(map[string]*txn),
		finished:       make(map[string]*finishedTxn),
		retention:      cfg.FinishedRetention,
	}
	for _, p := range cfg.Participants {
		if p == nil {
			return nil, errors.New("coordinator: nil participant")
		}
		id := p.ID()
		if id == "" {
			return nil, errors.New("coordinator: participant id required")
		}
		if _, dup := c.participants[id]; dup {
			return nil, fmt.Errorf("coordinator: duplicate participant %q", id)
		}
		c.participants[id] = p
		c.order = append(c.order, id)
	}
	for id, d := range cfg.ParticipantTimeouts {
		if _, ok := c.participants[id]; !ok {
			return nil, fmt.Errorf("coordinator: timeout for unknown participant %q", id)
		}
		c.timeouts[id] = d
	}
	if c.defaultTimeout <= 0 {
		c.defaultTimeout = DefaultParticipantTimeout
	}
	if c.txnTimeout <= 0 {
		c.txnTimeout = DefaultTransactionTimeout
	}
	if c.limit <= 0 {
		c.limit = DefaultTransactionCountLimit
	}
	if c.interval <= 0 {
		c.interval = DefaultFinishInterval
	}
	if c.retention == 0 {
		c.retention = DefaultFinishedRetention
	}
	c.maxFinished = 4 * c.limit
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	c.metrics = newCoordinatorMetrics(c.logger, c.Count)
	return c, nil
}

// Ready reports whether startup recovery has completed.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// Participants returns the configured participant ids in protocol order.
func (c *Coordinator) Participants() []string { return slices.Clone(c.order) }

// Count returns the number of transactions in the table.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txns)
}

// TransactionTimeout returns the idle period after which undecided
// transactions are rolled back.
func (c *Coordinator) TransactionTimeout() time.Duration { return c.txnTimeout }

// ValidateTxnID rejects ids that cannot key a log entry.
func ValidateTxnID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTxnID)
	}
	if len(id) > maxTxnIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidTxnID, maxTxnIDLength)
	}
	if strings.HasPrefix(id, ".") || strings.IndexFunc(id, func(r rune) bool {
		return r == '/' || r == '\\' || unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTxnID, id)
	}
	return nil
}

func keyEqual(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func (c *Coordinator) checkInteractiveKey(key string) error {
	if c.sessionKey != "" && !keyEqual(c.sessionKey, key) {
		return fmt.Errorf("%w: interactive session key rejected", ErrSessionMismatch)
	}
	return nil
}

func (c *Coordinator) checkSession(t *txn, req Request) error {
	if err := c.checkInteractiveKey(req.InteractiveSessionKey); err != nil {
		return err
	}
	if t.sessionToken == "" || !keyEqual(t.sessionToken, req.SessionToken) {
		return fmt.Errorf("%w: session does not own %s", ErrSessionMismatch, t.id)
	}
	return nil
}

func (c *Coordinator) session(t *txn) participant.Session {
	return participant.Session{
		TxnID:                 t.id,
		SessionToken:          t.sessionToken,
		InteractiveSessionKey: t.interactiveSessionKey,
		CoordinatorKey:        t.coordinatorKey,
	}
}

func (c *Coordinator) recovery(t *txn) participant.Recovery {
	return participant.RecoveryOf(c.session(t))
}

func (c *Coordinator) callContext(ctx context.Context, participantID string) (context.Context, context.CancelFunc) {
	timeout := c.defaultTimeout
	if d, ok := c.timeouts[participantID]; ok && d > 0 {
		timeout = d
	}
	return context.WithTimeout(ctx, timeout)
}

// acquire returns the locked transaction or ErrUnknownTransaction.
func (c *Coordinator) acquire(id string) (*txn, error) {
	c.mu.Lock()
	t, ok := c.txns[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	t.mu.Lock()
	if t.removed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	return t, nil
}

// remove drops t from the table. t.mu must be held.
func (c *Coordinator) remove(t *txn) {
	t.removed = true
	c.mu.Lock()
	if c.txns[t.id] == t {
		delete(c.txns, t.id)
	}
	c.mu.Unlock()
}

func (c *Coordinator) snapshotTxns() []*txn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*txn, 0, len(c.txns))
	for _, t := range c.txns {
		out = append(out, t)
	}
	return out
}

// Begin opens a transaction on every participant. Nothing is logged: a
// failed begin leaves nothing to recover.
func (c *Coordinator) Begin(ctx context.Context, req Request) (Result, error) {
	if !c.Ready() {
		return Result{}, ErrNotReady
	}
	if err := ValidateTxnID(req.TxnID); err != nil {
		return Result{}, err
	}
	if req.SessionToken == "" {
		return Result{}, fmt.Errorf("%w: session token required", ErrSessionMismatch)
	}
	if err := c.checkInteractiveKey(req.InteractiveSessionKey); err != nil {
		return Result{}, err
	}
	if _, err := c.log.Get(ctx, req.TxnID); err == nil {
		return Result{}, fmt.Errorf("%w: %s has a logged decision", ErrTransactionExists, req.TxnID)
	} else if !errors.Is(err, txlog.ErrNotFound) {
		return Result{}, fmt.Errorf("coordinator: check log for %s: %w", req.TxnID, err)
	}
	if _, done := c.recall(req.TxnID); done {
		return Result{}, fmt.Errorf("%w: %s already completed", ErrTransactionExists, req.TxnID)
	}

	now := c.clock.Now()
	sessionKey := c.sessionKey
	if sessionKey == "" {
		sessionKey = req.InteractiveSessionKey
	}
	t := &txn{
		id:                    req.TxnID,
		sessionToken:          req.SessionToken,
		interactiveSessionKey: sessionKey,
		coordinatorKey:        c.coordinatorKey,
		state:                 StateOpen,
		decision:              txlog.DecisionNone,
		participantIDs:        slices.Clone(c.order),
		createdAt:             now,
		lastActivityAt:        now,
	}
	c.mu.Lock()
	if _, exists := c.txns[t.id]; exists {
		c.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrTransactionExists, t.id)
	}
	if len(c.txns) >= c.limit {
		c.mu.Unlock()
		c.metrics.recordRejected(ctx, "limit")
		return Result{}, fmt.Errorf("%w: %d live transactions", ErrTransactionLimit, c.limit)
	}
	c.txns[t.id] = t
	t.mu.Lock()
	c.mu.Unlock()
	defer t.mu.Unlock()

	logger := svcfields.WithTxn(c.logger, t.id)
	begun := make([]string, 0, len(t.participantIDs))
	for _, pid := range t.participantIDs {
		callCtx, cancel := c.callContext(ctx, pid)
		err := c.participants[pid].Begin(callCtx, c.session(t))
		cancel()
		if err != nil {
			logger.Warn("txn.begin.failed", "participant", pid, "error", err)
			bg := context.WithoutCancel(ctx)
			for i := len(begun) - 1; i >= 0; i-- {
				rbCtx, rbCancel := c.callContext(bg, begun[i])
				if rbErr := c.participants[begun[i]].Rollback(rbCtx, c.session(t)); rbErr != nil {
					logger.Warn("txn.begin.release_failed", "participant", begun[i], "error", rbErr)
				}
				rbCancel()
			}
			c.remove(t)
			return Result{}, &PhaseError{TxnID: t.id, Phase: PhaseBegin, Participant: pid, Err: err}
		}
		begun = append(begun, pid)
	}
	logger.Debug("txn.begin", "participants", len(t.participantIDs))
	return t.result(nil), nil
}

// Execute forwards one business operation to a participant. A failed
// operation leaves the transaction open.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (json.RawMessage, error) {
	if !c.Ready() {
		return nil, ErrNotReady
	}
	t, err := c.acquire(req.TxnID)
	if err != nil {
		return nil, err
	}
	defer t.mu.Unlock()
	if err := c.checkSession(t, req.Request); err != nil {
		return nil, err
	}
	if t.state != StateOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, t.id, t.state)
	}
	p, ok := c.participants[req.Participant]
	if !ok || !slices.Contains(t.participantIDs, req.Participant) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParticipant, req.Participant)
	}
	callCtx, cancel := c.callContext(ctx, req.Participant)
	defer cancel()
	out, err := p.Execute(callCtx, c.session(t), req.Operation, req.Args)
	t.lastActivityAt = c.clock.Now()
	if err != nil {
		c.logger.Debug("txn.execute.failed", "txn_id", t.id, "participant", req.Participant, "operation", req.Operation, "error", err)
		return nil, &PhaseError{TxnID: t.id, Phase: PhaseExecute, Participant: req.Participant, Err: err}
	}
	return out, nil
}

// Commit runs both phases. It returns nil once the COMMIT decision is
// durable; participants that fail phase two are reported in
// Result.Failures and retried in the background.
func (c *Coordinator) Commit(ctx context.Context, req Request) (Result, error) {
	if !c.Ready() {
		return Result{}, ErrNotReady
	}
	t, err := c.acquire(req.TxnID)
	if err != nil {
		return c.replayFinished(req, txlog.DecisionCommit, err)
	}
	defer t.mu.Unlock()
	if err := c.checkSession(t, req); err != nil {
		return Result{}, err
	}
	start := c.clock.Now()
	t.lastActivityAt = start
	bg := context.WithoutCancel(ctx)

	switch {
	case t.decision == txlog.DecisionCommit:
		var failures []ParticipantFailure
		if len(t.pending) > 0 {
			failures = c.drive(bg, t, true)
		}
		return t.result(failures), nil
	case t.decision == txlog.DecisionRollback:
		if len(t.pending) > 0 {
			c.drive(bg, t, true)
		}
		return t.result(nil), rolledBackError(t.id, t.failure)
	case t.state == StatePrepared:
		return c.decideCommit(bg, t, start)
	case t.state == StateFailed:
		var pe *PhaseError
		cause := t.failure
		if errors.As(cause, &pe) {
			return c.abort(bg, t, pe.Participant, pe.Err)
		}
		return c.abort(bg, t, "", cause)
	case t.state != StateOpen:
		return Result{}, fmt.Errorf("%w: %s is %s", ErrInvalidState, t.id, t.state)
	}

	t.state = StatePreparing
	for _, pid := range t.participantIDs {
		callCtx, cancel := c.callContext(ctx, pid)
		err := c.participants[pid].Prepare(callCtx, c.session(t))
		cancel()
		if err != nil {
			c.metrics.recordCommit(ctx, clock.Since(c.clock, start), "prepare_failed")
			return c.abort(bg, t, pid, err)
		}
	}
	t.state = StatePrepared
	return c.decideCommit(bg, t, start)
}

// rolledBackError answers a commit of a rolled back transaction, naming the
// failed prepare when there was one.
func rolledBackError(txnID string, failure error) error {
	var pe *PhaseError
	if errors.As(failure, &pe) {
		return &PhaseError{TxnID: txnID, Phase: PhasePrepare, Decision: txlog.DecisionRollback, Participant: pe.Participant, Err: pe.Err}
	}
	return &PhaseError{TxnID: txnID, Phase: PhaseRollback, Decision: txlog.DecisionRollback, Err: fmt.Errorf("%w: rolled back", ErrInvalidState)}
}

// abort handles a failed prepare: the transaction fails, ROLLBACK is made
// durable and every participant is rolled back.
func (c *Coordinator) abort(ctx context.Context, t *txn, failedAt string, cause error) (Result, error) {
	t.state = StateFailed
	t.failure = &PhaseError{TxnID: t.id, Phase: PhasePrepare, Participant: failedAt, Err: cause}
	logger := svcfields.WithTxn(c.logger, t.id)
	logger.Warn("txn.prepare.failed", "participant", failedAt, "error", cause)

	decision, err := c.recordDecision(ctx, t, txlog.DecisionRollback)
	if err != nil {
		logger.Error("txn.decision.write_failed", "decision", txlog.DecisionRollback, "error", err)
		return t.result(nil), &PhaseError{TxnID: t.id, Phase: PhaseDecision, Participant: failedAt, Err: fmt.Errorf("record rollback after prepare failure: %w", err)}
	}
	t.pending = slices.Clone(t.participantIDs)
	if decision == txlog.DecisionCommit {
		t.state = StateCommitting
		failures := c.drive(ctx, t, true)
		return t.result(failures), &PhaseError{TxnID: t.id, Phase: PhaseDecision, Decision: decision, Err: fmt.Errorf("%w: commit already recorded", txlog.ErrDecisionConflict)}
	}
	t.state = StateRollingBack
	failures := c.drive(ctx, t, false)
	return t.result(failures), &PhaseError{
		TxnID:       t.id,
		Phase:       PhasePrepare,
		Decision:    txlog.DecisionRollback,
		Participant: failedAt,
		Err:         cause,
		Failures:    failures,
	}
}

func (c *Coordinator) decideCommit(ctx context.Context, t *txn, start time.Time) (Result, error) {
	logger := svcfields.WithTxn(c.logger, t.id)
	decision, err := c.recordDecision(ctx, t, txlog.DecisionCommit)
	if err != nil {
		logger.Error("txn.decision.write_failed", "decision", txlog.DecisionCommit, "error", err)
		c.metrics.recordCommit(ctx, clock.Since(c.clock, start), "decision_failed")
		return t.result(nil), &PhaseError{TxnID: t.id, Phase: PhaseDecision, Err: err}
	}
	t.pending = slices.Clone(t.participantIDs)
	if decision == txlog.DecisionRollback {
		t.state = StateRollingBack
		failures := c.drive(ctx, t, true)
		return t.result(failures), &PhaseError{TxnID: t.id, Phase: PhaseDecision, Decision: decision, Err: fmt.Errorf("%w: rollback already recorded", txlog.ErrDecisionConflict)}
	}
	t.state = StateCommitting
	logger.Info("txn.commit.decision.recorded", "participants", len(t.participantIDs))
	failures := c.drive(ctx, t, false)
	result := "committed"
	if len(failures) > 0 {
		result = "pending"
	}
	c.metrics.recordCommit(ctx, clock.Since(c.clock, start), result)
	return t.result(failures), nil
}

// Rollback makes ROLLBACK durable and rolls back every participant.
func (c *Coordinator) Rollback(ctx context.Context, req Request) (Result, error) {
	if !c.Ready() {
		return Result{}, ErrNotReady
	}
	t, err := c.acquire(req.TxnID)
	if err != nil {
		return c.replayFinished(req, txlog.DecisionRollback, err)
	}
	defer t.mu.Unlock()
	if err := c.checkSession(t, req); err != nil {
		return Result{}, err
	}
	t.lastActivityAt = c.clock.Now()
	bg := context.WithoutCancel(ctx)

	switch t.decision {
	case txlog.DecisionCommit:
		return t.result(nil), fmt.Errorf("%w: %s is committed", ErrInvalidState, t.id)
	case txlog.DecisionRollback:
		var failures []ParticipantFailure
		if len(t.pending) > 0 {
			failures = c.drive(bg, t, true)
		}
		return t.result(failures), nil
	}

	decision, err := c.recordDecision(bg, t, txlog.DecisionRollback)
	if err != nil {
		c.logger.Error("txn.decision.write_failed", "txn_id", t.id, "decision", txlog.DecisionRollback, "error", err)
		return t.result(nil), &PhaseError{TxnID: t.id, Phase: PhaseDecision, Err: err}
	}
	t.pending = slices.Clone(t.participantIDs)
	if decision == txlog.DecisionCommit {
		t.state = StateCommitting
		failures := c.drive(bg, t, true)
		return t.result(failures), &PhaseError{TxnID: t.id, Phase: PhaseDecision, Decision: decision, Err: fmt.Errorf("%w: commit already recorded", txlog.ErrDecisionConflict)}
	}
	t.state = StateRollingBack
	failures := c.drive(bg, t, false)
	return t.result(failures), nil
}

// recordDecision appends d for t. If the log already holds the opposite
// decision, that decision wins and is returned.
func (c *Coordinator) recordDecision(ctx context.Context, t *txn, d txlog.Decision) (txlog.Decision, error) {
	now := c.clock.Now()
	entry := txlog.Entry{
		TxnID:                 t.id,
		Decision:              d,
		ParticipantIDs:        slices.Clone(t.participantIDs),
		CoordinatorKey:        t.coordinatorKey,
		InteractiveSessionKey: t.interactiveSessionKey,
		CreatedAtUnix:         t.createdAt.Unix(),
		DecidedAtUnix:         now.Unix(),
	}
	err := c.log.Append(ctx, entry)
	if errors.Is(err, txlog.ErrDecisionConflict) {
		existing, getErr := c.log.Get(ctx, t.id)
		if getErr != nil {
			return "", err
		}
		c.logger.Warn("txn.decision.conflict", "txn_id", t.id, "requested", d, "recorded", existing.Decision)
		d = existing.Decision
		now = time.Unix(existing.DecidedAtUnix, 0)
	} else if err != nil {
		return "", err
	}
	t.decision = d
	t.decidedAt = now
	c.metrics.recordDecision(ctx, d)
	return d, nil
}

// drive applies t's decision to every pending participant in order. Failed
// participants stay pending; a transaction with none left is purged.
func (c *Coordinator) drive(ctx context.Context, t *txn, useRecovered bool) []ParticipantFailure {
	phase := PhaseCommit
	if t.decision == txlog.DecisionRollback {
		phase = PhaseRollback
	}
	var failures []ParticipantFailure
	remaining := make([]string, 0, len(t.pending))
	for _, pid := range t.pending {
		if err := c.apply(ctx, t, pid, useRecovered); err != nil {
			c.logger.Warn("txn.phase2.failed", "txn_id", t.id, "participant", pid, "phase", phase, "error", err)
			c.metrics.recordPhase2Failure(ctx, phase, pid)
			failures = append(failures, ParticipantFailure{Participant: pid, Phase: phase, Err: err})
			remaining = append(remaining, pid)
		}
	}
	t.pending = remaining
	if len(remaining) > 0 {
		if phase == PhaseCommit {
			t.state = StateCommitting
		} else {
			t.state = StateRollingBack
		}
		return failures
	}
	if phase == PhaseCommit {
		t.state = StateCommitted
	} else {
		t.state = StateRolledBack
	}
	c.finish(ctx, t)
	return failures
}

func (c *Coordinator) apply(ctx context.Context, t *txn, pid string, useRecovered bool) error {
	p, ok := c.participants[pid]
	if !ok {
		return fmt.Errorf("%w: %q is not configured", ErrUnknownParticipant, pid)
	}
	callCtx, cancel := c.callContext(ctx, pid)
	defer cancel()
	switch {
	case t.decision == txlog.DecisionCommit && useRecovered:
		return p.CommitRecovered(callCtx, c.recovery(t))
	case t.decision == txlog.DecisionCommit:
		return p.Commit(callCtx, c.session(t))
	case useRecovered:
		return p.RollbackRecovered(callCtx, c.recovery(t))
	default:
		return p.Rollback(callCtx, c.session(t))
	}
}

// finish purges the log entry and removes t from the table.
func (c *Coordinator) finish(ctx context.Context, t *txn) {
	if t.decided() {
		if err := c.log.Purge(ctx, t.id); err != nil {
			// Recovery purges it on the next start.
			c.logger.Warn("txn.log.purge_failed", "txn_id", t.id, "error", err)
		}
	}
	c.remember(t)
	c.remove(t)
	c.logger.Info("txn.completed", "txn_id", t.id, "state", t.state, "decision", t.decision)
}

// Status returns a snapshot of a transaction held in the table.
func (c *Coordinator) Status(txnID string) (Snapshot, bool) {
	t, err := c.acquire(txnID)
	if err != nil {
		return Snapshot{}, false
	}
	defer t.mu.Unlock()
	return t.snapshot(), true
}

// Lookup returns the table snapshot for txnID, falling back to a recently
// completed outcome and then to a decision still present in the log.
func (c *Coordinator) Lookup(ctx context.Context, txnID string) (Snapshot, error) {
	if snap, ok := c.Status(txnID); ok {
		return snap, nil
	}
	if err := ValidateTxnID(txnID); err != nil {
		return Snapshot{}, err
	}
	if f, ok := c.recall(txnID); ok {
		return f.snap, nil
	}
	entry, err := c.log.Get(ctx, txnID)
	if errors.Is(err, txlog.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, txnID)
	}
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		TxnID:          entry.TxnID,
		Decision:       entry.Decision,
		ParticipantIDs: entry.ParticipantIDs,
		CreatedAt:      time.Unix(entry.CreatedAtUnix, 0),
	}
	if entry.DecidedAtUnix > 0 {
		snap.DecidedAt = time.Unix(entry.DecidedAtUnix, 0)
	}
	switch entry.Decision {
	case txlog.DecisionCommit:
		snap.State = StateCommitted
	default:
		snap.State = StateRolledBack
	}
	return snap, nil
}
