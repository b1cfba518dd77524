// Package afs implements the file-store participant. Transactional writes
// are staged next to the live files and published only by a commit.
package afs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
)

// Namespace is the default storage namespace of the file store.
const Namespace = "afs"

var (
	// ErrInvalidPath reports a file path that cannot be stored.
	ErrInvalidPath = errors.New("afs: invalid path")
	// ErrFileNotFound reports a read or delete of a missing file.
	ErrFileNotFound = errors.New("afs: file not found")
	// ErrOffsetMismatch reports a chunk that does not continue the staged file.
	ErrOffsetMismatch = errors.New("afs: offset mismatch")
	// ErrFileTooLarge reports a write beyond MaxFileSize.
	ErrFileTooLarge = errors.New("afs: file too large")
)

// Config wires a Participant to its storage.
type Config struct {
	ID          string
	Backend     storage.Backend
	Namespace   string
	Credentials participant.Credentials
	// MaxFileSize bounds a staged file; zero disables the check.
	MaxFileSize int64
	// IdleTimeout is how long an unprepared stage may go without activity
	// before ExpireIdle discards it. Zero disables expiry.
	IdleTimeout time.Duration
	// Operations defaults to DefaultOperations.
	Operations *participant.Registry[*Stage]
	Logger     pslog.Logger
	Now        func() time.Time
}

// Participant stores files in a storage.Backend with two-phase semantics.
type Participant struct {
	id        string
	backend   storage.Backend
	namespace string
	creds     participant.Credentials
	maxFile   int64
	idle      time.Duration
	ops       *participant.Registry[*Stage]
	logger    pslog.Logger
	now       func() time.Time

	mu     sync.Mutex
	stages map[string]*Stage
}

var _ participant.Participant = (*Participant)(nil)

// New validates cfg and returns a Participant.
func New(cfg Config) (*Participant, error) {
	if cfg.Backend == nil {
		return nil, errors.New("afs: backend required")
	}
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		id = "afs"
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = Namespace
	}
	if err := storage.ValidateNamespace(ns); err != nil {
		return nil, err
	}
	ops := cfg.Operations
	if ops == nil {
		ops = DefaultOperations()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Participant{
		id:        id,
		backend:   cfg.Backend,
		namespace: ns,
		creds:     cfg.Credentials,
		maxFile:   cfg.MaxFileSize,
		idle:      cfg.IdleTimeout,
		ops:       ops,
		logger:    svcfields.WithParticipant(svcfields.WithSubsystem(cfg.Logger, "txn.afs"), id),
		now:       now,
		stages:    make(map[string]*Stage),
	}, nil
}

// ID implements participant.Participant.
func (p *Participant) ID() string { return p.id }

func (p *Participant) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *participant.OperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &participant.OperationError{Participant: p.id, Operation: op, Code: participant.ErrorCode(err), Detail: err.Error(), Err: err}
}

func (p *Participant) stage(txnID string) (*Stage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.stages[txnID]
	return st, ok
}

func (p *Participant) dropStage(txnID string) {
	p.mu.Lock()
	delete(p.stages, txnID)
	p.mu.Unlock()
}

// Begin opens an empty stage for the transaction.
func (p *Participant) Begin(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("begin", err)
	}
	if err := validTxnID(s.TxnID); err != nil {
		return p.fail("begin", err)
	}
	m, err := p.loadManifest(ctx, s.TxnID)
	if err != nil {
		return p.fail("begin", err)
	}
	if m != nil {
		return p.fail("begin", participant.ErrTransactionExists)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.stages[s.TxnID]; exists {
		return p.fail("begin", participant.ErrTransactionExists)
	}
	p.stages[s.TxnID] = newStage(p, s.TxnID)
	p.logger.Debug("txn.afs.begin", "txn_id", s.TxnID)
	return nil
}

// Execute runs a registered file operation against the transaction's stage.
func (p *Participant) Execute(ctx context.Context, s participant.Session, op string, args []json.RawMessage) (json.RawMessage, error) {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return nil, p.fail(op, err)
	}
	st, ok := p.stage(s.TxnID)
	if !ok {
		return nil, p.fail(op, participant.ErrUnknownTransaction)
	}
	st.touch(p.now())
	out, err := p.ops.Dispatch(ctx, st, op, args)
	if err != nil {
		p.logger.Debug("txn.afs.execute.error", "txn_id", s.TxnID, "operation", op, "error", err)
		return nil, p.fail(op, err)
	}
	return out, nil
}

// Prepare persists the stage's manifest. From then on the stage is
// read-only and survives a restart.
func (p *Participant) Prepare(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("prepare", err)
	}
	st, ok := p.stage(s.TxnID)
	if !ok {
		m, err := p.loadManifest(ctx, s.TxnID)
		if err != nil {
			return p.fail("prepare", err)
		}
		if m != nil {
			return nil
		}
		return p.fail("prepare", participant.ErrUnknownTransaction)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.openLocked(); err != nil {
		return p.fail("prepare", err)
	}
	if st.prepared {
		return nil
	}
	m := st.manifestLocked(p.now())
	if err := p.storeManifest(ctx, m); err != nil {
		return p.fail("prepare", fmt.Errorf("afs: write manifest: %w", err))
	}
	st.prepared = true
	p.logger.Debug("txn.afs.prepared", "txn_id", s.TxnID, "writes", len(m.Writes), "deletes", len(m.Deletes))
	return nil
}

// Commit publishes a prepared transaction.
func (p *Participant) Commit(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("commit", err)
	}
	if st, ok := p.stage(s.TxnID); ok && !st.isPrepared() {
		return p.fail("commit", participant.ErrInvalidState)
	}
	return p.fail("commit", p.publish(ctx, s.TxnID))
}

// CommitRecovered publishes a prepared transaction found after a restart.
func (p *Participant) CommitRecovered(ctx context.Context, r participant.Recovery) error {
	if err := p.creds.CheckRecovery(r.InteractiveSessionKey, r.CoordinatorKey); err != nil {
		return p.fail("commit-recovered", err)
	}
	if err := validTxnID(r.TxnID); err != nil {
		return p.fail("commit-recovered", err)
	}
	return p.fail("commit-recovered", p.publish(ctx, r.TxnID))
}

// Rollback discards the transaction's stage and manifest.
func (p *Participant) Rollback(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("rollback", err)
	}
	if err := validTxnID(s.TxnID); err != nil {
		return p.fail("rollback", err)
	}
	return p.fail("rollback", p.discard(ctx, s.TxnID))
}

// RollbackRecovered discards a prepared transaction found after a restart.
func (p *Participant) RollbackRecovered(ctx context.Context, r participant.Recovery) error {
	if err := p.creds.CheckRecovery(r.InteractiveSessionKey, r.CoordinatorKey); err != nil {
		return p.fail("rollback-recovered", err)
	}
	if err := validTxnID(r.TxnID); err != nil {
		return p.fail("rollback-recovered", err)
	}
	return p.fail("rollback-recovered", p.discard(ctx, r.TxnID))
}

// RecoverAll lists every transaction holding a manifest, followed by the
// unprepared stages still held in memory. A recovering coordinator that does
// not know an unprepared stage has abandoned it and rolls it back.
func (p *Participant) RecoverAll(ctx context.Context, isk, ck string) ([]string, error) {
	if err := p.creds.CheckRecovery(isk, ck); err != nil {
		return nil, p.fail("recover", err)
	}
	var ids []string
	seen := make(map[string]struct{})
	err := storage.Walk(ctx, p.backend, p.namespace, preparedPrefix, func(obj storage.ObjectInfo) error {
		name := strings.TrimPrefix(obj.Key, preparedPrefix)
		if id, ok := strings.CutSuffix(name, manifestSuffix); ok && id != "" && !strings.Contains(id, "/") {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, p.fail("recover", err)
	}
	var open []string
	for _, st := range p.liveStages() {
		if _, dup := seen[st.txnID]; dup || st.isPrepared() {
			continue
		}
		open = append(open, st.txnID)
	}
	sort.Strings(open)
	return append(ids, open...), nil
}

func (p *Participant) liveStages() []*Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stage, 0, len(p.stages))
	for _, st := range p.stages {
		out = append(out, st)
	}
	return out
}

// ExpireIdle discards unprepared stages idle for longer than the idle
// timeout, then sweeps staging areas left without a stage or manifest. It
// returns the transaction ids it removed.
func (p *Participant) ExpireIdle(ctx context.Context) ([]string, error) {
	if p.idle <= 0 {
		return nil, nil
	}
	now := p.now()
	var removed []string
	for _, st := range p.liveStages() {
		ok, err := p.expire(ctx, st, now)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, st.txnID)
			p.logger.Info("txn.afs.stage.expired", "txn_id", st.txnID)
		}
	}
	swept, err := p.SweepOrphanStaging(ctx)
	return append(removed, swept...), err
}

func (p *Participant) expire(ctx context.Context, st *Stage, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.prepared || st.closed || now.Sub(st.lastActive) <= p.idle {
		return false, nil
	}
	st.closed = true
	p.dropStage(st.txnID)
	if err := p.deletePrefix(ctx, stagingRoot(st.txnID)); err != nil {
		return false, err
	}
	return true, nil
}

// publish copies the staged objects over the live files, applies deletes,
// then removes the staging area and finally the manifest. Every step is
// safe to repeat, so a crash at any point is finished by a later call.
func (p *Participant) publish(ctx context.Context, txnID string) error {
	defer p.dropStage(txnID)
	m, err := p.loadManifest(ctx, txnID)
	if err != nil {
		return fmt.Errorf("afs: load manifest: %w", err)
	}
	if m == nil {
		p.logger.Debug("txn.afs.commit.noop", "txn_id", txnID)
		return nil
	}
	for _, w := range m.Writes {
		_, err := storage.CopyObject(ctx, p.backend, p.namespace, w.StagedKey, fileKey(w.Path), storage.CopyObjectOptions{ContentType: storage.ContentTypeOctetStream})
		if errors.Is(err, storage.ErrNotFound) {
			// Staging is deleted only after every copy finished.
			continue
		}
		if err != nil {
			return fmt.Errorf("afs: publish %s: %w", w.Path, err)
		}
	}
	for _, path := range m.Deletes {
		if err := p.backend.DeleteObject(ctx, p.namespace, fileKey(path), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return fmt.Errorf("afs: delete %s: %w", path, err)
		}
	}
	if err := p.deletePrefix(ctx, stagingRoot(txnID)); err != nil {
		return err
	}
	if err := p.backend.DeleteObject(ctx, p.namespace, manifestKey(txnID), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("afs: delete manifest: %w", err)
	}
	p.logger.Info("txn.afs.committed", "txn_id", txnID, "writes", len(m.Writes), "deletes", len(m.Deletes))
	return nil
}

func (p *Participant) discard(ctx context.Context, txnID string) error {
	if st, ok := p.stage(txnID); ok {
		st.mu.Lock()
		defer st.mu.Unlock()
	}
	if err := p.deletePrefix(ctx, stagingRoot(txnID)); err != nil {
		return err
	}
	if err := p.backend.DeleteObject(ctx, p.namespace, manifestKey(txnID), storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("afs: delete manifest: %w", err)
	}
	p.dropStage(txnID)
	p.logger.Debug("txn.afs.rolled_back", "txn_id", txnID)
	return nil
}

func (p *Participant) deletePrefix(ctx context.Context, prefix string) error {
	var keys []string
	if err := storage.Walk(ctx, p.backend, p.namespace, prefix, func(obj storage.ObjectInfo) error {
		keys = append(keys, obj.Key)
		return nil
	}); err != nil {
		return fmt.Errorf("afs: list %s: %w", prefix, err)
	}
	for _, key := range keys {
		if err := p.backend.DeleteObject(ctx, p.namespace, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
			return fmt.Errorf("afs: delete %s: %w", key, err)
		}
	}
	return nil
}

// SweepOrphanStaging removes staging areas that have no manifest and no
// live stage. They belong to transactions that were never prepared before
// the process stopped. It returns the swept transaction ids.
func (p *Participant) SweepOrphanStaging(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var order []string
	err := storage.Walk(ctx, p.backend, p.namespace, stagingPrefix, func(obj storage.ObjectInfo) error {
		rest := strings.TrimPrefix(obj.Key, stagingPrefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			return nil
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			order = append(order, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("afs: sweep: %w", err)
	}
	var swept []string
	for _, id := range order {
		if _, live := p.stage(id); live {
			continue
		}
		m, err := p.loadManifest(ctx, id)
		if err != nil {
			return swept, fmt.Errorf("afs: sweep %s: %w", id, err)
		}
		if m != nil {
			continue
		}
		if err := p.deletePrefix(ctx, stagingRoot(id)); err != nil {
			return swept, err
		}
		swept = append(swept, id)
		p.logger.Info("txn.afs.sweep.orphan", "txn_id", id)
	}
	return swept, nil
}
