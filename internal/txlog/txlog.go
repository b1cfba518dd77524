// Package txlog persists coordinator decisions. Each transaction owns one
// immutable JSON object; recovery reads every object back at startup.
package txlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/storage"
	"pkt.systems/xacoord/internal/svcfields"
)

// Namespace is the default storage namespace holding log entries.
const Namespace = "txlog"

const entrySuffix = ".json"

// Decision is the outcome recorded for a transaction.
type Decision string

const (
	// DecisionNone means no outcome was reached. Recovery treats it as rollback.
	DecisionNone Decision = "none"
	// DecisionCommit is written after every participant prepared.
	DecisionCommit Decision = "commit"
	// DecisionRollback is written before any rollback is driven.
	DecisionRollback Decision = "rollback"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionNone, DecisionCommit, DecisionRollback:
		return true
	}
	return false
}

// Entry is one durable decision record.
type Entry struct {
	TxnID                 string   `json:"txn_id"`
	Decision              Decision `json:"decision"`
	ParticipantIDs        []string `json:"participant_ids"`
	CoordinatorKey        string   `json:"coordinator_key,omitempty"`
	InteractiveSessionKey string   `json:"interactive_session_key,omitempty"`
	CreatedAtUnix         int64    `json:"created_at_unix"`
	DecidedAtUnix         int64    `json:"decided_at_unix,omitempty"`
}

var (
	// ErrDecisionConflict reports an attempt to overwrite a different decision.
	ErrDecisionConflict = errors.New("txlog: conflicting decision already recorded")
	// ErrNotFound reports that no entry exists for the transaction.
	ErrNotFound = errors.New("txlog: entry not found")
)

// Config wires the log to its backend.
type Config struct {
	Backend   storage.Backend
	Namespace string
	Logger    pslog.Logger
	Now       func() time.Time
}

// Log appends, reads and purges decision entries.
type Log struct {
	backend   storage.Backend
	namespace string
	logger    pslog.Logger
	now       func() time.Time
}

// New validates cfg and returns a Log.
func New(cfg Config) (*Log, error) {
	if cfg.Backend == nil {
		return nil, errors.New("txlog: backend required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = Namespace
	}
	if err := storage.ValidateNamespace(cfg.Namespace); err != nil {
		return nil, fmt.Errorf("txlog: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Log{
		backend:   cfg.Backend,
		namespace: cfg.Namespace,
		logger:    svcfields.WithSubsystem(cfg.Logger, "txn.log"),
		now:       cfg.Now,
	}, nil
}

func entryKey(txnID string) (string, error) {
	if txnID == "" {
		return "", errors.New("txlog: txn id required")
	}
	if strings.ContainsAny(txnID, "/\\") || strings.HasPrefix(txnID, ".") {
		return "", fmt.Errorf("txlog: invalid txn id %q", txnID)
	}
	return txnID + entrySuffix, nil
}

// Append durably records entry. Re-appending the same decision is accepted.
// A NONE entry may be upgraded to a real decision, but a real decision is
// never replaced.
func (l *Log) Append(ctx context.Context, entry Entry) error {
	key, err := entryKey(entry.TxnID)
	if err != nil {
		return err
	}
	if entry.Decision == "" {
		entry.Decision = DecisionNone
	}
	if !entry.Decision.Valid() {
		return fmt.Errorf("txlog: invalid decision %q", entry.Decision)
	}
	if entry.Decision != DecisionNone && entry.DecidedAtUnix == 0 {
		entry.DecidedAtUnix = l.now().Unix()
	}
	if entry.CreatedAtUnix == 0 {
		entry.CreatedAtUnix = l.now().Unix()
	}
	_, err = storage.WriteJSON(ctx, l.backend, l.namespace, key, entry, storage.PutObjectOptions{IfNotExists: true})
	if err == nil {
		l.logger.Debug("txn.log.append", "txn_id", entry.TxnID, "decision", entry.Decision)
		return nil
	}
	if !errors.Is(err, storage.ErrCASMismatch) {
		return fmt.Errorf("txlog: append %s: %w", entry.TxnID, err)
	}
	var existing Entry
	info, err := storage.ReadJSON(ctx, l.backend, l.namespace, key, &existing)
	if err != nil {
		return fmt.Errorf("txlog: load existing %s: %w", entry.TxnID, err)
	}
	switch {
	case existing.Decision == entry.Decision:
		return nil
	case existing.Decision == DecisionNone || existing.Decision == "":
		etag := ""
		if info != nil {
			etag = info.ETag
		}
		if _, err := storage.WriteJSON(ctx, l.backend, l.namespace, key, entry, storage.PutObjectOptions{ExpectedETag: etag}); err != nil {
			if errors.Is(err, storage.ErrCASMismatch) {
				return l.Append(ctx, entry)
			}
			return fmt.Errorf("txlog: upgrade %s: %w", entry.TxnID, err)
		}
		l.logger.Debug("txn.log.append.upgrade", "txn_id", entry.TxnID, "decision", entry.Decision)
		return nil
	default:
		l.logger.Warn("txn.log.append.conflict", "txn_id", entry.TxnID, "existing", existing.Decision, "requested", entry.Decision)
		return fmt.Errorf("%w: %s is %s, not %s", ErrDecisionConflict, entry.TxnID, existing.Decision, entry.Decision)
	}
}

// Get returns the entry for txnID or ErrNotFound.
func (l *Log) Get(ctx context.Context, txnID string) (Entry, error) {
	key, err := entryKey(txnID)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if _, err := storage.ReadJSON(ctx, l.backend, l.namespace, key, &entry); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("txlog: get %s: %w", txnID, err)
	}
	return entry, nil
}

// ReadAll returns every logged entry ordered by creation time. Entries that
// cannot be decoded are skipped and logged rather than failing recovery.
func (l *Log) ReadAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := storage.Walk(ctx, l.backend, l.namespace, "", func(obj storage.ObjectInfo) error {
		if !strings.HasSuffix(obj.Key, entrySuffix) {
			return nil
		}
		var entry Entry
		if _, err := storage.ReadJSON(ctx, l.backend, l.namespace, obj.Key, &entry); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			if storage.IsTransient(err) || ctx.Err() != nil {
				return err
			}
			l.logger.Warn("txn.log.read.skip", "key", obj.Key, "error", err)
			return nil
		}
		if entry.TxnID == "" {
			entry.TxnID = strings.TrimSuffix(obj.Key, entrySuffix)
		}
		if entry.Decision == "" {
			entry.Decision = DecisionNone
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("txlog: read all: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAtUnix != entries[j].CreatedAtUnix {
			return entries[i].CreatedAtUnix < entries[j].CreatedAtUnix
		}
		return entries[i].TxnID < entries[j].TxnID
	})
	return entries, nil
}

// Purge removes the entry for txnID. A missing entry is not an error.
func (l *Log) Purge(ctx context.Context, txnID string) error {
	key, err := entryKey(txnID)
	if err != nil {
		return err
	}
	if err := l.backend.DeleteObject(ctx, l.namespace, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("txlog: purge %s: %w", txnID, err)
	}
	l.logger.Debug("txn.log.purge", "txn_id", txnID)
	return nil
}
