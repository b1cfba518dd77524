// Package dbtx drives PostgreSQL's prepared-transaction facility and exposes
// it as a two-phase-commit participant.
package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/svcfields"
)

// DefaultGIDPrefix namespaces the global transaction ids this coordinator
// hands to PREPARE TRANSACTION.
const DefaultGIDPrefix = "xacoord"

// pqUndefinedObject is raised by COMMIT/ROLLBACK PREPARED when the gid is
// already gone.
const pqUndefinedObject = "42704"

// Querier is the environment handed to registered operations. It is backed
// by the connection holding the transaction open.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AdapterConfig wires the adapter to a connection pool.
type AdapterConfig struct {
	DB        *sql.DB
	GIDPrefix string
	Logger    pslog.Logger
}

// Adapter owns one dedicated connection per open transaction until it is
// prepared or rolled back. Prepared transactions live in the server and are
// resolved by gid on any pooled connection.
type Adapter struct {
	db     *sql.DB
	prefix string
	logger pslog.Logger

	mu   sync.Mutex
	open map[string]*sql.Conn
}

// OpenPostgres opens a pool using the lib/pq driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("dbtx: postgres dsn required")
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("dbtx: parse dsn: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// NewAdapter validates cfg and returns an Adapter.
func NewAdapter(cfg AdapterConfig) (*Adapter, error) {
	if cfg.DB == nil {
		return nil, errors.New("dbtx: db required")
	}
	prefix := strings.TrimSpace(cfg.GIDPrefix)
	if prefix == "" {
		prefix = DefaultGIDPrefix
	}
	return &Adapter{
		db:     cfg.DB,
		prefix: prefix,
		logger: svcfields.WithSubsystem(cfg.Logger, "txn.participant.db.adapter"),
		open:   make(map[string]*sql.Conn),
	}, nil
}

// GID returns the prepared-transaction identifier for txnID.
func (a *Adapter) GID(txnID string) string {
	return a.prefix + "-" + txnID
}

func (a *Adapter) txnIDFromGID(gid string) (string, bool) {
	id, ok := strings.CutPrefix(gid, a.prefix+"-")
	return id, ok && id != ""
}

// Begin takes a dedicated connection and opens a transaction on it.
func (a *Adapter) Begin(ctx context.Context, txnID string) error {
	a.mu.Lock()
	if _, exists := a.open[txnID]; exists {
		a.mu.Unlock()
		return participant.ErrTransactionExists
	}
	a.open[txnID] = nil
	a.mu.Unlock()

	conn, err := a.db.Conn(ctx)
	if err == nil {
		if _, err = conn.ExecContext(ctx, "BEGIN"); err != nil {
			_ = conn.Close()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		delete(a.open, txnID)
		return fmt.Errorf("dbtx: begin %s: %w", txnID, err)
	}
	a.open[txnID] = conn
	a.logger.Debug("txn.db.begin", "txn_id", txnID)
	return nil
}

// IsOpen reports whether txnID holds an unprepared transaction.
func (a *Adapter) IsOpen(txnID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.open[txnID]
	return ok && conn != nil
}

// WithSavepoint runs fn inside a savepoint on the transaction's connection.
// A failing fn is rolled back to the savepoint, so the transaction stays
// usable for further operations.
func (a *Adapter) WithSavepoint(ctx context.Context, txnID string, fn func(Querier) error) error {
	conn, err := a.conn(txnID)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "SAVEPOINT xacoord_op"); err != nil {
		return fmt.Errorf("dbtx: savepoint: %w", err)
	}
	if err := fn(conn); err != nil {
		if _, rbErr := conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT xacoord_op"); rbErr != nil {
			a.logger.Warn("txn.db.savepoint.rollback_failed", "txn_id", txnID, "error", rbErr)
		}
		return err
	}
	if _, err := conn.ExecContext(ctx, "RELEASE SAVEPOINT xacoord_op"); err != nil {
		return fmt.Errorf("dbtx: release savepoint: %w", err)
	}
	return nil
}

func (a *Adapter) conn(txnID string) (*sql.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn, ok := a.open[txnID]
	if !ok {
		return nil, participant.ErrUnknownTransaction
	}
	if conn == nil {
		return nil, participant.ErrInvalidState
	}
	return conn, nil
}

func (a *Adapter) take(txnID string) *sql.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	conn := a.open[txnID]
	if conn != nil {
		delete(a.open, txnID)
	}
	return conn
}

// Prepare issues PREPARE TRANSACTION and releases the connection. After a
// successful return the server holds the transaction durably.
func (a *Adapter) Prepare(ctx context.Context, txnID string) error {
	conn := a.take(txnID)
	if conn == nil {
		prepared, err := a.IsPrepared(ctx, txnID)
		if err != nil {
			return err
		}
		if prepared {
			return nil
		}
		return participant.ErrUnknownTransaction
	}
	defer conn.Close()
	gid := a.GID(txnID)
	if _, err := conn.ExecContext(ctx, "PREPARE TRANSACTION "+pq.QuoteLiteral(gid)); err != nil {
		// A failed PREPARE leaves the session in an aborted block.
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		return fmt.Errorf("dbtx: prepare %s: %w", gid, err)
	}
	a.logger.Debug("txn.db.prepared", "txn_id", txnID, "gid", gid)
	return nil
}

// IsPrepared asks the server whether txnID is a prepared transaction.
func (a *Adapter) IsPrepared(ctx context.Context, txnID string) (bool, error) {
	var gid string
	err := a.db.QueryRowContext(ctx, "SELECT gid FROM pg_prepared_xacts WHERE gid = $1", a.GID(txnID)).Scan(&gid)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dbtx: query prepared %s: %w", txnID, err)
	}
	return true, nil
}

// CommitPrepared commits the prepared transaction. A gid the server no
// longer knows was already resolved, so the call succeeds without effect.
func (a *Adapter) CommitPrepared(ctx context.Context, txnID string) error {
	return a.resolvePrepared(ctx, txnID, "COMMIT PREPARED ")
}

// RollbackPrepared rolls back txnID whether it is still open on its
// connection or already prepared. Unknown ids succeed without effect.
func (a *Adapter) RollbackPrepared(ctx context.Context, txnID string) error {
	if conn := a.take(txnID); conn != nil {
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, "ROLLBACK"); err != nil {
			return fmt.Errorf("dbtx: rollback %s: %w", txnID, err)
		}
		a.logger.Debug("txn.db.rolled_back", "txn_id", txnID)
		return nil
	}
	return a.resolvePrepared(ctx, txnID, "ROLLBACK PREPARED ")
}

func (a *Adapter) resolvePrepared(ctx context.Context, txnID, verb string) error {
	if a.IsOpen(txnID) {
		return fmt.Errorf("dbtx: %s%s: %w", strings.ToLower(verb), txnID, participant.ErrInvalidState)
	}
	gid := a.GID(txnID)
	prepared, err := a.IsPrepared(ctx, txnID)
	if err != nil {
		return err
	}
	if !prepared {
		a.logger.Debug("txn.db.resolve.noop", "txn_id", txnID, "gid", gid, "statement", strings.TrimSpace(verb))
		return nil
	}
	if _, err := a.db.ExecContext(ctx, verb+pq.QuoteLiteral(gid)); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUndefinedObject {
			a.logger.Debug("txn.db.resolve.concurrent", "txn_id", txnID, "gid", gid)
			return nil
		}
		return fmt.Errorf("dbtx: %s%s: %w", strings.ToLower(verb), gid, err)
	}
	a.logger.Debug("txn.db.resolved", "txn_id", txnID, "gid", gid, "statement", strings.TrimSpace(verb))
	return nil
}

// RecoverAll lists the transaction ids prepared by this coordinator in the
// current database.
func (a *Adapter) RecoverAll(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT gid FROM pg_prepared_xacts WHERE gid LIKE $1 AND database = current_database()",
		escapeLike(a.prefix+"-")+"%")
	if err != nil {
		return nil, fmt.Errorf("dbtx: list prepared: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("dbtx: scan prepared: %w", err)
		}
		if id, ok := a.txnIDFromGID(gid); ok {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dbtx: list prepared: %w", err)
	}
	return ids, nil
}

// Close rolls back every unprepared transaction and releases connections.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.open))
	for id, conn := range a.open {
		if conn != nil {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := a.RollbackPrepared(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
