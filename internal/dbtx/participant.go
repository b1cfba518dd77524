package dbtx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/participant"
	"pkt.systems/xacoord/internal/svcfields"
)

// Config binds an Adapter to a participant id.
type Config struct {
	ID          string
	Adapter     *Adapter
	Credentials participant.Credentials
	// Operations defaults to DefaultOperations.
	Operations *participant.Registry[Querier]
	Logger     pslog.Logger
}

// Participant exposes a PostgreSQL database to the coordinator.
type Participant struct {
	id      string
	adapter *Adapter
	creds   participant.Credentials
	ops     *participant.Registry[Querier]
	logger  pslog.Logger
}

var _ participant.Participant = (*Participant)(nil)

// NewParticipant validates cfg and returns a Participant.
func NewParticipant(cfg Config) (*Participant, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, errors.New("dbtx: participant id required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("dbtx: adapter required")
	}
	ops := cfg.Operations
	if ops == nil {
		ops = DefaultOperations()
	}
	return &Participant{
		id:      id,
		adapter: cfg.Adapter,
		creds:   cfg.Credentials,
		ops:     ops,
		logger:  svcfields.WithParticipant(svcfields.WithSubsystem(cfg.Logger, "txn.participant.db"), id),
	}, nil
}

// ID implements participant.Participant.
func (p *Participant) ID() string { return p.id }

// Operations returns the registry backing Execute.
func (p *Participant) Operations() *participant.Registry[Querier] { return p.ops }

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

// Begin implements participant.Participant.
func (p *Participant) Begin(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("begin", err)
	}
	return p.fail("begin", p.adapter.Begin(ctx, s.TxnID))
}

// Execute runs a registered operation inside the open transaction.
func (p *Participant) Execute(ctx context.Context, s participant.Session, op string, args []json.RawMessage) (json.RawMessage, error) {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return nil, p.fail(op, err)
	}
	var out json.RawMessage
	err := p.adapter.WithSavepoint(ctx, s.TxnID, func(q Querier) error {
		var err error
		out, err = p.ops.Dispatch(ctx, q, op, args)
		return err
	})
	if err != nil {
		p.logger.Debug("txn.db.execute.error", "txn_id", s.TxnID, "operation", op, "error", err)
		return nil, p.fail(op, err)
	}
	return out, nil
}

// Prepare implements participant.Participant.
func (p *Participant) Prepare(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("prepare", err)
	}
	return p.fail("prepare", p.adapter.Prepare(ctx, s.TxnID))
}

// Commit implements participant.Participant.
func (p *Participant) Commit(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("commit", err)
	}
	return p.fail("commit", p.adapter.CommitPrepared(ctx, s.TxnID))
}

// CommitRecovered implements participant.Participant.
func (p *Participant) CommitRecovered(ctx context.Context, r participant.Recovery) error {
	if err := p.creds.CheckRecovery(r.InteractiveSessionKey, r.CoordinatorKey); err != nil {
		return p.fail("commit-recovered", err)
	}
	return p.fail("commit-recovered", p.adapter.CommitPrepared(ctx, r.TxnID))
}

// Rollback implements participant.Participant.
func (p *Participant) Rollback(ctx context.Context, s participant.Session) error {
	if err := p.creds.CheckCoordinator(s.CoordinatorKey); err != nil {
		return p.fail("rollback", err)
	}
	return p.fail("rollback", p.adapter.RollbackPrepared(ctx, s.TxnID))
}

// RollbackRecovered implements participant.Participant.
func (p *Participant) RollbackRecovered(ctx context.Context, r participant.Recovery) error {
	if err := p.creds.CheckRecovery(r.InteractiveSessionKey, r.CoordinatorKey); err != nil {
		return p.fail("rollback-recovered", err)
	}
	return p.fail("rollback-recovered", p.adapter.RollbackPrepared(ctx, r.TxnID))
}

// RecoverAll implements participant.Participant.
func (p *Participant) RecoverAll(ctx context.Context, isk, ck string) ([]string, error) {
	if err := p.creds.CheckRecovery(isk, ck); err != nil {
		return nil, p.fail("recover", err)
	}
	ids, err := p.adapter.RecoverAll(ctx)
	if err != nil {
		return nil, p.fail("recover", err)
	}
	return ids, nil
}

// ExecArgs is the argument of the exec and query operations.
type ExecArgs struct {
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// ExecResult is returned by exec.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

// QueryResult is returned by query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// DefaultOperations returns a registry with the built-in exec and query
// operations.
func DefaultOperations() *participant.Registry[Querier] {
	reg := participant.NewRegistry[Querier]()
	reg.MustRegister("exec", participant.Unary(execOp))
	reg.MustRegister("query", participant.Unary(queryOp))
	return reg
}

func execOp(ctx context.Context, q Querier, in ExecArgs) (ExecResult, error) {
	if strings.TrimSpace(in.SQL) == "" {
		return ExecResult{}, fmt.Errorf("%w: sql required", participant.ErrArity)
	}
	res, err := q.ExecContext(ctx, in.SQL, in.Args...)
	if err != nil {
		return ExecResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{RowsAffected: n}, nil
}

func queryOp(ctx context.Context, q Querier, in ExecArgs) (QueryResult, error) {
	if strings.TrimSpace(in.SQL) == "" {
		return QueryResult{}, fmt.Errorf("%w: sql required", participant.ErrArity)
	}
	rows, err := q.QueryContext(ctx, in.SQL, in.Args...)
	if err != nil {
		return QueryResult{}, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return QueryResult{}, err
	}
	out := QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return QueryResult{}, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, vals)
	}
	return out, rows.Err()
}
