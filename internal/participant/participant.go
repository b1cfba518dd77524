// Package participant defines the contract every resource manager enlisted by
// the coordinator implements, together with the shared credential checks,
// error types and the named-operation registry used by Execute.
package participant

import (
	"context"
	"encoding/json"
)

// Session identifies a live transaction on a participant call.
type Session struct {
	TxnID                 string `json:"txn_id"`
	SessionToken          string `json:"session_token,omitempty"`
	InteractiveSessionKey string `json:"interactive_session_key,omitempty"`
	CoordinatorKey        string `json:"coordinator_key,omitempty"`
}

// Recovery identifies an in-doubt transaction without a caller session.
type Recovery struct {
	TxnID                 string `json:"txn_id"`
	InteractiveSessionKey string `json:"interactive_session_key,omitempty"`
	CoordinatorKey        string `json:"coordinator_key,omitempty"`
}

// RecoveryOf derives the session-less identity used by recovered calls.
func RecoveryOf(s Session) Recovery {
	return Recovery{
		TxnID:                 s.TxnID,
		InteractiveSessionKey: s.InteractiveSessionKey,
		CoordinatorKey:        s.CoordinatorKey,
	}
}

// Participant is a resource manager taking part in two-phase commit.
//
// Prepare must leave the participant able to either commit or roll back the
// transaction after a crash. Commit, Rollback and their recovered variants
// must be idempotent: applying a decision that is already applied succeeds
// without side effects.
type Participant interface {
	ID() string
	Begin(ctx context.Context, s Session) error
	Execute(ctx context.Context, s Session, operation string, args []json.RawMessage) (json.RawMessage, error)
	Prepare(ctx context.Context, s Session) error
	Commit(ctx context.Context, s Session) error
	CommitRecovered(ctx context.Context, r Recovery) error
	Rollback(ctx context.Context, s Session) error
	RollbackRecovered(ctx context.Context, r Recovery) error
	// RecoverAll lists the transaction ids the participant holds prepared
	// and still awaiting a decision.
	RecoverAll(ctx context.Context, interactiveSessionKey, coordinatorKey string) ([]string, error)
}
