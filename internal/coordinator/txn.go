package coordinator

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"pkt.systems/xacoord/internal/txlog"
)

// State is a transaction's position in the protocol.
type State string

const (
	StateOpen        State = "open"
	StatePreparing   State = "preparing"
	StatePrepared    State = "prepared"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// Request identifies a transaction and the session calling into it.
type Request struct {
	TxnID                 string
	SessionToken          string
	InteractiveSessionKey string
}

// ExecuteRequest routes one business operation to a participant.
type ExecuteRequest struct {
	Request
	Participant string
	Operation   string
	Args        []json.RawMessage
}

// Result reports the outcome of begin, commit or rollback.
type Result struct {
	TxnID    string
	State    State
	Decision txlog.Decision
	Failures []ParticipantFailure
}

// Snapshot is a read-only copy of a transaction's bookkeeping.
type Snapshot struct {
	TxnID          string
	State          State
	Decision       txlog.Decision
	Live           bool
	ParticipantIDs []string
	Pending        []string
	CreatedAt      time.Time
	LastActivityAt time.Time
	DecidedAt      time.Time
}

// txn is one row of the transaction table. mu serializes every operation
// on the transaction; removed is set under mu when the row leaves the table.
type txn struct {
	mu sync.Mutex

	id                    string
	sessionToken          string
	interactiveSessionKey string
	coordinatorKey        string
	state                 State
	decision              txlog.Decision
	participantIDs        []string
	pending               []string
	createdAt             time.Time
	lastActivityAt        time.Time
	decidedAt             time.Time
	failure               error
	recovered             bool
	removed               bool
}

func (t *txn) snapshot() Snapshot {
	return Snapshot{
		TxnID:          t.id,
		State:          t.state,
		Decision:       t.decision,
		Live:           true,
		ParticipantIDs: slices.Clone(t.participantIDs),
		Pending:        slices.Clone(t.pending),
		CreatedAt:      t.createdAt,
		LastActivityAt: t.lastActivityAt,
		DecidedAt:      t.decidedAt,
	}
}

func (t *txn) decided() bool {
	return t.decision == txlog.DecisionCommit || t.decision == txlog.DecisionRollback
}

func (t *txn) result(failures []ParticipantFailure) Result {
	return Result{TxnID: t.id, State: t.state, Decision: t.decision, Failures: failures}
}
