package api

import "encoding/json"

// TxnRequest drives POST /v1/txn/begin, /v1/txn/commit and /v1/txn/rollback.
type TxnRequest struct {
	// TxnID is the caller-chosen transaction id (an xid string).
	TxnID string `json:"txn_id"`
	// SessionToken binds the transaction to the session that began it.
	SessionToken string `json:"session_token"`
	// InteractiveSessionKey must match the coordinator's configured key when one is set.
	InteractiveSessionKey string `json:"interactive_session_key,omitempty"`
}

// TxnResponse reports the state a transaction reached.
type TxnResponse struct {
	// TxnID echoes the transaction id.
	TxnID string `json:"txn_id"`
	// State is one of open, preparing, prepared, committing, committed,
	// rolling_back, rolled_back or failed.
	State string `json:"state"`
	// Decision is none, commit or rollback.
	Decision string `json:"decision,omitempty"`
	// Failures lists participants that did not confirm the decided outcome.
	// They are warnings: the decision stands and is retried in the background.
	Failures []ParticipantFailure `json:"failures,omitempty"`
}

// ParticipantFailure describes one participant's post-decision failure.
type ParticipantFailure struct {
	Participant string `json:"participant"`
	Phase       string `json:"phase"`
	ErrorCode   string `json:"error,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// ExecuteRequest drives POST /v1/txn/execute.
type ExecuteRequest struct {
	TxnID                 string `json:"txn_id"`
	SessionToken          string `json:"session_token"`
	InteractiveSessionKey string `json:"interactive_session_key,omitempty"`
	// Participant names the configured participant that runs the operation.
	Participant string `json:"participant"`
	// Operation names an operation registered with the participant.
	Operation string `json:"operation"`
	// Args are the operation's positional JSON arguments.
	Args []json.RawMessage `json:"args,omitempty"`
}

// ExecuteResponse carries an operation's JSON result.
type ExecuteResponse struct {
	TxnID       string          `json:"txn_id"`
	Participant string          `json:"participant"`
	Operation   string          `json:"operation"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// TxnStatusResponse is returned by GET /v1/txn/status.
type TxnStatusResponse struct {
	TxnID    string `json:"txn_id"`
	State    string `json:"state"`
	Decision string `json:"decision,omitempty"`
	// Live reports whether the transaction is still held in the coordinator's table.
	Live         bool     `json:"live"`
	Participants []string `json:"participants,omitempty"`
	// Pending lists participants that have not yet confirmed phase two.
	Pending          []string `json:"pending,omitempty"`
	CreatedAtUnix    int64    `json:"created_at_unix,omitempty"`
	LastActivityUnix int64    `json:"last_activity_unix,omitempty"`
	DecidedAtUnix    int64    `json:"decided_at_unix,omitempty"`
}
