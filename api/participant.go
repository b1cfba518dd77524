package api

import "encoding/json"

// ParticipantRequest is the body of every POST /v1/participant/<op> call.
type ParticipantRequest struct {
	TxnID                 string `json:"txn_id,omitempty"`
	SessionToken          string `json:"session_token,omitempty"`
	InteractiveSessionKey string `json:"interactive_session_key,omitempty"`
	CoordinatorKey        string `json:"coordinator_key,omitempty"`
	// Operation and Args are set for execute only.
	Operation string            `json:"operation,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`
}

// ParticipantResponse is returned by participant calls.
type ParticipantResponse struct {
	TxnID string `json:"txn_id,omitempty"`
	// Result carries the execute result.
	Result json.RawMessage `json:"result,omitempty"`
	// TxnIDs lists in-doubt transactions for recover.
	TxnIDs []string `json:"txn_ids,omitempty"`
}
