package api

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// Phase names the transaction phase reached when the error occurred.
	Phase string `json:"phase,omitempty"`
	// TxnID identifies the affected transaction when known.
	TxnID string `json:"txn_id,omitempty"`
	// Participant identifies the participant that failed when known.
	Participant string `json:"participant,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
