package client

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/xacoord/api"
)

// APIError describes an error response returned by the coordinator.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		msg := "xacoord: " + e.Response.ErrorCode
		if e.Response.Phase != "" {
			msg += " in " + e.Response.Phase + " phase"
		}
		if e.Response.Detail != "" {
			msg += " (" + e.Response.Detail + ")"
		}
		return msg
	}
	return fmt.Sprintf("xacoord: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// Retryable reports whether the same request may succeed later without
// any change: the server is at its transaction limit or still recovering.
func (e *APIError) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Response.ErrorCode {
	case CodeTxnLimitExceeded, CodeNotReady:
		return true
	}
	return e.Status == http.StatusTooManyRequests
}

// Error codes returned by the coordinator façade.
const (
	CodeUnknownTxn         = "unknown_txn"
	CodeSessionMismatch    = "session_mismatch"
	CodeTxnLimitExceeded   = "txn_limit_exceeded"
	CodeNotReady           = "not_ready"
	CodeInvalidState       = "invalid_state"
	CodeInvalidTxnID       = "invalid_txn_id"
	CodePrepareFailed      = "prepare_failed"
	CodeDecisionFailed     = "decision_failed"
	CodeOperationFailed    = "operation_failed"
	CodeUnauthorized       = "invalid_coordinator_key"
	CodeTxnRolledBack      = "txn_rolled_back"
	CodeTxnExists          = "txn_exists"
	CodeUnknownParticipant = "unknown_participant"
)

// ErrorCode returns the server error code carried by err, if any.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Response.ErrorCode
	}
	return ""
}
