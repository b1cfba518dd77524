// Package svcfields holds the log field keys shared by the coordinator, its
// participants and the HTTP layers so every component tags entries the same
// way.
package svcfields

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags the dotted component path (for example txn.reaper).
	SubsystemKey = pslog.TrustedString("sys")
	// TxnKey tags the global transaction id.
	TxnKey = pslog.TrustedString("txn_id")
	// ParticipantKey tags the participant identifier.
	ParticipantKey = pslog.TrustedString("participant")
)

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// FromContext returns the request-scoped logger carried by ctx, or base.
func FromContext(ctx context.Context, base pslog.Logger) pslog.Logger {
	if ctx != nil {
		if logger := pslog.LoggerFromContext(ctx); logger != nil {
			return logger
		}
	}
	return EnsureLogger(base)
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithTxn scopes logger to a single transaction.
func WithTxn(logger pslog.Logger, txnID string) pslog.Logger {
	logger = EnsureLogger(logger)
	if txnID == "" {
		return logger
	}
	return logger.With(TxnKey, txnID)
}

// WithParticipant scopes logger to a participant.
func WithParticipant(logger pslog.Logger, id string) pslog.Logger {
	logger = EnsureLogger(logger)
	if id == "" {
		return logger
	}
	return logger.With(ParticipantKey, id)
}
