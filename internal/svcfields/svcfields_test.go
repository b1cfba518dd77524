package svcfields

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"pkt.systems/pslog"
)

func newBufferLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(buf, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel})
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatalf("expected noop logger")
	}
	if WithTxn(nil, "abc") == nil || WithParticipant(nil, "db") == nil {
		t.Fatalf("expected scoped noop loggers")
	}
}

func TestFromContextPrefersRequestLogger(t *testing.T) {
	var base, scoped bytes.Buffer
	baseLogger := newBufferLogger(&base)
	reqLogger := newBufferLogger(&scoped)

	FromContext(context.Background(), baseLogger).Info("base.event")
	ctx := pslog.ContextWithLogger(context.Background(), reqLogger)
	FromContext(ctx, baseLogger).Info("scoped.event")

	if !strings.Contains(base.String(), "base.event") || strings.Contains(base.String(), "scoped.event") {
		t.Fatalf("unexpected base output %q", base.String())
	}
	if !strings.Contains(scoped.String(), "scoped.event") {
		t.Fatalf("unexpected scoped output %q", scoped.String())
	}
}

func TestScopedFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithParticipant(WithTxn(WithSubsystem(newBufferLogger(&buf), ".txn.reaper."), "c1"), "afs")
	logger.Info("txn.reaper.expired")
	out := buf.String()
	for _, want := range []string{`"sys"`, `"txn.reaper"`, `"txn_id"`, `"c1"`, `"participant"`, `"afs"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %q", want, out)
		}
	}
}

func TestEmptyScopesLeaveLoggerUntouched(t *testing.T) {
	var buf bytes.Buffer
	logger := WithParticipant(WithTxn(WithSubsystem(newBufferLogger(&buf), " . "), ""), "")
	logger.Info("plain")
	out := buf.String()
	for _, key := range []string{`"sys"`, `"txn_id"`, `"participant"`} {
		if strings.Contains(out, key) {
			t.Fatalf("unexpected %s in %q", key, out)
		}
	}
}
