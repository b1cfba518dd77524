package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/xacoord/internal/txlog"
)

type coordinatorMetrics struct {
	commitDuration metric.Int64Histogram
	decisions      metric.Int64Counter
	phase2Failures metric.Int64Counter
	reaped         metric.Int64Counter
	recovered      metric.Int64Counter
	rejected       metric.Int64Counter
}

func newCoordinatorMetrics(logger pslog.Logger, active func() int) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/xacoord/coordinator")
	m := &coordinatorMetrics{}
	var err error

	m.commitDuration, err = meter.Int64Histogram(
		"xacoord.txn.commit.duration_ms",
		metric.WithDescription("Time spent running both commit phases"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "xacoord.txn.commit.duration_ms", err)

	m.decisions, err = meter.Int64Counter(
		"xacoord.txn.decisions",
		metric.WithDescription("Decisions made durable in the transaction log"),
	)
	logMetricInitError(logger, "xacoord.txn.decisions", err)

	m.phase2Failures, err = meter.Int64Counter(
		"xacoord.txn.phase2.failures",
		metric.WithDescription("Participants that did not confirm a decided outcome"),
	)
	logMetricInitError(logger, "xacoord.txn.phase2.failures", err)

	m.reaped, err = meter.Int64Counter(
		"xacoord.txn.reaped",
		metric.WithDescription("Abandoned transactions rolled back by the reaper"),
	)
	logMetricInitError(logger, "xacoord.txn.reaped", err)

	m.recovered, err = meter.Int64Counter(
		"xacoord.txn.recovered",
		metric.WithDescription("Transactions handled by startup recovery"),
	)
	logMetricInitError(logger, "xacoord.txn.recovered", err)

	m.rejected, err = meter.Int64Counter(
		"xacoord.txn.rejected",
		metric.WithDescription("Begin requests rejected by admission control"),
	)
	logMetricInitError(logger, "xacoord.txn.rejected", err)

	if active != nil {
		_, err = meter.Int64ObservableGauge(
			"xacoord.txn.active",
			metric.WithDescription("Transactions held in the coordinator table"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(active()))
				return nil
			}),
		)
		logMetricInitError(logger, "xacoord.txn.active", err)
	}
	return m
}

func (m *coordinatorMetrics) recordCommit(ctx context.Context, duration time.Duration, result string) {
	if m == nil || m.commitDuration == nil {
		return
	}
	m.commitDuration.Record(metricContext(ctx), duration.Milliseconds(),
		metric.WithAttributes(attribute.String("xacoord.txn.result", result)))
}

func (m *coordinatorMetrics) recordDecision(ctx context.Context, d txlog.Decision) {
	if m == nil || m.decisions == nil {
		return
	}
	m.decisions.Add(metricContext(ctx), 1,
		metric.WithAttributes(attribute.String("xacoord.txn.decision", decisionLabel(d))))
}

func (m *coordinatorMetrics) recordPhase2Failure(ctx context.Context, phase Phase, participantID string) {
	if m == nil || m.phase2Failures == nil {
		return
	}
	m.phase2Failures.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("xacoord.txn.phase", string(phase)),
		attribute.String("xacoord.txn.participant", participantID),
	))
}

func (m *coordinatorMetrics) recordReaped(ctx context.Context, reason string) {
	if m == nil || m.reaped == nil {
		return
	}
	m.reaped.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("xacoord.txn.reason", reason)))
}

func (m *coordinatorMetrics) recordRecovered(ctx context.Context, outcome string) {
	if m == nil || m.recovered == nil {
		return
	}
	m.recovered.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("xacoord.txn.outcome", outcome)))
}

func (m *coordinatorMetrics) recordRejected(ctx context.Context, reason string) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("xacoord.txn.reason", reason)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func decisionLabel(d txlog.Decision) string {
	if d == "" {
		return "unknown"
	}
	return string(d)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
