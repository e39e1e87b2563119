package council

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kaigi/internal/telemetry"
)

type metrics struct {
	tracer        trace.Tracer
	phaseDuration metric.Float64Histogram
	callLatency   metric.Float64Histogram
	skips         metric.Int64Counter
	retries       metric.Int64Counter
	runs          metric.Int64Counter
}

func newMetrics() *metrics {
	meter := telemetry.Meter("kaigi/council")
	m := &metrics{tracer: telemetry.Tracer("kaigi/council")}
	m.phaseDuration, _ = meter.Float64Histogram("kaigi.council.phase.duration",
		metric.WithDescription("Wall time of one deliberation phase"),
		metric.WithUnit("ms"))
	m.callLatency, _ = meter.Float64Histogram("kaigi.reasoning.latency",
		metric.WithDescription("Latency of a single reasoning backend call"),
		metric.WithUnit("ms"))
	m.skips, _ = meter.Int64Counter("kaigi.council.skips",
		metric.WithDescription("Participants replaced by a skip after exhausting retries"))
	m.retries, _ = meter.Int64Counter("kaigi.council.retries",
		metric.WithDescription("Retried reasoning calls"))
	m.runs, _ = meter.Int64Counter("kaigi.council.runs",
		metric.WithDescription("Finished council runs by status"))
	return m
}

func (m *metrics) skip(ctx context.Context, stage, status string) {
	if m.skips != nil {
		m.skips.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStage.String(stage), telemetry.AttrStatus.String(status)))
	}
}

func (m *metrics) retry(ctx context.Context, stage string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStage.String(stage)))
	}
}

func (m *metrics) latency(ctx context.Context, stage string, ms float64) {
	if m.callLatency != nil {
		m.callLatency.Record(ctx, ms, metric.WithAttributes(telemetry.AttrStage.String(stage)))
	}
}

func (m *metrics) phase(ctx context.Context, phase string, ms float64) {
	if m.phaseDuration != nil {
		m.phaseDuration.Record(ctx, ms, metric.WithAttributes(telemetry.AttrPhase.String(phase)))
	}
}

func (m *metrics) finished(ctx context.Context, status string) {
	if m.runs != nil {
		m.runs.Add(ctx, 1, metric.WithAttributes(telemetry.AttrStatus.String(status)))
	}
}
