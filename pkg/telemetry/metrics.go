package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	scanCounter         metric.Int64Counter
	detectionCounter    metric.Int64Counter
	scanErrorCounter    metric.Int64Counter
	policyReloadCounter metric.Int64Counter
	scanLatency         metric.Float64Histogram
)

// ScanMetrics captures the fields needed to record one engine call.
type ScanMetrics struct {
	Operation string
	Policy    string
	// Categories counts detections per category. Values are never recorded.
	Categories map[string]int
	Duration   time.Duration
	Err        error
}

// RecordScan emits counters and a latency histogram for one detect or mask call.
func RecordScan(ctx context.Context, m ScanMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "ok"
	if m.Err != nil {
		outcome = "error"
	}
	attrs := []attribute.KeyValue{
		attribute.String("pii.operation", m.Operation),
		attribute.String("pii.policy", m.Policy),
		attribute.String("pii.outcome", outcome),
	}

	scanCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.Err != nil {
		scanErrorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.Duration > 0 {
		scanLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	for category, n := range m.Categories {
		if n <= 0 {
			continue
		}
		detectionCounter.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("pii.operation", m.Operation),
			attribute.String("pii.policy", m.Policy),
			attribute.String("pii.category", category),
		))
	}
}

// RecordPolicyReload counts policy swaps by status (applied, rejected).
func RecordPolicyReload(ctx context.Context, policy, status string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	policyReloadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pii.policy", policy),
		attribute.String("pii.reload.status", status),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.pii")

		scanCounter, metricsInitErr = meter.Int64Counter(
			"pii.scan.total",
			metric.WithDescription("Engine calls partitioned by operation and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		detectionCounter, metricsInitErr = meter.Int64Counter(
			"pii.detections.total",
			metric.WithDescription("Detections reported, partitioned by category"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		scanErrorCounter, metricsInitErr = meter.Int64Counter(
			"pii.scan.errors_total",
			metric.WithDescription("Engine calls that returned an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		policyReloadCounter, metricsInitErr = meter.Int64Counter(
			"pii.policy.reloads_total",
			metric.WithDescription("Policy reload attempts by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		scanLatency, metricsInitErr = meter.Float64Histogram(
			"pii.scan.duration_ms",
			metric.WithDescription("Observed engine call latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordDetectionEvent attaches a count-only summary of detections to the span without
// leaking matched values.
func RecordDetectionEvent(span trace.Span, operation string, categories map[string]int) {
	if span == nil || !span.IsRecording() {
		return
	}

	total := 0
	names := make([]string, 0, len(categories))
	for category, n := range categories {
		total += n
		names = append(names, category)
	}
	sort.Strings(names)

	attrs := []attribute.KeyValue{
		attribute.String("pii.operation", operation),
		attribute.Int("pii.detections.count", total),
	}
	if len(names) > 0 {
		attrs = append(attrs, attribute.StringSlice("pii.categories", names))
	}

	span.AddEvent("pii.detections", trace.WithAttributes(attrs...))
}
