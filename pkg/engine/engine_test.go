package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/polisai/polis-pii/pkg/pii"
	"github.com/polisai/polis-pii/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const contactText = "Contact: 123-45-6789, jane@example.com"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts pii.Options) *Engine {
	t.Helper()
	e, err := New(opts, Config{Logger: quietLogger(), PolicyName: "test"})
	require.NoError(t, err)
	return e
}

func TestEngine_Redact(t *testing.T) {
	e := newTestEngine(t, pii.Options{})

	res, err := e.Redact(context.Background(), contactText)
	require.NoError(t, err)
	assert.Equal(t, "Contact: [REDACTED], [REDACTED]", res.Text)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, pii.CategorySSN, res.Detections[0].Category)
	assert.Equal(t, pii.CategoryEmail, res.Detections[1].Category)
	assert.Equal(t, 22, res.Detections[1].Start)
	assert.Equal(t, 38, res.Detections[1].End)
}

func TestEngine_DetectThenMaskMatchesRedact(t *testing.T) {
	hash := pii.StrategyHash
	e := newTestEngine(t, pii.Options{HashSalt: "pepper", DefaultStrategy: &hash})
	ctx := context.Background()

	dets, err := e.Detect(ctx, contactText)
	require.NoError(t, err)
	masked, err := e.Mask(ctx, contactText, dets)
	require.NoError(t, err)

	res, err := e.Redact(ctx, contactText)
	require.NoError(t, err)
	assert.Equal(t, res.Text, masked)
	assert.NotContains(t, masked, "jane@example.com")
}

func TestEngine_MaskRejectsBadDetections(t *testing.T) {
	e := newTestEngine(t, pii.Options{})

	_, err := e.Mask(context.Background(), "short", []pii.Detection{
		{Category: pii.CategoryEmail, Start: 0, End: 50, Value: "short"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pii.ErrInvalidDetection))
}

func TestEngine_Reload(t *testing.T) {
	e := newTestEngine(t, pii.Options{})
	ctx := context.Background()

	err := e.Reload(ctx, "no-email", pii.Options{Enabled: map[pii.Category]bool{pii.CategoryEmail: false}})
	require.NoError(t, err)
	assert.Equal(t, "no-email", e.PolicyName())
	assert.NotContains(t, e.Categories(), pii.CategoryEmail)

	res, err := e.Redact(ctx, contactText)
	require.NoError(t, err)
	assert.Equal(t, "Contact: [REDACTED], jane@example.com", res.Text)

	err = e.Reload(ctx, "broken", pii.Options{Enabled: map[pii.Category]bool{"nonexistent": true}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pii.ErrInvalidConfiguration))
	assert.Equal(t, "no-email", e.PolicyName(), "failed reload keeps the active policy")
}

func TestEngine_ReloadDuringTraffic(t *testing.T) {
	e := newTestEngine(t, pii.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				res, err := e.Redact(ctx, contactText)
				assert.NoError(t, err)
				assert.True(t, strings.HasPrefix(res.Text, "Contact: [REDACTED], "))
			}
		}()
	}
	for i := range 20 {
		enabled := map[pii.Category]bool{pii.CategoryEmail: i%2 == 0}
		require.NoError(t, e.Reload(ctx, "flip", pii.Options{Enabled: enabled}))
	}
	wg.Wait()
}

func TestEngine_RedactDocument(t *testing.T) {
	e := newTestEngine(t, pii.Options{})
	doc := map[string]any{
		"id": json.Number("7"),
		"user": map[string]any{
			"email": "jane@example.com",
			"tags":  []any{"ok", "ssn 123-45-6789"},
		},
	}

	res, err := e.RedactDocument(context.Background(), doc)
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, "user.email", res.Detections[0].Path)
	assert.Equal(t, "user.tags[1]", res.Detections[1].Path)

	out := res.Document.(map[string]any)
	assert.Equal(t, json.Number("7"), out["id"])
	user := out["user"].(map[string]any)
	assert.Equal(t, "[REDACTED]", user["email"])
	assert.Equal(t, []any{"ok", "ssn [REDACTED]"}, user["tags"])

	assert.Equal(t, "jane@example.com", doc["user"].(map[string]any)["email"], "input document is not modified")
}

func TestEngine_DetectDocumentThenMaskDocument(t *testing.T) {
	e := newTestEngine(t, pii.Options{})
	ctx := context.Background()
	doc := []any{"jane@example.com", map[string]any{"ip": "10.0.0.1"}}

	dets, err := e.DetectDocument(ctx, doc)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	masked, err := e.MaskDocument(ctx, doc, dets)
	require.NoError(t, err)
	assert.Equal(t, []any{"[REDACTED]", map[string]any{"ip": "[REDACTED]"}}, masked)
}

func TestEngine_CancelledContext(t *testing.T) {
	e := newTestEngine(t, pii.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Detect(ctx, contactText)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = e.Redact(ctx, contactText)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = e.RedactDocument(ctx, map[string]any{"a": "b"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_RedactStream(t *testing.T) {
	e, err := New(pii.Options{}, Config{
		Logger: quietLogger(),
		Stream: pii.StreamOptions{ChunkSize: 8, Overlap: 32},
	})
	require.NoError(t, err)

	var out strings.Builder
	report, err := e.RedactStream(context.Background(), strings.NewReader(contactText), &out)
	require.NoError(t, err)

	res, err := e.Redact(context.Background(), contactText)
	require.NoError(t, err)
	assert.Equal(t, res.Text, out.String())
	assert.EqualValues(t, len(contactText), report.BytesRead)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, pii.Finding{Category: pii.CategoryEmail, Start: 22, End: 38, Confidence: 1}, report.Findings[1])
}

func TestNew_Errors(t *testing.T) {
	_, err := New(pii.Options{MinimumConfidence: 2}, Config{Logger: quietLogger()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pii.ErrInvalidConfiguration))

	_, err = New(pii.Options{}, Config{Logger: quietLogger(), Stream: pii.StreamOptions{Overlap: -1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pii.ErrInvalidConfiguration))
}

func TestEngine_TelemetryCarriesCountsOnly(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
		telemetry.ResetMetricsForTest()
	})

	e := newTestEngine(t, pii.Options{})
	_, err := e.Redact(context.Background(), contactText)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "pii.redact", span.Name())

	attrs := attribute.NewSet(span.Attributes()...)
	policy, ok := attrs.Value("pii.policy")
	require.True(t, ok)
	assert.Equal(t, "test", policy.AsString())

	require.Len(t, span.Events(), 1)
	eventAttrs := attribute.NewSet(span.Events()[0].Attributes...)
	count, ok := eventAttrs.Value("pii.detections.count")
	require.True(t, ok)
	assert.EqualValues(t, 2, count.AsInt64())

	for _, kv := range append(span.Attributes(), span.Events()[0].Attributes...) {
		assert.NotContains(t, kv.Value.Emit(), "jane@example.com")
		assert.NotContains(t, kv.Value.Emit(), "123-45-6789")
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var found bool
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name == "pii.detections.total" {
				found = true
				sum := m.Data.(metricdata.Sum[int64])
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				assert.EqualValues(t, 2, total)
			}
		}
	}
	assert.True(t, found, "pii.detections.total not recorded")
}
