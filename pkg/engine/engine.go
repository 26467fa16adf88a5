package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/polisai/polis-pii/pkg/pii"
	"github.com/polisai/polis-pii/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "polis.pii"

// Operation names used for spans and metrics.
const (
	OpDetect         = "detect"
	OpDetectDocument = "detect_document"
	OpMask           = "mask"
	OpMaskDocument   = "mask_document"
	OpRedact         = "redact"
	OpRedactDocument = "redact_document"
	OpRedactStream   = "redact_stream"
)

// Config holds construction options for an Engine.
type Config struct {
	Logger *slog.Logger
	// PolicyName labels the initial policy in logs and telemetry.
	PolicyName string
	// Stream tunes RedactStream; zero values take the redactor defaults.
	Stream pii.StreamOptions
}

// policy is an immutable compiled snapshot. Requests load it once so detect and mask
// within one call always agree.
type policy struct {
	name     string
	cfg      *pii.Config
	detector *pii.Detector
	masker   *pii.Masker
}

// Engine serves detection and masking against a hot-swappable policy. All methods are
// safe for concurrent use.
type Engine struct {
	logger  *slog.Logger
	stream  pii.StreamOptions
	tracer  trace.Tracer
	current atomic.Pointer[policy]
}

// Result is the outcome of a text redaction.
type Result struct {
	Text       string          `json:"text"`
	Detections []pii.Detection `json:"detections"`
}

// DocumentResult is the outcome of a document redaction.
type DocumentResult struct {
	Document   any             `json:"document"`
	Detections []pii.Detection `json:"detections"`
}

// New compiles opts into the initial policy.
func New(opts pii.Options, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.PolicyName
	if name == "" {
		name = "default"
	}

	p, err := compile(name, opts)
	if err != nil {
		return nil, err
	}
	if _, err := pii.NewStreamRedactor(p.detector, cfg.Stream); err != nil {
		return nil, fmt.Errorf("engine: stream options: %w", err)
	}

	e := &Engine{
		logger: logger,
		stream: cfg.Stream,
		tracer: otel.Tracer(tracerName),
	}
	e.current.Store(p)

	logger.Info("pii policy loaded",
		"policy", name,
		"categories", len(p.cfg.Enabled()),
	)
	return e, nil
}

func compile(name string, opts pii.Options) (*policy, error) {
	cfg, err := pii.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("engine: build policy %q: %w", name, err)
	}
	detector, err := pii.Compile(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: compile policy %q: %w", name, err)
	}
	return &policy{
		name:     name,
		cfg:      cfg,
		detector: detector,
		masker:   pii.NewMasker(cfg),
	}, nil
}

// Reload swaps in a new policy. On failure the current policy stays active and the
// error is returned.
func (e *Engine) Reload(ctx context.Context, name string, opts pii.Options) error {
	p, err := compile(name, opts)
	if err != nil {
		telemetry.RecordPolicyReload(ctx, name, "rejected")
		e.logger.Warn("pii policy reload rejected",
			"policy", name,
			"code", pii.ErrorCode(err),
			"error", err,
		)
		return err
	}

	prev := e.current.Swap(p)
	telemetry.RecordPolicyReload(ctx, name, "applied")
	e.logger.Info("pii policy reloaded",
		"policy", name,
		"previous", prev.name,
		"categories", len(p.cfg.Enabled()),
	)
	return nil
}

// PolicyName returns the name of the active policy.
func (e *Engine) PolicyName() string {
	return e.current.Load().name
}

// Categories lists the categories enabled by the active policy.
func (e *Engine) Categories() []pii.Category {
	return e.current.Load().cfg.Enabled()
}

// Detect scans text with the active policy.
func (e *Engine) Detect(ctx context.Context, text string) ([]pii.Detection, error) {
	ctx, op := e.begin(ctx, OpDetect)
	if err := ctx.Err(); err != nil {
		op.end(ctx, nil, err)
		return nil, err
	}
	dets := op.policy.detector.Detect(text)
	op.end(ctx, detectionCounts(dets), nil)
	return dets, nil
}

// DetectDocument scans every string leaf of doc.
func (e *Engine) DetectDocument(ctx context.Context, doc any) ([]pii.Detection, error) {
	ctx, op := e.begin(ctx, OpDetectDocument)
	if err := ctx.Err(); err != nil {
		op.end(ctx, nil, err)
		return nil, err
	}
	dets, err := op.policy.detector.DetectDocument(doc)
	op.end(ctx, detectionCounts(dets), err)
	return dets, err
}

// Mask applies caller-supplied detections to text.
func (e *Engine) Mask(ctx context.Context, text string, dets []pii.Detection) (string, error) {
	ctx, op := e.begin(ctx, OpMask)
	if err := ctx.Err(); err != nil {
		op.end(ctx, nil, err)
		return "", err
	}
	out, err := op.policy.masker.Mask(text, dets)
	op.end(ctx, detectionCounts(dets), err)
	return out, err
}

// MaskDocument applies caller-supplied detections to a copy of doc.
func (e *Engine) MaskDocument(ctx context.Context, doc any, dets []pii.Detection) (any, error) {
	ctx, op := e.begin(ctx, OpMaskDocument)
	if err := ctx.Err(); err != nil {
		op.end(ctx, nil, err)
		return nil, err
	}
	out, err := op.policy.masker.MaskDocument(doc, dets)
	op.end(ctx, detectionCounts(dets), err)
	return out, err
}

// Redact detects and masks text in one pass over a single policy snapshot.
func (e *Engine) Redact(ctx context.Context, text string) (Result, error) {
	ctx, op := e.begin(ctx, OpRedact)
	if err := ctx.Err(); err != nil {
		op.end(ctx, nil, err)
		return Result{}, err
	}
	dets := op.policy.detector.Detect(text)
	out, err := op.policy.masker.Mask(text, dets)
	op.end(ctx, detectionCounts(dets), err)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: out, Detections: dets}, nil
}

// RedactDocument detects and masks every string leaf of doc.
func (e *Engine) RedactDocument(ctx context.Context, doc any) (DocumentResult, error) {
	ctx, op := e.begin(ctx, OpRedactDocument)
	if err := ctx.Err(); err != nil {
		op.end(ctx, nil, err)
		return DocumentResult{}, err
	}
	dets, err := op.policy.detector.DetectDocument(doc)
	if err != nil {
		op.end(ctx, nil, err)
		return DocumentResult{}, err
	}
	out, err := op.policy.masker.MaskDocument(doc, dets)
	op.end(ctx, detectionCounts(dets), err)
	if err != nil {
		return DocumentResult{}, err
	}
	return DocumentResult{Document: out, Detections: dets}, nil
}

// RedactStream masks src into dst chunk by chunk. Each call gets its own redactor.
func (e *Engine) RedactStream(ctx context.Context, src io.Reader, dst io.Writer) (pii.Report, error) {
	ctx, op := e.begin(ctx, OpRedactStream)
	redactor, err := pii.NewStreamRedactor(op.policy.detector, e.stream)
	if err != nil {
		op.end(ctx, nil, err)
		return pii.Report{}, err
	}
	report, err := redactor.RedactStream(ctx, src, dst)
	counts := make(map[string]int)
	for _, f := range report.Findings {
		counts[string(f.Category)]++
	}
	op.span.SetAttributes(attribute.Int64("pii.stream.bytes_read", report.BytesRead))
	op.end(ctx, counts, err)
	return report, err
}

type operation struct {
	name   string
	policy *policy
	span   trace.Span
	start  time.Time
}

func (e *Engine) begin(ctx context.Context, name string) (context.Context, *operation) {
	p := e.current.Load()
	ctx, span := e.tracer.Start(ctx, "pii."+name,
		trace.WithAttributes(attribute.String("pii.policy", p.name)),
	)
	return ctx, &operation{name: name, policy: p, span: span, start: time.Now()}
}

// end closes the span and records metrics. Only counts and categories are attached;
// matched values never leave the engine.
func (op *operation) end(ctx context.Context, counts map[string]int, err error) {
	defer op.span.End()

	telemetry.RecordDetectionEvent(op.span, op.name, counts)
	if err != nil {
		op.span.SetStatus(codes.Error, pii.ErrorCode(err))
		op.span.SetAttributes(attribute.String("pii.error.code", pii.ErrorCode(err)))
	}

	telemetry.RecordScan(ctx, telemetry.ScanMetrics{
		Operation:  op.name,
		Policy:     op.policy.name,
		Categories: counts,
		Duration:   time.Since(op.start),
		Err:        err,
	})
}

func detectionCounts(dets []pii.Detection) map[string]int {
	if len(dets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, d := range dets {
		counts[string(d.Category)]++
	}
	return counts
}
