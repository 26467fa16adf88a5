package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/polisai/polis-pii/internal/governance"
	"github.com/polisai/polis-pii/pkg/pii"
	"go.opentelemetry.io/otel/trace"
)

// API routes.
const (
	pathDetect         = "/v1/detect"
	pathMask           = "/v1/mask"
	pathRedact         = "/v1/redact"
	pathDetectDocument = "/v1/detect_document"
	pathMaskDocument   = "/v1/mask_document"
	pathRedactDocument = "/v1/redact_document"
	pathRedactStream   = "/v1/redact_stream"
	pathRedactSSE      = "/v1/redact_sse"
	pathPolicy         = "/v1/policy"
	pathHealth         = "/healthz"
	pathMetrics        = "/metrics"
)

// Trailers set on streaming responses.
const (
	TrailerFindings  = "X-Pii-Findings"
	TrailerErrorCode = "X-Pii-Error"
)

const defaultMaxBodyBytes = 10 << 20

// ErrorResponse defines the JSON error model returned by the API. Messages never
// contain matched values. TraceID carries the current OpenTelemetry trace identifier
// when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// TextRequest is the body of the text endpoints. Detections are only read by /v1/mask.
type TextRequest struct {
	Text       string          `json:"text"`
	Detections []pii.Detection `json:"detections,omitempty"`
}

// DocumentRequest is the body of the document endpoints. Detections are only read by
// /v1/mask_document.
type DocumentRequest struct {
	Document   any             `json:"document"`
	Detections []pii.Detection `json:"detections,omitempty"`
}

// DetectResponse lists detections found under the named policy.
type DetectResponse struct {
	Policy     string          `json:"policy"`
	Detections []pii.Detection `json:"detections"`
}

// MaskResponse carries masked text or a masked document.
type MaskResponse struct {
	Policy     string          `json:"policy"`
	Text       *string         `json:"text,omitempty"`
	Document   any             `json:"document,omitempty"`
	Detections []pii.Detection `json:"detections,omitempty"`
}

// PolicyResponse describes the active policy.
type PolicyResponse struct {
	Name       string         `json:"name"`
	Categories []pii.Category `json:"categories"`
}

// HandlerConfig holds configuration for creating a Handler.
type HandlerConfig struct {
	Engine  *Engine
	Logger  *slog.Logger
	Metrics *Metrics
	// MaxBodyBytes bounds JSON request bodies. Zero means 10 MiB.
	MaxBodyBytes int64
	// RateLimiter, when set, throttles API endpoints by endpoint name.
	RateLimiter *governance.RateLimiter
	// RequestTimeout bounds non-streaming requests. Zero disables the deadline.
	RequestTimeout time.Duration
}

// Handler exposes an Engine over a JSON HTTP API.
type Handler struct {
	engine  *Engine
	logger  *slog.Logger
	metrics *Metrics
	maxBody int64
	limiter *governance.RateLimiter
	timeout time.Duration
	root    http.Handler
}

// NewHandler wires the API routes. Metrics, when set, are exposed at /metrics and
// recorded for every request.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Engine == nil {
		panic("engine: engine is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	h := &Handler{
		engine:  cfg.Engine,
		logger:  logger,
		metrics: cfg.Metrics,
		maxBody: maxBody,
		limiter: cfg.RateLimiter,
		timeout: cfg.RequestTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+pathDetect, h.handleDetect)
	mux.HandleFunc("POST "+pathMask, h.handleMask)
	mux.HandleFunc("POST "+pathRedact, h.handleRedact)
	mux.HandleFunc("POST "+pathDetectDocument, h.handleDetectDocument)
	mux.HandleFunc("POST "+pathMaskDocument, h.handleMaskDocument)
	mux.HandleFunc("POST "+pathRedactDocument, h.handleRedactDocument)
	mux.HandleFunc("POST "+pathRedactStream, h.handleRedactStream)
	mux.HandleFunc("POST "+pathRedactSSE, h.handleRedactSSE)
	mux.HandleFunc("GET "+pathPolicy, h.handlePolicy)
	mux.HandleFunc("GET "+pathHealth, h.handleHealth)

	h.root = h.admit(mux)
	if cfg.Metrics != nil {
		mux.Handle("GET "+pathMetrics, cfg.Metrics.Handler())
		h.root = cfg.Metrics.MetricsMiddleware(h.root)
	}
	return h
}

// admit applies rate limits to the /v1 endpoints and a deadline to the non-streaming ones.
func (h *Handler) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case pathHealth, pathMetrics:
			next.ServeHTTP(w, r)
			return
		}

		endpoint := endpointName(r.URL.Path)
		if h.limiter != nil && !h.limiter.Allow(endpoint) {
			h.limiter.WriteRetryAfter(w, endpoint)
			h.writeErrorResponse(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			return
		}

		if r.URL.Path != pathRedactStream && r.URL.Path != pathRedactSSE {
			var cancel func()
			r, cancel = governance.WithRequestTimeout(r, h.timeout)
			defer cancel()
		}
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.scanned(pathDetect, int64(len(req.Text)))

	dets, err := h.engine.Detect(r.Context(), req.Text)
	if err != nil {
		h.writeEngineError(r.Context(), w, err)
		return
	}
	h.detected(pathDetect, dets)
	h.writeJSON(w, http.StatusOK, DetectResponse{Policy: h.engine.PolicyName(), Detections: nonNil(dets)})
}

func (h *Handler) handleMask(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.scanned(pathMask, int64(len(req.Text)))

	out, err := h.engine.Mask(r.Context(), req.Text, req.Detections)
	if err != nil {
		h.writeEngineError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MaskResponse{Policy: h.engine.PolicyName(), Text: &out})
}

func (h *Handler) handleRedact(w http.ResponseWriter, r *http.Request) {
	var req TextRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.scanned(pathRedact, int64(len(req.Text)))

	res, err := h.engine.Redact(r.Context(), req.Text)
	if err != nil {
		h.writeEngineError(r.Context(), w, err)
		return
	}
	h.detected(pathRedact, res.Detections)
	h.writeJSON(w, http.StatusOK, MaskResponse{
		Policy:     h.engine.PolicyName(),
		Text:       &res.Text,
		Detections: nonNil(res.Detections),
	})
}

func (h *Handler) handleDetectDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !h.decodeDocument(w, r, pathDetectDocument, &req) {
		return
	}

	dets, err := h.engine.DetectDocument(r.Context(), req.Document)
	if err != nil {
		h.writeEngineError(r.Context(), w, err)
		return
	}
	h.detected(pathDetectDocument, dets)
	h.writeJSON(w, http.StatusOK, DetectResponse{Policy: h.engine.PolicyName(), Detections: nonNil(dets)})
}

func (h *Handler) handleMaskDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !h.decodeDocument(w, r, pathMaskDocument, &req) {
		return
	}

	out, err := h.engine.MaskDocument(r.Context(), req.Document, req.Detections)
	if err != nil {
		h.writeEngineError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, MaskResponse{Policy: h.engine.PolicyName(), Document: out})
}

func (h *Handler) handleRedactDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if !h.decodeDocument(w, r, pathRedactDocument, &req) {
		return
	}

	res, err := h.engine.RedactDocument(r.Context(), req.Document)
	if err != nil {
		h.writeEngineError(r.Context(), w, err)
		return
	}
	h.detected(pathRedactDocument, res.Detections)
	h.writeJSON(w, http.StatusOK, MaskResponse{
		Policy:     h.engine.PolicyName(),
		Document:   res.Document,
		Detections: nonNil(res.Detections),
	})
}

// handleRedactStream masks a raw body of any size.
func (h *Handler) handleRedactStream(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, pathRedactStream, "text/plain; charset=utf-8", h.engine.RedactStream)
}

// handleRedactSSE masks the data fields of a server-sent event body.
func (h *Handler) handleRedactSSE(w http.ResponseWriter, r *http.Request) {
	h.serveStream(w, r, pathRedactSSE, "text/event-stream", h.engine.RedactSSE)
}

type streamFunc func(ctx context.Context, src io.Reader, dst io.Writer) (pii.Report, error)

// serveStream writes output as it is produced. The finding count arrives in a trailer;
// a failure after output has started is reported through the error trailer.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, path, contentType string, run streamFunc) {
	ctx := r.Context()
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Trailer", TrailerFindings+", "+TrailerErrorCode)

	out := newFlushCountingWriter(w)
	report, err := run(ctx, r.Body, out)
	h.scanned(path, report.BytesRead)

	counts := make(map[string]int)
	for _, f := range report.Findings {
		counts[string(f.Category)]++
	}
	if h.metrics != nil {
		h.metrics.RecordDetections(endpointName(path), counts)
	}

	if err != nil {
		if out.count == 0 {
			w.Header().Del("Trailer")
			h.writeEngineError(ctx, w, err)
			return
		}
		h.logger.Warn("stream redaction aborted",
			"endpoint", endpointName(path),
			"bytes_read", report.BytesRead,
			"code", pii.ErrorCode(err),
			"error", err,
		)
		w.Header().Set(TrailerErrorCode, pii.ErrorCode(err))
	}
	w.Header().Set(TrailerFindings, strconv.Itoa(len(report.Findings)))
}

func (h *Handler) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, PolicyResponse{
		Name:       h.engine.PolicyName(),
		Categories: h.engine.Categories(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"policy": h.engine.PolicyName(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(r.Context(), w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		h.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

// decodeDocument keeps JSON numbers as json.Number so masked documents round-trip them
// unchanged.
func (h *Handler) decodeDocument(w http.ResponseWriter, r *http.Request, path string, req *DocumentRequest) bool {
	counter := &countingReader{r: http.MaxBytesReader(w, r.Body, h.maxBody)}
	dec := json.NewDecoder(counter)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeErrorResponse(r.Context(), w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		h.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body: "+err.Error())
		return false
	}
	if req.Document == nil {
		h.writeErrorResponse(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "document is required")
		return false
	}
	h.scanned(path, counter.n)
	return true
}

func (h *Handler) scanned(path string, n int64) {
	if h.metrics != nil {
		h.metrics.RecordBytesScanned(endpointName(path), n)
	}
}

func (h *Handler) detected(path string, dets []pii.Detection) {
	if h.metrics != nil {
		h.metrics.RecordDetections(endpointName(path), detectionCounts(dets))
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("pii request failed", "code", code, "error", err)
	}
	h.writeErrorResponse(ctx, w, status, code, message)
}

// writeErrorResponse writes a JSON error response carrying the current trace ID.
func (h *Handler) writeErrorResponse(ctx context.Context, w http.ResponseWriter, statusCode int, code, message string) {
	var traceID string
	if span := trace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() {
			traceID = sc.TraceID().String()
		}
	}

	h.writeJSON(w, statusCode, ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: traceID,
	})
}

// classifyError maps engine errors onto HTTP status, code and a client-safe message.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "request deadline exceeded"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "CANCELLED", "request cancelled"
	case errors.Is(err, pii.ErrMaxReadExceeded):
		return http.StatusRequestEntityTooLarge, pii.ErrorCode(err), err.Error()
	case errors.Is(err, pii.ErrInvalidDetection),
		errors.Is(err, pii.ErrOverlappingDetections),
		errors.Is(err, pii.ErrUnknownCategory),
		errors.Is(err, pii.ErrUnsupportedNode),
		errors.Is(err, pii.ErrCyclicDocument),
		errors.Is(err, pii.ErrMaxFindingsExceeded):
		return http.StatusUnprocessableEntity, pii.ErrorCode(err), err.Error()
	default:
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
}

func nonNil(dets []pii.Detection) []pii.Detection {
	if dets == nil {
		return []pii.Detection{}
	}
	return dets
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
