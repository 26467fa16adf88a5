package engine

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/polisai/polis-pii/internal/governance"
	"github.com/polisai/polis-pii/pkg/pii"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, maxBody int64) (*Handler, *Metrics) {
	t.Helper()
	metrics := NewMetrics()
	h := NewHandler(HandlerConfig{
		Engine:       newTestEngine(t, pii.Options{}),
		Logger:       quietLogger(),
		Metrics:      metrics,
		MaxBodyBytes: maxBody,
	})
	return h, metrics
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHandler_Redact(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodPost, "/v1/redact", `{"text": "Contact: 123-45-6789, jane@example.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp MaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Policy)
	require.NotNil(t, resp.Text)
	assert.Equal(t, "Contact: [REDACTED], [REDACTED]", *resp.Text)
	assert.Len(t, resp.Detections, 2)
}

func TestHandler_DetectThenMask(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	text := "mail jane@example.com now"

	rec := do(t, h, http.MethodPost, "/v1/detect", `{"text": "`+text+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var detected DetectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detected))
	require.Len(t, detected.Detections, 1)
	assert.Equal(t, "jane@example.com", detected.Detections[0].Value)

	body, err := json.Marshal(TextRequest{Text: text, Detections: detected.Detections})
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/v1/mask", string(body))
	require.Equal(t, http.StatusOK, rec.Code)
	var masked MaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &masked))
	assert.Equal(t, "mail [REDACTED] now", *masked.Text)
}

func TestHandler_DetectEmptyText(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodPost, "/v1/detect", `{"text": "nothing to see"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"policy": "test", "detections": []}`, rec.Body.String())
}

func TestHandler_RedactDocumentKeepsNumbers(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodPost, "/v1/redact_document",
		`{"document": {"account": 12345678901234567890, "owner": {"email": "jane@example.com"}, "active": true}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Contains(t, rec.Body.String(), `"account":12345678901234567890`)
	assert.Contains(t, rec.Body.String(), `"email":"[REDACTED]"`)
	assert.NotContains(t, rec.Body.String(), `"value":"12345678901234567890"`)

	var resp struct {
		Detections []pii.Detection `json:"detections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Detections, 1)
	assert.Equal(t, "owner.email", resp.Detections[0].Path)
}

func TestHandler_DetectThenMaskDocument(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	doc := `{"rows": ["10.0.0.1", "plain"]}`

	rec := do(t, h, http.MethodPost, "/v1/detect_document", `{"document": `+doc+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var detected DetectResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detected))
	require.Len(t, detected.Detections, 1)
	assert.Equal(t, "rows[0]", detected.Detections[0].Path)

	dets, err := json.Marshal(detected.Detections)
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/v1/mask_document", `{"document": `+doc+`, "detections": `+string(dets)+`}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"policy": "test", "document": {"rows": ["[REDACTED]", "plain"]}}`, rec.Body.String())
}

func TestHandler_Errors(t *testing.T) {
	h, _ := newTestHandler(t, 256)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{
			name:   "malformed json",
			path:   "/v1/detect",
			body:   `{"text": `,
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "unknown field",
			path:   "/v1/redact",
			body:   `{"txt": "hello"}`,
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "missing document",
			path:   "/v1/redact_document",
			body:   `{}`,
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
		{
			name:   "body too large",
			path:   "/v1/detect",
			body:   `{"text": "` + strings.Repeat("a", 512) + `"}`,
			status: http.StatusRequestEntityTooLarge,
			code:   "REQUEST_TOO_LARGE",
		},
		{
			name:   "overlapping detections",
			path:   "/v1/mask",
			body:   `{"text": "abcdef", "detections": [{"category": "email", "start": 0, "end": 4, "value": "abcd"}, {"category": "email", "start": 2, "end": 6, "value": "cdef"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "OVERLAPPING_DETECTIONS",
		},
		{
			name:   "value mismatch",
			path:   "/v1/mask",
			body:   `{"text": "abcdef", "detections": [{"category": "email", "start": 0, "end": 3, "value": "xyz"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "INVALID_DETECTION",
		},
		{
			name:   "unknown category",
			path:   "/v1/mask",
			body:   `{"text": "abcdef", "detections": [{"category": "custom:nope", "start": 0, "end": 3, "value": "abc"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "UNKNOWN_CATEGORY",
		},
		{
			name:   "detection path not in document",
			path:   "/v1/mask_document",
			body:   `{"document": {"a": "abc"}, "detections": [{"category": "email", "start": 0, "end": 3, "value": "abc", "path": "b"}]}`,
			status: http.StatusUnprocessableEntity,
			code:   "INVALID_DETECTION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestHandler_ErrorMessagesOmitValues(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodPost, "/v1/mask",
		`{"text": "jane@example.com", "detections": [{"category": "email", "start": 0, "end": 16, "value": "john@example.com"}]}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotContains(t, rec.Body.String(), "example.com")
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodGet, "/v1/redact", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_HealthAndPolicy(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok", "policy": "test"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/policy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var policy PolicyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &policy))
	assert.Equal(t, "test", policy.Name)
	assert.Contains(t, policy.Categories, pii.CategoryEmail)
	assert.NotContains(t, policy.Categories, pii.CategoryPassport)
}

func TestHandler_RedactStream(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	body := strings.Repeat("filler text ", 100) + "reach jane@example.com or 123-45-6789"
	rec := do(t, h, http.MethodPost, "/v1/redact_stream", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, strings.Repeat("filler text ", 100)+"reach [REDACTED] or [REDACTED]", rec.Body.String())

	res := rec.Result()
	defer res.Body.Close()
	assert.Equal(t, "2", res.Trailer.Get(TrailerFindings))
	assert.Empty(t, res.Trailer.Get(TrailerErrorCode))
}

func TestHandler_RedactSSE(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rec := do(t, h, http.MethodPost, "/v1/redact_sse", "event: msg\ndata: hi jane@example.com\n\n")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: msg\ndata: hi [REDACTED]\n\n", rec.Body.String())

	res := rec.Result()
	defer res.Body.Close()
	assert.Equal(t, "1", res.Trailer.Get(TrailerFindings))
}

func TestHandler_Metrics(t *testing.T) {
	h, metrics := newTestHandler(t, 0)

	do(t, h, http.MethodPost, "/v1/redact", `{"text": "jane@example.com"}`)
	do(t, h, http.MethodPost, "/v1/detect", `{"text": `)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, `pii_http_requests_total{endpoint="redact",method="POST",status_code="200"} 1`)
	assert.Contains(t, out, `pii_http_requests_total{endpoint="detect",method="POST",status_code="400"} 1`)
	assert.Contains(t, out, `pii_detections_total{category="email",endpoint="redact"} 1`)
	assert.Contains(t, out, `pii_bytes_scanned_total{endpoint="redact"} 16`)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestHandler_NoMetrics(t *testing.T) {
	h := NewHandler(HandlerConfig{Engine: newTestEngine(t, pii.Options{}), Logger: quietLogger()})

	rec := do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/redact", `{"text": "x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_RateLimit(t *testing.T) {
	metrics := NewMetrics()
	h := NewHandler(HandlerConfig{
		Engine:  newTestEngine(t, pii.Options{}),
		Logger:  quietLogger(),
		Metrics: metrics,
		RateLimiter: governance.NewRateLimiter(map[string]governance.RateLimiterConfig{
			"redact": {RequestsPerSecond: 1, BurstSize: 1},
		}),
	})

	rec := do(t, h, http.MethodPost, "/v1/redact", `{"text": "x"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/redact", `{"text": "x"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", decodeError(t, rec).Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, h, http.MethodPost, "/v1/detect", `{"text": "x"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "other endpoints are not limited")
	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	out := do(t, h, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, out, `pii_http_requests_total{endpoint="redact",method="POST",status_code="429"} 1`)
}

func TestNewHandler_RequiresEngine(t *testing.T) {
	assert.Panics(t, func() { NewHandler(HandlerConfig{}) })
}

func TestClassifyError(t *testing.T) {
	status, code, msg := classifyError(io.ErrUnexpectedEOF)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)
	assert.Equal(t, "internal error", msg)

	status, code, _ = classifyError(&pii.Error{Kind: pii.ErrMaxReadExceeded})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, "MAX_READ_EXCEEDED", code)
}

func TestCountingReader(t *testing.T) {
	c := &countingReader{r: bytes.NewReader([]byte("hello"))}
	_, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.EqualValues(t, 5, c.n)
}
