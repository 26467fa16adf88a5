// Package engine serves PII detection and masking to the rest of the process.
//
// Architecture:
//
// engine.go       - Engine: hot-swappable compiled policy, traced detect/mask/redact calls
// http_handler.go - JSON HTTP API with stream trailers, rate limits and request deadlines
// sse.go          - Server-Sent Events redaction of data lines
// metrics.go      - Prometheus registry, request middleware and detection counters
//
// The engine package owns no detection logic of its own; it wraps pkg/pii with a policy
// snapshot, OpenTelemetry spans and metrics, and an HTTP surface for gateway callers.
package engine
