// Package telemetry wires OpenTelemetry tracing and metrics for the PII engine.
//
// It centralises tracer provider setup and offers recording helpers that attach
// detection counts and categories to spans and meters. Matched values never reach
// telemetry; only counts, categories and outcomes do.
package telemetry
