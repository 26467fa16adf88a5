// Package governance provides admission controls for the PII HTTP API: token bucket
// rate limits keyed by endpoint and per-request deadlines.
package governance
