// Package pii implements rule-based detection and masking of personally identifiable
// information in text and structured documents.
//
// Architecture:
//
// registry.go        - Pattern registry (builtin catalog, session overlays)
// patterns.go        - Builtin rules and their default masking parameters
// validators.go      - Post-match validators (Luhn, SSN ranges, IBAN mod-97, ...)
// config.go          - Validated, immutable masking policy (Build)
// options.go         - Flat option map parsing (ParseOptions)
// matcher.go         - Presence gate plus per-rule candidate scan
// detector.go        - Detect: scan, validate, resolve overlaps, filter
// walker.go          - DetectDocument over map/slice/yaml.Node trees
// masker.go          - Mask and MaskDocument with the five mask strategies
// stream_redactor.go - Chunked io.Reader to io.Writer masking
//
// A Config is built once, compiled into a Detector once, and then shared by any number of
// goroutines calling Detect, DetectDocument, Mask and MaskDocument.
package pii
