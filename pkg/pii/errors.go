package pii

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds surfaced by the engine. Every *Error unwraps to exactly one of them.
var (
	ErrInvalidConfiguration  = errors.New("pii: invalid configuration")
	ErrUnknownCategory       = errors.New("pii: unknown category")
	ErrDuplicateCategory     = errors.New("pii: duplicate category")
	ErrOverlappingDetections = errors.New("pii: overlapping detections")
	ErrCyclicDocument        = errors.New("pii: cyclic document")
	ErrInvalidDetection      = errors.New("pii: invalid detection")
	ErrUnsupportedNode       = errors.New("pii: unsupported document node")

	// Stream limits.
	ErrMaxReadExceeded     = errors.New("pii: stream read limit exceeded")
	ErrMaxFindingsExceeded = errors.New("pii: stream findings limit exceeded")
)

var errorCodes = map[error]string{
	ErrInvalidConfiguration:  "INVALID_CONFIGURATION",
	ErrUnknownCategory:       "UNKNOWN_CATEGORY",
	ErrDuplicateCategory:     "DUPLICATE_CATEGORY",
	ErrOverlappingDetections: "OVERLAPPING_DETECTIONS",
	ErrCyclicDocument:        "CYCLIC_DOCUMENT",
	ErrInvalidDetection:      "INVALID_DETECTION",
	ErrUnsupportedNode:       "UNSUPPORTED_NODE",
	ErrMaxReadExceeded:       "MAX_READ_EXCEEDED",
	ErrMaxFindingsExceeded:   "MAX_FINDINGS_EXCEEDED",
}

// Error carries an error kind together with a human-readable message. Configuration
// failures also list every violation found during validation.
type Error struct {
	Kind       error
	Message    string
	Violations []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Violations) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Violations, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// Code returns the stable machine-readable code of the error kind.
func (e *Error) Code() string {
	return errorCodes[e.Kind]
}

// ErrorCode resolves the machine-readable code for any error produced by this package.
// Errors from elsewhere map to "INTERNAL".
func ErrorCode(err error) string {
	for kind, code := range errorCodes {
		if errors.Is(err, kind) {
			return code
		}
	}
	return "INTERNAL"
}

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
