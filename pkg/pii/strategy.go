package pii

import (
	"fmt"
	"strings"
)

// StrategyKind enumerates the supported masking transformations.
type StrategyKind int

const (
	// Redact replaces the whole span with a fixed placeholder.
	Redact StrategyKind = iota + 1
	// PartialMask reveals a prefix and suffix and masks the interior.
	PartialMask
	// Hash replaces the span with a salted, deterministic digest.
	Hash
	// Tokenize replaces the span with a fresh opaque identifier.
	Tokenize
	// Remove deletes the span and one dangling separator.
	Remove
)

var strategyNames = map[StrategyKind]string{
	Redact:      "redact",
	PartialMask: "partial",
	Hash:        "hash",
	Tokenize:    "tokenize",
	Remove:      "remove",
}

func (k StrategyKind) String() string {
	if name, ok := strategyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("StrategyKind(%d)", int(k))
}

// MaskStrategy is a closed variant over StrategyKind. Prefix and Suffix only apply to
// PartialMask; a negative value means "use the category default".
type MaskStrategy struct {
	Kind   StrategyKind
	Prefix int
	Suffix int
}

// Valid reports whether the strategy names a known kind.
func (s MaskStrategy) Valid() bool {
	_, ok := strategyNames[s.Kind]
	return ok
}

func (s MaskStrategy) String() string {
	if s.Kind == PartialMask && (s.Prefix >= 0 || s.Suffix >= 0) {
		return fmt.Sprintf("partial(%d,%d)", s.Prefix, s.Suffix)
	}
	return s.Kind.String()
}

// Strategy helpers for the common cases.
var (
	StrategyRedact   = MaskStrategy{Kind: Redact}
	StrategyPartial  = MaskStrategy{Kind: PartialMask, Prefix: -1, Suffix: -1}
	StrategyHash     = MaskStrategy{Kind: Hash}
	StrategyTokenize = MaskStrategy{Kind: Tokenize}
	StrategyRemove   = MaskStrategy{Kind: Remove}
)

// Partial returns a PartialMask strategy revealing prefix leading and suffix trailing characters.
func Partial(prefix, suffix int) MaskStrategy {
	return MaskStrategy{Kind: PartialMask, Prefix: prefix, Suffix: suffix}
}

// ParseStrategy converts a textual strategy name (redact, partial, hash, tokenize, remove).
func ParseStrategy(name string) (MaskStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "redact":
		return StrategyRedact, nil
	case "partial", "partial_mask", "mask":
		return StrategyPartial, nil
	case "hash":
		return StrategyHash, nil
	case "tokenize":
		return StrategyTokenize, nil
	case "remove":
		return StrategyRemove, nil
	default:
		return MaskStrategy{}, fmt.Errorf("unsupported mask strategy %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s MaskStrategy) MarshalText() ([]byte, error) {
	return []byte(s.Kind.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MaskStrategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
