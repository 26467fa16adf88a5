package pii

import (
	"crypto/rand"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Default placeholder and mask character.
const (
	DefaultRedactionText = "[REDACTED]"
	DefaultMaskChar      = '*'
)

// CustomPattern is a caller-supplied rule registered as category "custom:<Name>".
type CustomPattern struct {
	Name       string
	Expression string
	// Strategy is an explicit override for this category; the zero value defers to the
	// configured default.
	Strategy    MaskStrategy
	Priority    int
	Description string
}

// PartialSpec overrides how many leading and trailing characters PartialMask reveals.
type PartialSpec struct {
	Prefix int
	Suffix int
}

// Options is the unvalidated input to Build.
type Options struct {
	// Enabled toggles categories explicitly. Categories not listed use the rule's
	// EnabledByDefault; custom patterns are enabled unless turned off here.
	Enabled map[Category]bool
	// Strategies overrides the mask strategy per category.
	Strategies map[Category]MaskStrategy
	// DefaultStrategy applies to enabled categories without an override. When nil each
	// rule's own DefaultStrategy is used.
	DefaultStrategy   *MaskStrategy
	Partials          map[Category]PartialSpec
	MinimumConfidence float64
	CustomPatterns    []CustomPattern
	RedactionText     string
	MaskChar          string
	// HashSalt keys the Hash strategy. Leave empty to get a random salt per Config, which
	// makes digests unstable across restarts.
	HashSalt string
}

// Config is a validated, immutable masking policy.
type Config struct {
	registry      *Registry
	rules         []PatternRule
	strategies    map[Category]MaskStrategy
	minConfidence float64
	redactionText string
	maskChar      rune
	salt          []byte
}

// Build validates opts against the builtin registry.
func Build(opts Options) (*Config, error) {
	return BuildWithRegistry(BuiltinRegistry(), opts)
}

// BuildWithRegistry validates opts against base. Custom patterns go into a private overlay,
// base is never modified. All violations are reported together.
func BuildWithRegistry(base *Registry, opts Options) (*Config, error) {
	if base == nil {
		base = BuiltinRegistry()
	}
	registry := base.Overlay()
	var violations []string

	for i, custom := range opts.CustomPatterns {
		name := strings.TrimSpace(custom.Name)
		if name == "" {
			violations = append(violations, fmt.Sprintf("custom_patterns[%d]: name is required", i))
			continue
		}
		expr, err := regexp.Compile(custom.Expression)
		if err != nil {
			violations = append(violations, fmt.Sprintf("custom_patterns[%d] (%s): invalid expression: %v", i, name, err))
			continue
		}
		if expr.MatchString("") {
			violations = append(violations, fmt.Sprintf("custom_patterns[%d] (%s): expression matches the empty string", i, name))
			continue
		}
		if custom.Strategy.Kind != 0 && !custom.Strategy.Valid() {
			violations = append(violations, fmt.Sprintf("custom_patterns[%d] (%s): invalid mask strategy", i, name))
		}
		priority := custom.Priority
		if priority == 0 {
			priority = customPriority
		}
		err = registry.Register(PatternRule{
			Category:         CustomCategory(name),
			Expression:       custom.Expression,
			DefaultStrategy:  StrategyRedact,
			Priority:         priority,
			EnabledByDefault: true,
			Description:      custom.Description,
		})
		if err != nil {
			violations = append(violations, fmt.Sprintf("custom_patterns[%d]: %v", i, err))
		}
	}

	if math.IsNaN(opts.MinimumConfidence) || opts.MinimumConfidence < 0 || opts.MinimumConfidence > 1 {
		violations = append(violations, fmt.Sprintf("minimum_confidence %v outside [0,1]", opts.MinimumConfidence))
	}

	for category := range opts.Enabled {
		if !registry.Has(category) {
			violations = append(violations, fmt.Sprintf("enable: unknown category %q", category))
		}
	}
	for category, strategy := range opts.Strategies {
		if !registry.Has(category) {
			violations = append(violations, fmt.Sprintf("mask_strategy: unknown category %q", category))
		}
		if !strategy.Valid() {
			violations = append(violations, fmt.Sprintf("mask_strategy for %q: unsupported strategy %s", category, strategy))
		}
	}
	for category, spec := range opts.Partials {
		if !registry.Has(category) {
			violations = append(violations, fmt.Sprintf("partial: unknown category %q", category))
		}
		if spec.Prefix < 0 || spec.Suffix < 0 {
			violations = append(violations, fmt.Sprintf("partial for %q: prefix and suffix must be non-negative", category))
		}
	}
	if opts.DefaultStrategy != nil && !opts.DefaultStrategy.Valid() {
		violations = append(violations, fmt.Sprintf("default_mask_strategy: unsupported strategy %s", *opts.DefaultStrategy))
	}

	maskChar := DefaultMaskChar
	if opts.MaskChar != "" {
		if utf8.RuneCountInString(opts.MaskChar) != 1 {
			violations = append(violations, fmt.Sprintf("mask_char %q must be a single character", opts.MaskChar))
		} else {
			maskChar, _ = utf8.DecodeRuneInString(opts.MaskChar)
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		return nil, &Error{
			Kind:       ErrInvalidConfiguration,
			Message:    fmt.Sprintf("%d violation(s)", len(violations)),
			Violations: violations,
		}
	}

	cfg := &Config{
		registry:      registry,
		strategies:    make(map[Category]MaskStrategy),
		minConfidence: opts.MinimumConfidence,
		redactionText: opts.RedactionText,
		maskChar:      maskChar,
	}
	if cfg.redactionText == "" {
		cfg.redactionText = DefaultRedactionText
	}

	explicit := make(map[Category]MaskStrategy, len(opts.Strategies))
	for category, strategy := range opts.Strategies {
		explicit[category] = strategy
	}
	for _, custom := range opts.CustomPatterns {
		category := CustomCategory(custom.Name)
		if _, ok := explicit[category]; !ok && custom.Strategy.Kind != 0 {
			explicit[category] = custom.Strategy
		}
	}

	for _, rule := range registry.Rules() {
		enabled := rule.EnabledByDefault
		if v, ok := opts.Enabled[rule.Category]; ok {
			enabled = v
		}
		if !enabled {
			continue
		}
		cfg.rules = append(cfg.rules, rule)

		strategy, ok := explicit[rule.Category]
		if !ok {
			if opts.DefaultStrategy != nil {
				strategy = *opts.DefaultStrategy
			} else {
				strategy = rule.DefaultStrategy
			}
		}
		if strategy.Kind == PartialMask {
			strategy = resolvePartial(strategy, rule, opts.Partials)
		}
		cfg.strategies[rule.Category] = strategy
	}

	if opts.HashSalt != "" {
		cfg.salt = []byte(opts.HashSalt)
	} else {
		cfg.salt = make([]byte, 32)
		if _, err := rand.Read(cfg.salt); err != nil {
			return nil, fmt.Errorf("pii: generate hash salt: %w", err)
		}
	}

	return cfg, nil
}

func resolvePartial(strategy MaskStrategy, rule PatternRule, overrides map[Category]PartialSpec) MaskStrategy {
	prefix, suffix := rule.PartialPrefix, rule.PartialSuffix
	if spec, ok := overrides[rule.Category]; ok {
		prefix, suffix = spec.Prefix, spec.Suffix
	}
	if strategy.Prefix >= 0 {
		prefix = strategy.Prefix
	}
	if strategy.Suffix >= 0 {
		suffix = strategy.Suffix
	}
	return Partial(prefix, suffix)
}

// EffectiveStrategy returns the strategy resolved for an enabled category.
func (c *Config) EffectiveStrategy(category Category) (MaskStrategy, error) {
	strategy, ok := c.strategies[category]
	if !ok {
		return MaskStrategy{}, newError(ErrUnknownCategory, "%s is not enabled", category)
	}
	return strategy, nil
}

// Enabled lists the enabled categories, highest priority first.
func (c *Config) Enabled() []Category {
	categories := make([]Category, 0, len(c.rules))
	for _, rule := range c.rules {
		categories = append(categories, rule.Category)
	}
	return categories
}

// IsEnabled reports whether category participates in detection.
func (c *Config) IsEnabled(category Category) bool {
	_, ok := c.strategies[category]
	return ok
}

// MinimumConfidence is the threshold below which detections are dropped.
func (c *Config) MinimumConfidence() float64 {
	return c.minConfidence
}

// Registry exposes the session registry (builtins plus this Config's custom rules).
func (c *Config) Registry() *Registry {
	return c.registry
}
