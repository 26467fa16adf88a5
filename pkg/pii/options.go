package pii

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Option key prefixes accepted by ParseOptions. The suffix is a category identifier,
// e.g. enable_credit_card or mask_strategy_custom:employee_id.
const (
	keyEnable         = "enable_"
	keyDetect         = "detect_"
	keyMaskStrategy   = "mask_strategy_"
	keyPartialPrefix  = "partial_prefix_"
	keyPartialSuffix  = "partial_suffix_"
	keyDefaultMask    = "default_mask_strategy"
	keyMinConfidence  = "minimum_confidence"
	keyCustomPatterns = "custom_patterns"
	keyRedactionText  = "redaction_text"
	keyMaskChar       = "mask_char"
	keyHashSalt       = "hash_salt"
)

// ParseOptions converts a flat option map, as decoded from JSON or YAML, into Options.
// Shape errors and unrecognized keys are aggregated into a single ErrInvalidConfiguration;
// category and strategy checks that need the registry happen in Build.
func ParseOptions(raw map[string]any) (Options, error) {
	var (
		opts       Options
		violations []string
	)
	fail := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	partials := make(map[Category]PartialSpec)
	partialSet := make(map[Category][2]bool)

	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := raw[key]
		switch {
		case key == keyDefaultMask:
			strategy, err := parseStrategyValue(value)
			if err != nil {
				fail("%s: %v", key, err)
				continue
			}
			opts.DefaultStrategy = &strategy

		case key == keyMinConfidence:
			f, ok := toFloat(value)
			if !ok {
				fail("%s: expected a number, got %T", key, value)
				continue
			}
			opts.MinimumConfidence = f

		case key == keyCustomPatterns:
			patterns, errs := parseCustomPatterns(value)
			violations = append(violations, errs...)
			opts.CustomPatterns = patterns

		case key == keyRedactionText, key == keyMaskChar, key == keyHashSalt:
			s, ok := value.(string)
			if !ok {
				fail("%s: expected a string, got %T", key, value)
				continue
			}
			switch key {
			case keyRedactionText:
				opts.RedactionText = s
			case keyMaskChar:
				opts.MaskChar = s
			default:
				opts.HashSalt = s
			}

		case strings.HasPrefix(key, keyEnable), strings.HasPrefix(key, keyDetect):
			category := categoryFromKey(key, keyEnable, keyDetect)
			b, ok := value.(bool)
			if !ok {
				fail("%s: expected a boolean, got %T", key, value)
				continue
			}
			if opts.Enabled == nil {
				opts.Enabled = make(map[Category]bool)
			}
			opts.Enabled[category] = b

		case strings.HasPrefix(key, keyMaskStrategy):
			category := Category(strings.TrimPrefix(key, keyMaskStrategy))
			strategy, err := parseStrategyValue(value)
			if err != nil {
				fail("%s: %v", key, err)
				continue
			}
			if opts.Strategies == nil {
				opts.Strategies = make(map[Category]MaskStrategy)
			}
			opts.Strategies[category] = strategy

		case strings.HasPrefix(key, keyPartialPrefix), strings.HasPrefix(key, keyPartialSuffix):
			isPrefix := strings.HasPrefix(key, keyPartialPrefix)
			category := categoryFromKey(key, keyPartialPrefix, keyPartialSuffix)
			n, ok := toInt(value)
			if !ok || n < 0 {
				fail("%s: expected a non-negative integer, got %v", key, value)
				continue
			}
			spec := partials[category]
			set := partialSet[category]
			if isPrefix {
				spec.Prefix, set[0] = n, true
			} else {
				spec.Suffix, set[1] = n, true
			}
			partials[category] = spec
			partialSet[category] = set

		default:
			fail("unrecognized option %q", key)
		}
	}

	if len(partials) > 0 {
		// A lone prefix or suffix key keeps the category default for the other side.
		reg := BuiltinRegistry()
		opts.Partials = make(map[Category]PartialSpec, len(partials))
		for category, spec := range partials {
			set := partialSet[category]
			if rule, err := reg.Get(category); err == nil {
				if !set[0] {
					spec.Prefix = rule.PartialPrefix
				}
				if !set[1] {
					spec.Suffix = rule.PartialSuffix
				}
			}
			opts.Partials[category] = spec
		}
	}

	if len(violations) > 0 {
		return Options{}, &Error{
			Kind:       ErrInvalidConfiguration,
			Message:    fmt.Sprintf("%d violation(s)", len(violations)),
			Violations: violations,
		}
	}
	return opts, nil
}

func categoryFromKey(key string, prefixes ...string) Category {
	for _, prefix := range prefixes {
		if strings.HasPrefix(key, prefix) {
			return Category(strings.TrimPrefix(key, prefix))
		}
	}
	return Category(key)
}

func parseStrategyValue(value any) (MaskStrategy, error) {
	s, ok := value.(string)
	if !ok {
		return MaskStrategy{}, fmt.Errorf("expected a strategy name, got %T", value)
	}
	return ParseStrategy(s)
}

func parseCustomPatterns(value any) ([]CustomPattern, []string) {
	items, ok := value.([]any)
	if !ok {
		if value == nil {
			return nil, nil
		}
		return nil, []string{fmt.Sprintf("%s: expected a list, got %T", keyCustomPatterns, value)}
	}

	var (
		patterns   []CustomPattern
		violations []string
	)
	for i, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			violations = append(violations, fmt.Sprintf("%s[%d]: expected an object, got %T", keyCustomPatterns, i, item))
			continue
		}
		var custom CustomPattern
		valid := true
		for field, v := range entry {
			switch field {
			case "name", "expression", "pattern", "description":
				s, ok := v.(string)
				if !ok {
					violations = append(violations, fmt.Sprintf("%s[%d].%s: expected a string, got %T", keyCustomPatterns, i, field, v))
					valid = false
					continue
				}
				switch field {
				case "name":
					custom.Name = s
				case "description":
					custom.Description = s
				default:
					custom.Expression = s
				}
			case "strategy":
				strategy, err := parseStrategyValue(v)
				if err != nil {
					violations = append(violations, fmt.Sprintf("%s[%d].strategy: %v", keyCustomPatterns, i, err))
					valid = false
					continue
				}
				custom.Strategy = strategy
			case "priority":
				n, ok := toInt(v)
				if !ok {
					violations = append(violations, fmt.Sprintf("%s[%d].priority: expected an integer, got %v", keyCustomPatterns, i, v))
					valid = false
					continue
				}
				custom.Priority = n
			default:
				violations = append(violations, fmt.Sprintf("%s[%d]: unrecognized field %q", keyCustomPatterns, i, field))
				valid = false
			}
		}
		if valid {
			patterns = append(patterns, custom)
		}
	}
	sort.Strings(violations)
	return patterns, violations
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
