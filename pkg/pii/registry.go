package pii

import (
	"sort"
	"strings"
	"sync"
)

// PatternRule declares how one category is recognised and masked by default.
type PatternRule struct {
	Category   Category
	Expression string
	// Validator is optional; without one every match has confidence 1.0.
	Validator       Validator
	DefaultStrategy MaskStrategy
	// Priority decides overlaps: the higher rank wins.
	Priority int
	// PartialPrefix and PartialSuffix are the characters a PartialMask reveals when
	// the strategy does not say otherwise.
	PartialPrefix    int
	PartialSuffix    int
	EnabledByDefault bool
	Description      string
}

// Registry is a catalog of pattern rules keyed by category. A registry created with
// Overlay resolves misses through its parent but never writes to it.
type Registry struct {
	parent *Registry

	mu    sync.RWMutex
	rules map[Category]PatternRule
	order []Category
}

// NewRegistry constructs an empty Registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[Category]PatternRule)}
}

// Overlay returns an empty child registry layered over r.
func (r *Registry) Overlay() *Registry {
	child := NewRegistry()
	child.parent = r
	return child
}

// Register adds a rule. It fails with ErrDuplicateCategory when the category is already
// known to this registry or any parent.
func (r *Registry) Register(rule PatternRule) error {
	rule.Category = Category(strings.TrimSpace(string(rule.Category)))
	if rule.Category == "" {
		return newError(ErrInvalidConfiguration, "rule category is required")
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return newError(ErrInvalidConfiguration, "rule %s missing expression", rule.Category)
	}
	if rule.DefaultStrategy.Kind == 0 {
		rule.DefaultStrategy = StrategyRedact
	}

	if r.parent != nil {
		if _, err := r.parent.Get(rule.Category); err == nil {
			return newError(ErrDuplicateCategory, "%s", rule.Category)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.Category]; exists {
		return newError(ErrDuplicateCategory, "%s", rule.Category)
	}
	r.rules[rule.Category] = rule
	r.order = append(r.order, rule.Category)
	return nil
}

// RegisterAll inserts multiple rules, stopping at the first failure.
func (r *Registry) RegisterAll(rules []PatternRule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Get resolves a rule by category, consulting parents on a miss.
func (r *Registry) Get(category Category) (PatternRule, error) {
	r.mu.RLock()
	rule, ok := r.rules[category]
	r.mu.RUnlock()
	if ok {
		return rule, nil
	}
	if r.parent != nil {
		return r.parent.Get(category)
	}
	return PatternRule{}, newError(ErrUnknownCategory, "%s", category)
}

// Has reports whether the category resolves in r or a parent.
func (r *Registry) Has(category Category) bool {
	_, err := r.Get(category)
	return err == nil
}

// Rules returns a snapshot of every visible rule, highest priority first. Rules with the
// same priority keep registration order, parent rules before overlay rules.
func (r *Registry) Rules() []PatternRule {
	var result []PatternRule
	if r.parent != nil {
		result = r.parent.Rules()
	}

	r.mu.RLock()
	for _, category := range r.order {
		result = append(result, r.rules[category])
	}
	r.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})
	return result
}

var (
	builtinRegistry     *Registry
	builtinRegistryOnce sync.Once
)

// BuiltinRegistry returns the process-wide registry of builtin rules. It is populated once
// and must be treated as read-only; add custom rules to an Overlay instead.
func BuiltinRegistry() *Registry {
	builtinRegistryOnce.Do(func() {
		builtinRegistry = NewRegistry()
		_ = builtinRegistry.RegisterAll(builtinRules())
	})
	return builtinRegistry
}
