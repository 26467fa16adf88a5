package pii

import (
	"fmt"
	"regexp"
	"strings"
)

// matcher holds every enabled rule compiled on its own plus one alternation of all of
// them. The alternation only answers whether anything matches; candidates come from the
// per-rule expressions so that overlapping matches of different rules all surface.
type matcher struct {
	gate  *regexp.Regexp
	res   []*regexp.Regexp
	rules []PatternRule
}

type candidate struct {
	rule  int
	start int
	end   int
}

func newMatcher(rules []PatternRule) (*matcher, error) {
	m := &matcher{rules: rules, res: make([]*regexp.Regexp, len(rules))}
	if len(rules) == 0 {
		return m, nil
	}

	var b strings.Builder
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Expression)
		if err != nil {
			return nil, newError(ErrInvalidConfiguration, "rule %s: %v", rule.Category, err)
		}
		m.res[i] = re
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString("(?:")
		b.WriteString(rule.Expression)
		b.WriteByte(')')
	}

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("pii: compile combined matcher: %w", err)
	}
	m.gate = re
	return m, nil
}

// scan returns every non-empty match of every rule. Matches of different rules may
// overlap; the detector resolves them after validation.
func (m *matcher) scan(text string) []candidate {
	if m.gate == nil || text == "" || !m.gate.MatchString(text) {
		return nil
	}
	var out []candidate
	for i, re := range m.res {
		for _, idx := range re.FindAllStringIndex(text, -1) {
			if idx[0] == idx[1] {
				continue
			}
			out = append(out, candidate{rule: i, start: idx[0], end: idx[1]})
		}
	}
	return out
}
