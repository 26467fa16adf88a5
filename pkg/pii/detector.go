package pii

import (
	"sort"
)

// Detection is one PII occurrence. Value is a substring of the scanned text and shares its
// memory; Start and End are byte offsets.
type Detection struct {
	Category   Category `json:"category"`
	Start      int      `json:"start"`
	End        int      `json:"end"`
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Path       string   `json:"path,omitempty"`
}

// Detector scans text with the rules enabled in a Config. It holds no mutable state and is
// safe for concurrent use.
type Detector struct {
	cfg     *Config
	matcher *matcher
}

// Compile builds the combined matcher for cfg. It is the expensive step and should run once
// per Config.
func Compile(cfg *Config) (*Detector, error) {
	if cfg == nil {
		return nil, newError(ErrInvalidConfiguration, "nil config")
	}
	m, err := newMatcher(cfg.rules)
	if err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg, matcher: m}, nil
}

// Config returns the configuration the detector was compiled from.
func (d *Detector) Config() *Config {
	return d.cfg
}

// Detect returns the non-overlapping detections in text ordered by start, then end.
func (d *Detector) Detect(text string) []Detection {
	candidates := d.matcher.scan(text)
	if len(candidates) == 0 {
		return nil
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		rule := d.matcher.rules[c.rule]
		confidence := 1.0
		if rule.Validator != nil {
			var ok bool
			confidence, ok = safeValidate(rule.Validator, text[c.start:c.end])
			if !ok {
				continue
			}
		}
		scored = append(scored, scoredCandidate{candidate: c, priority: rule.Priority, confidence: confidence})
	}

	kept := resolveOverlaps(scored)

	detections := make([]Detection, 0, len(kept))
	for _, c := range kept {
		if c.confidence < d.cfg.minConfidence {
			continue
		}
		detections = append(detections, Detection{
			Category:   d.matcher.rules[c.rule].Category,
			Start:      c.start,
			End:        c.end,
			Value:      text[c.start:c.end],
			Confidence: c.confidence,
		})
	}
	if len(detections) == 0 {
		return nil
	}
	return detections
}

type scoredCandidate struct {
	candidate
	priority   int
	confidence float64
}

// resolveOverlaps keeps one candidate per group of overlapping spans: higher priority, then
// the longer span, then the earlier start. The result is ordered by start, then end.
func resolveOverlaps(candidates []scoredCandidate) []scoredCandidate {
	ranked := append([]scoredCandidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if la, lb := a.end-a.start, b.end-b.start; la != lb {
			return la > lb
		}
		if a.start != b.start {
			return a.start < b.start
		}
		return a.end < b.end
	})

	// kept stays sorted by start; accepted spans never overlap, so only the neighbours of
	// the insertion point need checking.
	kept := make([]scoredCandidate, 0, len(ranked))
	for _, c := range ranked {
		i := sort.Search(len(kept), func(k int) bool { return kept[k].start >= c.start })
		if i > 0 && kept[i-1].end > c.start {
			continue
		}
		if i < len(kept) && kept[i].start < c.end {
			continue
		}
		kept = append(kept, scoredCandidate{})
		copy(kept[i+1:], kept[i:])
		kept[i] = c
	}
	return kept
}
