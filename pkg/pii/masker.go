package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Masker rewrites detected spans according to a Config's resolved strategies. It is safe
// for concurrent use.
type Masker struct {
	cfg      *Config
	newToken func() string
}

// NewMasker returns a Masker for cfg.
func NewMasker(cfg *Config) *Masker {
	return &Masker{cfg: cfg, newToken: uuid.NewString}
}

// Mask splices text around dets. The detections may arrive in any order but must lie inside
// text, match it, and not overlap.
func (m *Masker) Mask(text string, dets []Detection) (string, error) {
	if len(dets) == 0 {
		return text, nil
	}
	ordered, err := m.checkDetections(text, dets)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for i, det := range ordered {
		strategy, _ := m.cfg.EffectiveStrategy(det.Category)
		if strategy.Kind != Remove {
			b.WriteString(text[last:det.Start])
			m.apply(&b, strategy, det)
			last = det.End
			continue
		}

		limit := len(text)
		if i+1 < len(ordered) {
			limit = ordered[i+1].Start
		}
		left, leftSize := separatorBefore(text, last, det.Start)
		right, rightSize := separatorAfter(text, det.End, limit)
		switch {
		case left && !right:
			b.WriteString(text[last : det.Start-leftSize])
			last = det.End
		case right && !left:
			b.WriteString(text[last:det.Start])
			last = det.End + rightSize
		default:
			b.WriteString(text[last:det.Start])
			last = det.End
		}
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

func (m *Masker) checkDetections(text string, dets []Detection) ([]Detection, error) {
	ordered := append([]Detection(nil), dets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].End < ordered[j].End
	})

	prevEnd := 0
	for i, det := range ordered {
		if det.Start < 0 || det.End > len(text) || det.Start >= det.End {
			return nil, newError(ErrInvalidDetection, "%s span [%d,%d) outside text of length %d", det.Category, det.Start, det.End, len(text))
		}
		if text[det.Start:det.End] != det.Value {
			return nil, newError(ErrInvalidDetection, "%s span [%d,%d) does not match its value", det.Category, det.Start, det.End)
		}
		if i > 0 && det.Start < prevEnd {
			return nil, newError(ErrOverlappingDetections, "%s span [%d,%d) overlaps previous span ending at %d", det.Category, det.Start, det.End, prevEnd)
		}
		if !m.cfg.IsEnabled(det.Category) {
			return nil, newError(ErrUnknownCategory, "%s has no mask strategy", det.Category)
		}
		prevEnd = det.End
	}
	return ordered, nil
}

func (m *Masker) apply(b *strings.Builder, strategy MaskStrategy, det Detection) {
	switch strategy.Kind {
	case PartialMask:
		m.partial(b, det.Value, max(strategy.Prefix, 0), max(strategy.Suffix, 0))
	case Hash:
		mac := hmac.New(sha256.New, m.cfg.salt)
		mac.Write([]byte(det.Value))
		sum := mac.Sum(nil)
		b.WriteString("[HASH:")
		b.WriteString(hex.EncodeToString(sum[:8]))
		b.WriteByte(']')
	case Tokenize:
		b.WriteString("[TOKEN:")
		b.WriteString(m.newToken())
		b.WriteByte(']')
	default:
		b.WriteString(m.cfg.redactionText)
	}
}

// partial keeps prefix leading and suffix trailing runes of value and masks the rest. Values
// with no interior are masked entirely.
func (m *Masker) partial(b *strings.Builder, value string, prefix, suffix int) {
	n := utf8.RuneCountInString(value)
	if n <= prefix+suffix {
		for range n {
			b.WriteRune(m.cfg.maskChar)
		}
		return
	}
	i := 0
	for _, r := range value {
		if i < prefix || i >= n-suffix {
			b.WriteRune(r)
		} else {
			b.WriteRune(m.cfg.maskChar)
		}
		i++
	}
}

func isSeparator(r rune) bool {
	return r == ',' || r == ';' || unicode.IsSpace(r)
}

func separatorBefore(text string, floor, pos int) (bool, int) {
	if pos <= floor {
		return false, 0
	}
	r, size := utf8.DecodeLastRuneInString(text[floor:pos])
	return isSeparator(r), size
}

func separatorAfter(text string, pos, limit int) (bool, int) {
	if pos >= limit {
		return false, 0
	}
	r, size := utf8.DecodeRuneInString(text[pos:limit])
	return isSeparator(r), size
}

// MaskDocument returns a copy of doc with every string leaf masked by the detections whose
// Path names it. Structure and non-string leaves are preserved. YAML aliases are expanded
// in the copy so that each occurrence carries its own masking.
func (m *Masker) MaskDocument(doc any, dets []Detection) (any, error) {
	byPath := make(map[string][]Detection)
	for _, det := range dets {
		byPath[det.Path] = append(byPath[det.Path], det)
	}
	rb := &docRebuilder{
		masker:    m,
		byPath:    byPath,
		used:      make(map[string]bool, len(byPath)),
		ancestors: make(map[nodeID]struct{}),
	}
	out, err := rb.rebuild(doc, "")
	if err != nil {
		return nil, err
	}
	for path := range byPath {
		if !rb.used[path] {
			return nil, newError(ErrInvalidDetection, "no string leaf at path %s", displayPath(path))
		}
	}
	return out, nil
}

type docRebuilder struct {
	masker    *Masker
	byPath    map[string][]Detection
	used      map[string]bool
	ancestors map[nodeID]struct{}
}

func (rb *docRebuilder) enter(id nodeID) (func(), error) {
	w := docWalker{ancestors: rb.ancestors}
	return w.enter(id)
}

func (rb *docRebuilder) maskLeaf(path, s string) (string, error) {
	dets, ok := rb.byPath[path]
	if !ok {
		return s, nil
	}
	rb.used[path] = true
	return rb.masker.Mask(s, dets)
}

func (rb *docRebuilder) rebuild(node any, path string) (any, error) {
	switch v := node.(type) {
	case string:
		return rb.maskLeaf(path, v)
	case map[string]any:
		if len(v) == 0 {
			return v, nil
		}
		leave, err := rb.enter(mapID(v))
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make(map[string]any, len(v))
		for _, key := range sortedKeys(v) {
			child, err := rb.rebuild(v[key], joinKey(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = child
		}
		return out, nil
	case []any:
		if len(v) == 0 {
			return v, nil
		}
		leave, err := rb.enter(sliceID(v))
		if err != nil {
			return nil, err
		}
		defer leave()
		out := make([]any, len(v))
		for i, item := range v {
			child, err := rb.rebuild(item, joinIndex(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = child
		}
		return out, nil
	case *yaml.Node:
		return rb.rebuildYAML(v, path)
	default:
		if isScalar(node) {
			return node, nil
		}
		return nil, newError(ErrUnsupportedNode, "%s: %T", displayPath(path), node)
	}
}

func (rb *docRebuilder) rebuildYAML(n *yaml.Node, path string) (*yaml.Node, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind == yaml.ScalarNode {
		out := *n
		if n.ShortTag() == "!!str" {
			masked, err := rb.maskLeaf(path, n.Value)
			if err != nil {
				return nil, err
			}
			out.Value = masked
		}
		return &out, nil
	}

	leave, err := rb.enter(yamlID(n))
	if err != nil {
		return nil, err
	}
	defer leave()

	switch n.Kind {
	case yaml.AliasNode:
		target, err := rb.rebuildYAML(n.Alias, path)
		if err != nil || target == nil {
			return target, err
		}
		target.Anchor = ""
		return target, nil
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode:
	default:
		return nil, newError(ErrUnsupportedNode, "%s: yaml node kind %d", displayPath(path), n.Kind)
	}

	out := *n
	out.Content = make([]*yaml.Node, len(n.Content))
	for i, child := range n.Content {
		childPath := path
		switch n.Kind {
		case yaml.SequenceNode:
			childPath = joinIndex(path, i)
		case yaml.MappingNode:
			if i%2 == 0 {
				key := *child
				out.Content[i] = &key
				continue
			}
			childPath = joinKey(path, n.Content[i-1].Value)
		}
		rebuilt, err := rb.rebuildYAML(child, childPath)
		if err != nil {
			return nil, err
		}
		out.Content[i] = rebuilt
	}
	return &out, nil
}
