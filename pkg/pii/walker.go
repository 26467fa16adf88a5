package pii

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DetectDocument scans every string leaf of doc and tags each detection with the leaf's path.
//
// Supported nodes are map[string]any (keys in lexicographic order), []any (index order),
// string, *yaml.Node (mapping keys in source order, aliases followed) and the non-string
// scalars nil, bool, numbers and json.Number, which are skipped. Any other type fails with
// ErrUnsupportedNode; a container reachable from itself fails with ErrCyclicDocument.
func (d *Detector) DetectDocument(doc any) ([]Detection, error) {
	var detections []Detection
	w := newDocWalker(func(path, s string) error {
		for _, det := range d.Detect(s) {
			det.Path = path
			detections = append(detections, det)
		}
		return nil
	})
	if err := w.walk(doc, ""); err != nil {
		return nil, err
	}
	return detections, nil
}

type nodeID struct {
	kind reflect.Kind
	ptr  uintptr
	n    int
}

type docWalker struct {
	visitString func(path, s string) error
	ancestors   map[nodeID]struct{}
}

func newDocWalker(visit func(path, s string) error) *docWalker {
	return &docWalker{visitString: visit, ancestors: make(map[nodeID]struct{})}
}

// enter records a container on the ancestor stack; the returned func pops it.
func (w *docWalker) enter(id nodeID) (func(), error) {
	if _, seen := w.ancestors[id]; seen {
		return nil, newError(ErrCyclicDocument, "container revisited while walking its own subtree")
	}
	w.ancestors[id] = struct{}{}
	return func() { delete(w.ancestors, id) }, nil
}

func (w *docWalker) walk(node any, path string) error {
	switch v := node.(type) {
	case string:
		return w.visitString(path, v)
	case map[string]any:
		if len(v) == 0 {
			return nil
		}
		leave, err := w.enter(mapID(v))
		if err != nil {
			return err
		}
		defer leave()
		for _, key := range sortedKeys(v) {
			if err := w.walk(v[key], joinKey(path, key)); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if len(v) == 0 {
			return nil
		}
		leave, err := w.enter(sliceID(v))
		if err != nil {
			return err
		}
		defer leave()
		for i, item := range v {
			if err := w.walk(item, joinIndex(path, i)); err != nil {
				return err
			}
		}
		return nil
	case *yaml.Node:
		return w.walkYAML(v, path)
	default:
		if isScalar(node) {
			return nil
		}
		return newError(ErrUnsupportedNode, "%s: %T", displayPath(path), node)
	}
}

func (w *docWalker) walkYAML(n *yaml.Node, path string) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" {
			return w.visitString(path, n.Value)
		}
		return nil
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode, yaml.AliasNode:
	default:
		return newError(ErrUnsupportedNode, "%s: yaml node kind %d", displayPath(path), n.Kind)
	}

	leave, err := w.enter(yamlID(n))
	if err != nil {
		return err
	}
	defer leave()

	switch n.Kind {
	case yaml.AliasNode:
		return w.walkYAML(n.Alias, path)
	case yaml.DocumentNode:
		for _, child := range n.Content {
			if err := w.walkYAML(child, path); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, child := range n.Content {
			if err := w.walkYAML(child, joinIndex(path, i)); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if err := w.walkYAML(n.Content[i+1], joinKey(path, n.Content[i].Value)); err != nil {
				return err
			}
		}
	}
	return nil
}

func mapID(m map[string]any) nodeID {
	return nodeID{kind: reflect.Map, ptr: reflect.ValueOf(m).Pointer()}
}

func sliceID(s []any) nodeID {
	return nodeID{kind: reflect.Slice, ptr: reflect.ValueOf(s).Pointer(), n: len(s)}
}

func yamlID(n *yaml.Node) nodeID {
	return nodeID{kind: reflect.Pointer, ptr: reflect.ValueOf(n).Pointer()}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isScalar(node any) bool {
	switch node.(type) {
	case nil, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// joinKey appends an object key to a structural path: user.contact.email, or ["a.b"] when
// the key is not a plain identifier.
func joinKey(path, key string) string {
	if !plainKey(key) {
		return path + "[" + strconv.Quote(key) + "]"
	}
	if path == "" {
		return key
	}
	return path + "." + key
}

func joinIndex(path string, i int) string {
	return path + "[" + strconv.Itoa(i) + "]"
}

func plainKey(key string) bool {
	if key == "" {
		return false
	}
	return !strings.ContainsAny(key, ".[]\"' \t\r\n")
}

func displayPath(path string) string {
	if path == "" {
		return "<root>"
	}
	return path
}
