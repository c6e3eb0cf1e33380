package allowlist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// doc is a thin read-only view over a parsed allowlist YAML document,
// used by Load. Unlike saveMerged (which needs the full yaml.Node tree
// to preserve comments on write) a plain map is enough for reading.
type doc struct {
	m map[string]any
}

func decodeDoc(data []byte) (*doc, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return &doc{m: m}, nil
}

// stringList returns the value at key as a []string, or nil if the key
// is absent, null, or not a sequence of strings — "missing is equivalent
// to empty" for every recognized key (spec.md §6).
func (d *doc) stringList(key string) []string {
	v, ok := d.m[key]
	if !ok || v == nil {
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// allowlistKeys is the ordered set of recognized top-level keys, in the
// order they're probed for merge-append. Order here only affects where
// brand-new (previously absent) keys land in the document; existing
// keys keep their file position untouched.
var allowlistKeys = []string{
	"endpoints",
	"entities",
	"devices",
	"areas",
	"allowed_ws_types",
	"allowed_event_types",
	"allowed_services",
}

// saveMerged writes snap to path, merging into whatever document is
// already there so comments, ordering, and quoting survive. Only items
// not already present on disk are appended, and they're appended sorted
// within their key — new growth never reorders what was already saved.
func saveMerged(path string, snap Snapshot) error {
	root, err := loadOrEmptyDoc(path)
	if err != nil {
		return err
	}

	mapNode := root.Content[0]
	if mapNode.Kind != yaml.MappingNode {
		mapNode.Kind = yaml.MappingNode
		mapNode.Tag = "!!map"
		mapNode.Content = nil
	}

	itemsByKey := map[string][]string{
		"endpoints":           snap.Endpoints,
		"entities":            snap.Entities,
		"devices":             snap.Devices,
		"areas":               snap.Areas,
		"allowed_ws_types":    snap.AllowedWSTypes,
		"allowed_event_types": snap.AllowedEventTypes,
		"allowed_services":    snap.AllowedServices,
	}

	for _, key := range allowlistKeys {
		items := itemsByKey[key]
		if len(items) == 0 {
			continue
		}
		mergeKey(mapNode, key, items)
	}

	data, err := marshalDoc(root)
	if err != nil {
		return fmt.Errorf("marshaling allowlist: %w", err)
	}
	return writeAtomic(path, data)
}

func loadOrEmptyDoc(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading allowlist %s: %w", path, err)
		}
		data = nil
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}, nil
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing allowlist %s: %w", path, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return &yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
		}, nil
	}
	return &root, nil
}

// mergeKey appends the subset of items not already present (as literal
// scalars) under key in mapNode, sorted, creating the key if it doesn't
// exist yet.
func mergeKey(mapNode *yaml.Node, key string, items []string) {
	idx, valNode, found := findMappingValue(mapNode, key)

	var existing []string
	if found && valNode.Kind == yaml.SequenceNode {
		for _, c := range valNode.Content {
			existing = append(existing, c.Value)
		}
	}

	var fresh []string
	for _, item := range items {
		if !contains(existing, item) {
			fresh = append(fresh, item)
		}
	}
	if len(fresh) == 0 {
		return
	}
	sort.Strings(fresh)

	switch {
	case found && valNode.Kind == yaml.SequenceNode:
		for _, item := range fresh {
			valNode.Content = append(valNode.Content, scalarNode(item))
		}
	case found:
		// Key existed but wasn't a sequence (e.g. explicit null) —
		// replace the value in place, keeping the key node (and any
		// comments attached to it) untouched.
		mapNode.Content[idx*2+1] = newSequence(fresh)
	default:
		mapNode.Content = append(mapNode.Content, scalarNode(key), newSequence(fresh))
	}
}

func findMappingValue(mapNode *yaml.Node, key string) (pairIndex int, value *yaml.Node, found bool) {
	for i := 0; i+1 < len(mapNode.Content); i += 2 {
		if mapNode.Content[i].Value == key {
			return i / 2, mapNode.Content[i+1], true
		}
	}
	return -1, nil, false
}

func scalarNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func newSequence(items []string) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, item := range items {
		seq.Content = append(seq.Content, scalarNode(item))
	}
	return seq
}

func marshalDoc(root *yaml.Node) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeAtomic writes data to a temp file in the same directory and
// renames it into place, so a concurrent reader sees either the old or
// new bytes, never a partial file (spec.md §5).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".allowlist-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}
