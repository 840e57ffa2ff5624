package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ParseRecords parses a (multi-document) descriptor file into entity records,
// in document order. Blank documents, e.g. a leading "---", are skipped.
func ParseRecords(data []byte) ([]*EntityRecord, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var records []*EntityRecord
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode YAML document #%d: %w", len(records)+1, err)
		}
		// doc.Content will be empty for blank documents (e.g., just "---")
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("document starting at line %d: expected a YAML mapping, got %s", doc.Line, nodeKindString(root))
		}
		records = append(records, &EntityRecord{node: root})
	}
	return records, nil
}

// SpecValue returns the raw value node of spec.<key>, or nil.
func (r *EntityRecord) SpecValue(key string) *yaml.Node {
	return lookup(r.Spec(), key)
}

// SetSpecString sets spec.<key> to a string scalar.
// Existing keys are updated in place, new keys are appended.
func (r *EntityRecord) SetSpecString(key, value string) {
	setScalar(r.MutableSpec(), key, value)
}

// SetSpecStrings sets spec.<key> to a block sequence of strings.
func (r *EntityRecord) SetSpecStrings(key string, values []string) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
	}
	setValue(r.MutableSpec(), key, seq)
}

// DeleteSpec removes spec.<key> if present.
func (r *EntityRecord) DeleteSpec(key string) {
	deleteKey(r.Spec(), key)
}

// IsEmptyValue reports whether n carries no data: nil, a null or
// empty-string scalar, or an empty sequence or mapping.
func IsEmptyValue(n *yaml.Node) bool {
	n = resolveAlias(n)
	if n == nil {
		return true
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value == "" || n.Tag == "!!null"
	case yaml.SequenceNode, yaml.MappingNode:
		return len(n.Content) == 0
	}
	return false
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// lookup returns the value node stored under key in mapping m, or nil.
func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return resolveAlias(m.Content[i+1])
		}
	}
	return nil
}

func mappingValue(n *yaml.Node) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	return n
}

func scalarValue(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return ""
	}
	return n.Value
}

func sequenceValues(n *yaml.Node) []string {
	if n == nil || n.Kind != yaml.SequenceNode {
		return nil
	}
	var values []string
	for _, item := range n.Content {
		if item = resolveAlias(item); item.Kind == yaml.ScalarNode {
			values = append(values, item.Value)
		}
	}
	return values
}

func stringPair(key, value string) (*yaml.Node, *yaml.Node) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// setValue replaces the value stored under key in mapping m, or appends
// key: value if the key does not exist. Comments on the old value are kept.
func setValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			old := m.Content[i+1]
			value.HeadComment = old.HeadComment
			value.LineComment = old.LineComment
			value.FootComment = old.FootComment
			m.Content[i+1] = value
			return
		}
	}
	if len(m.Content) == 0 {
		// "spec: {}" becomes a block mapping once it has content.
		m.Style &^= yaml.FlowStyle
	}
	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
	m.Content = append(m.Content, keyNode, value)
}

func setScalar(m *yaml.Node, key, value string) {
	setValue(m, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}

func deleteKey(m *yaml.Node, key string) {
	if m == nil || m.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content = append(m.Content[:i], m.Content[i+2:]...)
			return
		}
	}
}

// ensureMapping finds the mapping stored under key in m, creating it
// (or replacing a non-mapping value) if needed.
func ensureMapping(m *yaml.Node, key string) *yaml.Node {
	if v := lookup(m, key); v != nil && v.Kind == yaml.MappingNode {
		return v
	}
	v := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setValue(m, key, v)
	return v
}

// copyNode returns a deep copy of the given node.
func copyNode(node *yaml.Node) *yaml.Node {
	if node == nil {
		return nil
	}
	c := *node
	if node.Content != nil {
		c.Content = make([]*yaml.Node, len(node.Content))
		for i, child := range node.Content {
			c.Content[i] = copyNode(child)
		}
	}
	if node.Alias != nil {
		c.Alias = copyNode(node.Alias)
	}
	return &c
}

func nodeKindString(n *yaml.Node) string {
	if n == nil {
		return "nothing"
	}
	switch n.Kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar " + n.Tag
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown node"
}
