// This file contains the API classes that describe catalog entities as they
// are read from and written to catalog-info.yaml descriptor files.
// The format is backstage.io's descriptor format:
// https://backstage.io/docs/features/software-catalog/descriptor-format#contents
package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	// APIVersion is the apiVersion of entities created from scratch.
	APIVersion = "backstage.io/v1alpha1"

	// YAMLIndent is the indentation used when encoding descriptor files.
	YAMLIndent = 2
)

// Entity kinds, as used in YAML (e.g, "kind: Component").
const (
	KindComponent = "Component"
	KindAPI       = "API"
	KindTemplate  = "Template"
	KindSystem    = "System"
	KindDomain    = "Domain"
	KindResource  = "Resource"
)

// Lifecycle stages accepted from the form.
const (
	LifecycleDevelopment = "development"
	LifecycleProduction  = "production"
	LifecycleDeprecated  = "deprecated"
)

// Well-known top-level, metadata and spec keys.
const (
	KeyAPIVersion = "apiVersion"
	KeyKind       = "kind"
	KeyMetadata   = "metadata"
	KeySpec       = "spec"
	KeyName       = "name"

	SpecOwner          = "owner"
	SpecLifecycle      = "lifecycle"
	SpecType           = "type"
	SpecSystem         = "system"
	SpecDomain         = "domain"
	SpecProvidesAPIs   = "providesApis"
	SpecConsumesAPIs   = "consumesApis"
	SpecDependsOn      = "dependsOn"
	SpecImplementsAPIs = "implementsApis"
	SpecDefinition     = "definition"
	SpecTarget         = "target"
)

// EntityRecord is a single entity document of a descriptor file.
//
// The record is backed by the YAML mapping node it was parsed from, so key
// order, comments and fields unknown to this package survive a round trip.
// Records are treated as immutable values: code that wants to change a
// record works on a Clone.
type EntityRecord struct {
	node *yaml.Node // always a MappingNode
}

// NewEmptyRecord returns the template used when no persisted entity exists:
// apiVersion set, empty kind and name, and an empty spec.
func NewEmptyRecord() *EntityRecord {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setScalar(root, KeyAPIVersion, APIVersion)
	setScalar(root, KeyKind, "")
	metadata := ensureMapping(root, KeyMetadata)
	setScalar(metadata, KeyName, "")
	ensureMapping(root, KeySpec)
	return &EntityRecord{node: root}
}

// NewEntityRecord wraps the given mapping node. The node is not copied.
func NewEntityRecord(node *yaml.Node) (*EntityRecord, error) {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a YAML mapping, got %s", nodeKindString(node))
	}
	return &EntityRecord{node: node}, nil
}

// Node returns the mapping node backing the record.
// Callers must not modify it unless they own the record (see Clone).
func (r *EntityRecord) Node() *yaml.Node {
	return r.node
}

// Clone returns a deep copy of the record.
func (r *EntityRecord) Clone() *EntityRecord {
	return &EntityRecord{node: copyNode(r.node)}
}

func (r *EntityRecord) APIVersion() string {
	return scalarValue(lookup(r.node, KeyAPIVersion))
}

func (r *EntityRecord) Kind() string {
	return scalarValue(lookup(r.node, KeyKind))
}

func (r *EntityRecord) Name() string {
	return scalarValue(lookup(r.Metadata(), KeyName))
}

// Metadata returns the metadata mapping, or nil if the record has none.
func (r *EntityRecord) Metadata() *yaml.Node {
	return mappingValue(lookup(r.node, KeyMetadata))
}

// Spec returns the spec mapping, or nil if the record has none.
func (r *EntityRecord) Spec() *yaml.Node {
	return mappingValue(lookup(r.node, KeySpec))
}

// SpecString returns the scalar value of spec.<key>, or "" if it is
// absent or not a scalar.
func (r *EntityRecord) SpecString(key string) string {
	return scalarValue(lookup(r.Spec(), key))
}

// SpecStrings returns the scalar items of the sequence spec.<key>.
func (r *EntityRecord) SpecStrings(key string) []string {
	return sequenceValues(lookup(r.Spec(), key))
}

// HasSpec reports whether spec.<key> is present.
func (r *EntityRecord) HasSpec(key string) bool {
	return lookup(r.Spec(), key) != nil
}

// SetKind sets the top-level kind field. Only for records the caller owns.
func (r *EntityRecord) SetKind(kind string) {
	setScalar(r.node, KeyKind, kind)
}

// SetName sets metadata.name, creating metadata if needed.
func (r *EntityRecord) SetName(name string) {
	setScalar(ensureMapping(r.node, KeyMetadata), KeyName, name)
}

// EnsureAPIVersion inserts apiVersion at the top of the document if it is missing.
func (r *EntityRecord) EnsureAPIVersion() {
	if lookup(r.node, KeyAPIVersion) != nil {
		return
	}
	k, v := stringPair(KeyAPIVersion, APIVersion)
	r.node.Content = append([]*yaml.Node{k, v}, r.node.Content...)
}

// MutableSpec returns the spec mapping, creating it if needed.
func (r *EntityRecord) MutableSpec() *yaml.Node {
	return ensureMapping(r.node, KeySpec)
}

// Encode renders the record as a single YAML document.
func (r *EntityRecord) Encode() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(YAMLIndent)
	if err := enc.Encode(r.node); err != nil {
		return "", fmt.Errorf("failed to encode entity %q: %w", r.Name(), err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to close encoder: %w", err)
	}
	return buf.String(), nil
}

// AsMap decodes the record into plain Go values (maps, slices, scalars).
func (r *EntityRecord) AsMap() (map[string]any, error) {
	m := map[string]any{}
	if err := r.node.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode entity %q: %w", r.Name(), err)
	}
	return m, nil
}

// MarshalJSON encodes the record as a JSON object.
func (r *EntityRecord) MarshalJSON() ([]byte, error) {
	m, err := r.AsMap()
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Severity classifies a Status.
type Severity string

const (
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Status is the result of a fetch or submission, as shown to the user.
type Status struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	// URL of the descriptor (for fetches that found one) or of the
	// created pull request.
	URL string `json:"url,omitempty"`
}

func ErrorStatus(msg string) *Status {
	return &Status{Message: msg, Severity: SeverityError}
}
