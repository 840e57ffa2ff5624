// Package translator merges form entities into persisted catalog entities
// and assembles the merged entities into a descriptor file.
package translator

import (
	"github.com/dnswlt/catalog-creator/internal/api"
)

// specField is a spec key resolved from the form.
// Exactly one of scalar and list is set.
type specField struct {
	key    string
	scalar func(f *api.FormEntity) string
	list   func(f *api.FormEntity) []string
}

// Fields merged for every kind, in the order new keys are appended.
var baseFields = []specField{
	{key: api.SpecOwner, scalar: func(f *api.FormEntity) string { return f.Owner }},
	{key: api.SpecLifecycle, scalar: func(f *api.FormEntity) string { return f.Lifecycle }},
	{key: api.SpecType, scalar: func(f *api.FormEntity) string { return f.EntityType }},
	{key: api.SpecSystem, scalar: func(f *api.FormEntity) string { return f.System }},
	{key: api.SpecDomain, scalar: func(f *api.FormEntity) string { return f.Domain }},
}

// Additional fields per kind. Kinds without an entry only get baseFields.
var kindFields = map[string][]specField{
	api.KindComponent: {
		{key: api.SpecProvidesAPIs, list: func(f *api.FormEntity) []string { return f.ProvidesAPIs }},
		{key: api.SpecConsumesAPIs, list: func(f *api.FormEntity) []string { return f.ConsumesAPIs }},
		{key: api.SpecDependsOn, list: func(f *api.FormEntity) []string { return f.DependsOn }},
	},
	api.KindAPI: {
		{key: api.SpecDefinition, scalar: func(f *api.FormEntity) string { return f.Definition }},
	},
}

// FieldsForKind returns the spec keys the merge resolves for the given kind.
func FieldsForKind(kind string) []string {
	var keys []string
	for _, f := range fieldsFor(kind) {
		keys = append(keys, f.key)
	}
	return keys
}

func fieldsFor(kind string) []specField {
	extra := kindFields[kind]
	fields := make([]specField, 0, len(baseFields)+len(extra))
	fields = append(fields, baseFields...)
	return append(fields, extra...)
}

// Merge returns a new record with the submitted form values applied to
// persisted. A nil persisted record is treated as api.NewEmptyRecord().
//
// For every field the form knows about, a non-empty submitted value wins;
// otherwise a non-empty persisted value is kept; otherwise the field is
// removed so that no empty values are written. All other keys of persisted
// are carried over unchanged, in their original order.
func Merge(persisted *api.EntityRecord, submitted *api.FormEntity) *api.EntityRecord {
	if persisted == nil {
		persisted = api.NewEmptyRecord()
	}
	if submitted == nil {
		submitted = &api.FormEntity{}
	}
	merged := persisted.Clone()

	kind := firstNonEmpty(submitted.Kind, persisted.Kind())
	merged.SetKind(kind)
	merged.SetName(firstNonEmpty(submitted.Name, persisted.Name()))

	for _, f := range fieldsFor(kind) {
		f.apply(merged, submitted)
	}
	return merged
}

func (f specField) apply(r *api.EntityRecord, submitted *api.FormEntity) {
	if f.list != nil {
		if values := f.list(submitted); len(values) > 0 {
			r.SetSpecStrings(f.key, values)
			return
		}
	} else if value := f.scalar(submitted); value != "" {
		r.SetSpecString(f.key, value)
		return
	}
	if api.IsEmptyValue(r.SpecValue(f.key)) {
		r.DeleteSpec(f.key)
	}
}

// Translate merges submitted into persisted and serializes the result
// as a single YAML document.
func Translate(persisted *api.EntityRecord, submitted *api.FormEntity) (string, error) {
	return Merge(persisted, submitted).Encode()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
