package api

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"k8s.io/apimachinery/pkg/api/validate/content"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

var (
	// Kinds that can be created or edited through the form.
	AllowedKinds = []string{KindComponent, KindAPI, KindTemplate, KindSystem, KindDomain, KindResource}
	// Lifecycle stages that can be selected in the form.
	AllowedLifecycles = []string{LifecycleDevelopment, LifecycleProduction, LifecycleDeprecated}

	allowedKinds      = sets.New(AllowedKinds...)
	allowedLifecycles = sets.New(AllowedLifecycles...)
)

// FormEntity is one entity as submitted by the catalog creator form.
type FormEntity struct {
	// ID correlates the form entity with the persisted entity at the same
	// index of the fetched descriptor. IDs without a persisted counterpart
	// denote new entities.
	ID         int    `json:"id"`
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	Lifecycle  string `json:"lifecycle"`
	EntityType string `json:"entityType"`
	System     string `json:"system,omitempty"`
	Domain     string `json:"domain,omitempty"`

	// Component only.
	ProvidesAPIs []string `json:"providesApis,omitempty"`
	ConsumesAPIs []string `json:"consumesApis,omitempty"`
	DependsOn    []string `json:"dependsOn,omitempty"`

	// API only: path or URL of the API definition.
	Definition string `json:"definition,omitempty"`
}

// Validate checks the form entity against the form's field rules.
// The merge engine does not depend on these checks; they guard the
// HTTP boundary.
func (f *FormEntity) Validate(fldPath *field.Path) field.ErrorList {
	var errs field.ErrorList

	if f.Kind == "" {
		errs = append(errs, field.Required(fldPath.Child("kind"), "select a kind"))
	} else if !allowedKinds.Has(f.Kind) {
		errs = append(errs, field.NotSupported(fldPath.Child("kind"), f.Kind, AllowedKinds))
	}
	if f.Lifecycle == "" {
		errs = append(errs, field.Required(fldPath.Child("lifecycle"), "select a lifecycle"))
	} else if !allowedLifecycles.Has(f.Lifecycle) {
		errs = append(errs, field.NotSupported(fldPath.Child("lifecycle"), f.Lifecycle, AllowedLifecycles))
	}

	errs = append(errs, validateToken(fldPath.Child("name"), f.Name, true)...)
	if f.Name != "" {
		// Backstage object names: [a-zA-Z0-9] separated by [-_.], at most 63 characters.
		for _, msg := range content.IsLabelValue(f.Name) {
			errs = append(errs, field.Invalid(fldPath.Child("name"), f.Name, msg))
		}
	}
	errs = append(errs, validateToken(fldPath.Child("owner"), f.Owner, true)...)
	errs = append(errs, validateToken(fldPath.Child("entityType"), f.EntityType, true)...)
	errs = append(errs, validateToken(fldPath.Child("system"), f.System, false)...)
	errs = append(errs, validateToken(fldPath.Child("domain"), f.Domain, false)...)

	refLists := []struct {
		name   string
		values []string
	}{
		{"providesApis", f.ProvidesAPIs},
		{"consumesApis", f.ConsumesAPIs},
		{"dependsOn", f.DependsOn},
	}
	for _, l := range refLists {
		if len(l.values) > 0 && f.Kind != KindComponent {
			errs = append(errs, field.Forbidden(fldPath.Child(l.name), "only allowed for kind Component"))
			continue
		}
		for i, v := range l.values {
			errs = append(errs, validateToken(fldPath.Child(l.name).Index(i), v, true)...)
		}
	}
	if f.Definition != "" {
		if f.Kind != KindAPI {
			errs = append(errs, field.Forbidden(fldPath.Child("definition"), "only allowed for kind API"))
		} else if strings.IndexFunc(f.Definition, unicode.IsSpace) >= 0 {
			errs = append(errs, field.Invalid(fldPath.Child("definition"), f.Definition, "must not contain whitespace"))
		}
	}

	return errs
}

// validateToken checks a single-token field: no whitespace, and no
// punctuation at either end.
func validateToken(fldPath *field.Path, value string, required bool) field.ErrorList {
	if value == "" {
		if required {
			return field.ErrorList{field.Required(fldPath, "")}
		}
		return nil
	}
	var errs field.ErrorList
	if strings.IndexFunc(value, unicode.IsSpace) >= 0 {
		errs = append(errs, field.Invalid(fldPath, value, "must not contain whitespace"))
	}
	first, _ := utf8.DecodeRuneInString(value)
	last, _ := utf8.DecodeLastRuneInString(value)
	if unicode.IsPunct(first) || unicode.IsPunct(last) {
		errs = append(errs, field.Invalid(fldPath, value, "must not start or end with punctuation"))
	}
	return errs
}
