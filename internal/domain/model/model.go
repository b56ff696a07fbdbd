// Package model identifies indexable entity types and their documents.
package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain"
)

// Reserved document field names.
const (
	FieldID       = "id"
	FieldDjangoCT = "django_ct"
	FieldDjangoID = "django_id"
)

// IdentifierRe matches document identifiers of the form app.model.pk.
var IdentifierRe = regexp.MustCompile(`^[\w\d_]+\.[\w\d_]+\..+$`)

// IsReserved reports whether name is one of the reserved document fields.
func IsReserved(name string) bool {
	switch name {
	case FieldID, FieldDjangoCT, FieldDjangoID:
		return true
	}
	return false
}

// Model names an entity type by application label and model name.
type Model struct {
	App  string
	Name string
}

// New creates a model, lower-casing both parts.
func New(app, name string) Model {
	return Model{App: strings.ToLower(app), Name: strings.ToLower(name)}
}

// Parse reads an "app.model" label.
func Parse(label string) (Model, error) {
	app, name, ok := strings.Cut(label, ".")
	if !ok || app == "" || name == "" || strings.Contains(name, ".") {
		return Model{}, fmt.Errorf("model label %q: expected app.model: %w", label, domain.ErrConfig)
	}
	return New(app, name), nil
}

// String returns the "app.model" label stored in django_ct.
func (m Model) String() string { return m.App + "." + m.Name }

// IsZero reports whether the model is unset.
func (m Model) IsZero() bool { return m.App == "" && m.Name == "" }

// Sort orders models by label.
func Sort(models []Model) {
	sort.Slice(models, func(i, j int) bool { return models[i].String() < models[j].String() })
}

// Labels returns the sorted labels of models.
func Labels(models []Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.String()
	}
	sort.Strings(out)
	return out
}

// Object is an indexable domain entity.
type Object interface {
	ModelType() Model
	PrimaryKey() string
}

// Identifier returns the document id for obj.
func Identifier(obj Object) string {
	return obj.ModelType().String() + "." + obj.PrimaryKey()
}

// ParseIdentifier splits a document id into its model and primary key.
func ParseIdentifier(id string) (Model, string, error) {
	if !IdentifierRe.MatchString(id) {
		return Model{}, "", fmt.Errorf("identifier %q: malformed: %w", id, domain.ErrField)
	}
	parts := strings.SplitN(id, ".", 3)
	return Model{App: parts[0], Name: parts[1]}, parts[2], nil
}

// IdentifierOf accepts either an Object or an already formed identifier string.
func IdentifierOf(v any) (string, error) {
	switch o := v.(type) {
	case Object:
		return Identifier(o), nil
	case string:
		if !IdentifierRe.MatchString(o) {
			return "", fmt.Errorf("identifier %q: malformed: %w", o, domain.ErrField)
		}
		return o, nil
	default:
		return "", fmt.Errorf("cannot identify %T: %w", v, domain.ErrField)
	}
}
