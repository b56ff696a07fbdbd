package index

import (
	"fmt"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Unified merges the indexes exposed to one connection into a single schema.
// It is read-only once built.
type Unified struct {
	byModel         map[model.Model]*Index
	models          []model.Model
	fields          map[string]*field.Field
	fieldOrder      []string
	fieldnames      map[string]string
	facetFieldnames map[string]string
	documentField   string
}

// NewUnified builds the merged schema, failing on conflicting declarations.
func NewUnified(indexes ...*Index) (*Unified, error) {
	u := &Unified{
		byModel:         make(map[model.Model]*Index, len(indexes)),
		fields:          make(map[string]*field.Field),
		fieldnames:      make(map[string]string),
		facetFieldnames: make(map[string]string),
	}
	for _, idx := range indexes {
		if _, dup := u.byModel[idx.Model()]; dup {
			return nil, fmt.Errorf("model %s registered twice: %w", idx.Model(), domain.ErrConfig)
		}
		u.byModel[idx.Model()] = idx
		u.models = append(u.models, idx.Model())
		if err := u.collect(idx); err != nil {
			return nil, err
		}
	}
	model.Sort(u.models)
	return u, nil
}

func (u *Unified) collect(idx *Index) error {
	for _, f := range idx.Fields() {
		if f.IsDocument() {
			if u.documentField == "" {
				u.documentField = f.IndexName()
			} else if f.IndexName() != u.documentField {
				return fmt.Errorf("all indexes must use the same %q fieldname for the document field, index %s uses %q: %w",
					u.documentField, idx.Model(), f.IndexName(), domain.ErrConfig)
			}
		}
		if prev, seen := u.fieldnames[f.Name()]; seen && prev != f.IndexName() {
			return fmt.Errorf("all uses of the %q field need to use the same index name, got %q and %q: %w",
				f.Name(), prev, f.IndexName(), domain.ErrConfig)
		}
		u.fieldnames[f.Name()] = f.IndexName()

		if f.IsFacet() {
			u.facetFieldnames[f.FacetFor()] = f.Name()
		}

		existing, ok := u.fields[f.IndexName()]
		if !ok {
			u.fields[f.IndexName()] = f
			u.fieldOrder = append(u.fieldOrder, f.IndexName())
			continue
		}
		u.fields[f.IndexName()] = field.Merge(existing, f)
	}
	return nil
}

// AllSearchFields returns the merged fields keyed by index name.
func (u *Unified) AllSearchFields() map[string]*field.Field {
	out := make(map[string]*field.Field, len(u.fields))
	for k, v := range u.fields {
		out[k] = v
	}
	return out
}

// OrderedFields returns the merged fields in first-seen order.
func (u *Unified) OrderedFields() []*field.Field {
	out := make([]*field.Field, len(u.fieldOrder))
	for i, name := range u.fieldOrder {
		out[i] = u.fields[name]
	}
	return out
}

// Field returns a merged field by index name.
func (u *Unified) Field(indexName string) (*field.Field, bool) {
	f, ok := u.fields[indexName]
	return f, ok
}

// IndexFieldName maps a declared name to its backend name. Unknown names map to themselves.
func (u *Unified) IndexFieldName(declared string) string {
	if n, ok := u.fieldnames[declared]; ok {
		return n
	}
	return declared
}

// FacetFieldName returns the sidecar serving a declared field, or the name itself.
func (u *Unified) FacetFieldName(declared string) string {
	if n, ok := u.facetFieldnames[declared]; ok {
		return n
	}
	return declared
}

// DocumentFieldName returns the shared backend name of every document field.
func (u *Unified) DocumentFieldName() string {
	if u.documentField == "" {
		return "text"
	}
	return u.documentField
}

// Index returns the index registered for m.
func (u *Unified) Index(m model.Model) (*Index, error) {
	idx, ok := u.byModel[m]
	if !ok {
		return nil, fmt.Errorf("%s: %w", m, domain.ErrNotRegistered)
	}
	return idx, nil
}

// Has reports whether m is indexed.
func (u *Unified) Has(m model.Model) bool {
	_, ok := u.byModel[m]
	return ok
}

// Models returns the indexed entity types sorted by label.
func (u *Unified) Models() []model.Model {
	return append([]model.Model(nil), u.models...)
}
