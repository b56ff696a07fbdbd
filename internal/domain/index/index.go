// Package index binds field declarations to entity types.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// PrepareFunc overrides the prepared value of one field. Returning
// domain.ErrSkipDocument drops the whole document from an update.
type PrepareFunc func(obj any) (any, error)

// Loader fetches primary objects by primary key. Missing keys are absent from the result.
type Loader interface {
	LoadByIDs(ctx context.Context, m model.Model, ids []string) (map[string]any, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, m model.Model, ids []string) (map[string]any, error)

// LoadByIDs calls f.
func (f LoaderFunc) LoadByIDs(ctx context.Context, m model.Model, ids []string) (map[string]any, error) {
	return f(ctx, m, ids)
}

// Index describes how one entity type is made searchable.
type Index struct {
	model    model.Model
	fields   []*field.Field
	byName   map[string]*field.Field
	document *field.Field
	hooks    map[string]PrepareFunc
	loader   Loader
	renderer field.Renderer
}

// Option configures an index.
type Option func(*builder)

type builder struct {
	names  []string
	fields map[string]*field.Field
	hooks  map[string]PrepareFunc
	loader Loader
	render field.Renderer
}

// WithField declares a field under name.
func WithField(name string, f *field.Field) Option {
	return func(b *builder) {
		if _, dup := b.fields[name]; !dup {
			b.names = append(b.names, name)
		}
		b.fields[name] = f
	}
}

// WithPrepare registers a prepare hook for the named field.
func WithPrepare(name string, fn PrepareFunc) Option {
	return func(b *builder) { b.hooks[name] = fn }
}

// WithLoader sets the default primary-store lookup for the entity type.
func WithLoader(l Loader) Option {
	return func(b *builder) { b.loader = l }
}

// WithRenderer sets the template renderer for use_template fields.
func WithRenderer(r field.Renderer) Option {
	return func(b *builder) { b.render = r }
}

// New validates declarations and binds them to m.
func New(m model.Model, opts ...Option) (*Index, error) {
	if m.IsZero() {
		return nil, fmt.Errorf("index requires a model: %w", domain.ErrConfig)
	}
	b := &builder{fields: make(map[string]*field.Field), hooks: make(map[string]PrepareFunc)}
	for _, opt := range opts {
		opt(b)
	}

	idx := &Index{
		model:    m,
		byName:   make(map[string]*field.Field),
		hooks:    b.hooks,
		loader:   b.loader,
		renderer: b.render,
	}
	for _, name := range b.names {
		if model.IsReserved(name) {
			return nil, fmt.Errorf("index %s uses reserved field name %q: %w", m, name, domain.ErrConfig)
		}
		f := b.fields[name].Bind(name, m)
		if f.IsDocument() {
			if idx.document != nil {
				return nil, fmt.Errorf("index %s must have one (and only one) document field, found %q and %q: %w",
					m, idx.document.Name(), name, domain.ErrConfig)
			}
			idx.document = f
		}
		idx.add(f)
		if f.IsFaceted() {
			sidecar := f.Sidecar(m)
			if _, taken := b.fields[sidecar.Name()]; !taken {
				idx.add(sidecar)
			}
		}
	}
	if idx.document == nil {
		return nil, fmt.Errorf("index %s must have one (and only one) document field: %w", m, domain.ErrConfig)
	}
	return idx, nil
}

func (i *Index) add(f *field.Field) {
	i.fields = append(i.fields, f)
	i.byName[f.Name()] = f
}

// Model returns the indexed entity type.
func (i *Index) Model() model.Model { return i.model }

// Fields returns the bound fields in declaration order, sidecars included.
func (i *Index) Fields() []*field.Field { return i.fields }

// Field returns a field by declared name.
func (i *Index) Field(name string) (*field.Field, bool) {
	f, ok := i.byName[name]
	return f, ok
}

// FieldByIndexName returns the field stored under a backend name.
func (i *Index) FieldByIndexName(indexName string) (*field.Field, bool) {
	for _, f := range i.fields {
		if f.IndexName() == indexName {
			return f, true
		}
	}
	return nil, false
}

// DocumentField returns the primary content field.
func (i *Index) DocumentField() *field.Field { return i.document }

// Loader returns the default primary-store lookup, if any.
func (i *Index) Loader() Loader { return i.loader }

// Prepare builds the raw document map for obj.
func (i *Index) Prepare(obj model.Object) (map[string]any, error) {
	if obj.ModelType() != i.model {
		return nil, fmt.Errorf("object of type %s given to index %s: %w", obj.ModelType(), i.model, domain.ErrConfig)
	}
	data := map[string]any{
		model.FieldID:       model.Identifier(obj),
		model.FieldDjangoCT: i.model.String(),
		model.FieldDjangoID: obj.PrimaryKey(),
	}
	for _, f := range i.fields {
		v, err := f.Prepare(obj, i.renderer)
		if err != nil {
			return nil, err
		}
		if hook, ok := i.hooks[f.Name()]; ok {
			v, err = hook(obj)
			if err != nil {
				if errors.Is(err, domain.ErrSkipDocument) {
					return nil, err
				}
				return nil, domain.NewFieldError(f.Name(), err)
			}
		}
		data[f.IndexName()] = v
	}
	return data, nil
}

// FullPrepare prepares obj, copies data into empty facet sidecars and drops
// absent values of nullable fields.
func (i *Index) FullPrepare(obj model.Object) (map[string]any, error) {
	data, err := i.Prepare(obj)
	if err != nil {
		return nil, err
	}
	for _, f := range i.fields {
		if f.IsFacet() {
			if src, ok := i.byName[f.FacetFor()]; ok && data[f.IndexName()] == nil {
				if v, has := data[src.IndexName()]; has {
					data[f.IndexName()] = v
				}
			}
		}
		if f.IsNull() && data[f.IndexName()] == nil {
			delete(data, f.IndexName())
		}
	}
	return data, nil
}
