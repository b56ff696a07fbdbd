package needle

import (
	"context"
	"fmt"
	"reflect"

	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Index declares how one entity type is indexed.
type Index = index.Index

// IndexOption configures an Index.
type IndexOption = index.Option

// Field is one search field declaration.
type Field = field.Field

// FieldOption configures a Field.
type FieldOption = field.Option

// Point is a location field value.
type Point = field.Point

// PrepareFunc computes the value of a field from an object.
type PrepareFunc = index.PrepareFunc

// NewIndex declares the index of m.
func NewIndex(m Model, opts ...IndexOption) (*Index, error) { return index.New(m, opts...) }

// NewField declares a search field.
func NewField(ft FieldType, opts ...FieldOption) (*Field, error) { return field.New(ft, opts...) }

// WithField adds a named field to an index.
func WithField(name string, f *Field) IndexOption { return index.WithField(name, f) }

// WithPrepare overrides how a field is computed.
func WithPrepare(name string, fn PrepareFunc) IndexOption { return index.WithPrepare(name, fn) }

// WithLoader sets the primary-store lookup used to hydrate results of the index.
func WithLoader(l Loader) IndexOption { return index.WithLoader(l) }

// Field options.
var (
	SourceAttr   = field.SourceAttr
	AsDocument   = field.Document
	Faceted      = field.Faceted
	Nullable     = field.Null
	Indexed      = field.Indexed
	Stored       = field.Stored
	DefaultValue = field.Default
	Boost        = field.Boost
	Analyzer     = field.Analyzer
	IndexName    = field.IndexName
	UseTemplate  = field.UseTemplate
)

// TypedIndex is an index declared from the struct tags of T.
type TypedIndex[T any] struct {
	model model.Model
	index *index.Index
	meta  *schemaMeta
}

// IndexFor derives the index of app.name from T's `needle` struct tags.
// T must be a struct with exactly one pk field and one document field.
func IndexFor[T any](app, name string, opts ...IndexOption) (*TypedIndex[T], error) {
	meta, err := parseSchema[T]()
	if err != nil {
		return nil, err
	}
	m := model.New(app, name)
	all := make([]IndexOption, 0, len(meta.fields)+len(opts))
	for _, fm := range meta.fields {
		f, err := field.New(fm.fieldType, fm.opts...)
		if err != nil {
			return nil, fmt.Errorf("index %s: field %s: %w", m, fm.name, err)
		}
		all = append(all, index.WithField(fm.name, f))
	}
	idx, err := index.New(m, append(all, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", m, err)
	}
	return &TypedIndex[T]{model: m, index: idx, meta: meta}, nil
}

// Index returns the untyped declaration, for WithIndexes.
func (ti *TypedIndex[T]) Index() *Index { return ti.index }

// Model returns the entity type.
func (ti *TypedIndex[T]) Model() Model { return ti.model }

// Object wraps item so it can be indexed.
func (ti *TypedIndex[T]) Object(item T) Object {
	v := reflect.ValueOf(item)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return &typedObject{model: ti.model, value: v, meta: ti.meta}
}

// Objects wraps items so they can be indexed.
func (ti *TypedIndex[T]) Objects(items []T) []Object {
	out := make([]Object, len(items))
	for i, item := range items {
		out[i] = ti.Object(item)
	}
	return out
}

// Update indexes items through c.
func (ti *TypedIndex[T]) Update(ctx context.Context, c *Client, items ...T) ([]BatchResult, error) {
	return c.Update(ctx, ti.Objects(items)...)
}

// Search returns a result set restricted to this entity type.
func (ti *TypedIndex[T]) Search(c *Client) *ResultSet {
	return c.Search().Models(ti.model)
}

// typedObject adapts a tagged struct to the object contract.
type typedObject struct {
	model model.Model
	value reflect.Value
	meta  *schemaMeta
}

func (o *typedObject) ModelType() model.Model { return o.model }

func (o *typedObject) PrimaryKey() string { return o.meta.primaryKey(o.value) }

// SearchAttr resolves declared field names on the wrapped struct.
func (o *typedObject) SearchAttr(name string) (any, bool) { return o.meta.attr(o.value, name) }
