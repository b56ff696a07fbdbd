// Package field declares indexable attributes of an entity.
package field

import (
	"fmt"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Type is the indexing type of a field.
type Type string

// Field type constants.
const (
	Text       Type = "text"
	Ngram      Type = "ngram"
	EdgeNgram  Type = "edge_ngram"
	Integer    Type = "integer"
	Long       Type = "long"
	Float      Type = "float"
	Decimal    Type = "decimal"
	Boolean    Type = "boolean"
	Date       Type = "date"
	DateTime   Type = "datetime"
	Location   Type = "location"
	MultiValue Type = "multi_value"
)

// Types lists every supported field type.
var Types = []Type{Text, Ngram, EdgeNgram, Integer, Long, Float, Decimal, Boolean, Date, DateTime, Location, MultiValue}

// ParseType validates a type name.
func ParseType(s string) (Type, error) {
	for _, t := range Types {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown field type %q: %w", s, domain.ErrConfig)
}

// IsNumeric reports whether values of t are numbers.
func (t Type) IsNumeric() bool { return t == Integer || t == Long || t == Float }

// IsTemporal reports whether values of t are dates.
func (t Type) IsTemporal() bool { return t == Date || t == DateTime }

// FacetSuffix names the sidecar created for faceted fields.
const FacetSuffix = "_exact"

// Field declares one indexable attribute.
type Field struct {
	name         string
	indexName    string
	fieldType    Type
	sourceAttr   string
	document     bool
	indexed      bool
	stored       bool
	faceted      bool
	null         bool
	hasDefault   bool
	def          any
	boost        float64
	analyzer     string
	useTemplate  bool
	templateName string
	facetFor     string
}

// Option configures a field declaration.
type Option func(*Field)

// SourceAttr sets the "__" separated attribute path read from the object.
func SourceAttr(path string) Option { return func(f *Field) { f.sourceAttr = path } }

// Document marks the primary content field.
func Document() Option { return func(f *Field) { f.document = true } }

// Indexed sets whether the backend indexes the field.
func Indexed(v bool) Option { return func(f *Field) { f.indexed = v } }

// Stored sets whether the backend stores the field.
func Stored(v bool) Option { return func(f *Field) { f.stored = v } }

// Faceted requests a facet sidecar for the field.
func Faceted() Option { return func(f *Field) { f.faceted = true } }

// Null allows the field to be absent.
func Null() Option { return func(f *Field) { f.null = true } }

// Default sets the value used when the source attribute is nil.
func Default(v any) Option {
	return func(f *Field) {
		f.hasDefault = true
		f.def = v
	}
}

// Boost sets the index-time boost.
func Boost(v float64) Option { return func(f *Field) { f.boost = v } }

// Analyzer passes an analyzer hint to the backend.
func Analyzer(name string) Option { return func(f *Field) { f.analyzer = name } }

// IndexName overrides the name used in the backend.
func IndexName(name string) Option { return func(f *Field) { f.indexName = name } }

// UseTemplate renders the field from a template. An empty name selects
// search/indexes/<app>/<model>_<field>.txt.
func UseTemplate(name string) Option {
	return func(f *Field) {
		f.useTemplate = true
		f.templateName = name
	}
}

// New validates and creates a field declaration.
func New(ft Type, opts ...Option) (*Field, error) {
	if _, err := ParseType(string(ft)); err != nil {
		return nil, err
	}
	f := &Field{fieldType: ft, indexed: true, stored: true, boost: 1}
	for _, opt := range opts {
		opt(f)
	}
	if f.boost < 0 {
		return nil, fmt.Errorf("boost %v must not be negative: %w", f.boost, domain.ErrConfig)
	}
	if f.faceted && (ft == Ngram || ft == EdgeNgram) {
		return nil, fmt.Errorf("%s fields can not be faceted: %w", ft, domain.ErrConfig)
	}
	return f, nil
}

// MustNew is New for static declarations.
func MustNew(ft Type, opts ...Option) *Field {
	f, err := New(ft, opts...)
	if err != nil {
		panic(err)
	}
	return f
}

// NewFacet creates a facet sidecar of the field declared as facetFor.
func NewFacet(ft Type, facetFor string, opts ...Option) (*Field, error) {
	f, err := New(ft, opts...)
	if err != nil {
		return nil, err
	}
	switch {
	case f.faceted:
		return nil, fmt.Errorf("facet field does not accept faceted: %w", domain.ErrConfig)
	case !f.indexed:
		return nil, fmt.Errorf("facet field does not accept indexed=false: %w", domain.ErrConfig)
	}
	f.null = true
	f.facetFor = facetFor
	return f, nil
}

// Bind returns a copy of f named for its index and entity type.
func (f *Field) Bind(name string, m model.Model) *Field {
	c := *f
	c.name = name
	if c.indexName == "" {
		c.indexName = name
	}
	if c.useTemplate && c.templateName == "" {
		c.templateName = fmt.Sprintf("search/indexes/%s/%s_%s.txt", m.App, m.Name, name)
	}
	return &c
}

// Sidecar derives the facet field for a faceted field. It has no source of its
// own; the index copies the served field's value into it.
func (f *Field) Sidecar(m model.Model) *Field {
	c := &Field{
		fieldType: f.fieldType,
		indexed:   true,
		stored:    true,
		null:      true,
		boost:     1,
		facetFor:  f.name,
	}
	return c.Bind(f.name+FacetSuffix, m)
}

// Name returns the declared name.
func (f *Field) Name() string { return f.name }

// IndexName returns the backend name.
func (f *Field) IndexName() string { return f.indexName }

// Type returns the field type.
func (f *Field) Type() Type { return f.fieldType }

// SourceAttrPath returns the attribute path.
func (f *Field) SourceAttrPath() string { return f.sourceAttr }

// IsDocument reports whether this is the primary content field.
func (f *Field) IsDocument() bool { return f.document }

// IsIndexed reports whether the backend indexes the field.
func (f *Field) IsIndexed() bool { return f.indexed }

// IsStored reports whether the backend stores the field.
func (f *Field) IsStored() bool { return f.stored }

// IsFaceted reports whether the field has a facet sidecar.
func (f *Field) IsFaceted() bool { return f.faceted }

// IsNull reports whether the field may be absent.
func (f *Field) IsNull() bool { return f.null }

// HasDefault reports whether a default value is declared.
func (f *Field) HasDefault() bool { return f.hasDefault }

// DefaultValue returns the declared default.
func (f *Field) DefaultValue() any { return f.def }

// BoostValue returns the index-time boost.
func (f *Field) BoostValue() float64 { return f.boost }

// AnalyzerName returns the analyzer hint.
func (f *Field) AnalyzerName() string { return f.analyzer }

// UsesTemplate reports whether the field is rendered from a template.
func (f *Field) UsesTemplate() bool { return f.useTemplate }

// TemplateName returns the template reference.
func (f *Field) TemplateName() string { return f.templateName }

// FacetFor returns the declared name of the field this sidecar serves.
func (f *Field) FacetFor() string { return f.facetFor }

// IsFacet reports whether f is a facet sidecar.
func (f *Field) IsFacet() bool { return f.facetFor != "" }

// IsMultiValued reports whether the field holds lists.
func (f *Field) IsMultiValued() bool { return f.fieldType == MultiValue }

// Merge combines two declarations sharing an index name. Schema affecting
// flags are OR-ed and a multi-valued contributor wins the type.
func Merge(existing, incoming *Field) *Field {
	base, other := existing, incoming
	if incoming.IsMultiValued() && !existing.IsMultiValued() {
		base, other = incoming, existing
	}
	m := *base
	m.indexed = m.indexed || other.indexed
	m.stored = m.stored || other.stored
	m.faceted = m.faceted || other.faceted
	m.useTemplate = m.useTemplate || other.useTemplate
	m.null = m.null || other.null
	return &m
}
