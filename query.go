package needle

import (
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/query"
)

// Node is a query tree node built with Q, And and Or.
type Node = sq.Node

// Q creates a single predicate, e.g. Q("pub_date__lte", t) or Q("content", "hello").
func Q(expr string, value any) *Node { return sq.Q(expr, value) }

// And joins nodes with AND.
func And(nodes ...*Node) *Node { return sq.And(nodes...) }

// Or joins nodes with OR.
func Or(nodes ...*Node) *Node { return sq.Or(nodes...) }

// Not negates n.
func Not(n *Node) *Node { return n.Not() }

// Query inputs.
type (
	Raw       = input.Raw
	Clean     = input.Clean
	Exact     = input.Exact
	NotInput  = input.Not
	AutoQuery = input.AutoQuery
	AltParser = input.AltParser
	Value     = input.Value
)

// Entity types and objects.
type (
	Model    = model.Model
	Object   = model.Object
	Document = model.Document
)

// NewModel returns the entity type app.name.
func NewModel(app, name string) Model { return model.New(app, name) }

// ParseModel parses an "app.name" label.
func ParseModel(label string) (Model, error) { return model.Parse(label) }

// NewDocument creates a map-backed object.
func NewDocument(m Model, pk string, attrs map[string]any) *Document {
	return model.NewDocument(m, pk, attrs)
}

// Identifier returns the "app.name.pk" document id of obj.
func Identifier(obj Object) string { return model.Identifier(obj) }

// Results and facets.
type (
	Result        = result.Result
	ResultFactory = result.Factory
	FacetCount    = result.FacetCount
	FacetCounts   = result.FacetCounts
	Loader        = result.Loader
)

// Gap units of date facets.
const (
	GapYear   = string(query.GapYear)
	GapMonth  = string(query.GapMonth)
	GapDay    = string(query.GapDay)
	GapHour   = string(query.GapHour)
	GapMinute = string(query.GapMinute)
	GapSecond = string(query.GapSecond)
)

// FieldType names a search field type.
type FieldType = field.Type

// Field types.
const (
	Text       = field.Text
	Ngram      = field.Ngram
	EdgeNgram  = field.EdgeNgram
	Integer    = field.Integer
	Long       = field.Long
	Float      = field.Float
	Decimal    = field.Decimal
	Boolean    = field.Boolean
	Date       = field.Date
	DateTime   = field.DateTime
	Location   = field.Location
	MultiValue = field.MultiValue
)
