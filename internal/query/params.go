package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
)

// Searcher runs compiled queries. Consumed by Query.
type Searcher interface {
	Search(ctx context.Context, q string, p *SearchParams) (*Response, error)
	MoreLikeThis(ctx context.Context, seed model.Object, p *SearchParams) (*Response, error)
}

// Backend is the full executor contract of one engine.
type Backend interface {
	Searcher
	Dialect() Dialect
	Update(ctx context.Context, idx *index.Index, objs []model.Object, commit bool) error
	Remove(ctx context.Context, objOrID any, commit bool) error
	Clear(ctx context.Context, models []model.Model, commit bool) error
	Setup(ctx context.Context) error
	// BuildSchema returns the document field name and the engine-native schema.
	BuildSchema() (string, any, error)
	Close() error
}

// Sort is one ordering term. A leading "-" in OrderBy means descending.
type Sort struct {
	Field string
	Desc  bool
}

// ParseSort splits "-field" into a descending sort.
func ParseSort(s string) Sort {
	if strings.HasPrefix(s, "-") {
		return Sort{Field: s[1:], Desc: true}
	}
	return Sort{Field: s}
}

// GapUnit is the bucket unit of a date facet.
type GapUnit string

// Gap units.
const (
	GapYear   GapUnit = "year"
	GapMonth  GapUnit = "month"
	GapDay    GapUnit = "day"
	GapHour   GapUnit = "hour"
	GapMinute GapUnit = "minute"
	GapSecond GapUnit = "second"
)

// ParseGapUnit validates a gap unit name.
func ParseGapUnit(s string) (GapUnit, error) {
	switch g := GapUnit(strings.ToLower(s)); g {
	case GapYear, GapMonth, GapDay, GapHour, GapMinute, GapSecond:
		return g, nil
	}
	return "", domain.NewFieldError("gap_by", fmt.Errorf("unknown date facet gap %q", s))
}

// Add advances t by n gap units.
func (g GapUnit) Add(t time.Time, n int) time.Time {
	switch g {
	case GapYear:
		return t.AddDate(n, 0, 0)
	case GapMonth:
		return t.AddDate(0, n, 0)
	case GapDay:
		return t.AddDate(0, 0, n)
	case GapHour:
		return t.Add(time.Duration(n) * time.Hour)
	case GapMinute:
		return t.Add(time.Duration(n) * time.Minute)
	default:
		return t.Add(time.Duration(n) * time.Second)
	}
}

// DateFacet buckets a date field.
type DateFacet struct {
	Start     time.Time
	End       time.Time
	GapBy     GapUnit
	GapAmount int
}

// Buckets returns the bucket start times in [Start, End).
func (d DateFacet) Buckets() []time.Time {
	var out []time.Time
	amount := max(d.GapAmount, 1)
	for t := d.Start; t.Before(d.End); t = d.GapBy.Add(t, amount) {
		out = append(out, t)
	}
	return out
}

// QueryFacet counts the hits matching a dialect fragment on a field.
type QueryFacet struct {
	Field string
	Query string
}

// Highlight enables highlighting with engine-specific options.
type Highlight struct {
	Options map[string]any
}

// SearchParams are the keyword arguments of a backend search.
type SearchParams struct {
	StartOffset int
	// EndOffset is exclusive; nil means open-ended.
	EndOffset     *int
	SortBy        []Sort
	Highlight     *Highlight
	Facets        map[string]map[string]any
	DateFacets    map[string]DateFacet
	QueryFacets   []QueryFacet
	NarrowQueries []string
	// SpellingQuery overrides the text used for spelling suggestions.
	SpellingQuery string
	// Models restricts hits to these entity types; empty means no restriction.
	Models []model.Model
	Fields []string
	// AdditionalQuery further restricts more-like-this hits.
	AdditionalQuery string
	Factory         result.Factory
	// Extra carries dialect-specific raw parameters.
	Extra map[string]any
}

// Limit returns the window size, or -1 when open-ended.
func (p *SearchParams) Limit() int {
	if p.EndOffset == nil {
		return -1
	}
	return max(*p.EndOffset-p.StartOffset, 0)
}

// NewResult builds a result through the configured factory.
func (p *SearchParams) NewResult(m model.Model, pk string, score float64, fields map[string]any) *result.Result {
	if p != nil && p.Factory != nil {
		return p.Factory(m, pk, score, fields)
	}
	return result.New(m, pk, score, fields)
}

// Response is what a backend returns for one search.
type Response struct {
	Results            []*result.Result
	Hits               int
	Facets             result.FacetCounts
	SpellingSuggestion string
}

// EmptyResponse is returned when a backend swallows a failure.
func EmptyResponse() *Response {
	return &Response{Results: []*result.Result{}}
}
