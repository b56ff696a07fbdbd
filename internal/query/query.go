package query

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/domain/sq"
)

// Query accumulates search state and compiles it for one dialect.
// A Query is not safe for concurrent use; clone it instead.
type Query struct {
	dialect           Dialect
	searcher          Searcher
	unified           *index.Unified
	limitToRegistered bool

	filter      *sq.Node
	orderBy     []string
	models      []model.Model
	boostTerms  []string
	boost       map[string]float64
	highlight   *Highlight
	facets      map[string]map[string]any
	dateFacets  map[string]DateFacet
	queryFacets []QueryFacet
	narrow      []string
	start       int
	end         *int
	fields      []string
	factory     result.Factory

	mltSeed   model.Object
	mlt       bool
	rawQuery  string
	rawParams map[string]any

	results     []*result.Result
	hits        int
	hitsKnown   bool
	facetCounts *result.FacetCounts
	spelling    *string
}

// Option configures a Query.
type Option func(*Query)

// WithLimitToRegistered restricts unscoped queries to registered models.
func WithLimitToRegistered(v bool) Option {
	return func(q *Query) { q.limitToRegistered = v }
}

// New creates an empty query.
func New(d Dialect, s Searcher, u *index.Unified, opts ...Option) *Query {
	q := &Query{
		dialect:           d,
		searcher:          s,
		unified:           u,
		limitToRegistered: true,
		filter:            &sq.Node{Connector: sq.AND},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Dialect returns the dialect the query compiles to.
func (q *Query) Dialect() Dialect { return q.dialect }

// Clone copies the query state without cached results.
func (q *Query) Clone() *Query {
	c := &Query{
		dialect:           q.dialect,
		searcher:          q.searcher,
		unified:           q.unified,
		limitToRegistered: q.limitToRegistered,
		filter:            q.filter.Clone(),
		orderBy:           slices.Clone(q.orderBy),
		models:            slices.Clone(q.models),
		boostTerms:        slices.Clone(q.boostTerms),
		boost:             maps.Clone(q.boost),
		facets:            make(map[string]map[string]any, len(q.facets)),
		dateFacets:        maps.Clone(q.dateFacets),
		queryFacets:       slices.Clone(q.queryFacets),
		narrow:            slices.Clone(q.narrow),
		start:             q.start,
		fields:            slices.Clone(q.fields),
		factory:           q.factory,
		mltSeed:           q.mltSeed,
		mlt:               q.mlt,
		rawQuery:          q.rawQuery,
		rawParams:         maps.Clone(q.rawParams),
	}
	if q.end != nil {
		end := *q.end
		c.end = &end
	}
	if q.highlight != nil {
		c.highlight = &Highlight{Options: maps.Clone(q.highlight.Options)}
	}
	for k, v := range q.facets {
		c.facets[k] = maps.Clone(v)
	}
	return c
}

// Using returns a clone that compiles for another backend.
func (q *Query) Using(d Dialect, s Searcher, u *index.Unified) *Query {
	c := q.Clone()
	c.dialect = d
	c.searcher = s
	c.unified = u
	return c
}

// Reset drops cached results so the next access runs again.
func (q *Query) Reset() {
	q.results = nil
	q.hits = 0
	q.hitsKnown = false
	q.facetCounts = nil
	q.spelling = nil
}

// HasRun reports whether results are cached.
func (q *Query) HasRun() bool { return q.results != nil }

// HitsKnown reports whether Count can answer without a backend call.
func (q *Query) HitsKnown() bool { return q.hitsKnown }

// Filter returns the filter tree.
func (q *Query) Filter() *sq.Node { return q.filter }

// AddFilter attaches n to the filter tree with AND (or OR), optionally negated.
func (q *Query) AddFilter(n *sq.Node, useOr, useNot bool) {
	if n.IsEmpty() {
		return
	}
	conn := sq.AND
	if useOr {
		conn = sq.OR
	}
	child := n.Clone()
	if useNot {
		child = child.Not()
	}
	switch {
	case q.filter.IsEmpty():
		q.filter = &sq.Node{Connector: conn}
		q.filter.Add(child, conn)
	case q.filter.Connector == conn:
		q.filter.Add(child, conn)
	default:
		root := &sq.Node{Connector: conn}
		root.Add(q.filter, conn)
		root.Add(child, conn)
		q.filter = root
	}
}

// AddOrderBy appends an ordering; "-field" sorts descending.
func (q *Query) AddOrderBy(f string) { q.orderBy = append(q.orderBy, f) }

// ClearOrderBy removes every ordering.
func (q *Query) ClearOrderBy() { q.orderBy = nil }

// OrderBy returns the orderings.
func (q *Query) OrderBy() []string { return q.orderBy }

// AddModel restricts results to m.
func (q *Query) AddModel(m model.Model) {
	if !slices.Contains(q.models, m) {
		q.models = append(q.models, m)
	}
}

// Models returns the explicit model restriction.
func (q *Query) Models() []model.Model { return q.models }

// AddBoost boosts documents containing term.
func (q *Query) AddBoost(term string, factor float64) {
	if q.boost == nil {
		q.boost = make(map[string]float64)
	}
	if _, ok := q.boost[term]; !ok {
		q.boostTerms = append(q.boostTerms, term)
	}
	q.boost[term] = factor
}

// AddHighlight enables highlighting.
func (q *Query) AddHighlight(opts map[string]any) {
	q.highlight = &Highlight{Options: maps.Clone(opts)}
}

// AddFieldFacet requests value counts for a field. Faceted fields are
// counted on their sidecar.
func (q *Query) AddFieldFacet(name string, opts map[string]any) {
	if q.facets == nil {
		q.facets = make(map[string]map[string]any)
	}
	if opts == nil {
		opts = map[string]any{}
	}
	q.facets[q.facetName(name)] = maps.Clone(opts)
}

// AddDateFacet requests bucketed counts of a date field.
func (q *Query) AddDateFacet(name string, start, end time.Time, gapBy string, gapAmount int) error {
	gap, err := ParseGapUnit(gapBy)
	if err != nil {
		return err
	}
	if q.dateFacets == nil {
		q.dateFacets = make(map[string]DateFacet)
	}
	q.dateFacets[q.facetName(name)] = DateFacet{Start: start, End: end, GapBy: gap, GapAmount: max(gapAmount, 1)}
	return nil
}

// AddQueryFacet counts hits matching a dialect fragment on a field.
func (q *Query) AddQueryFacet(name, fragment string) {
	q.queryFacets = append(q.queryFacets, QueryFacet{Field: q.facetName(name), Query: fragment})
}

// AddNarrowQuery adds a cache-friendly pre-filter.
func (q *Query) AddNarrowQuery(fragment string) {
	if !slices.Contains(q.narrow, fragment) {
		q.narrow = append(q.narrow, fragment)
	}
}

func (q *Query) facetName(name string) string {
	if q.unified == nil {
		return name
	}
	return q.unified.FacetFieldName(name)
}

// SetLimits sets the result window. A negative end means open-ended.
func (q *Query) SetLimits(start, end int) {
	q.start = max(start, 0)
	if end < 0 {
		q.end = nil
		return
	}
	q.end = &end
}

// ClearLimits resets the window to everything.
func (q *Query) ClearLimits() {
	q.start = 0
	q.end = nil
}

// Limits returns the window start and end, end -1 when open-ended.
func (q *Query) Limits() (int, int) {
	if q.end == nil {
		return q.start, -1
	}
	return q.start, *q.end
}

// MoreLikeThis switches the query to similarity search seeded by obj.
func (q *Query) MoreLikeThis(obj model.Object) {
	q.mlt = true
	q.mltSeed = obj
}

// RawSearch sends s to the backend as is.
func (q *Query) RawSearch(s string, params map[string]any) {
	q.rawQuery = s
	q.rawParams = maps.Clone(params)
}

// SetFields limits the stored fields returned with each hit.
func (q *Query) SetFields(fields []string) { q.fields = slices.Clone(fields) }

// SetResultFactory sets the factory used for hits.
func (q *Query) SetResultFactory(f result.Factory) { q.factory = f }

// BuildQuery compiles the filter tree and boosts.
func (q *Query) BuildQuery() (string, error) {
	s, err := q.renderFilter()
	if err != nil {
		return "", err
	}
	if s == "" {
		s = q.dialect.MatchingAllFragment()
	}
	if len(q.boostTerms) == 0 {
		return s, nil
	}
	bits := []string{s}
	for _, term := range q.boostTerms {
		if b := q.dialect.BoostFragment(term, q.boost[term]); b != "" {
			bits = append(bits, b)
		}
	}
	return strings.Join(bits, " "), nil
}

func (q *Query) renderFilter() (string, error) {
	if tr, ok := q.dialect.(TreeRenderer); ok {
		return tr.RenderTree(q.filter)
	}
	return q.filter.Render(q.dialect.BuildQueryFragment)
}

// BuildParams assembles the backend keyword arguments.
func (q *Query) BuildParams(spellingQuery string) *SearchParams {
	p := &SearchParams{
		StartOffset:   q.start,
		Highlight:     q.highlight,
		Facets:        q.facets,
		DateFacets:    q.dateFacets,
		QueryFacets:   q.queryFacets,
		NarrowQueries: q.narrow,
		SpellingQuery: spellingQuery,
		Models:        q.restrictModels(),
		Fields:        q.fields,
		Factory:       q.factory,
	}
	if q.end != nil {
		end := *q.end
		p.EndOffset = &end
	}
	for _, o := range q.orderBy {
		p.SortBy = append(p.SortBy, ParseSort(o))
	}
	return p
}

func (q *Query) restrictModels() []model.Model {
	if len(q.models) > 0 {
		out := slices.Clone(q.models)
		model.Sort(out)
		return out
	}
	if q.limitToRegistered && q.unified != nil {
		return q.unified.Models()
	}
	return nil
}

// Run executes the compiled query and caches its results.
func (q *Query) Run(ctx context.Context, spellingQuery string) error {
	final, err := q.BuildQuery()
	if err != nil {
		return err
	}
	resp, err := q.searcher.Search(ctx, final, q.BuildParams(spellingQuery))
	if err != nil {
		return err
	}
	q.store(resp)
	return nil
}

// RunMLT executes the more-like-this query.
func (q *Query) RunMLT(ctx context.Context) error {
	if !q.mlt || q.mltSeed == nil {
		return fmt.Errorf("%w: no object provided to find similar results", domain.ErrMoreLikeThis)
	}
	additional, err := q.renderFilter()
	if err != nil {
		return err
	}
	p := &SearchParams{
		StartOffset:     q.start,
		Models:          q.restrictModels(),
		AdditionalQuery: additional,
		Factory:         q.factory,
		Fields:          q.fields,
	}
	if q.end != nil {
		end := *q.end
		p.EndOffset = &end
	}
	resp, err := q.searcher.MoreLikeThis(ctx, q.mltSeed, p)
	if err != nil {
		return err
	}
	q.store(resp)
	return nil
}

// RunRaw sends the raw query with pagination and model restriction.
func (q *Query) RunRaw(ctx context.Context) error {
	return q.runRaw(ctx, "")
}

func (q *Query) runRaw(ctx context.Context, spellingQuery string) error {
	p := q.BuildParams(spellingQuery)
	p.Extra = q.rawParams
	resp, err := q.searcher.Search(ctx, q.rawQuery, p)
	if err != nil {
		return err
	}
	q.store(resp)
	return nil
}

func (q *Query) dispatch(ctx context.Context) error {
	return q.dispatchSpelling(ctx, "")
}

// dispatchSpelling runs whichever query the state describes, asking for a
// suggestion on spellingQuery. More-like-this requests carry no suggestion.
func (q *Query) dispatchSpelling(ctx context.Context, spellingQuery string) error {
	switch {
	case q.mlt:
		return q.RunMLT(ctx)
	case q.rawQuery != "":
		return q.runRaw(ctx, spellingQuery)
	default:
		return q.Run(ctx, spellingQuery)
	}
}

func (q *Query) store(resp *Response) {
	if resp == nil {
		resp = EmptyResponse()
	}
	q.results = resp.Results
	if q.results == nil {
		q.results = []*result.Result{}
	}
	q.hits = resp.Hits
	q.hitsKnown = true
	facets := q.postProcessFacets(resp.Facets)
	q.facetCounts = &facets
	spelling := resp.SpellingSuggestion
	q.spelling = &spelling
}

// postProcessFacets renames sidecar facet keys back to their declared field.
func (q *Query) postProcessFacets(in result.FacetCounts) result.FacetCounts {
	rename := func(name string) string {
		if q.unified == nil {
			return name
		}
		if f, ok := q.unified.Field(name); ok && f.IsFacet() {
			return f.FacetFor()
		}
		return name
	}
	out := result.FacetCounts{}
	if in.Fields != nil {
		out.Fields = make(map[string][]result.FacetCount, len(in.Fields))
		for k, v := range in.Fields {
			out.Fields[rename(k)] = v
		}
	}
	if in.Dates != nil {
		out.Dates = make(map[string][]result.FacetCount, len(in.Dates))
		for k, v := range in.Dates {
			out.Dates[rename(k)] = v
		}
	}
	if in.Queries != nil {
		out.Queries = make(map[string]int, len(in.Queries))
		for k, v := range in.Queries {
			// keys are "field:fragment"
			if f, frag, ok := strings.Cut(k, ":"); ok {
				out.Queries[rename(f)+":"+frag] = v
				continue
			}
			out.Queries[rename(k)] = v
		}
	}
	return out
}

// Results returns the hits of the current window, running once.
func (q *Query) Results(ctx context.Context) ([]*result.Result, error) {
	if q.results == nil {
		if err := q.dispatch(ctx); err != nil {
			return nil, err
		}
	}
	return q.results, nil
}

// Count returns the total number of hits. Without cached results it runs
// a one-row query that leaves the result cache untouched.
func (q *Query) Count(ctx context.Context) (int, error) {
	if q.hitsKnown {
		return q.hits, nil
	}
	counter := q.Clone()
	if counter.end == nil {
		one := counter.start + 1
		counter.end = &one
	}
	if err := counter.dispatch(ctx); err != nil {
		return 0, err
	}
	q.hits = counter.hits
	q.hitsKnown = true
	return q.hits, nil
}

// FacetCounts returns the facet counts, running once.
func (q *Query) FacetCounts(ctx context.Context) (result.FacetCounts, error) {
	if q.facetCounts == nil {
		if err := q.dispatch(ctx); err != nil {
			return result.FacetCounts{}, err
		}
	}
	return *q.facetCounts, nil
}

// SpellingSuggestion returns the backend's suggestion, optionally for a
// preferred query instead of the compiled one. A preferred query runs on a
// one-row copy and leaves the cached results alone.
func (q *Query) SpellingSuggestion(ctx context.Context, preferred string) (string, error) {
	if preferred == "" {
		if q.spelling == nil {
			if err := q.dispatch(ctx); err != nil {
				return "", err
			}
		}
		return *q.spelling, nil
	}
	if q.mlt {
		return "", nil
	}
	speller := q.Clone()
	one := speller.start + 1
	speller.end = &one
	if err := speller.dispatchSpelling(ctx, preferred); err != nil {
		return "", err
	}
	return *speller.spelling, nil
}
