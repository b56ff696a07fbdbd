package needle

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/metrics"
	"github.com/kailas-cloud/needle/internal/query"
)

// ResultSet is a lazy, chainable view over search results. Chain methods
// return a modified copy and never touch the backend; Count, iteration,
// slicing and the other terminal methods do.
//
// A ResultSet caches what it has fetched and is not safe for concurrent use.
type ResultSet struct {
	client   *Client
	alias    string
	explicit bool
	query    *query.Query
	err      error
	empty    bool

	cache   []*result.Result
	offset  int // backend hits consumed into cache
	ignored int

	loadAll bool
	loaders map[model.Model]result.Loader
}

// EmptyResultSet matches nothing and ignores every chain method. Use it
// when input was rejected before a query could be built.
func EmptyResultSet() *ResultSet {
	return &ResultSet{empty: true}
}

func (c *Client) newResultSet(alias string, explicit bool) *ResultSet {
	q, err := c.newQuery(alias)
	return &ResultSet{client: c, alias: alias, explicit: explicit, query: q, err: err}
}

// Alias returns the connection the result set reads from.
func (rs *ResultSet) Alias() string { return rs.alias }

// IsEmpty reports whether rs is an EmptyResultSet.
func (rs *ResultSet) IsEmpty() bool { return rs.empty }

// Err returns the first error recorded by a chain method.
func (rs *ResultSet) Err() error { return rs.err }

// Query returns the compiled query string, for debugging.
func (rs *ResultSet) Query() (string, error) {
	if rs.empty {
		return "", nil
	}
	if rs.err != nil {
		return "", rs.err
	}
	return rs.query.BuildQuery()
}

func (rs *ResultSet) clone() *ResultSet {
	c := &ResultSet{
		client:   rs.client,
		alias:    rs.alias,
		explicit: rs.explicit,
		err:      rs.err,
		empty:    rs.empty,
		loadAll:  rs.loadAll,
		loaders:  maps.Clone(rs.loaders),
	}
	if rs.query != nil {
		c.query = rs.query.Clone()
	}
	return c
}

// chain applies fn to a copy of rs. Errors stick to the copy and surface
// from its terminal methods.
func (rs *ResultSet) chain(fn func(c *ResultSet) error) *ResultSet {
	if rs.empty {
		return rs
	}
	c := rs.clone()
	if c.err == nil {
		c.err = fn(c)
	}
	return c
}

// All returns a copy of rs.
func (rs *ResultSet) All() *ResultSet {
	return rs.chain(func(*ResultSet) error { return nil })
}

// None returns an EmptyResultSet.
func (rs *ResultSet) None() *ResultSet {
	return EmptyResultSet()
}

// Filter narrows the results with the default operator.
func (rs *ResultSet) Filter(nodes ...*Node) *ResultSet {
	if rs.client != nil && rs.client.operator == sq.OR {
		return rs.FilterOr(nodes...)
	}
	return rs.FilterAnd(nodes...)
}

// FilterAnd narrows the results with AND.
func (rs *ResultSet) FilterAnd(nodes ...*Node) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddFilter(sq.And(nodes...), false, false)
		return nil
	})
}

// FilterOr widens the results with OR.
func (rs *ResultSet) FilterOr(nodes ...*Node) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddFilter(sq.And(nodes...), true, false)
		return nil
	})
}

// Exclude drops results matching all of nodes.
func (rs *ResultSet) Exclude(nodes ...*Node) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddFilter(sq.And(nodes...), false, true)
		return nil
	})
}

// AutoQuery filters with user input: each quoted phrase becomes an exact
// filter, each "-term" an exclusion and every other word a cleaned content
// filter, all ANDed. The field defaults to the document field.
func (rs *ResultSet) AutoQuery(s string, fieldName ...string) *ResultSet {
	f := sq.ContentField
	if len(fieldName) > 0 && fieldName[0] != "" {
		f = fieldName[0]
	}
	exact := f + sq.LookupSep + string(sq.OpExact)
	content := f + sq.LookupSep + string(sq.OpContent)
	return rs.chain(func(c *ResultSet) error {
		for _, tok := range input.Tokenize(s) {
			switch tok.Kind {
			case input.TokenPhrase:
				c.query.AddFilter(sq.Q(exact, tok.Text), false, false)
			case input.TokenNegated:
				c.query.AddFilter(sq.Q(content, input.Clean(tok.Text)), false, true)
			default:
				c.query.AddFilter(sq.Q(content, input.Clean(tok.Text)), false, false)
			}
		}
		return nil
	})
}

// OrderBy appends orderings; "-field" sorts descending.
func (rs *ResultSet) OrderBy(fields ...string) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		for _, f := range fields {
			c.query.AddOrderBy(f)
		}
		return nil
	})
}

// Highlight enables highlighting with optional engine-specific options.
func (rs *ResultSet) Highlight(opts map[string]any) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddHighlight(opts)
		return nil
	})
}

// Models restricts results to the given entity types. Unless the alias was
// pinned with Using, the read routers are consulted again.
func (rs *ResultSet) Models(ms ...Model) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		for _, m := range ms {
			c.query.AddModel(m)
		}
		if c.explicit {
			return nil
		}
		alias := c.client.registry.ForRead(connection.Hints{Models: c.query.Models()})
		if alias == c.alias {
			return nil
		}
		return c.switchTo(alias)
	})
}

// Using pins the result set to alias, keeping every filter.
func (rs *ResultSet) Using(alias string) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.explicit = true
		if alias == c.alias {
			return nil
		}
		return c.switchTo(alias)
	})
}

func (rs *ResultSet) switchTo(alias string) error {
	b, err := rs.client.registry.Backend(alias)
	if err != nil {
		return fmt.Errorf("using %q: %w", alias, err)
	}
	u, err := rs.client.registry.Unified(alias)
	if err != nil {
		return fmt.Errorf("using %q: %w", alias, err)
	}
	rs.query = rs.query.Using(b.Dialect(), b, u)
	rs.alias = alias
	return nil
}

// Boost raises the score of documents containing term.
func (rs *ResultSet) Boost(term string, factor float64) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddBoost(term, factor)
		return nil
	})
}

// Facet requests value counts of a field.
func (rs *ResultSet) Facet(fieldName string, opts map[string]any) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddFieldFacet(fieldName, opts)
		return nil
	})
}

// DateFacet requests counts of a date field bucketed by gapAmount gapBy
// units (GapYear ... GapSecond) between start and end.
func (rs *ResultSet) DateFacet(fieldName string, start, end time.Time, gapBy string, gapAmount int) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		return c.query.AddDateFacet(fieldName, start, end, gapBy, gapAmount)
	})
}

// QueryFacet counts hits matching a dialect fragment on a field.
func (rs *ResultSet) QueryFacet(fieldName, fragment string) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddQueryFacet(fieldName, fragment)
		return nil
	})
}

// Narrow adds a dialect fragment applied as a filter query.
func (rs *ResultSet) Narrow(fragment string) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.AddNarrowQuery(fragment)
		return nil
	})
}

// RawSearch sends s to the backend as is, with engine-specific params.
func (rs *ResultSet) RawSearch(s string, params map[string]any) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.RawSearch(s, params)
		return nil
	})
}

// LoadAll resolves the primary object of every fetched hit in one lookup
// per entity type. Hits whose object no longer exists are dropped.
func (rs *ResultSet) LoadAll() *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.loadAll = true
		return nil
	})
}

// LoadAllQueryset overrides the lookup used by LoadAll for m.
func (rs *ResultSet) LoadAllQueryset(m Model, l Loader) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		if c.loaders == nil {
			c.loaders = make(map[model.Model]result.Loader)
		}
		c.loaders[m] = l
		return nil
	})
}

// ResultClass builds hits with f; nil restores the default.
func (rs *ResultSet) ResultClass(f ResultFactory) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.SetResultFactory(f)
		return nil
	})
}

// MoreLikeThis returns documents similar to obj, narrowed by the current
// filters.
func (rs *ResultSet) MoreLikeThis(obj Object) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.MoreLikeThis(obj)
		return nil
	})
}

// Count returns the number of hits reported by the backend.
func (rs *ResultSet) Count(ctx context.Context) (int, error) {
	if rs.empty {
		return 0, nil
	}
	if rs.err != nil {
		return 0, rs.err
	}
	return rs.query.Count(ctx)
}

// Iter yields every hit, fetching LOAD_STEP hits per backend round trip.
func (rs *ResultSet) Iter(ctx context.Context) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		if rs.empty {
			return
		}
		if rs.err != nil {
			yield(nil, rs.err)
			return
		}
		for i := 0; ; i++ {
			if err := rs.cacheUpTo(ctx, i+1); err != nil {
				yield(nil, err)
				return
			}
			if i >= len(rs.cache) {
				return
			}
			if !yield(rs.cache[i], nil) {
				return
			}
		}
	}
}

// Results fetches every hit.
func (rs *ResultSet) Results(ctx context.Context) ([]*Result, error) {
	var out []*Result
	for r, err := range rs.Iter(ctx) {
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Slice returns hits [start, end). A fully cached result set is sliced in
// memory; otherwise one backend call fetches exactly that window. With
// LoadAll, positions only exist after hydration, so the cache is filled up
// to end and sliced.
func (rs *ResultSet) Slice(ctx context.Context, start, end int) ([]*Result, error) {
	if start < 0 || end < 0 {
		return nil, ErrNegativeIndex
	}
	if rs.empty || end <= start {
		return []*Result{}, nil
	}
	if rs.err != nil {
		return nil, rs.err
	}
	full, err := rs.cacheIsFull(ctx)
	if err != nil {
		return nil, err
	}
	if rs.loadAll {
		if err := rs.cacheUpTo(ctx, end); err != nil {
			return nil, err
		}
	}
	if full || rs.loadAll || end <= len(rs.cache) {
		lo, hi := min(start, len(rs.cache)), min(end, len(rs.cache))
		return slices.Clone(rs.cache[lo:hi]), nil
	}

	c := rs.clone()
	c.query.SetLimits(start, end)
	batch, err := c.query.Results(ctx)
	if err != nil {
		return nil, err
	}
	return c.postProcess(ctx, batch)
}

// Index returns the hit at position i.
func (rs *ResultSet) Index(ctx context.Context, i int) (*Result, error) {
	hits, err := rs.Slice(ctx, i, i+1)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, fmt.Errorf("result %d: %w", i, ErrIndexOutOfRange)
	}
	return hits[0], nil
}

// BestMatch returns the first hit.
func (rs *ResultSet) BestMatch(ctx context.Context) (*Result, error) {
	return rs.Index(ctx, 0)
}

// Latest returns the hit with the most recent dateField.
func (rs *ResultSet) Latest(ctx context.Context, dateField string) (*Result, error) {
	c := rs.chain(func(c *ResultSet) error {
		c.query.ClearOrderBy()
		c.query.AddOrderBy("-" + dateField)
		return nil
	})
	return c.BestMatch(ctx)
}

// FacetCounts returns the requested facet counts.
func (rs *ResultSet) FacetCounts(ctx context.Context) (FacetCounts, error) {
	if rs.empty {
		return FacetCounts{}, nil
	}
	if rs.err != nil {
		return FacetCounts{}, rs.err
	}
	if rs.query.HasRun() {
		return rs.query.FacetCounts(ctx)
	}
	c := rs.clone()
	c.query.SetLimits(0, 1)
	return c.query.FacetCounts(ctx)
}

// SpellingSuggestion returns the backend's suggestion for the query, or for
// preferred when it is not empty.
func (rs *ResultSet) SpellingSuggestion(ctx context.Context, preferred string) (string, error) {
	if rs.empty {
		return "", nil
	}
	if rs.err != nil {
		return "", rs.err
	}
	if rs.query.HasRun() {
		return rs.query.SpellingSuggestion(ctx, preferred)
	}
	c := rs.clone()
	c.query.SetLimits(0, 1)
	return c.query.SpellingSuggestion(ctx, preferred)
}

// Values returns the stored fields of every hit, limited to fields.
func (rs *ResultSet) Values(ctx context.Context, fields ...string) ([]map[string]any, error) {
	results, err := rs.valuesOf(fields).Results(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(results))
	for i, r := range results {
		row := make(map[string]any, len(fields))
		for _, f := range fields {
			row[f] = fieldValue(r, f)
		}
		out[i] = row
	}
	return out, nil
}

// ValuesList returns the stored fields of every hit as rows ordered like fields.
func (rs *ResultSet) ValuesList(ctx context.Context, fields ...string) ([][]any, error) {
	results, err := rs.valuesOf(fields).Results(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(results))
	for i, r := range results {
		row := make([]any, len(fields))
		for j, f := range fields {
			row[j] = fieldValue(r, f)
		}
		out[i] = row
	}
	return out, nil
}

// FlatValuesList returns one stored field of every hit.
func (rs *ResultSet) FlatValuesList(ctx context.Context, fieldName string) ([]any, error) {
	rows, err := rs.ValuesList(ctx, fieldName)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row[0]
	}
	return out, nil
}

func (rs *ResultSet) valuesOf(fields []string) *ResultSet {
	return rs.chain(func(c *ResultSet) error {
		c.query.SetFields(fields)
		c.loadAll = false
		return nil
	})
}

// fieldValue also answers for the reserved id, pk and score names.
func fieldValue(r *Result, name string) any {
	if v, ok := r.Field(name); ok {
		return v
	}
	switch name {
	case model.FieldID:
		return r.ID()
	case "pk", model.FieldDjangoID:
		return r.PK()
	case "score":
		return r.Score()
	}
	return nil
}

// cacheIsFull reports whether every hit the backend announced is cached or
// ignored. It never spends a backend call on a result set that has not run.
func (rs *ResultSet) cacheIsFull(ctx context.Context) (bool, error) {
	if !rs.query.HitsKnown() {
		return false, nil
	}
	total, err := rs.query.Count(ctx)
	if err != nil {
		return false, err
	}
	return len(rs.cache) >= total-rs.ignored, nil
}

// cacheUpTo fills the cache until it holds n hits or the backend has
// nothing more to give.
func (rs *ResultSet) cacheUpTo(ctx context.Context, n int) error {
	for len(rs.cache) < n {
		full, err := rs.cacheIsFull(ctx)
		if err != nil || full {
			return err
		}
		if err := rs.fillCache(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fillCache fetches the next LOAD_STEP hits after what was consumed so far.
func (rs *ResultSet) fillCache(ctx context.Context) error {
	step := DefaultLoadStep
	if rs.client != nil {
		step = rs.client.loadStep
	}
	rs.query.SetLimits(rs.offset, rs.offset+step)
	rs.query.Reset()
	batch, err := rs.query.Results(ctx)
	if err != nil {
		return err
	}
	kept, err := rs.postProcess(ctx, batch)
	if err != nil {
		return err
	}
	rs.offset += len(batch)
	rs.cache = append(rs.cache, kept...)
	rs.ignored += len(batch) - len(kept)

	if len(batch) < step {
		// The backend has nothing past this batch; stop iterating even if
		// it announced more hits.
		total, err := rs.query.Count(ctx)
		if err != nil {
			return err
		}
		if short := total - rs.offset; short > 0 {
			rs.ignored += short
		}
	}
	return nil
}

// postProcess binds lazy loaders to a batch, or hydrates it with LoadAll.
func (rs *ResultSet) postProcess(ctx context.Context, batch []*Result) ([]*Result, error) {
	if !rs.loadAll {
		for _, r := range batch {
			if l := rs.loaderFor(r.Model()); l != nil {
				r.Bind(l, rs.logger())
			}
		}
		return batch, nil
	}
	return rs.hydrate(ctx, batch)
}

// hydrate loads the objects of batch with one lookup per entity type, run
// concurrently. Hits whose object is missing are dropped.
func (rs *ResultSet) hydrate(ctx context.Context, batch []*Result) ([]*Result, error) {
	groups := make(map[model.Model][]string)
	for _, r := range batch {
		groups[r.Model()] = append(groups[r.Model()], r.PK())
	}

	var mu sync.Mutex
	loaded := make(map[model.Model]map[string]any, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for m, pks := range groups {
		l := rs.loaderFor(m)
		if l == nil {
			rs.logger().Warn("No loader for model, results are not hydrated",
				zap.String("model", m.String()))
			continue
		}
		g.Go(func() error {
			objs, err := l.LoadByIDs(gctx, m, pks)
			if err != nil {
				return fmt.Errorf("load_all %s: %w", m, err)
			}
			mu.Lock()
			loaded[m] = objs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := make([]*Result, 0, len(batch))
	for _, r := range batch {
		objs, ok := loaded[r.Model()]
		if !ok {
			kept = append(kept, r)
			continue
		}
		obj, found := objs[r.PK()]
		if !found {
			metrics.HydrationTotal.WithLabelValues("missing").Inc()
			rs.logger().Warn("Object could not be found for search result",
				zap.String("model", r.Model().String()),
				zap.String("pk", r.PK()),
			)
			continue
		}
		metrics.HydrationTotal.WithLabelValues("found").Inc()
		r.SetObject(obj)
		kept = append(kept, r)
	}
	return kept, nil
}

func (rs *ResultSet) loaderFor(m model.Model) result.Loader {
	if l, ok := rs.loaders[m]; ok {
		return l
	}
	if u, err := rs.client.registry.Unified(rs.alias); err == nil {
		if idx, err := u.Index(m); err == nil && idx.Loader() != nil {
			return idx.Loader()
		}
	}
	return rs.client.loader
}

func (rs *ResultSet) logger() *zap.Logger {
	if rs.client == nil {
		return zap.NewNop()
	}
	return rs.client.logger
}
