package needle

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/backend/solr"
	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/metrics"
	"github.com/kailas-cloud/needle/internal/query"
)

var noteModel = model.New("blog", "note")

// stubBackend serves total numbered hits and records every call.
type stubBackend struct {
	query.Backend
	dialect query.Dialect
	total   int
	// announce overrides the reported hit count when set.
	announce int
	facets   result.FacetCounts
	err      error

	calls   int
	queries []string
	params  []*query.SearchParams
}

func (b *stubBackend) Dialect() query.Dialect { return b.dialect }

func (b *stubBackend) Search(_ context.Context, q string, p *query.SearchParams) (*query.Response, error) {
	b.calls++
	b.queries = append(b.queries, q)
	b.params = append(b.params, p)
	if b.err != nil {
		return nil, b.err
	}
	end := b.total
	if p.EndOffset != nil {
		end = min(*p.EndOffset, b.total)
	}
	var hits []*result.Result
	for i := p.StartOffset; i < end; i++ {
		pk := strconv.Itoa(i + 1)
		hits = append(hits, result.New(noteModel, pk, float64(b.total-i), map[string]any{
			"title": "note " + pk,
			"views": int64(i),
		}))
	}
	reported := b.total
	if b.announce > 0 {
		reported = b.announce
	}
	return &query.Response{Results: hits, Hits: reported, Facets: b.facets, SpellingSuggestion: "hello"}, nil
}

func (b *stubBackend) MoreLikeThis(ctx context.Context, _ model.Object, p *query.SearchParams) (*query.Response, error) {
	return b.Search(ctx, "mlt", p)
}

func (b *stubBackend) Close() error { return nil }

func withEngine(name string, f connection.Factory) Option {
	return func(c *clientConfig) {
		c.registryOpts = append(c.registryOpts, connection.WithFactory(name, f))
	}
}

func noteIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := index.New(noteModel,
		index.WithField("text", field.MustNew(field.Text, field.Document())),
		index.WithField("title", field.MustNew(field.Text)),
		index.WithField("author", field.MustNew(field.Text, field.Faceted())),
		index.WithField("pub_date", field.MustNew(field.DateTime)),
		index.WithField("views", field.MustNew(field.Integer)),
	)
	if err != nil {
		t.Fatalf("index.New: %v", err)
	}
	return idx
}

// stubClient wires b as the default alias.
func stubClient(t *testing.T, b *stubBackend, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithConnection(DefaultAlias, ConnectionConfig{Engine: "stub"}),
		WithIndexes(noteIndex(t)),
		withEngine("stub", func(_ backend.Options, u *index.Unified, _ *zap.Logger) (query.Backend, error) {
			b.dialect = solr.NewDialect(u)
			return b, nil
		}),
	}
	c, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pks(results []*Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.PK()
	}
	return out
}

func TestIter_LoadStep(t *testing.T) {
	b := &stubBackend{total: 23}
	c := stubClient(t, b)
	ctx := context.Background()

	results, err := c.Search().Results(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 23 {
		t.Fatalf("len = %d, want 23", len(results))
	}
	if b.calls != 3 {
		t.Errorf("iteration issued %d queries, want 3", b.calls)
	}
	for i, p := range b.params {
		if p.StartOffset != i*10 || p.EndOffset == nil || *p.EndOffset != i*10+10 {
			t.Errorf("window %d = [%d, %v)", i, p.StartOffset, p.EndOffset)
		}
	}
}

func TestIter_CountFirst(t *testing.T) {
	b := &stubBackend{total: 23}
	c := stubClient(t, b)
	ctx := context.Background()
	rs := c.Search()

	n, err := rs.Count(ctx)
	if err != nil || n != 23 {
		t.Fatalf("Count = %d, %v", n, err)
	}
	if _, err := rs.Results(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 4 {
		t.Errorf("count + iteration issued %d queries, want 4", b.calls)
	}
	if n, _ := rs.Count(ctx); n != 23 || b.calls != 4 {
		t.Errorf("Count after iteration = %d with %d queries", n, b.calls)
	}
	// A second pass is served from the cache.
	if _, err := rs.Results(ctx); err != nil || b.calls != 4 {
		t.Errorf("second pass issued queries, calls = %d", b.calls)
	}
}

func TestIter_ZeroHits(t *testing.T) {
	b := &stubBackend{}
	rs := stubClient(t, b).Search()
	results, err := rs.Results(context.Background())
	if err != nil || len(results) != 0 {
		t.Fatalf("Results = %v, %v", results, err)
	}
	if b.calls != 1 {
		t.Errorf("calls = %d, want 1", b.calls)
	}
}

func TestIter_StopsEarly(t *testing.T) {
	b := &stubBackend{total: 23}
	rs := stubClient(t, b).Search()
	n := 0
	for _, err := range rs.Iter(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		if n++; n == 5 {
			break
		}
	}
	if b.calls != 1 {
		t.Errorf("calls = %d, want 1", b.calls)
	}
}

func TestIter_ShortBackend(t *testing.T) {
	// The backend announces more hits than it can return.
	b := &stubBackend{total: 12, announce: 15}
	results, err := stubClient(t, b).Search().Results(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 12 {
		t.Errorf("len = %d, want 12", len(results))
	}
	if b.calls != 2 {
		t.Errorf("calls = %d, want 2", b.calls)
	}
}

func TestSlice(t *testing.T) {
	b := &stubBackend{total: 23}
	c := stubClient(t, b)
	ctx := context.Background()

	got, err := c.Search().Slice(ctx, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"3", "4", "5"}; !slices.Equal(pks(got), want) {
		t.Errorf("slice = %v, want %v", pks(got), want)
	}
	p := b.params[0]
	if b.calls != 1 || p.StartOffset != 2 || *p.EndOffset != 5 {
		t.Errorf("calls = %d, window = [%d, %d)", b.calls, p.StartOffset, *p.EndOffset)
	}

	rs := c.Search()
	all, err := rs.Results(ctx)
	if err != nil {
		t.Fatal(err)
	}
	calls := b.calls
	cached, err := rs.Slice(ctx, 2, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(pks(cached), pks(all[2:5])) {
		t.Errorf("cached slice = %v, want %v", pks(cached), pks(all[2:5]))
	}
	if b.calls != calls {
		t.Error("slicing a full cache hit the backend")
	}

	tail, _ := rs.Slice(ctx, 20, 40)
	if len(tail) != 3 {
		t.Errorf("tail len = %d, want 3", len(tail))
	}
}

func TestSlice_Errors(t *testing.T) {
	b := &stubBackend{total: 3}
	rs := stubClient(t, b).Search()
	ctx := context.Background()

	if _, err := rs.Slice(ctx, -1, 2); !errors.Is(err, ErrNegativeIndex) {
		t.Errorf("expected ErrNegativeIndex, got %v", err)
	}
	if _, err := rs.Index(ctx, 5); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	best, err := rs.BestMatch(ctx)
	if err != nil || best.PK() != "1" {
		t.Errorf("BestMatch = %v, %v", best, err)
	}
}

func TestChain_DoesNotMutate(t *testing.T) {
	b := &stubBackend{total: 1}
	base := stubClient(t, b).Search()
	filtered := base.Filter(Q("content", "hello"))

	if q, _ := base.Query(); q != "*:*" {
		t.Errorf("base query = %q, want match all", q)
	}
	if q, _ := filtered.Query(); q != "(hello)" {
		t.Errorf("filtered query = %q", q)
	}
	if q, _ := filtered.Exclude(Q("content", "world")).Query(); !strings.Contains(q, "NOT") {
		t.Errorf("exclude query = %q", q)
	}
	if b.calls != 0 {
		t.Errorf("chain methods issued %d queries", b.calls)
	}
}

func TestChain_AutoQuery(t *testing.T) {
	rs := stubClient(t, &stubBackend{}).Search().AutoQuery(`"p q" -r s`)

	type leaf struct {
		expr    string
		value   any
		negated bool
	}
	var got []leaf
	rs.query.Filter().Walk(func(l sq.Leaf, negated bool) {
		got = append(got, leaf{l.Expr, l.Value, negated})
	})
	want := []leaf{
		{"content__exact", "p q", false},
		{"content__content", input.Clean("r"), true},
		{"content__content", input.Clean("s"), false},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("filter leaves = %+v, want %+v", got, want)
	}

	q, err := rs.Query()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"p q"`, "NOT", "(s)"} {
		if !strings.Contains(q, want) {
			t.Errorf("query %q lacks %q", q, want)
		}
	}
}

func TestChain_AutoQueryField(t *testing.T) {
	rs := stubClient(t, &stubBackend{}).Search().AutoQuery("-only", "title")
	var exprs []string
	negated := 0
	rs.query.Filter().Walk(func(l sq.Leaf, neg bool) {
		exprs = append(exprs, l.Expr)
		if neg {
			negated++
		}
	})
	if !slices.Equal(exprs, []string{"title__content"}) || negated != 1 {
		t.Errorf("leaves = %v, negated = %d", exprs, negated)
	}
}

func TestChain_ParamsReachBackend(t *testing.T) {
	b := &stubBackend{total: 5}
	rs := stubClient(t, b).Search().
		OrderBy("-pub_date").
		Highlight(nil).
		Facet("author", nil).
		QueryFacet("author", "daniel").
		Narrow("author_exact:daniel").
		Boost("hello", 2)
	if _, err := rs.Results(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := b.params[0]
	if len(p.SortBy) != 1 || p.SortBy[0].Field != "pub_date" || !p.SortBy[0].Desc {
		t.Errorf("sort = %+v", p.SortBy)
	}
	if p.Highlight == nil {
		t.Error("highlight not requested")
	}
	if _, ok := p.Facets["author_exact"]; !ok {
		t.Errorf("facets = %v", p.Facets)
	}
	if len(p.QueryFacets) != 1 || len(p.NarrowQueries) != 1 {
		t.Errorf("query facets = %v, narrow = %v", p.QueryFacets, p.NarrowQueries)
	}
	if !strings.Contains(b.queries[0], "hello^2") {
		t.Errorf("query = %q, want a boost", b.queries[0])
	}
	if !slices.Equal(p.Models, []model.Model{noteModel}) {
		t.Errorf("models = %v", p.Models)
	}
}

func TestChain_Errors(t *testing.T) {
	rs := stubClient(t, &stubBackend{}).Search()

	bad := rs.DateFacet("pub_date", time.Now(), time.Now(), "fortnight", 1)
	if !errors.Is(bad.Err(), ErrField) {
		t.Errorf("expected ErrField, got %v", bad.Err())
	}
	if _, err := bad.Filter(Q("content", "x")).Count(context.Background()); !errors.Is(err, ErrField) {
		t.Errorf("chained error lost: %v", err)
	}
	if _, err := rs.Using("missing").Count(context.Background()); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if _, err := rs.MoreLikeThis(nil).Results(context.Background()); !errors.Is(err, ErrMoreLikeThis) {
		t.Errorf("expected ErrMoreLikeThis, got %v", err)
	}
}

func TestLatest(t *testing.T) {
	b := &stubBackend{total: 5}
	r, err := stubClient(t, b).Search().OrderBy("title").Latest(context.Background(), "pub_date")
	if err != nil || r == nil {
		t.Fatalf("Latest = %v, %v", r, err)
	}
	p := b.params[0]
	if len(p.SortBy) != 1 || p.SortBy[0] != (query.Sort{Field: "pub_date", Desc: true}) {
		t.Errorf("sort = %+v", p.SortBy)
	}
	if *p.EndOffset-p.StartOffset != 1 {
		t.Errorf("window = [%d, %d)", p.StartOffset, *p.EndOffset)
	}
}

func TestLoadAll(t *testing.T) {
	b := &stubBackend{total: 5}
	loads := 0
	loader := index.LoaderFunc(func(_ context.Context, m model.Model, ids []string) (map[string]any, error) {
		loads++
		out := make(map[string]any)
		for _, id := range ids {
			if id != "2" {
				out[id] = "object " + id
			}
		}
		return out, nil
	})
	missing := testutil.ToFloat64(metrics.HydrationTotal.WithLabelValues("missing"))

	rs := stubClient(t, b, WithObjectLoader(loader)).Search().LoadAll()
	results, err := rs.Results(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"1", "3", "4", "5"}; !slices.Equal(pks(results), want) {
		t.Errorf("pks = %v, want %v", pks(results), want)
	}
	if obj, _ := results[0].Object(context.Background()); obj != "object 1" {
		t.Errorf("object = %v", obj)
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}
	if got := testutil.ToFloat64(metrics.HydrationTotal.WithLabelValues("missing")) - missing; got != 1 {
		t.Errorf("missing counter delta = %v, want 1", got)
	}
}

func TestSlice_LoadAllMatchesIteration(t *testing.T) {
	b := &stubBackend{total: 23}
	loader := index.LoaderFunc(func(_ context.Context, _ model.Model, ids []string) (map[string]any, error) {
		out := make(map[string]any)
		for _, id := range ids {
			if id != "3" {
				out[id] = id
			}
		}
		return out, nil
	})
	c := stubClient(t, b, WithObjectLoader(loader))
	ctx := context.Background()

	all, err := c.Search().LoadAll().Results(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 22 {
		t.Fatalf("len = %d, want 22", len(all))
	}

	tests := []struct {
		name       string
		start, end int
	}{
		{"before the gap", 0, 2},
		{"across the gap", 1, 4},
		{"after the gap", 5, 8},
		{"across a batch", 8, 13},
		{"past the end", 20, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Search().LoadAll().Slice(ctx, tt.start, tt.end)
			if err != nil {
				t.Fatal(err)
			}
			want := all[tt.start:min(tt.end, len(all))]
			if !slices.Equal(pks(got), pks(want)) {
				t.Errorf("slice = %v, want %v", pks(got), pks(want))
			}
		})
	}

	r, err := c.Search().LoadAll().Index(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if r.PK() != "4" {
		t.Errorf("Index(2) = %s, want 4", r.PK())
	}
}

func TestLoadAllQueryset_Override(t *testing.T) {
	b := &stubBackend{total: 2}
	fallback := index.LoaderFunc(func(context.Context, model.Model, []string) (map[string]any, error) {
		t.Error("default loader used despite an override")
		return nil, nil
	})
	override := index.LoaderFunc(func(_ context.Context, _ model.Model, ids []string) (map[string]any, error) {
		return map[string]any{"1": "only"}, nil
	})
	results, err := stubClient(t, b, WithObjectLoader(fallback)).Search().
		LoadAll().
		LoadAllQueryset(noteModel, override).
		Results(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].PK() != "1" {
		t.Errorf("results = %v", pks(results))
	}
}

func TestLoadAll_LoaderError(t *testing.T) {
	b := &stubBackend{total: 2}
	boom := errors.New("store down")
	loader := index.LoaderFunc(func(context.Context, model.Model, []string) (map[string]any, error) {
		return nil, boom
	})
	_, err := stubClient(t, b, WithObjectLoader(loader)).Search().LoadAll().Results(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("expected loader error, got %v", err)
	}
}

func TestLazyObject(t *testing.T) {
	b := &stubBackend{total: 1}
	loader := index.LoaderFunc(func(_ context.Context, _ model.Model, ids []string) (map[string]any, error) {
		return map[string]any{ids[0]: "lazy"}, nil
	})
	r, err := stubClient(t, b, WithObjectLoader(loader)).Search().BestMatch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r.Loaded() {
		t.Error("object loaded without LoadAll")
	}
	if obj, err := r.Object(context.Background()); err != nil || obj != "lazy" {
		t.Errorf("Object = %v, %v", obj, err)
	}
}

func TestValues(t *testing.T) {
	b := &stubBackend{total: 2}
	rs := stubClient(t, b).Search()
	ctx := context.Background()

	rows, err := rs.Values(ctx, "title", "pk")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0]["title"] != "note 1" || rows[1]["pk"] != "2" {
		t.Errorf("values = %v", rows)
	}
	if !slices.Equal(b.params[0].Fields, []string{"title", "pk"}) {
		t.Errorf("fields = %v", b.params[0].Fields)
	}

	list, err := rs.ValuesList(ctx, "views", "title")
	if err != nil {
		t.Fatal(err)
	}
	if list[1][0] != int64(1) || list[1][1] != "note 2" {
		t.Errorf("values list = %v", list)
	}

	flat, err := rs.FlatValuesList(ctx, "title")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(flat, []any{"note 1", "note 2"}) {
		t.Errorf("flat = %v", flat)
	}
}

func TestFacetCountsAndSpelling(t *testing.T) {
	b := &stubBackend{total: 40, facets: result.FacetCounts{
		Fields: map[string][]result.FacetCount{"author_exact": {{Value: "daniel", Count: 2}}},
	}}
	rs := stubClient(t, b).Search().Facet("author", nil)
	ctx := context.Background()

	fc, err := rs.FacetCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := fc.Fields["author"]; len(got) != 1 || got[0].Count != 2 {
		t.Errorf("facets = %+v", fc)
	}
	if *b.params[0].EndOffset != 1 {
		t.Errorf("facet request fetched %d hits", *b.params[0].EndOffset)
	}

	s, err := rs.SpellingSuggestion(ctx, "")
	if err != nil || s != "hello" {
		t.Errorf("suggestion = %q, %v", s, err)
	}
}

func TestEmptyResultSet(t *testing.T) {
	rs := EmptyResultSet()
	ctx := context.Background()

	if rs.Filter(Q("content", "x")) != rs || rs.OrderBy("x").LoadAll() != rs {
		t.Error("chain methods should return the empty set itself")
	}
	if n, err := rs.Count(ctx); n != 0 || err != nil {
		t.Errorf("Count = %d, %v", n, err)
	}
	if results, err := rs.Results(ctx); len(results) != 0 || err != nil {
		t.Errorf("Results = %v, %v", results, err)
	}
	if _, err := rs.BestMatch(ctx); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	if fc, err := rs.FacetCounts(ctx); err != nil || !fc.IsEmpty() {
		t.Errorf("FacetCounts = %+v, %v", fc, err)
	}

	none := stubClient(t, &stubBackend{total: 3}).Search().None()
	if !none.IsEmpty() {
		t.Error("None should return an empty set")
	}
}

func TestModels_Routing(t *testing.T) {
	primary := &stubBackend{total: 1}
	replica := &stubBackend{total: 2}
	router, err := NewGlobRouter([]string{"blog.*"}, "replica", nil)
	if err != nil {
		t.Fatal(err)
	}
	c := stubClient(t, primary,
		WithConnection("replica", ConnectionConfig{Engine: "replica"}),
		withEngine("replica", func(_ backend.Options, u *index.Unified, _ *zap.Logger) (query.Backend, error) {
			replica.dialect = solr.NewDialect(u)
			return replica, nil
		}),
		WithRouters(router),
	)
	ctx := context.Background()

	rs := c.Search().Models(noteModel)
	if rs.Alias() != "replica" {
		t.Fatalf("alias = %q, want replica", rs.Alias())
	}
	if n, _ := rs.Count(ctx); n != 2 {
		t.Errorf("count = %d, want the replica's 2", n)
	}

	pinned := c.Using(DefaultAlias).Models(noteModel)
	if pinned.Alias() != DefaultAlias {
		t.Errorf("pinned alias = %q", pinned.Alias())
	}
	if n, _ := rs.Using(DefaultAlias).Count(ctx); n != 1 {
		t.Errorf("count = %d, want the primary's 1", n)
	}
}

func TestSearchError_Propagates(t *testing.T) {
	boom := errors.New("boom")
	b := &stubBackend{err: boom}
	if _, err := stubClient(t, b).Search().Results(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected backend error, got %v", err)
	}
}
