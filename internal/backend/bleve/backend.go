package bleve

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	needlequery "github.com/kailas-cloud/needle/internal/query"
)

// Engine is the registry name of this backend.
const Engine = "bleve"

const (
	defaultFacetLimit = 100
	mltMaxTerms       = 25
	clearPageSize     = 1000
)

var errClosed = errors.New("index is closed")

// Backend executes queries against an in-process bleve index. An empty
// Path keeps the index in memory.
type Backend struct {
	*backend.Base
	dialect *Dialect

	mu  sync.RWMutex
	idx bleve.Index
}

var _ needlequery.Backend = (*Backend)(nil)

// New creates an embedded backend. The index is opened on first use.
func New(opts backend.Options, u *index.Unified, logger *zap.Logger) (*Backend, error) {
	base := backend.NewBase(Engine, opts, u, logger)
	return &Backend{
		Base:    base,
		dialect: NewDialect(u, base.Logger),
	}, nil
}

// Dialect returns the embedded dialect.
func (b *Backend) Dialect() needlequery.Dialect { return b.dialect }

// BuildSchema returns the document field name and the bleve index mapping.
func (b *Backend) BuildSchema() (string, any, error) {
	m, err := BuildMapping(b.Unified)
	if err != nil {
		return "", nil, err
	}
	return b.Unified.DocumentFieldName(), m, nil
}

// Setup opens or creates the index.
func (b *Backend) Setup(ctx context.Context) error {
	return b.Guard(ctx, "setup", func(ctx context.Context) error {
		return b.EnsureSetup(ctx, b.open)
	})
}

func (b *Backend) open(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idx != nil {
		return nil
	}
	m, err := BuildMapping(b.Unified)
	if err != nil {
		return err
	}
	path := b.Opts.Path
	switch _, statErr := os.Stat(path); {
	case path == "":
		b.idx, err = bleve.NewMemOnly(m)
	case statErr == nil:
		b.Logger.Debug("Opening existing index", zap.String("path", path))
		b.idx, err = bleve.Open(path)
	case os.IsNotExist(statErr):
		b.Logger.Info("Creating index", zap.String("path", path))
		b.idx, err = bleve.New(path, m)
	default:
		err = statErr
	}
	if err != nil {
		return fmt.Errorf("open index %q: %w", path, err)
	}
	return nil
}

// ready opens the index if needed and returns it.
func (b *Backend) ready(ctx context.Context) (bleve.Index, error) {
	if err := b.EnsureSetup(ctx, b.open); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.idx == nil {
		return nil, errClosed
	}
	return b.idx, nil
}

// Close closes the index.
func (b *Backend) Close() error {
	return b.closeIndex()
}

func (b *Backend) parser() *Parser {
	return &Parser{
		DefaultField: b.Unified.DocumentFieldName(),
		Conjunction:  strings.EqualFold(b.Opts.DefaultOperator, "AND"),
		Fields:       b.Unified.Field,
	}
}

// compile parses q and ands it with the model and narrow filters.
func (b *Backend) compile(q string, models []model.Model, narrow []string) (query.Query, error) {
	p := b.parser()
	main, err := p.Parse(q)
	if err != nil {
		return nil, err
	}
	filters, err := b.filters(p, models, narrow)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return main, nil
	}
	return bleve.NewConjunctionQuery(append([]query.Query{main}, filters...)...), nil
}

func (b *Backend) filters(p *Parser, models []model.Model, narrow []string) ([]query.Query, error) {
	var out []query.Query
	if len(models) > 0 {
		var cts []query.Query
		for _, label := range backend.ModelLabels(models) {
			tq := bleve.NewTermQuery(label)
			tq.SetField(model.FieldDjangoCT)
			cts = append(cts, tq)
		}
		out = append(out, bleve.NewDisjunctionQuery(cts...))
	}
	for _, nq := range narrow {
		if nq == "" {
			continue
		}
		parsed, err := p.Parse(nq)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Search runs q with the given parameters.
func (b *Backend) Search(ctx context.Context, q string, p *needlequery.SearchParams) (*needlequery.Response, error) {
	if len(q) == 0 {
		return needlequery.EmptyResponse(), nil
	}
	if p == nil {
		p = &needlequery.SearchParams{}
	}
	return b.GuardSearch(ctx, "search", func(ctx context.Context) (*needlequery.Response, error) {
		idx, err := b.ready(ctx)
		if err != nil {
			return nil, err
		}
		compiled, err := b.compile(q, p.Models, p.NarrowQueries)
		if err != nil {
			return nil, err
		}
		req, err := b.request(idx, compiled, p)
		if err != nil {
			return nil, err
		}
		res, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, err
		}
		resp := b.processResults(res, p)

		if len(p.QueryFacets) > 0 {
			if resp.Facets.Queries, err = b.queryFacets(ctx, idx, compiled, p.QueryFacets); err != nil {
				return nil, err
			}
		}
		if b.Opts.IncludeSpelling {
			text := p.SpellingQuery
			if text == "" {
				text = q
			}
			if resp.SpellingSuggestion, err = b.suggest(idx, text); err != nil {
				return nil, err
			}
		}
		return resp, nil
	})
}

func (b *Backend) request(idx bleve.Index, q query.Query, p *needlequery.SearchParams) (*bleve.SearchRequest, error) {
	start, size, err := window(idx, p)
	if err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequestOptions(q, size, start, false)
	if len(p.Fields) > 0 {
		req.Fields = []string{model.FieldID, model.FieldDjangoCT, model.FieldDjangoID}
		for _, f := range p.Fields {
			req.Fields = append(req.Fields, b.Unified.IndexFieldName(f))
		}
	} else {
		req.Fields = []string{"*"}
	}

	if len(p.SortBy) > 0 {
		order := make([]string, 0, len(p.SortBy))
		for _, s := range p.SortBy {
			name := b.Unified.IndexFieldName(s.Field)
			if s.Desc {
				name = "-" + name
			}
			order = append(order, name)
		}
		req.SortBy(order)
	}

	if p.Highlight != nil {
		req.Highlight = bleve.NewHighlight()
		req.Highlight.AddField(b.Unified.DocumentFieldName())
	}

	for name, opts := range p.Facets {
		req.AddFacet(name, bleve.NewFacetRequest(name, facetLimit(opts)))
	}
	for name, df := range p.DateFacets {
		buckets := df.Buckets()
		fr := bleve.NewFacetRequest(name, max(len(buckets), 1))
		for i, from := range buckets {
			to := df.End
			if i+1 < len(buckets) {
				to = buckets[i+1]
			}
			fr.AddDateTimeRange(from.UTC().Format(time.RFC3339), from, to)
		}
		req.AddFacet(dateFacetPrefix+name, fr)
	}
	return req, nil
}

const dateFacetPrefix = "date:"

// window returns the start offset and size; open windows run to the end
// of the index.
func window(idx bleve.Index, p *needlequery.SearchParams) (int, int, error) {
	start := p.StartOffset
	size := p.Limit()
	if size >= 0 {
		return start, size, nil
	}
	n, err := idx.DocCount()
	if err != nil {
		return 0, 0, fmt.Errorf("count documents: %w", err)
	}
	return start, max(int(n)-start, 0), nil
}

func facetLimit(opts map[string]any) int {
	switch v := opts["limit"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultFacetLimit
}

// queryFacets counts hits of main further restricted by each facet query.
func (b *Backend) queryFacets(
	ctx context.Context, idx bleve.Index, main query.Query, facets []needlequery.QueryFacet,
) (map[string]int, error) {
	p := b.parser()
	out := make(map[string]int, len(facets))
	for _, qf := range facets {
		key := qf.Field + ":" + qf.Query
		fq, err := p.Parse(key)
		if err != nil {
			return nil, err
		}
		req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(main, fq), 0, 0, false)
		res, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("query facet %s: %w", key, err)
		}
		out[key] = int(res.Total)
	}
	return out, nil
}

// MoreLikeThis finds documents sharing the most frequent analyzed terms of
// the seed's document field.
func (b *Backend) MoreLikeThis(ctx context.Context, seed model.Object, p *needlequery.SearchParams) (*needlequery.Response, error) {
	if seed == nil {
		return nil, fmt.Errorf("%w: no seed object", domain.ErrMoreLikeThis)
	}
	if p == nil {
		p = &needlequery.SearchParams{}
	}
	return b.GuardSearch(ctx, "more_like_this", func(ctx context.Context) (*needlequery.Response, error) {
		idx, err := b.ready(ctx)
		if err != nil {
			return nil, err
		}
		id := model.Identifier(seed)
		terms, err := b.seedTerms(ctx, idx, id)
		if err != nil {
			return nil, err
		}
		if len(terms) == 0 {
			return needlequery.EmptyResponse(), nil
		}

		content := b.Unified.DocumentFieldName()
		like := make([]query.Query, 0, len(terms))
		for _, t := range terms {
			tq := bleve.NewTermQuery(t)
			tq.SetField(content)
			like = append(like, tq)
		}
		bq := bleve.NewBooleanQuery()
		bq.AddMust(bleve.NewDisjunctionQuery(like...))
		bq.AddMustNot(bleve.NewDocIDQuery([]string{id}))

		var narrow []string
		if p.AdditionalQuery != "" {
			narrow = append(narrow, p.AdditionalQuery)
		}
		filters, err := b.filters(b.parser(), p.Models, narrow)
		if err != nil {
			return nil, err
		}
		var q query.Query = bq
		if len(filters) > 0 {
			q = bleve.NewConjunctionQuery(append([]query.Query{bq}, filters...)...)
		}

		start, size, err := window(idx, p)
		if err != nil {
			return nil, err
		}
		req := bleve.NewSearchRequestOptions(q, size, start, false)
		req.Fields = []string{"*"}
		res, err := idx.SearchInContext(ctx, req)
		if err != nil {
			return nil, err
		}
		return b.processResults(res, p), nil
	})
}

// seedTerms returns the most frequent analyzed terms of the stored
// document field of id.
func (b *Backend) seedTerms(ctx context.Context, idx bleve.Index, id string) ([]string, error) {
	content := b.Unified.DocumentFieldName()
	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery([]string{id}), 1, 0, false)
	req.Fields = []string{content}
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("load seed %s: %w", id, err)
	}
	if len(res.Hits) == 0 {
		b.Logger.Debug("More like this seed is not indexed", zap.String("id", id))
		return nil, nil
	}
	text := joinText(res.Hits[0].Fields[content])
	analyzer := idx.Mapping().AnalyzerNamed(TextAnalyzer)
	if analyzer == nil {
		return nil, fmt.Errorf("analyzer %s is not registered: %w", TextAnalyzer, domain.ErrConfig)
	}
	freq := map[string]int{}
	for _, tok := range analyzer.Analyze([]byte(text)) {
		freq[string(tok.Term)]++
	}
	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if len(terms) > mltMaxTerms {
		terms = terms[:mltMaxTerms]
	}
	return terms, nil
}

func joinText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// Update indexes objs through idx in a single batch.
func (b *Backend) Update(ctx context.Context, idx *index.Index, objs []model.Object, _ bool) error {
	if len(objs) == 0 {
		return nil
	}
	docs, err := b.PrepareDocuments(idx, objs)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	return b.Guard(ctx, "update", func(ctx context.Context) error {
		bi, err := b.ready(ctx)
		if err != nil {
			return err
		}
		batch := bi.NewBatch()
		for _, doc := range docs {
			id, _ := doc[model.FieldID].(string)
			for k, v := range doc {
				doc[k] = storeValue(idx, k, v)
			}
			if err := batch.Index(id, doc); err != nil {
				return fmt.Errorf("index %s: %w", id, err)
			}
		}
		return bi.Batch(batch)
	})
}

// storeValue converts values to what the field mapping indexes.
func storeValue(idx *index.Index, name string, v any) any {
	f, ok := idx.FieldByIndexName(name)
	if ok && f.Type() == field.Location {
		if pt, err := field.ToPoint(v); err == nil {
			return map[string]any{"lat": pt.Lat, "lon": pt.Lon}
		}
	}
	switch x := v.(type) {
	case time.Time:
		return x.UTC()
	case field.Point:
		return map[string]any{"lat": x.Lat, "lon": x.Lon}
	case fmt.Stringer:
		return x.String()
	}
	return v
}

// Remove deletes one document by object or identifier.
func (b *Backend) Remove(ctx context.Context, objOrID any, _ bool) error {
	id, err := model.IdentifierOf(objOrID)
	if err != nil {
		return err
	}
	return b.Guard(ctx, "remove", func(ctx context.Context) error {
		bi, err := b.ready(ctx)
		if err != nil {
			return err
		}
		return bi.Delete(id)
	})
}

// Clear drops the whole index, or deletes the documents of models.
func (b *Backend) Clear(ctx context.Context, models []model.Model, _ bool) error {
	return b.Guard(ctx, "clear", func(ctx context.Context) error {
		if len(models) == 0 {
			return b.drop()
		}
		bi, err := b.ready(ctx)
		if err != nil {
			return err
		}
		filters, err := b.filters(b.parser(), models, nil)
		if err != nil {
			return err
		}
		for {
			req := bleve.NewSearchRequestOptions(filters[0], clearPageSize, 0, false)
			res, err := bi.SearchInContext(ctx, req)
			if err != nil {
				return err
			}
			if len(res.Hits) == 0 {
				return nil
			}
			batch := bi.NewBatch()
			for _, hit := range res.Hits {
				batch.Delete(hit.ID)
			}
			if err := bi.Batch(batch); err != nil {
				return err
			}
		}
	})
}

func (b *Backend) drop() error {
	if err := b.closeIndex(); err != nil {
		return err
	}
	if b.Opts.Path != "" {
		if err := os.RemoveAll(b.Opts.Path); err != nil {
			return fmt.Errorf("remove index %q: %w", b.Opts.Path, err)
		}
	}
	return nil
}

// closeIndex closes the open index and forces the next call to reopen it.
// The setup flag is reset outside mu; open runs under the setup lock.
func (b *Backend) closeIndex() error {
	b.mu.Lock()
	var err error
	if b.idx != nil {
		err = b.idx.Close()
		b.idx = nil
	}
	b.mu.Unlock()
	b.ResetSetup()
	if err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	return nil
}
