package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/metrics"
	"github.com/kailas-cloud/needle/internal/query"
)

// Engine is the registry name of this backend.
const Engine = "elasticsearch"

const (
	defaultTimeout = 10 * time.Second
	// maxResultWindow is the default index.max_result_window.
	maxResultWindow = 10000
	maxErrorBody    = 512
)

// Backend executes queries against one Elasticsearch index.
type Backend struct {
	*backend.Base
	es      *elasticsearch.Client
	http    *http.Transport
	index   string
	dialect *Dialect
}

var _ query.Backend = (*Backend)(nil)

// New creates an Elasticsearch backend. Kwargs may carry "username",
// "password" and "api_key".
func New(opts backend.Options, u *index.Unified, logger *zap.Logger) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("connection %q: elasticsearch needs a url: %w", opts.Alias, domain.ErrConfig)
	}
	if opts.IndexName == "" {
		return nil, fmt.Errorf("connection %q: elasticsearch needs an index_name: %w", opts.Alias, domain.ErrConfig)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	transport := &http.Transport{ResponseHeaderTimeout: opts.Timeout}
	cfg := elasticsearch.Config{
		Addresses: strings.Split(opts.URL, ","),
		Transport: transport,
	}
	if s, ok := opts.Kwargs["username"].(string); ok {
		cfg.Username = s
	}
	if s, ok := opts.Kwargs["password"].(string); ok {
		cfg.Password = s
	}
	if s, ok := opts.Kwargs["api_key"].(string); ok {
		cfg.APIKey = s
	}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %v: %w", opts.Alias, err, domain.ErrConfig)
	}
	base := backend.NewBase(Engine, opts, u, logger)
	return &Backend{
		Base:    base,
		es:      es,
		http:    transport,
		index:   opts.IndexName,
		dialect: NewDialect(u, base.Logger),
	}, nil
}

// Dialect returns the Elasticsearch dialect.
func (b *Backend) Dialect() query.Dialect { return b.dialect }

// Close releases idle connections.
func (b *Backend) Close() error {
	b.http.CloseIdleConnections()
	return nil
}

// perform runs one API request, decoding a 2xx body into out.
func (b *Backend) perform(ctx context.Context, req esapi.Request, out any) error {
	res, err := req.Do(ctx, b.es)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return &domain.HTTPStatusError{StatusCode: res.StatusCode, Body: string(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Search runs q with the given parameters.
func (b *Backend) Search(ctx context.Context, q string, p *query.SearchParams) (*query.Response, error) {
	if len(q) == 0 {
		return query.EmptyResponse(), nil
	}
	if p == nil {
		p = &query.SearchParams{}
	}
	return b.GuardSearch(ctx, "search", func(ctx context.Context) (*query.Response, error) {
		if err := b.EnsureSetup(ctx, b.setupIndex); err != nil {
			return nil, err
		}
		body, aggs := b.searchBody(q, p)
		return b.search(ctx, body, aggs, p)
	})
}

func (b *Backend) search(ctx context.Context, body map[string]any, aggs aggNames, p *query.SearchParams) (*query.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}
	var raw searchResponse
	req := esapi.SearchRequest{Index: []string{b.index}, Body: bytes.NewReader(data)}
	if err := b.perform(ctx, req, &raw); err != nil {
		return nil, err
	}
	return b.processResults(&raw, aggs, p), nil
}

// aggNames maps aggregation names back to facet keys.
type aggNames struct {
	fields  map[string]string
	dates   map[string]string
	queries map[string]string
}

func (b *Backend) searchBody(q string, p *query.SearchParams) (map[string]any, aggNames) {
	content := b.Unified.DocumentFieldName()

	var main map[string]any
	if q == b.dialect.MatchingAllFragment() {
		main = map[string]any{"match_all": map[string]any{}}
	} else {
		main = map[string]any{"query_string": map[string]any{
			"default_field":    content,
			"default_operator": b.Opts.DefaultOperator,
			"query":            q,
			"analyze_wildcard": true,
		}}
	}
	filters := b.filters(p.Models, p.NarrowQueries)

	body := map[string]any{"query": boolQuery(main, filters)}
	start := p.StartOffset
	size := p.Limit()
	if size < 0 {
		size = max(maxResultWindow-start, 0)
	}
	body["from"] = start
	body["size"] = size

	if len(p.Fields) > 0 {
		source := []string{model.FieldID, model.FieldDjangoCT, model.FieldDjangoID}
		for _, f := range p.Fields {
			source = append(source, b.Unified.IndexFieldName(f))
		}
		body["_source"] = source
	}

	if len(p.SortBy) > 0 {
		sorts := make([]any, 0, len(p.SortBy))
		for _, s := range p.SortBy {
			order := "asc"
			if s.Desc {
				order = "desc"
			}
			sorts = append(sorts, map[string]any{
				b.Unified.IndexFieldName(s.Field): map[string]any{"order": order},
			})
		}
		body["sort"] = sorts
	}

	if p.Highlight != nil {
		hl := map[string]any{"fields": map[string]any{content: map[string]any{}}}
		for k, v := range p.Highlight.Options {
			hl[k] = v
		}
		body["highlight"] = hl
	}

	names := aggNames{fields: map[string]string{}, dates: map[string]string{}, queries: map[string]string{}}
	aggs := map[string]any{}
	for _, name := range sortedKeys(p.Facets) {
		terms := map[string]any{"field": name, "size": 100}
		for k, v := range p.Facets[name] {
			if k == "limit" {
				k = "size"
			}
			terms[k] = v
		}
		key := "field_" + name
		aggs[key] = map[string]any{"terms": terms}
		names.fields[key] = name
	}
	for _, name := range sortedKeys(p.DateFacets) {
		df := p.DateFacets[name]
		var ranges []map[string]any
		buckets := df.Buckets()
		for i, from := range buckets {
			to := df.End
			if i+1 < len(buckets) {
				to = buckets[i+1]
			}
			ranges = append(ranges, map[string]any{
				"from": from.UTC().Format(DateLayout),
				"to":   to.UTC().Format(DateLayout),
			})
		}
		key := "date_" + name
		aggs[key] = map[string]any{"date_range": map[string]any{
			"field":  name,
			"format": "yyyy-MM-dd'T'HH:mm:ss",
			"ranges": ranges,
		}}
		names.dates[key] = name
	}
	for i, qf := range p.QueryFacets {
		key := fmt.Sprintf("query_%d", i)
		aggs[key] = map[string]any{"filter": map[string]any{
			"query_string": map[string]any{"query": qf.Field + ":" + qf.Query},
		}}
		names.queries[key] = qf.Field + ":" + qf.Query
	}
	if len(aggs) > 0 {
		body["aggs"] = aggs
	}

	if b.Opts.IncludeSpelling {
		text := p.SpellingQuery
		if text == "" {
			text = q
		}
		body["suggest"] = map[string]any{
			"text":     text,
			"spelling": map[string]any{"term": map[string]any{"field": content}},
		}
	}

	for k, v := range p.Extra {
		body[k] = v
	}
	return body, names
}

func (b *Backend) filters(models []model.Model, queries []string) []any {
	var out []any
	if len(models) > 0 {
		out = append(out, map[string]any{"terms": map[string]any{model.FieldDjangoCT: backend.ModelLabels(models)}})
	}
	for _, nq := range queries {
		if nq == "" {
			continue
		}
		out = append(out, map[string]any{"query_string": map[string]any{"query": nq}})
	}
	return out
}

func boolQuery(main map[string]any, filters []any) map[string]any {
	if len(filters) == 0 {
		return main
	}
	return map[string]any{"bool": map[string]any{"must": main, "filter": filters}}
}

// MoreLikeThis finds documents similar to seed with a more_like_this query.
func (b *Backend) MoreLikeThis(ctx context.Context, seed model.Object, p *query.SearchParams) (*query.Response, error) {
	if seed == nil {
		return nil, fmt.Errorf("%w: no seed object", domain.ErrMoreLikeThis)
	}
	if p == nil {
		p = &query.SearchParams{}
	}
	return b.GuardSearch(ctx, "more_like_this", func(ctx context.Context) (*query.Response, error) {
		if err := b.EnsureSetup(ctx, b.setupIndex); err != nil {
			return nil, err
		}
		mlt := map[string]any{"more_like_this": map[string]any{
			"fields":        []string{b.Unified.DocumentFieldName()},
			"like":          []any{map[string]any{"_index": b.index, "_id": model.Identifier(seed)}},
			"min_term_freq": 1,
			"min_doc_freq":  1,
		}}
		var narrow []string
		if p.AdditionalQuery != "" {
			narrow = append(narrow, p.AdditionalQuery)
		}
		start, size := backend.Window(p, maxResultWindow)
		body := map[string]any{
			"query": boolQuery(mlt, b.filters(p.Models, narrow)),
			"from":  start,
			"size":  size,
		}
		return b.search(ctx, body, aggNames{}, p)
	})
}

// Update bulk-indexes objs through idx.
func (b *Backend) Update(ctx context.Context, idx *index.Index, objs []model.Object, commit bool) error {
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

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		for k, v := range doc {
			doc[k] = wireValue(v)
		}
		meta := map[string]any{"index": map[string]any{"_index": b.index, "_id": doc[model.FieldID]}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode document %v: %w", doc[model.FieldID], err)
		}
	}

	return b.Guard(ctx, "update", func(ctx context.Context) error {
		if err := b.EnsureSetup(ctx, b.setupIndex); err != nil {
			return err
		}
		var res bulkResponse
		req := esapi.BulkRequest{Index: b.index, Body: &buf, Refresh: refresh(commit)}
		if err := b.perform(ctx, req, &res); err != nil {
			return err
		}
		if !res.Errors {
			return nil
		}
		failed := 0
		for _, item := range res.Items {
			for _, r := range item {
				if r.Error == nil {
					continue
				}
				failed++
				b.Logger.Error("Document failed to index",
					zap.String("id", r.ID), zap.Int("status", r.Status), zap.String("reason", r.Error.Reason))
			}
		}
		if failed == 0 {
			return nil
		}
		metrics.DocumentsIndexedTotal.WithLabelValues(b.Opts.Alias, "failed").Add(float64(failed))
		return fmt.Errorf("bulk update: %d of %d documents failed", failed, len(docs))
	})
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// Remove deletes one document by object or identifier. A missing
// document or index is not an error.
func (b *Backend) Remove(ctx context.Context, objOrID any, commit bool) error {
	id, err := model.IdentifierOf(objOrID)
	if err != nil {
		return err
	}
	return b.Guard(ctx, "remove", func(ctx context.Context) error {
		req := esapi.DeleteRequest{Index: b.index, DocumentID: id, Refresh: refresh(commit)}
		err := b.perform(ctx, req, nil)
		if domain.IsStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	})
}

// Clear drops the whole index, or deletes the documents of models.
func (b *Backend) Clear(ctx context.Context, models []model.Model, commit bool) error {
	return b.Guard(ctx, "clear", func(ctx context.Context) error {
		if len(models) == 0 {
			err := b.perform(ctx, esapi.IndicesDeleteRequest{Index: []string{b.index}}, nil)
			if err != nil && !domain.IsStatus(err, http.StatusNotFound) {
				return err
			}
			b.ResetSetup()
			return nil
		}
		body, err := json.Marshal(map[string]any{"query": map[string]any{
			"terms": map[string]any{model.FieldDjangoCT: backend.ModelLabels(models)},
		}})
		if err != nil {
			return fmt.Errorf("marshal delete query: %w", err)
		}
		req := esapi.DeleteByQueryRequest{Index: []string{b.index}, Body: bytes.NewReader(body)}
		if commit {
			on := true
			req.Refresh = &on
		}
		err = b.perform(ctx, req, nil)
		if domain.IsStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	})
}

func refresh(commit bool) string {
	if commit {
		return "true"
	}
	return ""
}

// wireValue renders values the JSON document body cannot take as is.
func wireValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(DateLayout)
	case field.Point:
		return map[string]float64{"lat": x.Lat, "lon": x.Lon}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = wireValue(e)
		}
		return out
	case fmt.Stringer:
		return x.String()
	}
	return v
}
