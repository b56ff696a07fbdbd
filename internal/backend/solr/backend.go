package solr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/query"
)

// Engine is the registry name of this backend.
const Engine = "solr"

const defaultTimeout = 10 * time.Second

// Backend executes queries against one Solr core.
type Backend struct {
	*backend.Base
	client  *client
	dialect *Dialect
}

var _ query.Backend = (*Backend)(nil)

// New creates a Solr backend. opts.URL is the core URL, e.g.
// http://localhost:8983/solr/needle.
func New(opts backend.Options, u *index.Unified, logger *zap.Logger) (*Backend, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("connection %q: solr needs a url: %w", opts.Alias, domain.ErrConfig)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Backend{
		Base: backend.NewBase(Engine, opts, u, logger),
		client: &client{
			base: strings.TrimRight(opts.URL, "/"),
			http: &http.Client{Timeout: opts.Timeout},
		},
		dialect: NewDialect(u),
	}, nil
}

// Dialect returns the Solr dialect.
func (b *Backend) Dialect() query.Dialect { return b.dialect }

// Close is a no-op; the HTTP client holds no dedicated resources.
func (b *Backend) Close() error { return nil }

// Search runs q with the given parameters.
func (b *Backend) Search(ctx context.Context, q string, p *query.SearchParams) (*query.Response, error) {
	if len(q) == 0 {
		return query.EmptyResponse(), nil
	}
	return b.GuardSearch(ctx, "search", func(ctx context.Context) (*query.Response, error) {
		var raw selectResponse
		if err := b.client.postForm(ctx, "/select", b.searchParams(q, p), &raw); err != nil {
			return nil, err
		}
		return b.processResults(&raw, p), nil
	})
}

func (b *Backend) searchParams(q string, p *query.SearchParams) url.Values {
	if p == nil {
		p = &query.SearchParams{}
	}
	content := b.Unified.DocumentFieldName()
	v := url.Values{}
	v.Set("q", q)
	v.Set("df", content)
	v.Set("q.op", b.Opts.DefaultOperator)
	v.Set("fl", b.fieldList(p.Fields))
	v.Set("start", strconv.Itoa(p.StartOffset))
	if limit := p.Limit(); limit >= 0 {
		v.Set("rows", strconv.Itoa(limit))
	}

	if len(p.SortBy) > 0 {
		bits := make([]string, 0, len(p.SortBy))
		for _, s := range p.SortBy {
			dir := "asc"
			if s.Desc {
				dir = "desc"
			}
			bits = append(bits, b.Unified.IndexFieldName(s.Field)+" "+dir)
		}
		v.Set("sort", strings.Join(bits, ", "))
	}

	if p.Highlight != nil {
		v.Set("hl", "true")
		v.Set("hl.fl", content)
		v.Set("hl.fragsize", "200")
		for k, opt := range p.Highlight.Options {
			if !strings.HasPrefix(k, "hl.") {
				k = "hl." + k
			}
			v.Set(k, fmt.Sprint(opt))
		}
	}

	if len(p.Facets) > 0 {
		v.Set("facet", "on")
		for _, name := range sortedKeys(p.Facets) {
			v.Add("facet.field", name)
			for k, opt := range p.Facets[name] {
				v.Set(fmt.Sprintf("f.%s.facet.%s", name, k), syntax.Value(opt))
			}
		}
	}
	if len(p.DateFacets) > 0 {
		v.Set("facet", "on")
		v.Set("facet.range.other", "none")
		for _, name := range sortedKeys(p.DateFacets) {
			df := p.DateFacets[name]
			v.Add("facet.range", name)
			v.Set(fmt.Sprintf("f.%s.facet.range.start", name), syntax.Value(df.Start))
			v.Set(fmt.Sprintf("f.%s.facet.range.end", name), syntax.Value(df.End))
			v.Set(fmt.Sprintf("f.%s.facet.range.gap", name), dateGap(df))
		}
	}
	if len(p.QueryFacets) > 0 {
		v.Set("facet", "on")
		for _, qf := range p.QueryFacets {
			v.Add("facet.query", qf.Field+":"+qf.Query)
		}
	}

	for _, nq := range p.NarrowQueries {
		v.Add("fq", nq)
	}
	if fq := modelFilter(p.Models); fq != "" {
		v.Add("fq", fq)
	}

	if b.Opts.IncludeSpelling {
		v.Set("spellcheck", "true")
		v.Set("spellcheck.collate", "true")
		v.Set("spellcheck.count", "1")
		if p.SpellingQuery != "" {
			v.Set("spellcheck.q", p.SpellingQuery)
		}
	}

	for k, extra := range p.Extra {
		v.Set(k, fmt.Sprint(extra))
	}
	return v
}

func (b *Backend) fieldList(fields []string) string {
	if len(fields) == 0 {
		return "* score"
	}
	out := []string{model.FieldID, model.FieldDjangoCT, model.FieldDjangoID, "score"}
	for _, f := range fields {
		out = append(out, b.Unified.IndexFieldName(f))
	}
	return strings.Join(out, " ")
}

// dateGap renders Solr date math, e.g. "+3MONTHS/MONTH".
func dateGap(df query.DateFacet) string {
	unit := strings.ToUpper(string(df.GapBy))
	gap := strconv.Itoa(df.GapAmount) + unit
	if df.GapAmount != 1 {
		gap += "S"
	}
	return "+" + gap + "/" + unit
}

func modelFilter(models []model.Model) string {
	if len(models) == 0 {
		return ""
	}
	return fmt.Sprintf("%s:(%s)", model.FieldDjangoCT, strings.Join(backend.ModelLabels(models), " OR "))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MoreLikeThis finds documents similar to seed through the /mlt handler.
func (b *Backend) MoreLikeThis(ctx context.Context, seed model.Object, p *query.SearchParams) (*query.Response, error) {
	if seed == nil {
		return nil, fmt.Errorf("%w: no seed object", domain.ErrMoreLikeThis)
	}
	if p == nil {
		p = &query.SearchParams{}
	}
	return b.GuardSearch(ctx, "more_like_this", func(ctx context.Context) (*query.Response, error) {
		v := url.Values{}
		v.Set("q", model.FieldID+":"+b.dialect.BuildExactQuery(model.Identifier(seed)))
		v.Set("mlt.fl", b.Unified.DocumentFieldName())
		v.Set("fl", "* score")
		v.Set("start", strconv.Itoa(p.StartOffset))
		if limit := p.Limit(); limit >= 0 {
			v.Set("rows", strconv.Itoa(limit))
		}
		if fq := modelFilter(p.Models); fq != "" {
			v.Add("fq", fq)
		}
		if p.AdditionalQuery != "" {
			v.Add("fq", p.AdditionalQuery)
		}
		var raw selectResponse
		if err := b.client.postForm(ctx, "/mlt", v, &raw); err != nil {
			return nil, err
		}
		return b.processResults(&raw, p), nil
	})
}

// Update indexes objs through idx.
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
	for _, doc := range docs {
		for k, v := range doc {
			doc[k] = wireValue(v)
		}
	}
	return b.Guard(ctx, "update", func(ctx context.Context) error {
		if err := b.EnsureSetup(ctx, b.syncSchema); err != nil {
			return err
		}
		return b.client.postJSON(ctx, "/update", commitParams(commit), docs, nil)
	})
}

// Remove deletes one document by object or identifier. A missing core
// (404) is not an error.
func (b *Backend) Remove(ctx context.Context, objOrID any, commit bool) error {
	id, err := model.IdentifierOf(objOrID)
	if err != nil {
		return err
	}
	return b.Guard(ctx, "remove", func(ctx context.Context) error {
		body := map[string]any{"delete": map[string]string{"id": id}}
		err := b.client.postJSON(ctx, "/update", commitParams(commit), body, nil)
		if domain.IsStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	})
}

// Clear deletes every document, or only those of models.
func (b *Backend) Clear(ctx context.Context, models []model.Model, commit bool) error {
	q := "*:*"
	if len(models) > 0 {
		bits := make([]string, 0, len(models))
		for _, label := range backend.ModelLabels(models) {
			bits = append(bits, fmt.Sprintf(`%s:"%s"`, model.FieldDjangoCT, label))
		}
		q = strings.Join(bits, " OR ")
	}
	return b.Guard(ctx, "clear", func(ctx context.Context) error {
		body := map[string]any{"delete": map[string]string{"query": q}}
		return b.client.postJSON(ctx, "/update", commitParams(commit), body, nil)
	})
}

func commitParams(commit bool) url.Values {
	v := url.Values{}
	if commit {
		v.Set("commit", "true")
	}
	return v
}

// wireValue renders values the Solr JSON loader cannot take as is.
func wireValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(DateLayout)
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
