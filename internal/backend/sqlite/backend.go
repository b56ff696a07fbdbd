package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/query"
)

// Engine is the registry name of this backend.
const Engine = "sqlite"

const (
	defaultTable      = "needle"
	defaultFacetLimit = 100
	mltMaxTerms       = 25
	highlightOpen     = "<em>"
	highlightClose    = "</em>"
)

// Backend executes queries against one FTS5 table. An empty Path keeps the
// database in memory.
type Backend struct {
	*backend.Base
	db      *sql.DB
	schema  *Schema
	dialect *Dialect
}

var _ query.Backend = (*Backend)(nil)

// New opens the database and lays out the table schema. The table is
// created on first use.
func New(opts backend.Options, u *index.Unified, logger *zap.Logger) (*Backend, error) {
	table := opts.IndexName
	if table == "" {
		table = defaultTable
	}
	schema, err := BuildSchema(table, u)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", opts.Alias, err)
	}
	dsn := opts.Path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connection %q: open %s: %v: %w", opts.Alias, dsn, err, domain.ErrConfig)
	}
	// A single connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	base := backend.NewBase(Engine, opts, u, logger)
	return &Backend{
		Base:    base,
		db:      db,
		schema:  schema,
		dialect: NewDialect(u, base.Logger),
	}, nil
}

// Dialect returns the FTS5 dialect.
func (b *Backend) Dialect() query.Dialect { return b.dialect }

// Close closes the database.
func (b *Backend) Close() error { return b.db.Close() }

// BuildSchema returns the document field name and the table DDL.
func (b *Backend) BuildSchema() (string, any, error) {
	return b.Unified.DocumentFieldName(), b.schema.DDL(), nil
}

// Setup creates the table.
func (b *Backend) Setup(ctx context.Context) error {
	return b.Guard(ctx, "setup", func(ctx context.Context) error {
		return b.EnsureSetup(ctx, b.setup)
	})
}

func (b *Backend) setup(ctx context.Context) error {
	pragmas := []string{"PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"}
	if b.Opts.Path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma: %w", err)
		}
	}
	return b.setupTable(ctx)
}

// filter is a MATCH expression plus the model restriction.
type filter struct {
	match  string
	models []string
	extra  string
	args   []any
}

func (b *Backend) newFilter(q string, models []model.Model, narrow []string) filter {
	parts := []string{"(" + q + ")"}
	for _, nq := range narrow {
		if nq != "" {
			parts = append(parts, "("+nq+")")
		}
	}
	return filter{match: strings.Join(parts, " AND "), models: backend.ModelLabels(models)}
}

// and returns a copy of f further restricted by a MATCH expression.
func (f filter) and(expr string) filter {
	f.match = f.match + " AND (" + expr + ")"
	return f
}

// where renders the WHERE clause and its arguments.
func (f filter) where(table string) (string, []any) {
	clause := quoteIdent(table) + " MATCH ?"
	args := []any{f.match}
	if len(f.models) > 0 {
		clause += " AND " + quoteIdent(model.FieldDjangoCT) + " IN (" + placeholders(len(f.models)) + ")"
		for _, m := range f.models {
			args = append(args, m)
		}
	}
	if f.extra != "" {
		clause += " AND " + f.extra
		args = append(args, f.args...)
	}
	return clause, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
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
		if err := b.EnsureSetup(ctx, b.setup); err != nil {
			return nil, err
		}
		f := b.newFilter(q, p.Models, p.NarrowQueries)
		resp, err := b.search(ctx, f, p)
		if err != nil {
			return nil, err
		}
		if err := b.facets(ctx, f, p, resp); err != nil {
			return nil, err
		}
		if b.Opts.IncludeSpelling {
			b.Logger.Warn("Spelling suggestions are not supported by FTS5")
		}
		return resp, nil
	})
}

func (b *Backend) count(ctx context.Context, f filter) (int, error) {
	where, args := f.where(b.schema.Table)
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+quoteIdent(b.schema.Table)+" WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (b *Backend) search(ctx context.Context, f filter, p *query.SearchParams) (*query.Response, error) {
	total, err := b.count(ctx, f)
	if err != nil {
		return nil, err
	}

	table := quoteIdent(b.schema.Table)
	cols, err := b.selectColumns(p.Fields)
	if err != nil {
		return nil, err
	}
	selects := []string{"-bm25(" + table + ")"}
	content := b.Unified.DocumentFieldName()
	highlight := p.Highlight != nil && b.schema.Position(content) >= 0
	if highlight {
		selects = append(selects, fmt.Sprintf("highlight(%s, %d, '%s', '%s')",
			table, b.schema.Position(content), highlightOpen, highlightClose))
	}
	for _, c := range cols {
		selects = append(selects, quoteIdent(c.Name))
	}

	order, err := b.orderBy(p.SortBy)
	if err != nil {
		return nil, err
	}
	where, args := f.where(b.schema.Table)
	limit := p.Limit()
	stmt := "SELECT " + strings.Join(selects, ", ") + " FROM " + table +
		" WHERE " + where + " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(args, limit, p.StartOffset)

	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	resp := query.EmptyResponse()
	resp.Hits = total
	for rows.Next() {
		var (
			score     float64
			snippet   sql.NullString
			values    = make([]sql.NullString, len(cols))
			dest      = []any{&score}
			fieldVals = make(map[string]any, len(cols))
		)
		if highlight {
			dest = append(dest, &snippet)
		}
		for i := range values {
			dest = append(dest, &values[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		for i, c := range cols {
			if values[i].Valid {
				fieldVals[c.Name] = readValue(c, values[i].String)
			}
		}
		ct, _ := fieldVals[model.FieldDjangoCT].(string)
		pk, _ := fieldVals[model.FieldDjangoID].(string)
		hit := backend.Hit{ContentType: ct, PK: pk, Score: score, Fields: fieldVals}
		if snippet.Valid {
			hit.Highlighted = []string{snippet.String}
		}
		r, ok := b.BuildResult(p, hit)
		if !ok {
			resp.Hits--
			continue
		}
		resp.Results = append(resp.Results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return resp, nil
}

// selectColumns returns the reserved columns plus the requested fields,
// or every column when none are requested.
func (b *Backend) selectColumns(fields []string) ([]Column, error) {
	var out []Column
	for _, c := range b.schema.Columns {
		if c.Name == AllColumn {
			continue
		}
		if len(fields) > 0 && !model.IsReserved(c.Name) {
			continue
		}
		out = append(out, c)
	}
	for _, name := range fields {
		c, ok := b.schema.Column(b.Unified.IndexFieldName(name))
		if !ok {
			return nil, domain.NewFieldError(name, fmt.Errorf("not a column of %s", b.schema.Table))
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *Backend) orderBy(sorts []query.Sort) (string, error) {
	if len(sorts) == 0 {
		return "bm25(" + quoteIdent(b.schema.Table) + ")", nil
	}
	terms := make([]string, 0, len(sorts))
	for _, s := range sorts {
		c, ok := b.schema.Column(b.Unified.IndexFieldName(s.Field))
		if !ok {
			return "", domain.NewFieldError(s.Field, fmt.Errorf("can not sort on unknown column"))
		}
		term := quoteIdent(c.Name)
		if c.Type.IsNumeric() {
			term = "CAST(" + term + " AS REAL)"
		}
		if s.Desc {
			term += " DESC"
		}
		terms = append(terms, term)
	}
	return strings.Join(terms, ", "), nil
}

func (b *Backend) facets(ctx context.Context, f filter, p *query.SearchParams, resp *query.Response) error {
	for _, name := range sortedKeys(p.Facets) {
		counts, err := b.fieldFacet(ctx, f, name, p.Facets[name])
		if err != nil {
			return err
		}
		if resp.Facets.Fields == nil {
			resp.Facets.Fields = map[string][]result.FacetCount{}
		}
		resp.Facets.Fields[name] = counts
	}
	for _, name := range sortedKeys(p.DateFacets) {
		counts, err := b.dateFacet(ctx, f, name, p.DateFacets[name])
		if err != nil {
			return err
		}
		if resp.Facets.Dates == nil {
			resp.Facets.Dates = map[string][]result.FacetCount{}
		}
		resp.Facets.Dates[name] = counts
	}
	for _, qf := range p.QueryFacets {
		key := qf.Field + ":" + qf.Query
		n, err := b.count(ctx, f.and(key))
		if err != nil {
			return fmt.Errorf("query facet %s: %w", key, err)
		}
		if resp.Facets.Queries == nil {
			resp.Facets.Queries = map[string]int{}
		}
		resp.Facets.Queries[key] = n
	}
	return nil
}

func (b *Backend) fieldFacet(ctx context.Context, f filter, name string, opts map[string]any) ([]result.FacetCount, error) {
	c, ok := b.schema.Column(name)
	if !ok {
		return nil, domain.NewFieldError(name, fmt.Errorf("can not facet on unknown column"))
	}
	limit := facetLimit(opts)
	col := quoteIdent(c.Name)
	where, args := f.where(b.schema.Table)
	table := quoteIdent(b.schema.Table)

	tally := map[string]int{}
	if c.Type == field.MultiValue {
		rows, err := b.db.QueryContext(ctx,
			"SELECT "+col+" FROM "+table+" WHERE "+where+" AND "+col+" IS NOT NULL", args...)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var raw string
			if err := rows.Scan(&raw); err != nil {
				return nil, fmt.Errorf("facet %s: %w", name, err)
			}
			for _, v := range decodeList(raw) {
				tally[fmt.Sprint(v)]++
			}
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
	} else {
		rows, err := b.db.QueryContext(ctx,
			"SELECT "+col+", COUNT(*) FROM "+table+" WHERE "+where+" AND "+col+" IS NOT NULL GROUP BY "+col, args...)
		if err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var (
				value string
				n     int
			)
			if err := rows.Scan(&value, &n); err != nil {
				return nil, fmt.Errorf("facet %s: %w", name, err)
			}
			tally[value] = n
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("facet %s: %w", name, err)
		}
	}

	values := make([]string, 0, len(tally))
	for v := range tally {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool {
		if tally[values[i]] != tally[values[j]] {
			return tally[values[i]] > tally[values[j]]
		}
		return values[i] < values[j]
	})
	if limit >= 0 && len(values) > limit {
		values = values[:limit]
	}
	fdecl, known := b.Unified.Field(name)
	out := make([]result.FacetCount, 0, len(values))
	for _, v := range values {
		var value any = v
		if known && c.Type != field.MultiValue {
			if conv, err := fdecl.Convert(v); err == nil {
				value = conv
			}
		}
		out = append(out, result.FacetCount{Value: value, Count: tally[v]})
	}
	return out, nil
}

func (b *Backend) dateFacet(ctx context.Context, f filter, name string, df query.DateFacet) ([]result.FacetCount, error) {
	if _, ok := b.schema.Column(name); !ok {
		return nil, domain.NewFieldError(name, fmt.Errorf("can not facet on unknown column"))
	}
	col := quoteIdent(name)
	buckets := df.Buckets()
	out := make([]result.FacetCount, 0, len(buckets))
	for i, from := range buckets {
		to := df.End
		if i+1 < len(buckets) {
			to = buckets[i+1]
		}
		bf := f
		bf.extra = col + " >= ? AND " + col + " < ?"
		bf.args = []any{from.UTC().Format(DateLayout), to.UTC().Format(DateLayout)}
		n, err := b.count(ctx, bf)
		if err != nil {
			return nil, fmt.Errorf("date facet %s: %w", name, err)
		}
		out = append(out, result.FacetCount{Value: from.UTC(), Count: n})
	}
	return out, nil
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

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// MoreLikeThis matches the most frequent words of the seed's document
// field against the document column, excluding the seed.
func (b *Backend) MoreLikeThis(ctx context.Context, seed model.Object, p *query.SearchParams) (*query.Response, error) {
	if seed == nil {
		return nil, fmt.Errorf("%w: no seed object", domain.ErrMoreLikeThis)
	}
	if p == nil {
		p = &query.SearchParams{}
	}
	content := b.Unified.DocumentFieldName()
	if b.schema.Position(content) < 0 {
		return nil, fmt.Errorf("%w: no document column %q", domain.ErrMoreLikeThis, content)
	}
	return b.GuardSearch(ctx, "more_like_this", func(ctx context.Context) (*query.Response, error) {
		if err := b.EnsureSetup(ctx, b.setup); err != nil {
			return nil, err
		}
		id := model.Identifier(seed)
		var text sql.NullString
		err := b.db.QueryRowContext(ctx,
			"SELECT "+quoteIdent(content)+" FROM "+quoteIdent(b.schema.Table)+" WHERE "+quoteIdent(model.FieldID)+" = ?",
			id).Scan(&text)
		if err == sql.ErrNoRows {
			b.Logger.Debug("More like this seed is not indexed", zap.String("id", id))
			return query.EmptyResponse(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("load seed %s: %w", id, err)
		}
		terms := topTerms(text.String, mltMaxTerms)
		if len(terms) == 0 {
			return query.EmptyResponse(), nil
		}
		for i, t := range terms {
			terms[i] = quoteWord(t)
		}
		var narrow []string
		if p.AdditionalQuery != "" {
			narrow = append(narrow, p.AdditionalQuery)
		}
		f := b.newFilter(content+" : ("+strings.Join(terms, " OR ")+")", p.Models, narrow)
		f.extra = quoteIdent(model.FieldID) + " != ?"
		f.args = []any{id}
		return b.search(ctx, f, p)
	})
}

func topTerms(text string, n int) []string {
	freq := map[string]int{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		freq[w]++
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
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// Update replaces the rows of objs in one transaction.
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
		if err := b.EnsureSetup(ctx, b.setup); err != nil {
			return err
		}
		return b.write(ctx, docs)
	})
}

func (b *Backend) write(ctx context.Context, docs []map[string]any) error {
	table := quoteIdent(b.schema.Table)
	names := b.schema.Names()
	cols := make([]string, len(names))
	for i, n := range names {
		cols[i] = quoteIdent(n)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del, err := tx.PrepareContext(ctx, "DELETE FROM "+table+" WHERE "+quoteIdent(model.FieldID)+" = ?")
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer func() { _ = del.Close() }()
	ins, err := tx.PrepareContext(ctx, "INSERT INTO "+table+" ("+strings.Join(cols, ", ")+") VALUES ("+placeholders(len(cols))+")")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = ins.Close() }()

	for _, doc := range docs {
		id := fmt.Sprint(doc[model.FieldID])
		if _, err := del.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("replace %s: %w", id, err)
		}
		args := make([]any, len(b.schema.Columns))
		for i, c := range b.schema.Columns {
			if c.Name == AllColumn {
				args[i] = AllToken
				continue
			}
			args[i] = storeValue(c, doc[c.Name])
		}
		if _, err := ins.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// storeValue renders a document value as column text. Lists are stored as
// JSON arrays.
func storeValue(c Column, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if c.Type == field.MultiValue {
			return encodeList([]any{x})
		}
		return x
	case time.Time:
		return x.UTC().Format(DateLayout)
	case field.Point:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 || rv.Kind() == reflect.Array {
		list := make([]any, rv.Len())
		for i := range list {
			list[i] = query.FormatValue(rv.Index(i).Interface(), DateLayout)
		}
		return encodeList(list)
	}
	return query.FormatValue(v, DateLayout)
}

func encodeList(list []any) string {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Sprint(list)
	}
	return string(data)
}

func decodeList(raw string) []any {
	var list []any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []any{raw}
	}
	return list
}

func readValue(c Column, raw string) any {
	if c.Type == field.MultiValue {
		return decodeList(raw)
	}
	return raw
}

// Remove deletes one row by object or identifier.
func (b *Backend) Remove(ctx context.Context, objOrID any, _ bool) error {
	id, err := model.IdentifierOf(objOrID)
	if err != nil {
		return err
	}
	return b.Guard(ctx, "remove", func(ctx context.Context) error {
		if err := b.EnsureSetup(ctx, b.setup); err != nil {
			return err
		}
		_, err := b.db.ExecContext(ctx,
			"DELETE FROM "+quoteIdent(b.schema.Table)+" WHERE "+quoteIdent(model.FieldID)+" = ?", id)
		return err
	})
}

// Clear drops the table, or deletes the rows of models.
func (b *Backend) Clear(ctx context.Context, models []model.Model, _ bool) error {
	return b.Guard(ctx, "clear", func(ctx context.Context) error {
		table := quoteIdent(b.schema.Table)
		if len(models) == 0 {
			if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return err
			}
			b.ResetSetup()
			return nil
		}
		if err := b.EnsureSetup(ctx, b.setup); err != nil {
			return err
		}
		labels := backend.ModelLabels(models)
		args := make([]any, len(labels))
		for i, l := range labels {
			args[i] = l
		}
		_, err := b.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE "+quoteIdent(model.FieldDjangoCT)+" IN ("+placeholders(len(labels))+")", args...)
		return err
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
