// Package elasticsearch is the Elasticsearch search backend.
package elasticsearch

import (
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/query"
)

// DateLayout is the date literal understood by query_string.
const DateLayout = "2006-01-02T15:04:05"

var syntax = query.Syntax{
	Templates:   query.LuceneTemplates,
	NeverMatch:  "(!*:*)",
	QuoteBounds: true,
	QuoteAllIn:  true,
	Value:       func(v any) string { return query.FormatValue(v, DateLayout) },
}

// Dialect compiles queries to the query_string syntax.
type Dialect struct {
	names  query.FieldPrefixer
	logger *zap.Logger
}

var _ query.Dialect = (*Dialect)(nil)

// NewDialect creates an Elasticsearch dialect.
func NewDialect(names query.FieldPrefixer, logger *zap.Logger) *Dialect {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialect{names: names, logger: logger}
}

// Name returns "elasticsearch".
func (d *Dialect) Name() string { return "elasticsearch" }

// MatchingAllFragment matches every document.
func (d *Dialect) MatchingAllFragment() string { return "*:*" }

// Clean escapes reserved characters and lowercases operator words.
func (d *Dialect) Clean(term string) string {
	return query.CleanWords(term, query.BackslashEscape(query.LuceneReservedChars))
}

// BuildExactQuery quotes a phrase.
func (d *Dialect) BuildExactQuery(s string) string { return `"` + s + `"` }

// BuildNotQuery negates s.
func (d *Dialect) BuildNotQuery(s string) string {
	if strings.Contains(s, " ") {
		s = "(" + s + ")"
	}
	return "NOT " + s
}

// BuildAutoQuery joins tokens with unary NOT.
func (d *Dialect) BuildAutoQuery(tokens []input.Token) string {
	return input.JoinAutoQuery(d, tokens)
}

// BuildAltParserQuery has no query_string equivalent; the query is used
// as plain cleaned text.
func (d *Dialect) BuildAltParserQuery(parser, q string, _ map[string]any) string {
	d.logger.Warn("Alternate parsers are not supported by Elasticsearch, using the plain query",
		zap.String("parser", parser))
	return d.Clean(q)
}

// BuildQueryFragment renders one predicate.
func (d *Dialect) BuildQueryFragment(field string, op sq.Op, value any) (string, error) {
	return query.BuildFragment(d, syntax, d.names, field, op, value)
}

// BoostFragment renders "term^boost".
func (d *Dialect) BoostFragment(term string, boost float64) string {
	return query.JoinBoost(d, term, boost)
}
