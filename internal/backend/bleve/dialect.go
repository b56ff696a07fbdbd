// Package bleve is the embedded search backend, built on a bleve index
// living in process.
package bleve

import (
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/query"
)

// DateLayout is the compact date literal of the embedded dialect.
const DateLayout = "20060102150405"

// ReservedChars are quoted by Clean: the Lucene set plus the dot.
var ReservedChars = append(append([]string(nil), query.LuceneReservedChars...), ".")

var syntax = query.Syntax{
	Templates: map[sq.Op]string{
		sq.OpContent:    "%s",
		sq.OpContains:   "*%s*",
		sq.OpStartsWith: "%s*",
		sq.OpEndsWith:   "*%s",
		sq.OpFuzzy:      "%s~",
		sq.OpGT:         "{%s to *}",
		sq.OpGTE:        "[%s to *]",
		sq.OpLT:         "{* to %s}",
		sq.OpLTE:        "[* to %s]",
		sq.OpRange:      "[%s to %s]",
	},
	NeverMatch: "(NOT *)",
	Value:      func(v any) string { return query.FormatValue(v, DateLayout) },
}

// Dialect compiles queries to the embedded engine syntax understood by Parse.
type Dialect struct {
	names  query.FieldPrefixer
	logger *zap.Logger
}

var _ query.Dialect = (*Dialect)(nil)

// NewDialect creates an embedded dialect.
func NewDialect(names query.FieldPrefixer, logger *zap.Logger) *Dialect {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialect{names: names, logger: logger}
}

// Name returns "bleve".
func (d *Dialect) Name() string { return "bleve" }

// MatchingAllFragment matches every document.
func (d *Dialect) MatchingAllFragment() string { return "*" }

// Clean lowercases operator words and wraps words holding reserved
// characters in single quotes.
func (d *Dialect) Clean(term string) string {
	return query.CleanWords(term, quoteWord)
}

func quoteWord(w string) string {
	for _, c := range ReservedChars {
		if strings.Contains(w, c) {
			return "'" + w + "'"
		}
	}
	return w
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

// BuildAltParserQuery is unsupported; the query is used as cleaned text.
func (d *Dialect) BuildAltParserQuery(parser, q string, _ map[string]any) string {
	d.logger.Warn("Alternate parsers are not supported by the embedded engine, using the plain query",
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
