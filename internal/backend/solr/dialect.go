// Package solr is the Solr search backend.
package solr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/query"
)

// DateLayout is the Solr date literal.
const DateLayout = "2006-01-02T15:04:05Z"

var syntax = query.Syntax{
	Templates:   query.LuceneTemplates,
	NeverMatch:  "(!*:*)",
	QuoteBounds: true,
	QuoteAllIn:  true,
	Value:       func(v any) string { return query.FormatValue(v, DateLayout) },
}

// Dialect compiles queries to the Solr standard query parser.
type Dialect struct {
	names query.FieldPrefixer
}

var _ query.Dialect = (*Dialect)(nil)

// NewDialect creates a Solr dialect resolving field names through names.
func NewDialect(names query.FieldPrefixer) *Dialect {
	return &Dialect{names: names}
}

// Name returns "solr".
func (d *Dialect) Name() string { return "solr" }

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

// BuildAltParserQuery renders a nested local-params query.
func (d *Dialect) BuildAltParserQuery(parser, q string, params map[string]any) string {
	if q != "" {
		q = d.Clean(q)
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	bits := make([]string, 0, len(keys))
	for _, k := range keys {
		if s, ok := params[k].(string); ok && strings.Contains(s, " ") {
			bits = append(bits, fmt.Sprintf("%s='%s'", k, s))
			continue
		}
		bits = append(bits, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return fmt.Sprintf(`_query_:"{!%s %s}%s"`, parser, strings.Join(bits, " "), q)
}

// BuildQueryFragment renders one predicate.
func (d *Dialect) BuildQueryFragment(field string, op sq.Op, value any) (string, error) {
	return query.BuildFragment(d, syntax, d.names, field, op, value)
}

// BoostFragment renders "term^boost".
func (d *Dialect) BoostFragment(term string, boost float64) string {
	return query.JoinBoost(d, term, boost)
}
