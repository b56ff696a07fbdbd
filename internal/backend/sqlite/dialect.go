// Package sqlite is the embedded backend built on SQLite FTS5 virtual
// tables. FTS5 has no unary NOT, so negations are anchored on a column
// every row holds.
package sqlite

import (
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/query"
)

// DateLayout is the date literal stored in FTS5 columns.
const DateLayout = "20060102150405"

// AllColumn holds AllToken in every row. It anchors negations and
// match-all queries.
const (
	AllColumn = "needle_all"
	AllToken  = "all"
)

var (
	matchAll   = AllColumn + " : " + AllToken
	neverMatch = AllColumn + " : none"
)

var syntax = query.Syntax{
	Templates: map[sq.Op]string{
		sq.OpContent:    "%s",
		sq.OpStartsWith: "%s*",
	},
	NeverMatch: neverMatch,
	Unsupported: map[sq.Op]bool{
		sq.OpContains: true,
		sq.OpEndsWith: true,
		sq.OpFuzzy:    true,
		sq.OpGT:       true,
		sq.OpGTE:      true,
		sq.OpLT:       true,
		sq.OpLTE:      true,
		sq.OpRange:    true,
	},
	Value: func(v any) string { return query.FormatValue(v, DateLayout) },
}

// Dialect compiles queries to FTS5 MATCH expressions.
type Dialect struct {
	names  query.FieldPrefixer
	logger *zap.Logger
}

var (
	_ query.Dialect      = (*Dialect)(nil)
	_ query.TreeRenderer = (*Dialect)(nil)
)

// NewDialect creates an FTS5 dialect.
func NewDialect(names query.FieldPrefixer, logger *zap.Logger) *Dialect {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialect{names: names, logger: logger}
}

// Name returns "sqlite".
func (d *Dialect) Name() string { return "sqlite" }

// MatchingAllFragment matches every row through the anchor column.
func (d *Dialect) MatchingAllFragment() string { return matchAll }

// Clean lowercases operator words and quotes words FTS5 would not accept
// as barewords.
func (d *Dialect) Clean(term string) string {
	return query.CleanWords(term, quoteWord)
}

func quoteWord(w string) string {
	if w == "" || isBareword(w) {
		return w
	}
	return `"` + strings.ReplaceAll(w, `"`, `""`) + `"`
}

func isBareword(w string) bool {
	for _, r := range w {
		if r > unicode.MaxASCII || r == '_' || r == '\x1a' {
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// BuildExactQuery quotes a phrase. FTS5 strings do not nest, so quotes
// left by Clean are dropped.
func (d *Dialect) BuildExactQuery(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, "") + `"`
}

// BuildNotQuery negates s against the anchor column.
func (d *Dialect) BuildNotQuery(s string) string {
	return "(" + matchAll + " NOT (" + s + "))"
}

// BuildAutoQuery collects negated tokens after the positive ones:
// "(pos) NOT (neg)". Only negated tokens never match.
func (d *Dialect) BuildAutoQuery(tokens []input.Token) string {
	var pos, neg []string
	for _, t := range tokens {
		switch t.Kind {
		case input.TokenPhrase:
			pos = append(pos, input.ExactClean(t.Text).Prepare(d).(string))
		case input.TokenNegated:
			neg = append(neg, d.Clean(t.Text))
		default:
			pos = append(pos, d.Clean(t.Text))
		}
	}
	switch {
	case len(pos) == 0 && len(neg) == 0:
		return ""
	case len(pos) == 0:
		return neverMatch
	case len(neg) == 0:
		return strings.Join(pos, " ")
	}
	return "(" + strings.Join(pos, " ") + ") NOT (" + strings.Join(neg, " OR ") + ")"
}

// BuildAltParserQuery is unsupported; the query is used as cleaned text.
func (d *Dialect) BuildAltParserQuery(parser, q string, _ map[string]any) string {
	d.logger.Warn("Alternate parsers are not supported by FTS5, using the plain query",
		zap.String("parser", parser))
	return d.Clean(q)
}

// BuildQueryFragment renders one predicate.
func (d *Dialect) BuildQueryFragment(field string, op sq.Op, value any) (string, error) {
	return query.BuildFragment(d, syntax, d.names, field, op, value)
}

// BoostFragment returns "": FTS5 ranks with bm25 only.
func (d *Dialect) BoostFragment(string, float64) string { return "" }

// RenderTree renders the filter tree, turning negated nodes into
// "(needle_all : all NOT (...))".
func (d *Dialect) RenderTree(root *sq.Node) (string, error) {
	return d.render(root)
}

func (d *Dialect) render(n *sq.Node) (string, error) {
	if n == nil {
		return "", nil
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		var (
			s   string
			err error
		)
		switch child := c.(type) {
		case *sq.Node:
			s, err = d.render(child)
		case sq.Leaf:
			var l sq.Lookup
			if l, err = sq.ParseLookup(child.Expr); err == nil {
				s, err = d.BuildQueryFragment(l.Field, l.Op, child.Value)
			}
		default:
			err = fmt.Errorf("unexpected query tree child %T", c)
		}
		if err != nil {
			return "", err
		}
		if s != "" {
			parts = append(parts, s)
		}
	}
	out := strings.Join(parts, " "+string(n.Connector)+" ")
	switch {
	case out == "":
		return "", nil
	case n.Negated:
		return d.BuildNotQuery(out), nil
	case len(n.Children) != 1:
		return "(" + out + ")", nil
	}
	return out, nil
}
