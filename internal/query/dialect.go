// Package query compiles query trees into dialect strings and runs them
// against a backend.
package query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/input"
	"github.com/kailas-cloud/needle/internal/domain/sq"
)

// Dialect is one engine's query syntax.
type Dialect interface {
	input.Compiler
	Name() string
	MatchingAllFragment() string
	BuildQueryFragment(field string, op sq.Op, value any) (string, error)
	// BoostFragment renders a term boost, or "" when boosts are unsupported.
	BoostFragment(term string, boost float64) string
}

// TreeRenderer is implemented by dialects that render the filter tree
// themselves, e.g. when NOT is a binary operator.
type TreeRenderer interface {
	RenderTree(root *sq.Node) (string, error)
}

// ReservedWords are boolean operators lowercased by Clean.
var ReservedWords = []string{"AND", "NOT", "OR", "TO"}

// LuceneReservedChars must be escaped in Lucene-like syntaxes.
// The backslash comes first so escapes are not escaped again.
var LuceneReservedChars = []string{
	"\\", "+", "-", "&&", "||", "!", "(", ")", "{", "}",
	"[", "]", "^", "\"", "~", "*", "?", ":", "/",
}

// CleanWords lowercases reserved words and passes every other word through escape.
func CleanWords(term string, escape func(word string) string) string {
	words := strings.Split(term, " ")
	for i, w := range words {
		if isReservedWord(w) {
			words[i] = strings.ToLower(w)
			continue
		}
		words[i] = escape(w)
	}
	return strings.Join(words, " ")
}

func isReservedWord(w string) bool {
	for _, r := range ReservedWords {
		if w == r {
			return true
		}
	}
	return false
}

// BackslashEscape prefixes every occurrence of chars with a backslash.
func BackslashEscape(chars []string) func(string) string {
	return func(w string) string {
		for _, c := range chars {
			if strings.Contains(w, c) {
				w = strings.ReplaceAll(w, c, "\\"+c)
			}
		}
		return w
	}
}

// Syntax parameterizes the shared fragment builder.
type Syntax struct {
	// Templates per operator; one %s verb each, two for OpRange.
	Templates map[sq.Op]string
	// NeverMatch replaces an empty "in" list.
	NeverMatch string
	// QuoteBounds quotes range and comparison bounds as exact phrases.
	QuoteBounds bool
	// QuoteAllIn quotes every "in" option; otherwise only strings are quoted.
	QuoteAllIn bool
	// Unsupported operators fail with a field error.
	Unsupported map[sq.Op]bool
	// Value renders a scalar literal.
	Value func(v any) string
}

// LuceneTemplates are shared by the Solr-like and ES-like dialects.
var LuceneTemplates = map[sq.Op]string{
	sq.OpContent:    "%s",
	sq.OpContains:   "*%s*",
	sq.OpStartsWith: "%s*",
	sq.OpEndsWith:   "*%s",
	sq.OpFuzzy:      "%s~",
	sq.OpGT:         "{%s TO *}",
	sq.OpGTE:        "[%s TO *]",
	sq.OpLT:         "{* TO %s}",
	sq.OpLTE:        "[* TO %s]",
	sq.OpRange:      "[%s TO %s]",
}

// FormatValue renders common scalars, with timeLayout for times.
func FormatValue(v any, timeLayout string) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(timeLayout)
	case *time.Time:
		return x.UTC().Format(timeLayout)
	case bool:
		return strconv.FormatBool(x)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case field.Point:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// FieldPrefixer maps declared field names to index field names.
type FieldPrefixer interface {
	IndexFieldName(declared string) string
}

var _ FieldPrefixer = (*index.Unified)(nil)

// BuildFragment renders one predicate following the shared contract:
// coerce, prepare, apply the operator template, wrap, prefix the field.
func BuildFragment(c input.Compiler, syn Syntax, names FieldPrefixer, fieldName string, op sq.Op, value any) (string, error) {
	if syn.Unsupported[op] {
		return "", domain.NewFieldError(fieldName, fmt.Errorf("operator %q is not supported by this backend", op))
	}
	in := input.Coerce(value)
	prepared := in.Prepare(c)
	if _, isList := asList(prepared); !isList {
		prepared = syn.Value(prepared)
	}

	var (
		frag string
		err  error
	)
	if !in.PostProcess() {
		frag = fmt.Sprint(prepared)
	} else {
		frag, err = applyTemplate(c, syn, in, fieldName, op, prepared)
		if err != nil {
			return "", err
		}
	}

	if frag != "" && in.Kind() != input.KindRaw {
		if !strings.HasPrefix(frag, "(") && !strings.HasSuffix(frag, ")") {
			frag = "(" + frag + ")"
		}
	}
	if fieldName == sq.ContentField {
		return frag, nil
	}
	indexName := fieldName
	if names != nil {
		indexName = names.IndexFieldName(fieldName)
	}
	return indexName + ":" + frag, nil
}

func applyTemplate(c input.Compiler, syn Syntax, in input.Input, fieldName string, op sq.Op, prepared any) (string, error) {
	switch op {
	case sq.OpContent, sq.OpContains, sq.OpStartsWith, sq.OpEndsWith, sq.OpFuzzy:
		s, ok := prepared.(string)
		if !ok {
			return "", domain.NewFieldError(fieldName, fmt.Errorf("operator %q needs a scalar value", op))
		}
		switch in.Kind() {
		case input.KindExact, input.KindAutoQuery, input.KindNot:
			return s, nil
		}
		tmpl := syn.Templates[op]
		tokens := strings.Split(s, " ")
		terms := make([]string, 0, len(tokens))
		for _, tok := range tokens {
			terms = append(terms, fmt.Sprintf(tmpl, tok))
		}
		if len(terms) == 1 {
			return terms[0], nil
		}
		return "(" + strings.Join(terms, " AND ") + ")", nil

	case sq.OpIn:
		list, ok := asList(prepared)
		if !ok {
			list = []any{prepared}
		}
		if len(list) == 0 {
			return syn.NeverMatch, nil
		}
		opts := make([]string, 0, len(list))
		for _, v := range list {
			_, isString := v.(string)
			lit := syn.Value(v)
			if syn.QuoteAllIn || isString {
				lit = c.BuildExactQuery(lit)
			}
			opts = append(opts, lit)
		}
		return "(" + strings.Join(opts, " OR ") + ")", nil

	case sq.OpRange:
		list, ok := asList(prepared)
		if !ok || len(list) != 2 {
			return "", domain.NewFieldError(fieldName, fmt.Errorf("range needs exactly two bounds"))
		}
		return fmt.Sprintf(syn.Templates[sq.OpRange], bound(c, syn, list[0]), bound(c, syn, list[1])), nil

	case sq.OpExact:
		s := fmt.Sprint(prepared)
		if in.Kind() == input.KindExact {
			return s, nil
		}
		return input.Exact{Query: s}.Prepare(c).(string), nil

	case sq.OpGT, sq.OpGTE, sq.OpLT, sq.OpLTE:
		s := fmt.Sprint(prepared)
		if syn.QuoteBounds && in.Kind() != input.KindExact {
			s = c.BuildExactQuery(s)
		}
		return fmt.Sprintf(syn.Templates[op], s), nil
	}
	return "", domain.NewFieldError(fieldName, fmt.Errorf("unknown lookup operator %q", op))
}

func bound(c input.Compiler, syn Syntax, v any) string {
	s := syn.Value(v)
	if syn.QuoteBounds {
		return c.BuildExactQuery(s)
	}
	if _, isString := v.(string); isString && strings.ContainsAny(s, " :") {
		return c.BuildExactQuery(s)
	}
	return s
}

// asList flattens slices and arrays (not []byte) into []any.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, false
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// JoinBoost renders "query term^boost" for Lucene-like dialects.
func JoinBoost(c input.Compiler, term string, boost float64) string {
	return c.Clean(term) + "^" + strconv.FormatFloat(boost, 'f', -1, 64)
}
