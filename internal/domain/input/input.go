// Package input wraps raw query values with the escaping contract of a dialect.
package input

import (
	"regexp"
	"strings"
)

// Kind discriminates input variants.
type Kind string

// Input kinds.
const (
	KindRaw       Kind = "raw"
	KindClean     Kind = "clean"
	KindExact     Kind = "exact"
	KindNot       Kind = "not"
	KindAutoQuery Kind = "auto_query"
	KindAltParser Kind = "alt_parser"
	KindValue     Kind = "value"
)

// Compiler is the part of a dialect that inputs prepare against.
type Compiler interface {
	Clean(term string) string
	BuildExactQuery(s string) string
	BuildNotQuery(s string) string
	BuildAutoQuery(tokens []Token) string
	BuildAltParserQuery(parser, query string, params map[string]any) string
}

// Input contributes a value to a compiled query.
type Input interface {
	Prepare(c Compiler) any
	PostProcess() bool
	Kind() Kind
}

// Coerce wraps plain strings as Clean and every other plain value as Value.
func Coerce(v any) Input {
	switch x := v.(type) {
	case Input:
		return x
	case string:
		return Clean(x)
	default:
		return Value{V: v}
	}
}

// Raw is emitted verbatim.
type Raw string

// Prepare returns the string unchanged.
func (r Raw) Prepare(Compiler) any { return string(r) }

// PostProcess is false: raw strings bypass operator templates.
func (Raw) PostProcess() bool { return false }

// Kind returns KindRaw.
func (Raw) Kind() Kind { return KindRaw }

// Clean escapes reserved words and characters for the dialect.
type Clean string

// Prepare cleans the string.
func (s Clean) Prepare(c Compiler) any { return c.Clean(string(s)) }

// PostProcess is true.
func (Clean) PostProcess() bool { return true }

// Kind returns KindClean.
func (Clean) Kind() Kind { return KindClean }

// Exact is a quoted phrase. With Clean set, each whitespace separated term is cleaned first.
type Exact struct {
	Query string
	Clean bool
}

// ExactClean returns an Exact that cleans each term.
func ExactClean(s string) Exact { return Exact{Query: s, Clean: true} }

// Prepare quotes the phrase.
func (e Exact) Prepare(c Compiler) any {
	q := e.Query
	if e.Clean {
		bits := strings.Fields(q)
		for i, b := range bits {
			bits[i] = c.Clean(b)
		}
		q = strings.Join(bits, " ")
	}
	return c.BuildExactQuery(q)
}

// PostProcess is true.
func (Exact) PostProcess() bool { return true }

// Kind returns KindExact.
func (Exact) Kind() Kind { return KindExact }

// Not cleans the string and negates it.
type Not string

// Prepare builds the negation fragment.
func (n Not) Prepare(c Compiler) any { return c.BuildNotQuery(c.Clean(string(n))) }

// PostProcess is true.
func (Not) PostProcess() bool { return true }

// Kind returns KindNot.
func (Not) Kind() Kind { return KindNot }

// AltParser asks dialects that support it to use a named alternate parser.
type AltParser struct {
	Parser string
	Query  string
	Params map[string]any
}

// Prepare delegates to the dialect.
func (a AltParser) Prepare(c Compiler) any {
	return c.BuildAltParserQuery(a.Parser, a.Query, a.Params)
}

// PostProcess is false.
func (AltParser) PostProcess() bool { return false }

// Kind returns KindAltParser.
func (AltParser) Kind() Kind { return KindAltParser }

// Value carries a non-string value (numbers, times, slices) to the fragment builder.
type Value struct {
	V any
}

// Prepare returns the wrapped value.
func (v Value) Prepare(Compiler) any { return v.V }

// PostProcess is true.
func (Value) PostProcess() bool { return true }

// Kind returns KindValue.
func (Value) Kind() Kind { return KindValue }

// TokenKind classifies auto query tokens.
type TokenKind int

// Token kinds.
const (
	TokenTerm TokenKind = iota
	TokenPhrase
	TokenNegated
)

// Token is one unit of a user supplied free text query.
type Token struct {
	Kind TokenKind
	Text string
}

var exactMatchRe = regexp.MustCompile(`"(.*?)"`)

// Tokenize splits free text into quoted phrases, "-" negations and plain terms.
func Tokenize(s string) []Token {
	var tokens []Token
	last := 0
	for _, m := range exactMatchRe.FindAllStringSubmatchIndex(s, -1) {
		tokens = appendTerms(tokens, s[last:m[0]])
		if phrase := s[m[2]:m[3]]; phrase != "" {
			tokens = append(tokens, Token{Kind: TokenPhrase, Text: phrase})
		}
		last = m[1]
	}
	return appendTerms(tokens, s[last:])
}

func appendTerms(tokens []Token, rough string) []Token {
	for _, tok := range strings.Fields(rough) {
		if strings.HasPrefix(tok, "-") && len(tok) > 1 {
			tokens = append(tokens, Token{Kind: TokenNegated, Text: tok[1:]})
			continue
		}
		tokens = append(tokens, Token{Kind: TokenTerm, Text: tok})
	}
	return tokens
}

// AutoQuery is user supplied free text.
type AutoQuery string

// Prepare tokenizes and lets the dialect assemble the fragment.
func (a AutoQuery) Prepare(c Compiler) any { return c.BuildAutoQuery(Tokenize(string(a))) }

// PostProcess is true.
func (AutoQuery) PostProcess() bool { return true }

// Kind returns KindAutoQuery.
func (AutoQuery) Kind() Kind { return KindAutoQuery }

// JoinAutoQuery renders tokens with unary negation, separated by spaces.
func JoinAutoQuery(c Compiler, tokens []Token) string {
	bits := make([]string, 0, len(tokens))
	for _, t := range tokens {
		switch t.Kind {
		case TokenPhrase:
			bits = append(bits, ExactClean(t.Text).Prepare(c).(string))
		case TokenNegated:
			bits = append(bits, Not(t.Text).Prepare(c).(string))
		default:
			bits = append(bits, Clean(t.Text).Prepare(c).(string))
		}
	}
	return strings.Join(bits, " ")
}
