package bleve

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/kailas-cloud/needle/internal/domain/field"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokPhrase
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokColon
	tokCaret
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokenKind
	text string
	// wild and fuzzy are only set by unquoted characters.
	wild    bool
	fuzzy   bool
	literal bool
	pos     int
}

const specials = "()[]{}:^\""

func lex(s string) ([]token, error) {
	var out []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated phrase at %d", i)
			}
			out = append(out, token{kind: tokPhrase, text: s[i+1 : i+1+end], pos: i})
			i += end + 2
		case strings.IndexByte(specials, c) >= 0:
			out = append(out, token{kind: punct(c), text: string(c), pos: i})
			i++
		default:
			tok, n, err := lexWord(s[i:])
			if err != nil {
				return nil, fmt.Errorf("%w at %d", err, i)
			}
			tok.pos = i
			i += n
			out = append(out, tok)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(s)}), nil
}

func punct(c byte) tokenKind {
	switch c {
	case '(':
		return tokLParen
	case ')':
		return tokRParen
	case '[':
		return tokLBracket
	case ']':
		return tokRBracket
	case '{':
		return tokLBrace
	case '}':
		return tokRBrace
	case ':':
		return tokColon
	default:
		return tokCaret
	}
}

// lexWord reads a word; 'single quoted' parts are taken literally.
func lexWord(s string) (token, int, error) {
	var (
		b   strings.Builder
		tok = token{kind: tokWord}
		i   int
	)
	for i < len(s) {
		c := s[i]
		if c == '\'' {
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				return token{}, 0, fmt.Errorf("unterminated quote")
			}
			b.WriteString(s[i+1 : i+1+end])
			tok.literal = true
			tok.fuzzy = false
			i += end + 2
			continue
		}
		if c == ' ' || c == '\t' || c == '\n' || strings.IndexByte(specials, c) >= 0 {
			break
		}
		if c == '*' || c == '?' {
			tok.wild = true
		}
		tok.fuzzy = c == '~'
		b.WriteByte(c)
		i++
	}
	tok.text = b.String()
	if !tok.literal {
		switch tok.text {
		case "AND":
			tok.kind = tokAnd
		case "OR":
			tok.kind = tokOr
		case "NOT":
			tok.kind = tokNot
		}
	}
	return tok, i, nil
}

// FieldResolver looks up the declaration behind an index field name.
type FieldResolver func(indexName string) (*field.Field, bool)

// Parser turns embedded dialect strings into bleve queries.
type Parser struct {
	// DefaultField receives terms without a field prefix.
	DefaultField string
	// Conjunction joins adjacent terms with AND instead of OR.
	Conjunction bool
	Fields      FieldResolver
}

// clause is a parsed sub query with a pending negation.
type clause struct {
	q   query.Query
	not bool
}

func (c clause) query() query.Query {
	if !c.not {
		return c.q
	}
	bq := bleve.NewBooleanQuery()
	bq.AddMustNot(c.q)
	return bq
}

type parseState struct {
	*Parser
	toks []token
	pos  int
}

// Parse compiles s.
func (p *Parser) Parse(s string) (query.Query, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	st := &parseState{Parser: p, toks: toks}
	c, err := st.parseOr(p.DefaultField)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if tok := st.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("parse %q: unexpected %q at %d", s, tok.text, tok.pos)
	}
	return c.query(), nil
}

func (st *parseState) peek() token { return st.toks[st.pos] }

func (st *parseState) next() token {
	tok := st.toks[st.pos]
	if tok.kind != tokEOF {
		st.pos++
	}
	return tok
}

func (st *parseState) expect(kind tokenKind, what string) error {
	if tok := st.next(); tok.kind != kind {
		return fmt.Errorf("expected %s at %d, got %q", what, tok.pos, tok.text)
	}
	return nil
}

func startsClause(k tokenKind) bool {
	switch k {
	case tokWord, tokPhrase, tokLParen, tokLBracket, tokLBrace, tokNot:
		return true
	}
	return false
}

func (st *parseState) parseOr(fieldName string) (clause, error) {
	first, err := st.parseSeq(fieldName)
	if err != nil {
		return clause{}, err
	}
	parts := []clause{first}
	for st.peek().kind == tokOr {
		st.next()
		c, err := st.parseSeq(fieldName)
		if err != nil {
			return clause{}, err
		}
		parts = append(parts, c)
	}
	return disjoin(parts), nil
}

// parseSeq joins adjacent clauses with the default operator.
func (st *parseState) parseSeq(fieldName string) (clause, error) {
	first, err := st.parseAnd(fieldName)
	if err != nil {
		return clause{}, err
	}
	parts := []clause{first}
	for startsClause(st.peek().kind) {
		c, err := st.parseAnd(fieldName)
		if err != nil {
			return clause{}, err
		}
		parts = append(parts, c)
	}
	if st.Conjunction {
		return conjoin(parts), nil
	}
	return disjoin(parts), nil
}

func (st *parseState) parseAnd(fieldName string) (clause, error) {
	first, err := st.parseUnary(fieldName)
	if err != nil {
		return clause{}, err
	}
	parts := []clause{first}
	for st.peek().kind == tokAnd {
		st.next()
		c, err := st.parseUnary(fieldName)
		if err != nil {
			return clause{}, err
		}
		parts = append(parts, c)
	}
	return conjoin(parts), nil
}

func conjoin(parts []clause) clause {
	if len(parts) == 1 {
		return parts[0]
	}
	var must, mustNot []query.Query
	for _, c := range parts {
		if c.not {
			mustNot = append(mustNot, c.q)
			continue
		}
		must = append(must, c.q)
	}
	if len(mustNot) == 0 {
		return clause{q: bleve.NewConjunctionQuery(must...)}
	}
	bq := bleve.NewBooleanQuery()
	if len(must) > 0 {
		bq.AddMust(must...)
	}
	bq.AddMustNot(mustNot...)
	return clause{q: bq}
}

func disjoin(parts []clause) clause {
	if len(parts) == 1 {
		return parts[0]
	}
	qs := make([]query.Query, len(parts))
	for i, c := range parts {
		qs[i] = c.query()
	}
	return clause{q: bleve.NewDisjunctionQuery(qs...)}
}

func (st *parseState) parseUnary(fieldName string) (clause, error) {
	if st.peek().kind == tokNot {
		st.next()
		c, err := st.parseUnary(fieldName)
		if err != nil {
			return clause{}, err
		}
		c.not = !c.not
		return c, nil
	}
	c, err := st.parsePrimary(fieldName)
	if err != nil {
		return clause{}, err
	}
	if st.peek().kind == tokCaret {
		st.next()
		tok := st.next()
		boost, err := strconv.ParseFloat(tok.text, 64)
		if tok.kind != tokWord || err != nil {
			return clause{}, fmt.Errorf("bad boost %q at %d", tok.text, tok.pos)
		}
		if b, ok := c.q.(query.BoostableQuery); ok {
			b.SetBoost(boost)
		}
	}
	return c, nil
}

func (st *parseState) parsePrimary(fieldName string) (clause, error) {
	tok := st.peek()
	switch tok.kind {
	case tokLParen:
		st.next()
		c, err := st.parseOr(fieldName)
		if err != nil {
			return clause{}, err
		}
		return c, st.expect(tokRParen, "')'")
	case tokLBracket, tokLBrace:
		q, err := st.parseRange(fieldName)
		return clause{q: q}, err
	case tokPhrase:
		st.next()
		return clause{q: st.phrase(fieldName, tok.text)}, nil
	case tokWord:
		st.next()
		if st.peek().kind == tokColon {
			st.next()
			return st.parseFielded(tok.text)
		}
		q, err := st.term(fieldName, tok)
		return clause{q: q}, err
	}
	return clause{}, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
}

// parseFielded parses what follows "name:".
func (st *parseState) parseFielded(fieldName string) (clause, error) {
	switch st.peek().kind {
	case tokLParen, tokLBracket, tokLBrace, tokPhrase:
		return st.parsePrimary(fieldName)
	case tokWord:
		q, err := st.term(fieldName, st.next())
		return clause{q: q}, err
	}
	tok := st.peek()
	return clause{}, fmt.Errorf("expected a value for %s at %d, got %q", fieldName, tok.pos, tok.text)
}

func (st *parseState) resolve(fieldName string) (*field.Field, bool) {
	if st.Fields == nil {
		return nil, false
	}
	return st.Fields(fieldName)
}

// analyzed reports whether the field's terms are lowercased at index time.
func analyzed(f *field.Field, known bool) bool {
	if !known {
		return true
	}
	if f.IsFacet() || !f.IsIndexed() {
		return false
	}
	switch f.Type() {
	case field.Text, field.MultiValue, field.Ngram, field.EdgeNgram:
		return true
	}
	return false
}

func (st *parseState) term(fieldName string, tok token) (query.Query, error) {
	if tok.text == "*" && !tok.literal {
		return bleve.NewMatchAllQuery(), nil
	}
	f, known := st.resolve(fieldName)
	if known {
		switch t := f.Type(); {
		case t.IsNumeric():
			v, err := strconv.ParseFloat(tok.text, 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a number", fieldName, tok.text)
			}
			inc := true
			q := bleve.NewNumericRangeInclusiveQuery(&v, &v, &inc, &inc)
			q.SetField(fieldName)
			return q, nil
		case t.IsTemporal():
			ts, err := field.ParseTime(tok.text, true)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", fieldName, err)
			}
			inc := true
			q := bleve.NewDateRangeInclusiveQuery(ts, ts, &inc, &inc)
			q.SetField(fieldName)
			return q, nil
		case t == field.Boolean:
			v, err := strconv.ParseBool(tok.text)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a boolean", fieldName, tok.text)
			}
			q := bleve.NewBoolFieldQuery(v)
			q.SetField(fieldName)
			return q, nil
		}
	}

	text := tok.text
	lower := analyzed(f, known)
	if lower {
		text = strings.ToLower(text)
	}
	switch {
	case tok.fuzzy:
		q := bleve.NewFuzzyQuery(strings.TrimSuffix(text, "~"))
		q.SetFuzziness(1)
		q.SetField(fieldName)
		return q, nil
	case tok.wild:
		trimmed := strings.TrimSuffix(text, "*")
		if trimmed != "" && !strings.ContainsAny(trimmed, "*?") {
			q := bleve.NewPrefixQuery(trimmed)
			q.SetField(fieldName)
			return q, nil
		}
		q := bleve.NewWildcardQuery(text)
		q.SetField(fieldName)
		return q, nil
	case !lower:
		q := bleve.NewTermQuery(tok.text)
		q.SetField(fieldName)
		return q, nil
	}
	q := bleve.NewMatchQuery(tok.text)
	q.SetField(fieldName)
	return q, nil
}

func (st *parseState) phrase(fieldName, text string) query.Query {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = strings.Trim(w, "'")
	}
	f, known := st.resolve(fieldName)
	if !analyzed(f, known) {
		q := bleve.NewTermQuery(strings.Join(words, " "))
		q.SetField(fieldName)
		return q
	}
	q := bleve.NewMatchPhraseQuery(strings.Join(words, " "))
	q.SetField(fieldName)
	return q
}

// parseRange reads "[lo to hi]" with either side open ("*") and "{}" for
// exclusive bounds.
func (st *parseState) parseRange(fieldName string) (query.Query, error) {
	open := st.next()
	loInc := open.kind == tokLBracket
	lo, err := st.bound()
	if err != nil {
		return nil, err
	}
	if tok := st.next(); tok.kind != tokWord || !strings.EqualFold(tok.text, "to") {
		return nil, fmt.Errorf("expected 'to' at %d, got %q", tok.pos, tok.text)
	}
	hi, err := st.bound()
	if err != nil {
		return nil, err
	}
	closing := st.next()
	if closing.kind != tokRBracket && closing.kind != tokRBrace {
		return nil, fmt.Errorf("expected ']' or '}' at %d, got %q", closing.pos, closing.text)
	}
	hiInc := closing.kind == tokRBracket

	f, known := st.resolve(fieldName)
	switch {
	case known && f.Type().IsNumeric():
		var min, max *float64
		if lo != "" {
			v, err := strconv.ParseFloat(lo, 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a number", fieldName, lo)
			}
			min = &v
		}
		if hi != "" {
			v, err := strconv.ParseFloat(hi, 64)
			if err != nil {
				return nil, fmt.Errorf("field %s: %q is not a number", fieldName, hi)
			}
			max = &v
		}
		q := bleve.NewNumericRangeInclusiveQuery(min, max, &loInc, &hiInc)
		q.SetField(fieldName)
		return q, nil
	case known && f.Type().IsTemporal():
		var start, end time.Time
		if lo != "" {
			if start, err = field.ParseTime(lo, true); err != nil {
				return nil, fmt.Errorf("field %s: %w", fieldName, err)
			}
		}
		if hi != "" {
			if end, err = field.ParseTime(hi, true); err != nil {
				return nil, fmt.Errorf("field %s: %w", fieldName, err)
			}
		}
		q := bleve.NewDateRangeInclusiveQuery(start, end, &loInc, &hiInc)
		q.SetField(fieldName)
		return q, nil
	}
	if analyzed(f, known) {
		lo, hi = strings.ToLower(lo), strings.ToLower(hi)
	}
	q := bleve.NewTermRangeInclusiveQuery(lo, hi, &loInc, &hiInc)
	q.SetField(fieldName)
	return q, nil
}

// bound returns "" for an open side.
func (st *parseState) bound() (string, error) {
	tok := st.next()
	switch tok.kind {
	case tokWord:
		if tok.text == "*" && !tok.literal {
			return "", nil
		}
		return tok.text, nil
	case tokPhrase:
		return tok.text, nil
	}
	return "", fmt.Errorf("expected a range bound at %d, got %q", tok.pos, tok.text)
}
