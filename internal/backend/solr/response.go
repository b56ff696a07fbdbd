package solr

import (
	"fmt"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/query"
)

type selectResponse struct {
	Response struct {
		NumFound int              `json:"numFound"`
		Docs     []map[string]any `json:"docs"`
	} `json:"response"`
	Highlighting map[string]map[string][]string `json:"highlighting"`
	FacetCounts  *struct {
		FacetFields map[string][]any `json:"facet_fields"`
		FacetRanges map[string]struct {
			Counts []any `json:"counts"`
		} `json:"facet_ranges"`
		FacetQueries map[string]int `json:"facet_queries"`
	} `json:"facet_counts"`
	Spellcheck *struct {
		Suggestions []any `json:"suggestions"`
		Collations  []any `json:"collations"`
	} `json:"spellcheck"`
}

func (b *Backend) processResults(raw *selectResponse, p *query.SearchParams) *query.Response {
	resp := &query.Response{Hits: raw.Response.NumFound}
	content := b.Unified.DocumentFieldName()

	for _, doc := range raw.Response.Docs {
		ct, _ := doc[model.FieldDjangoCT].(string)
		pk := fmt.Sprint(doc[model.FieldDjangoID])
		score, _ := doc["score"].(float64)
		hit := backend.Hit{ContentType: ct, PK: pk, Score: score, Fields: doc}
		if id, ok := doc[model.FieldID].(string); ok {
			hit.Highlighted = raw.Highlighting[id][content]
		}
		r, ok := b.BuildResult(p, hit)
		if !ok {
			resp.Hits--
			continue
		}
		resp.Results = append(resp.Results, r)
	}

	if fc := raw.FacetCounts; fc != nil {
		if len(fc.FacetFields) > 0 {
			resp.Facets.Fields = make(map[string][]result.FacetCount, len(fc.FacetFields))
			for name, pairs := range fc.FacetFields {
				resp.Facets.Fields[name] = b.pairs(name, pairs, false)
			}
		}
		if len(fc.FacetRanges) > 0 {
			resp.Facets.Dates = make(map[string][]result.FacetCount, len(fc.FacetRanges))
			for name, r := range fc.FacetRanges {
				resp.Facets.Dates[name] = b.pairs(name, r.Counts, true)
			}
		}
		if len(fc.FacetQueries) > 0 {
			resp.Facets.Queries = fc.FacetQueries
		}
	}

	if b.Opts.IncludeSpelling && raw.Spellcheck != nil {
		resp.SpellingSuggestion = spelling(raw.Spellcheck.Collations, raw.Spellcheck.Suggestions)
	}
	return resp
}

// pairs reads Solr's flat [value, count, value, count, ...] lists.
func (b *Backend) pairs(name string, flat []any, dates bool) []result.FacetCount {
	out := make([]result.FacetCount, 0, len(flat)/2)
	f, known := b.Unified.Field(name)
	for i := 0; i+1 < len(flat); i += 2 {
		value := flat[i]
		switch {
		case dates:
			if s, ok := value.(string); ok {
				if t, err := field.ParseTime(s, true); err == nil {
					value = t
				}
			}
		case known:
			if v, err := f.Convert(value); err == nil {
				value = v
			}
		}
		count, _ := flat[i+1].(float64)
		out = append(out, result.FacetCount{Value: value, Count: int(count)})
	}
	return out
}

// spelling prefers the first collation and falls back to joining the first
// suggestion of every misspelled word.
func spelling(collations, suggestions []any) string {
	for i := 0; i+1 < len(collations); i += 2 {
		if name, _ := collations[i].(string); name != "collation" {
			continue
		}
		switch c := collations[i+1].(type) {
		case string:
			return c
		case map[string]any:
			if q, ok := c["collationQuery"].(string); ok {
				return q
			}
		}
	}
	var words []string
	for i := 0; i+1 < len(suggestions); i += 2 {
		detail, ok := suggestions[i+1].(map[string]any)
		if !ok {
			continue
		}
		list, _ := detail["suggestion"].([]any)
		if len(list) == 0 {
			continue
		}
		switch s := list[0].(type) {
		case string:
			words = append(words, s)
		case map[string]any:
			if w, ok := s["word"].(string); ok {
				words = append(words, w)
			}
		}
	}
	if len(words) == 0 {
		return ""
	}
	out := words[0]
	for _, w := range words[1:] {
		out += " " + w
	}
	return out
}
