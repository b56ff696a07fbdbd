package bleve

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search"
	index "github.com/blevesearch/bleve_index_api"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	needlequery "github.com/kailas-cloud/needle/internal/query"
)

func (b *Backend) processResults(res *bleve.SearchResult, p *needlequery.SearchParams) *needlequery.Response {
	resp := &needlequery.Response{Hits: int(res.Total), Results: []*result.Result{}}
	content := b.Unified.DocumentFieldName()

	for _, h := range res.Hits {
		ct, _ := h.Fields[model.FieldDjangoCT].(string)
		pk, _ := h.Fields[model.FieldDjangoID].(string)
		if ct == "" || pk == "" {
			ct, pk, _ = backend.SplitIdentifier(h.ID)
		}
		hit := backend.Hit{
			ContentType: ct,
			PK:          pk,
			Score:       h.Score,
			Fields:      h.Fields,
			Highlighted: h.Fragments[content],
		}
		r, ok := b.BuildResult(p, hit)
		if !ok {
			resp.Hits--
			continue
		}
		resp.Results = append(resp.Results, r)
	}

	for name, fr := range res.Facets {
		if strings.HasPrefix(name, dateFacetPrefix) {
			if resp.Facets.Dates == nil {
				resp.Facets.Dates = map[string][]result.FacetCount{}
			}
			resp.Facets.Dates[strings.TrimPrefix(name, dateFacetPrefix)] = dateCounts(fr)
			continue
		}
		if resp.Facets.Fields == nil {
			resp.Facets.Fields = map[string][]result.FacetCount{}
		}
		resp.Facets.Fields[name] = b.fieldCounts(name, fr)
	}
	return resp
}

func (b *Backend) fieldCounts(name string, fr *search.FacetResult) []result.FacetCount {
	if fr.Terms == nil {
		return []result.FacetCount{}
	}
	f, known := b.Unified.Field(name)
	terms := fr.Terms.Terms()
	counts := make([]result.FacetCount, 0, len(terms))
	for _, t := range terms {
		var value any = t.Term
		if known {
			if v, err := f.Convert(t.Term); err == nil {
				value = v
			}
		}
		counts = append(counts, result.FacetCount{Value: value, Count: t.Count})
	}
	return counts
}

// dateCounts orders buckets by start; bucket names are RFC 3339 starts.
func dateCounts(fr *search.FacetResult) []result.FacetCount {
	ranges := append([]*search.DateRangeFacet(nil), fr.DateRanges...)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Name < ranges[j].Name })
	counts := make([]result.FacetCount, 0, len(ranges))
	for _, r := range ranges {
		var value any = r.Name
		if t, err := time.Parse(time.RFC3339, r.Name); err == nil {
			value = t
		}
		counts = append(counts, result.FacetCount{Value: value, Count: r.Count})
	}
	return counts
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// maxEditDistance bounds how far a suggestion may be from the typed word.
const maxEditDistance = 2

// suggest corrects every word of text against the terms of the document
// field. The closest term wins, ties go to the more frequent one.
func (b *Backend) suggest(idx bleve.Index, text string) (string, error) {
	words := wordRe.FindAllString(text, -1)
	if len(words) == 0 {
		return "", nil
	}
	dict, err := b.terms(idx)
	if err != nil {
		return "", err
	}
	out := make([]string, 0, len(words))
	for _, w := range words {
		switch w {
		case "AND", "OR", "NOT":
			continue
		}
		out = append(out, correct(strings.ToLower(w), dict))
	}
	return strings.Join(out, " "), nil
}

func correct(word string, dict map[string]uint64) string {
	if _, ok := dict[word]; ok {
		return word
	}
	best, bestDist := word, maxEditDistance+1
	var bestCount uint64
	for term, count := range dict {
		d := search.LevenshteinDistance(word, term)
		if d > maxEditDistance {
			continue
		}
		if d < bestDist || d == bestDist && (count > bestCount || count == bestCount && term < best) {
			best, bestDist, bestCount = term, d, count
		}
	}
	return best
}

// terms reads the term dictionary of the document field.
func (b *Backend) terms(idx bleve.Index) (map[string]uint64, error) {
	content := b.Unified.DocumentFieldName()
	fd, err := idx.FieldDict(content)
	if err != nil {
		return nil, fmt.Errorf("read terms of %s: %w", content, err)
	}
	defer func() { _ = fd.Close() }()

	dict := map[string]uint64{}
	var entry *index.DictEntry
	for entry, err = fd.Next(); entry != nil && err == nil; entry, err = fd.Next() {
		dict[entry.Term] = entry.Count
	}
	if err != nil {
		return nil, fmt.Errorf("read terms of %s: %w", content, err)
	}
	return dict, nil
}
