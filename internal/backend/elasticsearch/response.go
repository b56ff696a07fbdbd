package elasticsearch

import (
	"sort"
	"strings"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/query"
)

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID        string              `json:"_id"`
			Score     float64             `json:"_score"`
			Source    map[string]any      `json:"_source"`
			Highlight map[string][]string `json:"highlight"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]aggregation `json:"aggregations"`
	Suggest      map[string][]struct {
		Text    string `json:"text"`
		Options []struct {
			Text string `json:"text"`
		} `json:"options"`
	} `json:"suggest"`
}

type aggregation struct {
	DocCount int `json:"doc_count"`
	Buckets  []struct {
		Key          any    `json:"key"`
		FromAsString string `json:"from_as_string"`
		DocCount     int    `json:"doc_count"`
	} `json:"buckets"`
}

func (b *Backend) processResults(raw *searchResponse, aggs aggNames, p *query.SearchParams) *query.Response {
	resp := &query.Response{Hits: raw.Hits.Total.Value}
	content := b.Unified.DocumentFieldName()

	for _, h := range raw.Hits.Hits {
		ct, _ := h.Source[model.FieldDjangoCT].(string)
		pk, _ := h.Source[model.FieldDjangoID].(string)
		if ct == "" || pk == "" {
			ct, pk, _ = backend.SplitIdentifier(h.ID)
		}
		hit := backend.Hit{
			ContentType: ct,
			PK:          pk,
			Score:       h.Score,
			Fields:      h.Source,
			Highlighted: h.Highlight[content],
		}
		r, ok := b.BuildResult(p, hit)
		if !ok {
			resp.Hits--
			continue
		}
		resp.Results = append(resp.Results, r)
	}

	for key, agg := range raw.Aggregations {
		switch {
		case aggs.fields[key] != "":
			name := aggs.fields[key]
			if resp.Facets.Fields == nil {
				resp.Facets.Fields = map[string][]result.FacetCount{}
			}
			f, known := b.Unified.Field(name)
			counts := make([]result.FacetCount, 0, len(agg.Buckets))
			for _, bucket := range agg.Buckets {
				value := bucket.Key
				if known {
					if v, err := f.Convert(value); err == nil {
						value = v
					}
				}
				counts = append(counts, result.FacetCount{Value: value, Count: bucket.DocCount})
			}
			resp.Facets.Fields[name] = counts
		case aggs.dates[key] != "":
			if resp.Facets.Dates == nil {
				resp.Facets.Dates = map[string][]result.FacetCount{}
			}
			counts := make([]result.FacetCount, 0, len(agg.Buckets))
			for _, bucket := range agg.Buckets {
				var value any = bucket.FromAsString
				if t, err := field.ParseTime(bucket.FromAsString, true); err == nil {
					value = t
				}
				counts = append(counts, result.FacetCount{Value: value, Count: bucket.DocCount})
			}
			resp.Facets.Dates[aggs.dates[key]] = counts
		case aggs.queries[key] != "":
			if resp.Facets.Queries == nil {
				resp.Facets.Queries = map[string]int{}
			}
			resp.Facets.Queries[aggs.queries[key]] = agg.DocCount
		}
	}

	if b.Opts.IncludeSpelling {
		var words []string
		for _, entry := range raw.Suggest["spelling"] {
			if len(entry.Options) > 0 {
				words = append(words, entry.Options[0].Text)
				continue
			}
			words = append(words, entry.Text)
		}
		resp.SpellingSuggestion = strings.Join(words, " ")
	}
	return resp
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
