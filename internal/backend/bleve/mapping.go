package bleve

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/edgengram"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/ngram"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Analyzer names registered on every index mapping.
const (
	TextAnalyzer      = "needle_text"
	NgramAnalyzer     = "needle_ngram"
	EdgeNgramAnalyzer = "needle_edgengram"
)

// BuildMapping returns the static index mapping for every field of u.
// Documents only index declared fields.
func BuildMapping(u *index.Unified) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	if err := addAnalyzers(im); err != nil {
		return nil, fmt.Errorf("register analyzers: %w", err)
	}
	im.DefaultAnalyzer = TextAnalyzer

	dm := bleve.NewDocumentStaticMapping()
	for _, name := range []string{model.FieldID, model.FieldDjangoCT, model.FieldDjangoID} {
		fm := bleve.NewKeywordFieldMapping()
		fm.Store = true
		fm.IncludeInAll = false
		dm.AddFieldMappingsAt(name, fm)
	}
	if u != nil {
		for _, f := range u.OrderedFields() {
			fm, err := fieldMapping(f)
			if err != nil {
				return nil, err
			}
			dm.AddFieldMappingsAt(f.IndexName(), fm)
		}
	}
	im.DefaultMapping = dm
	return im, nil
}

func addAnalyzers(im *mapping.IndexMappingImpl) error {
	if err := im.AddCustomTokenFilter("needle_ngram_filter", map[string]any{
		"type": ngram.Name,
		"min":  3.0,
		"max":  4.0,
	}); err != nil {
		return err
	}
	if err := im.AddCustomTokenFilter("needle_edgengram_filter", map[string]any{
		"type": edgengram.Name,
		"back": false,
		"min":  2.0,
		"max":  15.0,
	}); err != nil {
		return err
	}
	analyzers := map[string][]string{
		TextAnalyzer:      {lowercase.Name, porter.Name},
		NgramAnalyzer:     {lowercase.Name, "needle_ngram_filter"},
		EdgeNgramAnalyzer: {lowercase.Name, "needle_edgengram_filter"},
	}
	for _, name := range []string{TextAnalyzer, NgramAnalyzer, EdgeNgramAnalyzer} {
		if err := im.AddCustomAnalyzer(name, map[string]any{
			"type":          custom.Name,
			"tokenizer":     unicode.Name,
			"token_filters": analyzers[name],
		}); err != nil {
			return err
		}
	}
	return nil
}

func fieldMapping(f *field.Field) (*mapping.FieldMapping, error) {
	var fm *mapping.FieldMapping
	switch t := f.Type(); t {
	case field.Text, field.MultiValue:
		if f.IsFacet() || !f.IsIndexed() {
			fm = bleve.NewKeywordFieldMapping()
			break
		}
		fm = bleve.NewTextFieldMapping()
		fm.Analyzer = TextAnalyzer
		if f.AnalyzerName() != "" {
			fm.Analyzer = f.AnalyzerName()
		}
	case field.Ngram:
		fm = bleve.NewTextFieldMapping()
		fm.Analyzer = NgramAnalyzer
	case field.EdgeNgram:
		fm = bleve.NewTextFieldMapping()
		fm.Analyzer = EdgeNgramAnalyzer
	case field.Integer, field.Long, field.Float:
		fm = bleve.NewNumericFieldMapping()
	case field.Decimal:
		fm = bleve.NewKeywordFieldMapping()
		fm.Analyzer = keyword.Name
	case field.Boolean:
		fm = bleve.NewBooleanFieldMapping()
	case field.Date, field.DateTime:
		fm = bleve.NewDateTimeFieldMapping()
	case field.Location:
		fm = bleve.NewGeoPointFieldMapping()
	default:
		return nil, fmt.Errorf("field %s: unsupported type %q: %w", f.IndexName(), t, domain.ErrConfig)
	}
	fm.Store = f.IsStored()
	fm.Index = f.IsIndexed()
	fm.IncludeInAll = f.IsDocument()
	return fm, nil
}
