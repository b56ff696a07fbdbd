package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Property is one entry of an index mapping.
type Property struct {
	Type     string `json:"type"`
	Analyzer string `json:"analyzer,omitempty"`
	Format   string `json:"format,omitempty"`
}

// Mapping is the "mappings" body of an index.
type Mapping struct {
	Properties map[string]Property `json:"properties"`
}

var fieldMappings = map[field.Type]Property{
	field.Text:       {Type: "text", Analyzer: "snowball"},
	field.MultiValue: {Type: "text", Analyzer: "snowball"},
	field.Ngram:      {Type: "text", Analyzer: "ngram_analyzer"},
	field.EdgeNgram:  {Type: "text", Analyzer: "edgengram_analyzer"},
	field.Integer:    {Type: "long"},
	field.Long:       {Type: "long"},
	field.Float:      {Type: "float"},
	field.Decimal:    {Type: "keyword"},
	field.Boolean:    {Type: "boolean"},
	field.Date:       {Type: "date", Format: dateFormat},
	field.DateTime:   {Type: "date", Format: dateFormat},
	field.Location:   {Type: "geo_point"},
}

const dateFormat = "strict_date_optional_time||epoch_millis"

// indexSettings define the analyzers the ngram field types refer to.
var indexSettings = map[string]any{
	"analysis": map[string]any{
		"analyzer": map[string]any{
			"ngram_analyzer": map[string]any{
				"type":      "custom",
				"tokenizer": "standard",
				"filter":    []string{"needle_ngram", "lowercase"},
			},
			"edgengram_analyzer": map[string]any{
				"type":      "custom",
				"tokenizer": "standard",
				"filter":    []string{"needle_edgengram", "lowercase"},
			},
		},
		"filter": map[string]any{
			"needle_ngram":     map[string]any{"type": "ngram", "min_gram": 3, "max_gram": 4},
			"needle_edgengram": map[string]any{"type": "edge_ngram", "min_gram": 2, "max_gram": 15},
		},
	},
}

// BuildSchema returns the document field name and the index mapping.
func (b *Backend) BuildSchema() (string, any, error) {
	m, err := b.mapping()
	if err != nil {
		return "", nil, err
	}
	return b.Unified.DocumentFieldName(), m, nil
}

func (b *Backend) mapping() (Mapping, error) {
	props := map[string]Property{
		model.FieldID:       {Type: "keyword"},
		model.FieldDjangoCT: {Type: "keyword"},
		model.FieldDjangoID: {Type: "keyword"},
	}
	for _, f := range b.Unified.OrderedFields() {
		p, ok := fieldMappings[f.Type()]
		if !ok {
			return Mapping{}, fmt.Errorf("field %q has unsupported type %q: %w", f.IndexName(), f.Type(), domain.ErrConfig)
		}
		if p.Type == "text" && (f.IsFacet() || !f.IsIndexed()) {
			p = Property{Type: "keyword"}
		}
		props[f.IndexName()] = p
	}
	return Mapping{Properties: props}, nil
}

// Setup creates the index and pushes the mapping when it changed.
func (b *Backend) Setup(ctx context.Context) error {
	return b.Guard(ctx, "setup", func(ctx context.Context) error {
		return b.EnsureSetup(ctx, b.setupIndex)
	})
}

func (b *Backend) setupIndex(ctx context.Context) error {
	want, err := b.mapping()
	if err != nil {
		return err
	}
	current, err := b.currentMapping(ctx)
	if err != nil {
		return err
	}
	if sameMapping(current, want) {
		return nil
	}

	if current == nil {
		body, err := json.Marshal(map[string]any{"settings": indexSettings, "mappings": want})
		if err != nil {
			return fmt.Errorf("marshal index body: %w", err)
		}
		err = b.perform(ctx, esapi.IndicesCreateRequest{Index: b.index, Body: bytes.NewReader(body)}, nil)
		// a concurrent writer may have created it first
		if err != nil && !alreadyExists(err) {
			return fmt.Errorf("create index: %w", err)
		}
		if err == nil {
			b.Logger.Info("Elasticsearch index created", zap.String("index", b.index))
			return nil
		}
	}

	body, err := json.Marshal(want)
	if err != nil {
		return fmt.Errorf("marshal mapping: %w", err)
	}
	req := esapi.IndicesPutMappingRequest{Index: []string{b.index}, Body: bytes.NewReader(body)}
	if err := b.perform(ctx, req, nil); err != nil {
		return fmt.Errorf("put mapping: %w", err)
	}
	b.Logger.Info("Elasticsearch mapping updated", zap.String("index", b.index))
	return nil
}

// currentMapping returns nil when the index does not exist.
func (b *Backend) currentMapping(ctx context.Context) (*Mapping, error) {
	var raw map[string]struct {
		Mappings Mapping `json:"mappings"`
	}
	err := b.perform(ctx, esapi.IndicesGetMappingRequest{Index: []string{b.index}}, &raw)
	if domain.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	for _, idx := range raw {
		m := idx.Mappings
		return &m, nil
	}
	return nil, nil
}

// sameMapping reports whether every wanted property exists with the same
// type and analyzer. Extra properties in the index are ignored.
func sameMapping(current *Mapping, want Mapping) bool {
	if current == nil {
		return false
	}
	for name, p := range want.Properties {
		cur, ok := current.Properties[name]
		if !ok || cur.Type != p.Type || cur.Analyzer != p.Analyzer {
			return false
		}
	}
	return true
}

func alreadyExists(err error) bool {
	var se *domain.HTTPStatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusBadRequest && strings.Contains(se.Body, "resource_already_exists_exception")
}
