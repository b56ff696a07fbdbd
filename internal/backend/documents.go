package backend

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/result"
	"github.com/kailas-cloud/needle/internal/metrics"
	"github.com/kailas-cloud/needle/internal/query"
)

// PrepareDocuments flattens objects through idx. Documents skipped by a
// prepare hook are dropped; any other failure aborts the batch.
func (b *Base) PrepareDocuments(idx *index.Index, objs []model.Object) ([]map[string]any, error) {
	docs := make([]map[string]any, 0, len(objs))
	for _, obj := range objs {
		doc, err := idx.FullPrepare(obj)
		if errors.Is(err, domain.ErrSkipDocument) {
			b.Logger.Debug("Indexing for object skipped", zap.String("id", model.Identifier(obj)))
			metrics.DocumentsIndexedTotal.WithLabelValues(b.Opts.Alias, "skipped").Inc()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("prepare %s: %w", model.Identifier(obj), err)
		}
		docs = append(docs, doc)
	}
	metrics.DocumentsIndexedTotal.WithLabelValues(b.Opts.Alias, "indexed").Add(float64(len(docs)))
	return docs, nil
}

// Hit is one raw hit as read from an engine.
type Hit struct {
	ContentType string
	PK          string
	Score       float64
	Fields      map[string]any
	Highlighted []string
}

// BuildResult turns a raw hit into a Result. It reports false for hits
// whose model is no longer registered; callers decrement the hit count.
// Stored values are converted by the field that declared them; values of
// unknown fields are returned as decoded.
func (b *Base) BuildResult(p *query.SearchParams, h Hit) (*result.Result, bool) {
	m, err := model.Parse(h.ContentType)
	if err != nil || b.Unified == nil || !b.Unified.Has(m) {
		return nil, false
	}
	idx, err := b.Unified.Index(m)
	if err != nil {
		return nil, false
	}
	fields := make(map[string]any, len(h.Fields))
	for key, value := range h.Fields {
		switch key {
		case model.FieldDjangoCT, model.FieldDjangoID, "score", "_score":
			continue
		}
		f, ok := idx.FieldByIndexName(key)
		if !ok {
			fields[key] = value
			continue
		}
		converted, err := f.Convert(value)
		if err != nil {
			b.Logger.Debug("Keeping unconverted stored value",
				zap.String("field", key), zap.Error(err))
			converted = value
		}
		fields[f.Name()] = converted
	}
	r := p.NewResult(m, h.PK, h.Score, fields)
	if len(h.Highlighted) > 0 {
		r.SetHighlighted(h.Highlighted)
	}
	return r, true
}

// SplitIdentifier parses a document id into content type and primary key.
func SplitIdentifier(id string) (string, string, bool) {
	m, pk, err := model.ParseIdentifier(id)
	if err != nil {
		return "", "", false
	}
	return m.String(), pk, true
}
