// Package result holds search hits and facet counts returned by backends.
package result

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Loader fetches primary objects by primary key.
type Loader interface {
	LoadByIDs(ctx context.Context, m model.Model, ids []string) (map[string]any, error)
}

// Result is a single search hit.
type Result struct {
	model       model.Model
	pk          string
	score       float64
	fields      map[string]any
	highlighted []string
	distance    *float64

	object any
	loaded bool
	loader Loader
	logger *zap.Logger
}

// Factory builds results from parsed hits. Custom factories may enrich or
// rename fields before the result reaches callers.
type Factory func(m model.Model, pk string, score float64, fields map[string]any) *Result

// New creates a search result.
func New(m model.Model, pk string, score float64, fields map[string]any) *Result {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &Result{model: m, pk: pk, score: score, fields: fields}
}

// Model returns the entity type of the hit.
func (r *Result) Model() model.Model { return r.model }

// PK returns the primary key of the hit.
func (r *Result) PK() string { return r.pk }

// ID returns the document identifier.
func (r *Result) ID() string { return r.model.String() + "." + r.pk }

// Score returns the relevance score.
func (r *Result) Score() float64 { return r.score }

// Fields returns the stored fields returned by the backend.
func (r *Result) Fields() map[string]any { return r.fields }

// Field returns one stored field.
func (r *Result) Field(name string) (any, bool) {
	v, ok := r.fields[name]
	return v, ok
}

// Highlighted returns highlight fragments of the document field.
func (r *Result) Highlighted() []string { return r.highlighted }

// SetHighlighted sets highlight fragments.
func (r *Result) SetHighlighted(h []string) { r.highlighted = h }

// Distance returns the distance from a spatial query point, if any.
func (r *Result) Distance() (float64, bool) {
	if r.distance == nil {
		return 0, false
	}
	return *r.distance, true
}

// SetDistance records the distance from a spatial query point.
func (r *Result) SetDistance(d float64) { r.distance = &d }

// Bind attaches a primary-store loader used by Object.
func (r *Result) Bind(l Loader, logger *zap.Logger) {
	r.loader = l
	r.logger = logger
}

// SetObject attaches an already loaded object.
func (r *Result) SetObject(obj any) {
	r.object = obj
	r.loaded = true
}

// Loaded reports whether the primary object has been resolved.
func (r *Result) Loaded() bool { return r.loaded }

// Object returns the primary object, loading it on first access.
// A missing object resolves to nil.
func (r *Result) Object(ctx context.Context) (any, error) {
	if r.loaded {
		return r.object, nil
	}
	if r.loader == nil {
		return nil, fmt.Errorf("result %s: no loader bound", r.ID())
	}
	objs, err := r.loader.LoadByIDs(ctx, r.model, []string{r.pk})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", r.ID(), err)
	}
	obj, ok := objs[r.pk]
	if !ok && r.logger != nil {
		r.logger.Warn("Object could not be found for search result",
			zap.String("model", r.model.String()), zap.String("pk", r.pk))
	}
	r.SetObject(obj)
	return obj, nil
}

type resultJSON struct {
	Model       string         `json:"model"`
	PK          string         `json:"pk"`
	Score       float64        `json:"score"`
	Fields      map[string]any `json:"fields,omitempty"`
	Highlighted []string       `json:"highlighted,omitempty"`
	Distance    *float64       `json:"distance,omitempty"`
}

// MarshalJSON serializes the hit without its primary object.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		Model:       r.model.String(),
		PK:          r.pk,
		Score:       r.score,
		Fields:      r.fields,
		Highlighted: r.highlighted,
		Distance:    r.distance,
	})
}

// UnmarshalJSON restores a serialized hit. The object is loaded lazily again.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw resultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m, err := model.Parse(raw.Model)
	if err != nil {
		return err
	}
	*r = Result{
		model:       m,
		pk:          raw.PK,
		score:       raw.Score,
		fields:      raw.Fields,
		highlighted: raw.Highlighted,
		distance:    raw.Distance,
	}
	return nil
}

// FacetCount is one bucket of a facet.
type FacetCount struct {
	Value any `json:"value"`
	Count int `json:"count"`
}

// FacetCounts groups facet buckets by kind.
type FacetCounts struct {
	Fields  map[string][]FacetCount `json:"fields,omitempty"`
	Dates   map[string][]FacetCount `json:"dates,omitempty"`
	Queries map[string]int          `json:"queries,omitempty"`
}

// IsEmpty reports whether no facet kind has data.
func (f FacetCounts) IsEmpty() bool {
	return len(f.Fields) == 0 && len(f.Dates) == 0 && len(f.Queries) == 0
}
