package needle

import (
	"context"
	"fmt"
)

// Hit is a typed search result.
type Hit[T any] struct {
	Item        T
	Score       float64
	Highlighted []string
	Result      *Result
}

// Hits runs rs and rebuilds every hit of this entity type from its stored
// fields. Hits of other entity types are skipped.
func (ti *TypedIndex[T]) Hits(ctx context.Context, rs *ResultSet) ([]Hit[T], error) {
	results, err := rs.Results(ctx)
	if err != nil {
		return nil, fmt.Errorf("hits %s: %w", ti.model, err)
	}
	out := make([]Hit[T], 0, len(results))
	for _, r := range results {
		if r.Model() != ti.model {
			continue
		}
		out = append(out, ti.hit(r))
	}
	return out, nil
}

// Get runs rs and returns the hit at position i.
func (ti *TypedIndex[T]) Get(ctx context.Context, rs *ResultSet, i int) (Hit[T], error) {
	r, err := rs.Index(ctx, i)
	if err != nil {
		return Hit[T]{}, err
	}
	if r.Model() != ti.model {
		return Hit[T]{}, fmt.Errorf("hit %d is a %s, not a %s: %w", i, r.Model(), ti.model, ErrNotRegistered)
	}
	return ti.hit(r), nil
}

func (ti *TypedIndex[T]) hit(r *Result) Hit[T] {
	v := ti.meta.fromResult(r.PK(), r.Fields())
	item, _ := v.Interface().(T)
	if ptr, ok := v.Addr().Interface().(T); ok {
		item = ptr
	}
	return Hit[T]{Item: item, Score: r.Score(), Highlighted: r.Highlighted(), Result: r}
}
