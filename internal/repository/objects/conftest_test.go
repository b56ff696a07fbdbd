package objects

import (
	"context"

	"github.com/kailas-cloud/needle/internal/db"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// mockHashStore implements the consumer interface for tests.
type mockHashStore struct {
	putFn    func(ctx context.Context, items []db.HashSetItem) error
	getFn    func(ctx context.Context, key string) (map[string]string, error)
	getAllFn func(ctx context.Context, keys []string) ([]map[string]string, error)
	deleteFn func(ctx context.Context, keys ...string) (int, error)
}

func (m *mockHashStore) PutHashes(ctx context.Context, items []db.HashSetItem) error {
	if m.putFn != nil {
		return m.putFn(ctx, items)
	}
	return nil
}

func (m *mockHashStore) GetHash(ctx context.Context, key string) (map[string]string, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func (m *mockHashStore) GetHashes(ctx context.Context, keys []string) ([]map[string]string, error) {
	if m.getAllFn != nil {
		return m.getAllFn(ctx, keys)
	}
	return make([]map[string]string, len(keys)), nil
}

func (m *mockHashStore) DeleteHashes(ctx context.Context, keys ...string) (int, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, keys...)
	}
	return len(keys), nil
}

// countingLoader records the ids it is asked for.
type countingLoader struct {
	calls [][]string
	objs  map[string]any
	err   error
}

func (l *countingLoader) LoadByIDs(_ context.Context, _ model.Model, ids []string) (map[string]any, error) {
	l.calls = append(l.calls, ids)
	if l.err != nil {
		return nil, l.err
	}
	out := map[string]any{}
	for _, id := range ids {
		if o, ok := l.objs[id]; ok {
			out[id] = o
		}
	}
	return out, nil
}

var noteModel = model.New("blog", "note")
