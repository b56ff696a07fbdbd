// Package objects implements the primary-store lookups used to hydrate
// search results.
package objects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kailas-cloud/needle/internal/db"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// DefaultKeyPrefix namespaces object hashes.
const DefaultKeyPrefix = "needle:"

// hashStore is the consumer interface for the Redis object store (ISP).
type hashStore interface {
	PutHashes(ctx context.Context, items []db.HashSetItem) error
	GetHash(ctx context.Context, key string) (map[string]string, error)
	GetHashes(ctx context.Context, keys []string) ([]map[string]string, error)
	DeleteHashes(ctx context.Context, keys ...string) (int, error)
}

// RedisLoader reads objects stored one hash per primary key under
// "<prefix><app>.<model>:<pk>".
type RedisLoader struct {
	store  hashStore
	prefix string
}

var _ index.Loader = (*RedisLoader)(nil)

// NewRedisLoader creates a loader over a hash store.
func NewRedisLoader(s hashStore, prefix string) *RedisLoader {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLoader{store: s, prefix: prefix}
}

// Key returns the hash key of one object.
func (l *RedisLoader) Key(m model.Model, pk string) string {
	return l.prefix + m.String() + ":" + pk
}

// LoadByIDs fetches the hashes of ids in one round-trip. Missing hashes are
// absent from the result.
func (l *RedisLoader) LoadByIDs(ctx context.Context, m model.Model, ids []string) (map[string]any, error) {
	switch len(ids) {
	case 0:
		return map[string]any{}, nil
	case 1:
		// lazy Result.Object lookups come one at a time
		fields, err := l.store.GetHash(ctx, l.Key(m, ids[0]))
		if errors.Is(err, db.ErrKeyNotFound) {
			return map[string]any{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load %s object: %w", m, err)
		}
		return map[string]any{ids[0]: hashDocument(m, ids[0], fields)}, nil
	}
	keys := make([]string, len(ids))
	for i, pk := range ids {
		keys[i] = l.Key(m, pk)
	}
	hashes, err := l.store.GetHashes(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("load %s objects: %w", m, err)
	}
	out := make(map[string]any, len(hashes))
	for i, fields := range hashes {
		if fields == nil {
			continue
		}
		out[ids[i]] = hashDocument(m, ids[i], fields)
	}
	return out, nil
}

func hashDocument(m model.Model, pk string, fields map[string]string) *model.Document {
	attrs := make(map[string]any, len(fields))
	for k, v := range fields {
		attrs[k] = v
	}
	return model.NewDocument(m, pk, attrs)
}

// Save stores documents as hashes. Non-string attributes are stored as JSON,
// times as RFC 3339.
func (l *RedisLoader) Save(ctx context.Context, docs []*model.Document) error {
	items := make([]db.HashSetItem, 0, len(docs))
	for _, d := range docs {
		fields := make(map[string]string, len(d.Attrs()))
		for k, v := range d.Attrs() {
			s, err := hashValue(v)
			if err != nil {
				return fmt.Errorf("save %s attr %s: %w", model.Identifier(d), k, err)
			}
			fields[k] = s
		}
		if len(fields) == 0 {
			fields["pk"] = d.PrimaryKey()
		}
		items = append(items, db.HashSetItem{Key: l.Key(d.ModelType(), d.PrimaryKey()), Fields: fields})
	}
	if err := l.store.PutHashes(ctx, items); err != nil {
		return fmt.Errorf("save objects: %w", err)
	}
	return nil
}

// Delete removes one object.
func (l *RedisLoader) Delete(ctx context.Context, m model.Model, pk string) error {
	if _, err := l.store.DeleteHashes(ctx, l.Key(m, pk)); err != nil {
		return fmt.Errorf("delete %s.%s: %w", m, pk, err)
	}
	return nil
}

func hashValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
