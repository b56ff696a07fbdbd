// Package db defines the primary object store consumed by result hydration
// and the indexing CLI.
package db

import (
	"context"
	"time"
)

// Store is the object store facade.
type Store interface {
	Pinger
	HashStore
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HashSetItem is one object hash: its key and its stringified attributes.
type HashSetItem struct {
	Key    string
	Fields map[string]string
}

// HashStore keeps one hash per stored object.
type HashStore interface {
	// PutHashes replaces each hash with exactly the given fields.
	PutHashes(ctx context.Context, items []HashSetItem) error
	// GetHash reads one hash; a missing key is ErrKeyNotFound.
	GetHash(ctx context.Context, key string) (map[string]string, error)
	// GetHashes reads keys in one round trip; missing keys are nil entries.
	GetHashes(ctx context.Context, keys []string) ([]map[string]string, error)
	// DeleteHashes removes keys and reports how many existed.
	DeleteHashes(ctx context.Context, keys ...string) (int, error)
}
