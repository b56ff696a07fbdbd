package indexing

import (
	"context"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/query"
)

// Backends resolves connection aliases.
type Backends interface {
	Backend(alias string) (query.Backend, error)
	Unified(alias string) (*index.Unified, error)
	Options(alias string) (backend.Options, error)
}

// WriteRouter picks the aliases a write goes to.
type WriteRouter interface {
	ForWrite(h connection.Hints) []string
}

// ObjectStore persists primary objects alongside their documents.
type ObjectStore interface {
	Save(ctx context.Context, docs []*model.Document) error
	Delete(ctx context.Context, m model.Model, pk string) error
}
