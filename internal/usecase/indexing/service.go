// Package indexing pushes objects to every write alias in batches.
package indexing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/domain"
	dombatch "github.com/kailas-cloud/needle/internal/domain/batch"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// DefaultBatchSize is used when neither the alias nor the service sets one.
const DefaultBatchSize = 1000

// Service handles batch indexing with per-item error reporting.
type Service struct {
	backends  Backends
	router    WriteRouter
	objects   ObjectStore
	batchSize int
	logger    *zap.Logger
}

// New creates an indexing service.
func New(backends Backends, router WriteRouter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backends: backends, router: router, batchSize: DefaultBatchSize, logger: logger}
}

// WithBatchSize configures the default batch size.
func (s *Service) WithBatchSize(size int) *Service {
	if size > 0 {
		s.batchSize = size
	}
	return s
}

// WithObjectStore also saves documents to, and deletes them from, a primary
// store so results can be hydrated.
func (s *Service) WithObjectStore(store ObjectStore) *Service {
	s.objects = store
	return s
}

// Update indexes objs on every alias routed for their model. An object
// fails if any alias rejects its batch.
func (s *Service) Update(ctx context.Context, objs []model.Object) []dombatch.Result {
	results := make([]dombatch.Result, len(objs))
	failed := make([]error, len(objs))

	byModel := map[model.Model][]int{}
	var order []model.Model
	for i, obj := range objs {
		m := obj.ModelType()
		if _, seen := byModel[m]; !seen {
			order = append(order, m)
		}
		byModel[m] = append(byModel[m], i)
	}

	for _, m := range order {
		positions := byModel[m]
		for _, alias := range s.router.ForWrite(connection.Hints{Models: []model.Model{m}}) {
			s.updateAlias(ctx, alias, m, objs, positions, failed)
		}
	}

	if s.objects != nil {
		s.saveObjects(ctx, objs, failed)
	}

	for i, obj := range objs {
		id := model.Identifier(obj)
		if failed[i] != nil {
			results[i] = dombatch.Failed(dombatch.OpUpdate, id, failed[i])
			continue
		}
		results[i] = dombatch.Done(dombatch.OpUpdate, id)
	}
	return results
}

func (s *Service) updateAlias(
	ctx context.Context, alias string, m model.Model,
	objs []model.Object, positions []int, failed []error,
) {
	fail := func(idx []int, err error) {
		for _, i := range idx {
			if failed[i] == nil {
				failed[i] = err
			}
		}
	}

	b, err := s.backends.Backend(alias)
	if err != nil {
		fail(positions, fmt.Errorf("connection %q: %w", alias, err))
		return
	}
	u, err := s.backends.Unified(alias)
	if err != nil {
		fail(positions, fmt.Errorf("connection %q: %w", alias, err))
		return
	}
	idx, err := u.Index(m)
	if err != nil {
		fail(positions, fmt.Errorf("connection %q: %w", alias, err))
		return
	}

	size := s.batchSize
	if opts, err := s.backends.Options(alias); err == nil && opts.BatchSize > 0 {
		size = opts.BatchSize
	}
	for start := 0; start < len(positions); start += size {
		end := min(start+size, len(positions))
		chunk := positions[start:end]
		batch := make([]model.Object, len(chunk))
		for j, i := range chunk {
			batch[j] = objs[i]
		}
		if err := b.Update(ctx, idx, batch, true); err != nil {
			s.logger.Error("Failed to index batch",
				zap.String("alias", alias),
				zap.String("model", m.String()),
				zap.Int("size", len(batch)),
				zap.Error(err),
			)
			fail(chunk, fmt.Errorf("update %q: %w", alias, err))
			continue
		}
		s.logger.Debug("Indexed batch",
			zap.String("alias", alias),
			zap.String("model", m.String()),
			zap.Int("size", len(batch)),
		)
	}
}

func (s *Service) saveObjects(ctx context.Context, objs []model.Object, failed []error) {
	var (
		docs []*model.Document
		pos  []int
	)
	for i, obj := range objs {
		if d, ok := obj.(*model.Document); ok && failed[i] == nil {
			docs = append(docs, d)
			pos = append(pos, i)
		}
	}
	if len(docs) == 0 {
		return
	}
	if err := s.objects.Save(ctx, docs); err != nil {
		for _, i := range pos {
			failed[i] = fmt.Errorf("save object: %w", err)
		}
	}
}

// Remove deletes documents by identifier from every alias routed for
// their model.
func (s *Service) Remove(ctx context.Context, ids []string) []dombatch.Result {
	results := make([]dombatch.Result, len(ids))
	for i, id := range ids {
		m, pk, err := model.ParseIdentifier(id)
		if err != nil {
			results[i] = dombatch.Failed(dombatch.OpRemove, id, err)
			continue
		}
		var errs []error
		for _, alias := range s.router.ForWrite(connection.Hints{Models: []model.Model{m}}) {
			b, err := s.backends.Backend(alias)
			if err == nil {
				err = b.Remove(ctx, id, true)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("remove from %q: %w", alias, err))
			}
		}
		if s.objects != nil && len(errs) == 0 {
			if err := s.objects.Delete(ctx, m, pk); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			results[i] = dombatch.Failed(dombatch.OpRemove, id, err)
			continue
		}
		results[i] = dombatch.Done(dombatch.OpRemove, id)
	}
	return results
}

// Clear wipes models from every alias routed for them; no models wipes the
// write aliases of the default route entirely.
func (s *Service) Clear(ctx context.Context, models []model.Model) error {
	aliases := s.router.ForWrite(connection.Hints{Models: models})
	if len(aliases) == 0 {
		return fmt.Errorf("no write connection: %w", domain.ErrConfig)
	}
	var errs []error
	for _, alias := range aliases {
		b, err := s.backends.Backend(alias)
		if err == nil {
			err = b.Clear(ctx, models, true)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("clear %q: %w", alias, err))
			continue
		}
		s.logger.Info("Cleared index",
			zap.String("alias", alias),
			zap.Strings("models", model.Labels(models)),
		)
	}
	return errors.Join(errs...)
}
