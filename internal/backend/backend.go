// Package backend holds the plumbing shared by every search engine executor.
package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/metrics"
	"github.com/kailas-cloud/needle/internal/query"
)

// Options configure one connection.
type Options struct {
	Alias           string
	URL             string
	IndexName       string
	Path            string
	Timeout         time.Duration
	SilentlyFail    bool
	IncludeSpelling bool
	BatchSize       int
	// DefaultOperator joins bare terms: AND or OR.
	DefaultOperator string
	Kwargs          map[string]any
}

// Base implements the write-once setup flag and the failure guard.
type Base struct {
	Opts    Options
	Engine  string
	Unified *index.Unified
	Logger  *zap.Logger

	setupMu   sync.Mutex
	setupDone bool
}

// NewBase creates the shared executor state.
func NewBase(engine string, opts Options, u *index.Unified, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultOperator == "" {
		opts.DefaultOperator = "AND"
	}
	return &Base{
		Opts:    opts,
		Engine:  engine,
		Unified: u,
		Logger:  logger.With(zap.String("alias", opts.Alias), zap.String("engine", engine)),
	}
}

// passthrough errors are caller mistakes, never swallowed.
var passthrough = []error{
	domain.ErrConfig, domain.ErrField, domain.ErrMoreLikeThis,
	domain.ErrSpatial, domain.ErrNotRegistered, domain.ErrNotImplemented,
}

// Guard runs fn, records metrics and turns transport failures into search
// errors. With silently_fail set those are logged and nil is returned.
func (b *Base) Guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	metrics.BackendRequestDuration.WithLabelValues(b.Opts.Alias, b.Engine, op).Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.BackendRequestsTotal.WithLabelValues(b.Opts.Alias, b.Engine, op, "ok").Inc()
		return nil
	}
	metrics.BackendRequestsTotal.WithLabelValues(b.Opts.Alias, b.Engine, op, "error").Inc()
	for _, target := range passthrough {
		if errors.Is(err, target) {
			return err
		}
	}
	if !errors.Is(err, domain.ErrSearch) {
		err = domain.NewSearchError(b.Opts.Alias, b.Engine, op, err)
	}
	b.Logger.Error("Search backend request failed",
		zap.String("op", op),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	if b.Opts.SilentlyFail {
		metrics.BackendSwallowedErrorsTotal.WithLabelValues(b.Opts.Alias, b.Engine, op).Inc()
		return nil
	}
	return err
}

// GuardSearch is Guard for operations that return a response. A swallowed
// failure yields an empty response.
func (b *Base) GuardSearch(
	ctx context.Context, op string, fn func(ctx context.Context) (*query.Response, error),
) (*query.Response, error) {
	var resp *query.Response
	err := b.Guard(ctx, op, func(ctx context.Context) error {
		var err error
		resp, err = fn(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = query.EmptyResponse()
	}
	return resp, nil
}

// EnsureSetup runs setup once per process. A failed setup is retried on
// the next call.
func (b *Base) EnsureSetup(ctx context.Context, setup func(ctx context.Context) error) error {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()
	if b.setupDone {
		return nil
	}
	if err := setup(ctx); err != nil {
		return err
	}
	b.setupDone = true
	return nil
}

// SetupDone reports whether setup has completed.
func (b *Base) SetupDone() bool {
	b.setupMu.Lock()
	defer b.setupMu.Unlock()
	return b.setupDone
}

// ResetSetup forces the next write to run setup again, e.g. after a clear.
func (b *Base) ResetSetup() {
	b.setupMu.Lock()
	b.setupDone = false
	b.setupMu.Unlock()
}

// Window returns the start offset and row count, defaulting open windows to def.
func Window(p *query.SearchParams, def int) (int, int) {
	if p == nil {
		return 0, def
	}
	if limit := p.Limit(); limit >= 0 {
		return p.StartOffset, limit
	}
	return p.StartOffset, def
}

// ModelLabels returns the sorted "app.model" labels of a restriction.
func ModelLabels(models []model.Model) []string {
	return model.Labels(models)
}
