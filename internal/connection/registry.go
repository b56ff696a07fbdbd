// Package connection maps connection aliases onto lazily constructed search
// backends and routes reads and writes between them.
package connection

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/backend/bleve"
	"github.com/kailas-cloud/needle/internal/backend/elasticsearch"
	"github.com/kailas-cloud/needle/internal/backend/solr"
	"github.com/kailas-cloud/needle/internal/backend/sqlite"
	"github.com/kailas-cloud/needle/internal/domain"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/query"
)

// DefaultAlias must always be configured.
const DefaultAlias = "default"

// Factory constructs the backend of one alias.
type Factory func(opts backend.Options, u *index.Unified, logger *zap.Logger) (query.Backend, error)

// Factories returns the built-in engines.
func Factories() map[string]Factory {
	return map[string]Factory{
		solr.Engine: func(o backend.Options, u *index.Unified, l *zap.Logger) (query.Backend, error) {
			return solr.New(o, u, l)
		},
		elasticsearch.Engine: func(o backend.Options, u *index.Unified, l *zap.Logger) (query.Backend, error) {
			return elasticsearch.New(o, u, l)
		},
		bleve.Engine: func(o backend.Options, u *index.Unified, l *zap.Logger) (query.Backend, error) {
			return bleve.New(o, u, l)
		},
		sqlite.Engine: func(o backend.Options, u *index.Unified, l *zap.Logger) (query.Backend, error) {
			return sqlite.New(o, u, l)
		},
	}
}

// Config describes one alias.
type Config struct {
	Engine  string
	Options backend.Options
	// ExcludedIndexes lists "app.model" labels kept out of this alias.
	ExcludedIndexes []string
}

type handler struct {
	alias string
	cfg   Config

	once    sync.Once
	unified *index.Unified
	backend query.Backend
	err     error
}

// Registry is the process-wide alias table. It is built once at startup and
// only read afterwards; backends are constructed on first use.
type Registry struct {
	handlers  map[string]*handler
	factories map[string]Factory
	indexes   []*index.Index
	routers   []Router
	logger    *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory registers an engine, replacing a built-in one of the same name.
func WithFactory(engine string, f Factory) Option {
	return func(r *Registry) { r.factories[engine] = f }
}

// WithRouters sets the router chain consulted for reads and writes.
func WithRouters(routers ...Router) Option {
	return func(r *Registry) { r.routers = routers }
}

// WithLogger sets the logger handed to backends.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry validates the alias table. A "default" alias is required and
// every engine must be known.
func NewRegistry(conns map[string]Config, indexes []*index.Index, opts ...Option) (*Registry, error) {
	r := &Registry{
		handlers:  make(map[string]*handler, len(conns)),
		factories: Factories(),
		indexes:   indexes,
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	if _, ok := conns[DefaultAlias]; !ok {
		return nil, fmt.Errorf("the %q connection is required: %w", DefaultAlias, domain.ErrConfig)
	}
	for alias, cfg := range conns {
		if _, ok := r.factories[cfg.Engine]; !ok {
			return nil, fmt.Errorf("connection %q: unknown engine %q: %w", alias, cfg.Engine, domain.ErrConfig)
		}
		cfg.Options.Alias = alias
		r.handlers[alias] = &handler{alias: alias, cfg: cfg}
	}
	return r, nil
}

// Aliases returns the configured aliases, sorted.
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.handlers))
	for a := range r.handlers {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Engine returns the engine name of alias.
func (r *Registry) Engine(alias string) (string, error) {
	h, err := r.handler(alias)
	if err != nil {
		return "", err
	}
	return h.cfg.Engine, nil
}

// Options returns the backend options of alias.
func (r *Registry) Options(alias string) (backend.Options, error) {
	h, err := r.handler(alias)
	if err != nil {
		return backend.Options{}, err
	}
	return h.cfg.Options, nil
}

// Backend returns the backend of alias, constructing it on first use.
func (r *Registry) Backend(alias string) (query.Backend, error) {
	h, err := r.handler(alias)
	if err != nil {
		return nil, err
	}
	h.once.Do(func() { r.build(h) })
	return h.backend, h.err
}

// Unified returns the unified index of alias.
func (r *Registry) Unified(alias string) (*index.Unified, error) {
	h, err := r.handler(alias)
	if err != nil {
		return nil, err
	}
	h.once.Do(func() { r.build(h) })
	if h.unified == nil {
		return nil, h.err
	}
	return h.unified, nil
}

func (r *Registry) handler(alias string) (*handler, error) {
	if alias == "" {
		alias = DefaultAlias
	}
	h, ok := r.handlers[alias]
	if !ok {
		return nil, fmt.Errorf("connection %q is not configured: %w", alias, domain.ErrConfig)
	}
	return h, nil
}

func (r *Registry) build(h *handler) {
	var kept []*index.Index
	for _, idx := range r.indexes {
		if !slices.Contains(h.cfg.ExcludedIndexes, idx.Model().String()) {
			kept = append(kept, idx)
		}
	}
	u, err := index.NewUnified(kept...)
	if err != nil {
		h.err = fmt.Errorf("connection %q: %w", h.alias, err)
		return
	}
	h.unified = u
	h.backend, h.err = r.factories[h.cfg.Engine](h.cfg.Options, u, r.logger)
	if h.err == nil {
		r.logger.Debug("Search backend ready",
			zap.String("alias", h.alias),
			zap.String("engine", h.cfg.Engine),
			zap.Int("indexes", len(kept)),
		)
	}
}

// Close closes every backend constructed so far.
func (r *Registry) Close() error {
	var errs []error
	for _, alias := range r.Aliases() {
		h := r.handlers[alias]
		// A handler never built has no backend to close.
		h.once.Do(func() { h.err = errNotBuilt })
		if h.backend != nil {
			if err := h.backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", alias, err))
			}
		}
	}
	return errors.Join(errs...)
}

var errNotBuilt = fmt.Errorf("registry closed: %w", domain.ErrConfig)

// ForRead returns the alias of the first router with an opinion, else
// "default".
func (r *Registry) ForRead(h Hints) string {
	for _, rt := range r.routers {
		if alias := rt.ForRead(h); alias != "" {
			return alias
		}
	}
	return DefaultAlias
}

// ForWrite returns the union of every router's aliases, else "default".
func (r *Registry) ForWrite(h Hints) []string {
	var out []string
	for _, rt := range r.routers {
		for _, alias := range rt.ForWrite(h) {
			if !slices.Contains(out, alias) {
				out = append(out, alias)
			}
		}
	}
	if len(out) == 0 {
		return []string{DefaultAlias}
	}
	return out
}

// Hints describe the operation being routed.
type Hints struct {
	Models   []model.Model
	Instance model.Object
}

func (h Hints) models() []model.Model {
	if h.Instance != nil {
		return append(slices.Clone(h.Models), h.Instance.ModelType())
	}
	return h.Models
}
