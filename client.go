// Package needle is a backend-agnostic search layer: declare indexes once,
// query them through a lazy ResultSet and run the same query against Solr,
// Elasticsearch, an embedded bleve index or SQLite FTS5.
package needle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/connection"
	dombatch "github.com/kailas-cloud/needle/internal/domain/batch"
	"github.com/kailas-cloud/needle/internal/domain/model"
	"github.com/kailas-cloud/needle/internal/domain/sq"
	"github.com/kailas-cloud/needle/internal/query"
	"github.com/kailas-cloud/needle/internal/usecase/indexing"
)

// BatchResult is the outcome of one object of a bulk update or remove.
type BatchResult = dombatch.Result

// Batch item statuses.
const (
	StatusOK    = dombatch.StatusOK
	StatusError = dombatch.StatusError
)

// Client is the needle entry point: a connection registry, its routers and
// the registered indexes.
type Client struct {
	registry          *connection.Registry
	indexing          *indexing.Service
	loader            Loader
	logger            *zap.Logger
	loadStep          int
	operator          sq.Connector
	limitToRegistered bool
}

// New creates a Client. Without connections it indexes into an in-memory
// bleve index under the default alias.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		loadStep:          DefaultLoadStep,
		operator:          "AND",
		limitToRegistered: true,
		logger:            zap.NewNop(),
	}
	for _, o := range opts {
		o(cfg)
	}

	op := sq.Connector(strings.ToUpper(cfg.operator))
	if op != sq.AND && op != sq.OR {
		return nil, fmt.Errorf("needle: default operator must be AND or OR, got %q: %w", cfg.operator, ErrConfig)
	}
	if len(cfg.connections) == 0 {
		cfg.connections = map[string]ConnectionConfig{DefaultAlias: {Engine: EngineBleve}}
	}
	for alias, conn := range cfg.connections {
		if conn.Options.DefaultOperator == "" {
			conn.Options.DefaultOperator = string(op)
		}
		cfg.connections[alias] = conn
	}

	regOpts := append([]connection.Option{
		connection.WithRouters(cfg.routers...),
		connection.WithLogger(cfg.logger),
	}, cfg.registryOpts...)
	registry, err := connection.NewRegistry(cfg.connections, cfg.indexes, regOpts...)
	if err != nil {
		return nil, fmt.Errorf("needle: %w", err)
	}

	svc := indexing.New(registry, registry, cfg.logger).WithBatchSize(cfg.batchSize)
	if cfg.objects != nil {
		svc = svc.WithObjectStore(cfg.objects)
	}

	return &Client{
		registry:          registry,
		indexing:          svc,
		loader:            cfg.loader,
		logger:            cfg.logger,
		loadStep:          cfg.loadStep,
		operator:          op,
		limitToRegistered: cfg.limitToRegistered,
	}, nil
}

// Close releases every backend that was built.
func (c *Client) Close() error {
	return c.registry.Close()
}

// Aliases returns the configured connection aliases.
func (c *Client) Aliases() []string { return c.registry.Aliases() }

// Search returns a result set over every registered model, on the alias the
// routers choose for reads.
func (c *Client) Search() *ResultSet {
	return c.newResultSet(c.registry.ForRead(connection.Hints{}), false)
}

// Using returns a result set pinned to alias.
func (c *Client) Using(alias string) *ResultSet {
	return c.newResultSet(alias, true)
}

// Update indexes objs on every write alias of their model. The error reports
// the first failed object; per-object outcomes are in the results.
func (c *Client) Update(ctx context.Context, objs ...Object) ([]BatchResult, error) {
	results := c.indexing.Update(ctx, objs)
	return results, dombatch.Summarize(dombatch.OpUpdate, results)
}

// Remove deletes documents by identifier ("app.name.pk") from every write alias.
func (c *Client) Remove(ctx context.Context, ids ...string) ([]BatchResult, error) {
	results := c.indexing.Remove(ctx, ids)
	return results, dombatch.Summarize(dombatch.OpRemove, results)
}

// RemoveObject deletes the document of obj.
func (c *Client) RemoveObject(ctx context.Context, obj Object) error {
	_, err := c.Remove(ctx, model.Identifier(obj))
	return err
}

// Clear wipes models, or every document when none are given.
func (c *Client) Clear(ctx context.Context, models ...Model) error {
	return c.indexing.Clear(ctx, models)
}

// Setup creates the schema or mapping of alias ahead of the first write.
func (c *Client) Setup(ctx context.Context, alias string) error {
	b, err := c.registry.Backend(alias)
	if err != nil {
		return fmt.Errorf("setup %q: %w", alias, err)
	}
	if err := b.Setup(ctx); err != nil {
		return fmt.Errorf("setup %q: %w", alias, err)
	}
	return nil
}

// Schema returns the document field name and the engine-native schema of alias.
func (c *Client) Schema(alias string) (string, any, error) {
	b, err := c.registry.Backend(alias)
	if err != nil {
		return "", nil, fmt.Errorf("schema %q: %w", alias, err)
	}
	return b.BuildSchema()
}

// Engine returns the engine name of alias.
func (c *Client) Engine(alias string) (string, error) {
	return c.registry.Engine(alias)
}

// Models returns the models registered on alias.
func (c *Client) Models(alias string) ([]Model, error) {
	u, err := c.registry.Unified(alias)
	if err != nil {
		return nil, err
	}
	return u.Models(), nil
}

func (c *Client) newQuery(alias string) (*query.Query, error) {
	b, err := c.registry.Backend(alias)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", alias, err)
	}
	u, err := c.registry.Unified(alias)
	if err != nil {
		return nil, fmt.Errorf("connection %q: %w", alias, err)
	}
	return query.New(b.Dialect(), b, u, query.WithLimitToRegistered(c.limitToRegistered)), nil
}
