package needle

import (
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/backend"
	"github.com/kailas-cloud/needle/internal/connection"
	"github.com/kailas-cloud/needle/internal/usecase/indexing"
)

// DefaultLoadStep is the number of hits fetched per backend round trip
// while iterating a ResultSet.
const DefaultLoadStep = 10

// DefaultAlias must always be configured.
const DefaultAlias = connection.DefaultAlias

// Engines.
const (
	EngineSolr          = "solr"
	EngineElasticsearch = "elasticsearch"
	EngineBleve         = "bleve"
	EngineSQLite        = "sqlite"
)

// ConnectionConfig describes one connection alias.
type ConnectionConfig = connection.Config

// ConnectionOptions are the engine settings of one alias.
type ConnectionOptions = backend.Options

// Router chooses aliases for reads and writes.
type Router = connection.Router

// RouteHints describe the operation being routed.
type RouteHints = connection.Hints

// ObjectStore receives indexed documents so load_all can hydrate them later.
type ObjectStore = indexing.ObjectStore

// NewGlobRouter routes models whose "app.name" label matches one of patterns.
func NewGlobRouter(patterns []string, read string, write []string) (Router, error) {
	return connection.NewGlobRouter(patterns, read, write)
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	connections       map[string]ConnectionConfig
	indexes           []*Index
	routers           []Router
	logger            *zap.Logger
	loadStep          int
	operator          string
	limitToRegistered bool
	batchSize         int
	loader            Loader
	objects           ObjectStore
	registryOpts      []connection.Option
}

// WithConnection configures one alias.
func WithConnection(alias string, cfg ConnectionConfig) Option {
	return func(c *clientConfig) {
		if c.connections == nil {
			c.connections = make(map[string]ConnectionConfig)
		}
		c.connections[alias] = cfg
	}
}

// WithConnections configures every alias at once.
func WithConnections(conns map[string]ConnectionConfig) Option {
	return func(c *clientConfig) {
		for alias, cfg := range conns {
			WithConnection(alias, cfg)(c)
		}
	}
}

// WithIndexes registers entity indexes.
func WithIndexes(idx ...*Index) Option {
	return func(c *clientConfig) {
		c.indexes = append(c.indexes, idx...)
	}
}

// WithRouters sets the router chain, consulted in order.
func WithRouters(r ...Router) Option {
	return func(c *clientConfig) {
		c.routers = append(c.routers, r...)
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLoadStep sets how many hits each iteration round trip fetches.
func WithLoadStep(n int) Option {
	return func(c *clientConfig) {
		if n > 0 {
			c.loadStep = n
		}
	}
}

// WithDefaultOperator joins Filter arguments and bare terms: "AND" or "OR".
func WithDefaultOperator(op string) Option {
	return func(c *clientConfig) {
		c.operator = op
	}
}

// WithLimitToRegisteredModels restricts unscoped searches to registered models.
func WithLimitToRegisteredModels(v bool) Option {
	return func(c *clientConfig) {
		c.limitToRegistered = v
	}
}

// WithBatchSize caps the documents sent per update request.
func WithBatchSize(n int) Option {
	return func(c *clientConfig) {
		c.batchSize = n
	}
}

// WithObjectLoader sets the primary-store lookup for models whose index
// has no loader of its own.
func WithObjectLoader(l Loader) Option {
	return func(c *clientConfig) {
		c.loader = l
	}
}

// WithObjectStore saves indexed documents to a primary store.
func WithObjectStore(s ObjectStore) Option {
	return func(c *clientConfig) {
		c.objects = s
	}
}
