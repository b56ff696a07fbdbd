package objects

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
)

// Cached keeps recently loaded objects in an in-process LRU.
type Cached struct {
	inner      index.Loader
	cache      *expirable.LRU[string, any]
	cacheTotal *prometheus.CounterVec
	logger     *zap.Logger
}

var _ index.Loader = (*Cached)(nil)

// NewCached creates a caching decorator. cacheTotal is a counter vec with
// label "result" ("cache_hit"/"cache_miss"), passed explicitly; it may be nil.
func NewCached(
	inner index.Loader,
	size int,
	ttl time.Duration,
	cacheTotal *prometheus.CounterVec,
	logger *zap.Logger,
) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{
		inner:      inner,
		cache:      expirable.NewLRU[string, any](size, nil, ttl),
		cacheTotal: cacheTotal,
		logger:     logger,
	}
}

// LoadByIDs serves cached objects and loads the rest in one inner call.
func (c *Cached) LoadByIDs(ctx context.Context, m model.Model, ids []string) (map[string]any, error) {
	out := make(map[string]any, len(ids))
	var misses []string
	for _, pk := range ids {
		if obj, ok := c.cache.Get(cacheKey(m, pk)); ok {
			out[pk] = obj
			continue
		}
		misses = append(misses, pk)
	}
	c.inc("cache_hit", len(ids)-len(misses))
	if len(misses) == 0 {
		return out, nil
	}
	c.inc("cache_miss", len(misses))

	loaded, err := c.inner.LoadByIDs(ctx, m, misses)
	if err != nil {
		return nil, fmt.Errorf("load objects: %w", err)
	}
	for pk, obj := range loaded {
		c.cache.Add(cacheKey(m, pk), obj)
		out[pk] = obj
	}
	c.logger.Debug("Loaded objects",
		zap.String("model", m.String()),
		zap.Int("requested", len(misses)),
		zap.Int("found", len(loaded)),
	)
	return out, nil
}

// Invalidate drops one object, e.g. after it was reindexed or removed.
func (c *Cached) Invalidate(m model.Model, pk string) {
	c.cache.Remove(cacheKey(m, pk))
}

func (c *Cached) inc(result string, n int) {
	if c.cacheTotal != nil && n > 0 {
		c.cacheTotal.WithLabelValues(result).Add(float64(n))
	}
}

func cacheKey(m model.Model, pk string) string {
	return m.String() + "." + pk
}
