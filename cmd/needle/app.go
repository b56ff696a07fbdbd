package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/needle"
	"github.com/kailas-cloud/needle/internal/config"
	dbRedis "github.com/kailas-cloud/needle/internal/db/redis"
	"github.com/kailas-cloud/needle/internal/domain/field"
	"github.com/kailas-cloud/needle/internal/domain/index"
	"github.com/kailas-cloud/needle/internal/domain/model"
	logpkg "github.com/kailas-cloud/needle/internal/logger"
	"github.com/kailas-cloud/needle/internal/metrics"
	"github.com/kailas-cloud/needle/internal/repository/objects"
	healthuc "github.com/kailas-cloud/needle/internal/usecase/health"
)

// app is everything a command needs, built from one config file.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	client  *needle.Client
	health  *healthuc.Service
	closers []func()
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// newApp loads the config and assembles the client, the object store and
// the health checks.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := logpkg.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	metrics.RegisterBackendMetrics()

	a := &app{cfg: cfg, logger: logger}
	pingers := map[string]healthuc.Pinger{}

	loader, store, err := a.objectStore(ctx, pingers)
	if err != nil {
		a.Close()
		return nil, err
	}

	var renderer field.Renderer
	if cfg.Settings.TemplateDir != "" {
		renderer = field.NewTemplateRenderer(os.DirFS(cfg.Settings.TemplateDir))
	}
	indexes, err := cfg.BuildIndexes(func(model.Model) []index.Option {
		var opts []index.Option
		if loader != nil {
			opts = append(opts, index.WithLoader(loader))
		}
		if renderer != nil {
			opts = append(opts, index.WithRenderer(renderer))
		}
		return opts
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	routers, err := cfg.BuildRouters()
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []needle.Option{
		needle.WithConnections(cfg.ConnectionConfigs()),
		needle.WithIndexes(indexes...),
		needle.WithRouters(routers...),
		needle.WithLogger(logger),
		needle.WithLoadStep(cfg.Settings.LoadStep),
		needle.WithDefaultOperator(cfg.Settings.DefaultOperator),
		needle.WithLimitToRegisteredModels(*cfg.Settings.LimitToRegisteredModels),
		needle.WithBatchSize(cfg.Settings.BatchSize),
	}
	if loader != nil {
		opts = append(opts, needle.WithObjectLoader(loader))
	}
	if store != nil {
		opts = append(opts, needle.WithObjectStore(store))
	}
	client, err := needle.New(opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client
	a.closers = append(a.closers, func() { _ = client.Close() })

	for _, alias := range client.Aliases() {
		pingers["index:"+alias] = healthuc.PingFunc(func(ctx context.Context) error {
			_, err := client.Using(alias).Count(ctx)
			return err
		})
	}
	a.health = healthuc.New(pingers)
	return a, nil
}

// objectStore opens the configured primary store. Reads go through an LRU.
func (a *app) objectStore(ctx context.Context, pingers map[string]healthuc.Pinger) (needle.Loader, needle.ObjectStore, error) {
	cfg := a.cfg
	switch cfg.Objects.Store {
	case "redis":
		store, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if err := store.WaitForReady(ctx, time.Duration(cfg.Redis.ReadinessTimeout)*time.Second); err != nil {
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		pingers["objects"] = store
		rl := objects.NewRedisLoader(store, cfg.Redis.KeyPrefix)
		return a.cached(rl), rl, nil

	case "sqlite":
		conn, err := sql.Open("sqlite", cfg.Objects.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("objects db: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		pingers["objects"] = healthuc.PingFunc(conn.PingContext)

		tables := make(map[model.Model]objects.Table, len(cfg.Objects.Tables))
		for label, t := range cfg.Objects.Tables {
			m, err := model.Parse(label)
			if err != nil {
				return nil, nil, fmt.Errorf("objects.tables: %w", err)
			}
			tables[m] = objects.Table{Name: t.Name, PKColumn: t.PKColumn}
		}
		sl, err := objects.NewSQLLoader(conn, tables)
		if err != nil {
			return nil, nil, err
		}
		return a.cached(sl), nil, nil
	}
	return nil, nil, nil
}

func (a *app) cached(l index.Loader) needle.Loader {
	if a.cfg.Objects.CacheSize <= 0 {
		return l
	}
	return objects.NewCached(l, a.cfg.Objects.CacheSize, a.cfg.Objects.CacheTTL, metrics.HydrationTotal, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
