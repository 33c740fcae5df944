// Package app assembles the arbitration engine and its stores from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"marketarbiter/internal/arbiter"
	"marketarbiter/internal/cache"
	"marketarbiter/internal/cache/memory"
	"marketarbiter/internal/cache/pgstore"
	"marketarbiter/internal/cache/rediscache"
	"marketarbiter/internal/config"
	"marketarbiter/internal/httpx"
	"marketarbiter/internal/logger"
	"marketarbiter/internal/metrics"
	"marketarbiter/internal/provider"
	"marketarbiter/internal/provider/httpsource"
	"marketarbiter/internal/provider/ratelimit"
	"marketarbiter/internal/registry"
)

// App owns every long-lived component. Close releases them in reverse order.
type App struct {
	Engine   *arbiter.Engine
	Registry *registry.Registry
	Cache    *cache.Coordinator

	log        *logger.Entry
	purgeEvery time.Duration
	closers    []func()
}

// Option adjusts App construction, mainly for tests.
type Option func(*options)

type options struct {
	sources []provider.Source
	caps    map[string][]provider.DataType
}

// WithSource registers an extra source next to the configured ones.
func WithSource(src provider.Source, caps ...provider.DataType) Option {
	return func(o *options) {
		o.sources = append(o.sources, src)
		o.caps[src.Name()] = caps
	}
}

func New(ctx context.Context, cfg config.Config, log *logger.Log, m *metrics.Metrics, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	o := &options{caps: map[string][]provider.DataType{}}
	for _, opt := range opts {
		opt(o)
	}
	log = logger.OrDiscard(log)
	a := &App{
		log:        log.WithComponent("app"),
		purgeEvery: time.Duration(cfg.Cache.PurgeIntervalSec) * time.Second,
	}

	l1, err := a.openL1(ctx, cfg.Cache)
	if err != nil {
		a.Close()
		return nil, err
	}
	l2, err := a.openL2(ctx, cfg.Cache)
	if err != nil {
		a.Close()
		return nil, err
	}
	coord, err := cache.NewCoordinator(l1, l2, cfg.CacheOptions(), log, m)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = coord
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Close(ctx); err != nil {
			a.log.WithError(err).Warn("L2 writes not drained")
		}
	})

	a.Registry = registry.New(cfg.RegistryOptions(), log, m)
	// Per-call deadlines come from the engine, per data type.
	httpClient := httpx.New(0)
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		src, err := buildSource(p, httpClient)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Registry.Register(src, p.Capabilities...)
		a.log.WithFields(logger.Fields{"provider": p.Name, "capabilities": p.Capabilities}).Info("provider registered")
	}
	for _, src := range o.sources {
		a.Registry.Register(src, o.caps[src.Name()]...)
	}

	a.Engine, err = arbiter.New(a.Registry, coord, cfg.ArbiterOptions(), log, m)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openL1(ctx context.Context, c config.Cache) (cache.Store, error) {
	if c.L1 == config.StoreRedis {
		rdb, err := rediscache.Dial(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		return rediscache.New(rdb, c.RedisPrefix), nil
	}
	return memory.New(c.L1MaxEntries)
}

func (a *App) openL2(ctx context.Context, c config.Cache) (cache.Store, error) {
	if c.L2 == config.StorePostgres {
		pool, err := pgstore.Connect(ctx, c.PostgresDSN, int32(c.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		s := pgstore.New(pool)
		a.closers = append(a.closers, s.Close)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return memory.New(0)
}

func buildSource(p config.Provider, client *httpx.Client) (provider.Source, error) {
	header := http.Header{}
	if p.APIKey != "" {
		name := p.APIKeyHeader
		if name == "" {
			name = "Authorization"
			header.Set(name, "Bearer "+p.APIKey)
		} else {
			header.Set(name, p.APIKey)
		}
	}
	src, err := httpsource.New(p.Config, httpsource.WithHTTPClient(client), httpsource.WithHeader(header))
	if err != nil {
		return nil, err
	}
	return ratelimit.Wrap(src, p.MaxRequestsPerMinute, p.Burst, time.Duration(p.MinRequestIntervalSec)*time.Second), nil
}

// RunJanitor purges entries past retention every interval until ctx ends.
func (a *App) RunJanitor(ctx context.Context) {
	if a.purgeEvery <= 0 {
		return
	}
	t := time.NewTicker(a.purgeEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.Cache.Purge(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.WithError(err).Warn("purge failed")
				continue
			}
			a.log.WithFields(logger.Fields{"purged": n}).Debug("purge done")
		}
	}
}

// Close drains pending L2 writes and closes store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
