// Package app assembles the import pipeline from configuration. The HTTP
// server and the CLI share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/scanledger/internal/aggregation"
	"github.com/lvonguyen/scanledger/internal/api/gateway"
	"github.com/lvonguyen/scanledger/internal/config"
	"github.com/lvonguyen/scanledger/internal/importer"
	"github.com/lvonguyen/scanledger/internal/ingestion"
	"github.com/lvonguyen/scanledger/internal/normalization"
	"github.com/lvonguyen/scanledger/internal/observability"
	"github.com/lvonguyen/scanledger/internal/source"
	"github.com/lvonguyen/scanledger/internal/store"
	"github.com/lvonguyen/scanledger/internal/vendorpattern"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Telemetry *observability.Telemetry
	Logger    *zap.Logger
	Store     store.Store
	Patterns  *vendorpattern.Loader
	Importer  *importer.Importer
	Engine    *aggregation.Engine
	Opener    *source.Opener
	// Limiter is nil unless rate limiting is enabled and Redis is reachable.
	Limiter *gateway.RateLimiter

	redis *redis.Client
}

// New builds every component. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	tel, err := observability.New(cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Telemetry: tel,
		Logger:    logger,
		Store:     st,
		Patterns:  vendorpattern.NewLoader(logger),
		Opener:    source.NewOpener(cfg.Source),
	}

	// Resolve once up front so a bad file is reported at startup.
	a.Patterns.Load(cfg.VendorPatterns.Path)

	parser := ingestion.NewParser(cfg.Ingestion, a.PatternSet, logger)
	normalizer := normalization.NewNormalizer(a.PatternSet)
	a.Importer = importer.New(cfg.Import, parser, normalizer, st, logger,
		importer.WithMetrics(tel.Metrics()),
		importer.WithTracer(tel.Tracer()),
	)

	engineOpts := []aggregation.EngineOption{aggregation.WithMetrics(tel.Metrics())}
	if a.redis = a.connectRedis(ctx); a.redis != nil {
		if cache := a.newCache(); cache != nil {
			engineOpts = append(engineOpts, aggregation.WithCache(cache))
		}
		if cfg.RateLimit.Enabled {
			a.Limiter = gateway.NewRateLimiter(a.redis, cfg.RateLimit, logger)
		}
	} else if cfg.RateLimit.Enabled {
		logger.Warn("Rate limiting requires Redis, requests will not be limited")
	}
	a.Engine = aggregation.NewEngine(st, logger, engineOpts...)

	return a, nil
}

// PatternSet returns the current vendor pattern set.
func (a *App) PatternSet() *vendorpattern.Set {
	return a.Patterns.Load(a.Config.VendorPatterns.Path)
}

// ReloadPatterns re-reads the vendor pattern file. Imports started afterwards
// use the new rules.
func (a *App) ReloadPatterns() *vendorpattern.Set {
	set := a.Patterns.Reload(a.Config.VendorPatterns.Path)
	a.Telemetry.Metrics().ObservePatternReload()
	return set
}

// Ready reports whether the store is reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.Store.Ping(ctx)
}

func (a *App) connectRedis(ctx context.Context) *redis.Client {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password(),
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warn("Redis unavailable, aggregation cache disabled",
			zap.String("addr", rc.Addr), zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

func (a *App) newCache() aggregation.Cache {
	rc := a.Config.Redis
	cache, err := aggregation.NewRedisCache(a.redis, rc.KeyPrefix, rc.CacheTTL)
	if err != nil {
		a.Logger.Warn("Aggregation cache disabled", zap.Error(err))
		return nil
	}
	a.Logger.Info("Aggregation cache enabled", zap.String("addr", rc.Addr))
	return cache
}

// Close releases the store, the cache connection and telemetry.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.Store.Close())
	errs = append(errs, a.Telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}
