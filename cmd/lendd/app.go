package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-lend/v1/adapter"
	"github.com/mirkobrombin/go-lend/v1/api"
	"github.com/mirkobrombin/go-lend/v1/cache"
	"github.com/mirkobrombin/go-lend/v1/config"
	"github.com/mirkobrombin/go-lend/v1/inventory"
	"github.com/mirkobrombin/go-lend/v1/lock"
	"github.com/mirkobrombin/go-lend/v1/model"
	"github.com/mirkobrombin/go-lend/v1/sweeper"
	"github.com/mirkobrombin/go-lend/v1/syncbus"
	"github.com/mirkobrombin/go-lend/v1/validator"
)

const (
	busFailureThreshold = 5
	busOpenTimeout      = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// app holds the wired components of one lendd process.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	svc       *inventory.Service
	handler   http.Handler
	sweeper   *sweeper.Sweeper
	validator *validator.Validator
	closers   []func(context.Context) error
}

func newApp(cfg config.Config, logger *zap.Logger, reg *prometheus.Registry) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var tracing bool
	if cfg.Tracing.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		otel.SetTracerProvider(tp)
		a.closers = append(a.closers, tp.Shutdown)
		tracing = true
	}

	var client *redis.Client
	if cfg.Store.Driver == "redis" || cfg.Cache.Backend == "redis" || cfg.Bus.Driver == "redis" {
		client = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}

	bus, err := a.newBus(cfg, client)
	if err != nil {
		return nil, err
	}
	store, err := a.newStore(cfg, client)
	if err != nil {
		return nil, err
	}
	c, err := a.newCache(cfg, client, reg, tracing)
	if err != nil {
		return nil, err
	}

	opts := []inventory.Option{
		inventory.WithLogger(logger.Named("inventory")),
		inventory.WithTTL(cfg.Cache.TTL.Std()),
	}
	if bus != nil {
		opts = append(opts, inventory.WithBus(bus))
	}
	if tracing {
		opts = append(opts, inventory.WithTracing())
	}
	a.svc = inventory.New(store, c, opts...)

	mode, err := validator.ParseMode(cfg.Audit.Mode)
	if err != nil {
		return nil, err
	}
	a.validator = validator.New(a.svc, mode, cfg.Audit.Interval.Std(), logger.Named("audit"))

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", api.NewRouter(a.svc, api.Options{
		Logger:            logger,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}))
	a.handler = mux
	return a, nil
}

func (a *app) newBus(cfg config.Config, client *redis.Client) (syncbus.Bus, error) {
	switch cfg.Bus.Driver {
	case "none":
		return nil, nil
	case "memory":
		return syncbus.NewInMemoryBus(), nil
	case "redis":
		return syncbus.NewCircuitBreaker(syncbus.NewRedisBus(client), busFailureThreshold, busOpenTimeout,
			syncbus.WithBreakerLogger(a.logger.Named("bus"))), nil
	}
	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

func (a *app) newStore(cfg config.Config, client *redis.Client) (adapter.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return adapter.NewInMemoryStore(), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
		a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
		return adapter.NewGormStore(db, adapter.WithGormTimeout(cfg.Store.Timeout.Std()))
	case "redis":
		locker := lock.NewRedis(client, syncbus.NewRedisBus(client))
		return adapter.NewRedisStore(client,
			adapter.WithTimeout(cfg.Store.Timeout.Std()),
			adapter.WithLocker(locker)), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func (a *app) newCache(cfg config.Config, client *redis.Client, reg prometheus.Registerer, tracing bool) (cache.Cache[model.Record], error) {
	ttl := cfg.Cache.TTL.Std()
	switch cfg.Cache.Backend {
	case "memory":
		opts := []cache.InMemoryOption[model.Record]{
			cache.WithTTL[model.Record](ttl),
			cache.WithMaxEntries[model.Record](cfg.Cache.MaxEntries),
			cache.WithMetrics[model.Record](reg),
		}
		if tracing {
			opts = append(opts, cache.WithTracing[model.Record]())
		}
		c := cache.NewInMemory[model.Record](opts...)
		a.sweeper = sweeper.New(c, cfg.SweepInterval.Std(), sweeper.WithLogger(a.logger.Named("sweeper")))
		return c, nil
	case "redis":
		codec, err := cache.ParseCodec(cfg.Cache.Codec)
		if err != nil {
			return nil, err
		}
		return cache.NewRedis[model.Record](client, cache.WithRedisTTL(ttl), cache.WithRedisCodec(codec)), nil
	case "ristretto":
		c, err := cache.NewRistretto[model.Record](int64(cfg.Cache.MaxEntries))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { c.Close(); return nil })
		return c, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

// run serves HTTP and runs the background loops until ctx is done, then shuts
// everything down.
func (a *app) run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	bg, stop := context.WithCancel(ctx)
	defer stop()

	if a.sweeper != nil {
		wg.Add(1)
		go func() { defer wg.Done(); a.sweeper.Run(bg) }()
	}
	wg.Add(2)
	go func() { defer wg.Done(); a.validator.Run(bg) }()
	go func() {
		defer wg.Done()
		if err := a.svc.Listen(bg); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("invalidation listener stopped", zap.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("lendd listening", zap.String("addr", a.cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()
	a.close(shutdownCtx)
	return serveErr
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
	a.closers = nil
}
