// Command lendd serves the lending inventory over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lend/v1/config"
	"github.com/mirkobrombin/go-lend/v1/logging"
	"github.com/mirkobrombin/go-lend/v1/metrics"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lendd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	a, err := newApp(cfg, logger, reg)
	if err != nil {
		return err
	}
	logger.Info("starting",
		zap.String("store", cfg.Store.Driver),
		zap.String("cache", cfg.Cache.Backend),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("audit", cfg.Audit.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

// loadConfig reads the config file named by --config and applies the
// command line overrides on top of it.
func loadConfig(args []string) (config.Config, error) {
	fs := pflag.NewFlagSet("lendd", pflag.ContinueOnError)
	path := fs.StringP("config", "c", "", "path to a JSONC config file")
	listen := fs.String("listen", "", "HTTP listen address")
	store := fs.String("store", "", "store driver: memory, sqlite or redis")
	dsn := fs.String("dsn", "", "sqlite database path")
	redisAddr := fs.String("redis-addr", "", "redis address for the redis store, cache or bus")
	cacheBackend := fs.String("cache", "", "cache backend: memory, redis or ristretto")
	ttl := fs.Duration("cache-ttl", 0, "sliding cache TTL")
	bus := fs.String("bus", "", "invalidation bus: none, memory or redis")
	audit := fs.String("audit", "", "audit mode: noop, alert or heal")
	logLevel := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return config.Config{}, err
	}
	if fs.Changed("listen") {
		cfg.Listen = *listen
	}
	if fs.Changed("store") {
		cfg.Store.Driver = *store
	}
	if fs.Changed("dsn") {
		cfg.Store.DSN = *dsn
	}
	if fs.Changed("redis-addr") {
		cfg.Store.RedisAddr = *redisAddr
	}
	if fs.Changed("cache") {
		cfg.Cache.Backend = *cacheBackend
	}
	if fs.Changed("cache-ttl") {
		cfg.Cache.TTL = config.Duration(*ttl)
	}
	if fs.Changed("bus") {
		cfg.Bus.Driver = *bus
	}
	if fs.Changed("audit") {
		cfg.Audit.Mode = *audit
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	return cfg, cfg.Validate()
}
