// Package config loads the lendd configuration from a JSON file that may
// carry comments and trailing commas.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/mirkobrombin/go-lend/v1/logging"
)

var (
	errConfigFileRead = errors.New("cannot read config file")
	errConfigInvalid  = errors.New("invalid config")
)

// Duration is a time.Duration written as a string such as "2s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Store selects the durable store.
type Store struct {
	// Driver is memory, sqlite or redis.
	Driver    string   `json:"driver"`
	DSN       string   `json:"dsn"`
	RedisAddr string   `json:"redis_addr"`
	Timeout   Duration `json:"timeout"`
}

// Cache selects the read cache.
type Cache struct {
	// Backend is memory, redis or ristretto.
	Backend    string   `json:"backend"`
	TTL        Duration `json:"ttl"`
	MaxEntries int      `json:"max_entries"`
	// Codec encodes values in the redis cache: json or gob.
	Codec string `json:"codec"`
}

// Bus selects how invalidations reach other instances.
type Bus struct {
	// Driver is none, memory or redis.
	Driver string `json:"driver"`
}

// RateLimit bounds requests per client IP.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// Metrics controls the Prometheus endpoint.
type Metrics struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Tracing controls OpenTelemetry export.
type Tracing struct {
	Stdout bool `json:"stdout"`
}

// Audit controls the cache/store validator.
type Audit struct {
	// Mode is noop, alert or heal.
	Mode     string   `json:"mode"`
	Interval Duration `json:"interval"`
}

// Config is the full lendd configuration.
type Config struct {
	Listen        string         `json:"listen"`
	Store         Store          `json:"store"`
	Cache         Cache          `json:"cache"`
	SweepInterval Duration       `json:"sweep_interval"`
	Bus           Bus            `json:"bus"`
	RateLimit     RateLimit      `json:"rate_limit"`
	Log           logging.Config `json:"log"`
	Metrics       Metrics        `json:"metrics"`
	Tracing       Tracing        `json:"tracing"`
	Audit         Audit          `json:"audit"`
}

// Default returns a single-process configuration: in-memory store and cache,
// no bus.
func Default() Config {
	return Config{
		Listen: ":8080",
		Store: Store{
			Driver:    "memory",
			DSN:       "lend.db",
			RedisAddr: "localhost:6379",
			Timeout:   Duration(5 * time.Second),
		},
		Cache: Cache{
			Backend:    "memory",
			TTL:        Duration(2 * time.Second),
			MaxEntries: 10000,
			Codec:      "json",
		},
		SweepInterval: Duration(5 * time.Second),
		Bus:           Bus{Driver: "none"},
		RateLimit:     RateLimit{RequestsPerMinute: 60, Burst: 60},
		Log:           logging.DefaultConfig(),
		Metrics:       Metrics{Enabled: true, Path: "/metrics"},
		Audit:         Audit{Mode: "noop", Interval: Duration(time.Minute)},
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}
	switch c.Store.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.DSN == "" {
		return errors.New("sqlite store needs a dsn")
	}
	switch c.Cache.Backend {
	case "memory", "redis", "ristretto":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.Cache.Codec {
	case "json", "gob":
	default:
		return fmt.Errorf("unknown cache codec %q", c.Cache.Codec)
	}
	switch c.Bus.Driver {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	// a shared redis cache is only kept coherent across instances by the
	// redis bus: a fill read before another instance's mutation is dropped
	// when that mutation's announcement arrives
	if c.Cache.Backend == "redis" && c.Bus.Driver != "redis" {
		return errors.New("redis cache requires the redis bus")
	}
	needsRedis := c.Store.Driver == "redis" || c.Cache.Backend == "redis" || c.Bus.Driver == "redis"
	if needsRedis && c.Store.RedisAddr == "" {
		return errors.New("redis_addr is required by the redis store, cache or bus")
	}
	if c.Cache.TTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit cannot be negative")
	}
	switch c.Audit.Mode {
	case "noop", "alert", "heal":
	default:
		return fmt.Errorf("unknown audit mode %q", c.Audit.Mode)
	}
	if c.Audit.Mode != "noop" && c.Audit.Interval <= 0 {
		return errors.New("audit interval must be positive")
	}
	return c.Log.Validate()
}

// Parse reads a JSONC document over the defaults.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	cfg := Default()
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return cfg, nil
}

// Load reads path, or returns the defaults when path is empty, and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", errConfigInvalid, err)
	}
	return cfg, nil
}
