// Package config loads strata configuration from a YAML or JSON file with
// STRATA_-prefixed environment overrides.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/jacentio/strata/bulk"
	"github.com/jacentio/strata/countcache"
	"github.com/jacentio/strata/store"
)

// EnvPrefix prefixes environment overrides, e.g. STRATA_LOG_LEVEL.
const EnvPrefix = "STRATA"

// File is the on-disk configuration. Map keys (endpoint and type names)
// are lower-cased by the loader.
type File struct {
	Endpoints map[string]EndpointConfig   `mapstructure:"endpoints"`
	Types     map[string]store.TypeConfig `mapstructure:"types"`
	Bulk      store.BulkConfig            `mapstructure:"bulk"`
	Cache     CacheConfig                 `mapstructure:"cache"`
	Log       LogConfig                   `mapstructure:"log"`
	Retry     store.RetryConfig           `mapstructure:"retry"`
	Metrics   MetricsConfig               `mapstructure:"metrics"`
	Store     StoreConfig                 `mapstructure:"store"`
}

// EndpointConfig describes one DynamoDB endpoint.
type EndpointConfig struct {
	Region string `mapstructure:"region"`

	// BaseEndpoint overrides the service URL, e.g. a local DynamoDB.
	BaseEndpoint string `mapstructure:"base_endpoint"`

	// Profile selects a shared credentials profile.
	Profile string `mapstructure:"profile"`
}

// CacheConfig selects the count cache backing store.
type CacheConfig struct {
	Backend     string        `mapstructure:"backend"` // memory | redis
	Redis       RedisConfig   `mapstructure:"redis"`
	FallbackTTL time.Duration `mapstructure:"fallback_ttl"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// StoreConfig holds client behaviour switches.
type StoreConfig struct {
	PageCountMaxAge      time.Duration `mapstructure:"page_count_max_age"`
	ProbeUpsertExistence bool          `mapstructure:"probe_upsert_existence"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bulk.batch_size", bulk.DefaultBatchSize)
	v.SetDefault("bulk.max_concurrency", bulk.DefaultMaxConcurrency)
	v.SetDefault("bulk.batches_per_second", 0)
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.fallback_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", 100*time.Millisecond)
	v.SetDefault("retry.max_delay", 5*time.Second)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("store.page_count_max_age", 0)
	v.SetDefault("store.probe_upsert_existence", false)
}

// Load reads the configuration file at path. An empty path loads defaults
// and environment overrides only.
func Load(path string) (*File, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	switch f.Cache.Backend {
	case "memory":
	case "redis":
		if len(f.Cache.Redis.Addrs) == 0 {
			return fmt.Errorf("%w: cache.redis.addrs is required for the redis backend", store.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q", store.ErrConfiguration, f.Cache.Backend)
	}
	if _, err := zerolog.ParseLevel(f.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", store.ErrConfiguration, err)
	}
	for name, t := range f.Types {
		for _, ep := range []string{t.ReadEndpoint, t.WriteEndpoint} {
			if ep == "" {
				ep = store.DefaultEndpoint
			}
			if _, ok := f.Endpoints[ep]; !ok {
				return fmt.Errorf("%w: type %q uses undefined endpoint %q", store.ErrConfiguration, name, ep)
			}
		}
	}
	return nil
}

// StoreConfig returns the store.Config described by the file.
func (f *File) StoreConfig() store.Config {
	cfg := store.DefaultConfig()
	for name, t := range f.Types {
		cfg.Types[name] = t
	}
	cfg.Bulk = f.Bulk
	cfg.Retry = f.Retry
	cfg.CountCacheFallbackTTL = f.Cache.FallbackTTL
	cfg.PageCountMaxAge = f.Store.PageCountMaxAge
	cfg.ProbeUpsertExistence = f.Store.ProbeUpsertExistence
	return cfg
}

// CacheStore builds the count cache backing store. The returned func
// releases its connections.
func (f *File) CacheStore() (countcache.Store, func() error) {
	if f.Cache.Backend == "redis" {
		s := countcache.NewRedisStore(redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    f.Cache.Redis.Addrs,
			Username: f.Cache.Redis.Username,
			Password: f.Cache.Redis.Password,
			DB:       f.Cache.Redis.DB,
		}))
		return s, s.Close
	}
	return countcache.NewMemoryStore(), func() error { return nil }
}

// Logger builds the process logger described by the file, writing to out.
func (f *File) Logger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(f.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if f.Log.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
