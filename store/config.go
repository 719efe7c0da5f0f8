package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacentio/strata/bulk"
	"github.com/jacentio/strata/internal/keys"
	"github.com/jacentio/strata/internal/retry"
	"github.com/jacentio/strata/metrics"
)

// DefaultEndpoint is used when a type names no read or write endpoint.
const DefaultEndpoint = "default"

// Config holds configuration for every Client built from it.
type Config struct {
	// Types maps a logical document type name to its container.
	Types map[string]TypeConfig `mapstructure:"types"`

	// Bulk holds the bulk engine defaults.
	Bulk BulkConfig `mapstructure:"bulk"`

	// Retry configures transient-error retries of every remote call.
	Retry RetryConfig `mapstructure:"retry"`

	// CountCacheFallbackTTL bounds how long an unused count stays in the
	// backing store. It does not affect freshness.
	// Default: 24h
	CountCacheFallbackTTL time.Duration `mapstructure:"count_cache_fallback_ttl"`

	// PageCountMaxAge is the count staleness accepted for the total count
	// returned with the first page of GetPage. 0 always counts fresh.
	// Default: 0
	PageCountMaxAge time.Duration `mapstructure:"page_count_max_age"`

	// ProbeUpsertExistence makes Upsert read the stored document when the
	// caller's copy was never create-stamped, so its creation fields survive.
	// Default: false (caller state is trusted)
	ProbeUpsertExistence bool `mapstructure:"probe_upsert_existence"`
}

// TypeConfig locates the container of one document type.
type TypeConfig struct {
	Database  string `mapstructure:"database"`
	Container string `mapstructure:"container"`

	// PartitionKeyField is the attribute holding the partition key, which
	// is also the table's hash key.
	PartitionKeyField string `mapstructure:"partition_key_field"`

	// ReadEndpoint and WriteEndpoint name registered endpoints. Reads and
	// writes may target different endpoints, e.g. a replica for reads.
	// Default: DefaultEndpoint
	ReadEndpoint  string `mapstructure:"read_endpoint"`
	WriteEndpoint string `mapstructure:"write_endpoint"`
}

// TableName returns the table backing the container.
func (t TypeConfig) TableName() string {
	return keys.TableName(t.Database, t.Container)
}

// BulkConfig holds bulk engine defaults.
type BulkConfig struct {
	// BatchSize is the number of items per transaction.
	// Default: 100. Max: 100
	BatchSize int `mapstructure:"batch_size"`

	// MaxConcurrency is the number of batches in flight.
	// Default: 10
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// BatchesPerSecond throttles batch submission. 0 = unlimited.
	BatchesPerSecond float64 `mapstructure:"batches_per_second"`
}

// RetryConfig configures retries. Zero values keep the defaults of
// 5 attempts and 100ms initial delay doubling up to 5s.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// DefaultConfig returns a Config with no types and default tuning.
func DefaultConfig() Config {
	return Config{
		Types: map[string]TypeConfig{},
		Bulk: BulkConfig{
			BatchSize:      bulk.DefaultBatchSize,
			MaxConcurrency: bulk.DefaultMaxConcurrency,
		},
		CountCacheFallbackTTL: 24 * time.Hour,
	}
}

// validate fills defaults and clamps values to acceptable bounds.
func (c *Config) validate() {
	if c.Bulk.BatchSize < 1 {
		c.Bulk.BatchSize = bulk.DefaultBatchSize
	}
	if c.Bulk.BatchSize > bulk.MaxBatchSize {
		c.Bulk.BatchSize = bulk.MaxBatchSize
	}
	if c.Bulk.MaxConcurrency < 1 {
		c.Bulk.MaxConcurrency = bulk.DefaultMaxConcurrency
	}
	if c.CountCacheFallbackTTL <= 0 {
		c.CountCacheFallbackTTL = 24 * time.Hour
	}
	if c.PageCountMaxAge < 0 {
		c.PageCountMaxAge = 0
	}
}

// typeConfig resolves the container of typeName.
func (c *Config) typeConfig(typeName string) (TypeConfig, error) {
	tc, ok := c.Types[typeName]
	if !ok {
		return TypeConfig{}, fmt.Errorf("%w: no container mapped for type %q", ErrConfiguration, typeName)
	}
	if tc.Container == "" {
		return TypeConfig{}, fmt.Errorf("%w: type %q has no container", ErrConfiguration, typeName)
	}
	if tc.PartitionKeyField == "" {
		return TypeConfig{}, fmt.Errorf("%w: type %q has no partition key field", ErrConfiguration, typeName)
	}
	if tc.ReadEndpoint == "" {
		tc.ReadEndpoint = DefaultEndpoint
	}
	if tc.WriteEndpoint == "" {
		tc.WriteEndpoint = DefaultEndpoint
	}
	return tc, nil
}

// policy builds the retry policy for one client.
func (r RetryConfig) policy(log zerolog.Logger, rec *metrics.Recorder) *retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	if r.InitialDelay > 0 {
		p.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	p.Logger = log
	p.OnRetry = rec.RecordRetry
	return p
}
