// Package config loads the embedpipe service configuration from a YAML file
// and EMBEDPIPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/dcbickfo/embedpipe"
	"github.com/dcbickfo/embedpipe/batch"
	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/embedding"
	"github.com/dcbickfo/embedpipe/postgres"
	"github.com/dcbickfo/embedpipe/queue"
	"github.com/dcbickfo/embedpipe/ratelimit"
	"github.com/dcbickfo/embedpipe/tiered"
	"github.com/dcbickfo/embedpipe/worker"
)

// EnvPrefix is the prefix of environment overrides. Nested keys join with an
// underscore, so redis.addrs is EMBEDPIPE_REDIS_ADDRS.
const EnvPrefix = "EMBEDPIPE"

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTP             `mapstructure:"http"`
	Log       Log              `mapstructure:"log"`
	Redis     Redis            `mapstructure:"redis"`
	Postgres  Postgres         `mapstructure:"postgres"`
	Embedding embedding.Config `mapstructure:"embedding"`
	Pipeline  Pipeline         `mapstructure:"pipeline"`
	Sweep     Sweep            `mapstructure:"sweep"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Log selects the zap encoder and level.
type Log struct {
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

// Redis addresses the shared store.
type Redis struct {
	Addrs    []string `mapstructure:"addrs"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// Postgres addresses the table that receives computed vectors. An empty DSN
// disables persistence and sweeping.
type Postgres struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	IDColumn        string `mapstructure:"id_column"`
	TextColumn      string `mapstructure:"text_column"`
	EmbeddingColumn string `mapstructure:"embedding_column"`
	EmbeddedAt      string `mapstructure:"embedded_at_column"`
}

// TableConfig returns the table description used by the postgres store.
func (p Postgres) TableConfig() postgres.Table {
	return postgres.Table{
		Name:             p.Table,
		IDColumn:         p.IDColumn,
		TextColumn:       p.TextColumn,
		EmbeddingColumn:  p.EmbeddingColumn,
		EmbeddedAtColumn: p.EmbeddedAt,
	}
}

// Sweep periodically submits jobs for rows that lack an embedding.
type Sweep struct {
	// Interval of zero disables sweeping.
	Interval time.Duration `mapstructure:"interval"`
	Limit    int           `mapstructure:"limit"`
	Priority int           `mapstructure:"priority"`
}

// Pipeline mirrors embedpipe.Config in file form.
type Pipeline struct {
	Prefix        string `mapstructure:"prefix"`
	Operation     string `mapstructure:"operation"`
	MaxTextBytes  int    `mapstructure:"max_text_bytes"`
	DefaultCaller string `mapstructure:"default_caller"`

	Cache     Cache     `mapstructure:"cache"`
	Breaker   Breaker   `mapstructure:"breaker"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Batch     Batch     `mapstructure:"batch"`
	Queue     Queue     `mapstructure:"queue"`
	Worker    Worker    `mapstructure:"worker"`
}

type Cache struct {
	// Tier is the TTL class of stored vectors: hot, warm or cold. Empty keeps
	// the batch default of cold.
	Tier string `mapstructure:"tier"`
	// Tags are added to every stored vector. The embedding model is always
	// added as "model:<name>" when configured.
	Tags []string `mapstructure:"tags"`

	HotTTL            time.Duration `mapstructure:"hot_ttl"`
	WarmTTL           time.Duration `mapstructure:"warm_ttl"`
	ColdTTL           time.Duration `mapstructure:"cold_ttl"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	CompressThreshold int           `mapstructure:"compress_threshold"`
	FrontCacheSize    int           `mapstructure:"front_cache_size"`
	FrontCacheTTL     time.Duration `mapstructure:"front_cache_ttl"`
}

type Breaker struct {
	MinimumCalls          int           `mapstructure:"minimum_calls"`
	FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold"`
	FailureThreshold      int           `mapstructure:"failure_threshold"`
	SlowCallDuration      time.Duration `mapstructure:"slow_call_duration"`
	SlowCallRateThreshold float64       `mapstructure:"slow_call_rate_threshold"`
	RecoveryTimeout       time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold      int           `mapstructure:"success_threshold"`
	Window                time.Duration `mapstructure:"window"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
}

type RateLimit struct {
	Default ratelimit.Limit            `mapstructure:"default"`
	Limits  map[string]ratelimit.Limit `mapstructure:"limits"`
}

type Batch struct {
	MaxItems            int           `mapstructure:"max_items"`
	MaxWeight           int           `mapstructure:"max_weight"`
	MaxWait             time.Duration `mapstructure:"max_wait"`
	MaxInFlight         int           `mapstructure:"max_in_flight"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
}

type Queue struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
	Lease       time.Duration `mapstructure:"lease"`
}

type Worker struct {
	Min                 int           `mapstructure:"min"`
	Max                 int           `mapstructure:"max"`
	Concurrency         int           `mapstructure:"concurrency"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	JobTimeout          time.Duration `mapstructure:"job_timeout"`
	ScaleInterval       time.Duration `mapstructure:"scale_interval"`
	ScaleUpBacklog      int64         `mapstructure:"scale_up_backlog"`
	ScaleDownBacklog    int64         `mapstructure:"scale_down_backlog"`
	ScaleStep           int           `mapstructure:"scale_step"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	RetentionMaxAge     time.Duration `mapstructure:"retention_max_age"`
	RetentionMaxCount   int           `mapstructure:"retention_max_count"`
	DrainTimeout        time.Duration `mapstructure:"drain_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.table", "")
	v.SetDefault("postgres.id_column", "")
	v.SetDefault("postgres.text_column", "")
	v.SetDefault("postgres.embedding_column", "")
	v.SetDefault("postgres.embedded_at_column", "")

	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.dimensions", 0)
	v.SetDefault("embedding.timeout", 30*time.Second)

	v.SetDefault("sweep.interval", time.Duration(0))
	v.SetDefault("sweep.limit", 500)
	v.SetDefault("sweep.priority", queue.MaxPriority)

	// Pipeline values left at zero take the package defaults; they are
	// registered here so environment overrides reach them.
	for _, key := range []string{
		"pipeline.prefix", "pipeline.operation", "pipeline.cache.tier", "pipeline.max_text_bytes", "pipeline.default_caller",
		"pipeline.batch.max_items", "pipeline.batch.max_wait", "pipeline.batch.similarity_threshold",
		"pipeline.queue.max_attempts", "pipeline.queue.lease",
		"pipeline.worker.min", "pipeline.worker.max", "pipeline.worker.concurrency",
		"pipeline.breaker.recovery_timeout", "pipeline.breaker.call_timeout",
		"pipeline.rate_limit.default.max", "pipeline.rate_limit.default.window",
	} {
		v.SetDefault(key, nil)
	}
}

// Load reads path, if non-empty, then applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Postgres.DSN != "" && c.Postgres.Table == "" {
		errs = append(errs, errors.New("postgres.table is required with postgres.dsn"))
	}
	if c.Sweep.Interval > 0 && c.Postgres.DSN == "" {
		errs = append(errs, errors.New("sweep.interval requires postgres.dsn"))
	}
	if p := c.Sweep.Priority; p < 0 || p > queue.MaxPriority {
		errs = append(errs, fmt.Errorf("sweep.priority must be within 0..%d", queue.MaxPriority))
	}
	if _, err := tiered.ParseTier(c.Pipeline.Cache.Tier); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.cache.tier: %w", err))
	}
	if s := c.Pipeline.Batch.SimilarityThreshold; s < 0 || s > 1 {
		errs = append(errs, fmt.Errorf("pipeline.batch.similarity_threshold must be within 0..1, got %v", s))
	}
	w := c.Pipeline.Worker
	if w.Min < 0 || w.Max < 0 || (w.Max > 0 && w.Min > w.Max) {
		errs = append(errs, fmt.Errorf("pipeline.worker: min %d and max %d are inconsistent", w.Min, w.Max))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// LogLevel returns the parsed log level. Validate has already checked it.
func (c *Config) LogLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// VectorTags returns the tags written with every vector.
func (c *Config) VectorTags() []string {
	tags := slices.Clone(c.Pipeline.Cache.Tags)
	if c.Embedding.Model != "" {
		tags = append(tags, ModelTag(c.Embedding.Model))
	}
	return tags
}

// ModelTag is the cache tag of vectors computed by model.
func ModelTag(model string) string {
	return "model:" + model
}

// PipelineConfig converts the file form into embedpipe.Config. Collaborators
// such as the clock, logger and metrics are supplied through embedpipe.Deps.
func (c *Config) PipelineConfig() embedpipe.Config {
	p := c.Pipeline
	var vectorOpts *tiered.Options
	if p.Cache.Tier != "" {
		tier, _ := tiered.ParseTier(p.Cache.Tier)
		vectorOpts = &tiered.Options{Tier: tier, Compress: true}
	}
	return embedpipe.Config{
		Prefix:        p.Prefix,
		Operation:     p.Operation,
		MaxTextBytes:  p.MaxTextBytes,
		DefaultCaller: p.DefaultCaller,
		Cache: tiered.Config{
			HotTTL:            p.Cache.HotTTL,
			WarmTTL:           p.Cache.WarmTTL,
			ColdTTL:           p.Cache.ColdTTL,
			LockTTL:           p.Cache.LockTTL,
			CompressThreshold: p.Cache.CompressThreshold,
			FrontCacheSize:    p.Cache.FrontCacheSize,
			FrontCacheTTL:     p.Cache.FrontCacheTTL,
		},
		Breaker: breaker.Config{
			MinimumCalls:          p.Breaker.MinimumCalls,
			FailureRateThreshold:  p.Breaker.FailureRateThreshold,
			FailureThreshold:      p.Breaker.FailureThreshold,
			SlowCallDuration:      p.Breaker.SlowCallDuration,
			SlowCallRateThreshold: p.Breaker.SlowCallRateThreshold,
			RecoveryTimeout:       p.Breaker.RecoveryTimeout,
			SuccessThreshold:      p.Breaker.SuccessThreshold,
			Window:                p.Breaker.Window,
			CallTimeout:           p.Breaker.CallTimeout,
		},
		RateLimit: ratelimit.Config{
			Default: p.RateLimit.Default,
			Limits:  p.RateLimit.Limits,
		},
		Batch: batch.Config{
			MaxItems:            p.Batch.MaxItems,
			MaxWeight:           p.Batch.MaxWeight,
			MaxWait:             p.Batch.MaxWait,
			MaxInFlight:         p.Batch.MaxInFlight,
			SimilarityThreshold: p.Batch.SimilarityThreshold,
			CacheOptions:        vectorOpts,
			Tags:                c.VectorTags(),
		},
		Queue: queue.Config{
			MaxAttempts: p.Queue.MaxAttempts,
			Backoff:     queue.Backoff{Base: p.Queue.BackoffBase, Max: p.Queue.BackoffMax},
			Lease:       p.Queue.Lease,
		},
		Worker: worker.Config{
			Min:                 p.Worker.Min,
			Max:                 p.Worker.Max,
			Concurrency:         p.Worker.Concurrency,
			PollInterval:        p.Worker.PollInterval,
			JobTimeout:          p.Worker.JobTimeout,
			ScaleInterval:       p.Worker.ScaleInterval,
			ScaleUpBacklog:      p.Worker.ScaleUpBacklog,
			ScaleDownBacklog:    p.Worker.ScaleDownBacklog,
			ScaleStep:           p.Worker.ScaleStep,
			MaintenanceInterval: p.Worker.MaintenanceInterval,
			Retention:           queue.Retention{MaxAge: p.Worker.RetentionMaxAge, MaxCount: p.Worker.RetentionMaxCount},
			DrainTimeout:        p.Worker.DrainTimeout,
		},
	}
}
