package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/dcbickfo/embedpipe/internal/config"
	"github.com/dcbickfo/embedpipe/postgres"
	"github.com/dcbickfo/embedpipe/queue"
	"github.com/dcbickfo/embedpipe/ratelimit"
	"github.com/dcbickfo/embedpipe/tiered"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embedpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, zapcore.InfoLevel, cfg.LogLevel())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Zero(t, cfg.Sweep.Interval)
	assert.Equal(t, queue.MaxPriority, cfg.Sweep.Priority)

	// Zero pipeline values defer to the package defaults.
	pc := cfg.PipelineConfig()
	assert.Empty(t, pc.Prefix)
	assert.Zero(t, pc.Worker.Max)
	assert.Nil(t, pc.Batch.CacheOptions)
	assert.Empty(t, pc.Batch.Tags)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
http:
  addr: ":9090"
log:
  level: debug
  format: console
redis:
  addrs: ["r1:6379", "r2:6379"]
postgres:
  dsn: postgres://localhost/chat
  table: public.messages
  text_column: body
sweep:
  interval: 30s
  limit: 100
embedding:
  model: text-embedding-3-large
  dimensions: 256
  timeout: 5s
pipeline:
  prefix: "chat:"
  cache:
    tier: warm
    tags: [tenant-a]
  rate_limit:
    default: {max: 100, window: 1m}
    limits:
      embed: {max: 10, window: 1s}
  batch:
    max_items: 32
    max_wait: 25ms
    similarity_threshold: 0.9
  queue:
    max_attempts: 3
    backoff_base: 2s
    backoff_max: 1m
  worker:
    min: 2
    max: 6
    retention_max_age: 1h
    retention_max_count: 50
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, zapcore.DebugLevel, cfg.LogLevel())
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Addrs)
	assert.Equal(t, "public.messages", cfg.Postgres.Table)
	assert.Equal(t, postgres.Table{Name: "public.messages", TextColumn: "body"}, cfg.Postgres.TableConfig())
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 100, cfg.Sweep.Limit)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, 256, cfg.Embedding.Dimensions)
	assert.Equal(t, 5*time.Second, cfg.Embedding.Timeout)

	pc := cfg.PipelineConfig()
	assert.Equal(t, "chat:", pc.Prefix)
	assert.Equal(t, &tiered.Options{Tier: tiered.Warm, Compress: true}, pc.Batch.CacheOptions)
	assert.Equal(t, []string{"tenant-a", "model:text-embedding-3-large"}, pc.Batch.Tags)
	assert.Equal(t, ratelimit.Limit{Max: 100, Window: time.Minute}, pc.RateLimit.Default)
	assert.Equal(t, ratelimit.Limit{Max: 10, Window: time.Second}, pc.RateLimit.Limits["embed"])
	assert.Equal(t, 32, pc.Batch.MaxItems)
	assert.Equal(t, 25*time.Millisecond, pc.Batch.MaxWait)
	assert.InDelta(t, 0.9, pc.Batch.SimilarityThreshold, 1e-9)
	assert.Equal(t, 3, pc.Queue.MaxAttempts)
	assert.Equal(t, queue.Backoff{Base: 2 * time.Second, Max: time.Minute}, pc.Queue.Backoff)
	assert.Equal(t, 2, pc.Worker.Min)
	assert.Equal(t, 6, pc.Worker.Max)
	assert.Equal(t, queue.Retention{MaxAge: time.Hour, MaxCount: 50}, pc.Worker.Retention)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "http:\n  addr: \":9090\"\n")
	t.Setenv("EMBEDPIPE_HTTP_ADDR", ":7070")
	t.Setenv("EMBEDPIPE_REDIS_ADDRS", "a:1,b:2")
	t.Setenv("EMBEDPIPE_EMBEDDING_API_KEY", "sk-test")
	t.Setenv("EMBEDPIPE_PIPELINE_WORKER_MAX", "12")
	t.Setenv("EMBEDPIPE_PIPELINE_BATCH_MAX_WAIT", "15ms")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Redis.Addrs)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, 12, cfg.Pipeline.Worker.Max)
	assert.Equal(t, 15*time.Millisecond, cfg.Pipeline.Batch.MaxWait)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "log level", body: "log: {level: loud}", want: "log.level"},
		{name: "log format", body: "log: {format: xml}", want: "log.format"},
		{name: "dsn without table", body: "postgres: {dsn: postgres://x}", want: "postgres.table"},
		{name: "sweep without postgres", body: "sweep: {interval: 1m}", want: "sweep.interval"},
		{name: "similarity", body: "pipeline: {batch: {similarity_threshold: 1.5}}", want: "similarity_threshold"},
		{name: "worker bounds", body: "pipeline: {worker: {min: 5, max: 2}}", want: "pipeline.worker"},
		{name: "priority", body: "sweep: {priority: 101}", want: "sweep.priority"},
		{name: "tier", body: "pipeline: {cache: {tier: lukewarm}}", want: "pipeline.cache.tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
