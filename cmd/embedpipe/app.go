package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/rueidis"
	"go.uber.org/zap"

	"github.com/dcbickfo/embedpipe"
	"github.com/dcbickfo/embedpipe/embedding"
	"github.com/dcbickfo/embedpipe/internal/config"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/kvstore"
	"github.com/dcbickfo/embedpipe/postgres"
)

// app holds the connections behind a Pipeline.
type app struct {
	cfg      *config.Config
	zap      *zap.Logger
	log      logger.Logger
	registry *prometheus.Registry
	redis    rueidis.Client
	pool     *pgxpool.Pool
	records  *postgres.Store
	pipeline *embedpipe.Pipeline
}

func newZap(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel())
	return zc.Build()
}

// newApp connects to the store and, when configured, the database, then
// builds the pipeline. Nothing is started.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	z, err := newZap(cfg)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	a := &app{cfg: cfg, zap: z, log: logger.NewZap(z), registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.redis, err = rueidis.NewClient(rueidis.ClientOption{
		InitAddress: cfg.Redis.Addrs,
		Username:    cfg.Redis.Username,
		Password:    cfg.Redis.Password,
		SelectDB:    cfg.Redis.DB,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	deps := embedpipe.Deps{
		Store:    kvstore.NewRedis(a.redis),
		Embedder: embedding.New(cfg.Embedding),
		Logger:   a.log,
		Metrics:  metrics.New(a.registry),
	}
	if cfg.Postgres.DSN != "" {
		a.pool, err = postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.records, err = postgres.New(a.pool, cfg.Postgres.TableConfig())
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Persister = a.records
	}

	a.pipeline, err = embedpipe.New(deps, cfg.PipelineConfig())
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	_ = a.zap.Sync()
}
