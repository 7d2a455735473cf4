package embedpipe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dcbickfo/embedpipe/batch"
	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/internal/clockx"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/kvstore"
	"github.com/dcbickfo/embedpipe/postgres"
	"github.com/dcbickfo/embedpipe/queue"
	"github.com/dcbickfo/embedpipe/ratelimit"
	"github.com/dcbickfo/embedpipe/tiered"
	"github.com/dcbickfo/embedpipe/worker"
)

// Embedder is the external compute service.
type Embedder interface {
	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Persister stores a computed vector on its authoritative record.
type Persister interface {
	SaveEmbedding(ctx context.Context, recordID string, vector []float32) error
}

// PendingSource lists records that still lack an embedding.
type PendingSource interface {
	Pending(ctx context.Context, limit int) ([]postgres.Row, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	// Store is the shared key-value store. Required.
	Store kvstore.Store
	// Embedder is the external compute service. Required.
	Embedder Embedder
	// Persister is optional; without it vectors are only cached.
	Persister Persister

	Clock   clockx.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Config configures a Pipeline. Sub-configurations take their package
// defaults; Prefix, Clock, Logger and Metrics are filled in from the pipeline
// when left unset.
type Config struct {
	// Prefix is prepended to every store key. Defaults to "embedpipe:".
	Prefix string

	// Operation names the protected external call for the breaker and the rate
	// limiter. Defaults to "embed".
	Operation string

	// MaxTextBytes rejects longer texts as invalid. Defaults to 32KiB.
	MaxTextBytes int

	// DefaultCaller is the rate limit identity of jobs submitted without a
	// caller. Defaults to "anonymous".
	DefaultCaller string

	Cache     tiered.Config
	Breaker   breaker.Config
	Breakers  map[string]breaker.Config
	RateLimit ratelimit.Config
	Batch     batch.Config
	Queue     queue.Config
	Worker    worker.Config
}

// Pipeline wires the cache, breaker, rate limiter, batch accumulator, job
// queue and worker pool into one embedding service.
type Pipeline struct {
	cfg       Config
	store     kvstore.Store
	embedder  Embedder
	persister Persister
	logger    logger.Logger

	cache    *tiered.Cache
	breakers *breaker.Registry
	limiter  *ratelimit.Limiter
	acc      *batch.Accumulator
	queue    *queue.Queue
	pool     *worker.Pool
}

// New builds a Pipeline. Nothing runs until Start.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("embedpipe: store is required")
	}
	if deps.Embedder == nil {
		return nil, errors.New("embedpipe: embedder is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "embedpipe:"
	}
	if cfg.Operation == "" {
		cfg.Operation = "embed"
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 32 << 10
	}
	if cfg.DefaultCaller == "" {
		cfg.DefaultCaller = "anonymous"
	}
	log := logger.OrDefault(deps.Logger)

	cacheCfg := cfg.Cache
	cacheCfg.Prefix = or(cacheCfg.Prefix, cfg.Prefix)
	cacheCfg.Logger = orLogger(cacheCfg.Logger, log)
	cacheCfg.Metrics = orMetrics(cacheCfg.Metrics, deps.Metrics)
	cache, err := tiered.New(deps.Store, cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("embedpipe: cache: %w", err)
	}

	breakerCfg := cfg.Breaker
	breakerCfg.Clock = orClock(breakerCfg.Clock, deps.Clock)
	breakerCfg.Logger = orLogger(breakerCfg.Logger, log)
	breakerCfg.Metrics = orMetrics(breakerCfg.Metrics, deps.Metrics)
	if breakerCfg.IsFailure == nil {
		breakerCfg.IsFailure = isServiceFailure
	}

	limitCfg := cfg.RateLimit
	limitCfg.Prefix = or(limitCfg.Prefix, cfg.Prefix)
	limitCfg.Clock = orClock(limitCfg.Clock, deps.Clock)
	limitCfg.Logger = orLogger(limitCfg.Logger, log)
	limitCfg.Metrics = orMetrics(limitCfg.Metrics, deps.Metrics)

	queueCfg := cfg.Queue
	queueCfg.Name = or(queueCfg.Name, cfg.Operation)
	queueCfg.Prefix = or(queueCfg.Prefix, cfg.Prefix)
	queueCfg.Clock = orClock(queueCfg.Clock, deps.Clock)
	queueCfg.Logger = orLogger(queueCfg.Logger, log)
	queueCfg.Metrics = orMetrics(queueCfg.Metrics, deps.Metrics)

	p := &Pipeline{
		cfg:       cfg,
		store:     deps.Store,
		embedder:  deps.Embedder,
		persister: deps.Persister,
		logger:    log,
		cache:     cache,
		breakers:  breaker.NewRegistry(breakerCfg, cfg.Breakers),
		limiter:   ratelimit.New(deps.Store, limitCfg),
		queue:     queue.New(deps.Store, queueCfg),
	}

	// Created up front so health and operator endpoints see it before the
	// first call.
	p.breakers.Get(cfg.Operation)

	batchCfg := cfg.Batch
	batchCfg.Clock = orClock(batchCfg.Clock, deps.Clock)
	batchCfg.Logger = orLogger(batchCfg.Logger, log)
	batchCfg.Metrics = orMetrics(batchCfg.Metrics, deps.Metrics)
	p.acc = batch.New(cache, batch.DispatchFunc(p.dispatch), batchCfg)

	workerCfg := cfg.Worker
	workerCfg.Logger = orLogger(workerCfg.Logger, log)
	workerCfg.Metrics = orMetrics(workerCfg.Metrics, deps.Metrics)
	p.pool = worker.New(p.queue, p.handle, workerCfg)

	return p, nil
}

// dispatch makes one guarded call to the external service.
func (p *Pipeline) dispatch(ctx context.Context, texts []string) ([][]float32, error) {
	return breaker.Do(ctx, p.breakers.Get(p.cfg.Operation), func(ctx context.Context) ([][]float32, error) {
		return p.embedder.Embed(ctx, texts)
	})
}

// isServiceFailure counts errors that indicate an unhealthy service. Errors
// that declare themselves non-temporary, such as a rejected input, say
// nothing about the service.
func isServiceFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// Start launches the worker pool.
func (p *Pipeline) Start() error {
	return p.pool.Start()
}

// Shutdown stops claiming jobs, drains in-flight jobs, then flushes any open
// batch member by member. It returns the first error encountered.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	poolErr := p.pool.Shutdown(ctx)
	accErr := p.acc.Close(ctx)
	if poolErr != nil {
		return poolErr
	}
	return accErr
}

// SubmitJob enqueues an embedding request under an idempotent id. Submitting
// an id whose job has not finished returns that job with created false.
func (p *Pipeline) SubmitJob(ctx context.Context, id string, req EmbedRequest, opts queue.SubmitOptions) (*queue.Job, bool, error) {
	payload, err := req.encode()
	if err != nil {
		return nil, false, err
	}
	return p.queue.Submit(ctx, id, payload, opts)
}

// Job returns the record of job id.
func (p *Pipeline) Job(ctx context.Context, id string) (*queue.Job, error) {
	return p.queue.Get(ctx, id)
}

// RecordJobID is the idempotent job id used for a record by Sweep.
func RecordJobID(recordID string) string {
	return "record:" + recordID
}

// Sweep submits a job for up to limit records lacking an embedding and
// returns how many new jobs it created. Records with a job in progress are
// skipped by the queue's deduplication.
func (p *Pipeline) Sweep(ctx context.Context, src PendingSource, limit int, opts queue.SubmitOptions) (int, error) {
	rows, err := src.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("embedpipe: sweep: %w", err)
	}
	created := 0
	for _, row := range rows {
		_, ok, err := p.SubmitJob(ctx, RecordJobID(row.ID), EmbedRequest{Text: row.Text, RecordID: row.ID}, opts)
		if err != nil {
			return created, fmt.Errorf("embedpipe: sweep record %q: %w", row.ID, err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		p.logger.Info("sweep submitted jobs", "found", len(rows), "created", created)
	}
	return created, nil
}

// Breakers returns the breaker registry, for operator controls.
func (p *Pipeline) Breakers() *breaker.Registry {
	return p.breakers
}

// Lookup returns the cached vector for text without computing it.
func (p *Pipeline) Lookup(ctx context.Context, text string) ([]float32, bool) {
	raw, ok := p.cache.Get(ctx, p.namespace(), batch.Hash(text))
	if !ok {
		return nil, false
	}
	vec, err := batch.DecodeVector(raw)
	if err != nil {
		return nil, false
	}
	return vec, true
}

// InvalidateTag drops every cached vector written under tag, such as the
// vectors of a retired model version, and returns how many were removed.
func (p *Pipeline) InvalidateTag(ctx context.Context, tag string) (int, error) {
	n, err := p.cache.InvalidateTag(ctx, tag)
	if err != nil {
		return n, err
	}
	p.logger.Info("invalidated cached vectors", "tag", tag, "removed", n)
	return n, nil
}

func (p *Pipeline) namespace() string {
	return or(p.cfg.Batch.Namespace, "embeddings")
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orLogger(l, def logger.Logger) logger.Logger {
	if l == nil {
		return def
	}
	return l
}

func orMetrics(m, def *metrics.Metrics) *metrics.Metrics {
	if m == nil {
		return def
	}
	return m
}

func orClock(c, def clockx.Clock) clockx.Clock {
	if c == nil {
		return def
	}
	return c
}

// retryDelay bounds a postponement.
func retryDelay(d time.Duration) time.Duration {
	return min(max(d, 100*time.Millisecond), 10*time.Minute)
}
