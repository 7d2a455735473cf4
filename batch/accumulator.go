// Package batch accumulates individual texts into bounded batches for a single
// external embedding call, removing cache hits, exact duplicates and
// near-duplicate results along the way.
//
// A batch flushes when it holds MaxItems texts, when its estimated weight
// reaches MaxWeight, or MaxWait after its first text arrived, whichever comes
// first. Every submitted text is resolved exactly once: from the cache, from a
// concurrent identical submission, from the batch call, or from an individual
// call when the batch call fails.
//
// Before a missed text joins a batch it takes the cache's stampede lock for
// its hash, so accumulators in different processes sharing one store compute
// each text once. The lock is held until the vector is written.
package batch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"github.com/dcbickfo/embedpipe/internal/clockx"
	"github.com/dcbickfo/embedpipe/internal/keyhash"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/internal/syncx"
	"github.com/dcbickfo/embedpipe/tiered"
)

// Dispatcher computes one vector per input text, in order.
type Dispatcher interface {
	Dispatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Dispatch calls f.
func (f DispatchFunc) Dispatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// Source says how a Result was produced.
type Source string

const (
	SourceCache      Source = "cache"
	SourceBatch      Source = "batch"
	SourceCoalesced  Source = "coalesced"
	SourceSemantic   Source = "semantic"
	SourceIndividual Source = "individual"
)

// Result is the resolved vector for one submitted text.
type Result struct {
	Vector []float32
	// Hash is the content hash of the submitted text.
	Hash   string
	Source Source
	// DuplicateOf is the content hash of the representative whose vector was
	// reused, set only for SourceSemantic.
	DuplicateOf string
	// WriteErr is set when a freshly computed vector could not be written to
	// the cache. The vector itself is valid.
	WriteErr error
}

// Config configures an Accumulator.
type Config struct {
	// Namespace is the cache namespace vectors are stored in.
	// Defaults to "embeddings".
	Namespace string

	// MaxItems flushes a batch at this many texts. Defaults to 64.
	MaxItems int

	// MaxWeight flushes a batch once the summed EstimateWeight of its texts
	// reaches it. Defaults to 8000.
	MaxWeight int

	// MaxWait bounds how long the first text of a batch waits for company.
	// Defaults to 50ms.
	MaxWait time.Duration

	// MaxInFlight bounds concurrent dispatches. Defaults to 4.
	MaxInFlight int

	// SimilarityThreshold is the cosine similarity at or above which a result
	// reuses an earlier result of the same batch. Defaults to 0.95. Set it
	// above 1 to disable semantic deduplication.
	SimilarityThreshold float64

	// EstimateWeight estimates the cost of one text. Defaults to EstimateTokens.
	EstimateWeight func(text string) int

	// CacheOptions are used when writing vectors. Defaults to the cold tier
	// with compression.
	CacheOptions *tiered.Options

	// Tags are added to every vector write, e.g. the model version, so the
	// vectors of one model can be invalidated together.
	Tags []string

	Clock   clockx.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

const (
	recentSize = 4096
	recentTTL  = time.Second
)

type item struct {
	hash   string
	text   string
	weight int
	lease  *tiered.Lease
	done   chan struct{}
	res    Result
	err    error
}

type openBatch struct {
	items  []*item
	weight int
	timer  clockx.Timer
}

// Accumulator is safe for concurrent use.
type Accumulator struct {
	cache    *tiered.Cache
	dispatch Dispatcher
	cfg      Config
	opts     tiered.Options
	clock    clockx.Clock
	logger   logger.Logger
	metrics  *metrics.Metrics
	sem      *semaphore.Weighted

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	open     *openBatch
	inflight map[string]*item
	// recent holds just-resolved items so a submitter whose cache lookup raced
	// the write still joins the finished result.
	recent *expirable.LRU[string, *item]
	closed bool

	stats counters
}

type counters struct {
	submitted    atomic.Int64
	cacheHits    atomic.Int64
	coalesced    atomic.Int64
	semantic     atomic.Int64
	batches      atomic.Int64
	batchedItems atomic.Int64
	dispatches   atomic.Int64
	fallbacks    atomic.Int64
	failures     atomic.Int64
	waiting      atomic.Int64
}

// New creates an Accumulator that checks and fills the cache and computes misses
// through dispatch.
func New(cache *tiered.Cache, dispatch Dispatcher, cfg Config) *Accumulator {
	if cfg.Namespace == "" {
		cfg.Namespace = "embeddings"
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 64
	}
	if cfg.MaxWeight <= 0 {
		cfg.MaxWeight = 8000
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 50 * time.Millisecond
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.95
	}
	if cfg.EstimateWeight == nil {
		cfg.EstimateWeight = EstimateTokens
	}
	opts := tiered.Options{Tier: tiered.Cold, Compress: true}
	if cfg.CacheOptions != nil {
		opts = *cfg.CacheOptions
	}
	opts.Tags = append(slices.Clone(opts.Tags), cfg.Tags...)

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Accumulator{
		cache:      cache,
		dispatch:   dispatch,
		cfg:        cfg,
		opts:       opts,
		clock:      clockx.OrReal(cfg.Clock),
		logger:     logger.OrDefault(cfg.Logger),
		metrics:    cfg.Metrics,
		sem:        semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		inflight:   make(map[string]*item),
		recent:     expirable.NewLRU[string, *item](recentSize, nil, recentTTL),
	}
}

// Hash returns the content hash Submit uses for text.
func Hash(text string) string {
	return keyhash.Sum(text)
}

// Submit resolves text to a vector. It returns when the text's batch has been
// dispatched or ctx is done; abandoning the wait does not withdraw the text.
func (a *Accumulator) Submit(ctx context.Context, text string) (Result, error) {
	if text == "" {
		return Result{}, ErrEmptyText
	}
	a.stats.submitted.Add(1)
	hash := Hash(text)

	if raw, ok := a.cache.Get(ctx, a.cfg.Namespace, hash); ok {
		if vec, err := DecodeVector(raw); err == nil {
			a.stats.cacheHits.Add(1)
			a.metrics.BatchDedup("cache")
			return Result{Vector: vec, Hash: hash, Source: SourceCache}, nil
		}
		a.logger.Warn("cached vector does not decode, recomputing", "hash", hash)
	}

	it, coalesced, err := a.join(hash, text)
	if err != nil {
		return Result{}, err
	}
	if !coalesced {
		go a.claim(it)
	}

	a.stats.waiting.Add(1)
	select {
	case <-it.done:
		a.stats.waiting.Add(-1)
	case <-ctx.Done():
		a.stats.waiting.Add(-1)
		return Result{}, ctx.Err()
	}
	if it.err != nil {
		return Result{}, it.err
	}
	res := it.res
	if coalesced {
		a.stats.coalesced.Add(1)
		a.metrics.BatchDedup("exact")
		res.Source = SourceCoalesced
	}
	return res, nil
}

// join returns the pending or just-resolved item for hash, or registers a new
// one that the caller must claim.
func (a *Accumulator) join(hash, text string) (*item, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, false, ErrClosed
	}
	if existing, ok := a.inflight[hash]; ok {
		return existing, true, nil
	}
	if done, ok := a.recent.Get(hash); ok {
		return done, true, nil
	}
	it := &item{hash: hash, text: text, weight: a.cfg.EstimateWeight(text), done: make(chan struct{})}
	a.inflight[hash] = it
	a.wg.Add(1)
	return it, false, nil
}

// claim takes the cross-process stampede lock for it and then adds it to the
// open batch, unless another process wrote the vector meanwhile.
func (a *Accumulator) claim(it *item) {
	defer a.wg.Done()
	raw, found, lease, err := a.cache.Acquire(a.baseCtx, a.cfg.Namespace, it.hash)
	if err != nil {
		a.resolve(it, Result{}, fmt.Errorf("batch: dispatch aborted: %w", err))
		return
	}
	if found {
		if vec, err := DecodeVector(raw); err == nil {
			a.stats.cacheHits.Add(1)
			a.metrics.BatchDedup("cache")
			a.resolve(it, Result{Vector: vec, Hash: it.hash, Source: SourceCache}, nil)
			return
		}
	}
	it.lease = lease
	if !a.enqueue(it) {
		a.run([]*item{it}, true)
	}
}

// enqueue adds it to the open batch. It reports false once the accumulator is
// closed, in which case the caller dispatches it directly.
func (a *Accumulator) enqueue(it *item) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	if a.open != nil && a.open.weight+it.weight > a.cfg.MaxWeight {
		a.flushLocked("weight")
	}
	if a.open == nil {
		b := &openBatch{}
		b.timer = a.clock.AfterFunc(a.cfg.MaxWait, func() { a.flushIfOpen(b) })
		a.open = b
	}
	a.open.items = append(a.open.items, it)
	a.open.weight += it.weight

	switch {
	case len(a.open.items) >= a.cfg.MaxItems:
		a.flushLocked("size")
	case a.open.weight >= a.cfg.MaxWeight:
		a.flushLocked("weight")
	}
	return true
}

func (a *Accumulator) flushIfOpen(b *openBatch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open == b {
		a.flushLocked("timer")
	}
}

// Flush dispatches the open batch now, if any.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flushLocked("manual")
}

// flushLocked detaches the open batch and dispatches it. Caller holds mu.
func (a *Accumulator) flushLocked(reason string) {
	b := a.open
	if b == nil {
		return
	}
	a.open = nil
	b.timer.Stop()
	a.metrics.BatchFlush(reason, len(b.items))
	a.logger.Debug("flushing batch", "reason", reason, "items", len(b.items), "weight", b.weight)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(b.items, reason == "close")
	}()
}

func (a *Accumulator) run(items []*item, individually bool) {
	ctx := a.baseCtx
	if err := a.sem.Acquire(ctx, 1); err != nil {
		for _, it := range items {
			a.resolve(it, Result{}, fmt.Errorf("batch: dispatch aborted: %w", err))
		}
		return
	}
	defer a.sem.Release(1)

	items = a.recheck(ctx, items)
	if len(items) == 0 {
		return
	}
	if individually || len(items) == 1 {
		a.dispatchIndividually(ctx, items)
		return
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.text
	}
	a.stats.batches.Add(1)
	a.stats.batchedItems.Add(int64(len(items)))
	a.stats.dispatches.Add(1)
	vecs, err := a.dispatch.Dispatch(ctx, texts)
	if err == nil && len(vecs) != len(items) {
		err = fmt.Errorf("%w: got %d, want %d", ErrResultCount, len(vecs), len(items))
	}
	if err != nil {
		a.logger.Warn("batch dispatch failed, resolving members individually", "items", len(items), "error", err)
		a.stats.fallbacks.Add(1)
		a.metrics.BatchFallback()
		a.dispatchIndividually(ctx, items)
		return
	}
	a.resolveBatch(ctx, items, vecs)
}

// recheck resolves items whose vectors another process wrote since they missed,
// with one store round trip, and returns the rest.
func (a *Accumulator) recheck(ctx context.Context, items []*item) []*item {
	hashes := make([]string, len(items))
	for i, it := range items {
		hashes[i] = it.hash
	}
	found, _ := a.cache.BatchGet(ctx, a.cfg.Namespace, hashes, a.opts, nil)
	if len(found) == 0 {
		return items
	}
	rest := items[:0:0]
	for _, it := range items {
		raw, ok := found[it.hash]
		if !ok {
			rest = append(rest, it)
			continue
		}
		vec, err := DecodeVector(raw)
		if err != nil {
			rest = append(rest, it)
			continue
		}
		a.stats.cacheHits.Add(1)
		a.metrics.BatchDedup("cache")
		a.resolve(it, Result{Vector: vec, Hash: it.hash, Source: SourceCache}, nil)
	}
	return rest
}

// resolveBatch stores representatives and resolves near-duplicates to them.
func (a *Accumulator) resolveBatch(ctx context.Context, items []*item, vecs [][]float32) {
	reps := make([]int, 0, len(items))
	for i, it := range items {
		dupOf := -1
		for _, r := range reps {
			if Cosine(vecs[i], vecs[r]) >= a.cfg.SimilarityThreshold {
				dupOf = r
				break
			}
		}
		if dupOf >= 0 {
			a.stats.semantic.Add(1)
			a.metrics.BatchDedup("semantic")
			a.resolve(it, Result{
				Vector:      vecs[dupOf],
				Hash:        it.hash,
				Source:      SourceSemantic,
				DuplicateOf: items[dupOf].hash,
			}, nil)
			continue
		}
		reps = append(reps, i)
		werr := a.store(ctx, it, vecs[i])
		a.resolve(it, Result{Vector: vecs[i], Hash: it.hash, Source: SourceBatch, WriteErr: werr}, nil)
	}
}

func (a *Accumulator) dispatchIndividually(ctx context.Context, items []*item) {
	failed := make(map[string]error)
	var succeeded []string
	for _, it := range items {
		a.stats.dispatches.Add(1)
		vecs, err := a.dispatch.Dispatch(ctx, []string{it.text})
		if err == nil && len(vecs) != 1 {
			err = fmt.Errorf("%w: got %d, want 1", ErrResultCount, len(vecs))
		}
		if err != nil {
			failed[it.hash] = err
			a.stats.failures.Add(1)
			a.resolve(it, Result{}, err)
			continue
		}
		succeeded = append(succeeded, it.hash)
		werr := a.store(ctx, it, vecs[0])
		a.resolve(it, Result{Vector: vecs[0], Hash: it.hash, Source: SourceIndividual, WriteErr: werr}, nil)
	}
	if be := NewBatchError(failed, succeeded); be.HasFailures() {
		a.logger.Warn("individual dispatch incomplete", "error", be.Error(), "failure_rate", be.FailureRate())
	}
}

// store writes the vector before the item resolves, so a completed job always
// implies a cached result unless the returned error says otherwise. Write
// failures are logged by the cache.
func (a *Accumulator) store(ctx context.Context, it *item, vec []float32) error {
	return a.cache.Set(ctx, a.cfg.Namespace, it.hash, EncodeVector(vec), a.opts)
}

// resolve publishes the outcome of it and releases its stampede lock.
func (a *Accumulator) resolve(it *item, res Result, err error) {
	it.lease.Release(a.baseCtx)
	it.lease = nil
	it.res, it.err = res, err
	a.mu.Lock()
	if a.inflight[it.hash] == it {
		delete(a.inflight, it.hash)
	}
	if err == nil && res.Source != SourceSemantic && res.WriteErr == nil {
		a.recent.Add(it.hash, it)
	}
	a.mu.Unlock()
	close(it.done)
}

// Close stops intake, dispatches the open batch member by member and waits for
// every pending text to resolve. If ctx ends first, outstanding dispatches are
// cancelled and ctx.Err() is returned.
func (a *Accumulator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.flushLocked("close")
	pending := make([]<-chan struct{}, 0, len(a.inflight))
	for _, it := range a.inflight {
		pending = append(pending, it.done)
	}
	a.mu.Unlock()

	if err := syncx.WaitForAll(ctx, pending); err != nil {
		a.cancelBase()
		a.wg.Wait()
		return err
	}
	a.wg.Wait()
	a.cancelBase()
	return nil
}

// Stats are cumulative counters plus the current open batch size.
type Stats struct {
	Submitted          int64 `json:"submitted"`
	CacheHits          int64 `json:"cache_hits"`
	Coalesced          int64 `json:"coalesced"`
	SemanticDuplicates int64 `json:"semantic_duplicates"`
	Batches            int64 `json:"batches"`
	BatchedItems       int64 `json:"batched_items"`
	Dispatches         int64 `json:"dispatches"`
	Fallbacks          int64 `json:"fallbacks"`
	Failures           int64 `json:"failures"`
	// Open is the size of the batch still accepting texts.
	Open int `json:"open"`
	// Pending is the number of distinct texts not yet resolved.
	Pending int `json:"pending"`
	// Waiting is the number of Submit calls blocked on a result.
	Waiting int64 `json:"waiting"`
}

// Stats returns a snapshot of the counters.
func (a *Accumulator) Stats() Stats {
	a.mu.Lock()
	open, pending := 0, len(a.inflight)
	if a.open != nil {
		open = len(a.open.items)
	}
	a.mu.Unlock()
	return Stats{
		Submitted:          a.stats.submitted.Load(),
		CacheHits:          a.stats.cacheHits.Load(),
		Coalesced:          a.stats.coalesced.Load(),
		SemanticDuplicates: a.stats.semantic.Load(),
		Batches:            a.stats.batches.Load(),
		BatchedItems:       a.stats.batchedItems.Load(),
		Dispatches:         a.stats.dispatches.Load(),
		Fallbacks:          a.stats.fallbacks.Load(),
		Failures:           a.stats.failures.Load(),
		Open:               open,
		Pending:            pending,
		Waiting:            a.stats.waiting.Load(),
	}
}
