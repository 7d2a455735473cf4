// Package worker services a queue with an auto-scaled pool of goroutine
// workers.
//
// Each worker claims jobs from the queue and runs up to Concurrency of them at
// once. A scaling monitor samples the queue backlog on a fixed interval and
// grows or shrinks the pool between Min and Max. A retired worker stops
// claiming and finishes the jobs it already holds; it is never interrupted.
// A housekeeping loop promotes delayed jobs, reclaims jobs whose lease expired
// and prunes finished jobs.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dcbickfo/embedpipe/internal/contextx"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/queue"
)

var (
	// ErrStarted is returned by Start on a pool that was already started.
	ErrStarted = errors.New("worker: pool already started")

	// ErrStopped is returned by Start after Shutdown.
	ErrStopped = errors.New("worker: pool is shut down")
)

// Handler processes one claimed job. A nil error completes the job with
// result; errors are classified by queue.Fail.
type Handler func(ctx context.Context, job *queue.Job) (result json.RawMessage, err error)

// Config configures a Pool.
type Config struct {
	// Name labels logs and metrics. Defaults to the queue name.
	Name string

	// Min and Max bound the number of workers. Default to 1 and 8.
	Min int
	Max int

	// Concurrency is the number of jobs one worker runs at a time.
	// Defaults to 1.
	Concurrency int

	// PollInterval is how long an idle worker waits before claiming again.
	// Defaults to 200ms.
	PollInterval time.Duration

	// JobTimeout bounds one run of the handler. Defaults to the queue lease,
	// so a job is not reclaimed while its handler can still be running.
	JobTimeout time.Duration

	// ScaleInterval is how often the backlog is sampled. Defaults to 5s.
	ScaleInterval time.Duration

	// ScaleUpBacklog adds ScaleStep workers while the backlog is above it.
	// Defaults to 10.
	ScaleUpBacklog int64

	// ScaleDownBacklog retires an idle worker while the backlog is at or below
	// it. Defaults to 0.
	ScaleDownBacklog int64

	// ScaleStep is the number of workers added per scale-up. Defaults to 1.
	ScaleStep int

	// MaintenanceInterval is how often delayed jobs are promoted, stalled jobs
	// reclaimed and finished jobs pruned. Defaults to 1s.
	MaintenanceInterval time.Duration

	// Retention bounds finished jobs. Defaults to 24h and 1000 per state.
	Retention queue.Retention

	// DrainTimeout bounds how long Shutdown waits for in-flight jobs before
	// cancelling their contexts. Defaults to 30s.
	DrainTimeout time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics
}

type unit struct {
	id     int
	retire chan struct{}
	busy   atomic.Int32
}

// Pool is safe for concurrent use.
type Pool struct {
	q       *queue.Queue
	handler Handler
	cfg     Config
	policy  Policy
	logger  logger.Logger
	metrics *metrics.Metrics

	// stopCtx ends intake and the background loops; jobCtx is the parent of
	// every handler context and ends only when draining times out.
	stopCtx    context.Context
	stop       context.CancelFunc
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	mu      sync.Mutex
	units   map[int]*unit
	nextID  int
	started bool
	stopped bool

	workers sync.WaitGroup
	loops   *errgroup.Group

	stats struct {
		completed  atomic.Int64
		failed     atomic.Int64
		panics     atomic.Int64
		scaleUps   atomic.Int64
		scaleDowns atomic.Int64
		retiring   atomic.Int64
	}
}

// New creates a Pool running handler over jobs of q. It does not start any
// worker until Start.
func New(q *queue.Queue, handler Handler, cfg Config) *Pool {
	if cfg.Name == "" {
		cfg.Name = q.Name()
	}
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max <= 0 {
		cfg.Max = 8
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = q.Lease()
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 5 * time.Second
	}
	if cfg.ScaleUpBacklog <= 0 {
		cfg.ScaleUpBacklog = 10
	}
	if cfg.ScaleDownBacklog < 0 {
		cfg.ScaleDownBacklog = 0
	}
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = 1
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Second
	}
	if cfg.Retention == (queue.Retention{}) {
		cfg.Retention = queue.Retention{MaxAge: 24 * time.Hour, MaxCount: 1000}
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	stopCtx, stop := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Pool{
		q:       q,
		handler: handler,
		cfg:     cfg,
		policy: Policy{
			Min:         cfg.Min,
			Max:         cfg.Max,
			UpBacklog:   cfg.ScaleUpBacklog,
			DownBacklog: cfg.ScaleDownBacklog,
			Step:        cfg.ScaleStep,
		},
		logger:     logger.OrDefault(cfg.Logger),
		metrics:    cfg.Metrics,
		stopCtx:    stopCtx,
		stop:       stop,
		jobCtx:     jobCtx,
		cancelJobs: cancelJobs,
		units:      make(map[int]*unit),
	}
}

// Start launches Min workers, the scaling monitor and the housekeeping loop.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrStarted
	}
	p.started = true
	for range p.cfg.Min {
		p.spawnLocked()
	}
	p.publishLocked()

	g, ctx := errgroup.WithContext(p.stopCtx)
	g.Go(func() error {
		p.every(ctx, p.cfg.ScaleInterval, func() {
			if _, err := p.Autoscale(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("autoscale sample failed", "pool", p.cfg.Name, "error", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		p.every(ctx, p.cfg.MaintenanceInterval, func() {
			if err := p.Maintain(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("queue maintenance failed", "pool", p.cfg.Name, "error", err)
			}
		})
		return nil
	})
	p.loops = g
	p.logger.Info("worker pool started", "pool", p.cfg.Name, "workers", p.cfg.Min, "max", p.cfg.Max)
	return nil
}

func (p *Pool) every(ctx context.Context, d time.Duration, fn func()) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Autoscale samples the backlog once and resizes the pool. It returns the
// resulting worker count.
func (p *Pool) Autoscale(ctx context.Context) (int, error) {
	counts, err := p.q.Counts(ctx)
	if err != nil {
		return p.Workers(), err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return len(p.units), nil
	}
	sample := Sample{Backlog: counts.Backlog(), Workers: len(p.units)}
	for _, u := range p.units {
		if u.busy.Load() == 0 {
			sample.Idle++
		}
	}
	target := Decide(p.policy, sample)
	switch {
	case target > sample.Workers:
		for range target - sample.Workers {
			p.spawnLocked()
		}
		p.stats.scaleUps.Add(1)
		p.metrics.Scaled(p.cfg.Name, "up")
		p.logger.Info("scaled workers up", "pool", p.cfg.Name, "backlog", sample.Backlog, "from", sample.Workers, "to", target)
	case target < sample.Workers:
		for range sample.Workers - target {
			p.retireLocked()
		}
		p.stats.scaleDowns.Add(1)
		p.metrics.Scaled(p.cfg.Name, "down")
		p.logger.Info("scaled workers down", "pool", p.cfg.Name, "backlog", sample.Backlog, "from", sample.Workers, "to", target)
	}
	p.publishLocked()
	return len(p.units), nil
}

// Maintain runs one housekeeping pass over the queue.
func (p *Pool) Maintain(ctx context.Context) error {
	var errs []error
	if _, err := p.q.PromoteDelayed(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.q.ReclaimStalled(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.q.Prune(ctx, p.cfg.Retention); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pool) spawnLocked() {
	u := &unit{id: p.nextID, retire: make(chan struct{})}
	p.nextID++
	p.units[u.id] = u
	p.workers.Add(1)
	go func() {
		defer p.workers.Done()
		p.supervise(u)
	}()
}

// retireLocked retires the idle worker with the highest id, or the highest id
// when every worker is busy.
func (p *Pool) retireLocked() {
	var victim *unit
	for _, u := range p.units {
		switch {
		case victim == nil:
			victim = u
		case (u.busy.Load() == 0) != (victim.busy.Load() == 0):
			if u.busy.Load() == 0 {
				victim = u
			}
		case u.id > victim.id:
			victim = u
		}
	}
	if victim == nil {
		return
	}
	delete(p.units, victim.id)
	p.stats.retiring.Add(1)
	close(victim.retire)
}

func (p *Pool) publishLocked() {
	busy := 0
	for _, u := range p.units {
		busy += int(u.busy.Load())
	}
	p.metrics.SetWorkers(p.cfg.Name, len(p.units), busy)
}

// supervise restarts the claim loop of u if it panics.
func (p *Pool) supervise(u *unit) {
	for {
		if p.loop(u) {
			return
		}
		select {
		case <-u.retire:
			return
		case <-p.stopCtx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// loop claims and runs jobs until u retires or the pool stops, then waits for
// its in-flight jobs. It reports false if it panicked.
func (p *Pool) loop(u *unit) (clean bool) {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.logger.Error("worker loop panicked, restarting", "pool", p.cfg.Name, "worker", u.id, "panic", r, "stack", string(debug.Stack()))
			clean = false
		}
	}()

	slots := make(chan struct{}, p.cfg.Concurrency)
	for {
		select {
		case slots <- struct{}{}:
		case <-u.retire:
			return true
		case <-p.stopCtx.Done():
			return true
		}
		// Check again so a full slot channel cannot race past a stop signal.
		select {
		case <-u.retire:
			return true
		case <-p.stopCtx.Done():
			return true
		default:
		}

		job, err := p.q.Claim(p.jobCtx, p.q.Lease())
		if err != nil || job == nil {
			<-slots
			if err != nil {
				p.logger.Warn("claim failed", "pool", p.cfg.Name, "worker", u.id, "error", err)
			}
			select {
			case <-u.retire:
				return true
			case <-p.stopCtx.Done():
				return true
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		u.busy.Add(1)
		inflight.Add(1)
		go func() {
			defer func() {
				u.busy.Add(-1)
				inflight.Done()
				<-slots
			}()
			p.process(u, job)
		}()
	}
}

func (p *Pool) process(u *unit, job *queue.Job) {
	ctx, cancel := context.WithTimeout(p.jobCtx, p.cfg.JobTimeout)
	defer cancel()
	start := time.Now()

	result, err := p.safeHandle(ctx, job)
	if err != nil && p.jobCtx.Err() != nil {
		// Interrupted by shutdown; give the attempt back.
		err = queue.Postpone(err, 0)
	}

	// Outcomes are recorded even when the job context has ended.
	rctx, rcancel := contextx.WithCleanupTimeout(ctx, 5*time.Second)
	defer rcancel()

	if err == nil {
		if cerr := p.q.Complete(rctx, job, result); cerr != nil {
			p.logger.Warn("failed to record job completion", "pool", p.cfg.Name, "job_id", job.ID, "error", cerr)
			return
		}
		p.stats.completed.Add(1)
		p.logger.Debug("job completed", "pool", p.cfg.Name, "worker", u.id, "job_id", job.ID, "attempt", job.Attempts, "duration", time.Since(start))
		return
	}

	state, ferr := p.q.Fail(rctx, job, err)
	if ferr != nil {
		p.logger.Warn("failed to record job failure", "pool", p.cfg.Name, "job_id", job.ID, "error", ferr, "cause", err)
		return
	}
	if state == queue.StateFailed {
		p.stats.failed.Add(1)
	}
}

// safeHandle runs the handler, converting a panic into a permanent failure.
func (p *Pool) safeHandle(ctx context.Context, job *queue.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.panics.Add(1)
			p.logger.Error("job handler panicked", "pool", p.cfg.Name, "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = queue.Permanent(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return p.handler(ctx, job)
}

// Shutdown stops claiming, waits for in-flight jobs and then returns. If
// ctx or DrainTimeout ends first, job contexts are cancelled, the remaining
// jobs are postponed as they return, and the timeout error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	loops := p.loops
	p.mu.Unlock()

	p.logger.Info("worker pool draining", "pool", p.cfg.Name)
	p.stop()

	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		if loops != nil {
			_ = loops.Wait()
		}
		close(drained)
	}()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DrainTimeout)
	defer cancel()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("worker: drain %s: %w", p.cfg.Name, ctx.Err())
		p.logger.Warn("drain timed out, cancelling in-flight jobs", "pool", p.cfg.Name)
		p.cancelJobs()
		<-drained
	}
	p.cancelJobs()

	p.mu.Lock()
	clear(p.units)
	p.publishLocked()
	p.mu.Unlock()
	p.logger.Info("worker pool stopped", "pool", p.cfg.Name)
	return err
}

// Workers returns the current number of non-retired workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

// Stats is a snapshot of the pool.
type Stats struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
	// Busy is the number of jobs in flight on non-retired workers.
	Busy       int   `json:"busy"`
	Min        int   `json:"min"`
	Max        int   `json:"max"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
	ScaleUps   int64 `json:"scale_ups"`
	ScaleDowns int64 `json:"scale_downs"`
	Retired    int64 `json:"retired"`
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers, busy := len(p.units), 0
	for _, u := range p.units {
		busy += int(u.busy.Load())
	}
	p.mu.Unlock()
	return Stats{
		Name:       p.cfg.Name,
		Workers:    workers,
		Busy:       busy,
		Min:        p.cfg.Min,
		Max:        p.cfg.Max,
		Completed:  p.stats.completed.Load(),
		Failed:     p.stats.failed.Load(),
		Panics:     p.stats.panics.Load(),
		ScaleUps:   p.stats.scaleUps.Load(),
		ScaleDowns: p.stats.scaleDowns.Load(),
		Retired:    p.stats.retiring.Load(),
	}
}
