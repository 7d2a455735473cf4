// Package queue is a durable job queue kept in the shared store.
//
// Jobs are keyed by an idempotency id: submitting an id whose job is still
// waiting, delayed or active returns that job instead of creating another one,
// while submitting it after the job completed or failed starts a fresh run.
// Delivery is at-least-once. A claimed job carries a lease; if its worker dies
// the lease expires and ReclaimStalled hands the job to another worker.
//
// Layout, for a queue named "embed" under prefix "embedpipe:":
//
//	embedpipe:q:embed:job:<id>     JSON job record
//	embedpipe:q:embed:waiting      sorted by priority, then submission time
//	embedpipe:q:embed:delayed      sorted by run-at time
//	embedpipe:q:embed:active       sorted by lease deadline
//	embedpipe:q:embed:completed    sorted by finish time
//	embedpipe:q:embed:failed       sorted by finish time
//
// The record is the source of truth for a job's state. Index entries that
// disagree with their record are discarded when encountered.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dcbickfo/embedpipe/internal/clockx"
	"github.com/dcbickfo/embedpipe/internal/contextx"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/kvstore"
)

// MaxPriority is the largest accepted priority. Lower values run first.
const MaxPriority = 100

// maxCASRetries bounds optimistic record updates.
const maxCASRetries = 16

// epoch anchors waiting scores so priority and time fit in a float64 exactly.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Config configures a Queue.
type Config struct {
	// Name distinguishes queues sharing a store. Defaults to "default".
	Name string

	// Prefix is prepended to every key. Defaults to "embedpipe:".
	Prefix string

	// MaxAttempts is used when SubmitOptions.MaxAttempts is zero. Defaults to 5.
	MaxAttempts int

	// Backoff is used when SubmitOptions.Backoff is zero.
	// Defaults to 1s doubling up to 5m.
	Backoff Backoff

	// Lease is how long a claimed job stays with its worker before it may be
	// reclaimed. Defaults to 5m.
	Lease time.Duration

	Clock   clockx.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// SubmitOptions tune one submission.
type SubmitOptions struct {
	// Priority orders waiting jobs, lower first, in [0, MaxPriority].
	Priority int
	// Delay holds the job back before it becomes claimable, e.g. to coalesce a
	// burst of updates under one id.
	Delay       time.Duration
	MaxAttempts int
	Backoff     Backoff
	Caller      string
}

// Queue is safe for concurrent use, including from several processes sharing
// one store.
type Queue struct {
	store   kvstore.Store
	cfg     Config
	clock   clockx.Clock
	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates a Queue over store.
func New(store kvstore.Store, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "embedpipe:"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = Backoff{Base: time.Second, Max: 5 * time.Minute}
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Queue{
		store:   store,
		cfg:     cfg,
		clock:   clockx.OrReal(cfg.Clock),
		logger:  logger.OrDefault(cfg.Logger),
		metrics: cfg.Metrics,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Lease returns the default claim lease.
func (q *Queue) Lease() time.Duration {
	return q.cfg.Lease
}

func (q *Queue) jobKey(id string) string {
	return q.cfg.Prefix + "q:" + q.cfg.Name + ":job:" + id
}

func (q *Queue) setKey(s State) string {
	return q.cfg.Prefix + "q:" + q.cfg.Name + ":" + string(s)
}

func waitingScore(priority int, submitted time.Time) float64 {
	return float64(priority)*1e13 + float64(submitted.Sub(epoch).Milliseconds())
}

func timeScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Submit enqueues payload under id. It returns the job and whether a new run
// was created; a false created means an existing non-terminal job was
// returned unchanged.
func (q *Queue) Submit(ctx context.Context, id string, payload []byte, opts SubmitOptions) (*Job, bool, error) {
	if id == "" {
		return nil, false, ErrEmptyID
	}
	if !json.Valid(payload) {
		return nil, false, fmt.Errorf("%w: payload for %q is not valid JSON", ErrInvalidJob, id)
	}
	if opts.Priority < 0 || opts.Priority > MaxPriority {
		return nil, false, fmt.Errorf("%w: priority %d out of range [0, %d]", ErrInvalidJob, opts.Priority, MaxPriority)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = q.cfg.Backoff
	}

	key := q.jobKey(id)
	for range maxCASRetries {
		now := q.clock.Now()
		job := &Job{
			ID:          id,
			Payload:     json.RawMessage(payload),
			Caller:      opts.Caller,
			Priority:    opts.Priority,
			State:       StateWaiting,
			MaxAttempts: opts.MaxAttempts,
			Backoff:     opts.Backoff,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if opts.Delay > 0 {
			job.State = StateDelayed
			job.RunAt = now.Add(opts.Delay)
		}
		raw, err := job.encode()
		if err != nil {
			return nil, false, fmt.Errorf("queue: encode job %q: %w", id, err)
		}

		created, err := q.store.SetNX(ctx, key, raw, 0)
		if err != nil {
			return nil, false, fmt.Errorf("queue: submit %q: %w", id, err)
		}
		if created {
			if err := q.index(ctx, job); err != nil {
				q.discard(ctx, key, raw)
				return nil, false, err
			}
			return job, true, nil
		}

		existingRaw, ok, err := q.store.Get(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("queue: submit %q: %w", id, err)
		}
		if !ok {
			continue
		}
		existing, err := decodeJob(existingRaw)
		if err != nil {
			return nil, false, fmt.Errorf("queue: decode job %q: %w", id, err)
		}
		if !existing.State.Terminal() {
			q.logger.Debug("duplicate submission resolved to existing job", "job_id", id, "state", existing.State)
			// A previous submission may have written the record but failed to
			// index it. ZAdd is idempotent, so queued jobs are re-indexed.
			if existing.State == StateWaiting || existing.State == StateDelayed {
				if err := q.index(ctx, existing); err != nil {
					return nil, false, err
				}
			}
			return existing, false, nil
		}

		swapped, err := q.store.CompareAndSwap(ctx, key, existingRaw, raw, 0)
		if err != nil {
			return nil, false, fmt.Errorf("queue: submit %q: %w", id, err)
		}
		if swapped {
			if _, err := q.store.ZRem(ctx, q.setKey(existing.State), id); err != nil {
				q.logger.Warn("failed to drop finished job from retention set", "job_id", id, "error", err)
			}
			return job, true, q.index(ctx, job)
		}
	}
	return nil, false, fmt.Errorf("%w: submit %q", ErrContended, id)
}

// discard removes a record whose index write failed, unless it changed since.
func (q *Queue) discard(ctx context.Context, key, raw string) {
	cleanupCtx, cancel := contextx.WithCleanupTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := q.store.CompareAndDelete(cleanupCtx, key, raw); err != nil {
		q.logger.Warn("failed to discard unindexed job record", "key", key, "error", err)
	}
}

// index adds the job to the sorted set of its current state.
func (q *Queue) index(ctx context.Context, job *Job) error {
	var score float64
	switch job.State {
	case StateWaiting:
		score = waitingScore(job.Priority, job.UpdatedAt)
	case StateDelayed:
		score = timeScore(job.RunAt)
	case StateActive:
		score = timeScore(job.LeaseUntil)
	default:
		score = timeScore(job.FinishedAt)
	}
	if err := q.store.ZAdd(ctx, q.setKey(job.State), score, job.ID); err != nil {
		return fmt.Errorf("queue: index job %q as %s: %w", job.ID, job.State, err)
	}
	return nil
}

// Get returns the current record of job id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	job, _, err := q.load(ctx, id)
	return job, err
}

func (q *Queue) load(ctx context.Context, id string) (*Job, string, error) {
	raw, ok, err := q.store.Get(ctx, q.jobKey(id))
	if err != nil {
		return nil, "", fmt.Errorf("queue: load %q: %w", id, err)
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, "", fmt.Errorf("queue: decode job %q: %w", id, err)
	}
	return job, raw, nil
}

// errSkip aborts an update without error.
var errSkip = errors.New("skip")

// update applies mutate to the record of id with optimistic concurrency. It
// returns errSkip unchanged when mutate declines.
func (q *Queue) update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	for range maxCASRetries {
		job, raw, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(job); err != nil {
			return job, err
		}
		job.UpdatedAt = q.clock.Now()
		next, err := job.encode()
		if err != nil {
			return nil, fmt.Errorf("queue: encode job %q: %w", id, err)
		}
		swapped, err := q.store.CompareAndSwap(ctx, q.jobKey(id), raw, next, 0)
		if err != nil {
			return nil, fmt.Errorf("queue: update %q: %w", id, err)
		}
		if swapped {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrContended, id)
}

// Claim takes the highest-priority waiting job and leases it for lease (the
// queue default when zero). It returns nil when nothing is waiting.
func (q *Queue) Claim(ctx context.Context, lease time.Duration) (*Job, error) {
	if lease <= 0 {
		lease = q.cfg.Lease
	}
	for {
		m, ok, err := q.store.ZPopMin(ctx, q.setKey(StateWaiting))
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		if !ok {
			return nil, nil
		}
		id := m.Member
		until := q.clock.Now().Add(lease)
		token := uuid.NewString()

		// Index as active first so a crash before the record update still
		// leaves the job reclaimable.
		if err := q.store.ZAdd(ctx, q.setKey(StateActive), timeScore(until), id); err != nil {
			q.requeue(id, m.Score)
			return nil, fmt.Errorf("queue: claim %q: %w", id, err)
		}
		job, err := q.update(ctx, id, func(j *Job) error {
			if j.State != StateWaiting {
				return errSkip
			}
			j.State = StateActive
			j.Attempts++
			j.Lease = token
			j.LeaseUntil = until
			return nil
		})
		switch {
		case err == nil:
			return job, nil
		case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
			q.logger.Debug("dropping stale waiting entry", "job_id", id)
			q.unindexActive(ctx, id, token)
		default:
			q.unindexActive(ctx, id, token)
			q.requeue(id, m.Score)
			return nil, err
		}
	}
}

// requeue restores a popped waiting entry after a failed claim.
func (q *Queue) requeue(id string, score float64) {
	ctx, cancel := contextx.WithCleanupTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.ZAdd(ctx, q.setKey(StateWaiting), score, id); err != nil {
		q.logger.Error("failed to restore waiting job after claim error", "job_id", id, "error", err)
	}
}

// unindexActive removes id from the active set unless the record shows it
// active under a different lease.
func (q *Queue) unindexActive(ctx context.Context, id, token string) {
	if job, err := q.Get(ctx, id); err == nil && job.State == StateActive && job.Lease != token {
		return
	}
	if _, err := q.store.ZRem(ctx, q.setKey(StateActive), id); err != nil {
		q.logger.Warn("failed to drop active entry", "job_id", id, "error", err)
	}
}

// owned checks that j is still the claim described by leased.
func owned(j, leased *Job) error {
	if j.State != StateActive || j.Lease != leased.Lease {
		return ErrLeaseLost
	}
	return nil
}

// Complete marks a claimed job completed, storing result if not nil.
func (q *Queue) Complete(ctx context.Context, leased *Job, result json.RawMessage) error {
	now := q.clock.Now()
	job, err := q.update(ctx, leased.ID, func(j *Job) error {
		if err := owned(j, leased); err != nil {
			return err
		}
		j.State = StateCompleted
		j.Lease = ""
		j.LeaseUntil = time.Time{}
		j.FinishedAt = now
		j.LastError = ""
		j.Result = result
		return nil
	})
	if err != nil {
		return err
	}
	q.metrics.JobOutcome(q.cfg.Name, "completed", now.Sub(job.CreatedAt).Seconds())
	return q.move(ctx, job, StateActive)
}

// Fail reports a failed run of a claimed job and returns the state it moved to:
//   - PermanentError: failed.
//   - PostponeError: delayed by its Delay; the attempt is given back.
//   - anything else: delayed by the job's backoff, or failed once MaxAttempts
//     runs have been made.
func (q *Queue) Fail(ctx context.Context, leased *Job, cause error) (State, error) {
	now := q.clock.Now()
	var postpone *PostponeError
	job, err := q.update(ctx, leased.ID, func(j *Job) error {
		if err := owned(j, leased); err != nil {
			return err
		}
		j.Lease = ""
		j.LeaseUntil = time.Time{}
		if cause != nil {
			j.LastError = cause.Error()
		}
		switch {
		case IsPermanent(cause):
			j.State = StateFailed
			j.FinishedAt = now
		case errors.As(cause, &postpone):
			j.Attempts--
			j.State = StateDelayed
			j.RunAt = now.Add(postpone.Delay)
		case j.Attempts >= j.MaxAttempts:
			j.State = StateFailed
			j.FinishedAt = now
		default:
			j.State = StateDelayed
			j.RunAt = now.Add(j.Backoff.Delay(j.Attempts))
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	switch {
	case job.State == StateFailed:
		q.logger.Error("job failed", "job_id", job.ID, "attempt", job.Attempts, "error", job.LastError)
		q.metrics.JobOutcome(q.cfg.Name, "failed", now.Sub(job.CreatedAt).Seconds())
	case postpone != nil:
		q.logger.Info("job postponed", "job_id", job.ID, "delay", postpone.Delay, "error", job.LastError)
		q.metrics.JobOutcome(q.cfg.Name, "postponed", 0)
	default:
		q.logger.Warn("job will be retried", "job_id", job.ID, "attempt", job.Attempts, "run_at", job.RunAt, "error", job.LastError)
		q.metrics.JobOutcome(q.cfg.Name, "retried", 0)
	}
	return job.State, q.move(ctx, job, StateActive)
}

// move indexes job under its new state and removes it from the old one.
func (q *Queue) move(ctx context.Context, job *Job, from State) error {
	ctx, cancel := contextx.WithCleanupTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := q.index(ctx, job); err != nil {
		return err
	}
	if _, err := q.store.ZRem(ctx, q.setKey(from), job.ID); err != nil {
		return fmt.Errorf("queue: unindex %q from %s: %w", job.ID, from, err)
	}
	return nil
}
