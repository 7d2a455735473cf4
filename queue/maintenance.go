package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dcbickfo/embedpipe/kvstore"
)

// scanLimit bounds how many index entries one maintenance pass touches.
const scanLimit = 256

// PromoteDelayed moves delayed jobs whose run-at time has passed to waiting
// and returns how many it moved. Several processes may promote concurrently;
// each job is promoted by exactly one of them.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := q.clock.Now()
	due, err := q.store.ZRangeByScore(ctx, q.setKey(StateDelayed), kvstore.MinScore, timeScore(now), scanLimit)
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed: %w", err)
	}
	promoted := 0
	for _, m := range due {
		// Removing the index entry is the handoff: only the remover proceeds.
		removed, err := q.store.ZRem(ctx, q.setKey(StateDelayed), m.Member)
		if err != nil {
			return promoted, fmt.Errorf("queue: promote %q: %w", m.Member, err)
		}
		if !removed {
			continue
		}
		job, err := q.update(ctx, m.Member, func(j *Job) error {
			if j.State != StateDelayed {
				return errSkip
			}
			j.State = StateWaiting
			j.RunAt = time.Time{}
			return nil
		})
		switch {
		case errors.Is(err, errSkip), errors.Is(err, ErrNotFound):
			continue
		case err != nil:
			// Put the entry back so a later pass retries it.
			if zerr := q.store.ZAdd(ctx, q.setKey(StateDelayed), m.Score, m.Member); zerr != nil {
				q.logger.Error("failed to restore delayed job", "job_id", m.Member, "error", zerr)
			}
			return promoted, err
		}
		if err := q.index(ctx, job); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// ReclaimStalled returns jobs whose lease expired to waiting, or to failed
// when the expired run was their last allowed attempt. It returns how many
// jobs it reclaimed.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	now := q.clock.Now()
	expired, err := q.store.ZRangeByScore(ctx, q.setKey(StateActive), kvstore.MinScore, timeScore(now), scanLimit)
	if err != nil {
		return 0, fmt.Errorf("queue: scan active: %w", err)
	}
	reclaimed := 0
	for _, m := range expired {
		job, err := q.update(ctx, m.Member, func(j *Job) error {
			if j.State != StateActive || j.LeaseUntil.After(now) {
				return errSkip
			}
			j.Lease = ""
			j.LeaseUntil = time.Time{}
			j.LastError = "lease expired"
			if j.Attempts >= j.MaxAttempts {
				j.State = StateFailed
				j.FinishedAt = now
			} else {
				j.State = StateWaiting
			}
			return nil
		})
		switch {
		case errors.Is(err, errSkip):
			// Record is authoritative: drop the entry only if the job is no
			// longer active, otherwise it was re-leased and indexed anew.
			if job != nil && job.State != StateActive {
				_, _ = q.store.ZRem(ctx, q.setKey(StateActive), m.Member)
			}
			continue
		case errors.Is(err, ErrNotFound):
			_, _ = q.store.ZRem(ctx, q.setKey(StateActive), m.Member)
			continue
		case err != nil:
			return reclaimed, err
		}
		q.logger.Warn("reclaimed stalled job", "job_id", job.ID, "attempt", job.Attempts, "state", job.State)
		if job.State == StateFailed {
			q.metrics.JobOutcome(q.cfg.Name, "failed", now.Sub(job.CreatedAt).Seconds())
		} else {
			q.metrics.JobOutcome(q.cfg.Name, "reclaimed", 0)
		}
		if err := q.move(ctx, job, StateActive); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Retention bounds how many finished jobs are kept for inspection.
type Retention struct {
	// MaxAge removes finished jobs older than this. Zero keeps them regardless
	// of age.
	MaxAge time.Duration `mapstructure:"max_age" json:"max_age"`
	// MaxCount keeps at most this many jobs per finished state, newest first.
	// Zero keeps them regardless of count.
	MaxCount int `mapstructure:"max_count" json:"max_count"`
}

// Prune deletes completed and failed jobs outside r and returns how many
// records it removed.
func (q *Queue) Prune(ctx context.Context, r Retention) (int, error) {
	total := 0
	for _, state := range []State{StateCompleted, StateFailed} {
		n, err := q.prune(ctx, state, r)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (q *Queue) prune(ctx context.Context, state State, r Retention) (int, error) {
	key := q.setKey(state)
	var victims []kvstore.ZMember

	if r.MaxAge > 0 {
		cutoff := q.clock.Now().Add(-r.MaxAge)
		old, err := q.store.ZRangeByScore(ctx, key, kvstore.MinScore, timeScore(cutoff), scanLimit)
		if err != nil {
			return 0, fmt.Errorf("queue: scan %s: %w", state, err)
		}
		victims = append(victims, old...)
	}
	if r.MaxCount > 0 {
		n, err := q.store.ZCard(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("queue: count %s: %w", state, err)
		}
		if excess := n - int64(len(victims)) - int64(r.MaxCount); excess > 0 {
			oldest, err := q.store.ZRangeByScore(ctx, key, kvstore.MinScore, kvstore.MaxScore, int64(len(victims))+min(excess, scanLimit))
			if err != nil {
				return 0, fmt.Errorf("queue: scan %s: %w", state, err)
			}
			victims = oldest
		}
	}

	removed := 0
	for _, m := range victims {
		ok, err := q.store.ZRem(ctx, key, m.Member)
		if err != nil {
			return removed, fmt.Errorf("queue: prune %q: %w", m.Member, err)
		}
		if !ok {
			continue
		}
		job, raw, err := q.load(ctx, m.Member)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}
		// A resubmitted job reuses the id; only delete the finished run.
		if job.State != state {
			continue
		}
		deleted, err := q.store.CompareAndDelete(ctx, q.jobKey(m.Member), raw)
		if err != nil {
			return removed, fmt.Errorf("queue: prune %q: %w", m.Member, err)
		}
		if deleted {
			removed++
		}
	}
	if removed > 0 {
		q.logger.Debug("pruned finished jobs", "state", state, "count", removed)
	}
	return removed, nil
}

// Counts is the number of jobs per state.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	// DueDelayed is the number of delayed jobs whose run-at time has passed,
	// capped at the maintenance scan size.
	DueDelayed int64 `json:"due_delayed"`
}

// Backlog is the work ready to run: waiting jobs plus due delayed jobs.
func (c Counts) Backlog() int64 {
	return c.Waiting + c.DueDelayed
}

// Counts reads the size of every state index and publishes them as metrics.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	for _, f := range []struct {
		state State
		dst   *int64
	}{
		{StateWaiting, &c.Waiting},
		{StateDelayed, &c.Delayed},
		{StateActive, &c.Active},
		{StateCompleted, &c.Completed},
		{StateFailed, &c.Failed},
	} {
		n, err := q.store.ZCard(ctx, q.setKey(f.state))
		if err != nil {
			return Counts{}, fmt.Errorf("queue: count %s: %w", f.state, err)
		}
		*f.dst = n
		q.metrics.SetQueueDepth(q.cfg.Name, string(f.state), n)
	}
	if c.Delayed > 0 {
		due, err := q.store.ZRangeByScore(ctx, q.setKey(StateDelayed), kvstore.MinScore, timeScore(q.clock.Now()), scanLimit)
		if err != nil {
			return Counts{}, fmt.Errorf("queue: count due delayed: %w", err)
		}
		c.DueDelayed = int64(len(due))
	}
	return c, nil
}
