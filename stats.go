package embedpipe

import (
	"context"
	"time"

	"github.com/dcbickfo/embedpipe/batch"
	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/queue"
	"github.com/dcbickfo/embedpipe/tiered"
	"github.com/dcbickfo/embedpipe/worker"
)

// Stats is the backlog and throughput view of a Pipeline.
type Stats struct {
	Queue    queue.Counts                     `json:"queue"`
	Workers  worker.Stats                     `json:"workers"`
	Batch    batch.Stats                      `json:"batch"`
	Cache    map[string]tiered.NamespaceStats `json:"cache"`
	Breakers []breaker.Snapshot               `json:"breakers"`
}

// Stats collects counters from every component. Only the queue counts touch
// the store.
func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	counts, err := p.queue.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Queue:    counts,
		Workers:  p.pool.Stats(),
		Batch:    p.acc.Stats(),
		Cache:    p.cache.Stats(),
		Breakers: p.breakers.Snapshots(),
	}, nil
}

// Health statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Health summarizes whether the pipeline can make progress.
type Health struct {
	// Status is StatusDown when the store is unreachable, StatusDegraded when
	// any breaker is not closed, and StatusOK otherwise.
	Status     string             `json:"status"`
	StoreError string             `json:"store_error,omitempty"`
	Breakers   []breaker.Snapshot `json:"breakers"`
	CheckedAt  time.Time          `json:"checked_at"`
}

// Health pings the store and reports breaker states.
func (p *Pipeline) Health(ctx context.Context) Health {
	h := Health{Status: StatusOK, Breakers: p.breakers.Snapshots(), CheckedAt: time.Now()}
	for _, s := range h.Breakers {
		if s.State != breaker.Closed.String() {
			h.Status = StatusDegraded
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.store.Ping(pingCtx); err != nil {
		h.Status = StatusDown
		h.StoreError = err.Error()
	}
	return h
}
