// Package metrics holds the prometheus collectors for every embedpipe component.
//
// All recorder methods are safe to call on a nil *Metrics, so components can be
// built without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "embedpipe"

// Metrics holds all prometheus collectors.
type Metrics struct {
	// Cache metrics
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheSets          *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheErrors        *prometheus.CounterVec
	LockContention     *prometheus.CounterVec

	// Resilience metrics
	BreakerState     *prometheus.GaugeVec
	BreakerRejected  *prometheus.CounterVec
	RateLimitResults *prometheus.CounterVec

	// Batch metrics
	BatchFlushes   *prometheus.CounterVec
	BatchSize      prometheus.Histogram
	BatchDeduped   *prometheus.CounterVec
	BatchFallbacks prometheus.Counter

	// Queue and worker metrics
	QueueDepth  *prometheus.GaugeVec
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	Workers     *prometheus.GaugeVec
	ScaleEvents *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"namespace", "layer"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"namespace"},
		),
		CacheSets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_sets_total",
				Help:      "Total number of cache writes",
			},
			[]string{"namespace", "tier"},
		),
		CacheInvalidations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total number of cache entries removed by delete or tag invalidation",
			},
			[]string{"namespace"},
		),
		CacheErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Backing store errors handled by failing open",
			},
			[]string{"operation"},
		),
		LockContention: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lock_contention_total",
				Help:      "Stampede lock outcomes for cache-aside computations",
			},
			[]string{"namespace", "outcome"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit breaker state per operation (0=closed, 1=open, 2=half-open)",
			},
			[]string{"operation"},
		),
		BreakerRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_rejected_total",
				Help:      "Calls rejected by an open circuit breaker",
			},
			[]string{"operation"},
		),
		RateLimitResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter decisions",
			},
			[]string{"operation", "result"},
		),
		BatchFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_flushes_total",
				Help:      "Batch flushes by trigger",
			},
			[]string{"reason"},
		),
		BatchSize: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_size",
				Help:      "Number of unique items dispatched per batch",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		BatchDeduped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_deduplicated_total",
				Help:      "Items resolved without their own external computation",
			},
			[]string{"kind"},
		),
		BatchFallbacks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_fallbacks_total",
				Help:      "Batches re-dispatched item by item after a failed batch call",
			},
		),
		QueueDepth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Jobs per queue and state",
			},
			[]string{"queue", "state"},
		),
		JobsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Job outcomes",
			},
			[]string{"queue", "outcome"},
		),
		JobDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Job processing duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		Workers: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers",
				Help:      "Worker counts per pool and state",
			},
			[]string{"pool", "state"},
		),
		ScaleEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scale_events_total",
				Help:      "Auto-scaler decisions",
			},
			[]string{"pool", "direction"},
		),
	}
}

func (m *Metrics) CacheHit(ns, layer string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(ns, layer).Inc()
}

func (m *Metrics) CacheMiss(ns string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(ns).Inc()
}

func (m *Metrics) CacheSet(ns, tier string) {
	if m == nil {
		return
	}
	m.CacheSets.WithLabelValues(ns, tier).Inc()
}

func (m *Metrics) CacheInvalidated(ns string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheInvalidations.WithLabelValues(ns).Add(float64(n))
}

func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) LockOutcome(ns, outcome string) {
	if m == nil {
		return
	}
	m.LockContention.WithLabelValues(ns, outcome).Inc()
}

func (m *Metrics) SetBreakerState(op string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(op).Set(float64(state))
}

func (m *Metrics) BreakerReject(op string) {
	if m == nil {
		return
	}
	m.BreakerRejected.WithLabelValues(op).Inc()
}

func (m *Metrics) RateLimit(op string, allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	m.RateLimitResults.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RateLimitFailOpen(op string) {
	if m == nil {
		return
	}
	m.RateLimitResults.WithLabelValues(op, "fail_open").Inc()
}

func (m *Metrics) BatchFlush(reason string, size int) {
	if m == nil {
		return
	}
	m.BatchFlushes.WithLabelValues(reason).Inc()
	m.BatchSize.Observe(float64(size))
}

func (m *Metrics) BatchDedup(kind string) {
	if m == nil {
		return
	}
	m.BatchDeduped.WithLabelValues(kind).Inc()
}

func (m *Metrics) BatchFallback() {
	if m == nil {
		return
	}
	m.BatchFallbacks.Inc()
}

func (m *Metrics) SetQueueDepth(queue, state string, n int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue, state).Set(float64(n))
}

func (m *Metrics) JobOutcome(queue, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(seconds)
}

func (m *Metrics) SetWorkers(pool string, total, busy int) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues(pool, "total").Set(float64(total))
	m.Workers.WithLabelValues(pool, "busy").Set(float64(busy))
}

func (m *Metrics) Scaled(pool, direction string) {
	if m == nil {
		return
	}
	m.ScaleEvents.WithLabelValues(pool, direction).Inc()
}
