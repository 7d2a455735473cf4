// Package ratelimit enforces per-caller, per-operation sliding-window request
// caps. Windows live in the shared store so every process sees the same count.
package ratelimit

import (
	"context"
	"time"

	"github.com/dcbickfo/embedpipe/internal/clockx"
	"github.com/dcbickfo/embedpipe/internal/lockpool"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/kvstore"
)

// Limit is the cap for one operation class.
type Limit struct {
	// Max is the number of requests admitted per Window. Zero or less disables
	// the limit.
	Max    int           `mapstructure:"max" json:"max"`
	Window time.Duration `mapstructure:"window" json:"window"`
}

// Config configures a Limiter.
type Config struct {
	// Prefix is prepended to window keys. Defaults to "embedpipe:".
	Prefix string

	// Default applies to operations without an entry in Limits.
	// Defaults to 60 requests per minute.
	Default Limit

	// Limits maps operation classes to their cap, e.g. a tight limit for
	// "embed" and a looser one for "cache_read".
	Limits map[string]Limit

	Clock   clockx.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

// Decision is the outcome of CheckLimit.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window ages out.
	ResetAt time.Time
	// RetryAfter is set on rejection: the wait until a slot frees up.
	RetryAfter time.Duration
	// FailedOpen reports that the store was unreachable and the request was
	// admitted without being counted.
	FailedOpen bool
}

// Limiter is safe for concurrent use.
type Limiter struct {
	store   kvstore.Store
	cfg     Config
	clock   clockx.Clock
	logger  logger.Logger
	metrics *metrics.Metrics
	members *lockpool.Pool
}

// New creates a Limiter over store.
func New(store kvstore.Store, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "embedpipe:"
	}
	if cfg.Default.Window <= 0 {
		cfg.Default.Window = time.Minute
	}
	if cfg.Default.Max == 0 {
		cfg.Default.Max = 60
	}
	return &Limiter{
		store:   store,
		cfg:     cfg,
		clock:   clockx.OrReal(cfg.Clock),
		logger:  logger.OrDefault(cfg.Logger),
		metrics: cfg.Metrics,
		members: lockpool.New(""),
	}
}

// LimitFor returns the cap applied to operation.
func (l *Limiter) LimitFor(operation string) Limit {
	lim, ok := l.cfg.Limits[operation]
	if !ok {
		return l.cfg.Default
	}
	if lim.Window <= 0 {
		lim.Window = l.cfg.Default.Window
	}
	return lim
}

func (l *Limiter) key(caller, operation string) string {
	return l.cfg.Prefix + "rl:" + operation + ":" + caller
}

// CheckLimit prunes the (caller, operation) window, then either records the
// request and admits it or rejects it without recording. A store failure
// admits the request.
func (l *Limiter) CheckLimit(ctx context.Context, caller, operation string) (Decision, error) {
	lim := l.LimitFor(operation)
	now := l.clock.Now()
	if lim.Max <= 0 {
		return Decision{Allowed: true, Limit: lim.Max, Remaining: -1, ResetAt: now}, nil
	}

	res, err := l.store.WindowAdmit(ctx, l.key(caller, operation), now, lim.Window, lim.Max, l.members.Get())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		l.logger.Warn("rate limit store error, failing open",
			"operation", operation, "caller", caller, "error", err)
		l.metrics.RateLimitFailOpen(operation)
		return Decision{Allowed: true, Limit: lim.Max, Remaining: lim.Max, ResetAt: now.Add(lim.Window), FailedOpen: true}, nil
	}

	d := Decision{
		Allowed:   res.Admitted,
		Limit:     lim.Max,
		Remaining: max(lim.Max-res.Count, 0),
		ResetAt:   now.Add(lim.Window),
	}
	if res.Count > 0 {
		d.ResetAt = res.Oldest.Add(lim.Window)
	}
	if !d.Allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}
		l.logger.Debug("rate limited", "operation", operation, "caller", caller, "retry_after", d.RetryAfter)
	}
	l.metrics.RateLimit(operation, d.Allowed)
	return d, nil
}
