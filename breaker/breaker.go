// Package breaker implements a circuit breaker for calls to a slow, metered
// external service.
//
// A Breaker is a state machine driven only by call outcomes and elapsed time.
// While closed it counts successes, failures and slow calls. Once the minimum
// call volume is reached it opens when the failure rate or slow-call rate
// exceeds its threshold, or the raw failure count exceeds FailureThreshold.
// After RecoveryTimeout it admits a limited number of trial calls (half-open);
// SuccessThreshold consecutive successes close it and any failure reopens it.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dcbickfo/embedpipe/internal/clockx"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
)

// ErrOpen is returned, wrapped in an *OpenError, when a call is rejected.
var ErrOpen = errors.New("breaker: circuit open")

// OpenError reports a rejected call and when the breaker will next admit one.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker %s: circuit %s, retry after %s", e.Name, e.State, e.RetryAfter)
}

// Unwrap makes errors.Is(err, ErrOpen) hold.
func (e *OpenError) Unwrap() error {
	return ErrOpen
}

// RetryAfter extracts the suggested wait from an *OpenError in err's chain.
func RetryAfter(err error) (time.Duration, bool) {
	var oe *OpenError
	if errors.As(err, &oe) {
		return oe.RetryAfter, true
	}
	return 0, false
}

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker. Zero values take the documented defaults.
type Config struct {
	// Name identifies the protected operation in errors, logs and metrics.
	Name string

	// MinimumCalls is the call volume required before rates are evaluated.
	// Defaults to 10.
	MinimumCalls int

	// FailureRateThreshold opens the breaker when exceeded. Defaults to 0.5.
	FailureRateThreshold float64

	// FailureThreshold opens the breaker when the failure count in the
	// current window exceeds it. Defaults to 10.
	FailureThreshold int

	// SlowCallDuration marks a call as slow. Defaults to 10 seconds.
	SlowCallDuration time.Duration

	// SlowCallRateThreshold opens the breaker when exceeded. Defaults to 0.5.
	SlowCallRateThreshold float64

	// RecoveryTimeout is how long the breaker stays open. Defaults to 30 seconds.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes that
	// close the breaker. Defaults to 3.
	SuccessThreshold int

	// HalfOpenMaxCalls bounds concurrent trial calls. Defaults to SuccessThreshold.
	HalfOpenMaxCalls int

	// Window is how long closed-state counters accumulate before they reset.
	// Defaults to 1 minute.
	Window time.Duration

	// CallTimeout bounds each call made through Execute. Zero means none.
	CallTimeout time.Duration

	// IsFailure classifies a call error. The default counts every non-nil
	// error except context.Canceled, which reflects the caller giving up.
	IsFailure func(err error) bool

	// IsIgnored marks outcomes that say nothing about the service, such as an
	// abandoned call. They are neither successes nor failures and only free
	// their half-open slot. Defaults to errors.Is(err, context.Canceled).
	IsIgnored func(err error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	Clock   clockx.Clock
	Logger  logger.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 10
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.5
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.SlowCallDuration <= 0 {
		c.SlowCallDuration = 10 * time.Second
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = 0.5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	if c.IsIgnored == nil {
		c.IsIgnored = defaultIsIgnored
	}
	c.Clock = clockx.OrReal(c.Clock)
	c.Logger = logger.OrDefault(c.Logger)
	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func defaultIsIgnored(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Breaker guards one protected operation. It is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	forced               bool
	generation           uint64
	total                int
	failures             int
	slowCalls            int
	consecutiveSuccesses int
	halfOpenInFlight     int
	windowStart          time.Time
	openedAt             time.Time
	lastFailure          time.Time
}

// New creates a closed Breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{cfg: cfg, windowStart: cfg.Clock.Now()}
	cfg.Metrics.SetBreakerState(cfg.Name, int(Closed))
	return b
}

// Name returns the protected operation name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Ticket is an admission handed out by Allow and returned to Record.
// Outcomes of calls admitted before the last transition are ignored.
type Ticket struct {
	generation uint64
	state      State
}

// Allow admits a call or returns an *OpenError.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	now := b.cfg.Clock.Now()
	var change *transition

	switch b.state {
	case Closed:
		b.rollWindow(now)
	case Open:
		if b.forced || now.Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			err := b.openError(now)
			b.mu.Unlock()
			b.cfg.Metrics.BreakerReject(b.cfg.Name)
			return Ticket{}, err
		}
		change = b.setState(HalfOpen, now)
	}

	if b.state == HalfOpen {
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			err := b.openError(now)
			b.mu.Unlock()
			b.notify(change)
			b.cfg.Metrics.BreakerReject(b.cfg.Name)
			return Ticket{}, err
		}
		b.halfOpenInFlight++
	}
	t := Ticket{generation: b.generation, state: b.state}
	b.mu.Unlock()
	b.notify(change)
	return t, nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(t Ticket, elapsed time.Duration, err error) {
	ignored := err != nil && b.cfg.IsIgnored(err)
	failed := !ignored && b.cfg.IsFailure(err)
	slow := elapsed >= b.cfg.SlowCallDuration

	b.mu.Lock()
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}
	now := b.cfg.Clock.Now()
	var change *transition

	if ignored {
		if b.state == HalfOpen {
			b.halfOpenInFlight--
		}
		b.mu.Unlock()
		return
	}

	switch b.state {
	case Closed:
		b.rollWindow(now)
		b.total++
		if failed {
			b.failures++
			b.lastFailure = now
		}
		if slow {
			b.slowCalls++
		}
		if b.shouldTrip() {
			change = b.setState(Open, now)
		}
	case HalfOpen:
		b.halfOpenInFlight--
		if failed {
			b.lastFailure = now
			change = b.setState(Open, now)
			break
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			change = b.setState(Closed, now)
		}
	}
	b.mu.Unlock()
	b.notify(change)
}

func (b *Breaker) shouldTrip() bool {
	if b.total < b.cfg.MinimumCalls {
		return false
	}
	total := float64(b.total)
	return float64(b.failures)/total > b.cfg.FailureRateThreshold ||
		b.failures > b.cfg.FailureThreshold ||
		float64(b.slowCalls)/total > b.cfg.SlowCallRateThreshold
}

// rollWindow resets closed-state counters once Window has elapsed. Caller holds mu.
func (b *Breaker) rollWindow(now time.Time) {
	if now.Sub(b.windowStart) >= b.cfg.Window {
		b.resetCounters(now)
	}
}

func (b *Breaker) resetCounters(now time.Time) {
	b.total = 0
	b.failures = 0
	b.slowCalls = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.windowStart = now
}

type transition struct {
	from, to State
	snap     Snapshot
}

// setState moves to s and returns the transition to report. Caller holds mu.
func (b *Breaker) setState(s State, now time.Time) *transition {
	if b.state == s {
		return nil
	}
	from := b.state
	b.state = s
	b.generation++
	switch s {
	case Open:
		b.openedAt = now
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	case HalfOpen:
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	case Closed:
		b.forced = false
		b.resetCounters(now)
	}
	return &transition{from: from, to: s, snap: b.snapshot(now)}
}

func (b *Breaker) notify(t *transition) {
	if t == nil {
		return
	}
	b.cfg.Metrics.SetBreakerState(b.cfg.Name, int(t.to))
	b.cfg.Logger.Info("circuit breaker state change",
		"operation", b.cfg.Name,
		"from", t.from.String(),
		"to", t.to.String(),
		"failures", t.snap.Failures,
		"total", t.snap.Total,
		"slow_calls", t.snap.SlowCalls)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, t.from, t.to)
	}
}

func (b *Breaker) openError(now time.Time) *OpenError {
	return &OpenError{Name: b.cfg.Name, State: b.state, RetryAfter: b.retryAfter(now)}
}

func (b *Breaker) retryAfter(now time.Time) time.Duration {
	switch b.state {
	case Open:
		if b.forced {
			return b.cfg.RecoveryTimeout
		}
		if d := b.cfg.RecoveryTimeout - now.Sub(b.openedAt); d > 0 {
			return d
		}
		return 0
	case HalfOpen:
		// Trial slots are full; they free up within one slow-call period.
		return b.cfg.SlowCallDuration
	default:
		return 0
	}
}

// ForceOpen opens the breaker until Reset is called.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	change := b.setState(Open, b.cfg.Clock.Now())
	b.forced = true
	b.mu.Unlock()
	b.notify(change)
}

// Reset closes the breaker and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	now := b.cfg.Clock.Now()
	change := b.setState(Closed, now)
	b.forced = false
	b.resetCounters(now)
	b.mu.Unlock()
	b.notify(change)
}

// State returns the current state. An open breaker whose recovery timeout
// elapsed still reports Open until the next call is admitted.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a Breaker.
type Snapshot struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	Forced               bool          `json:"forced,omitempty"`
	Total                int           `json:"total"`
	Failures             int           `json:"failures"`
	SlowCalls            int           `json:"slow_calls"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastFailure          time.Time     `json:"last_failure,omitzero"`
	RetryAfter           time.Duration `json:"retry_after"`
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot(b.cfg.Clock.Now())
}

func (b *Breaker) snapshot(now time.Time) Snapshot {
	return Snapshot{
		Name:                 b.cfg.Name,
		State:                b.state.String(),
		Forced:               b.forced,
		Total:                b.total,
		Failures:             b.failures,
		SlowCalls:            b.slowCalls,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		RetryAfter:           b.retryAfter(now),
	}
}

// Execute runs fn if the breaker admits it, applying CallTimeout, and records
// the outcome. A panic in fn is recorded as a failure and re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ticket, err := b.Allow()
	if err != nil {
		return err
	}
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	start := b.cfg.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			b.Record(ticket, b.cfg.Clock.Now().Sub(start), fmt.Errorf("panic: %v", r))
			panic(r)
		}
		b.Record(ticket, b.cfg.Clock.Now().Sub(start), err)
	}()
	return fn(ctx)
}

// Do is Execute for functions that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
