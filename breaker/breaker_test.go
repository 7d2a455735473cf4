package breaker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/internal/clockx"
)

var errUpstream = errors.New("upstream 503")

func newBreaker(clock *clockx.Fake, mutate func(*breaker.Config)) *breaker.Breaker {
	cfg := breaker.Config{
		Name:             "embed",
		MinimumCalls:     4,
		FailureThreshold: 100,
		SlowCallDuration: time.Second,
		RecoveryTimeout:  30 * time.Second,
		Window:           time.Hour,
		Clock:            clock,
		Logger:           slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return breaker.New(cfg)
}

func record(t *testing.T, b *breaker.Breaker, elapsed time.Duration, err error) {
	t.Helper()
	ticket, allowErr := b.Allow()
	require.NoError(t, allowErr)
	b.Record(ticket, elapsed, err)
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)

	record(t, b, 0, nil)
	record(t, b, 0, errUpstream)
	record(t, b, 0, errUpstream)
	assert.Equal(t, breaker.Closed, b.State(), "below minimum calls")

	// 2 of 4 is exactly 50%, which does not exceed the threshold.
	record(t, b, 0, nil)
	assert.Equal(t, breaker.Closed, b.State())

	record(t, b, 0, errUpstream)
	assert.Equal(t, breaker.Open, b.State(), "3 of 5 exceeds 50%")

	_, err := b.Allow()
	assert.ErrorIs(t, err, breaker.ErrOpen)
	d, ok := breaker.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}

func TestBreaker_OpensOnSlowCallRate(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)

	record(t, b, 2*time.Second, nil)
	record(t, b, 2*time.Second, nil)
	record(t, b, 2*time.Second, nil)
	record(t, b, 10*time.Millisecond, nil)
	assert.Equal(t, breaker.Open, b.State())
}

func TestBreaker_OpensOnFailureCount(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, func(c *breaker.Config) {
		c.FailureThreshold = 2
		c.FailureRateThreshold = 0.9
	})

	for range 6 {
		record(t, b, 0, nil)
	}
	record(t, b, 0, errUpstream)
	record(t, b, 0, errUpstream)
	assert.Equal(t, breaker.Closed, b.State())
	record(t, b, 0, errUpstream)
	assert.Equal(t, breaker.Open, b.State(), "3 failures exceed a threshold of 2")
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)
	b.ForceOpen()
	b.Reset()
	for range 4 {
		record(t, b, 0, errUpstream)
	}
	require.Equal(t, breaker.Open, b.State())

	clock.Advance(29 * time.Second)
	_, err := b.Allow()
	require.ErrorIs(t, err, breaker.ErrOpen)
	d, _ := breaker.RetryAfter(err)
	assert.Equal(t, time.Second, d)

	clock.Advance(time.Second)
	record(t, b, 0, nil)
	assert.Equal(t, breaker.HalfOpen, b.State())
	record(t, b, 0, nil)
	assert.Equal(t, breaker.HalfOpen, b.State())
	record(t, b, 0, nil)
	assert.Equal(t, breaker.Closed, b.State(), "three consecutive successes close")

	snap := b.Snapshot()
	assert.Zero(t, snap.Total, "counters reset on close")
	assert.Zero(t, snap.Failures)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)
	for range 4 {
		record(t, b, 0, errUpstream)
	}
	clock.Advance(30 * time.Second)

	record(t, b, 0, nil)
	record(t, b, 0, errUpstream)
	assert.Equal(t, breaker.Open, b.State())

	_, err := b.Allow()
	d, _ := breaker.RetryAfter(err)
	assert.Equal(t, 30*time.Second, d, "reopening restarts the recovery timeout")
}

func TestBreaker_HalfOpenLimitsTrialCalls(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, func(c *breaker.Config) { c.HalfOpenMaxCalls = 1 })
	for range 4 {
		record(t, b, 0, errUpstream)
	}
	clock.Advance(30 * time.Second)

	first, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, breaker.ErrOpen, "only one trial in flight")

	b.Record(first, 0, nil)
	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreaker_CancelledTrialsDoNotClose(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)
	for range 4 {
		record(t, b, 0, errUpstream)
	}
	clock.Advance(30 * time.Second)

	for range 3 {
		record(t, b, 0, context.Canceled)
	}
	assert.Equal(t, breaker.HalfOpen, b.State(), "abandoned trials are not successes")
	assert.Zero(t, b.Snapshot().ConsecutiveSuccesses)

	// Their slots were released, so real trials still get through.
	for range 3 {
		record(t, b, 0, nil)
	}
	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreaker_CancelledCallsDoNotDiluteFailureRate(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)
	for range 10 {
		record(t, b, 0, context.Canceled)
	}
	assert.Zero(t, b.Snapshot().Total)
	for range 4 {
		record(t, b, 0, errUpstream)
	}
	assert.Equal(t, breaker.Open, b.State())
}

func TestBreaker_StaleOutcomesIgnored(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, nil)

	stale, err := b.Allow()
	require.NoError(t, err)
	b.ForceOpen()
	b.Reset()

	b.Record(stale, 0, errUpstream)
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_WindowResetsCounters(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, func(c *breaker.Config) { c.Window = time.Minute })

	record(t, b, 0, errUpstream)
	record(t, b, 0, errUpstream)
	record(t, b, 0, errUpstream)
	clock.Advance(time.Minute)
	record(t, b, 0, errUpstream)
	assert.Equal(t, breaker.Closed, b.State())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_ForceOpenHoldsUntilReset(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	var transitions []string
	b := newBreaker(clock, func(c *breaker.Config) {
		c.OnStateChange = func(_ string, from, to breaker.State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}
	})

	b.ForceOpen()
	clock.Advance(time.Hour)
	_, err := b.Allow()
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.True(t, b.Snapshot().Forced)

	b.Reset()
	_, err = b.Allow()
	assert.NoError(t, err)
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestBreaker_Execute(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	b := newBreaker(clock, func(c *breaker.Config) { c.CallTimeout = time.Minute })

	err := b.Execute(t.Context(), func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "call timeout applied")
		return errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, 1, b.Snapshot().Failures)

	err = b.Execute(t.Context(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, b.Snapshot().Failures, "caller cancellation is not a failure")
	assert.Equal(t, 1, b.Snapshot().Total, "nor is it counted as a call")

	v, err := breaker.Do(t.Context(), b, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	b.ForceOpen()
	called := false
	err = b.Execute(t.Context(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.False(t, called, "open breaker must not run the call")
}

func TestBreaker_ExecuteRecordsPanic(t *testing.T) {
	b := newBreaker(clockx.NewFake(time.Unix(0, 0)), nil)
	assert.Panics(t, func() {
		_ = b.Execute(t.Context(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreaker_Concurrent(t *testing.T) {
	b := breaker.New(breaker.Config{Logger: slog.New(slog.DiscardHandler)})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(t.Context(), func(context.Context) error {
				if i%2 == 0 {
					return errUpstream
				}
				return nil
			})
		}()
	}
	wg.Wait()
	_ = b.Snapshot()
}

func TestRegistry(t *testing.T) {
	clock := clockx.NewFake(time.Unix(0, 0))
	r := breaker.NewRegistry(
		breaker.Config{Clock: clock, Logger: slog.New(slog.DiscardHandler)},
		map[string]breaker.Config{"embed": {RecoveryTimeout: time.Minute}},
	)

	_, ok := r.Lookup("embed")
	assert.False(t, ok)

	embed := r.Get("embed")
	assert.Same(t, embed, r.Get("embed"))
	found, ok := r.Lookup("embed")
	require.True(t, ok)
	assert.Same(t, embed, found)
	assert.Equal(t, "embed", embed.Name())

	embed.ForceOpen()
	r.Get("chat")

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "chat", snaps[0].Name)
	assert.Equal(t, "closed", snaps[0].State)
	assert.Equal(t, "embed", snaps[1].Name)
	assert.Equal(t, "open", snaps[1].State)
	assert.Equal(t, time.Minute, snaps[1].RetryAfter)

	r.ResetAll()
	assert.Equal(t, breaker.Closed, embed.State())
}
