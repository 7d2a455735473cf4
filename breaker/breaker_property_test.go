package breaker_test

import (
	"log/slog"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/internal/clockx"
)

const (
	outcomeSuccess = iota
	outcomeFailure
	outcomeSlow
)

// Property: while closed, the breaker opens on exactly the first call at which
// the minimum volume is met and a rate or count threshold is exceeded.
func TestProperty_ClosedToOpen(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		minCalls := rapid.IntRange(1, 20).Draw(t, "minCalls")
		failureThreshold := rapid.IntRange(1, 30).Draw(t, "failureThreshold")
		outcomes := rapid.SliceOfN(rapid.IntRange(outcomeSuccess, outcomeSlow), 1, 60).Draw(t, "outcomes")

		b := breaker.New(breaker.Config{
			MinimumCalls:     minCalls,
			FailureThreshold: failureThreshold,
			SlowCallDuration: time.Second,
			Window:           time.Hour,
			Clock:            clockx.NewFake(time.Unix(0, 0)),
			Logger:           slog.New(slog.DiscardHandler),
		})

		var total, failures, slow int
		for i, o := range outcomes {
			ticket, err := b.Allow()
			if err != nil {
				t.Fatalf("call %d rejected while model says closed", i)
			}
			var callErr error
			elapsed := time.Millisecond
			total++
			switch o {
			case outcomeFailure:
				callErr = errUpstream
				failures++
			case outcomeSlow:
				elapsed = 2 * time.Second
				slow++
			}
			b.Record(ticket, elapsed, callErr)

			trip := total >= minCalls &&
				(float64(failures)/float64(total) > 0.5 ||
					failures > failureThreshold ||
					float64(slow)/float64(total) > 0.5)
			if trip {
				if b.State() != breaker.Open {
					t.Fatalf("call %d: want open (total=%d failures=%d slow=%d)", i, total, failures, slow)
				}
				return
			}
			if b.State() != breaker.Closed {
				t.Fatalf("call %d: opened early (total=%d failures=%d slow=%d)", i, total, failures, slow)
			}
		}
	})
}

// Property: from open, after the recovery timeout, SuccessThreshold
// consecutive successes close the breaker and any failure reopens it.
func TestProperty_HalfOpen(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		successThreshold := rapid.IntRange(1, 5).Draw(t, "successThreshold")
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 10).Draw(t, "succeeds")

		clock := clockx.NewFake(time.Unix(0, 0))
		b := breaker.New(breaker.Config{
			SuccessThreshold: successThreshold,
			RecoveryTimeout:  time.Minute,
			Clock:            clock,
			Logger:           slog.New(slog.DiscardHandler),
		})
		b.ForceOpen()
		b.Reset()
		for range 10 {
			ticket, _ := b.Allow()
			b.Record(ticket, 0, errUpstream)
		}
		if b.State() != breaker.Open {
			t.Fatalf("setup: want open, got %s", b.State())
		}
		clock.Advance(time.Minute)

		streak := 0
		for i, ok := range outcomes {
			ticket, err := b.Allow()
			if err != nil {
				t.Fatalf("trial %d rejected", i)
			}
			if !ok {
				b.Record(ticket, 0, errUpstream)
				if b.State() != breaker.Open {
					t.Fatalf("trial %d: failure must reopen", i)
				}
				return
			}
			b.Record(ticket, 0, nil)
			streak++
			if streak >= successThreshold {
				if b.State() != breaker.Closed {
					t.Fatalf("trial %d: %d successes must close", i, streak)
				}
				return
			}
			if b.State() != breaker.HalfOpen {
				t.Fatalf("trial %d: want half-open, got %s", i, b.State())
			}
		}
	})
}
