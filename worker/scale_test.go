package worker_test

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/dcbickfo/embedpipe/worker"
)

func TestDecide(t *testing.T) {
	p := worker.Policy{Min: 2, Max: 6, UpBacklog: 10, DownBacklog: 1, Step: 2}
	tests := []struct {
		name string
		s    worker.Sample
		want int
	}{
		{"below min", worker.Sample{Workers: 0}, 2},
		{"above max", worker.Sample{Workers: 9, Backlog: 100}, 6},
		{"backlog grows by step", worker.Sample{Workers: 2, Backlog: 11}, 4},
		{"growth capped at max", worker.Sample{Workers: 5, Backlog: 50}, 6},
		{"backlog at upper threshold holds", worker.Sample{Workers: 3, Backlog: 10, Idle: 0}, 3},
		{"quiet with idle worker shrinks by one", worker.Sample{Workers: 4, Backlog: 1, Idle: 2}, 3},
		{"quiet but all busy holds", worker.Sample{Workers: 4, Backlog: 0, Idle: 0}, 4},
		{"shrink stops at min", worker.Sample{Workers: 2, Backlog: 0, Idle: 2}, 2},
		{"between thresholds holds", worker.Sample{Workers: 3, Backlog: 5, Idle: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := worker.Decide(p, tt.s); got != tt.want {
				t.Errorf("Decide(%+v) = %d, want %d", tt.s, got, tt.want)
			}
		})
	}
}

func TestDecide_StaysWithinBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		minW := rapid.IntRange(1, 10).Draw(t, "min")
		p := worker.Policy{
			Min:         minW,
			Max:         rapid.IntRange(minW, 20).Draw(t, "max"),
			UpBacklog:   rapid.Int64Range(0, 100).Draw(t, "up"),
			DownBacklog: rapid.Int64Range(0, 10).Draw(t, "down"),
			Step:        rapid.IntRange(1, 5).Draw(t, "step"),
		}
		workers := rapid.IntRange(0, 30).Draw(t, "workers")
		s := worker.Sample{
			Workers: workers,
			Backlog: rapid.Int64Range(0, 1000).Draw(t, "backlog"),
			Idle:    rapid.IntRange(0, workers).Draw(t, "idle"),
		}
		got := worker.Decide(p, s)
		if got < p.Min || got > p.Max {
			t.Fatalf("Decide(%+v, %+v) = %d outside [%d, %d]", p, s, got, p.Min, p.Max)
		}
		if s.Workers >= p.Min && s.Workers <= p.Max && got < s.Workers-1 {
			t.Fatalf("retired more than one worker: %d -> %d", s.Workers, got)
		}
	})
}
