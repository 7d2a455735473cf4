package worker

// Policy bounds and triggers pool scaling.
type Policy struct {
	Min int
	Max int
	// UpBacklog adds Step workers while the backlog is above it.
	UpBacklog int64
	// DownBacklog retires one idle worker while the backlog is at or below it.
	DownBacklog int64
	Step        int
}

// Sample is one observation of the queue and the pool.
type Sample struct {
	Backlog int64
	Workers int
	// Idle is the number of workers with no job in flight.
	Idle int
}

// Decide returns the worker count the pool should run after observing s.
// It depends on nothing but its arguments.
func Decide(p Policy, s Sample) int {
	switch {
	case s.Workers < p.Min:
		return p.Min
	case s.Workers > p.Max:
		return p.Max
	case s.Backlog > p.UpBacklog:
		return min(s.Workers+max(p.Step, 1), p.Max)
	case s.Backlog <= p.DownBacklog && s.Idle > 0:
		return max(s.Workers-1, p.Min)
	default:
		return s.Workers
	}
}
