package queue

import (
	"encoding/json"
	"math"
	"time"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition happens without resubmission.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Backoff is an exponential retry delay: Base doubled for every attempt after
// the first, capped at Max.
type Backoff struct {
	Base time.Duration `json:"base" mapstructure:"base"`
	Max  time.Duration `json:"max" mapstructure:"max"`
}

// Delay returns the wait before retrying after the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Job is the durable record of one submitted unit of work.
type Job struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	// Caller identifies the submitter for per-caller rate limiting.
	Caller      string  `json:"caller,omitempty"`
	Priority    int     `json:"priority"`
	State       State   `json:"state"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Backoff     Backoff `json:"backoff"`

	// Lease identifies the current claim. Outcomes reported with a stale lease
	// are rejected.
	Lease      string    `json:"lease,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitzero"`

	LastError  string          `json:"last_error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	RunAt      time.Time       `json:"run_at,omitzero"`
	FinishedAt time.Time       `json:"finished_at,omitzero"`
}

func decodeJob(raw string) (*Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (j *Job) encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
