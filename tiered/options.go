package tiered

import (
	"errors"
	"time"
)

// Common errors returned by tiered operations.
var (
	// ErrInvalidTTL is returned when a TTL value is negative.
	ErrInvalidTTL = errors.New("tiered: invalid TTL value")

	// ErrNilFactory is returned when a required factory function is nil.
	ErrNilFactory = errors.New("tiered: factory function cannot be nil")

	// ErrCorruptEntry is returned when a stored value cannot be decoded.
	ErrCorruptEntry = errors.New("tiered: corrupt cache entry")
)

// Tier is a TTL class.
type Tier uint8

const (
	// Warm is the default tier.
	Warm Tier = iota
	// Hot entries are short-lived and may be shadowed in process memory.
	Hot
	// Cold entries live for a day or more.
	Cold
)

func (t Tier) String() string {
	switch t {
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	case Cold:
		return "cold"
	default:
		return "unknown"
	}
}

// ParseTier maps "hot", "warm" and "cold" to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "hot":
		return Hot, nil
	case "warm", "":
		return Warm, nil
	case "cold":
		return Cold, nil
	}
	return Warm, errors.New("tiered: unknown tier " + s)
}

// Options controls how a value is written.
type Options struct {
	// Tier selects the default TTL.
	Tier Tier

	// TTL overrides the tier default when positive.
	TTL time.Duration

	// Tags are invalidation groups the entry joins.
	Tags []string

	// Compress requests zstd compression for payloads above the cache's
	// CompressThreshold.
	Compress bool
}

func (o Options) tier() Tier {
	if o.Tier > Cold {
		return Warm
	}
	return o.Tier
}
