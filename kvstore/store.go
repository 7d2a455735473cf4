// Package kvstore defines the shared key-value store every embedpipe component
// coordinates through, with a Redis implementation built on rueidis and an
// in-process implementation for single-node use and tests.
//
// All cross-process coordination (stampede locks, job deduplication, rate
// windows, tag indices) goes through the atomic primitives of Store. No
// in-process mutex can substitute for them because workers run in separate
// processes.
package kvstore

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: store is closed")

// Score bounds for sorted-set range queries.
var (
	MinScore = math.Inf(-1)
	MaxScore = math.Inf(1)
)

// ZMember is one sorted-set element.
type ZMember struct {
	Member string
	Score  float64
}

// WindowResult is the outcome of an atomic sliding-window admission.
type WindowResult struct {
	// Admitted reports whether the new entry was recorded.
	Admitted bool
	// Count is the number of entries in the window after the operation.
	Count int
	// Oldest is the timestamp of the oldest entry still in the window.
	// It is zero when the window is empty.
	Oldest time.Time
}

// Store is the set of primitives embedpipe needs from the shared store.
// A ttl of zero means no expiry.
type Store interface {
	// Get returns the value of key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (val string, ok bool, err error)
	// MGet returns the values of the keys that exist.
	MGet(ctx context.Context, keys []string) (map[string]string, error)
	// Set writes key unconditionally.
	Set(ctx context.Context, key, val string, ttl time.Duration) error
	// SetNX writes key only if it does not exist and reports whether it did.
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// CompareAndSwap replaces key with val only if its value equals expected.
	CompareAndSwap(ctx context.Context, key, expected, val string, ttl time.Duration) (bool, error)
	// Del deletes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// SAdd adds members to the set at key. The key TTL is only ever extended,
	// so the set outlives its longest-lived member.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	// SMembers returns every member of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds or updates member with score.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRem removes member and reports whether it was present. Exactly one of
	// several concurrent callers removing the same member observes true.
	ZRem(ctx context.Context, key, member string) (bool, error)
	// ZCard returns the number of members.
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRangeByScore returns members with min <= score <= max in ascending score
	// order. limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error)
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// ZPopMin atomically removes and returns the lowest-scored member.
	ZPopMin(ctx context.Context, key string) (ZMember, bool, error)

	// WindowAdmit atomically prunes entries at or before now-window from the
	// sorted set at key, then records member at now if fewer than max entries
	// remain. The key expires after window.
	WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, max int, member string) (WindowResult, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
