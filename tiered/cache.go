// Package tiered provides a cache-aside layer over a shared kvstore.Store with
// hot/warm/cold TTL classes, tag-based group invalidation and stampede
// protection through a distributed lock.
//
// # Basic Usage
//
//	cache, err := tiered.New(store, tiered.Config{})
//	if err != nil {
//	    return err
//	}
//
//	vec, err := cache.GetOrSet(ctx, "embeddings", text, tiered.Options{Tier: tiered.Cold},
//	    func(ctx context.Context) (string, error) {
//	        return computeEmbedding(ctx, text)
//	    })
//
// # Stampede Protection
//
// On a miss GetOrSet first collapses callers in the same process with
// singleflight, then takes a short-lived lock in the shared store with an
// atomic set-if-not-exists. Only the lock owner runs the factory. Callers that
// lose the race poll the store for the value a bounded number of times and then
// compute locally, so a crashed owner never blocks anyone beyond its lease.
//
// # Failure Semantics
//
// The cache fails open: a store error is logged and treated as a miss, and a
// failed write is logged and ignored. Only Delete and InvalidateTag report
// store errors to the caller.
//
// # Keys
//
// Identifiers are hashed, so keys have bounded length regardless of the input:
//
//	<prefix>c:<namespace>:<hash>     cached value
//	<prefix>lock:<namespace>:<hash>  stampede lock
//	<prefix>tag:<tag>                tag index (set of value keys)
package tiered

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/dcbickfo/embedpipe/internal/keyhash"
	"github.com/dcbickfo/embedpipe/internal/lockpool"
	"github.com/dcbickfo/embedpipe/internal/logger"
	"github.com/dcbickfo/embedpipe/internal/metrics"
	"github.com/dcbickfo/embedpipe/internal/syncx"
	"github.com/dcbickfo/embedpipe/kvstore"
)

// Config configures a Cache. All fields are optional with sensible defaults.
type Config struct {
	// Prefix is prepended to every key. Defaults to "embedpipe:".
	Prefix string

	// HotTTL, WarmTTL and ColdTTL are the default lifetimes of each tier.
	// They default to 5 minutes, 1 hour and 24 hours.
	HotTTL  time.Duration
	WarmTTL time.Duration
	ColdTTL time.Duration

	// LockTTL is the lease of a stampede lock. A crashed owner releases the
	// key after this long. Defaults to 10 seconds. Should be longer than a
	// typical factory call.
	LockTTL time.Duration

	// LockRetryDelay is how long a caller that lost the lock race waits before
	// looking for the owner's value again. Defaults to 50ms.
	LockRetryDelay time.Duration

	// MaxLockRetries bounds the polling of a contended key. Once exhausted the
	// caller computes the value itself. Defaults to 40.
	MaxLockRetries int

	// CompressThreshold is the payload size in bytes above which values stored
	// with Options.Compress are zstd-compressed. Defaults to 1024.
	CompressThreshold int

	// FrontCacheSize is the capacity of the in-process shadow of hot-tier
	// entries. Defaults to 1024. Negative disables the front cache.
	FrontCacheSize int

	// FrontCacheTTL is how long a hot entry is served from process memory.
	// Defaults to 5 seconds and is never longer than HotTTL.
	FrontCacheTTL time.Duration

	// Logger defaults to slog.Default().
	Logger logger.Logger

	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Cache is a tiered cache-aside store. It is safe for concurrent use.
type Cache struct {
	store   kvstore.Store
	cfg     Config
	logger  logger.Logger
	metrics *metrics.Metrics
	tokens  *lockpool.Pool
	group   singleflight.Group
	front   *expirable.LRU[string, string]
	stats   syncx.Map[string, *nsCounters]
}

// New creates a Cache over store.
//
// Returns an error if LockTTL is negative or shorter than 100ms, or any tier
// TTL is negative.
func New(store kvstore.Store, cfg Config) (*Cache, error) {
	if store == nil {
		return nil, errors.New("tiered: store is required")
	}
	if cfg.LockTTL < 0 {
		return nil, errors.New("tiered: LockTTL must not be negative")
	}
	if cfg.LockTTL > 0 && cfg.LockTTL < 100*time.Millisecond {
		return nil, errors.New("tiered: LockTTL should be at least 100ms to avoid excessive lock churn")
	}
	if cfg.HotTTL < 0 || cfg.WarmTTL < 0 || cfg.ColdTTL < 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "embedpipe:"
	}
	if cfg.HotTTL == 0 {
		cfg.HotTTL = 5 * time.Minute
	}
	if cfg.WarmTTL == 0 {
		cfg.WarmTTL = time.Hour
	}
	if cfg.ColdTTL == 0 {
		cfg.ColdTTL = 24 * time.Hour
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = 50 * time.Millisecond
	}
	if cfg.MaxLockRetries <= 0 {
		cfg.MaxLockRetries = 40
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 1024
	}
	if cfg.FrontCacheSize == 0 {
		cfg.FrontCacheSize = 1024
	}
	if cfg.FrontCacheTTL <= 0 {
		cfg.FrontCacheTTL = 5 * time.Second
	}
	if cfg.FrontCacheTTL > cfg.HotTTL {
		cfg.FrontCacheTTL = cfg.HotTTL
	}

	c := &Cache{
		store:   store,
		cfg:     cfg,
		logger:  logger.OrDefault(cfg.Logger),
		metrics: cfg.Metrics,
		tokens:  lockpool.New(cfg.Prefix + "lock:"),
	}
	if cfg.FrontCacheSize > 0 {
		c.front = expirable.NewLRU[string, string](cfg.FrontCacheSize, nil, cfg.FrontCacheTTL)
	}
	return c, nil
}

func (c *Cache) dataKey(namespace, id string) string {
	return c.cfg.Prefix + "c:" + namespace + ":" + keyhash.Sum(id)
}

func (c *Cache) lockKey(namespace, id string) string {
	return c.cfg.Prefix + "lock:" + namespace + ":" + keyhash.Sum(id)
}

func (c *Cache) tagKey(tag string) string {
	return c.cfg.Prefix + "tag:" + tag
}

// namespaceOf recovers the namespace from a value key.
func (c *Cache) namespaceOf(key string) string {
	rest, ok := strings.CutPrefix(key, c.cfg.Prefix+"c:")
	if !ok || len(rest) <= keyhash.Size {
		return ""
	}
	return rest[:len(rest)-keyhash.Size-1]
}

func (c *Cache) ttlFor(opts Options) time.Duration {
	if opts.TTL > 0 {
		return opts.TTL
	}
	switch opts.tier() {
	case Hot:
		return c.cfg.HotTTL
	case Cold:
		return c.cfg.ColdTTL
	default:
		return c.cfg.WarmTTL
	}
}

type nsCounters struct {
	hits          atomic.Int64
	frontHits     atomic.Int64
	misses        atomic.Int64
	sets          atomic.Int64
	invalidations atomic.Int64
	errors        atomic.Int64
}

func (c *Cache) counters(namespace string) *nsCounters {
	if n, ok := c.stats.Load(namespace); ok {
		return n
	}
	n, _ := c.stats.LoadOrStore(namespace, &nsCounters{})
	return n
}

// NamespaceStats are the counters of one namespace since the Cache was created.
type NamespaceStats struct {
	Hits          int64 `json:"hits"`
	FrontHits     int64 `json:"front_hits"`
	Misses        int64 `json:"misses"`
	Sets          int64 `json:"sets"`
	Invalidations int64 `json:"invalidations"`
	Errors        int64 `json:"errors"`
}

// HitRatio returns hits / (hits + misses), or 0 before any lookup.
func (s NamespaceStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns per-namespace counters. Hits include front cache hits.
func (c *Cache) Stats() map[string]NamespaceStats {
	out := make(map[string]NamespaceStats)
	c.stats.Range(func(ns string, n *nsCounters) bool {
		out[ns] = NamespaceStats{
			Hits:          n.hits.Load(),
			FrontHits:     n.frontHits.Load(),
			Misses:        n.misses.Load(),
			Sets:          n.sets.Load(),
			Invalidations: n.invalidations.Load(),
			Errors:        n.errors.Load(),
		}
		return true
	})
	return out
}
