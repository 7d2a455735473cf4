package tiered

import (
	"context"
	"fmt"
	"time"

	"github.com/dcbickfo/embedpipe/internal/contextx"
)

// Get returns the cached value for (namespace, id). Store errors and corrupt
// entries are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, namespace, id string) (string, bool) {
	key := c.dataKey(namespace, id)
	if c.front != nil {
		if v, ok := c.front.Get(key); ok {
			n := c.counters(namespace)
			n.hits.Add(1)
			n.frontHits.Add(1)
			c.metrics.CacheHit(namespace, "front")
			return v, true
		}
	}
	return c.getRemote(ctx, namespace, key)
}

// getRemote reads key from the store, bypassing the front cache.
func (c *Cache) getRemote(ctx context.Context, namespace, key string) (string, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.storeError(ctx, namespace, "get", key, err)
		c.miss(namespace)
		return "", false
	}
	if !ok {
		c.miss(namespace)
		return "", false
	}
	return c.hit(namespace, key, raw)
}

// peek is getRemote without miss accounting, used while waiting on a lock.
func (c *Cache) peek(ctx context.Context, namespace, key string) (string, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false
	}
	return c.hit(namespace, key, raw)
}

func (c *Cache) hit(namespace, key, raw string) (string, bool) {
	v, tier, err := decodeEntry(raw)
	if err != nil {
		c.logger.Warn("discarding corrupt cache entry", "namespace", namespace, "key", key, "error", err)
		c.counters(namespace).errors.Add(1)
		c.miss(namespace)
		return "", false
	}
	c.counters(namespace).hits.Add(1)
	c.metrics.CacheHit(namespace, "store")
	if tier == Hot && c.front != nil {
		c.front.Add(key, v)
	}
	return v, true
}

func (c *Cache) miss(namespace string) {
	c.counters(namespace).misses.Add(1)
	c.metrics.CacheMiss(namespace)
}

func (c *Cache) storeError(ctx context.Context, namespace, op, key string, err error) {
	if ctx.Err() == nil {
		c.logger.Warn("cache store error, failing open", "namespace", namespace, "operation", op, "key", key, "error", err)
	}
	c.counters(namespace).errors.Add(1)
	c.metrics.CacheError(op)
}

// Set writes value for (namespace, id) and adds it to every tag in opts.
// The entry is written before the tag indices so an invalidation racing with
// Set can at worst leave the entry to expire by TTL.
func (c *Cache) Set(ctx context.Context, namespace, id, value string, opts Options) error {
	if opts.TTL < 0 {
		return ErrInvalidTTL
	}
	return c.set(ctx, namespace, c.dataKey(namespace, id), value, opts)
}

func (c *Cache) set(ctx context.Context, namespace, key, value string, opts Options) error {
	ttl := c.ttlFor(opts)
	entry := encodeEntry(value, opts.tier(), opts.Compress, c.cfg.CompressThreshold)
	if err := c.store.Set(ctx, key, entry, ttl); err != nil {
		c.storeError(ctx, namespace, "set", key, err)
		return fmt.Errorf("tiered: set %s: %w", key, err)
	}
	if c.front != nil {
		if opts.tier() == Hot {
			c.front.Add(key, value)
		} else {
			c.front.Remove(key)
		}
	}
	for _, tag := range opts.Tags {
		if err := c.store.SAdd(ctx, c.tagKey(tag), ttl, key); err != nil {
			c.storeError(ctx, namespace, "tag", key, err)
			return fmt.Errorf("tiered: tag %s: %w", tag, err)
		}
	}
	c.counters(namespace).sets.Add(1)
	c.metrics.CacheSet(namespace, opts.tier().String())
	return nil
}

// Delete removes (namespace, id). Store errors are returned.
func (c *Cache) Delete(ctx context.Context, namespace, id string) error {
	key := c.dataKey(namespace, id)
	if c.front != nil {
		c.front.Remove(key)
	}
	n, err := c.store.Del(ctx, key)
	if err != nil {
		c.storeError(ctx, namespace, "delete", key, err)
		return fmt.Errorf("tiered: delete %s: %w", key, err)
	}
	if n > 0 {
		c.counters(namespace).invalidations.Add(n)
		c.metrics.CacheInvalidated(namespace, int(n))
	}
	return nil
}

// InvalidateTag deletes every entry tagged with tag, then the tag index
// itself. It returns the number of entries removed.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	tagKey := c.tagKey(tag)
	members, err := c.store.SMembers(ctx, tagKey)
	if err != nil {
		c.metrics.CacheError("invalidate_tag")
		return 0, fmt.Errorf("tiered: read tag %s: %w", tag, err)
	}

	if c.front != nil {
		for _, key := range members {
			c.front.Remove(key)
		}
	}

	var removed int64
	if len(members) > 0 {
		removed, err = c.store.Del(ctx, members...)
		if err != nil {
			c.metrics.CacheError("invalidate_tag")
			return int(removed), fmt.Errorf("tiered: delete members of tag %s: %w", tag, err)
		}
	}
	if _, err := c.store.Del(ctx, tagKey); err != nil {
		c.metrics.CacheError("invalidate_tag")
		return int(removed), fmt.Errorf("tiered: delete tag %s: %w", tag, err)
	}

	perNamespace := make(map[string]int)
	for _, key := range members {
		perNamespace[c.namespaceOf(key)]++
	}
	for ns, n := range perNamespace {
		c.counters(ns).invalidations.Add(int64(n))
		c.metrics.CacheInvalidated(ns, n)
	}
	c.logger.Debug("invalidated tag", "tag", tag, "members", len(members), "removed", removed)
	return int(removed), nil
}

// BatchGet resolves ids with a single store round trip. Missing ids are passed
// to factory, when non-nil, and the values it returns are cached with opts.
// The returned map holds every id that was found or computed. A factory error
// is returned together with the hits.
func (c *Cache) BatchGet(
	ctx context.Context,
	namespace string,
	ids []string,
	opts Options,
	factory func(ctx context.Context, missing []string) (map[string]string, error),
) (map[string]string, error) {
	res := make(map[string]string, len(ids))
	keyToID := make(map[string]string, len(ids))
	remote := make([]string, 0, len(ids))
	for _, id := range ids {
		key := c.dataKey(namespace, id)
		if _, dup := keyToID[key]; dup {
			continue
		}
		keyToID[key] = id
		if c.front != nil {
			if v, ok := c.front.Get(key); ok {
				n := c.counters(namespace)
				n.hits.Add(1)
				n.frontHits.Add(1)
				c.metrics.CacheHit(namespace, "front")
				res[id] = v
				continue
			}
		}
		remote = append(remote, key)
	}

	var missing []string
	if len(remote) > 0 {
		found, err := c.store.MGet(ctx, remote)
		if err != nil {
			c.storeError(ctx, namespace, "mget", "", err)
			found = nil
		}
		for _, key := range remote {
			raw, ok := found[key]
			if !ok {
				c.miss(namespace)
				missing = append(missing, keyToID[key])
				continue
			}
			if v, ok := c.hit(namespace, key, raw); ok {
				res[keyToID[key]] = v
			} else {
				missing = append(missing, keyToID[key])
			}
		}
	}

	if len(missing) == 0 || factory == nil {
		return res, nil
	}
	computed, err := factory(ctx, missing)
	if err != nil {
		return res, err
	}
	for _, id := range missing {
		v, ok := computed[id]
		if !ok {
			continue
		}
		res[id] = v
		_ = c.set(ctx, namespace, c.dataKey(namespace, id), v, opts)
	}
	return res, nil
}

// GetOrSet returns the cached value for (namespace, id), computing it with
// factory on a miss. At most one caller across all processes runs factory for
// a key at a time while the lock lease holds. Factory errors are returned
// unchanged and nothing is cached.
//
// Concurrent callers in one process share a single fill, which does not end
// when the caller that started it gives up. ctx bounds only this caller's wait.
func (c *Cache) GetOrSet(
	ctx context.Context,
	namespace, id string,
	opts Options,
	factory func(ctx context.Context) (string, error),
) (string, error) {
	if factory == nil {
		return "", ErrNilFactory
	}
	if v, ok := c.Get(ctx, namespace, id); ok {
		return v, nil
	}

	key := c.dataKey(namespace, id)
	ch := c.group.DoChan(key, func() (any, error) {
		fillCtx, cancel := contextx.WithCleanupTimeout(ctx, c.fillTimeout())
		defer cancel()
		return c.fill(fillCtx, namespace, id, opts, factory)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// fillTimeout bounds a detached fill: the longest lock wait plus one lease.
func (c *Cache) fillTimeout() time.Duration {
	return c.cfg.LockTTL + time.Duration(c.cfg.MaxLockRetries)*c.cfg.LockRetryDelay
}

// fill runs the distributed half of GetOrSet for one process-local leader.
func (c *Cache) fill(
	ctx context.Context,
	namespace, id string,
	opts Options,
	factory func(ctx context.Context) (string, error),
) (string, error) {
	v, found, lease, err := c.Acquire(ctx, namespace, id)
	if err != nil {
		return "", err
	}
	if found {
		return v, nil
	}
	defer lease.Release(ctx)
	return c.compute(ctx, namespace, c.dataKey(namespace, id), opts, factory)
}

// Lease is a held stampede lock. Release it once the value is written or the
// computation is abandoned; an unreleased lease expires after LockTTL.
type Lease struct {
	c         *Cache
	namespace string
	lockKey   string
	token     string
}

// Release frees the lock if this lease still owns it. A nil Lease is a no-op.
func (l *Lease) Release(ctx context.Context) {
	if l == nil {
		return
	}
	cleanupCtx, cancel := contextx.WithCleanupTimeout(ctx, l.c.cfg.LockTTL)
	defer cancel()
	if _, err := l.c.store.CompareAndDelete(cleanupCtx, l.lockKey, l.token); err != nil {
		l.c.logger.Warn("failed to release stampede lock", "namespace", l.namespace, "key", l.lockKey, "error", err)
	}
}

// Acquire coordinates a miss on (namespace, id) with every other process
// sharing the store. When another owner writes the value while this caller
// waits, it is returned with found true. Otherwise the caller computes the
// value itself and stores it with Set: lease is the held lock, or nil when
// the lock store failed or the lock stayed held for MaxLockRetries polls.
// The only error is ctx ending while waiting.
func (c *Cache) Acquire(ctx context.Context, namespace, id string) (value string, found bool, lease *Lease, err error) {
	key := c.dataKey(namespace, id)
	lockKey := c.lockKey(namespace, id)
	for attempt := 0; ; attempt++ {
		token := c.tokens.Get()
		acquired, err := c.store.SetNX(ctx, lockKey, token, c.cfg.LockTTL)
		if err != nil {
			// An unreachable lock store is treated as uncontested.
			c.storeError(ctx, namespace, "lock", lockKey, err)
			c.metrics.LockOutcome(namespace, "error")
			return "", false, nil, nil
		}
		if acquired {
			c.metrics.LockOutcome(namespace, "acquired")
			l := &Lease{c: c, namespace: namespace, lockKey: lockKey, token: token}
			// Another owner may have written the value between our miss and the lock.
			if v, ok := c.peek(ctx, namespace, key); ok {
				l.Release(ctx)
				return v, true, nil, nil
			}
			return "", false, l, nil
		}

		c.metrics.LockOutcome(namespace, "contended")
		if attempt >= c.cfg.MaxLockRetries {
			c.logger.Warn("stampede lock still held, computing locally",
				"namespace", namespace, "key", key, "attempts", attempt+1)
			c.metrics.LockOutcome(namespace, "fallback")
			return "", false, nil, nil
		}
		if err := contextx.Sleep(ctx, c.cfg.LockRetryDelay); err != nil {
			return "", false, nil, err
		}
		if v, ok := c.peek(ctx, namespace, key); ok {
			return v, true, nil, nil
		}
	}
}

func (c *Cache) compute(
	ctx context.Context,
	namespace, key string,
	opts Options,
	factory func(ctx context.Context) (string, error),
) (string, error) {
	v, err := factory(ctx)
	if err != nil {
		return "", err
	}
	// Write failures are already logged; the computed value is still returned.
	_ = c.set(ctx, namespace, key, v, opts)
	return v, nil
}
