package kvstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dcbickfo/embedpipe/internal/clockx"
)

type memKind int

const (
	kindString memKind = iota
	kindSet
	kindZSet
)

type memItem struct {
	kind      memKind
	str       string
	set       map[string]struct{}
	zset      map[string]float64
	expiresAt time.Time
}

// Memory is a Store held in process memory. Every operation is atomic with
// respect to the others, which makes it a faithful stand-in for Redis inside a
// single process. It provides no cross-process coordination.
type Memory struct {
	mu     sync.Mutex
	items  map[string]*memItem
	clock  clockx.Clock
	closed bool
}

// NewMemory returns an empty in-process store. A nil clock uses wall time.
func NewMemory(clock clockx.Clock) *Memory {
	return &Memory{
		items: make(map[string]*memItem),
		clock: clockx.OrReal(clock),
	}
}

// Close makes every subsequent operation return ErrClosed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.items {
		if m.lookup(k) != nil {
			n++
		}
	}
	return n
}

// TTL returns the remaining lifetime of key, 0 when it has no expiry and -1
// when it does not exist.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil {
		return -1
	}
	if it.expiresAt.IsZero() {
		return 0
	}
	return it.expiresAt.Sub(m.clock.Now())
}

// lookup returns the live item at key, dropping it if expired. Caller holds mu.
func (m *Memory) lookup(key string) *memItem {
	it, ok := m.items[key]
	if !ok {
		return nil
	}
	if !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt) {
		delete(m.items, key)
		return nil
	}
	return it
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *Memory) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := m.begin(ctx); err != nil {
		return "", false, err
	}
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil || it.kind != kindString {
		return "", false, nil
	}
	return it.str, true, nil
}

func (m *Memory) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	res := make(map[string]string, len(keys))
	for _, k := range keys {
		if it := m.lookup(k); it != nil && it.kind == kindString {
			res[k] = it.str
		}
	}
	return res, nil
}

func (m *Memory) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.items[key] = &memItem{kind: kindString, str: val, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	if err := m.begin(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	if m.lookup(key) != nil {
		return false, nil
	}
	m.items[key] = &memItem{kind: kindString, str: val, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := m.begin(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil || it.kind != kindString || it.str != expected {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key, expected, val string, ttl time.Duration) (bool, error) {
	if err := m.begin(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil || it.kind != kindString || it.str != expected {
		return false, nil
	}
	m.items[key] = &memItem{kind: kindString, str: val, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) (int64, error) {
	if err := m.begin(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if m.lookup(k) != nil {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil || it.kind != kindSet {
		it = &memItem{kind: kindSet, set: make(map[string]struct{})}
		m.items[key] = it
	}
	for _, mem := range members {
		it.set[mem] = struct{}{}
	}
	if d := m.deadline(ttl); !d.IsZero() && (it.expiresAt.IsZero() || d.After(it.expiresAt)) {
		it.expiresAt = d
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	it := m.lookup(key)
	if it == nil || it.kind != kindSet {
		return nil, nil
	}
	out := make([]string, 0, len(it.set))
	for mem := range it.set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

// zset returns the sorted set at key, creating it when create is set. Caller holds mu.
func (m *Memory) zset(key string, create bool) *memItem {
	it := m.lookup(key)
	if it != nil && it.kind == kindZSet {
		return it
	}
	if !create {
		return nil
	}
	it = &memItem{kind: kindZSet, zset: make(map[string]float64)}
	m.items[key] = it
	return it
}

func sortedMembers(z map[string]float64) []ZMember {
	out := make([]ZMember, 0, len(z))
	for mem, score := range z {
		out = append(out, ZMember{Member: mem, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.zset(key, true).zset[member] = score
	return nil
}

func (m *Memory) ZRem(ctx context.Context, key, member string) (bool, error) {
	if err := m.begin(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	it := m.zset(key, false)
	if it == nil {
		return false, nil
	}
	if _, ok := it.zset[member]; !ok {
		return false, nil
	}
	delete(it.zset, member)
	if len(it.zset) == 0 {
		delete(m.items, key)
	}
	return true, nil
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	if err := m.begin(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	it := m.zset(key, false)
	if it == nil {
		return 0, nil
	}
	return int64(len(it.zset)), nil
}

func (m *Memory) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]ZMember, error) {
	if err := m.begin(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	it := m.zset(key, false)
	if it == nil {
		return nil, nil
	}
	var out []ZMember
	for _, zm := range sortedMembers(it.zset) {
		if zm.Score < min || zm.Score > max {
			continue
		}
		out = append(out, zm)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	if err := m.begin(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	return m.zremRange(key, min, max), nil
}

func (m *Memory) zremRange(key string, min, max float64) int64 {
	it := m.zset(key, false)
	if it == nil {
		return 0
	}
	var n int64
	for mem, score := range it.zset {
		if score >= min && score <= max {
			delete(it.zset, mem)
			n++
		}
	}
	if len(it.zset) == 0 {
		delete(m.items, key)
	}
	return n
}

func (m *Memory) ZPopMin(ctx context.Context, key string) (ZMember, bool, error) {
	if err := m.begin(ctx); err != nil {
		return ZMember{}, false, err
	}
	defer m.mu.Unlock()
	it := m.zset(key, false)
	if it == nil || len(it.zset) == 0 {
		return ZMember{}, false, nil
	}
	first := sortedMembers(it.zset)[0]
	delete(it.zset, first.Member)
	if len(it.zset) == 0 {
		delete(m.items, key)
	}
	return first, true, nil
}

func (m *Memory) WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, max int, member string) (WindowResult, error) {
	if err := m.begin(ctx); err != nil {
		return WindowResult{}, err
	}
	defer m.mu.Unlock()

	nowMs := float64(now.UnixMilli())
	m.zremRange(key, MinScore, nowMs-float64(window.Milliseconds()))

	it := m.zset(key, true)
	res := WindowResult{}
	if len(it.zset) < max {
		it.zset[member] = nowMs
		res.Admitted = true
	}
	res.Count = len(it.zset)
	if res.Count == 0 {
		delete(m.items, key)
		return res, nil
	}
	res.Oldest = time.UnixMilli(int64(sortedMembers(it.zset)[0].Score))
	it.expiresAt = m.clock.Now().Add(window)
	return res, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	if err := m.begin(ctx); err != nil {
		return err
	}
	m.mu.Unlock()
	return nil
}

var _ Store = (*Memory)(nil)
