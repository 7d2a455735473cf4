package kvstore_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/embedpipe/kvstore"
)

// runStoreSuite exercises the Store contract. Both implementations must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) kvstore.Store) {
	t.Helper()

	key := func(name string) string {
		return "kvtest:" + name + ":" + uuid.NewString()
	}

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Get(t.Context(), key("missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetGet", func(t *testing.T) {
		s := newStore(t)
		k := key("setget")
		require.NoError(t, s.Set(t.Context(), k, "v1", time.Minute))
		v, ok, err := s.Get(t.Context(), k)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v1", v)
	})

	t.Run("MGetReturnsOnlyExisting", func(t *testing.T) {
		s := newStore(t)
		k1, k2, k3 := key("m1"), key("m2"), key("m3")
		require.NoError(t, s.Set(t.Context(), k1, "a", time.Minute))
		require.NoError(t, s.Set(t.Context(), k3, "c", 0))
		got, err := s.MGet(t.Context(), []string{k1, k2, k3})
		require.NoError(t, err)
		if diff := cmp.Diff(map[string]string{k1: "a", k3: "c"}, got); diff != "" {
			t.Errorf("MGet() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("SetNXOnlyOnce", func(t *testing.T) {
		s := newStore(t)
		k := key("nx")
		ok, err := s.SetNX(t.Context(), k, "first", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.SetNX(t.Context(), k, "second", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		v, _, _ := s.Get(t.Context(), k)
		assert.Equal(t, "first", v)
	})

	t.Run("SetNXConcurrentSingleWinner", func(t *testing.T) {
		s := newStore(t)
		k := key("nxrace")
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.SetNX(t.Context(), k, fmt.Sprint(i), time.Minute)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("CompareAndDelete", func(t *testing.T) {
		s := newStore(t)
		k := key("cad")
		require.NoError(t, s.Set(t.Context(), k, "token-a", time.Minute))

		ok, err := s.CompareAndDelete(t.Context(), k, "token-b")
		require.NoError(t, err)
		assert.False(t, ok, "must not delete a value it does not own")

		ok, err = s.CompareAndDelete(t.Context(), k, "token-a")
		require.NoError(t, err)
		assert.True(t, ok)
		_, exists, _ := s.Get(t.Context(), k)
		assert.False(t, exists)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := newStore(t)
		k := key("cas")
		require.NoError(t, s.Set(t.Context(), k, "old", time.Minute))

		ok, err := s.CompareAndSwap(t.Context(), k, "other", "new", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(t.Context(), k, "old", "new", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		v, _, _ := s.Get(t.Context(), k)
		assert.Equal(t, "new", v)

		ok, err = s.CompareAndSwap(t.Context(), key("cas-missing"), "old", "new", 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Del", func(t *testing.T) {
		s := newStore(t)
		k1, k2 := key("d1"), key("d2")
		require.NoError(t, s.Set(t.Context(), k1, "x", 0))
		n, err := s.Del(t.Context(), k1, k2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("Sets", func(t *testing.T) {
		s := newStore(t)
		k := key("set")
		require.NoError(t, s.SAdd(t.Context(), k, time.Minute, "b", "a"))
		require.NoError(t, s.SAdd(t.Context(), k, time.Second, "a", "c"))
		got, err := s.SMembers(t.Context(), k)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, got)

		empty, err := s.SMembers(t.Context(), key("set-missing"))
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("SortedSets", func(t *testing.T) {
		s := newStore(t)
		k := key("zset")
		require.NoError(t, s.ZAdd(t.Context(), k, 3, "c"))
		require.NoError(t, s.ZAdd(t.Context(), k, 1, "a"))
		require.NoError(t, s.ZAdd(t.Context(), k, 2, "b"))

		n, err := s.ZCard(t.Context(), k)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err := s.ZRangeByScore(t.Context(), k, kvstore.MinScore, 2, 0)
		require.NoError(t, err)
		if diff := cmp.Diff([]kvstore.ZMember{{Member: "a", Score: 1}, {Member: "b", Score: 2}}, got); diff != "" {
			t.Errorf("ZRangeByScore() mismatch (-want +got):\n%s", diff)
		}

		limited, err := s.ZRangeByScore(t.Context(), k, kvstore.MinScore, kvstore.MaxScore, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "a", limited[0].Member)

		first, ok, err := s.ZPopMin(t.Context(), k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, kvstore.ZMember{Member: "a", Score: 1}, first)

		removed, err := s.ZRem(t.Context(), k, "b")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = s.ZRem(t.Context(), k, "b")
		require.NoError(t, err)
		assert.False(t, removed)

		dropped, err := s.ZRemRangeByScore(t.Context(), k, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), dropped)

		_, ok, err = s.ZPopMin(t.Context(), k)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ZRemSingleWinner", func(t *testing.T) {
		s := newStore(t)
		k := key("zremrace")
		require.NoError(t, s.ZAdd(t.Context(), k, 1, "job"))
		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ZRem(t.Context(), k, "job")
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("WindowAdmit", func(t *testing.T) {
		s := newStore(t)
		k := key("window")
		now := time.UnixMilli(1_700_000_000_000)
		window := time.Minute

		for i := range 3 {
			res, err := s.WindowAdmit(t.Context(), k, now.Add(time.Duration(i)*time.Second), window, 3, fmt.Sprint("req-", i))
			require.NoError(t, err)
			assert.True(t, res.Admitted)
			assert.Equal(t, i+1, res.Count)
			assert.Equal(t, now, res.Oldest)
		}

		res, err := s.WindowAdmit(t.Context(), k, now.Add(10*time.Second), window, 3, "req-3")
		require.NoError(t, err)
		assert.False(t, res.Admitted)
		assert.Equal(t, 3, res.Count)
		assert.Equal(t, now, res.Oldest)

		// The first entry ages out exactly one window after it was recorded.
		res, err = s.WindowAdmit(t.Context(), k, now.Add(window), window, 3, "req-4")
		require.NoError(t, err)
		assert.True(t, res.Admitted)
		assert.Equal(t, 3, res.Count)
		assert.Equal(t, now.Add(time.Second), res.Oldest)
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(t.Context()))
	})
}
