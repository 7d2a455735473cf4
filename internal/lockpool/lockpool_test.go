package lockpool_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/embedpipe/internal/lockpool"
)

func TestPool_Get(t *testing.T) {
	p := lockpool.New("embedpipe:lock:")

	first := p.Get()
	second := p.Get()

	assert.True(t, strings.HasPrefix(first, "embedpipe:lock:"+p.InstanceID()+":"))
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasSuffix(first, ":1"))
	assert.True(t, strings.HasSuffix(second, ":2"))
}

func TestPool_DistinctInstances(t *testing.T) {
	a := lockpool.New("p:")
	b := lockpool.New("p:")
	assert.NotEqual(t, a.InstanceID(), b.InstanceID())
	assert.NotEqual(t, a.Get(), b.Get())
}

func TestPool_ConcurrentUniqueness(t *testing.T) {
	p := lockpool.New("p:")
	const goroutines, perGoroutine = 8, 500

	var mu sync.Mutex
	seen := make(map[string]struct{}, goroutines*perGoroutine)
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perGoroutine)
			for range perGoroutine {
				local = append(local, p.Get())
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, goroutines*perGoroutine)
}
