package tiered_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/dcbickfo/embedpipe/kvstore"
	"github.com/dcbickfo/embedpipe/tiered"
)

// BenchmarkCache_GetOrSet_Hit measures the hit path through the store.
func BenchmarkCache_GetOrSet_Hit(b *testing.B) {
	ctx := context.Background()
	c := newCache(b, kvstore.NewMemory(nil), tiered.Config{FrontCacheSize: -1})
	factory := func(context.Context) (string, error) { return "v", nil }
	if _, err := c.GetOrSet(ctx, "ns", "key", tiered.Options{}, factory); err != nil {
		b.Fatal(err)
	}

	for b.Loop() {
		if _, err := c.GetOrSet(ctx, "ns", "key", tiered.Options{}, factory); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCache_GetOrSet_FrontHit measures the hot-tier in-process path.
func BenchmarkCache_GetOrSet_FrontHit(b *testing.B) {
	ctx := context.Background()
	c := newCache(b, kvstore.NewMemory(nil), tiered.Config{})
	factory := func(context.Context) (string, error) { return "v", nil }
	opts := tiered.Options{Tier: tiered.Hot}
	if _, err := c.GetOrSet(ctx, "ns", "key", opts, factory); err != nil {
		b.Fatal(err)
	}

	for b.Loop() {
		if _, err := c.GetOrSet(ctx, "ns", "key", opts, factory); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCache_Set_Compressed measures writes of large compressible values.
func BenchmarkCache_Set_Compressed(b *testing.B) {
	ctx := context.Background()
	c := newCache(b, kvstore.NewMemory(nil), tiered.Config{})
	payload := strings.Repeat("0.12345,", 1536)
	opts := tiered.Options{Tier: tiered.Cold, Compress: true}

	i := 0
	for b.Loop() {
		if err := c.Set(ctx, "ns", fmt.Sprint(i), payload, opts); err != nil {
			b.Fatal(err)
		}
		i++
	}
}
