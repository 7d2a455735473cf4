package tiered_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dcbickfo/embedpipe/internal/keyhash"
	"github.com/dcbickfo/embedpipe/kvstore"
	"github.com/dcbickfo/embedpipe/tiered"
)

var errStoreDown = errors.New("store down")

// failingStore fails every operation.
type failingStore struct {
	kvstore.Store
}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreDown
}

func (failingStore) MGet(context.Context, []string) (map[string]string, error) {
	return nil, errStoreDown
}

func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errStoreDown
}

func (failingStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errStoreDown
}

func (failingStore) Del(context.Context, ...string) (int64, error) {
	return 0, errStoreDown
}

func (failingStore) SMembers(context.Context, string) ([]string, error) {
	return nil, errStoreDown
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newCache(t testing.TB, store kvstore.Store, cfg tiered.Config) *tiered.Cache {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	c, err := tiered.New(store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func hashOf(id string) string {
	return keyhash.Sum(id)
}
