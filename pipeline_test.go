package embedpipe_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcbickfo/embedpipe"
	"github.com/dcbickfo/embedpipe/batch"
	"github.com/dcbickfo/embedpipe/breaker"
	"github.com/dcbickfo/embedpipe/kvstore"
	"github.com/dcbickfo/embedpipe/postgres"
	"github.com/dcbickfo/embedpipe/queue"
	"github.com/dcbickfo/embedpipe/ratelimit"
	"github.com/dcbickfo/embedpipe/worker"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, slices.Clone(texts))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 16)
		v[len(t)%16] = 1
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type fakePersister struct {
	mu    sync.Mutex
	saved map[string][]float32
}

func (f *fakePersister) SaveEmbedding(_ context.Context, recordID string, vector []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if recordID == "gone" {
		return fmt.Errorf("%w: %q", postgres.ErrNotFound, recordID)
	}
	if f.saved == nil {
		f.saved = make(map[string][]float32)
	}
	f.saved[recordID] = vector
	return nil
}

func (f *fakePersister) Saved() map[string][]float32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]float32, len(f.saved))
	for k, v := range f.saved {
		out[k] = v
	}
	return out
}

type fixture struct {
	p         *embedpipe.Pipeline
	store     *kvstore.Memory
	embedder  *fakeEmbedder
	persister *fakePersister
}

func newFixture(t *testing.T, mutate func(*embedpipe.Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:     kvstore.NewMemory(nil),
		embedder:  &fakeEmbedder{},
		persister: &fakePersister{},
	}
	cfg := embedpipe.Config{
		Worker: worker.Config{
			Concurrency:         4,
			PollInterval:        2 * time.Millisecond,
			ScaleInterval:       time.Hour,
			MaintenanceInterval: 5 * time.Millisecond,
		},
		Queue: queue.Config{Backoff: queue.Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond}},
	}
	cfg.Batch.MaxWait = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := embedpipe.New(embedpipe.Deps{
		Store:     f.store,
		Embedder:  f.embedder,
		Persister: f.persister,
		Logger:    slog.New(slog.DiscardHandler),
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	f.p = p
	return f
}

func (f *fixture) submit(t *testing.T, id, text, caller string) {
	t.Helper()
	_, created, err := f.p.SubmitJob(t.Context(), id, embedpipe.EmbedRequest{Text: text, RecordID: id}, queue.SubmitOptions{Caller: caller})
	require.NoError(t, err)
	require.True(t, created)
}

func (f *fixture) waitState(t *testing.T, id string, want queue.State) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.p.Job(context.Background(), id)
		return err == nil && job.State == want
	}, 3*time.Second, 2*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := embedpipe.New(embedpipe.Deps{Embedder: &fakeEmbedder{}}, embedpipe.Config{})
	assert.Error(t, err)
	_, err = embedpipe.New(embedpipe.Deps{Store: kvstore.NewMemory(nil)}, embedpipe.Config{})
	assert.Error(t, err)
}

func TestPipeline_IdenticalTextsEmbedOnce(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"m1", "m2", "m3"} {
		f.submit(t, id, "the same message", "alice")
	}
	require.NoError(t, f.p.Start())

	var hashes []string
	for _, id := range []string{"m1", "m2", "m3"} {
		job := f.waitState(t, id, queue.StateCompleted)
		var res embedpipe.EmbedResult
		require.NoError(t, json.Unmarshal(job.Result, &res))
		assert.True(t, res.Persisted)
		assert.Equal(t, 16, res.Dimensions)
		hashes = append(hashes, res.Hash)
	}
	assert.Equal(t, hashes[0], hashes[1])
	assert.Equal(t, hashes[0], hashes[2])

	calls := f.embedder.Calls()
	require.Len(t, calls, 1, "one external call for the shared text")
	assert.Equal(t, []string{"the same message"}, calls[0])

	saved := f.persister.Saved()
	assert.Len(t, saved, 3)
	assert.Equal(t, saved["m1"], saved["m3"])

	vec, ok := f.p.Lookup(t.Context(), "the same message")
	require.True(t, ok)
	assert.Equal(t, saved["m1"], vec)
}

func TestPipeline_OpenBreakerPostponesWithoutCalling(t *testing.T) {
	f := newFixture(t, func(c *embedpipe.Config) {
		c.Breaker = breaker.Config{RecoveryTimeout: time.Minute}
	})
	f.p.Breakers().Get("embed").ForceOpen()

	f.submit(t, "m1", "hello", "alice")
	require.NoError(t, f.p.Start())

	job := f.waitState(t, "m1", queue.StateDelayed)
	assert.Zero(t, job.Attempts, "a rejection by the breaker does not consume an attempt")
	assert.Contains(t, job.LastError, "circuit open")
	assert.Empty(t, f.embedder.Calls())
	assert.True(t, job.RunAt.After(time.Now().Add(30*time.Second)), "retried after the breaker's recovery timeout")
}

func TestPipeline_InvalidPayloadFailsImmediately(t *testing.T) {
	f := newFixture(t, func(c *embedpipe.Config) { c.MaxTextBytes = 8 })
	f.submit(t, "empty", "", "alice")
	f.submit(t, "long", "far too long for the limit", "alice")
	require.NoError(t, f.p.Start())

	for _, id := range []string{"empty", "long"} {
		job := f.waitState(t, id, queue.StateFailed)
		assert.Equal(t, 1, job.Attempts)
		assert.Contains(t, job.LastError, "invalid request")
	}
	assert.Empty(t, f.embedder.Calls())
}

func TestPipeline_RateLimitedJobIsPostponed(t *testing.T) {
	f := newFixture(t, func(c *embedpipe.Config) {
		c.RateLimit = ratelimit.Config{Limits: map[string]ratelimit.Limit{
			"embed": {Max: 1, Window: time.Hour},
		}}
	})
	f.submit(t, "a1", "first", "alice")
	f.submit(t, "a2", "second", "alice")
	f.submit(t, "b1", "third", "bob")
	require.NoError(t, f.p.Start())

	f.waitState(t, "b1", queue.StateCompleted)
	require.Eventually(t, func() bool {
		completed, delayed := 0, 0
		for _, id := range []string{"a1", "a2"} {
			job, err := f.p.Job(context.Background(), id)
			if err != nil {
				return false
			}
			switch job.State {
			case queue.StateCompleted:
				completed++
			case queue.StateDelayed:
				delayed++
				if !strings.Contains(job.LastError, embedpipe.ErrRateLimited.Error()) || job.Attempts != 0 {
					return false
				}
			}
		}
		return completed == 1 && delayed == 1
	}, 3*time.Second, 2*time.Millisecond)
}

func TestPipeline_MissingRecordFailsPermanently(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "gone", "orphaned text", "alice")
	require.NoError(t, f.p.Start())

	job := f.waitState(t, "gone", queue.StateFailed)
	assert.Equal(t, 1, job.Attempts)

	// The vector was cached before persisting failed.
	_, ok := f.p.Lookup(t.Context(), "orphaned text")
	assert.True(t, ok)
}

// cacheDownStore rejects cache value writes and serves everything else.
type cacheDownStore struct {
	*kvstore.Memory
}

func (cacheDownStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("cache write rejected")
}

func TestPipeline_RecordNotPersistedWithoutCacheWrite(t *testing.T) {
	persister := &fakePersister{}
	p, err := embedpipe.New(embedpipe.Deps{
		Store:     cacheDownStore{kvstore.NewMemory(nil)},
		Embedder:  &fakeEmbedder{},
		Persister: persister,
		Logger:    slog.New(slog.DiscardHandler),
	}, embedpipe.Config{
		Batch:  batch.Config{MaxItems: 1},
		Worker: worker.Config{PollInterval: 2 * time.Millisecond, ScaleInterval: time.Hour},
		Queue: queue.Config{
			MaxAttempts: 2,
			Backoff:     queue.Backoff{Base: 5 * time.Millisecond, Max: 5 * time.Millisecond},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, _, err = p.SubmitJob(t.Context(), "r1", embedpipe.EmbedRequest{Text: "uncacheable", RecordID: "r1"}, queue.SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	var job *queue.Job
	require.Eventually(t, func() bool {
		job, err = p.Job(context.Background(), "r1")
		return err == nil && job.State == queue.StateFailed
	}, 3*time.Second, 2*time.Millisecond)
	assert.Contains(t, job.LastError, "cache write rejected")
	assert.Empty(t, persister.Saved(), "the record is never updated before the cache")
}

func TestPipeline_InvalidateTag(t *testing.T) {
	f := newFixture(t, func(c *embedpipe.Config) { c.Batch.Tags = []string{"model:v1"} })
	f.submit(t, "m1", "tagged text", "alice")
	require.NoError(t, f.p.Start())
	f.waitState(t, "m1", queue.StateCompleted)

	_, ok := f.p.Lookup(t.Context(), "tagged text")
	require.True(t, ok)

	n, err := f.p.InvalidateTag(t.Context(), "model:v1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok = f.p.Lookup(t.Context(), "tagged text")
	assert.False(t, ok)
}

type fakePending []postgres.Row

func (f fakePending) Pending(_ context.Context, limit int) ([]postgres.Row, error) {
	return f[:min(limit, len(f))], nil
}

func TestPipeline_Sweep(t *testing.T) {
	f := newFixture(t, nil)
	src := fakePending{{ID: "1", Text: "one"}, {ID: "2", Text: "two"}, {ID: "3", Text: "three"}}

	n, err := f.p.Sweep(t.Context(), src, 2, queue.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.p.Sweep(t.Context(), src, 3, queue.SubmitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "records with pending jobs are not resubmitted")

	require.NoError(t, f.p.Start())
	f.waitState(t, embedpipe.RecordJobID("3"), queue.StateCompleted)
	require.Eventually(t, func() bool { return len(f.persister.Saved()) == 3 }, time.Second, time.Millisecond)
}

func TestPipeline_StatsAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "m1", "hello", "alice")

	stats, err := f.p.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queue.Waiting)

	require.NoError(t, f.p.Start())
	f.waitState(t, "m1", queue.StateCompleted)

	stats, err = f.p.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queue.Completed)
	assert.Equal(t, int64(1), stats.Batch.Submitted)
	require.Len(t, stats.Breakers, 1)
	assert.Equal(t, "embed", stats.Breakers[0].Name)

	assert.Equal(t, embedpipe.StatusOK, f.p.Health(t.Context()).Status)

	f.p.Breakers().Get("embed").ForceOpen()
	assert.Equal(t, embedpipe.StatusDegraded, f.p.Health(t.Context()).Status)

	f.store.Close()
	h := f.p.Health(t.Context())
	assert.Equal(t, embedpipe.StatusDown, h.Status)
	assert.NotEmpty(t, h.StoreError)
}
