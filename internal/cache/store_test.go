package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFreshHitSkipsFetch(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, 5*time.Second)
	fetch, calls := countingFetch("OLD")

	got, err := store.Get(context.Background(), "a", fetch)
	require.NoError(t, err)
	assert.Equal(t, "OLD", got)

	clock.Advance(4 * time.Second)
	got, err = store.Get(context.Background(), "a", fetch)
	require.NoError(t, err)
	assert.Equal(t, "OLD", got)
	assert.EqualValues(t, 1, calls.Load())

	clock.Advance(2 * time.Second)
	_, err = store.Get(context.Background(), "a", fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "an expired entry is fetched exactly once")
}

func TestStoreSingleFlight(t *testing.T) {
	store := newTestStore(t, newFakeClock(), time.Hour)
	var calls atomic.Int32
	fetch := func(ctx context.Context) (string, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return "shared", nil
	}

	const callers = 16
	start := make(chan struct{})
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			value, err := store.Get(context.Background(), "k", fetch)
			assert.NoError(t, err)
			results[i] = value
		}(i)
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for _, value := range results {
		assert.Equal(t, "shared", value)
	}
	assert.Equal(t, 0, store.locks.len(), "key locks are released after use")
}

func TestStoreDistinctKeysDoNotBlock(t *testing.T) {
	store := newTestStore(t, newFakeClock(), time.Hour)
	release := make(chan struct{})
	slowStarted := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = store.Get(context.Background(), "slow", func(ctx context.Context) (string, error) {
			close(slowStarted)
			<-release
			return "slow", nil
		})
	}()
	<-slowStarted

	finished := make(chan string, 1)
	go func() {
		value, _ := store.Get(context.Background(), "fast", func(ctx context.Context) (string, error) {
			return "fast", nil
		})
		finished <- value
	}()

	select {
	case value := <-finished:
		assert.Equal(t, "fast", value)
	case <-time.After(time.Second):
		t.Fatalf("fetch for an unrelated key blocked behind a slow key")
	}
	close(release)
	<-done
}

func TestStoreServesStaleOnFailureAndRetries(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, 5*time.Second)
	_, err := store.Get(context.Background(), "a", constFetch("v1"))
	require.NoError(t, err)
	before, _ := store.Peek("a")

	clock.Advance(6 * time.Second)
	boom := errors.New("upstream down")
	var calls atomic.Int32
	failing := func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", boom
	}

	got, err := store.Get(context.Background(), "a", failing)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)

	after, _ := store.Peek("a")
	assert.Equal(t, before.RefreshedAt, after.RefreshedAt, "a failed refresh keeps the refresh timestamp")

	got, err = store.Get(context.Background(), "a", failing)
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.EqualValues(t, 2, calls.Load(), "the next call retries instead of waiting out a new TTL")
}

func TestStoreNoValueSurfacesError(t *testing.T) {
	store := newTestStore(t, newFakeClock(), time.Hour)
	boom := errors.New("connection refused")

	_, err := store.Get(context.Background(), "missing", func(ctx context.Context) (string, error) {
		return "", boom
	})

	var noValue *NoCachedValueError
	require.ErrorAs(t, err, &noValue)
	assert.Equal(t, "missing", noValue.Key)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestStoreWaitersReuseFailedAttempt(t *testing.T) {
	store := newTestStore(t, newFakeClock(), time.Hour)
	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32
	boom := errors.New("timeout")
	fetch := func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "", boom
	}

	errs := make(chan error, 4)
	go func() {
		_, err := store.Get(context.Background(), "k", fetch)
		errs <- err
	}()
	<-started
	for i := 0; i < 3; i++ {
		go func() {
			_, err := store.Get(context.Background(), "k", fetch)
			errs <- err
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < 4; i++ {
		err := <-errs
		assert.ErrorIs(t, err, boom)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestStoreForceRefresh(t *testing.T) {
	store := newTestStore(t, newFakeClock(), time.Hour)
	fetch, calls := countingFetch("v")

	_, err := store.Get(context.Background(), "a", fetch)
	require.NoError(t, err)
	_, err = store.GetWithTTL(context.Background(), "a", ForceRefresh, fetch)
	require.NoError(t, err)
	_, err = store.GetWithTTL(context.Background(), "a", 0, fetch)
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
}

func TestStoreRefreshKeepsValueOnError(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, time.Hour)
	_, err := store.Get(context.Background(), "a", constFetch("v1"))
	require.NoError(t, err)
	before, _ := store.Peek("a")

	clock.Advance(time.Minute)
	boom := errors.New("503")
	err = store.Refresh(context.Background(), "a", func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	after, ok := store.Peek("a")
	require.True(t, ok)
	assert.Equal(t, "v1", after.Value)
	assert.Equal(t, before.RefreshedAt, after.RefreshedAt)

	require.NoError(t, store.Refresh(context.Background(), "a", constFetch("v2")))
	after, _ = store.Peek("a")
	assert.Equal(t, "v2", after.Value)
	assert.Equal(t, clock.Now(), after.RefreshedAt)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
}

func TestStoreReplace(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, time.Hour)
	_, err := store.Get(context.Background(), "a", constFetch("raw"))
	require.NoError(t, err)
	before, _ := store.Peek("a")

	clock.Advance(time.Minute)
	got, err := store.Replace("a", func(v string) (string, error) { return "parsed:" + v, nil })
	require.NoError(t, err)
	assert.Equal(t, "parsed:raw", got)

	after, _ := store.Peek("a")
	assert.Equal(t, "parsed:raw", after.Value)
	assert.Equal(t, before.RefreshedAt, after.RefreshedAt)
	assert.Equal(t, before.Digest, after.Digest)

	parseErr := errors.New("bad xml")
	_, err = store.Replace("a", func(v string) (string, error) { return "", parseErr })
	assert.ErrorIs(t, err, parseErr)
	after, _ = store.Peek("a")
	assert.Equal(t, "parsed:raw", after.Value)

	_, err = store.Replace("missing", func(v string) (string, error) { return v, nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreEvictsLeastRecentlyAccessed(t *testing.T) {
	clock := newFakeClock()
	store := New(Options[string]{TTL: time.Hour, MaxEntries: 2, Now: clock.Now})

	for _, key := range []string{"a", "b"} {
		_, err := store.Get(context.Background(), key, constFetch(key))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := store.Get(context.Background(), "a", constFetch("unused"))
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = store.Get(context.Background(), "c", constFetch("c"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, store.Keys())
	assert.Equal(t, 2, store.Len())
}

func TestStoreFlush(t *testing.T) {
	store := newTestStore(t, newFakeClock(), time.Hour)
	fetch, calls := countingFetch("v")
	for i := 0; i < 3; i++ {
		_, err := store.Get(context.Background(), fmt.Sprintf("k%d", i), fetch)
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.Len())

	store.Flush()
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, store.Entries())

	_, err := store.Get(context.Background(), "k0", fetch)
	require.NoError(t, err)
	assert.EqualValues(t, 4, calls.Load())
}

func TestStoreDigest(t *testing.T) {
	store := New(Options[string]{
		TTL:    time.Hour,
		Digest: func(v string) string { return "d:" + v },
	})
	_, err := store.Get(context.Background(), "a", constFetch("x"))
	require.NoError(t, err)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "d:x", entries[0].Digest)
	assert.Equal(t, "a", entries[0].Key)
}

func TestStoreReturnsFetchedValueWhenEntryRemovedConcurrently(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	store := New(Options[string]{TTL: time.Hour, Logger: logger})
	// 插入完成后立即删除条目，模拟并发的淘汰或 Flush。
	logger.AddHook(&removeOnInsert[string]{store: store, key: "a"})

	got, err := store.Get(context.Background(), "a", constFetch("fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, 0, store.Len())
}

type removeOnInsert[V any] struct {
	store *Store[V]
	key   string
}

func (h *removeOnInsert[V]) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *removeOnInsert[V]) Fire(entry *logrus.Entry) error {
	if entry.Data["action"] == "cache_insert" && entry.Data["key"] == h.key {
		if _, loaded := h.store.entries.LoadAndDelete(h.key); loaded {
			h.store.size.Add(-1)
		}
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, clock *fakeClock, ttl time.Duration) *Store[string] {
	t.Helper()
	return New(Options[string]{TTL: ttl, Now: clock.Now})
}

func constFetch(value string) FetchFunc[string] {
	return func(ctx context.Context) (string, error) {
		return value, nil
	}
}

func countingFetch(value string) (FetchFunc[string], *atomic.Int32) {
	calls := &atomic.Int32{}
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		return value, nil
	}, calls
}
