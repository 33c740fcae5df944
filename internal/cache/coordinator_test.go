package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"marketarbiter/internal/cache"
	"marketarbiter/internal/cache/memory"
	"marketarbiter/internal/provider"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock { return &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)} }

func newMemory(t *testing.T, c *clock, max int) *memory.Store {
	t.Helper()
	s, err := memory.New(max, memory.WithClock(c.Now))
	require.NoError(t, err)
	return s
}

func newCoordinator(t *testing.T, l1, l2 cache.Store, c *clock, opts cache.Options) *cache.Coordinator {
	t.Helper()
	opts.Now = c.Now
	co, err := cache.NewCoordinator(l1, l2, opts, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = co.Close(context.Background()) })
	return co
}

func entry(key string, c *clock, ttl time.Duration) cache.Entry {
	return cache.Entry{Key: key, Value: []byte(`{"price":"1"}`), CreatedAt: c.Now(), TTL: ttl, Sources: []string{"alpha"}, Confidence: 0.9}
}

func TestKey(t *testing.T) {
	t.Parallel()

	key := cache.Key(provider.Price, provider.Asset{Symbol: " aapl", Type: provider.Equity, Market: "nasdaq"})
	require.Equal(t, "price:AAPL:NASDAQ", key)
}

func TestCoordinator_PutThenL1Hit(t *testing.T) {
	t.Parallel()

	// Arrange
	c := newClock()
	l1, l2 := newMemory(t, c, 10), newMemory(t, c, 0)
	co := newCoordinator(t, l1, l2, c, cache.Options{})
	e := entry("price:AAPL:NASDAQ", c, 5*time.Minute)

	// Act
	co.Put(t.Context(), e)
	got, tier, ok := co.Get(t.Context(), e.Key, 0)

	// Assert
	require.True(t, ok)
	require.Equal(t, cache.TierL1, tier)
	require.Equal(t, e.Key, got.Key)
	require.Equal(t, "alpha", got.Source())

	require.NoError(t, co.Close(t.Context()))
	stored, err := l2.Get(t.Context(), e.Key)
	require.NoError(t, err)
	require.True(t, stored.CreatedAt.Equal(e.CreatedAt))

	st := co.Stats()
	require.InDelta(t, 1.0, st.L1HitRate, 1e-9)
	require.EqualValues(t, 1, st.L1Lookups)
	require.EqualValues(t, 0, st.L2Lookups)
	require.EqualValues(t, 1, st.L2WritesDone)
}

func TestCoordinator_ExpiredEntryIsNeverServed(t *testing.T) {
	t.Parallel()

	c := newClock()
	l1, l2 := newMemory(t, c, 10), newMemory(t, c, 0)
	co := newCoordinator(t, l1, l2, c, cache.Options{})
	e := entry("price:AAPL:NASDAQ", c, 5*time.Second)

	co.Put(t.Context(), e)
	require.NoError(t, co.Close(t.Context()))

	// L2 retention is 24h but the logical TTL is 5s.
	c.Advance(5 * time.Second)
	_, tier, ok := co.Get(t.Context(), e.Key, 0)
	require.False(t, ok)
	require.Equal(t, cache.TierNone, tier)

	_, err := l2.Get(t.Context(), e.Key)
	require.NoError(t, err)
}

func TestCoordinator_MaxAgeRejectsOlderEntry(t *testing.T) {
	t.Parallel()

	c := newClock()
	co := newCoordinator(t, newMemory(t, c, 10), newMemory(t, c, 0), c, cache.Options{})
	e := entry("quote:EURUSD:FX", c, 10*time.Minute)
	co.Put(t.Context(), e)

	c.Advance(30 * time.Second)
	_, _, ok := co.Get(t.Context(), e.Key, 10*time.Second)
	require.False(t, ok)

	_, _, ok = co.Get(t.Context(), e.Key, time.Minute)
	require.True(t, ok)
}

func TestEntry_FreshMeasuresAgeFromFetchedAt(t *testing.T) {
	t.Parallel()

	c := newClock()
	e := entry("price:AAPL:NASDAQ", c, 5*time.Minute)
	e.FetchedAt = c.Now().Add(-3 * time.Minute)

	require.Equal(t, e.FetchedAt, e.DataTime())
	require.True(t, e.Fresh(c.Now(), 0))
	require.True(t, e.Fresh(c.Now(), 4*time.Minute))
	require.False(t, e.Fresh(c.Now(), time.Minute))

	// A timestamp from the future falls back to the write time.
	e.FetchedAt = c.Now().Add(time.Hour)
	require.Equal(t, e.CreatedAt, e.DataTime())
}

func TestCoordinator_L2HitIsPromotedWithRemainingTTL(t *testing.T) {
	t.Parallel()

	// Arrange: the entry only exists in L2.
	c := newClock()
	l1, l2 := newMemory(t, c, 10), newMemory(t, c, 0)
	co := newCoordinator(t, l1, l2, c, cache.Options{})
	e := entry("ohlcv:MSFT:NASDAQ", c, time.Minute)
	require.NoError(t, l2.Set(t.Context(), e, 24*time.Hour))
	c.Advance(20 * time.Second)

	// Act
	_, tier, ok := co.Get(t.Context(), e.Key, 0)

	// Assert: served from L2 and now present in L1 until the original expiry.
	require.True(t, ok)
	require.Equal(t, cache.TierL2, tier)

	_, tier, ok = co.Get(t.Context(), e.Key, 0)
	require.True(t, ok)
	require.Equal(t, cache.TierL1, tier)

	c.Advance(40 * time.Second)
	_, err := l1.Get(t.Context(), e.Key)
	require.ErrorIs(t, err, cache.ErrMiss)

	st := co.Stats()
	require.InDelta(t, 0.5, st.L1HitRate, 1e-9)
	require.InDelta(t, 1.0, st.L2HitRate, 1e-9)
}

func TestCoordinator_BackendErrorCountsAsMiss(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	c := newClock()
	l1 := NewMockStore(ctrl)
	l1.EXPECT().Get(gomock.Any(), "k").Return(cache.Entry{}, errors.New("connection refused")).Times(1)

	co := newCoordinator(t, l1, newMemory(t, c, 0), c, cache.Options{})

	_, _, ok := co.Get(t.Context(), "k", 0)
	require.False(t, ok)
}

func TestCoordinator_FullQueueDropsL2Write(t *testing.T) {
	t.Parallel()

	// Arrange: one worker, one queue slot, and an L2 that blocks until released.
	ctrl := gomock.NewController(t)
	c := newClock()
	l2 := NewMockStore(ctrl)
	started := make(chan struct{})
	release := make(chan struct{})
	l2.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e cache.Entry, _ time.Duration) error {
			if e.Key == "a" {
				close(started)
				<-release
			}
			return nil
		}).Times(2)

	co := newCoordinator(t, newMemory(t, c, 10), l2, c, cache.Options{Workers: 1, QueueSize: 1})

	// Act
	co.Put(t.Context(), entry("a", c, time.Minute))
	<-started
	co.Put(t.Context(), entry("b", c, time.Minute))
	co.Put(t.Context(), entry("c", c, time.Minute))

	// Assert: c was dropped but still written to L1.
	require.EqualValues(t, 1, co.Stats().L2WritesDrop)
	_, tier, ok := co.Get(t.Context(), "c", 0)
	require.True(t, ok)
	require.Equal(t, cache.TierL1, tier)

	close(release)
	require.NoError(t, co.Close(t.Context()))
	require.EqualValues(t, 2, co.Stats().L2WritesDone)
}

func TestCoordinator_InvalidateDiscardsQueuedOlderWrite(t *testing.T) {
	t.Parallel()

	// Arrange: the worker is busy, so the write for k is still queued.
	ctrl := gomock.NewController(t)
	c := newClock()
	l2 := NewMockStore(ctrl)
	started := make(chan struct{})
	release := make(chan struct{})
	l2.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, e cache.Entry, _ time.Duration) error {
			if e.Key != "busy" {
				t.Errorf("unexpected L2 write for %s", e.Key)
				return nil
			}
			close(started)
			<-release
			return nil
		}).Times(1)
	l2.EXPECT().Delete(gomock.Any(), "k").Return(nil).Times(1)
	l2.EXPECT().Get(gomock.Any(), "k").Return(cache.Entry{}, cache.ErrMiss).Times(1)

	co := newCoordinator(t, newMemory(t, c, 10), l2, c, cache.Options{Workers: 1, QueueSize: 4})
	co.Put(t.Context(), entry("busy", c, time.Minute))
	<-started
	co.Put(t.Context(), entry("k", c, time.Minute))

	// Act
	c.Advance(time.Second)
	require.NoError(t, co.Invalidate(t.Context(), "k"))
	close(release)
	require.NoError(t, co.Close(t.Context()))

	// Assert: nothing served, and the mock saw no Set for k.
	_, _, ok := co.Get(t.Context(), "k", 0)
	require.False(t, ok)
}

func TestCoordinator_WriteAfterInvalidateSurvives(t *testing.T) {
	t.Parallel()

	c := newClock()
	l1, l2 := newMemory(t, c, 10), newMemory(t, c, 0)
	co := newCoordinator(t, l1, l2, c, cache.Options{})

	co.Put(t.Context(), entry("k", c, time.Minute))
	c.Advance(time.Second)
	require.NoError(t, co.Invalidate(t.Context(), "k"))
	fresh := entry("k", c, time.Minute)
	fresh.Value = []byte(`{"price":"2"}`)
	co.Put(t.Context(), fresh)
	require.NoError(t, co.Close(t.Context()))

	got, err := l2.Get(t.Context(), "k")
	require.NoError(t, err)
	require.JSONEq(t, `{"price":"2"}`, string(got.Value))
}

func TestCoordinator_PurgeReachesPurgers(t *testing.T) {
	t.Parallel()

	c := newClock()
	l2 := newMemory(t, c, 0)
	co := newCoordinator(t, newMemory(t, c, 10), l2, c, cache.Options{L2MinRetention: time.Hour})
	co.Put(t.Context(), entry("k", c, time.Minute))
	require.NoError(t, co.Close(t.Context()))

	c.Advance(2 * time.Hour)
	n, err := co.Purge(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Zero(t, l2.Len())
}

func TestNewCoordinator_RequiresBothTiers(t *testing.T) {
	t.Parallel()

	_, err := cache.NewCoordinator(nil, nil, cache.Options{}, nil, nil)
	require.Error(t, err)
}
