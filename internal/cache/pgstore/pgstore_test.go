package pgstore_test

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"marketarbiter/internal/cache"
	"marketarbiter/internal/cache/pgstore"
)

// newStore connects to MARKETARBITER_PG_DSN or skips.
func newStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("MARKETARBITER_PG_DSN")
	if dsn == "" {
		t.Skip("MARKETARBITER_PG_DSN not set")
	}
	pool, err := pgstore.Connect(t.Context(), dsn, 2)
	require.NoError(t, err)
	s := pgstore.New(pool)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(t.Context()))
	return s
}

func TestStore_LatestRowWinsAndHistoryIsKept(t *testing.T) {
	s := newStore(t)
	key := "price:TEST-" + uuid.NewString() + ":XNYS"
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	newer := cache.Entry{Key: key, Value: []byte(`{"price":2}`), CreatedAt: t0, TTL: time.Minute, Sources: []string{"a"}, Confidence: 0.7}
	older := cache.Entry{Key: key, Value: []byte(`{"price":1}`), CreatedAt: t0.Add(-time.Second), TTL: time.Minute, Sources: []string{"b"}}

	require.NoError(t, s.Set(t.Context(), newer, time.Hour))
	require.NoError(t, s.Set(t.Context(), older, time.Hour))

	got, err := s.Get(t.Context(), key)
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(t0))
	require.Equal(t, time.Minute, got.TTL)
	require.Equal(t, []string{"a"}, got.Sources)
	require.JSONEq(t, `{"price":2}`, string(got.Value))

	hist, err := s.History(t.Context(), key, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.JSONEq(t, `{"price":1}`, string(hist[0].Entry.Value))
}

func TestStore_DeleteInvalidatesButKeepsHistory(t *testing.T) {
	s := newStore(t)
	key := "quote:TEST-" + uuid.NewString() + ":XNYS"
	t0 := time.Now().UTC()

	require.NoError(t, s.Set(t.Context(), cache.Entry{Key: key, Value: []byte(`1`), CreatedAt: t0, TTL: time.Minute}, time.Hour))
	require.NoError(t, s.Delete(t.Context(), key))

	_, err := s.Get(t.Context(), key)
	require.ErrorIs(t, err, cache.ErrMiss)

	hist, err := s.History(t.Context(), key, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.True(t, hist[0].Invalidated)
}

func TestStore_PurgeDropsExpiredRetention(t *testing.T) {
	s := newStore(t)
	key := "ohlcv:TEST-" + uuid.NewString() + ":XNYS"
	t0 := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, s.Set(t.Context(), cache.Entry{Key: key, Value: []byte(`1`), CreatedAt: t0, TTL: time.Minute}, time.Hour))

	n, err := s.Purge(t.Context(), time.Now())
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))

	hist, err := s.History(t.Context(), key, t0.Add(-time.Minute), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Empty(t, hist)
}
