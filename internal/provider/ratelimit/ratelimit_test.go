package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketarbiter/internal/provider"
)

type countingSource struct{ calls int }

func (c *countingSource) Name() string { return "counting" }
func (c *countingSource) Fetch(_ context.Context, _ provider.Asset, _ provider.DataType) (provider.Response, error) {
	c.calls++
	return provider.Response{Data: map[string]any{"price": 1.0}}, nil
}

func TestWrap_NoLimitReturnsSource(t *testing.T) {
	src := &countingSource{}
	got := Wrap(src, 0, 0, 0)
	require.Same(t, src, got)
}

func TestWrap_BurstThenBlocksUntilContextDone(t *testing.T) {
	src := &countingSource{}
	p := Wrap(src, 1, 2, 0)
	require.Equal(t, "counting", p.Name())

	asset := provider.Asset{Symbol: "BTC", Type: provider.Crypto}
	for i := 0; i < 2; i++ {
		_, err := p.Fetch(t.Context(), asset, provider.Price)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Fetch(ctx, asset, provider.Price)
	require.ErrorIs(t, err, provider.ErrThrottled)
	require.Equal(t, 2, src.calls)
}

func TestWrap_WaitPastDeadlineIsThrottled(t *testing.T) {
	src := &countingSource{}
	p := Wrap(src, 0, 0, time.Hour)
	asset := provider.Asset{Symbol: "BTC", Type: provider.Crypto}

	_, err := p.Fetch(t.Context(), asset, provider.Price)
	require.NoError(t, err)

	// The next token is an hour away, so the limiter refuses without waiting.
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	start := time.Now()
	_, err = p.Fetch(ctx, asset, provider.Price)
	require.ErrorIs(t, err, provider.ErrThrottled)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 1, src.calls)
}

func TestNewLimiter_MinInterval(t *testing.T) {
	lim := NewLimiter(0, 5, 2*time.Second)
	require.NotNil(t, lim)
	require.Equal(t, 1, lim.Burst())
	require.InDelta(t, 0.5, float64(lim.Limit()), 1e-9)
}
