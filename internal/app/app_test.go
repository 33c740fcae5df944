package app_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketarbiter/internal/app"
	"marketarbiter/internal/arbiter"
	"marketarbiter/internal/cache"
	"marketarbiter/internal/config"
	"marketarbiter/internal/provider"
	"marketarbiter/internal/provider/httpsource"
)

func upstream(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EndToEndWithRedisL1(t *testing.T) {
	t.Parallel()

	// Arrange
	var hits atomic.Int32
	srv := upstream(t, `{"price":"42.5"}`, &hits)
	mr := miniredis.RunT(t)

	cfg := config.Default()
	cfg.Cache.L1 = config.StoreRedis
	cfg.Cache.RedisAddr = mr.Addr()
	cfg.Providers = []config.Provider{{
		Config: httpsource.Config{
			Name:         "alpha",
			URL:          srv.URL + "/{symbol}",
			Capabilities: []provider.DataType{provider.Price},
		},
		Enabled:              true,
		APIKey:               "k",
		MaxRequestsPerMinute: 600,
		Burst:                5,
	}}

	a, err := app.New(t.Context(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	req := arbiter.Request{Asset: provider.Asset{Symbol: "MSFT", Type: provider.Equity, Market: "NASDAQ"}, DataType: provider.Price}

	// Act
	first, err := a.Engine.Arbitrate(t.Context(), req)
	require.NoError(t, err)
	second, err := a.Engine.Arbitrate(t.Context(), req)
	require.NoError(t, err)

	// Assert
	require.Equal(t, "42.5", first.Data["price"])
	require.Equal(t, []string{"alpha"}, first.Sources)
	require.True(t, second.CacheHit)
	require.Equal(t, cache.TierL1, second.CacheTier)
	require.EqualValues(t, 1, hits.Load())
	require.True(t, mr.Exists("marketarbiter:price:MSFT:NASDAQ"))
}

func TestNew_DisabledProvidersAreSkipped(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Providers = []config.Provider{{Config: httpsource.Config{Name: "off", URL: "http://unused"}}}

	a, err := app.New(t.Context(), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.Empty(t, a.Registry.Snapshot())
	_, err = a.Engine.Arbitrate(t.Context(), arbiter.Request{Asset: provider.Asset{Symbol: "X"}, DataType: provider.Price})
	require.ErrorIs(t, err, arbiter.ErrNoProviderAvailable)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Cache.L2 = config.StorePostgres

	_, err := app.New(t.Context(), cfg, nil, nil)
	require.ErrorContains(t, err, "postgres_dsn")
}

func TestNew_RedisUnavailable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := config.Default()
	cfg.Cache.L1 = config.StoreRedis
	cfg.Cache.RedisAddr = addr

	_, err := app.New(t.Context(), cfg, nil, nil)
	require.ErrorContains(t, err, "redis ping")
}
