package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_DefaultHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "marketarbiter/1.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "override", r.Header.Get("Accept"))
		_, _ = w.Write([]byte(`{"price": 12.345678901234567890}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	c.Headers = map[string]string{"X-Api-Key": "k", "Accept": "application/json"}
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "override")

	resp, err := c.Do(req)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, DecodeJSON(resp, &out))
	require.Equal(t, json.Number("12.345678901234567890"), out["price"])
}

func TestDecodeJSON_StatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	resp, err := New(time.Second).Do(mustGet(t, srv.URL+"/q?token=secret"))
	require.NoError(t, err)

	err = DecodeJSON(resp, &map[string]any{})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusTooManyRequests, se.Code)
	require.True(t, se.Temporary())
	require.Contains(t, se.Body, "slow down")
	require.Equal(t, http.MethodGet, se.Method)
}

func mustGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestClient_RequestContextIsTheOnlyBound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(0)
	require.Zero(t, c.HTTP.Timeout)
	require.Zero(t, c.HTTP.Transport.(*http.Transport).ResponseHeaderTimeout)

	// A slow upstream answers within a generous per-call deadline.
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, DecodeJSON(resp, &out))
	require.Equal(t, true, out["ok"])

	// A tighter deadline cuts the same call short.
	short, cancelShort := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancelShort()
	req, err = http.NewRequestWithContext(short, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
