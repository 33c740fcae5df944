// Package cache coordinates a fast L1 store with a durable L2 store.
package cache

//go:generate mockgen -package=cache_test -destination=mock_store_test.go -source=cache.go Store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"marketarbiter/internal/provider"
)

// ErrMiss is returned by a Store when the key holds no live entry.
var ErrMiss = errors.New("cache miss")

// Entry is one cached arbitration result.
type Entry struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	// FetchedAt is when the upstream data was produced. Zero means CreatedAt.
	FetchedAt  time.Time       `json:"fetched_at,omitzero"`
	TTL        time.Duration   `json:"ttl"`
	Sources    []string        `json:"sources"`
	Confidence float64         `json:"confidence"`
}

// Key builds the cache key shared by both tiers: {data_type}:{symbol}:{market}.
func Key(dataType provider.DataType, asset provider.Asset) string {
	a := asset.Normalize()
	return strings.ToLower(string(dataType)) + ":" + a.Symbol + ":" + a.Market
}

func (e Entry) ExpiresAt() time.Time { return e.CreatedAt.Add(e.TTL) }

// Remaining is the TTL left at now; zero or negative means expired.
func (e Entry) Remaining(now time.Time) time.Duration { return e.ExpiresAt().Sub(now) }

// DataTime is the timestamp the entry's age is measured from.
func (e Entry) DataTime() time.Time {
	if e.FetchedAt.IsZero() || e.FetchedAt.After(e.CreatedAt) {
		return e.CreatedAt
	}
	return e.FetchedAt
}

// Fresh reports whether e is within its TTL and, when maxAge > 0, its data is
// no older than maxAge.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	if e.Remaining(now) <= 0 {
		return false
	}
	return maxAge <= 0 || now.Sub(e.DataTime()) <= maxAge
}

// Source returns the primary provider of the entry.
func (e Entry) Source() string {
	if len(e.Sources) == 0 {
		return ""
	}
	return e.Sources[0]
}

// Store is one cache tier. Implementations are safe for concurrent use and
// keep the entry with the latest CreatedAt when writes race.
type Store interface {
	// Get returns the live entry for key or ErrMiss.
	Get(ctx context.Context, key string) (Entry, error)
	// Set stores e and keeps it physically for retention.
	Set(ctx context.Context, e Entry, retention time.Duration) error
	// Delete removes every live entry for key.
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores that drop entries past their retention on demand.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int64, error)
}
