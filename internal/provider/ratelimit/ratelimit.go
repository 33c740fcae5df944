package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"marketarbiter/internal/provider"
)

// Limited wraps a Source and gates calls through a token bucket.
// Waiting counts against the caller's context, so a per-call timeout also
// bounds the time spent queued here. A refused wait is reported as
// provider.ErrThrottled.
type Limited struct {
	P       provider.Source
	Limiter *rate.Limiter
}

func (l *Limited) Name() string { return l.P.Name() }

func (l *Limited) Fetch(ctx context.Context, asset provider.Asset, dataType provider.DataType) (provider.Response, error) {
	if l.Limiter != nil {
		if err := l.Limiter.Wait(ctx); err != nil {
			return provider.Response{}, fmt.Errorf("%w: %w", provider.ErrThrottled, err)
		}
	}
	return l.P.Fetch(ctx, asset, dataType)
}

// Wrap applies the limit implied by the provider settings.
// A positive requests-per-minute wins over a minimum interval; with neither
// set the source is returned unchanged.
func Wrap(p provider.Source, maxRequestsPerMinute, burst int, minInterval time.Duration) provider.Source {
	lim := NewLimiter(maxRequestsPerMinute, burst, minInterval)
	if lim == nil {
		return p
	}
	return &Limited{P: p, Limiter: lim}
}

// NewLimiter builds the limiter for Wrap, or nil when no limit applies.
func NewLimiter(maxRequestsPerMinute, burst int, minInterval time.Duration) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	switch {
	case maxRequestsPerMinute > 0:
		return rate.NewLimiter(rate.Limit(float64(maxRequestsPerMinute)/60.0), burst)
	case minInterval > 0:
		return rate.NewLimiter(rate.Every(minInterval), 1)
	default:
		return nil
	}
}
