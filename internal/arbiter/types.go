package arbiter

import (
	"fmt"
	"time"

	"marketarbiter/internal/aggregate"
	"marketarbiter/internal/cache"
	"marketarbiter/internal/provider"
	"marketarbiter/internal/scoring"
)

// MergeStrategy selects how successful responses become a result.
type MergeStrategy string

const (
	FirstSuccess  MergeStrategy = "first_success"
	WeightedMerge MergeStrategy = "weighted_merge"
)

// Request asks for one data type of one asset.
type Request struct {
	Asset    provider.Asset
	DataType provider.DataType
	// MaxAge rejects cached entries older than this; zero accepts any live entry.
	MaxAge time.Duration
	// RequireProviders restricts the call to these providers when non-empty.
	RequireProviders []string
	MergeStrategy    MergeStrategy
	// Fields lists the fields the caller needs; empty means all.
	Fields []string
}

func (r Request) validate() error {
	if r.Asset.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
	}
	if r.DataType == "" {
		return fmt.Errorf("%w: empty data type", ErrInvalidRequest)
	}
	if r.MaxAge < 0 {
		return fmt.Errorf("%w: negative max age", ErrInvalidRequest)
	}
	switch r.MergeStrategy {
	case "", FirstSuccess, WeightedMerge:
	default:
		return fmt.Errorf("%w: unknown merge strategy %q", ErrInvalidRequest, r.MergeStrategy)
	}
	return nil
}

// Attempt outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeTimeout   = "timeout"
	// OutcomeThrottled is a call refused by the local rate limiter.
	OutcomeThrottled = "throttled"
)

// Attempt records one provider call.
type Attempt struct {
	Provider  string  `json:"provider"`
	Outcome   string  `json:"outcome"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
	Score     float64 `json:"score"`
}

// Lineage explains how a result was produced.
type Lineage struct {
	RequestID      string               `json:"request_id"`
	ProvidersTried []Attempt            `json:"providers_tried"`
	Scores         []scoring.Score      `json:"scores"`
	Conflicts      []aggregate.Conflict `json:"conflicts,omitempty"`
	TTL            time.Duration        `json:"ttl"`
	Invalidated    bool                 `json:"invalidated,omitempty"`
}

// Result is returned by Arbitrate and is never mutated afterwards.
type Result struct {
	Data       map[string]any `json:"data"`
	Sources    []string       `json:"sources"`
	Confidence float64        `json:"confidence"`
	CacheHit   bool           `json:"cache_hit"`
	CacheTier  cache.Tier     `json:"cache_tier,omitempty"`
	FetchedAt  time.Time      `json:"fetched_at"`
	Lineage    Lineage        `json:"lineage"`
}
