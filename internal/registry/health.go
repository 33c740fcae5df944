package registry

import (
	"math"
	"time"
)

// CircuitState is the breaker state of one provider.
type CircuitState int

const (
	Healthy CircuitState = iota
	Unhealthy
)

func (s CircuitState) String() string {
	if s == Unhealthy {
		return "unhealthy"
	}
	return "healthy"
}

func (s CircuitState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Circuit is Healthy, or Unhealthy since a point in time.
type Circuit struct {
	State CircuitState `json:"state"`
	Since time.Time    `json:"since,omitempty"`
}

// Open reports whether calls are blocked at now for the given cooldown.
// An Unhealthy circuit past its cooldown admits probe calls.
func (c Circuit) Open(now time.Time, cooldown time.Duration) bool {
	return c.State == Unhealthy && now.Sub(c.Since) < cooldown
}

// Health is a snapshot of one provider's rolling statistics.
// SuccessRate and AvgLatencyMs are exponential moving averages seeded with a
// neutral prior; the counters are lifetime totals.
type Health struct {
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	TotalLatencyMs      float64   `json:"total_latency_ms"`
	SampleCount         int64     `json:"sample_count"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`

	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`

	// Response characteristics, tracked only on successful calls.
	ResponseSamples int64   `json:"response_samples"`
	AvgAgeSeconds   float64 `json:"avg_age_seconds"`
	Completeness    float64 `json:"completeness"`

	Circuit Circuit `json:"circuit"`
}

// NeutralSuccessRate is the cold-start prior for a provider with no samples.
const NeutralSuccessRate = 0.5

func newHealth(latencyCeiling time.Duration) Health {
	return Health{
		SuccessRate:  NeutralSuccessRate,
		AvgLatencyMs: float64(latencyCeiling.Milliseconds()) / 2,
		Completeness: 1,
	}
}

// Valid reports whether the EMA fields are usable by scoring.
func (h Health) Valid() bool {
	if math.IsNaN(h.SuccessRate) || h.SuccessRate < 0 || h.SuccessRate > 1 {
		return false
	}
	if math.IsNaN(h.AvgLatencyMs) || math.IsInf(h.AvgLatencyMs, 0) || h.AvgLatencyMs < 0 {
		return false
	}
	if h.ResponseSamples > 0 && (math.IsNaN(h.AvgAgeSeconds) || h.AvgAgeSeconds < 0 || math.IsNaN(h.Completeness)) {
		return false
	}
	return true
}

func ema(prev, sample, alpha float64) float64 {
	return prev*(1-alpha) + sample*alpha
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
