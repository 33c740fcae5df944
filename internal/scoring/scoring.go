package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"marketarbiter/internal/provider"
	"marketarbiter/internal/registry"
)

// Weights are the factor weights of the total score. They must sum to 1.
type Weights struct {
	Freshness    float64 `json:"freshness" yaml:"freshness"`
	Latency      float64 `json:"latency" yaml:"latency"`
	Uptime       float64 `json:"uptime" yaml:"uptime"`
	Completeness float64 `json:"completeness" yaml:"completeness"`
	Reliability  float64 `json:"reliability" yaml:"reliability"`
}

func DefaultWeights() Weights {
	return Weights{Freshness: 0.30, Latency: 0.25, Uptime: 0.20, Completeness: 0.15, Reliability: 0.10}
}

func (w Weights) Sum() float64 {
	return w.Freshness + w.Latency + w.Uptime + w.Completeness + w.Reliability
}

func (w Weights) Validate() error {
	for _, v := range []float64{w.Freshness, w.Latency, w.Uptime, w.Completeness, w.Reliability} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("scoring weights must be non-negative: %+v", w)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1, got %.6f", w.Sum())
	}
	return nil
}

// Params are the tunables shared by every Score call.
type Params struct {
	Weights        Weights
	LatencyCeiling time.Duration
}

func DefaultParams() Params {
	return Params{Weights: DefaultWeights(), LatencyCeiling: 5 * time.Second}
}

// Meta describes the response being scored, or the response expected from a
// provider before it is called.
type Meta struct {
	Age              time.Duration
	MaxAcceptableAge time.Duration
	Completeness     float64
}

// Completeness is present/requested, or 1 when nothing specific was requested.
func Completeness(present, requested int) float64 {
	if requested <= 0 {
		return 1
	}
	return clamp01(float64(present) / float64(requested))
}

// FromResponse builds Meta for an actual response.
func FromResponse(age, maxAcceptableAge time.Duration, present, requested int) Meta {
	return Meta{Age: age, MaxAcceptableAge: maxAcceptableAge, Completeness: Completeness(present, requested)}
}

// Expected builds Meta from the provider's observed history, falling back to a
// neutral half-age prior for providers without response samples.
func Expected(h registry.Health, maxAcceptableAge time.Duration) Meta {
	if h.ResponseSamples == 0 || !h.Valid() {
		return Meta{Age: maxAcceptableAge / 2, MaxAcceptableAge: maxAcceptableAge, Completeness: 1}
	}
	return Meta{
		Age:              time.Duration(h.AvgAgeSeconds * float64(time.Second)),
		MaxAcceptableAge: maxAcceptableAge,
		Completeness:     h.Completeness,
	}
}

// Score is the per-request quality score of one provider.
type Score struct {
	Provider     string  `json:"provider"`
	Freshness    float64 `json:"freshness"`
	Latency      float64 `json:"latency"`
	Uptime       float64 `json:"uptime"`
	Completeness float64 `json:"completeness"`
	Reliability  float64 `json:"reliability"`
	Total        float64 `json:"total"`
}

// Compute scores one provider. It is pure and total: malformed health falls
// back to the cold-start prior instead of failing.
func Compute(id string, h registry.Health, meta Meta, p Params) Score {
	ceiling := p.LatencyCeiling
	if ceiling <= 0 {
		ceiling = DefaultParams().LatencyCeiling
	}
	ceilMs := float64(ceiling) / float64(time.Millisecond)

	successRate, latencyMs := h.SuccessRate, h.AvgLatencyMs
	if h.SampleCount == 0 || !h.Valid() {
		successRate, latencyMs = registry.NeutralSuccessRate, ceilMs/2
	}

	freshness := 1.0
	if meta.MaxAcceptableAge > 0 {
		freshness = clamp01(1 - meta.Age.Seconds()/meta.MaxAcceptableAge.Seconds())
	}
	completeness := meta.Completeness
	if math.IsNaN(completeness) {
		completeness = 1
	}

	s := Score{
		Provider:     id,
		Freshness:    freshness,
		Latency:      clamp01(1 - latencyMs/ceilMs),
		Uptime:       clamp01(successRate),
		Completeness: clamp01(completeness),
		Reliability:  clamp01(successRate),
	}
	w := p.Weights
	s.Total = 100 * (w.Freshness*s.Freshness +
		w.Latency*s.Latency +
		w.Uptime*s.Uptime +
		w.Completeness*s.Completeness +
		w.Reliability*s.Reliability)
	s.Total = math.Max(0, math.Min(100, s.Total))
	return s
}

// Candidate is a scored provider with the fields used to break ties.
type Candidate struct {
	Score        Score
	AvgLatencyMs float64
	Order        int
}

// Rank sorts candidates by total descending, then lower average latency, then
// registration order.
func Rank(cs []Candidate) []Candidate {
	out := make([]Candidate, len(cs))
	copy(out, cs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score.Total != out[j].Score.Total {
			return out[i].Score.Total > out[j].Score.Total
		}
		if out[i].AvgLatencyMs != out[j].AvgLatencyMs {
			return out[i].AvgLatencyMs < out[j].AvgLatencyMs
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// MaxAges maps "data_type" or "data_type:asset_type" to the oldest data still
// considered fully fresh.
type MaxAges map[string]time.Duration

func DefaultMaxAges() MaxAges {
	return MaxAges{
		string(provider.Price):        5 * time.Second,
		string(provider.Quote):        5 * time.Second,
		string(provider.FXRate):       5 * time.Second,
		string(provider.OHLCV):        60 * time.Second,
		string(provider.Fundamentals): 86400 * time.Second,
	}
}

// For resolves the most specific entry, defaulting to one minute.
func (m MaxAges) For(dataType provider.DataType, assetType provider.AssetType) time.Duration {
	if d, ok := m[string(dataType)+":"+string(assetType)]; ok && d > 0 {
		return d
	}
	if d, ok := m[string(dataType)]; ok && d > 0 {
		return d
	}
	return time.Minute
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
