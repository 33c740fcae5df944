// Package metrics exposes arbitration and cache collectors:
//
//	marketarbiter_provider_requests_total{provider,outcome}
//	marketarbiter_provider_latency_seconds{provider}
//	marketarbiter_provider_circuit_open{provider}
//	marketarbiter_cache_lookups_total{tier,result}
//	marketarbiter_cache_l2_write_drops_total
//	marketarbiter_arbitrations_total{outcome}
//
// All methods are safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketarbiter"

type Metrics struct {
	providerRequests *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	circuitOpen      *prometheus.GaugeVec
	cacheLookups     *prometheus.CounterVec
	l2Drops          prometheus.Counter
	arbitrations     *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider calls by outcome (success, failure, timeout, throttled).",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11),
		}, []string{"provider"}),
		circuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_open",
			Help:      "1 while the provider circuit breaker is open.",
		}, []string{"provider"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by tier and result (hit, miss, error).",
		}, []string{"tier", "result"}),
		l2Drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_l2_write_drops_total",
			Help:      "L2 write-through jobs dropped because the queue was full.",
		}),
		arbitrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "arbitrations_total",
			Help:      "Arbitration requests by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.providerRequests, m.providerLatency, m.circuitOpen, m.cacheLookups, m.l2Drops, m.arbitrations)
	}
	return m
}

func (m *Metrics) ProviderCall(provider, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, outcome).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

func (m *Metrics) CircuitOpen(provider string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.circuitOpen.WithLabelValues(provider).Set(v)
}

func (m *Metrics) CacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) L2WriteDropped() {
	if m == nil {
		return
	}
	m.l2Drops.Inc()
}

func (m *Metrics) Arbitration(outcome string) {
	if m == nil {
		return
	}
	m.arbitrations.WithLabelValues(outcome).Inc()
}
