package registry

import (
	"sync"
	"time"

	"marketarbiter/internal/logger"
	"marketarbiter/internal/metrics"
	"marketarbiter/internal/provider"
)

// Options tunes health tracking and the circuit breaker.
type Options struct {
	// Alpha is the EMA weight of the newest sample; higher reacts faster.
	Alpha float64
	// FailureThreshold opens the circuit once consecutive failures exceed it.
	FailureThreshold int
	// Cooldown keeps an open circuit closed to traffic before a probe is allowed.
	Cooldown time.Duration
	// LatencyCeiling seeds the cold-start latency prior at half its value.
	LatencyCeiling time.Duration
	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Alpha:            0.1,
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		LatencyCeiling:   5 * time.Second,
	}
}

type entry struct {
	mu     sync.Mutex
	order  int
	src    provider.Source
	caps   map[provider.DataType]struct{}
	health Health
}

// Registry tracks provider adapters, their capabilities and live health.
// It is the only writer of Health.
type Registry struct {
	opts    Options
	log     *logger.Entry
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func New(opts Options, log *logger.Log, m *metrics.Metrics) *Registry {
	def := DefaultOptions()
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = def.Cooldown
	}
	if opts.LatencyCeiling <= 0 {
		opts.LatencyCeiling = def.LatencyCeiling
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:    opts,
		log:     logger.OrDiscard(log).WithComponent("registry"),
		metrics: m,
		entries: make(map[string]*entry),
	}
}

// Register adds src under src.Name(). Re-registering replaces the adapter and
// capability set and keeps health stats and registration order.
func (r *Registry) Register(src provider.Source, caps ...provider.DataType) {
	id := src.Name()
	set := make(map[provider.DataType]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.mu.Lock()
		e.src = src
		e.caps = set
		e.mu.Unlock()
		return
	}
	r.entries[id] = &entry{
		order:  len(r.order),
		src:    src,
		caps:   set,
		health: newHealth(r.opts.LatencyCeiling),
	}
	r.order = append(r.order, id)
}

// ListEligible returns registered providers serving dataType whose circuit
// admits calls, in registration order.
func (r *Registry) ListEligible(dataType provider.DataType) []string {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		e.mu.Lock()
		_, capable := e.caps[dataType]
		open := e.health.Circuit.Open(now, r.opts.Cooldown)
		e.mu.Unlock()
		if capable && !open {
			out = append(out, id)
		}
	}
	return out
}

// RecordOutcome folds one call result into the provider's health.
// Unknown ids are logged and ignored.
func (r *Registry) RecordOutcome(id string, success bool, latency time.Duration, at time.Time) {
	e := r.lookup(id)
	if e == nil {
		r.log.WithFields(logger.Fields{"provider": id, "success": success}).Warn("outcome for unknown provider ignored")
		return
	}

	e.mu.Lock()
	h := &e.health
	ms := float64(latency) / float64(time.Millisecond)
	a := r.opts.Alpha
	h.SampleCount++
	h.TotalLatencyMs += ms
	h.AvgLatencyMs = ema(h.AvgLatencyMs, ms, a)

	var opened, closed bool
	if success {
		h.SuccessCount++
		h.LastSuccessAt = at
		h.ConsecutiveFailures = 0
		h.SuccessRate = clamp01(ema(h.SuccessRate, 1, a))
		if h.Circuit.State == Unhealthy {
			h.Circuit = Circuit{State: Healthy}
			closed = true
		}
	} else {
		h.FailureCount++
		h.LastFailureAt = at
		h.ConsecutiveFailures++
		h.SuccessRate = clamp01(ema(h.SuccessRate, 0, a))
		switch {
		case h.Circuit.State == Unhealthy && !h.Circuit.Open(at, r.opts.Cooldown):
			// failed probe after cooldown
			h.Circuit.Since = at
			opened = true
		case h.Circuit.State == Healthy && h.ConsecutiveFailures > r.opts.FailureThreshold:
			h.Circuit = Circuit{State: Unhealthy, Since: at}
			opened = true
		}
	}
	consecutive := h.ConsecutiveFailures
	e.mu.Unlock()

	if opened {
		r.metrics.CircuitOpen(id, true)
		r.log.WithFields(logger.Fields{"provider": id, "consecutive_failures": consecutive}).Warn("circuit opened")
	}
	if closed {
		r.metrics.CircuitOpen(id, false)
		r.log.WithFields(logger.Fields{"provider": id}).Info("circuit closed")
	}
}

// ObserveResponse tracks the data age and field completeness of a successful response.
func (r *Registry) ObserveResponse(id string, age time.Duration, completeness float64) {
	e := r.lookup(id)
	if e == nil {
		r.log.WithFields(logger.Fields{"provider": id}).Warn("response for unknown provider ignored")
		return
	}
	if age < 0 {
		age = 0
	}
	e.mu.Lock()
	h := &e.health
	sec := age.Seconds()
	completeness = clamp01(completeness)
	if h.ResponseSamples == 0 {
		h.AvgAgeSeconds = sec
		h.Completeness = completeness
	} else {
		h.AvgAgeSeconds = ema(h.AvgAgeSeconds, sec, r.opts.Alpha)
		h.Completeness = ema(h.Completeness, completeness, r.opts.Alpha)
	}
	h.ResponseSamples++
	e.mu.Unlock()
}

// Health returns a copy of the provider's health.
func (r *Registry) Health(id string) (Health, bool) {
	e := r.lookup(id)
	if e == nil {
		return Health{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, true
}

// Snapshot returns a copy of every provider's health.
func (r *Registry) Snapshot() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.entries))
	for id, e := range r.entries {
		e.mu.Lock()
		out[id] = e.health
		e.mu.Unlock()
	}
	return out
}

// Source returns the adapter registered under id.
func (r *Registry) Source(id string) (provider.Source, bool) {
	e := r.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src, true
}

// Order returns the registration index of id, or -1 when unknown.
func (r *Registry) Order(id string) int {
	e := r.lookup(id)
	if e == nil {
		return -1
	}
	return e.order
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}
