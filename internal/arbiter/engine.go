// Package arbiter answers market-data requests from cache or from the best
// available providers, with fallback and optional weighted merging.
package arbiter

//go:generate mockgen -package=arbiter_test -destination=mock_source_test.go marketarbiter/internal/provider Source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"marketarbiter/internal/aggregate"
	"marketarbiter/internal/cache"
	"marketarbiter/internal/logger"
	"marketarbiter/internal/metrics"
	"marketarbiter/internal/provider"
	"marketarbiter/internal/registry"
	"marketarbiter/internal/scoring"
)

var errEmptyResponse = errors.New("empty response")

// Options tunes the engine.
type Options struct {
	// Timeout bounds a single provider call.
	Timeout time.Duration
	// Timeouts overrides Timeout per data type.
	Timeouts map[provider.DataType]time.Duration
	// Fanout is the number of successful responses a weighted merge aims for.
	Fanout            int
	ConflictTolerance float64
	Scoring           scoring.Params
	MaxAges           scoring.MaxAges
	TTL               TTLOptions
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Timeout:           10 * time.Second,
		Fanout:            3,
		ConflictTolerance: aggregate.DefaultConflictTolerance,
		Scoring:           scoring.DefaultParams(),
		MaxAges:           scoring.DefaultMaxAges(),
		TTL:               DefaultTTLOptions(),
	}
}

// Engine runs arbitrations. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	reg     *registry.Registry
	cache   *cache.Coordinator
	ttl     *TTLPolicy
	opts    Options
	log     *logger.Entry
	metrics *metrics.Metrics
}

func New(reg *registry.Registry, coord *cache.Coordinator, opts Options, log *logger.Log, m *metrics.Metrics) (*Engine, error) {
	if reg == nil || coord == nil {
		return nil, errors.New("arbiter: registry and cache coordinator are required")
	}
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Fanout <= 0 {
		opts.Fanout = def.Fanout
	}
	if opts.ConflictTolerance <= 0 {
		opts.ConflictTolerance = def.ConflictTolerance
	}
	if opts.Scoring.Weights == (scoring.Weights{}) {
		opts.Scoring.Weights = def.Scoring.Weights
	}
	if err := opts.Scoring.Weights.Validate(); err != nil {
		return nil, err
	}
	if opts.Scoring.LatencyCeiling <= 0 {
		opts.Scoring.LatencyCeiling = def.Scoring.LatencyCeiling
	}
	if opts.MaxAges == nil {
		opts.MaxAges = def.MaxAges
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ttl, err := NewTTLPolicy(opts.TTL)
	if err != nil {
		return nil, err
	}
	return &Engine{
		reg:     reg,
		cache:   coord,
		ttl:     ttl,
		opts:    opts,
		log:     logger.OrDiscard(log).WithComponent("arbiter"),
		metrics: m,
	}, nil
}

// HealthSnapshot returns the health of every registered provider.
func (e *Engine) HealthSnapshot() map[string]registry.Health { return e.reg.Snapshot() }

// CacheStats returns the coordinator's hit rates and latencies.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// callResult is the outcome of one provider call.
type callResult struct {
	cand     scoring.Candidate
	resp     provider.Response
	score    scoring.Score
	attempt  Attempt
	err      error
	canceled bool
}

// Arbitrate returns a cached result when one is fresh enough, otherwise it
// calls providers in score order until one succeeds, optionally merges more
// responses, caches the result and returns it.
func (e *Engine) Arbitrate(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.Asset = req.Asset.Normalize()
	if req.MergeStrategy == "" {
		req.MergeStrategy = FirstSuccess
	}
	requestID := uuid.NewString()
	key := cache.Key(req.DataType, req.Asset)
	log := e.log.WithFields(logger.Fields{"request_id": requestID, "key": key})
	start := time.Now()

	if ent, tier, ok := e.cache.Get(ctx, key, req.MaxAge); ok {
		res, err := resultFromEntry(requestID, ent, tier, req.Fields)
		if err == nil {
			e.metrics.Arbitration("cache_hit")
			logger.LogPerformance(log, "arbitrate", time.Since(start), logger.Fields{"cache_tier": string(tier)})
			return res, nil
		}
		log.WithError(err).Warn("undecodable cache entry ignored")
	}

	ranked := e.rank(req)
	if len(ranked) == 0 {
		e.metrics.Arbitration("no_provider")
		return nil, &NoProviderAvailableError{RequestID: requestID, DataType: req.DataType, Asset: req.Asset}
	}
	scores := make([]scoring.Score, len(ranked))
	for i, c := range ranked {
		scores[i] = c.Score
	}

	var (
		attempts []Attempt
		winner   *callResult
		next     int
	)
	for next < len(ranked) && winner == nil {
		if err := ctx.Err(); err != nil {
			return nil, e.aborted(requestID, attempts, err)
		}
		c := e.call(ctx, ranked[next], req)
		next++
		if c.canceled {
			return nil, e.aborted(requestID, attempts, ctx.Err())
		}
		attempts = append(attempts, c.attempt)
		if c.err == nil {
			winner = &c
		}
	}
	if winner == nil {
		e.metrics.Arbitration("all_failed")
		log.WithFields(logger.Fields{"attempts": len(attempts)}).Warn("all providers failed")
		return nil, &AllProvidersFailedError{RequestID: requestID, DataType: req.DataType, Asset: req.Asset, Attempts: attempts}
	}

	successes := []callResult{*winner}
	if req.MergeStrategy == WeightedMerge {
		for len(successes) < e.opts.Fanout && next < len(ranked) {
			batch := ranked[next:min(next+e.opts.Fanout-len(successes), len(ranked))]
			next += len(batch)
			results := e.fanout(ctx, batch, req)
			for _, c := range results {
				if c.canceled {
					continue
				}
				attempts = append(attempts, c.attempt)
				if c.err == nil {
					successes = append(successes, c)
				}
			}
			if err := ctx.Err(); err != nil {
				return nil, e.aborted(requestID, attempts, err)
			}
		}
	}

	res, full := e.build(requestID, req, successes)
	res.Lineage.ProvidersTried = attempts
	res.Lineage.Scores = scores
	e.store(ctx, key, req, res, full, log)

	e.metrics.Arbitration("success")
	logger.LogPerformance(log, "arbitrate", time.Since(start), logger.Fields{
		"sources":   res.Sources,
		"attempts":  len(attempts),
		"conflicts": len(res.Lineage.Conflicts),
	})
	return res, nil
}

// rank scores every eligible provider from its recorded history.
func (e *Engine) rank(req Request) []scoring.Candidate {
	ids := e.reg.ListEligible(req.DataType)
	if len(req.RequireProviders) > 0 {
		ids = slices.DeleteFunc(ids, func(id string) bool { return !slices.Contains(req.RequireProviders, id) })
	}
	maxAge := e.opts.MaxAges.For(req.DataType, req.Asset.Type)
	cands := make([]scoring.Candidate, 0, len(ids))
	for _, id := range ids {
		h, ok := e.reg.Health(id)
		if !ok {
			continue
		}
		meta := scoring.Expected(h, maxAge)
		cands = append(cands, scoring.Candidate{
			Score:        scoring.Compute(id, h, meta, e.opts.Scoring),
			AvgLatencyMs: h.AvgLatencyMs,
			Order:        e.reg.Order(id),
		})
	}
	return scoring.Rank(cands)
}

func (e *Engine) timeoutFor(dt provider.DataType) time.Duration {
	if d, ok := e.opts.Timeouts[dt]; ok && d > 0 {
		return d
	}
	return e.opts.Timeout
}

// call makes exactly one Fetch and records exactly one outcome, unless the
// caller's context ended first or a local rate limiter refused the call, in
// which case nothing is recorded.
func (e *Engine) call(ctx context.Context, cand scoring.Candidate, req Request) callResult {
	id := cand.Score.Provider
	out := callResult{cand: cand, attempt: Attempt{Provider: id, Score: cand.Score.Total}}
	src, ok := e.reg.Source(id)
	if !ok {
		out.err = &provider.ProviderError{Provider: id, Err: errors.New("not registered")}
		out.attempt.Outcome = OutcomeFailure
		out.attempt.Error = out.err.Error()
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeoutFor(req.DataType))
	started := time.Now()
	resp, err := src.Fetch(callCtx, req.Asset, req.DataType)
	latency := time.Since(started)
	cancel()
	out.attempt.LatencyMs = float64(latency) / float64(time.Millisecond)
	now := e.opts.Now()

	if err == nil && len(resp.Data) == 0 {
		err = errEmptyResponse
	}
	if err != nil {
		if ctx.Err() != nil {
			out.canceled = true
			return out
		}
		throttled := errors.Is(err, provider.ErrThrottled)
		pe := provider.Classify(id, callCtx, err)
		out.err = pe
		out.attempt.Outcome = OutcomeFailure
		switch {
		case throttled:
			out.attempt.Outcome = OutcomeThrottled
		case errors.Is(pe, provider.ErrProviderTimeout):
			out.attempt.Outcome = OutcomeTimeout
		}
		out.attempt.Error = pe.Err.Error()
		// Local throttling never reached the provider, so its health is untouched.
		if !throttled {
			e.reg.RecordOutcome(id, false, latency, now)
		}
		e.metrics.ProviderCall(id, out.attempt.Outcome, latency)
		e.log.WithError(pe).WithFields(logger.Fields{
			"provider":   id,
			"outcome":    out.attempt.Outcome,
			"latency_ms": out.attempt.LatencyMs,
		}).Warn("provider call failed")
		return out
	}

	e.reg.RecordOutcome(id, true, latency, now)
	e.metrics.ProviderCall(id, OutcomeSuccess, latency)

	fetchedAt := resp.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
		resp.FetchedAt = now
	}
	age := max(now.Sub(fetchedAt), 0)
	present, requested := presentFields(resp, req.Fields), len(req.Fields)
	e.reg.ObserveResponse(id, age, scoring.Completeness(present, requested))

	h, _ := e.reg.Health(id)
	maxAge := e.opts.MaxAges.For(req.DataType, req.Asset.Type)
	out.score = scoring.Compute(id, h, scoring.FromResponse(age, maxAge, present, requested), e.opts.Scoring)
	out.resp = resp
	out.attempt.Outcome = OutcomeSuccess
	out.attempt.Score = out.score.Total
	return out
}

// fanout calls every candidate of batch in parallel. Results keep batch order.
func (e *Engine) fanout(ctx context.Context, batch []scoring.Candidate, req Request) []callResult {
	results := make([]callResult, len(batch))
	var g errgroup.Group
	for i, cand := range batch {
		g.Go(func() error {
			results[i] = e.call(ctx, cand, req)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// build assembles the result from the successful calls. It also returns the
// unprojected data, which is what gets cached, so the key serves any later
// field selection.
func (e *Engine) build(requestID string, req Request, successes []callResult) (*Result, map[string]any) {
	res := &Result{Lineage: Lineage{RequestID: requestID}}
	if req.MergeStrategy == FirstSuccess || len(successes) == 1 {
		w := successes[0]
		full := maps.Clone(w.resp.Data)
		res.Data = project(full, req.Fields)
		res.Sources = []string{w.cand.Score.Provider}
		res.Confidence = w.score.Total / 100
		res.FetchedAt = w.resp.FetchedAt
		return res, full
	}
	contribs := make([]aggregate.Contribution, 0, len(successes))
	for _, s := range successes {
		contribs = append(contribs, aggregate.Contribution{
			Provider:  s.cand.Score.Provider,
			Score:     s.score.Total,
			Data:      s.resp.Data,
			FetchedAt: s.resp.FetchedAt,
		})
	}
	m := aggregate.Merge(contribs, nil, e.opts.ConflictTolerance)
	res.Data = project(m.Data, req.Fields)
	res.Sources = m.Sources
	res.Confidence = m.Confidence
	res.FetchedAt = m.FetchedAt
	for _, c := range m.Conflicts {
		if len(req.Fields) == 0 || slices.Contains(req.Fields, c.Field) {
			res.Lineage.Conflicts = append(res.Lineage.Conflicts, c)
		}
	}
	return res, m.Data
}

// store writes res through both tiers. A large move first invalidates the key
// so no tier keeps serving the pre-move value.
func (e *Engine) store(ctx context.Context, key string, req Request, res *Result, full map[string]any, log *logger.Entry) {
	d := e.ttl.Observe(key, req.DataType, req.Asset.Type, full)
	res.Lineage.TTL = d.TTL
	if d.LargeMove {
		res.Lineage.Invalidated = true
		log.WithFields(logger.Fields{"move": d.Move}).Info("large move, invalidating cached value")
		_ = e.cache.Invalidate(ctx, key)
	}
	value, err := json.Marshal(full)
	if err != nil {
		log.WithError(err).Warn("result not cacheable")
		return
	}
	e.cache.Put(ctx, cache.Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  e.opts.Now(),
		FetchedAt:  res.FetchedAt,
		TTL:        d.TTL,
		Sources:    res.Sources,
		Confidence: res.Confidence,
	})
}

func (e *Engine) aborted(requestID string, attempts []Attempt, err error) error {
	e.metrics.Arbitration("aborted")
	e.log.WithFields(logger.Fields{"request_id": requestID, "attempts": len(attempts)}).Info("request aborted by caller")
	return &AbortedError{RequestID: requestID, Attempts: attempts, Err: err}
}

func resultFromEntry(requestID string, ent cache.Entry, tier cache.Tier, fields []string) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(ent.Value))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decode cached %s: %w", ent.Key, err)
	}
	return &Result{
		Data:       project(data, fields),
		Sources:    ent.Sources,
		Confidence: ent.Confidence,
		CacheHit:   true,
		CacheTier:  tier,
		FetchedAt:  ent.DataTime(),
		Lineage:    Lineage{RequestID: requestID, TTL: ent.TTL},
	}, nil
}

func presentFields(resp provider.Response, fields []string) int {
	if len(fields) == 0 {
		if len(resp.FieldsPresent) > 0 {
			return len(resp.FieldsPresent)
		}
		return len(provider.FieldsOf(resp.Data))
	}
	n := 0
	for _, f := range fields {
		if v, ok := resp.Data[f]; ok && v != nil {
			n++
		}
	}
	return n
}

// project copies data, keeping only fields when any are requested.
func project(data map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return maps.Clone(data)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := data[f]; ok && v != nil {
			out[f] = v
		}
	}
	return out
}
