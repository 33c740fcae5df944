package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"marketarbiter/internal/logger"
	"marketarbiter/internal/metrics"
)

// Tier names the layer that served a lookup.
type Tier string

const (
	TierNone Tier = ""
	TierL1   Tier = "l1"
	TierL2   Tier = "l2"
)

// Options tunes the coordinator.
type Options struct {
	// L2MinRetention is the shortest time L2 keeps an entry, regardless of TTL.
	L2MinRetention time.Duration
	// Workers is the number of goroutines draining L2 writes.
	Workers int
	// QueueSize bounds pending L2 writes; a full queue drops new writes.
	QueueSize int
	// WriteTimeout bounds a single L2 write.
	WriteTimeout time.Duration
	// TombstoneTTL is how long an invalidation blocks older queued writes.
	TombstoneTTL time.Duration
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		L2MinRetention: 24 * time.Hour,
		Workers:        4,
		QueueSize:      1024,
		WriteTimeout:   5 * time.Second,
		TombstoneTTL:   10 * time.Minute,
	}
}

// Stats summarizes lookups since the coordinator started.
type Stats struct {
	L1HitRate      float64 `json:"l1_hit_rate"`
	L2HitRate      float64 `json:"l2_hit_rate"`
	AvgL1LatencyMs float64 `json:"avg_l1_latency_ms"`
	AvgL2LatencyMs float64 `json:"avg_l2_latency_ms"`
	L1Lookups      int64   `json:"l1_lookups"`
	L2Lookups      int64   `json:"l2_lookups"`
	L2WritesQueued int64   `json:"l2_writes_queued"`
	L2WritesDone   int64   `json:"l2_writes_done"`
	L2WritesFailed int64   `json:"l2_writes_failed"`
	L2WritesDrop   int64   `json:"l2_writes_dropped"`
}

type tierCounters struct {
	lookups   atomic.Int64
	hits      atomic.Int64
	latencyUs atomic.Int64
}

func (t *tierCounters) observe(hit bool, d time.Duration) {
	t.lookups.Add(1)
	if hit {
		t.hits.Add(1)
	}
	t.latencyUs.Add(d.Microseconds())
}

func (t *tierCounters) rates() (hitRate, avgMs float64, lookups int64) {
	n := t.lookups.Load()
	if n == 0 {
		return 0, 0, 0
	}
	return float64(t.hits.Load()) / float64(n), float64(t.latencyUs.Load()) / 1000 / float64(n), n
}

type writeJob struct {
	entry     Entry
	retention time.Duration
	ctx       context.Context
}

// Coordinator owns the L1/L2 read path, write-through and invalidation.
// L1 writes are synchronous; L2 writes run on a bounded worker pool.
type Coordinator struct {
	l1, l2  Store
	opts    Options
	log     *logger.Entry
	metrics *metrics.Metrics

	l1c, l2c tierCounters
	queued   atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64

	tombMu     sync.Mutex
	tombstones map[string]time.Time

	closeMu sync.RWMutex
	closed  bool
	jobs    chan writeJob
	wg      sync.WaitGroup
}

// NewCoordinator starts the L2 worker pool. Both stores are required.
func NewCoordinator(l1, l2 Store, opts Options, log *logger.Log, m *metrics.Metrics) (*Coordinator, error) {
	if l1 == nil || l2 == nil {
		return nil, errors.New("cache: both L1 and L2 stores are required")
	}
	def := DefaultOptions()
	if opts.L2MinRetention <= 0 {
		opts.L2MinRetention = def.L2MinRetention
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = def.TombstoneTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Coordinator{
		l1:         l1,
		l2:         l2,
		opts:       opts,
		log:        logger.OrDiscard(log).WithComponent("cache"),
		metrics:    m,
		tombstones: make(map[string]time.Time),
		jobs:       make(chan writeJob, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c, nil
}

// Get looks key up in L1 then L2. Every hit is re-checked against its TTL and
// maxAge. An L2 hit is copied into L1 with its remaining TTL before returning.
// Store errors are logged and count as a miss.
func (c *Coordinator) Get(ctx context.Context, key string, maxAge time.Duration) (Entry, Tier, bool) {
	if e, ok := c.lookup(ctx, c.l1, &c.l1c, TierL1, key, maxAge); ok {
		return e, TierL1, true
	}
	e, ok := c.lookup(ctx, c.l2, &c.l2c, TierL2, key, maxAge)
	if !ok {
		return Entry{}, TierNone, false
	}
	if rem := e.Remaining(c.opts.Now()); rem > 0 {
		if err := c.l1.Set(ctx, e, rem); err != nil {
			c.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("promote to L1 failed")
		}
	}
	return e, TierL2, true
}

func (c *Coordinator) lookup(ctx context.Context, s Store, counters *tierCounters, tier Tier, key string, maxAge time.Duration) (Entry, bool) {
	start := time.Now()
	e, err := s.Get(ctx, key)
	elapsed := time.Since(start)

	hit := false
	switch {
	case err == nil:
		hit = e.Fresh(c.opts.Now(), maxAge) && !c.tombstoned(key, e.CreatedAt)
	case errors.Is(err, ErrMiss):
	default:
		c.log.WithError(err).WithFields(logger.Fields{"tier": string(tier), "key": key}).Warn("cache read failed")
	}
	counters.observe(hit, elapsed)
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.CacheLookup(string(tier), result)
	return e, hit
}

// Put writes e to L1 now and queues the L2 write. It never fails the caller:
// store errors are logged and a full queue drops the L2 write.
func (c *Coordinator) Put(ctx context.Context, e Entry) {
	now := c.opts.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	rem := e.Remaining(now)
	if rem <= 0 {
		return
	}
	if err := c.l1.Set(ctx, e, rem); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"key": e.Key}).Warn("L1 write failed")
	}

	retention := e.TTL
	if retention < c.opts.L2MinRetention {
		retention = c.opts.L2MinRetention
	}

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		c.log.WithFields(logger.Fields{"key": e.Key}).Warn("coordinator closed, L2 write skipped")
		return
	}
	select {
	case c.jobs <- writeJob{entry: e, retention: retention, ctx: context.WithoutCancel(ctx)}:
		c.queued.Add(1)
	default:
		c.dropped.Add(1)
		c.metrics.L2WriteDropped()
		c.log.WithFields(logger.Fields{"key": e.Key, "queue_size": c.opts.QueueSize}).Warn("L2 write queue full, write dropped")
	}
}

// Invalidate removes key from both tiers and blocks queued L2 writes created
// before now. The joined store errors are returned for logging only.
func (c *Coordinator) Invalidate(ctx context.Context, key string) error {
	now := c.opts.Now()
	c.tombMu.Lock()
	c.tombstones[key] = now
	for k, at := range c.tombstones {
		if now.Sub(at) > c.opts.TombstoneTTL {
			delete(c.tombstones, k)
		}
	}
	c.tombMu.Unlock()

	var errs []error
	if err := c.l1.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	if err := c.l2.Delete(ctx, key); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		c.log.WithError(err).WithFields(logger.Fields{"key": key}).Warn("invalidate failed")
	}
	return err
}

// Purge asks every tier that supports it to drop entries past retention.
func (c *Coordinator) Purge(ctx context.Context) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, s := range []Store{c.l1, c.l2} {
		p, ok := s.(Purger)
		if !ok {
			continue
		}
		n, err := p.Purge(ctx, c.opts.Now())
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (c *Coordinator) Stats() Stats {
	l1Rate, l1Ms, l1n := c.l1c.rates()
	l2Rate, l2Ms, l2n := c.l2c.rates()
	return Stats{
		L1HitRate:      l1Rate,
		L2HitRate:      l2Rate,
		AvgL1LatencyMs: l1Ms,
		AvgL2LatencyMs: l2Ms,
		L1Lookups:      l1n,
		L2Lookups:      l2n,
		L2WritesQueued: c.queued.Load(),
		L2WritesDone:   c.done.Load(),
		L2WritesFailed: c.failed.Load(),
		L2WritesDrop:   c.dropped.Load(),
	}
}

// Close stops accepting L2 writes and waits for queued ones, or for ctx.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.jobs)
	}
	c.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for job := range c.jobs {
		c.writeL2(job)
	}
}

func (c *Coordinator) writeL2(job writeJob) {
	if c.tombstoned(job.entry.Key, job.entry.CreatedAt) {
		c.log.WithFields(logger.Fields{"key": job.entry.Key}).Debug("L2 write superseded by invalidation")
		return
	}
	ctx, cancel := context.WithTimeout(job.ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := c.l2.Set(ctx, job.entry, job.retention); err != nil {
		c.failed.Add(1)
		c.log.WithError(err).WithFields(logger.Fields{"key": job.entry.Key}).Warn("L2 write failed")
		return
	}
	c.done.Add(1)
}

func (c *Coordinator) tombstoned(key string, createdAt time.Time) bool {
	c.tombMu.Lock()
	defer c.tombMu.Unlock()
	at, ok := c.tombstones[key]
	return ok && createdAt.Before(at)
}
