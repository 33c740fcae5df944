package arbiter

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/shopspring/decimal"

	"marketarbiter/internal/aggregate"
	"marketarbiter/internal/provider"
)

// TTLOptions tunes TTLPolicy.
type TTLOptions struct {
	// Base maps "data_type" or "data_type:asset_type" to the TTL of a calm market.
	Base map[string]time.Duration
	// Default applies when Base has no match.
	Default time.Duration
	// MinTTL floors the volatility-scaled TTL.
	MinTTL time.Duration
	// VolatilityRef is the average relative move that halves the TTL.
	VolatilityRef float64
	// Alpha is the EMA weight of the newest move.
	Alpha float64
	// LargeMoveThreshold is the relative move that invalidates the cached key.
	LargeMoveThreshold float64
	// TrackedKeys bounds how many keys keep volatility state.
	TrackedKeys int
}

func DefaultTTLOptions() TTLOptions {
	return TTLOptions{
		Base: map[string]time.Duration{
			string(provider.Price):                             5 * time.Minute,
			string(provider.Quote):                             5 * time.Minute,
			string(provider.Price) + ":" + string(provider.FX): 10 * time.Minute,
			string(provider.Quote) + ":" + string(provider.FX): 10 * time.Minute,
			string(provider.FXRate):                            10 * time.Minute,
			string(provider.OHLCV):                             15 * time.Minute,
			string(provider.Fundamentals):                      6 * time.Hour,
		},
		Default:            5 * time.Minute,
		MinTTL:             5 * time.Second,
		VolatilityRef:      0.01,
		Alpha:              0.1,
		LargeMoveThreshold: 0.05,
		TrackedKeys:        10000,
	}
}

type volState struct {
	last       decimal.Decimal
	volatility float64
	samples    int
}

// TTLDecision is the outcome of observing a fresh value for a key.
type TTLDecision struct {
	TTL        time.Duration
	Volatility float64
	Move       float64
	LargeMove  bool
}

// TTLPolicy picks cache TTLs by data type and shortens them for volatile keys.
// It is safe for concurrent use.
type TTLPolicy struct {
	opts TTLOptions

	mu    sync.Mutex // guards the read-modify-write of a key's state
	state *simplelru.LRU[string, volState]
}

func NewTTLPolicy(opts TTLOptions) (*TTLPolicy, error) {
	def := DefaultTTLOptions()
	if opts.Base == nil {
		opts.Base = def.Base
	}
	if opts.Default <= 0 {
		opts.Default = def.Default
	}
	if opts.MinTTL <= 0 {
		opts.MinTTL = def.MinTTL
	}
	if opts.VolatilityRef <= 0 {
		opts.VolatilityRef = def.VolatilityRef
	}
	if opts.Alpha <= 0 || opts.Alpha > 1 {
		opts.Alpha = def.Alpha
	}
	if opts.LargeMoveThreshold <= 0 {
		opts.LargeMoveThreshold = def.LargeMoveThreshold
	}
	if opts.TrackedKeys <= 0 {
		opts.TrackedKeys = def.TrackedKeys
	}
	state, err := simplelru.NewLRU[string, volState](opts.TrackedKeys, nil)
	if err != nil {
		return nil, err
	}
	return &TTLPolicy{opts: opts, state: state}, nil
}

// Base returns the unscaled TTL for a data type and asset type.
func (p *TTLPolicy) Base(dataType provider.DataType, assetType provider.AssetType) time.Duration {
	if d, ok := p.opts.Base[string(dataType)+":"+string(assetType)]; ok && d > 0 {
		return d
	}
	if d, ok := p.opts.Base[string(dataType)]; ok && d > 0 {
		return d
	}
	return p.opts.Default
}

// Scale applies base / (1 + vol/VolatilityRef), floored at MinTTL but never above base.
func (p *TTLPolicy) Scale(base time.Duration, vol float64) time.Duration {
	if vol <= 0 || math.IsNaN(vol) {
		return base
	}
	ttl := time.Duration(float64(base) / (1 + vol/p.opts.VolatilityRef))
	floor := p.opts.MinTTL
	if floor > base {
		floor = base
	}
	if ttl < floor {
		ttl = floor
	}
	return ttl
}

// Observe folds data's headline value into the key's volatility and returns
// the TTL to cache it with. Records without a numeric headline get the base TTL
// scaled by whatever volatility the key already has.
func (p *TTLPolicy) Observe(key string, dataType provider.DataType, assetType provider.AssetType, data map[string]any) TTLDecision {
	base := p.Base(dataType, assetType)
	ref, ok := aggregate.Reference(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	st, seen := p.state.Get(key)
	if !ok {
		return TTLDecision{TTL: p.Scale(base, st.volatility), Volatility: st.volatility}
	}

	var d TTLDecision
	if seen {
		d.Move = aggregate.RelativeDeviation(ref, st.last)
		if st.samples == 0 {
			st.volatility = d.Move
		} else {
			st.volatility = (1-p.opts.Alpha)*st.volatility + p.opts.Alpha*d.Move
		}
		st.samples++
		d.LargeMove = d.Move > p.opts.LargeMoveThreshold
	}
	st.last = ref
	p.state.Add(key, st)

	d.Volatility = st.volatility
	d.TTL = p.Scale(base, st.volatility)
	return d
}
