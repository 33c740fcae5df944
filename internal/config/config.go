package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketarbiter/internal/arbiter"
	"marketarbiter/internal/cache"
	"marketarbiter/internal/provider"
	"marketarbiter/internal/provider/httpsource"
	"marketarbiter/internal/registry"
	"marketarbiter/internal/scoring"
)

type Server struct {
	Port              string `json:"port" yaml:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

type Log struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	Output     string `json:"output" yaml:"output"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

type Scoring struct {
	Weights          scoring.Weights `json:"weights" yaml:"weights"`
	LatencyCeilingMs int             `json:"latency_ceiling_ms" yaml:"latency_ceiling_ms"`
	// MaxAgeSec is keyed by "data_type" or "data_type:asset_type".
	MaxAgeSec map[string]int `json:"max_age_sec" yaml:"max_age_sec"`
}

type Registry struct {
	Alpha            float64 `json:"alpha" yaml:"alpha"`
	FailureThreshold int     `json:"failure_threshold" yaml:"failure_threshold"`
	CooldownSec      int     `json:"cooldown_sec" yaml:"cooldown_sec"`
}

type Arbiter struct {
	TimeoutSec         int            `json:"timeout_sec" yaml:"timeout_sec"`
	TimeoutSecByType   map[string]int `json:"timeout_sec_by_type" yaml:"timeout_sec_by_type"`
	Fanout             int            `json:"fanout" yaml:"fanout"`
	ConflictTolerance  float64        `json:"conflict_tolerance" yaml:"conflict_tolerance"`
	TTLSec             map[string]int `json:"ttl_sec" yaml:"ttl_sec"`
	DefaultTTLSec      int            `json:"default_ttl_sec" yaml:"default_ttl_sec"`
	MinTTLSec          int            `json:"min_ttl_sec" yaml:"min_ttl_sec"`
	VolatilityRef      float64        `json:"volatility_ref" yaml:"volatility_ref"`
	LargeMoveThreshold float64        `json:"large_move_threshold" yaml:"large_move_threshold"`
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Cache struct {
	L1                  string `json:"l1" yaml:"l1"`
	L1MaxEntries        int    `json:"l1_max_entries" yaml:"l1_max_entries"`
	RedisAddr           string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword       string `json:"redis_password" yaml:"redis_password"`
	RedisDB             int    `json:"redis_db" yaml:"redis_db"`
	RedisPrefix         string `json:"redis_prefix" yaml:"redis_prefix"`
	L2                  string `json:"l2" yaml:"l2"`
	PostgresDSN         string `json:"postgres_dsn" yaml:"postgres_dsn"`
	PostgresMaxConns    int    `json:"postgres_max_conns" yaml:"postgres_max_conns"`
	L2MinRetentionHours int    `json:"l2_min_retention_hours" yaml:"l2_min_retention_hours"`
	Workers             int    `json:"workers" yaml:"workers"`
	QueueSize           int    `json:"queue_size" yaml:"queue_size"`
	PurgeIntervalSec    int    `json:"purge_interval_sec" yaml:"purge_interval_sec"`
}

// Provider is one JSON-over-HTTP upstream plus its rate limits.
type Provider struct {
	httpsource.Config     `yaml:",inline"`
	Enabled               bool   `json:"enabled" yaml:"enabled"`
	APIKey                string `json:"api_key" yaml:"api_key"`
	APIKeyHeader          string `json:"api_key_header" yaml:"api_key_header"`
	MaxRequestsPerMinute  int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MinRequestIntervalSec int    `json:"min_request_interval_sec" yaml:"min_request_interval_sec"`
	Burst                 int    `json:"burst" yaml:"burst"`
}

type Config struct {
	Server    Server     `json:"server" yaml:"server"`
	Log       Log        `json:"log" yaml:"log"`
	Scoring   Scoring    `json:"scoring" yaml:"scoring"`
	Registry  Registry   `json:"registry" yaml:"registry"`
	Arbiter   Arbiter    `json:"arbiter" yaml:"arbiter"`
	Cache     Cache      `json:"cache" yaml:"cache"`
	Providers []Provider `json:"providers" yaml:"providers"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 30},
		Log:    Log{Level: "info", Format: "json", Output: "stdout"},
		Scoring: Scoring{
			Weights:          scoring.DefaultWeights(),
			LatencyCeilingMs: 5000,
			MaxAgeSec: map[string]int{
				"price":        5,
				"quote":        5,
				"fx_rate":      5,
				"ohlcv":        60,
				"fundamentals": 86400,
			},
		},
		Registry: Registry{Alpha: 0.1, FailureThreshold: 5, CooldownSec: 60},
		Arbiter: Arbiter{
			TimeoutSec:        10,
			Fanout:            3,
			ConflictTolerance: 0.02,
			TTLSec: map[string]int{
				"price":        300,
				"quote":        300,
				"price:fx":     600,
				"quote:fx":     600,
				"fx_rate":      600,
				"ohlcv":        900,
				"fundamentals": 21600,
			},
			DefaultTTLSec:      300,
			MinTTLSec:          5,
			VolatilityRef:      0.01,
			LargeMoveThreshold: 0.05,
		},
		Cache: Cache{
			L1:                  StoreMemory,
			L1MaxEntries:        10000,
			RedisPrefix:         "marketarbiter:",
			L2:                  StoreMemory,
			L2MinRetentionHours: 24,
			Workers:             4,
			QueueSize:           1024,
			PurgeIntervalSec:    600,
		},
	}
}

// Load reads config from path, as YAML for .yaml/.yml and JSON otherwise.
// An empty path tries config.yaml then config.json; a missing file yields
// defaults. Environment variables override select fields.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, p := range []string{"config.yaml", "config.yml", "config.json"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			switch strings.ToLower(filepath.Ext(path)) {
			case ".yaml", ".yml":
				err = yaml.Unmarshal(b, &cfg)
			default:
				err = json.Unmarshal(b, &cfg)
			}
			if err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	setInt("REQUEST_TIMEOUT_SEC", &cfg.Server.RequestTimeoutSec, 1)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}

	setInt("ARBITER_TIMEOUT_SEC", &cfg.Arbiter.TimeoutSec, 1)
	setInt("ARBITER_FANOUT", &cfg.Arbiter.Fanout, 1)
	setInt("REGISTRY_FAILURE_THRESHOLD", &cfg.Registry.FailureThreshold, 1)
	setInt("REGISTRY_COOLDOWN_SEC", &cfg.Registry.CooldownSec, 1)

	if v := os.Getenv("CACHE_L1"); v != "" {
		cfg.Cache.L1 = strings.ToLower(v)
	}
	setInt("CACHE_L1_MAX_ENTRIES", &cfg.Cache.L1MaxEntries, 0)
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	setInt("REDIS_DB", &cfg.Cache.RedisDB, 0)
	if v := os.Getenv("CACHE_L2"); v != "" {
		cfg.Cache.L2 = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Cache.PostgresDSN = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Cache.PostgresDSN = v
	}
	setInt("CACHE_WORKERS", &cfg.Cache.Workers, 1)
	setInt("CACHE_QUEUE_SIZE", &cfg.Cache.QueueSize, 1)

	// Secrets per provider: <NAME>_API_KEY, e.g. ALPHA_VANTAGE_API_KEY.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if v := os.Getenv(envName(p.Name) + "_API_KEY"); v != "" {
			p.APIKey = v
		}
	}
}

func setInt(name string, dst *int, minimum int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	var x int
	if _, err := fmt.Sscanf(v, "%d", &x); err == nil && x >= minimum {
		*dst = x
	}
}

func envName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if err := c.Scoring.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scoring.LatencyCeilingMs <= 0 {
		errs = append(errs, errors.New("scoring.latency_ceiling_ms must be positive"))
	}
	if c.Registry.Alpha <= 0 || c.Registry.Alpha > 1 {
		errs = append(errs, errors.New("registry.alpha must be in (0,1]"))
	}
	if c.Registry.FailureThreshold <= 0 || c.Registry.CooldownSec <= 0 {
		errs = append(errs, errors.New("registry.failure_threshold and registry.cooldown_sec must be positive"))
	}
	if c.Arbiter.TimeoutSec <= 0 || c.Arbiter.Fanout <= 0 {
		errs = append(errs, errors.New("arbiter.timeout_sec and arbiter.fanout must be positive"))
	}
	switch c.Cache.L1 {
	case StoreMemory:
	case StoreRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for a redis L1"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.l1: unknown store %q", c.Cache.L1))
	}
	switch c.Cache.L2 {
	case StoreMemory:
	case StorePostgres:
		if c.Cache.PostgresDSN == "" {
			errs = append(errs, errors.New("cache.postgres_dsn is required for a postgres L2"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.l2: unknown store %q", c.Cache.L2))
	}
	seen := map[string]bool{}
	for i, p := range c.Providers {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
		case seen[p.Name]:
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		if p.Enabled && p.URL == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: url is required", i))
		}
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c Config) RegistryOptions() registry.Options {
	return registry.Options{
		Alpha:            c.Registry.Alpha,
		FailureThreshold: c.Registry.FailureThreshold,
		Cooldown:         seconds(c.Registry.CooldownSec),
		LatencyCeiling:   time.Duration(c.Scoring.LatencyCeilingMs) * time.Millisecond,
	}
}

func (c Config) CacheOptions() cache.Options {
	return cache.Options{
		L2MinRetention: time.Duration(c.Cache.L2MinRetentionHours) * time.Hour,
		Workers:        c.Cache.Workers,
		QueueSize:      c.Cache.QueueSize,
	}
}

func (c Config) ArbiterOptions() arbiter.Options {
	opts := arbiter.DefaultOptions()
	opts.Timeout = seconds(c.Arbiter.TimeoutSec)
	opts.Fanout = c.Arbiter.Fanout
	opts.ConflictTolerance = c.Arbiter.ConflictTolerance
	opts.Scoring = scoring.Params{
		Weights:        c.Scoring.Weights,
		LatencyCeiling: time.Duration(c.Scoring.LatencyCeilingMs) * time.Millisecond,
	}
	if len(c.Arbiter.TimeoutSecByType) > 0 {
		opts.Timeouts = make(map[provider.DataType]time.Duration, len(c.Arbiter.TimeoutSecByType))
		for dt, s := range c.Arbiter.TimeoutSecByType {
			opts.Timeouts[provider.DataType(dt)] = seconds(s)
		}
	}
	if len(c.Scoring.MaxAgeSec) > 0 {
		opts.MaxAges = make(scoring.MaxAges, len(c.Scoring.MaxAgeSec))
		for k, s := range c.Scoring.MaxAgeSec {
			opts.MaxAges[k] = seconds(s)
		}
	}
	if len(c.Arbiter.TTLSec) > 0 {
		opts.TTL.Base = make(map[string]time.Duration, len(c.Arbiter.TTLSec))
		for k, s := range c.Arbiter.TTLSec {
			opts.TTL.Base[k] = seconds(s)
		}
	}
	opts.TTL.Default = seconds(c.Arbiter.DefaultTTLSec)
	opts.TTL.MinTTL = seconds(c.Arbiter.MinTTLSec)
	opts.TTL.VolatilityRef = c.Arbiter.VolatilityRef
	opts.TTL.LargeMoveThreshold = c.Arbiter.LargeMoveThreshold
	return opts
}
