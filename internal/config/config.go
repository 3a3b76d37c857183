// Package config provides configuration loading, validation and hot-reload
// for ingestgate.
package config

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/clipforge/ingestgate/internal/cache"
)

// Rate limiting algorithms.
const (
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmTokenBucket   = "token_bucket"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffAdaptive    = "adaptive"
)

// RuntimeConfig is the read side of hot-reloadable configuration. Components
// call Get per operation instead of holding a *Config, which would go stale
// after a reload.
type RuntimeConfig interface {
	Get() *Config
}

// Config is one immutable configuration snapshot. It is never mutated after
// load; hot reload swaps whole snapshots through Runtime.
type Config struct {
	Redis       RedisConfig       `yaml:"redis" toml:"redis"`
	Cache       cache.Config      `yaml:"cache" toml:"cache"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
	Idempotency IdempotencyConfig `yaml:"idempotency" toml:"idempotency"`
	Fairness    FairnessConfig    `yaml:"fairness" toml:"fairness"`
	Services    []ServiceConfig   `yaml:"services" toml:"services"`
}

// RedisConfig configures the authoritative shared store.
type RedisConfig struct {
	Addr          string `yaml:"addr" toml:"addr"`
	Password      string `yaml:"password" toml:"password"`
	DB            int    `yaml:"db" toml:"db"`
	DialTimeoutMS int    `yaml:"dial_timeout_ms" toml:"dial_timeout_ms"`
	OpTimeoutMS   int    `yaml:"op_timeout_ms" toml:"op_timeout_ms"`
}

// GetOpTimeout returns the per-operation timeout with a 250ms default. The
// store sits on every admission path, so the default is deliberately short.
func (r *RedisConfig) GetOpTimeout() time.Duration {
	if r.OpTimeoutMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(r.OpTimeoutMS) * time.Millisecond
}

// GetDialTimeout returns the connection timeout with a 2s default.
func (r *RedisConfig) GetDialTimeout() time.Duration {
	if r.DialTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level" toml:"level"`

	// Format is json or console. Empty means json.
	Format string `yaml:"format" toml:"format"`
}

// ParseLevel maps the configured level to a zerolog level.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch l.Level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// MetricsConfig controls the optional Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the host:port for the /metrics endpoint. Empty disables it.
	Listen string `yaml:"listen" toml:"listen"`
}

// GetListenOption returns the metrics listen address, or None when the
// endpoint is disabled.
func (m *MetricsConfig) GetListenOption() mo.Option[string] {
	if m.Listen == "" {
		return mo.None[string]()
	}
	return mo.Some(m.Listen)
}

// IdempotencyConfig controls the request-coordination lifecycle.
type IdempotencyConfig struct {
	// RecordTTLSeconds is how long terminal records are retained for replay.
	// Default 24h.
	RecordTTLSeconds int `yaml:"record_ttl_seconds" toml:"record_ttl_seconds"`

	// MaxProcessingTimeMS is the staleness threshold after which a processing
	// lock is reclaimable. Recommended: twice the service's P95 execution
	// time. Default 60s.
	MaxProcessingTimeMS int `yaml:"max_processing_time_ms" toml:"max_processing_time_ms"`

	// CoalesceWindowMS is the fingerprint time-bucket width. Two identical
	// requests inside one window share a fingerprint. Default 100ms.
	CoalesceWindowMS int `yaml:"coalesce_window_ms" toml:"coalesce_window_ms"`

	// PollIntervalMS is the fixed interval for WaitForCompletion polling.
	// Default 50ms.
	PollIntervalMS int `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
}

// GetRecordTTL returns the terminal-record TTL with the 24h default.
func (i *IdempotencyConfig) GetRecordTTL() time.Duration {
	if i.RecordTTLSeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(i.RecordTTLSeconds) * time.Second
}

// GetMaxProcessingTime returns the stale-lock threshold with the 60s default.
func (i *IdempotencyConfig) GetMaxProcessingTime() time.Duration {
	if i.MaxProcessingTimeMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(i.MaxProcessingTimeMS) * time.Millisecond
}

// GetCoalesceWindow returns the fingerprint window with the 100ms default.
func (i *IdempotencyConfig) GetCoalesceWindow() time.Duration {
	if i.CoalesceWindowMS <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(i.CoalesceWindowMS) * time.Millisecond
}

// GetPollInterval returns the completion poll interval with the 50ms default.
func (i *IdempotencyConfig) GetPollInterval() time.Duration {
	if i.PollIntervalMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(i.PollIntervalMS) * time.Millisecond
}

// FairnessConfig defines tenant tiers. An empty Tiers map disables tiered
// scheduling and the engine enforces global bucket limits only.
type FairnessConfig struct {
	Tiers map[string]TierConfig `yaml:"tiers" toml:"tiers"`
}

// TierConfig is one priority tier's share of bucket capacity.
type TierConfig struct {
	// Weight is the tier's relative share. Tiers split each bucket's
	// capacity proportionally to their weights (e.g. 3:2:1).
	Weight int `yaml:"weight" toml:"weight"`

	// MaxInFlight caps simultaneous operations per identity in this tier.
	// Zero means no concurrency cap.
	MaxInFlight int `yaml:"max_in_flight" toml:"max_in_flight"`
}

// Enabled reports whether tiered scheduling is configured.
func (f *FairnessConfig) Enabled() bool {
	return len(f.Tiers) > 0
}

// ServiceConfig is the rate-limit policy for one external service bucket.
type ServiceConfig struct {
	// Service is the bucket name, e.g. "openai" or "reddit".
	Service string `yaml:"service" toml:"service"`

	// Algorithm selects sliding_window (default) or token_bucket.
	Algorithm string `yaml:"algorithm" toml:"algorithm"`

	Limits []LimitConfig `yaml:"limits" toml:"limits"`

	Backoff BackoffConfig `yaml:"backoff" toml:"backoff"`

	// CostMapping assigns a decimal cost per operation type. Operations not
	// listed cost 1.
	CostMapping map[string]float64 `yaml:"cost_mapping" toml:"cost_mapping"`
}

// GetAlgorithm returns the configured algorithm with sliding_window default.
func (s *ServiceConfig) GetAlgorithm() string {
	if s.Algorithm == "" {
		return AlgorithmSlidingWindow
	}
	return s.Algorithm
}

// CostFor returns the cost of an operation type, defaulting to 1.
func (s *ServiceConfig) CostFor(operation string) float64 {
	if cost, ok := s.CostMapping[operation]; ok && cost > 0 {
		return cost
	}
	return 1
}

// PrimaryLimit returns the first (tightest expected) configured limit.
func (s *ServiceConfig) PrimaryLimit() (LimitConfig, bool) {
	if len(s.Limits) == 0 {
		return LimitConfig{}, false
	}
	return s.Limits[0], true
}

// LimitConfig is one rate window for a service.
type LimitConfig struct {
	Requests      float64 `yaml:"requests" toml:"requests"`
	WindowSeconds int     `yaml:"window_seconds" toml:"window_seconds"`
	Burst         float64 `yaml:"burst" toml:"burst"`
}

// Window returns the window size as a duration.
func (l *LimitConfig) Window() time.Duration {
	return time.Duration(l.WindowSeconds) * time.Second
}

// RefillPerSecond returns the steady replenishment rate for token buckets.
func (l *LimitConfig) RefillPerSecond() float64 {
	if l.WindowSeconds <= 0 {
		return 0
	}
	return l.Requests / float64(l.WindowSeconds)
}

// GetBurstOption returns the burst capacity, or None when not configured.
func (l *LimitConfig) GetBurstOption() mo.Option[float64] {
	if l.Burst <= 0 {
		return mo.None[float64]()
	}
	return mo.Some(l.Burst)
}

// BackoffConfig is the retry-delay policy for one service.
type BackoffConfig struct {
	// Type is exponential or adaptive. Empty means exponential.
	Type string `yaml:"type" toml:"type"`

	InitialDelayMS int `yaml:"initial_delay_ms" toml:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms" toml:"max_delay_ms"`

	// Multiplier is the exponential growth factor. Zero means 2.
	Multiplier float64 `yaml:"multiplier" toml:"multiplier"`
}

// GetType returns the backoff type with exponential default.
func (b *BackoffConfig) GetType() string {
	if b.Type == "" {
		return BackoffExponential
	}
	return b.Type
}

// GetInitialDelay returns the minimum delay with a 1s default.
func (b *BackoffConfig) GetInitialDelay() time.Duration {
	if b.InitialDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(b.InitialDelayMS) * time.Millisecond
}

// GetMaxDelay returns the delay ceiling with a 5m default.
func (b *BackoffConfig) GetMaxDelay() time.Duration {
	if b.MaxDelayMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(b.MaxDelayMS) * time.Millisecond
}

// GetMultiplier returns the exponential growth factor with a default of 2.
func (b *BackoffConfig) GetMultiplier() float64 {
	if b.Multiplier <= 0 {
		return 2
	}
	return b.Multiplier
}

// Service looks up the policy for one bucket name.
func (c *Config) Service(name string) (ServiceConfig, bool) {
	for _, svc := range c.Services {
		if svc.Service == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}
