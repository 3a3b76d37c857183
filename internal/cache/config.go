package cache

import (
	"errors"
	"fmt"
)

// Mode selects the cache backend.
type Mode string

const (
	// ModeSingle uses the local Ristretto LRU.
	ModeSingle Mode = "single"

	// ModeHA uses the Olric distributed map shared across workers.
	ModeHA Mode = "ha"

	// ModeDisabled uses the noop backend.
	ModeDisabled Mode = "disabled"
)

// Config defines cache configuration for one tier.
type Config struct {
	Mode      Mode            `yaml:"mode" toml:"mode"`
	Ristretto RistrettoConfig `yaml:"ristretto" toml:"ristretto"`
	Olric     OlricConfig     `yaml:"olric" toml:"olric"`
}

// RistrettoConfig configures the local LRU.
type RistrettoConfig struct {
	// NumCounters is the number of 4-bit access counters. Recommended: 10x
	// the expected item count.
	NumCounters int64 `yaml:"num_counters" toml:"num_counters"`

	// MaxCost bounds the cache size in bytes of cached values.
	MaxCost int64 `yaml:"max_cost" toml:"max_cost"`

	// BufferItems is the admission buffer size. 64 is the recommended value.
	BufferItems int64 `yaml:"buffer_items" toml:"buffer_items"`
}

// OlricConfig configures the distributed fallback tier.
type OlricConfig struct {
	// DMapName names the distributed map. Defaults to "ingestgate".
	DMapName string `yaml:"dmap_name" toml:"dmap_name"`

	// Embedded starts a local cluster member inside this process.
	Embedded bool `yaml:"embedded" toml:"embedded"`

	// BindAddr is the embedded member's bind address (host or host:port).
	BindAddr string `yaml:"bind_addr" toml:"bind_addr"`

	// Peers seeds cluster discovery for embedded members.
	Peers []string `yaml:"peers" toml:"peers"`

	// Addresses connects to an external cluster when not embedded.
	Addresses []string `yaml:"addresses" toml:"addresses"`
}

// Validate checks the configuration. Returns nil if valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSingle:
		if c.Ristretto.MaxCost <= 0 {
			return errors.New("cache: ristretto.max_cost must be positive")
		}
		if c.Ristretto.NumCounters <= 0 {
			return errors.New("cache: ristretto.num_counters must be positive")
		}
	case ModeHA:
		if c.Olric.Embedded && c.Olric.BindAddr == "" {
			return errors.New("cache: olric.bind_addr required when embedded")
		}
		if !c.Olric.Embedded && len(c.Olric.Addresses) == 0 {
			return errors.New("cache: olric.addresses required when not embedded")
		}
	case ModeDisabled, "":
	default:
		return fmt.Errorf("cache: unknown mode %q", c.Mode)
	}
	return nil
}

// DefaultRistrettoConfig sizes the local LRU for idempotency records:
// roughly 10K cached results, capped at 32 MB.
func DefaultRistrettoConfig() RistrettoConfig {
	return RistrettoConfig{
		NumCounters: 100_000,
		MaxCost:     32 << 20,
		BufferItems: 64,
	}
}
