package config

import (
	"errors"
	"fmt"
)

// Configuration errors.
var (
	ErrRedisAddrRequired = errors.New("config: redis.addr is required")
	ErrServiceRequired   = errors.New("config: service name is required")
)

// Validate checks the snapshot for errors. Called by the loader on every load
// and reload, so a broken edit never replaces a good running snapshot.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return ErrRedisAddrRequired
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: logging.format must be json or console, got %q", c.Logging.Format)
	}

	if err := c.Cache.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Services))
	for _, svc := range c.Services {
		if svc.Service == "" {
			return ErrServiceRequired
		}
		if seen[svc.Service] {
			return fmt.Errorf("config: duplicate service %q", svc.Service)
		}
		seen[svc.Service] = true

		switch svc.GetAlgorithm() {
		case AlgorithmSlidingWindow, AlgorithmTokenBucket:
		default:
			return fmt.Errorf("config: service %q: unknown algorithm %q", svc.Service, svc.Algorithm)
		}

		if len(svc.Limits) == 0 {
			return fmt.Errorf("config: service %q: at least one limit is required", svc.Service)
		}
		for i, limit := range svc.Limits {
			if limit.Requests <= 0 {
				return fmt.Errorf("config: service %q: limits[%d].requests must be positive", svc.Service, i)
			}
			if limit.WindowSeconds <= 0 {
				return fmt.Errorf("config: service %q: limits[%d].window_seconds must be positive", svc.Service, i)
			}
			if limit.Burst < 0 {
				return fmt.Errorf("config: service %q: limits[%d].burst must not be negative", svc.Service, i)
			}
		}

		switch svc.Backoff.GetType() {
		case BackoffExponential, BackoffAdaptive:
		default:
			return fmt.Errorf("config: service %q: unknown backoff type %q", svc.Service, svc.Backoff.Type)
		}

		for op, cost := range svc.CostMapping {
			if cost <= 0 {
				return fmt.Errorf("config: service %q: cost for %q must be positive", svc.Service, op)
			}
		}
	}

	for name, tier := range c.Fairness.Tiers {
		if tier.Weight <= 0 {
			return fmt.Errorf("config: tier %q: weight must be positive", name)
		}
		if tier.MaxInFlight < 0 {
			return fmt.Errorf("config: tier %q: max_in_flight must not be negative", name)
		}
	}

	return nil
}
