package config

import "sync/atomic"

// Runtime provides atomic access to the current configuration snapshot for
// hot reload. Readers are lock-free; a reload swaps the whole pointer, so a
// concurrent reader observes either the old snapshot or the new one, never a
// half-updated mix.
//
// In-flight operations holding a snapshot keep using it; the next Get after a
// reload returns the new one.
type Runtime struct {
	ptr atomic.Pointer[Config]
}

var _ RuntimeConfig = (*Runtime)(nil)

// NewRuntime creates a Runtime holding the initial snapshot.
func NewRuntime(initial *Config) *Runtime {
	r := &Runtime{}
	r.ptr.Store(initial)
	return r
}

// Get returns the current snapshot.
func (r *Runtime) Get() *Config {
	return r.ptr.Load()
}

// Store swaps in a new snapshot. Called by the watcher after a successful
// reload.
func (r *Runtime) Store(cfg *Config) {
	r.ptr.Store(cfg)
}

// Static wraps a fixed snapshot as a RuntimeConfig. Useful in tests and for
// callers that do not need hot reload.
type Static struct {
	cfg *Config
}

var _ RuntimeConfig = (*Static)(nil)

// NewStatic creates a RuntimeConfig that always returns cfg.
func NewStatic(cfg *Config) *Static {
	return &Static{cfg: cfg}
}

// Get returns the wrapped snapshot.
func (s *Static) Get() *Config {
	return s.cfg
}
