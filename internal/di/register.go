// Package di wires the coordination core's services into a samber/do
// container. The CLI and embedding applications build the same graph, so
// construction order and lifecycle management live in one place.
package di

import "github.com/samber/do/v2"

// ConfigPathKey is the named injection key for the config file path. The
// caller provides it before invoking any service.
const ConfigPathKey = "config.path"

// RegisterSingletons registers all service providers as singletons, in
// dependency order:
//  1. Config (no dependencies)
//  2. Logger (Config)
//  3. Metrics (Config)
//  4. Store (Config, Logger)
//  5. FallbackCache, LocalCache (Config)
//  6. Engine, Advisor (Config, Store, Metrics, Logger)
//  7. Scheduler, Coordinator (all above)
//  8. Gate (everything)
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewMetrics)
	do.Provide(i, NewStore)
	do.Provide(i, NewFallbackCache)
	do.Provide(i, NewLocalCache)
	do.Provide(i, NewGate)
}
