package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/clipforge/ingestgate/internal/config"
)

// ConfigService wraps the loaded configuration with hot-reload support.
// Components read through the Runtime so in-flight operations keep their
// snapshot while new operations pick up reloaded config.
type ConfigService struct {
	runtime *config.Runtime
	watcher *config.Watcher
	path    string
}

// Runtime returns the hot-reloadable read handle.
func (c *ConfigService) Runtime() config.RuntimeConfig {
	return c.runtime
}

// Get returns the current snapshot.
func (c *ConfigService) Get() *config.Config {
	return c.runtime.Get()
}

// OnReload registers a callback for successfully reloaded snapshots.
func (c *ConfigService) OnReload(cb config.ReloadCallback) {
	if c.watcher != nil {
		c.watcher.OnReload(cb)
	}
}

// StartWatching begins watching the config file in the background. Cancel
// the context to stop. Call after the container is fully built so reload
// callbacks are registered first.
func (c *ConfigService) StartWatching(ctx context.Context) {
	if c.watcher == nil {
		return
	}
	go func() {
		if err := c.watcher.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watcher error")
		}
	}()
	log.Info().Str("path", c.path).Msg("config file watcher started")
}

// NewConfig loads the configuration and creates a watcher. The watcher is
// created but not started; call StartWatching after container init.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	svc := &ConfigService{
		runtime: config.NewRuntime(cfg),
		path:    path,
	}

	// Hot reload is optional; a watcher failure only disables it.
	watcher, err := config.NewWatcher(path, svc.runtime)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher creation failed, hot-reload disabled")
	} else {
		svc.watcher = watcher
	}

	return svc, nil
}
