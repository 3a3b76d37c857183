package cache

import (
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerMu  sync.RWMutex
	pkgLogger = zerolog.Nop()
)

// SetLogger sets the package-level logger for cache operations. Call during
// application initialization; the default is a no-op logger.
func SetLogger(l *zerolog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	pkgLogger = l.With().Str("component", "cache").Logger()
}

func logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return pkgLogger
}
