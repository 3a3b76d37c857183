package di

import (
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"

	"github.com/clipforge/ingestgate/internal/store"
)

// StoreService wraps the authoritative shared store.
type StoreService struct {
	Store store.Store
}

// Shutdown implements do.Shutdowner, closing the store connection.
func (s *StoreService) Shutdown() error {
	return s.Store.Close()
}

// NewStore connects to Redis per configuration. Connectivity is not probed
// here; the circuit breaker and Ping-based tooling handle unreachable stores
// at call time.
func NewStore(i do.Injector) (*StoreService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	logSvc := do.MustInvoke[*LoggerService](i)
	rc := cfgSvc.Get().Redis

	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		DialTimeout:  rc.GetDialTimeout(),
		ReadTimeout:  rc.GetOpTimeout(),
		WriteTimeout: rc.GetOpTimeout(),
	})

	return &StoreService{Store: store.NewRedis(client, logSvc.Logger)}, nil
}
