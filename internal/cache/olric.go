package cache

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/olric-data/olric"
	olricconfig "github.com/olric-data/olric/config"
	"github.com/rs/zerolog"
)

// olricCache implements Cache over an Olric distributed map. It is the
// durable fallback tier: worker processes form (or join) a small cluster, so
// terminal idempotency results written here survive a Redis outage and stay
// visible to every worker.
type olricCache struct {
	db     *olric.Olric // non-nil only in embedded mode
	client olric.Client
	dmap   olric.DMap
	log    zerolog.Logger
	closed atomic.Bool
}

var (
	_ Cache  = (*olricCache)(nil)
	_ Pinger = (*olricCache)(nil)
)

func newOlricCache(ctx context.Context, cfg *OlricConfig) (*olricCache, error) {
	olog := logger().With().Str("backend", "olric").Logger()

	dmapName := cfg.DMapName
	if dmapName == "" {
		dmapName = "ingestgate"
	}

	if cfg.Embedded {
		return newEmbeddedOlric(ctx, cfg, dmapName, olog)
	}
	return newClusterOlric(ctx, cfg, dmapName, olog)
}

func newEmbeddedOlric(ctx context.Context, cfg *OlricConfig, dmapName string, olog zerolog.Logger) (*olricCache, error) {
	c := olricconfig.New("local")

	host, port := splitBindAddr(cfg.BindAddr)
	c.BindAddr = host
	if port > 0 {
		c.BindPort = port
	}
	if len(cfg.Peers) > 0 {
		c.Peers = cfg.Peers
	}

	// Olric's own logging is noisy; route it to the void and log state
	// transitions ourselves.
	c.LogOutput = io.Discard
	c.Logger = log.New(io.Discard, "", 0)

	ready := make(chan struct{})
	c.Started = func() { close(ready) }

	db, err := olric.New(c)
	if err != nil {
		return nil, err
	}

	startErr := make(chan error, 1)
	go func() {
		if err := db.Start(); err != nil {
			startErr <- err
		}
	}()

	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case <-ready:
	case err := <-startErr:
		return nil, err
	case <-startupCtx.Done():
		olog.Warn().Msg("olric: startup timeout, proceeding")
	}

	client := db.NewEmbeddedClient()
	dm, err := client.NewDMap(dmapName)
	if err != nil {
		if shutdownErr := db.Shutdown(context.Background()); shutdownErr != nil {
			olog.Error().Err(shutdownErr).Msg("olric: shutdown after dmap failure")
		}
		return nil, err
	}

	olog.Info().
		Str("bind_addr", cfg.BindAddr).
		Str("dmap", dmapName).
		Int("peers", len(cfg.Peers)).
		Msg("olric embedded cache created")

	return &olricCache{db: db, client: client, dmap: dm, log: olog}, nil
}

func newClusterOlric(ctx context.Context, cfg *OlricConfig, dmapName string, olog zerolog.Logger) (*olricCache, error) {
	client, err := olric.NewClusterClient(cfg.Addresses)
	if err != nil {
		return nil, err
	}

	dm, err := client.NewDMap(dmapName)
	if err != nil {
		if closeErr := client.Close(ctx); closeErr != nil {
			olog.Error().Err(closeErr).Msg("olric: close after dmap failure")
		}
		return nil, err
	}

	olog.Info().
		Strs("addresses", cfg.Addresses).
		Str("dmap", dmapName).
		Msg("olric cluster cache created")

	return &olricCache{client: client, dmap: dm, log: olog}, nil
}

func (o *olricCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.closed.Load() {
		return nil, ErrClosed
	}

	resp, err := o.dmap.Get(ctx, key)
	if err != nil {
		if errors.Is(err, olric.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Byte()
}

func (o *olricCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.closed.Load() {
		return ErrClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	return o.dmap.Put(ctx, key, stored, olric.EX(ttl))
}

func (o *olricCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.closed.Load() {
		return ErrClosed
	}
	_, err := o.dmap.Delete(ctx, key)
	return err
}

// Ping validates cluster connectivity by issuing a read for a sentinel key.
func (o *olricCache) Ping(ctx context.Context) error {
	if o.closed.Load() {
		return ErrClosed
	}
	_, err := o.dmap.Get(ctx, "__ping__")
	if err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (o *olricCache) Close() error {
	if o.closed.Swap(true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := o.client.Close(ctx); err != nil {
		o.log.Error().Err(err).Msg("olric: client close")
	}
	if o.db != nil {
		if err := o.db.Shutdown(ctx); err != nil {
			o.log.Error().Err(err).Msg("olric: embedded shutdown")
			return err
		}
	}
	o.log.Info().Msg("olric cache closed")
	return nil
}

// splitBindAddr splits host:port, tolerating a bare host.
func splitBindAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
