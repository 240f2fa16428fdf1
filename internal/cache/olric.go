package cache

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olric-data/olric"
	olricconfig "github.com/olric-data/olric/config"
	"github.com/rs/zerolog"
)

const olricStartTimeout = 10 * time.Second

// olricCache shares records between gateway instances through an olric DMap.
// It is not process-local: the quota coordinator only reads it for views and
// never grants against it.
type olricCache struct {
	db     *olric.Olric // embedded node, nil in client mode
	client olric.Client
	dmap   olric.DMap
	log    zerolog.Logger
	mu     sync.RWMutex
	closed atomic.Bool
}

var (
	_ Cache    = (*olricCache)(nil)
	_ Pinger   = (*olricCache)(nil)
	_ Locality = (*olricCache)(nil)
)

func newOlricCache(ctx context.Context, cfg *OlricConfig) (*olricCache, error) {
	lg := logger().With().Str("backend", "olric").Logger()
	name := cfg.DMapName
	if name == "" {
		name = DefaultOlricConfig().DMapName
	}
	if cfg.Embedded {
		return newEmbeddedOlric(ctx, cfg, name, lg)
	}
	return newClusterOlric(ctx, cfg, name, lg)
}

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

func newEmbeddedOlric(ctx context.Context, cfg *OlricConfig, name string, lg zerolog.Logger) (*olricCache, error) {
	c := olricconfig.New("local")
	host, port := splitBindAddr(cfg.BindAddr)
	c.BindAddr = host
	if port > 0 {
		c.BindPort = port
	}
	if len(cfg.Peers) > 0 {
		c.Peers = cfg.Peers
	}
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

	startCtx, cancel := context.WithTimeout(ctx, olricStartTimeout)
	defer cancel()
	select {
	case <-ready:
	case err := <-startErr:
		return nil, err
	case <-startCtx.Done():
		_ = db.Shutdown(context.Background())
		return nil, startCtx.Err()
	}

	client := db.NewEmbeddedClient()
	dm, err := client.NewDMap(name)
	if err != nil {
		_ = db.Shutdown(context.Background())
		return nil, err
	}

	lg.Info().Str("bind_addr", host).Int("bind_port", port).Str("dmap", name).
		Int("peers", len(cfg.Peers)).Msg("olric embedded node started")
	return &olricCache{db: db, client: client, dmap: dm, log: lg}, nil
}

func newClusterOlric(ctx context.Context, cfg *OlricConfig, name string, lg zerolog.Logger) (*olricCache, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("cache: olric addresses required for client mode")
	}
	client, err := olric.NewClusterClient(cfg.Addresses)
	if err != nil {
		return nil, err
	}
	dm, err := client.NewDMap(name)
	if err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	lg.Info().Strs("addresses", cfg.Addresses).Str("dmap", name).Msg("olric cluster client connected")
	return &olricCache{client: client, dmap: dm, log: lg}, nil
}

func (o *olricCache) open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (o *olricCache) Get(ctx context.Context, key string) ([]byte, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err := o.open(ctx); err != nil {
		return nil, err
	}

	resp, err := o.dmap.Get(ctx, key)
	if errors.Is(err, olric.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return resp.Byte()
}

func (o *olricCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err := o.open(ctx); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	return o.dmap.Put(ctx, key, v, olric.EX(ttl))
}

func (o *olricCache) Delete(ctx context.Context, key string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if err := o.open(ctx); err != nil {
		return err
	}
	_, err := o.dmap.Delete(ctx, key)
	if err != nil && !errors.Is(err, olric.ErrKeyNotFound) {
		return err
	}
	return nil
}

func (o *olricCache) Ping(ctx context.Context) error {
	_, err := o.Get(ctx, "__llmgw_ping__")
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (o *olricCache) ProcessLocal() bool { return false }

func (o *olricCache) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed.Swap(true) {
		return nil
	}

	ctx := context.Background()
	if err := o.dmap.Close(ctx); err != nil {
		o.log.Debug().Err(err).Msg("olric dmap close error")
	}
	if o.db != nil {
		return o.db.Shutdown(ctx)
	}
	return o.client.Close(ctx)
}
