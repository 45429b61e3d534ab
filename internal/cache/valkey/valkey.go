// Package valkey provides a Valkey/Redis cache driver for multi-process
// deployments, where consent sessions must survive a restart and be visible
// to every instance.
package valkey

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mitchellh/mapstructure"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/luxbot/vipgate/internal/cache"
)

func init() {
	cache.RegisterDriver("valkey", func(options map[string]any) (cache.CacheWithCounter, error) {
		var opts Options
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, err
		}
		opts.applyDefaults()
		return New(&opts)
	})
}

// Options are the valkey driver settings from the
// [cache.drivers.valkey] config table.
type Options struct {
	Addr               string `mapstructure:"addr"`
	Password           string `mapstructure:"password"`
	DB                 int    `mapstructure:"db"`
	DialTimeoutMS      int    `mapstructure:"dial_timeout_ms"`
	DefaultTTLSeconds  int    `mapstructure:"default_ttl_seconds"`
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}
	if o.DialTimeoutMS <= 0 {
		o.DialTimeoutMS = 5000
	}
	if o.DefaultTTLSeconds <= 0 {
		o.DefaultTTLSeconds = int(cache.TTLSession.Seconds())
	}
}

// Cache is a Valkey-backed cache. It fails fast on an unreachable server
// rather than degrading silently.
type Cache struct {
	client     valkeygo.Client
	defaultTTL time.Duration
}

// New creates a new Valkey cache and verifies connectivity with a PING.
func New(opts *Options) (*Cache, error) {
	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
		Dialer:      net.Dialer{Timeout: time.Duration(opts.DialTimeoutMS) * time.Millisecond},
		// Server-assisted client caching is pointless for short-lived
		// session keys and unsupported by some test servers.
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	c := &Cache{
		client:     client,
		defaultTTL: time.Duration(opts.DefaultTTLSeconds) * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.DialTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey health check failed: %w", err)
	}

	return c, nil
}

// Get retrieves a value by key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, cache.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// Set stores a value with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.client.Do(ctx, c.client.B().Set().Key(key).
		Value(valkeygo.BinaryString(value)).
		ExSeconds(int64(ttl.Seconds())).Build()).Error()
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Do(ctx, c.client.B().Del().Key(key).Build()).Error()
}

// Increment adds delta to the counter and returns the new value.
// The TTL is only attached when the key is created.
func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	n, err := c.client.Do(ctx, c.client.B().Incrby().Key(key).Increment(delta).Build()).AsInt64()
	if err != nil {
		return 0, err
	}
	if n == delta {
		// First write for this key; attach the window TTL.
		if err := c.client.Do(ctx, c.client.B().Expire().Key(key).
			Seconds(int64(ttl.Seconds())).Build()).Error(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Close releases the client.
func (c *Cache) Close() error {
	c.client.Close()
	return nil
}

var _ cache.CacheWithCounter = (*Cache)(nil)
