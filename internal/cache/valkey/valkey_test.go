package valkey_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/luxbot/vipgate/internal/cache"
	"github.com/luxbot/vipgate/internal/cache/valkey"
)

func newTestCache(t *testing.T) (*valkey.Cache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)

	c, err := valkey.New(&valkey.Options{
		Addr:              s.Addr(),
		DialTimeoutMS:     1000,
		DefaultTTLSeconds: 60,
	})
	if err != nil {
		t.Fatalf("failed to create valkey cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, s
}

func TestNewFailFastUnreachable(t *testing.T) {
	_, err := valkey.New(&valkey.Options{
		Addr:          "localhost:59999", // unlikely to have a server here
		DialTimeoutMS: 100,
	})
	if err == nil {
		t.Fatal("expected error when connecting to unreachable server, got nil")
	}
	t.Logf("got expected error: %v", err)
}

func TestGetSetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSetAttachesTTL(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), 30*time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if ttl := s.TTL("k"); ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("expected TTL within (0, 30s], got %v", ttl)
	}

	// Value expires server-side.
	s.FastForward(31 * time.Second)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestIncrement(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	n, err := c.Increment(ctx, "counter", 1, 30*time.Second)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}
	if ttl := s.TTL("counter"); ttl <= 0 {
		t.Errorf("expected TTL on first increment, got %v", ttl)
	}

	n, err = c.Increment(ctx, "counter", 2, 30*time.Second)
	if err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
}

func TestRegisteredDriver(t *testing.T) {
	s := miniredis.RunT(t)

	c, err := cache.NewFromConfig("valkey", map[string]map[string]any{
		"valkey": {"addr": s.Addr(), "dial_timeout_ms": 1000},
	})
	if err != nil {
		t.Fatalf("NewFromConfig failed: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set with default TTL failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Errorf("Get failed: %v", err)
	}
}
