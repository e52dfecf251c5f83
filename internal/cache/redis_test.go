package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
)

// =============================================================================
// NewRedisClient
// =============================================================================

func TestNewRedisClient_NotConfigured(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.RedisAddr = ""
	if rdb := NewRedisClient(cfg); rdb != nil {
		t.Error("expected nil client without an address")
	}
	if rdb := NewRedisClient(nil); rdb != nil {
		t.Error("expected nil client for nil config")
	}
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	cfg := config.NewTestConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	if rdb := NewRedisClient(cfg); rdb != nil {
		_ = rdb.Close()
		t.Error("expected nil client when the ping fails")
	}
}

// =============================================================================
// RecentCache degradation
// =============================================================================

func TestRecentCache_NilClientIsNoop(t *testing.T) {
	c := NewRecentCache(nil, time.Minute)
	ctx := context.Background()

	if c.Enabled() {
		t.Error("cache without client should be disabled")
	}
	c.SetRecent(ctx, []*domain.Request{{ID: "r1"}})
	if _, ok := c.GetRecent(ctx); ok {
		t.Error("disabled cache should always miss")
	}
	c.Bust(ctx)
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping on disabled cache = %v, want nil", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close on disabled cache = %v, want nil", err)
	}
}

func TestRecentCache_NilReceiver(t *testing.T) {
	var c *RecentCache
	if c.Enabled() {
		t.Error("nil cache should be disabled")
	}
	if _, ok := c.GetRecent(context.Background()); ok {
		t.Error("nil cache should miss")
	}
}

func TestRecentCache_ServerDownMisses(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
	defer rdb.Close()

	c := NewRecentCache(rdb, time.Minute)
	ctx := context.Background()

	c.SetRecent(ctx, []*domain.Request{{ID: "r1"}})
	if _, ok := c.GetRecent(ctx); ok {
		t.Error("unreachable server should read as a miss")
	}
	c.Bust(ctx)
	if err := c.Ping(ctx); err == nil {
		t.Error("Ping should surface the connection error")
	}
}

func TestNewRecentCache_DefaultTTL(t *testing.T) {
	c := NewRecentCache(nil, 0)
	if c.ttl != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m default", c.ttl)
	}
}
