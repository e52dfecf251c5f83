// Package cache backs the dashboard's recent-requests list with Redis.
// Every method tolerates a nil client so the service runs without Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/domain"
	"github.com/mescon/Requestarr/internal/logger"
)

const recentKey = "requestarr:recent"

// NewRedisClient connects to the configured Redis server. It returns nil when
// no address is configured or the server does not answer a ping.
func NewRedisClient(cfg *config.Config) *redis.Client {
	if cfg == nil || cfg.RedisAddr == "" {
		logger.Infof("Redis not configured, recent-requests cache disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warnf("Redis at %s unreachable, recent-requests cache disabled: %v", cfg.RedisAddr, err)
		_ = rdb.Close()
		return nil
	}

	logger.Infof("Connected to Redis at %s", cfg.RedisAddr)
	return rdb
}

// RecentCache stores the newest requests as a JSON blob with a TTL.
type RecentCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRecentCache(rdb *redis.Client, ttl time.Duration) *RecentCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RecentCache{rdb: rdb, ttl: ttl}
}

// Enabled reports whether a Redis client is attached.
func (c *RecentCache) Enabled() bool {
	return c != nil && c.rdb != nil
}

func (c *RecentCache) GetRecent(ctx context.Context) ([]*domain.Request, bool) {
	if !c.Enabled() {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, recentKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Debugf("recent cache read failed: %v", err)
		}
		return nil, false
	}
	var reqs []*domain.Request
	if err := json.Unmarshal(raw, &reqs); err != nil {
		logger.Debugf("recent cache entry corrupt, ignoring: %v", err)
		return nil, false
	}
	return reqs, true
}

func (c *RecentCache) SetRecent(ctx context.Context, reqs []*domain.Request) {
	if !c.Enabled() {
		return
	}
	payload, err := json.Marshal(reqs)
	if err != nil {
		logger.Debugf("recent cache encode failed: %v", err)
		return
	}
	if err := c.rdb.SetEx(ctx, recentKey, payload, c.ttl).Err(); err != nil {
		logger.Debugf("recent cache write failed: %v", err)
	}
}

func (c *RecentCache) Bust(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	if err := c.rdb.Del(ctx, recentKey).Err(); err != nil {
		logger.Debugf("recent cache bust failed: %v", err)
	}
}

// Ping is used by the health endpoint. A disabled cache is healthy.
func (c *RecentCache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *RecentCache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.rdb.Close()
}
