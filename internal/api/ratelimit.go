package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a token bucket per caller. Callers are keyed by acting user
// when X-User-ID resolved, otherwise by client IP.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	rate      int           // tokens per interval
	interval  time.Duration // refill interval
	burst     int           // max tokens (bucket size)
	lastSweep time.Time
	now       func() time.Time
}

type clientBucket struct {
	tokens    int
	lastCheck time.Time
}

// staleAfter is how long an idle bucket is kept before it is swept.
const staleAfter = 10 * time.Minute

// NewRateLimiter creates a rate limiter with specified rate (requests per interval) and burst size
func NewRateLimiter(rate int, interval time.Duration, burst int) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*clientBucket),
		rate:      rate,
		interval:  interval,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow reports whether a request for key may proceed and takes a token.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > staleAfter {
		rl.sweep(now)
	}

	bucket, exists := rl.clients[key]
	if !exists {
		rl.clients[key] = &clientBucket{
			tokens:    rl.burst - 1, // -1 for this request
			lastCheck: now,
		}
		return true
	}

	// Refill whole intervals only; the remainder carries over.
	intervals := int(now.Sub(bucket.lastCheck) / rl.interval)
	if intervals > 0 {
		bucket.tokens += intervals * rl.rate
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastCheck = bucket.lastCheck.Add(time.Duration(intervals) * rl.interval)
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) sweep(now time.Time) {
	threshold := now.Add(-staleAfter)
	for key, bucket := range rl.clients {
		if bucket.lastCheck.Before(threshold) {
			delete(rl.clients, key)
		}
	}
	rl.lastSweep = now
}

// Middleware returns a Gin middleware that rate limits requests
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := actorID(c)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !rl.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": rl.interval.Seconds(),
			})
			return
		}
		c.Next()
	}
}
