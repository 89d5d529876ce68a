package http

import (
	stdhttp "net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RateLimiter allows limit attempts per key within a sliding interval.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewRateLimiter(c clock.Clock, limit int, interval time.Duration) *RateLimiter {
	if c == nil {
		c = clock.New()
	}
	return &RateLimiter{
		clock:    c,
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}
	rl.history[key] = append(fresh, now)
	return true
}

// Middleware rejects requests from a client token that is over its limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(clientTokenKey)
		if !rl.Allow(key) {
			log.Warn().Str("module", "adapters.http").Str("client", key).Str("path", c.FullPath()).Msg("rate limited")
			c.AbortWithStatusJSON(stdhttp.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
