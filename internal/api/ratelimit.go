package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	defaultVoteRate  = rate.Limit(5)
	defaultVoteBurst = 10

	limiterIdle = 10 * time.Minute
)

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// perIPRateLimit throttles the public vote endpoints per client IP.
// Entries for quiet IPs are dropped after limiterIdle.
func perIPRateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	if r <= 0 {
		r = defaultVoteRate
	}
	if burst <= 0 {
		burst = defaultVoteBurst
	}

	var (
		mu      sync.Mutex
		entries = make(map[string]*limiterEntry)
		swept   = time.Now()
	)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		if now.Sub(swept) > limiterIdle {
			for k, e := range entries {
				if now.Sub(e.seen) > limiterIdle {
					delete(entries, k)
				}
			}
			swept = now
		}

		e, ok := entries[ip]
		if !ok {
			e = &limiterEntry{lim: rate.NewLimiter(r, burst)}
			entries[ip] = e
		}
		e.seen = now
		allowed := e.lim.Allow()
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "too many requests"})
			return
		}
		c.Next()
	}
}
