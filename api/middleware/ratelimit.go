package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/use-agent/scrape/config"
	"github.com/use-agent/scrape/models"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per identity.
type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

func newLimiterStore(cfg config.RateLimitConfig) *limiterStore {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &limiterStore{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
	}
}

func (s *limiterStore) get(identity string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.limiters[identity]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rps, s.burst)}
		s.limiters[identity] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// sweep evicts identities not seen since cutoff.
func (s *limiterStore) sweep(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(s.limiters, id)
		}
	}
}

// RateLimit returns per-identity (API key or IP) token-bucket rate limiting
// middleware powered by golang.org/x/time/rate. A non-positive rate
// disables limiting.
//
// Entries unused for 1 hour are evicted by a background goroutine that runs
// every 5 minutes.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	store := newLimiterStore(cfg)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for now := range ticker.C {
			store.sweep(now.Add(-time.Hour))
		}
	}()

	return func(c *gin.Context) {
		// Prefer API key as identity (set by auth middleware); fall back to IP.
		identity := c.GetString(IdentityKey)
		if identity == "" {
			identity = c.ClientIP()
		}

		now := time.Now()
		limiter := store.get(identity, now)
		if !limiter.AllowN(now, 1) {
			wait := math.Ceil(1 / float64(store.rps))
			c.Header("Retry-After", strconv.Itoa(int(wait)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeRateLimited,
					Message: "rate limit exceeded, please slow down",
				},
			})
			return
		}

		c.Next()
	}
}
