package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/boardgov/go-routing-engine/internal/metrics"
)

// OrgRateLimiter manages token-bucket limiters per organization.
type OrgRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

// NewOrgRateLimiter creates a per-organization rate limiter.
func NewOrgRateLimiter(rps float64, burst int) *OrgRateLimiter {
	return &OrgRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

// GetLimiter returns the limiter for an organization, creating it on first use.
func (rl *OrgRateLimiter) GetLimiter(orgID string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[orgID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[orgID]
		if !exists {
			limiter = rate.NewLimiter(rl.rate, rl.burst)
			rl.limiters[orgID] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimitMiddleware rejects requests over the organization's API budget.
// It runs behind TenancyMiddleware, so the organization ID is already bound.
func RateLimitMiddleware(rl *OrgRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := GetOrgID(c)
		if orgID == "" {
			c.Next()
			return
		}

		if !rl.GetLimiter(orgID).Allow() {
			metrics.APIRateLimited.WithLabelValues(orgID).Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
