package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rateLimitedRouter(rl *OrgRateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TenancyMiddleware())
	router.Use(RateLimitMiddleware(rl))
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func TestRateLimitMiddleware_EnforcesPerOrganizationBudget(t *testing.T) {
	// Zero refill rate makes the burst the whole budget.
	rl := NewOrgRateLimiter(0, 2)
	router := rateLimitedRouter(rl)

	for i := 0; i < 2; i++ {
		w := doPing(router, "org-a")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := doPing(router, "org-a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Another organization draws from its own bucket.
	w = doPing(router, "org-b")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_PassesWithoutOrganization(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// No tenancy middleware: the limiter has no organization to key on and
	// lets the request through for non-tenant routes.
	router.Use(RateLimitMiddleware(NewOrgRateLimiter(0, 0)))
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetLimiter_ReusesPerOrganizationInstance(t *testing.T) {
	rl := NewOrgRateLimiter(10, 5)

	first := rl.GetLimiter("org-a")
	second := rl.GetLimiter("org-a")
	other := rl.GetLimiter("org-b")

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)
}
