package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenancyRouter() (*gin.Engine, *string, *string) {
	gin.SetMode(gin.TestMode)
	var seenGin, seenCtx string
	router := gin.New()
	router.Use(TenancyMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		seenGin = MustGetOrgID(c)
		seenCtx = GetOrgIDFromContext(c.Request.Context())
		c.Status(http.StatusOK)
	})
	return router, &seenGin, &seenCtx
}

func doPing(router *gin.Engine, orgID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if orgID != "" {
		req.Header.Set(OrgIDHeader, orgID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestTenancyMiddleware_BindsOrganizationID(t *testing.T) {
	router, seenGin, seenCtx := tenancyRouter()

	w := doPing(router, "org-42")
	require.Equal(t, http.StatusOK, w.Code)

	// The organization ID is visible through both the gin context and the
	// request context used by non-gin code.
	assert.Equal(t, "org-42", *seenGin)
	assert.Equal(t, "org-42", *seenCtx)
}

func TestTenancyMiddleware_RejectsMissingHeader(t *testing.T) {
	router, _, _ := tenancyRouter()

	w := doPing(router, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "ORG_ID_REQUIRED")
}

func TestTenancyMiddleware_RejectsBadLength(t *testing.T) {
	router, _, _ := tenancyRouter()

	w := doPing(router, "ab")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_ORG_ID")

	w = doPing(router, strings.Repeat("a", 129))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_ORG_ID")
}

func TestTenancyMiddleware_RejectsBadCharacters(t *testing.T) {
	router, _, _ := tenancyRouter()

	for _, orgID := range []string{"org 1", "org/1", "org.1", "org$1"} {
		w := doPing(router, orgID)
		assert.Equal(t, http.StatusBadRequest, w.Code, "org id %q", orgID)
		assert.Contains(t, w.Body.String(), "INVALID_ORG_ID_FORMAT")
	}
}

func TestTenancyMiddleware_AcceptsAllowedCharacters(t *testing.T) {
	router, seenGin, _ := tenancyRouter()

	w := doPing(router, "Org_42-test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Org_42-test", *seenGin)
}

func TestGetOrgID_WithoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	assert.Equal(t, "", GetOrgID(c))
	assert.Panics(t, func() { MustGetOrgID(c) })
}
