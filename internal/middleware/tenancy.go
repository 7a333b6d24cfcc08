package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// OrgIDKey is the context key for storing the organization ID
	OrgIDKey ContextKey = "organization_id"

	// OrgIDHeader is the HTTP header carrying the organization ID
	OrgIDHeader = "X-Organization-ID"

	// orgIDPattern defines allowed characters for organization IDs
	orgIDPattern = `^[a-zA-Z0-9_-]+$`
)

var orgIDRegex = regexp.MustCompile(orgIDPattern)

// TenancyMiddleware extracts the X-Organization-ID header and scopes the
// request to that organization. Every tenant-aware route must carry it;
// requests without the header are rejected before reaching a handler.
func TenancyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetHeader(OrgIDHeader)

		if orgID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Missing organization identifier",
				"message": "X-Organization-ID header is required",
				"code":    "ORG_ID_REQUIRED",
			})
			c.Abort()
			return
		}

		if len(orgID) < 3 || len(orgID) > 128 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid organization identifier",
				"message": "X-Organization-ID must be between 3 and 128 characters",
				"code":    "INVALID_ORG_ID",
			})
			c.Abort()
			return
		}

		if !orgIDRegex.MatchString(orgID) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid organization identifier format",
				"message": "X-Organization-ID must contain only alphanumeric characters, hyphens, and underscores",
				"code":    "INVALID_ORG_ID_FORMAT",
			})
			c.Abort()
			return
		}

		c.Set(string(OrgIDKey), orgID)

		// Also store in the request context for non-Gin code paths.
		ctx := context.WithValue(c.Request.Context(), OrgIDKey, orgID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetOrgID retrieves the organization ID from the Gin context, or an empty
// string when the middleware did not run.
func GetOrgID(c *gin.Context) string {
	if orgID, exists := c.Get(string(OrgIDKey)); exists {
		if id, ok := orgID.(string); ok {
			return id
		}
	}
	return ""
}

// GetOrgIDFromContext retrieves the organization ID from a standard context,
// for use outside Gin handlers.
func GetOrgIDFromContext(ctx context.Context) string {
	if orgID := ctx.Value(OrgIDKey); orgID != nil {
		if id, ok := orgID.(string); ok {
			return id
		}
	}
	return ""
}

// MustGetOrgID retrieves the organization ID and panics when it is absent.
// Only use in handlers behind TenancyMiddleware; a missing ID there is a
// route wiring error, not a request error.
func MustGetOrgID(c *gin.Context) string {
	orgID := GetOrgID(c)
	if orgID == "" {
		panic("organization ID not found in context - ensure TenancyMiddleware is applied to this route")
	}
	return orgID
}
