package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/engine"
	"github.com/boardgov/go-routing-engine/internal/middleware"
	"github.com/boardgov/go-routing-engine/internal/repository"
	"github.com/boardgov/go-routing-engine/internal/shared/errors"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// ProfileHandler handles the routing profile admin surface. Writes invalidate
// the planning cache so the next plan resolves against fresh preferences.
type ProfileHandler struct {
	profiles *repository.ProfileRepository
	cache    *engine.CachedProfileSource
	log      *logger.Logger
}

// NewProfileHandler creates a new profile handler.
func NewProfileHandler(profiles *repository.ProfileRepository, cache *engine.CachedProfileSource, log *logger.Logger) *ProfileHandler {
	return &ProfileHandler{
		profiles: profiles,
		cache:    cache,
		log:      log,
	}
}

// scopeParams extracts and checks the (scope, user) addressing of a profile
// tier. The global tier is builtin and not writable through the API.
func scopeParams(c *gin.Context) (domain.ProfileScope, string, bool) {
	scope := domain.ProfileScope(c.Query("scope"))
	userID := c.Query("user_id")
	switch scope {
	case domain.ProfileScopeUser:
		if userID == "" {
			c.JSON(http.StatusBadRequest, errors.NewValidationError("user_id is required for user scope", nil))
			return "", "", false
		}
	case domain.ProfileScopeOrganization:
		userID = ""
	default:
		c.JSON(http.StatusBadRequest, errors.NewValidationError("scope must be user or organization", nil))
		return "", "", false
	}
	return scope, userID, true
}

// invalidate drops the cached profile view touched by a write. Organization
// defaults feed every member's resolution chain, so they purge everything.
func (h *ProfileHandler) invalidate(scope domain.ProfileScope, userID, orgID string) {
	if scope == domain.ProfileScopeOrganization {
		h.cache.InvalidateAll()
		return
	}
	h.cache.Invalidate(userID, orgID)
}

// Upsert creates or replaces a profile tier.
func (h *ProfileHandler) Upsert(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)

	var req domain.UpsertProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid request", err))
		return
	}
	if req.Scope != domain.ProfileScopeUser && req.Scope != domain.ProfileScopeOrganization {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("scope must be user or organization", nil))
		return
	}

	profile := &domain.UserRoutingProfile{
		Scope:          req.Scope,
		UserID:         req.UserID,
		OrganizationID: orgID,
		Timezone:       req.Timezone,
		BusinessHours:  req.BusinessHours,
		DNDWindows:     req.DNDWindows,
		Channels:       req.Channels,
		Categories:     req.Categories,
		Contexts:       req.Contexts,
	}
	if profile.Scope == domain.ProfileScopeOrganization {
		profile.UserID = ""
	}

	if err := h.profiles.Upsert(c.Request.Context(), profile); err != nil {
		h.log.Error("Failed to upsert profile", "error", err, "organization_id", orgID)
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid profile", err))
		return
	}

	h.invalidate(profile.Scope, profile.UserID, orgID)
	c.JSON(http.StatusOK, profile)
}

// Get returns one stored profile tier. 404 means the tier is absent and
// resolution falls through to the next one.
func (h *ProfileHandler) Get(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	scope, userID, ok := scopeParams(c)
	if !ok {
		return
	}

	profile, err := h.profiles.FindByScope(c.Request.Context(), scope, orgID, userID)
	if err != nil {
		h.log.Error("Failed to load profile", "error", err, "organization_id", orgID)
		c.JSON(http.StatusInternalServerError, errors.NewInternalError("Failed to load profile", err))
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, errors.NewNotFoundError("Profile not found", nil))
		return
	}

	c.JSON(http.StatusOK, profile)
}

// GetEffective returns the profile a plan would use for a user right now:
// the user tier, else the organization default, else the builtin default.
func (h *ProfileHandler) GetEffective(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	userID := c.Param("user_id")

	profile, err := h.profiles.RoutingProfile(c.Request.Context(), userID, orgID)
	if err != nil {
		h.log.Error("Failed to resolve profile", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, errors.NewInternalError("Failed to resolve profile", err))
		return
	}
	if profile == nil {
		profile = domain.DefaultProfile()
	}

	c.JSON(http.StatusOK, profile)
}

// Delete removes a profile tier so resolution falls through to the next one.
func (h *ProfileHandler) Delete(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	scope, userID, ok := scopeParams(c)
	if !ok {
		return
	}

	if err := h.profiles.Delete(c.Request.Context(), scope, orgID, userID); err != nil {
		h.log.Error("Failed to delete profile", "error", err, "organization_id", orgID)
		c.JSON(http.StatusInternalServerError, errors.NewInternalError("Failed to delete profile", err))
		return
	}

	h.invalidate(scope, userID, orgID)
	c.JSON(http.StatusOK, gin.H{"message": "Profile deleted"})
}
