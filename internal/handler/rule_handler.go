package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/engine"
	"github.com/boardgov/go-routing-engine/internal/middleware"
	"github.com/boardgov/go-routing-engine/internal/repository"
	"github.com/boardgov/go-routing-engine/internal/shared/errors"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// RuleHandler handles the routing rule admin surface. Writes invalidate the
// planning cache so the next plan sees the new rule set.
type RuleHandler struct {
	rules *repository.RuleRepository
	cache *engine.CachedRuleSource
	log   *logger.Logger
}

// NewRuleHandler creates a new rule handler.
func NewRuleHandler(rules *repository.RuleRepository, cache *engine.CachedRuleSource, log *logger.Logger) *RuleHandler {
	return &RuleHandler{
		rules: rules,
		cache: cache,
		log:   log,
	}
}

// visible reports whether a rule belongs to the requesting organization's
// view: its own rules plus global ones.
func visible(rule *domain.RoutingRule, orgID string) bool {
	return rule.Scope == domain.ScopeGlobal || rule.OrganizationID == orgID
}

// invalidate drops the cached rule view touched by a write.
func (h *RuleHandler) invalidate(rule *domain.RoutingRule) {
	if rule.Scope == domain.ScopeGlobal {
		h.cache.InvalidateAll()
		return
	}
	h.cache.Invalidate(rule.OrganizationID)
}

// Create stores a new routing rule.
func (h *RuleHandler) Create(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)

	var req domain.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid request", err))
		return
	}

	rule := &domain.RoutingRule{
		Name:                req.Name,
		Scope:               req.Scope,
		Category:            req.Category,
		Priority:            req.Priority,
		MinPriority:         req.MinPriority,
		Context:             req.Context,
		PrimaryChannels:     req.PrimaryChannels,
		FallbackChannels:    req.FallbackChannels,
		Immediate:           req.Immediate,
		RespectDND:          req.RespectDND,
		BusinessHoursOnly:   req.BusinessHoursOnly,
		DNDOverrideChannels: req.DNDOverrideChannels,
		Escalation:          req.Escalation,
		RulePriority:        req.RulePriority,
		Conditions:          req.Conditions,
		IsActive:            true,
	}
	if rule.Scope == domain.ScopeOrganization {
		rule.OrganizationID = orgID
	}

	if err := h.rules.Create(c.Request.Context(), rule); err != nil {
		h.log.Error("Failed to create rule", "error", err, "organization_id", orgID)
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid rule", err))
		return
	}

	h.invalidate(rule)
	c.JSON(http.StatusCreated, rule)
}

// Get returns one rule from the organization's view.
func (h *RuleHandler) Get(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	rule, err := h.rules.FindByID(c.Request.Context(), id)
	if err != nil || !visible(rule, orgID) {
		c.JSON(http.StatusNotFound, errors.NewNotFoundError("Rule not found", err))
		return
	}

	c.JSON(http.StatusOK, rule)
}

// List returns the organization's own rules with pagination.
func (h *RuleHandler) List(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	rules, total, err := h.rules.FindByOrganization(c.Request.Context(), orgID, page, pageSize)
	if err != nil {
		h.log.Error("Failed to list rules", "error", err, "organization_id", orgID)
		c.JSON(http.StatusInternalServerError, errors.NewInternalError("Failed to list rules", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      rules,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Update replaces a rule's body and bumps its version.
func (h *RuleHandler) Update(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	var req domain.UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid request", err))
		return
	}

	rule, err := h.rules.FindByID(c.Request.Context(), id)
	if err != nil || !visible(rule, orgID) {
		c.JSON(http.StatusNotFound, errors.NewNotFoundError("Rule not found", err))
		return
	}

	rule.Name = req.Name
	rule.Category = req.Category
	rule.Priority = req.Priority
	rule.MinPriority = req.MinPriority
	rule.Context = req.Context
	rule.PrimaryChannels = req.PrimaryChannels
	rule.FallbackChannels = req.FallbackChannels
	rule.Immediate = req.Immediate
	rule.RespectDND = req.RespectDND
	rule.BusinessHoursOnly = req.BusinessHoursOnly
	rule.DNDOverrideChannels = req.DNDOverrideChannels
	rule.Escalation = req.Escalation
	rule.RulePriority = req.RulePriority
	rule.Conditions = req.Conditions
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := h.rules.Update(c.Request.Context(), rule); err != nil {
		h.log.Error("Failed to update rule", "error", err, "id", id)
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid rule", err))
		return
	}

	h.invalidate(rule)
	c.JSON(http.StatusOK, rule)
}

// Deactivate soft-deletes a rule. The rule document stays for decision audit
// trails; it just stops matching.
func (h *RuleHandler) Deactivate(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	rule, err := h.rules.FindByID(c.Request.Context(), id)
	if err != nil || !visible(rule, orgID) {
		c.JSON(http.StatusNotFound, errors.NewNotFoundError("Rule not found", err))
		return
	}

	if err := h.rules.Deactivate(c.Request.Context(), id); err != nil {
		h.log.Error("Failed to deactivate rule", "error", err, "id", id)
		c.JSON(http.StatusInternalServerError, errors.NewInternalError("Failed to deactivate rule", err))
		return
	}

	h.invalidate(rule)
	c.JSON(http.StatusOK, gin.H{"message": "Rule deactivated"})
}
