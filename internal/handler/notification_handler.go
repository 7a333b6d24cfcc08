package handler

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/middleware"
	"github.com/boardgov/go-routing-engine/internal/service"
	"github.com/boardgov/go-routing-engine/internal/shared/errors"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// IdempotencyKeyHeader carries the caller's deduplication key for submissions.
const IdempotencyKeyHeader = "Idempotency-Key"

// NotificationHandler handles HTTP requests for the notification lifecycle.
type NotificationHandler struct {
	service *service.RoutingService
	log     *logger.Logger
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(service *service.RoutingService, log *logger.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		log:     log,
	}
}

// Submit ingests a notification and returns its routing decision. Repeating
// an Idempotency-Key replays the original submission with 200 instead of 201.
func (h *NotificationHandler) Submit(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)

	var req domain.SubmitNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid request", err))
		return
	}

	key := c.GetHeader(IdempotencyKeyHeader)
	result, err := h.service.Submit(c.Request.Context(), orgID, &req, key)
	if err != nil {
		h.log.Error("Failed to submit notification", "error", err, "organization_id", orgID)
		respondError(c, err, "Failed to submit notification")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// Acknowledge records the recipient's acknowledgment and cancels pending
// escalations. Acknowledging twice returns the current state unchanged.
func (h *NotificationHandler) Acknowledge(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	var req domain.AcknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid request", err))
		return
	}

	if _, err := h.service.GetNotification(c.Request.Context(), orgID, id); err != nil {
		respondError(c, err, "Notification not found")
		return
	}

	notification, err := h.service.Acknowledge(c.Request.Context(), id, req.UserID, req.ActionTaken)
	if err != nil {
		h.log.Error("Failed to acknowledge notification", "error", err, "id", id)
		respondError(c, err, "Failed to acknowledge notification")
		return
	}

	c.JSON(http.StatusOK, notification)
}

// Get returns one notification.
func (h *NotificationHandler) Get(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	notification, err := h.service.GetNotification(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, err, "Notification not found")
		return
	}

	c.JSON(http.StatusOK, notification)
}

// List returns a filtered page of the organization's notifications.
func (h *NotificationHandler) List(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)

	var req domain.ListNotificationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.NewValidationError("Invalid request", err))
		return
	}

	notifications, total, err := h.service.ListNotifications(c.Request.Context(), orgID, &req)
	if err != nil {
		h.log.Error("Failed to list notifications", "error", err, "organization_id", orgID)
		respondError(c, err, "Failed to list notifications")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      notifications,
		"total":     total,
		"page":      req.Page,
		"page_size": req.PageSize,
	})
}

// GetDecisions returns the notification's routing decisions, the primary
// planning pass first.
func (h *NotificationHandler) GetDecisions(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	decisions, err := h.service.GetDecisions(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, err, "Failed to load routing decisions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": decisions})
}

// ListDeliveries returns the per-attempt delivery records of a notification.
func (h *NotificationHandler) ListDeliveries(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	records, err := h.service.ListDeliveries(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, err, "Failed to load delivery records")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// ConfirmDelivery records a transport receipt for one delivery attempt.
// Transports may retry the callback; replays return the delivered record.
func (h *NotificationHandler) ConfirmDelivery(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")
	recordID := c.Param("record_id")

	record, err := h.service.ConfirmDelivery(c.Request.Context(), orgID, id, recordID)
	if err != nil {
		h.log.Error("Failed to confirm delivery", "error", err, "id", id, "record_id", recordID)
		respondError(c, err, "Failed to confirm delivery")
		return
	}

	c.JSON(http.StatusOK, record)
}

// ListEscalations returns the escalation records of a notification.
func (h *NotificationHandler) ListEscalations(c *gin.Context) {
	orgID := middleware.MustGetOrgID(c)
	id := c.Param("id")

	records, err := h.service.ListEscalations(c.Request.Context(), orgID, id)
	if err != nil {
		respondError(c, err, "Failed to load escalation records")
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// respondError maps service errors onto HTTP statuses by their stable code.
func respondError(c *gin.Context, err error, fallback string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		c.JSON(http.StatusInternalServerError, errors.NewInternalError(fallback, err))
		return
	}

	status := http.StatusInternalServerError
	switch appErr.Code {
	case "VALIDATION_ERROR":
		status = http.StatusBadRequest
	case "NOT_FOUND":
		status = http.StatusNotFound
	case "CONFLICT":
		status = http.StatusConflict
	case "UNAUTHORIZED":
		status = http.StatusUnauthorized
	}
	c.JSON(status, appErr)
}
