package domain

import "fmt"

// SubmitNotificationRequest represents a request to submit a notification
// for routing. The organization id comes from the tenancy middleware and the
// idempotency key from the Idempotency-Key header.
type SubmitNotificationRequest struct {
	RecipientUserID string         `json:"recipient_user_id" binding:"required"`
	Category        Category       `json:"category" binding:"required"`
	Priority        Priority       `json:"priority" binding:"required"`
	Context         RoutingContext `json:"context" binding:"required"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// Validate rejects unknown enum values before a notification is created.
func (r *SubmitNotificationRequest) Validate() error {
	if !r.Category.IsValid() {
		return fmt.Errorf("invalid category: %q", r.Category)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %q", r.Priority)
	}
	if !r.Context.IsValid() {
		return fmt.Errorf("invalid context: %q", r.Context)
	}
	return nil
}

// AcknowledgeRequest represents a recipient acknowledging a notification.
type AcknowledgeRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	ActionTaken bool   `json:"action_taken"`
}

// CreateRuleRequest represents a request to create a routing rule.
type CreateRuleRequest struct {
	Name                string           `json:"name" binding:"required"`
	Scope               RuleScope        `json:"scope" binding:"required"`
	Category            Category         `json:"category" binding:"required"`
	Priority            Priority         `json:"priority" binding:"required"`
	MinPriority         bool             `json:"min_priority"`
	Context             RoutingContext   `json:"context,omitempty"`
	PrimaryChannels     []Channel        `json:"primary_channels" binding:"required,min=1"`
	FallbackChannels    []Channel        `json:"fallback_channels,omitempty"`
	Immediate           bool             `json:"immediate"`
	RespectDND          bool             `json:"respect_dnd"`
	BusinessHoursOnly   bool             `json:"business_hours_only"`
	DNDOverrideChannels []Channel        `json:"dnd_override_channels,omitempty"`
	Escalation          EscalationPolicy `json:"escalation"`
	RulePriority        int              `json:"rule_priority"`
	Conditions          map[string]any   `json:"conditions,omitempty"`
}

// UpdateRuleRequest represents a request to update a routing rule. Updates
// replace the rule body and bump its version.
type UpdateRuleRequest struct {
	Name                string           `json:"name" binding:"required"`
	Category            Category         `json:"category" binding:"required"`
	Priority            Priority         `json:"priority" binding:"required"`
	MinPriority         bool             `json:"min_priority"`
	Context             RoutingContext   `json:"context,omitempty"`
	PrimaryChannels     []Channel        `json:"primary_channels" binding:"required,min=1"`
	FallbackChannels    []Channel        `json:"fallback_channels,omitempty"`
	Immediate           bool             `json:"immediate"`
	RespectDND          bool             `json:"respect_dnd"`
	BusinessHoursOnly   bool             `json:"business_hours_only"`
	DNDOverrideChannels []Channel        `json:"dnd_override_channels,omitempty"`
	Escalation          EscalationPolicy `json:"escalation"`
	RulePriority        int              `json:"rule_priority"`
	Conditions          map[string]any   `json:"conditions,omitempty"`
	IsActive            *bool            `json:"is_active,omitempty"`
}

// UpsertProfileRequest represents a request to create or replace a routing
// profile for a user or as an organization default.
type UpsertProfileRequest struct {
	Scope         ProfileScope                      `json:"scope" binding:"required"`
	UserID        string                            `json:"user_id,omitempty"`
	Timezone      string                            `json:"timezone"`
	BusinessHours BusinessHours                     `json:"business_hours"`
	DNDWindows    []ClockWindow                     `json:"dnd_windows,omitempty"`
	Channels      map[Channel]ChannelSetting        `json:"channels" binding:"required"`
	Categories    map[Category]CategoryPreference   `json:"categories,omitempty"`
	Contexts      map[RoutingContext]ContextSetting `json:"contexts,omitempty"`
}

// ListNotificationsRequest represents a filtered notification listing.
type ListNotificationsRequest struct {
	RecipientUserID string            `form:"recipient_user_id"`
	Category        Category          `form:"category"`
	State           NotificationState `form:"state"`
	Page            int               `form:"page"`
	PageSize        int               `form:"page_size"`
}
