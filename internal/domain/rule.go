package domain

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RuleScope controls which organizations a routing rule applies to.
type RuleScope string

const (
	ScopeGlobal       RuleScope = "global"
	ScopeOrganization RuleScope = "organization"
)

// TriggerType identifies the condition an escalation re-checks before firing.
type TriggerType string

const (
	TriggerUnread       TriggerType = "unread"
	TriggerUndelivered  TriggerType = "undelivered"
	TriggerNoAction     TriggerType = "no_action"
	TriggerTimeCritical TriggerType = "time_critical"
)

// ValidTriggers lists every supported escalation trigger condition.
var ValidTriggers = []TriggerType{
	TriggerUnread,
	TriggerUndelivered,
	TriggerNoAction,
	TriggerTimeCritical,
}

// IsValid reports whether the trigger type is one of the known values.
func (t TriggerType) IsValid() bool {
	for _, v := range ValidTriggers {
		if t == v {
			return true
		}
	}
	return false
}

// EscalationPolicy describes if and how an unacknowledged notification
// escalates to secondary recipients.
type EscalationPolicy struct {
	Enabled      bool        `json:"enabled" bson:"enabled"`
	DelaySeconds int         `json:"delay_seconds" bson:"delay_seconds"`
	Trigger      TriggerType `json:"trigger,omitempty" bson:"trigger,omitempty"`
	Channels     []Channel   `json:"channels,omitempty" bson:"channels,omitempty"`
	Recipients   []string    `json:"recipients,omitempty" bson:"recipients,omitempty"`
	RoleFilter   string      `json:"role_filter,omitempty" bson:"role_filter,omitempty"` // "admin", "board_chair"
}

// Delay returns the escalation delay as a duration.
func (p EscalationPolicy) Delay() time.Duration {
	return time.Duration(p.DelaySeconds) * time.Second
}

// RoutingRule decides which channels carry a notification and whether it
// escalates. Rules are long-lived reference data mutated by administrators
// and read-only during planning.
type RoutingRule struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name           string             `json:"name" bson:"name"`
	Scope          RuleScope          `json:"scope" bson:"scope"`
	OrganizationID string             `json:"organization_id,omitempty" bson:"organization_id,omitempty"`
	Category       Category           `json:"category" bson:"category"`
	Priority       Priority           `json:"priority" bson:"priority"`
	// MinPriority marks the rule as a threshold rule: it matches any
	// notification priority >= Priority instead of an exact match.
	MinPriority         bool             `json:"min_priority" bson:"min_priority"`
	Context             RoutingContext   `json:"context,omitempty" bson:"context,omitempty"`
	PrimaryChannels     []Channel        `json:"primary_channels" bson:"primary_channels"`
	FallbackChannels    []Channel        `json:"fallback_channels,omitempty" bson:"fallback_channels,omitempty"`
	Immediate           bool             `json:"immediate" bson:"immediate"`
	RespectDND          bool             `json:"respect_dnd" bson:"respect_dnd"`
	BusinessHoursOnly   bool             `json:"business_hours_only" bson:"business_hours_only"`
	DNDOverrideChannels []Channel        `json:"dnd_override_channels,omitempty" bson:"dnd_override_channels,omitempty"`
	Escalation          EscalationPolicy `json:"escalation" bson:"escalation"`
	RulePriority        int              `json:"rule_priority" bson:"rule_priority"`
	Conditions          map[string]any   `json:"conditions,omitempty" bson:"conditions,omitempty"`
	IsActive            bool             `json:"is_active" bson:"is_active"`
	Version             int              `json:"version" bson:"version"`
	CreatedAt           time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" bson:"updated_at"`
}

// OverrideAllowed reports whether the rule permits DND override on a channel.
func (r *RoutingRule) OverrideAllowed(ch Channel) bool {
	for _, c := range r.DNDOverrideChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// Validate checks rule configuration at ingestion so malformed rules fail
// fast instead of surfacing mid-planning.
func (r *RoutingRule) Validate() error {
	if r.Scope != ScopeGlobal && r.Scope != ScopeOrganization {
		return fmt.Errorf("invalid rule scope: %q", r.Scope)
	}
	if r.Scope == ScopeOrganization && r.OrganizationID == "" {
		return fmt.Errorf("organization-scoped rule requires organization_id")
	}
	if r.Scope == ScopeGlobal && r.OrganizationID != "" {
		return fmt.Errorf("global rule must not set organization_id")
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("invalid rule category: %q", r.Category)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("invalid rule priority: %q", r.Priority)
	}
	if r.Context != "" && !r.Context.IsValid() {
		return fmt.Errorf("invalid rule context: %q", r.Context)
	}
	if len(r.PrimaryChannels) == 0 {
		return fmt.Errorf("rule requires at least one primary channel")
	}
	for _, ch := range r.PrimaryChannels {
		if !ch.IsValid() {
			return fmt.Errorf("invalid primary channel: %q", ch)
		}
	}
	for _, ch := range r.FallbackChannels {
		if !ch.IsValid() {
			return fmt.Errorf("invalid fallback channel: %q", ch)
		}
	}
	for _, ch := range r.DNDOverrideChannels {
		if !ch.IsValid() {
			return fmt.Errorf("invalid dnd override channel: %q", ch)
		}
	}
	if r.Escalation.Enabled {
		if r.Escalation.DelaySeconds <= 0 {
			return fmt.Errorf("escalation delay must be positive")
		}
		if !r.Escalation.Trigger.IsValid() {
			return fmt.Errorf("invalid escalation trigger: %q", r.Escalation.Trigger)
		}
		if len(r.Escalation.Channels) == 0 {
			return fmt.Errorf("escalation requires at least one channel")
		}
		for _, ch := range r.Escalation.Channels {
			if !ch.IsValid() {
				return fmt.Errorf("invalid escalation channel: %q", ch)
			}
		}
	}
	if r.RulePriority < 0 {
		return fmt.Errorf("rule_priority must not be negative")
	}
	return nil
}
