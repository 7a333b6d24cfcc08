package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DeliveryStatus represents the outcome of one dispatch attempt.
type DeliveryStatus string

const (
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExpired   DeliveryStatus = "expired"
)

// DeliveryRecord captures the outcome of a single channel attempt. One group
// of records exists per notification; escalation attempts reference the
// escalation that produced them.
type DeliveryRecord struct {
	ID             primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	NotificationID string             `json:"notification_id" bson:"notification_id"`
	OrganizationID string             `json:"organization_id" bson:"organization_id"`
	EscalationID   string             `json:"escalation_id,omitempty" bson:"escalation_id,omitempty"`
	Channel        Channel            `json:"channel" bson:"channel"`
	Target         string             `json:"target" bson:"target"`
	DeviceID       string             `json:"device_id,omitempty" bson:"device_id,omitempty"`
	Status         DeliveryStatus     `json:"status" bson:"status"`
	Attempts       int                `json:"attempts" bson:"attempts"`
	Error          string             `json:"error,omitempty" bson:"error,omitempty"`
	LatencyMS      int64              `json:"latency_ms" bson:"latency_ms"`
	ScheduledAt    time.Time          `json:"scheduled_at" bson:"scheduled_at"`
	DispatchedAt   time.Time          `json:"dispatched_at" bson:"dispatched_at"`
	DeliveredAt    *time.Time         `json:"delivered_at,omitempty" bson:"delivered_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at" bson:"created_at"`
}

// EscalationStatus represents the escalation state machine:
// scheduled -> triggered -> completed, or scheduled -> cancelled.
type EscalationStatus string

const (
	EscalationScheduled EscalationStatus = "scheduled"
	EscalationTriggered EscalationStatus = "triggered"
	EscalationCompleted EscalationStatus = "completed"
	EscalationCancelled EscalationStatus = "cancelled"
)

// EscalationRecord tracks one scheduled escalation for a notification. The
// record persists the fire time so timers survive restarts.
type EscalationRecord struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	NotificationID  string             `json:"notification_id" bson:"notification_id"`
	OrganizationID  string             `json:"organization_id" bson:"organization_id"`
	RecipientUserID string             `json:"recipient_user_id" bson:"recipient_user_id"`
	RuleID          string             `json:"rule_id,omitempty" bson:"rule_id,omitempty"`
	Trigger         TriggerType        `json:"trigger" bson:"trigger"`
	ScheduledFor    time.Time          `json:"scheduled_for" bson:"scheduled_for"`
	Targets         []string           `json:"targets,omitempty" bson:"targets,omitempty"`
	RoleFilter      string             `json:"role_filter,omitempty" bson:"role_filter,omitempty"`
	Channels        []Channel          `json:"channels" bson:"channels"`
	Status          EscalationStatus   `json:"status" bson:"status"`
	RetryCount      int                `json:"retry_count" bson:"retry_count"`
	NextAttemptAt   *time.Time         `json:"next_attempt_at,omitempty" bson:"next_attempt_at,omitempty"`
	TriggeredAt     *time.Time         `json:"triggered_at,omitempty" bson:"triggered_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	LastError       string             `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt       time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" bson:"updated_at"`
}

// RoutingDecision is the write-once audit snapshot of one planning pass:
// the inputs, the matched rules, the computed plan and the planning latency.
type RoutingDecision struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	NotificationID  string             `json:"notification_id" bson:"notification_id"`
	OrganizationID  string             `json:"organization_id" bson:"organization_id"`
	RecipientUserID string             `json:"recipient_user_id" bson:"recipient_user_id"`
	Category        Category           `json:"category" bson:"category"`
	Priority        Priority           `json:"priority" bson:"priority"`
	Context         RoutingContext     `json:"context" bson:"context"`
	MatchedRuleIDs  []string           `json:"matched_rule_ids,omitempty" bson:"matched_rule_ids,omitempty"`
	Plan            DeliveryPlan       `json:"plan" bson:"plan"`
	ShouldDeliver   bool               `json:"should_deliver" bson:"should_deliver"`
	Reason          string             `json:"reason" bson:"reason"`
	IsEscalation    bool               `json:"is_escalation" bson:"is_escalation"`
	LatencyMicros   int64              `json:"latency_micros" bson:"latency_micros"`
	CreatedAt       time.Time          `json:"created_at" bson:"created_at"`
}
