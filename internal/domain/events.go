package domain

import "time"

// EventType is the routing key of an emitted engine event.
type EventType string

const (
	EventRoutingDecision     EventType = "routing.decision"
	EventDeliveryOutcome     EventType = "delivery.outcome"
	EventEscalationScheduled EventType = "escalation.scheduled"
	EventEscalationCompleted EventType = "escalation.completed"
	EventEscalationCancelled EventType = "escalation.cancelled"
)

// Event is the envelope published to the event exchange. Analytics consumers
// subscribe per routing key; the engine never reads these back. EventID is a
// fresh correlation id per publication so subscribers can dedupe redeliveries.
type Event struct {
	EventID        string      `json:"event_id"`
	Type           EventType   `json:"type"`
	OrganizationID string      `json:"organization_id"`
	NotificationID string      `json:"notification_id"`
	Payload        interface{} `json:"payload"`
	EmittedAt      time.Time   `json:"emitted_at"`
}

// RoutingDecisionPayload is emitted after every planning pass.
type RoutingDecisionPayload struct {
	DecisionID      string         `json:"decision_id"`
	RecipientUserID string         `json:"recipient_user_id"`
	Category        Category       `json:"category"`
	Priority        Priority       `json:"priority"`
	Context         RoutingContext `json:"context"`
	MatchedRuleIDs  []string       `json:"matched_rule_ids,omitempty"`
	ShouldDeliver   bool           `json:"should_deliver"`
	Reason          string         `json:"reason"`
	Channels        []Channel      `json:"channels,omitempty"`
	ScheduledAt     time.Time      `json:"scheduled_at"`
	Deferred        bool           `json:"deferred"`
	IsEscalation    bool           `json:"is_escalation"`
	LatencyMicros   int64          `json:"latency_micros"`
}

// DeliveryOutcomePayload is emitted per channel attempt after dispatch.
type DeliveryOutcomePayload struct {
	RecordID     string         `json:"record_id"`
	EscalationID string         `json:"escalation_id,omitempty"`
	Channel      Channel        `json:"channel"`
	Target       string         `json:"target"`
	Status       DeliveryStatus `json:"status"`
	Attempts     int            `json:"attempts"`
	LatencyMS    int64          `json:"latency_ms"`
	Error        string         `json:"error,omitempty"`
	DispatchedAt time.Time      `json:"dispatched_at"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
}

// EscalationScheduledPayload is emitted when an escalation timer is persisted.
type EscalationScheduledPayload struct {
	EscalationID    string      `json:"escalation_id"`
	RecipientUserID string      `json:"recipient_user_id"`
	Trigger         TriggerType `json:"trigger"`
	ScheduledFor    time.Time   `json:"scheduled_for"`
	Channels        []Channel   `json:"channels"`
}

// EscalationCompletedPayload is emitted when an escalation finishes dispatch.
type EscalationCompletedPayload struct {
	EscalationID string      `json:"escalation_id"`
	Trigger      TriggerType `json:"trigger"`
	Targets      []string    `json:"targets"`
	Channels     []Channel   `json:"channels"`
	CompletedAt  time.Time   `json:"completed_at"`
}

// EscalationCancelledPayload is emitted when a scheduled escalation is
// cancelled by acknowledgment or by the fire-time re-check.
type EscalationCancelledPayload struct {
	EscalationID string      `json:"escalation_id"`
	Trigger      TriggerType `json:"trigger"`
	CancelledAt  time.Time   `json:"cancelled_at"`
}

// GovernanceEvent is a platform event consumed from the governance exchange.
// Each recipient fans out to one notification submission.
type GovernanceEvent struct {
	Type             string         `json:"type"`
	OrganizationID   string         `json:"organization_id"`
	RecipientUserIDs []string       `json:"recipient_user_ids"`
	Priority         Priority       `json:"priority,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
}
