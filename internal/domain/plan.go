package domain

import "time"

// Plan reasons recorded on the decision when delivery is skipped or deferred.
const (
	ReasonPlanned               = "planned"
	ReasonNoDeliverableEndpoint = "no_deliverable_endpoint"
	ReasonDeferredDND           = "deferred_dnd"
	ReasonDeferredBusinessHours = "deferred_business_hours"
	ReasonDeferredRateCap       = "deferred_rate_cap"
)

// PlannedAttempt is one (channel, target, time) entry of a delivery plan.
// Target carries the push token for device channels and the recipient user id
// for address-style channels whose transport resolves the address itself.
type PlannedAttempt struct {
	Channel     Channel   `json:"channel" bson:"channel"`
	Target      string    `json:"target" bson:"target"`
	DeviceID    string    `json:"device_id,omitempty" bson:"device_id,omitempty"`
	Platform    Platform  `json:"platform,omitempty" bson:"platform,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at" bson:"scheduled_at"`
	Fallback    bool      `json:"fallback" bson:"fallback"`
}

// DeliveryPlan is the planner's output for one notification: the ordered
// channel attempts and whether an escalation was scheduled. Plans are derived
// values, recomputed per notification and snapshotted inside the routing
// decision rather than persisted as mutable state.
type DeliveryPlan struct {
	NotificationID      string           `json:"notification_id" bson:"notification_id"`
	OrganizationID      string           `json:"organization_id" bson:"organization_id"`
	RecipientUserID     string           `json:"recipient_user_id" bson:"recipient_user_id"`
	ShouldDeliver       bool             `json:"should_deliver" bson:"should_deliver"`
	Reason              string           `json:"reason" bson:"reason"`
	Attempts            []PlannedAttempt `json:"attempts,omitempty" bson:"attempts,omitempty"`
	Simultaneous        bool             `json:"simultaneous" bson:"simultaneous"`
	ScheduledAt         time.Time        `json:"scheduled_at" bson:"scheduled_at"`
	Deferred            bool             `json:"deferred" bson:"deferred"`
	RateCapped          bool             `json:"rate_capped" bson:"rate_capped"`
	EscalationScheduled bool             `json:"escalation_scheduled" bson:"escalation_scheduled"`
	MatchedRuleIDs      []string         `json:"matched_rule_ids,omitempty" bson:"matched_rule_ids,omitempty"`
	// IsEscalation marks plans built for an escalation pass. Escalation plans
	// bypass DND and rate caps and never schedule further escalations.
	IsEscalation bool      `json:"is_escalation" bson:"is_escalation"`
	EscalationID string    `json:"escalation_id,omitempty" bson:"escalation_id,omitempty"`
	PlannedAt    time.Time `json:"planned_at" bson:"planned_at"`
}

// PrimaryAttempts returns the non-fallback attempts in plan order.
func (p *DeliveryPlan) PrimaryAttempts() []PlannedAttempt {
	var out []PlannedAttempt
	for _, a := range p.Attempts {
		if !a.Fallback {
			out = append(out, a)
		}
	}
	return out
}

// FallbackAttempts returns the fallback attempts in plan order.
func (p *DeliveryPlan) FallbackAttempts() []PlannedAttempt {
	var out []PlannedAttempt
	for _, a := range p.Attempts {
		if a.Fallback {
			out = append(out, a)
		}
	}
	return out
}

// Channels returns the distinct channels in attempt order.
func (p *DeliveryPlan) Channels() []Channel {
	seen := make(map[Channel]bool, len(p.Attempts))
	var out []Channel
	for _, a := range p.Attempts {
		if !seen[a.Channel] {
			seen[a.Channel] = true
			out = append(out, a.Channel)
		}
	}
	return out
}
