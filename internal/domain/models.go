package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Category classifies a governance notification.
type Category string

const (
	CategoryEmergency  Category = "emergency"
	CategoryVoting     Category = "voting"
	CategoryCompliance Category = "compliance"
	CategoryMeeting    Category = "meeting"
	CategoryGovernance Category = "governance_update"
	CategorySecurity   Category = "security"
)

// ValidCategories lists every accepted notification category.
var ValidCategories = []Category{
	CategoryEmergency,
	CategoryVoting,
	CategoryCompliance,
	CategoryMeeting,
	CategoryGovernance,
	CategorySecurity,
}

// IsValid reports whether the category is one of the known values.
func (c Category) IsValid() bool {
	for _, v := range ValidCategories {
		if c == v {
			return true
		}
	}
	return false
}

// Priority represents notification urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank maps a priority to its ordering value: low < medium < high < critical.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return -1
	}
}

// IsValid reports whether the priority is one of the known values.
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// AtLeast reports whether p is greater than or equal to min in urgency.
func (p Priority) AtLeast(min Priority) bool {
	return p.Rank() >= min.Rank()
}

// RoutingContext identifies the governance scenario a notification belongs to.
// It selects context-specific aggregation windows and rate caps.
type RoutingContext string

const (
	ContextMeeting    RoutingContext = "meeting"
	ContextVoting     RoutingContext = "voting"
	ContextCompliance RoutingContext = "compliance"
	ContextEmergency  RoutingContext = "emergency"
	ContextGovernance RoutingContext = "governance"
)

// ValidContexts lists every accepted routing context.
var ValidContexts = []RoutingContext{
	ContextMeeting,
	ContextVoting,
	ContextCompliance,
	ContextEmergency,
	ContextGovernance,
}

// IsValid reports whether the routing context is one of the known values.
func (r RoutingContext) IsValid() bool {
	for _, v := range ValidContexts {
		if r == v {
			return true
		}
	}
	return false
}

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelPush    Channel = "push"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelInApp   Channel = "in_app"
	ChannelWebhook Channel = "webhook"
)

// ValidChannels lists every supported delivery channel.
var ValidChannels = []Channel{
	ChannelPush,
	ChannelEmail,
	ChannelSMS,
	ChannelInApp,
	ChannelWebhook,
}

// IsValid reports whether the channel is one of the known values.
func (c Channel) IsValid() bool {
	for _, v := range ValidChannels {
		if c == v {
			return true
		}
	}
	return false
}

// NotificationState represents the lifecycle state of a notification.
type NotificationState string

const (
	StateCreated       NotificationState = "created"
	StatePlanned       NotificationState = "planned"
	StateDispatched    NotificationState = "dispatched"
	StateAcknowledged  NotificationState = "acknowledged"
	StateEscalated     NotificationState = "escalated"
	StateExpired       NotificationState = "expired"
	StateUndeliverable NotificationState = "undeliverable"
)

// Notification represents a governance alert routed by the engine. Fields are
// immutable after creation except the lifecycle state and acknowledgment data.
type Notification struct {
	ID              primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	OrganizationID  string             `json:"organization_id" bson:"organization_id"`
	RecipientUserID string             `json:"recipient_user_id" bson:"recipient_user_id"`
	Category        Category           `json:"category" bson:"category"`
	Priority        Priority           `json:"priority" bson:"priority"`
	Context         RoutingContext     `json:"context" bson:"context"`
	Payload         map[string]any     `json:"payload,omitempty" bson:"payload,omitempty"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	State           NotificationState  `json:"state" bson:"state"`
	ActionTaken     bool               `json:"action_taken" bson:"action_taken"`
	DispatchedAt    *time.Time         `json:"dispatched_at,omitempty" bson:"dispatched_at,omitempty"`
	AcknowledgedAt  *time.Time         `json:"acknowledged_at,omitempty" bson:"acknowledged_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" bson:"updated_at"`
}

// Acknowledged reports whether the recipient has acknowledged the notification.
func (n *Notification) Acknowledged() bool {
	return n.AcknowledgedAt != nil
}

// Platform identifies a device platform.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// DevicePreference holds per-category delivery preferences on a device.
type DevicePreference struct {
	Sound              bool `json:"sound" bson:"sound"`
	Vibration          bool `json:"vibration" bson:"vibration"`
	Badge              bool `json:"badge" bson:"badge"`
	DNDOverrideAllowed bool `json:"dnd_override_allowed" bson:"dnd_override_allowed"`
}

// Device represents a registered push endpoint owned by a user. Devices are
// managed by the directory service; the engine only reads them during planning.
type Device struct {
	ID            string                        `json:"id"`
	UserID        string                        `json:"user_id"`
	Platform      Platform                      `json:"platform"`
	Token         string                        `json:"token"`
	LastActiveAt  time.Time                     `json:"last_active_at"`
	CategoryPrefs map[Category]DevicePreference `json:"category_prefs,omitempty"`
}

// ActiveWithin reports whether the device was seen inside the rolling window
// ending at now. Inactive devices are excluded from planning.
func (d *Device) ActiveWithin(window time.Duration, now time.Time) bool {
	return now.Sub(d.LastActiveAt) <= window
}

// OverrideAllowed reports whether the device permits DND override for the
// given category.
func (d *Device) OverrideAllowed(category Category) bool {
	if d.CategoryPrefs == nil {
		return false
	}
	pref, ok := d.CategoryPrefs[category]
	return ok && pref.DNDOverrideAllowed
}
