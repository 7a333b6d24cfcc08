package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/boardgov/go-routing-engine/internal/domain"
)

// Target identifies where one attempt goes: a push token for device channels
// or the recipient user id for address-style channels whose transport
// resolves the address itself.
type Target struct {
	Channel  domain.Channel
	Address  string
	DeviceID string
	Platform domain.Platform
}

// Payload is the opaque notification content handed to a channel transport.
type Payload struct {
	NotificationID string          `json:"notification_id"`
	OrganizationID string          `json:"organization_id"`
	Category       domain.Category `json:"category"`
	Priority       domain.Priority `json:"priority"`
	Body           map[string]any  `json:"body,omitempty"`
}

// Result is a channel transport's report for one attempt. Status is sent when
// the transport accepted the message, delivered when it confirmed receipt
// synchronously (in-app feed writes do), and failed otherwise.
type Result struct {
	Status    domain.DeliveryStatus
	LatencyMS int64
}

// Sender is the per-channel transport contract. Implementations must honor
// the context deadline and report transient transport trouble as a failed
// result or error, never as a panic.
type Sender interface {
	Send(ctx context.Context, target Target, payload Payload) (*Result, error)
}

// Registry maps channels to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[domain.Channel]Sender
}

// NewRegistry creates an empty sender registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[domain.Channel]Sender)}
}

// Register binds a sender to a channel, replacing any previous binding.
func (r *Registry) Register(ch domain.Channel, s Sender) {
	r.mu.Lock()
	r.senders[ch] = s
	r.mu.Unlock()
}

// Sender returns the sender bound to a channel.
func (r *Registry) Sender(ch domain.Channel) (Sender, error) {
	r.mu.RLock()
	s, ok := r.senders[ch]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %q", ch)
	}
	return s, nil
}
