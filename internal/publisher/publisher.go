package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
	"github.com/boardgov/go-routing-engine/internal/shared/rabbitmq"
)

// Publisher emits engine events to the routing events exchange. Events are
// explicit publications consumed by independent subscribers (analytics);
// the engine never reads them back and no consumer failure can affect a
// routing decision.
type Publisher struct {
	client   *rabbitmq.RabbitMQClient
	exchange string
	log      *logger.Logger
}

// NewPublisher creates a publisher and declares the topic exchange.
func NewPublisher(client *rabbitmq.RabbitMQClient, exchange string, log *logger.Logger) (*Publisher, error) {
	if err := client.DeclareExchange(exchange, "topic"); err != nil {
		return nil, err
	}

	return &Publisher{
		client:   client,
		exchange: exchange,
		log:      log,
	}, nil
}

// publish wraps a payload in the event envelope and publishes it under the
// event type as routing key.
func (p *Publisher) publish(ctx context.Context, eventType domain.EventType, organizationID, notificationID string, payload interface{}) error {
	event := domain.Event{
		EventID:        uuid.New().String(),
		Type:           eventType,
		OrganizationID: organizationID,
		NotificationID: notificationID,
		Payload:        payload,
		EmittedAt:      time.Now(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.client.Publish(ctx, p.exchange, string(eventType), body)
}

// RoutingDecision publishes the outcome of one planning pass.
func (p *Publisher) RoutingDecision(ctx context.Context, decision *domain.RoutingDecision) error {
	return p.publish(ctx, domain.EventRoutingDecision, decision.OrganizationID, decision.NotificationID,
		domain.RoutingDecisionPayload{
			DecisionID:      decision.ID.Hex(),
			RecipientUserID: decision.RecipientUserID,
			Category:        decision.Category,
			Priority:        decision.Priority,
			Context:         decision.Context,
			MatchedRuleIDs:  decision.MatchedRuleIDs,
			ShouldDeliver:   decision.ShouldDeliver,
			Reason:          decision.Reason,
			Channels:        decision.Plan.Channels(),
			ScheduledAt:     decision.Plan.ScheduledAt,
			Deferred:        decision.Plan.Deferred,
			IsEscalation:    decision.IsEscalation,
			LatencyMicros:   decision.LatencyMicros,
		})
}

// DeliveryOutcome publishes one channel attempt's outcome.
func (p *Publisher) DeliveryOutcome(ctx context.Context, record *domain.DeliveryRecord) error {
	return p.publish(ctx, domain.EventDeliveryOutcome, record.OrganizationID, record.NotificationID,
		domain.DeliveryOutcomePayload{
			RecordID:     record.ID.Hex(),
			EscalationID: record.EscalationID,
			Channel:      record.Channel,
			Target:       record.Target,
			Status:       record.Status,
			Attempts:     record.Attempts,
			LatencyMS:    record.LatencyMS,
			Error:        record.Error,
			DispatchedAt: record.DispatchedAt,
			DeliveredAt:  record.DeliveredAt,
		})
}

// EscalationScheduled publishes a newly persisted escalation timer.
func (p *Publisher) EscalationScheduled(ctx context.Context, record *domain.EscalationRecord) error {
	return p.publish(ctx, domain.EventEscalationScheduled, record.OrganizationID, record.NotificationID,
		domain.EscalationScheduledPayload{
			EscalationID:    record.ID.Hex(),
			RecipientUserID: record.RecipientUserID,
			Trigger:         record.Trigger,
			ScheduledFor:    record.ScheduledFor,
			Channels:        record.Channels,
		})
}

// EscalationCompleted publishes a finished escalation.
func (p *Publisher) EscalationCompleted(ctx context.Context, record *domain.EscalationRecord) error {
	completedAt := time.Now()
	if record.CompletedAt != nil {
		completedAt = *record.CompletedAt
	}
	return p.publish(ctx, domain.EventEscalationCompleted, record.OrganizationID, record.NotificationID,
		domain.EscalationCompletedPayload{
			EscalationID: record.ID.Hex(),
			Trigger:      record.Trigger,
			Targets:      record.Targets,
			Channels:     record.Channels,
			CompletedAt:  completedAt,
		})
}

// EscalationCancelled publishes an escalation resolved without firing.
func (p *Publisher) EscalationCancelled(ctx context.Context, record *domain.EscalationRecord) error {
	return p.publish(ctx, domain.EventEscalationCancelled, record.OrganizationID, record.NotificationID,
		domain.EscalationCancelledPayload{
			EscalationID: record.ID.Hex(),
			Trigger:      record.Trigger,
			CancelledAt:  time.Now(),
		})
}
