package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boardgov/go-routing-engine/internal/directory"
	"github.com/boardgov/go-routing-engine/internal/dispatch"
	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/engine"
	"github.com/boardgov/go-routing-engine/internal/metrics"
	"github.com/boardgov/go-routing-engine/internal/queue"
	"github.com/boardgov/go-routing-engine/internal/shared/errors"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
	"github.com/boardgov/go-routing-engine/internal/shared/mongodb"
)

// NotificationStore persists notifications and their lifecycle transitions.
type NotificationStore interface {
	Create(ctx context.Context, notification *domain.Notification) error
	FindByID(ctx context.Context, id string) (*domain.Notification, error)
	FindByIdempotencyKey(ctx context.Context, organizationID, key string) (*domain.Notification, error)
	FindByOrganization(ctx context.Context, organizationID string, req *domain.ListNotificationsRequest) ([]*domain.Notification, int64, error)
	FindInState(ctx context.Context, state domain.NotificationState, limit int64) ([]*domain.Notification, error)
	UpdateState(ctx context.Context, id string, state domain.NotificationState) error
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	MarkEscalated(ctx context.Context, id string) error
	Acknowledge(ctx context.Context, id, userID string, actionTaken bool, at time.Time) (*domain.Notification, error)
}

// DecisionStore persists write-once routing decision snapshots.
type DecisionStore interface {
	Create(ctx context.Context, decision *domain.RoutingDecision) error
	FindByNotificationID(ctx context.Context, notificationID string) ([]*domain.RoutingDecision, error)
	FindPrimary(ctx context.Context, notificationID string) (*domain.RoutingDecision, error)
}

// DeliveryStore reads and writes per-attempt delivery records.
type DeliveryStore interface {
	Create(ctx context.Context, record *domain.DeliveryRecord) error
	FindByNotificationID(ctx context.Context, notificationID string) ([]*domain.DeliveryRecord, error)
	HasDelivered(ctx context.Context, notificationID string) (bool, error)
	MarkDelivered(ctx context.Context, id, notificationID string, at time.Time) (*domain.DeliveryRecord, error)
}

// EscalationStore persists escalation records and drives their state machine.
type EscalationStore interface {
	Create(ctx context.Context, record *domain.EscalationRecord) error
	FindByID(ctx context.Context, id string) (*domain.EscalationRecord, error)
	FindByNotificationID(ctx context.Context, notificationID string) ([]*domain.EscalationRecord, error)
	ClaimTriggered(ctx context.Context, id string, at time.Time) (*domain.EscalationRecord, error)
	MarkCompleted(ctx context.Context, id string, targets []string, at time.Time) error
	Cancel(ctx context.Context, id, reason string) (*domain.EscalationRecord, error)
	CancelByNotification(ctx context.Context, notificationID string) ([]*domain.EscalationRecord, error)
	RecordFailure(ctx context.Context, id string, cause string, nextAttempt time.Time) error
}

// Dispatcher executes a delivery plan against the channel senders.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan) (*dispatch.Summary, error)
}

// TimerScheduler arms and disarms in-memory escalation timers. Both calls are
// advisory; the persisted record plus the recovery scan are authoritative.
type TimerScheduler interface {
	Arm(record *domain.EscalationRecord) bool
	DisarmNotification(notificationID string)
}

// EventPublisher emits engine events for downstream analytics consumers.
// Publish failures are logged, never propagated: events are observability,
// not state.
type EventPublisher interface {
	RoutingDecision(ctx context.Context, decision *domain.RoutingDecision) error
	DeliveryOutcome(ctx context.Context, record *domain.DeliveryRecord) error
	EscalationScheduled(ctx context.Context, record *domain.EscalationRecord) error
	EscalationCompleted(ctx context.Context, record *domain.EscalationRecord) error
	EscalationCancelled(ctx context.Context, record *domain.EscalationRecord) error
}

// Options wires the routing service's collaborators.
type Options struct {
	Notifications NotificationStore
	Decisions     DecisionStore
	Deliveries    DeliveryStore
	Escalations   EscalationStore
	Matcher       *engine.Matcher
	Planner       *engine.Planner
	Profiles      engine.ProfileSource
	Devices       directory.DeviceSource
	Membership    directory.MembershipSource
	Dispatcher    Dispatcher
	Timers        TimerScheduler
	Events        EventPublisher
	Deferred      *queue.DelayQueue

	// EscalationMaxRetry bounds executor retries before an escalation is
	// cancelled as failed.
	EscalationMaxRetry int
	// DefaultRoleFilter resolves escalation targets when a rule configures
	// neither recipients nor a role filter.
	DefaultRoleFilter string
}

// RoutingService orchestrates the notification lifecycle: submission,
// planning, dispatch, acknowledgment and escalation execution.
type RoutingService struct {
	notifications NotificationStore
	decisions     DecisionStore
	deliveries    DeliveryStore
	escalations   EscalationStore
	matcher       *engine.Matcher
	planner       *engine.Planner
	profiles      engine.ProfileSource
	devices       directory.DeviceSource
	membership    directory.MembershipSource
	dispatcher    Dispatcher
	timers        TimerScheduler
	events        EventPublisher
	deferred      *queue.DelayQueue
	maxRetry      int
	roleFilter    string
	log           *logger.Logger
}

// NewRoutingService creates the routing orchestrator.
func NewRoutingService(opts Options, log *logger.Logger) *RoutingService {
	maxRetry := opts.EscalationMaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}
	roleFilter := opts.DefaultRoleFilter
	if roleFilter == "" {
		roleFilter = "admin"
	}
	return &RoutingService{
		notifications: opts.Notifications,
		decisions:     opts.Decisions,
		deliveries:    opts.Deliveries,
		escalations:   opts.Escalations,
		matcher:       opts.Matcher,
		planner:       opts.Planner,
		profiles:      opts.Profiles,
		devices:       opts.Devices,
		membership:    opts.Membership,
		dispatcher:    opts.Dispatcher,
		timers:        opts.Timers,
		events:        opts.Events,
		deferred:      opts.Deferred,
		maxRetry:      maxRetry,
		roleFilter:    roleFilter,
		log:           log,
	}
}

// SubmitResult is the outcome of one submission: the stored notification, its
// routing decision and whether an earlier submission was replayed.
type SubmitResult struct {
	Notification *domain.Notification    `json:"notification"`
	Decision     *domain.RoutingDecision `json:"decision"`
	Replayed     bool                    `json:"replayed"`
}

// Submit ingests a notification, plans its delivery, records the decision and
// either dispatches immediately or parks the plan until its release time.
// Submissions repeating an (organization, idempotency key) pair replay the
// original decision without creating a second notification.
func (s *RoutingService) Submit(ctx context.Context, organizationID string, req *domain.SubmitNotificationRequest, idempotencyKey string) (*SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error(), err)
	}

	if idempotencyKey != "" {
		existing, err := s.notifications.FindByIdempotencyKey(ctx, organizationID, idempotencyKey)
		if err != nil {
			return nil, errors.NewInternalError("failed to check idempotency key", err)
		}
		if existing != nil {
			return s.replay(ctx, existing)
		}
	}

	notification := &domain.Notification{
		OrganizationID:  organizationID,
		RecipientUserID: req.RecipientUserID,
		Category:        req.Category,
		Priority:        req.Priority,
		Context:         req.Context,
		Payload:         req.Payload,
		IdempotencyKey:  idempotencyKey,
	}
	if err := s.notifications.Create(ctx, notification); err != nil {
		// A concurrent submission with the same key can win the insert race;
		// the unique index turns that into a replay rather than a duplicate.
		if idempotencyKey != "" && mongodb.IsDuplicateKey(err) {
			existing, ferr := s.notifications.FindByIdempotencyKey(ctx, organizationID, idempotencyKey)
			if ferr == nil && existing != nil {
				return s.replay(ctx, existing)
			}
		}
		return nil, errors.NewInternalError("failed to create notification", err)
	}

	decision, choice, err := s.planAndRecord(ctx, notification)
	if err != nil {
		return nil, err
	}
	plan := &decision.Plan

	if !plan.ShouldDeliver {
		if err := s.notifications.UpdateState(ctx, notification.ID.Hex(), domain.StateUndeliverable); err != nil {
			s.log.Error("Failed to mark notification undeliverable",
				"notification_id", notification.ID.Hex(), "error", err)
		}
		notification.State = domain.StateUndeliverable
		s.log.Warn("Notification has no deliverable endpoint",
			"notification_id", notification.ID.Hex(),
			"recipient", notification.RecipientUserID,
			"category", string(notification.Category))
		return &SubmitResult{Notification: notification, Decision: decision}, nil
	}

	if err := s.notifications.UpdateState(ctx, notification.ID.Hex(), domain.StatePlanned); err != nil {
		return nil, errors.NewInternalError("failed to transition notification to planned", err)
	}
	notification.State = domain.StatePlanned

	if choice != nil {
		s.scheduleEscalation(ctx, notification, plan, choice)
	}

	if plan.Deferred {
		s.parkDeferred(notification, plan)
	} else {
		s.dispatchNow(ctx, notification, plan)
	}

	return &SubmitResult{Notification: notification, Decision: decision}, nil
}

// replay returns the stored outcome of a previously submitted notification.
func (s *RoutingService) replay(ctx context.Context, notification *domain.Notification) (*SubmitResult, error) {
	decision, err := s.decisions.FindPrimary(ctx, notification.ID.Hex())
	if err != nil {
		return nil, errors.NewInternalError("failed to load routing decision", err)
	}
	return &SubmitResult{Notification: notification, Decision: decision, Replayed: true}, nil
}

// planAndRecord runs one planning pass and persists its decision snapshot.
// Lookup failures on rules, profile or devices degrade to planning against
// defaults rather than failing the submission.
func (s *RoutingService) planAndRecord(ctx context.Context, n *domain.Notification) (*domain.RoutingDecision, *engine.EscalationChoice, error) {
	now := time.Now().UTC()
	start := time.Now()

	matched, err := s.matcher.Match(ctx, engine.MatchQuery{
		OrganizationID: n.OrganizationID,
		Category:       n.Category,
		Priority:       n.Priority,
		Context:        n.Context,
	})
	if err != nil {
		s.log.Warn("Rule lookup failed, planning with profile defaults",
			"notification_id", n.ID.Hex(), "error", err)
		matched = nil
	}

	profile, err := s.profiles.RoutingProfile(ctx, n.RecipientUserID, n.OrganizationID)
	if err != nil {
		s.log.Warn("Profile lookup failed, planning with builtin default",
			"notification_id", n.ID.Hex(), "error", err)
		profile = nil
	}

	devices, err := s.devices.ActiveDevices(ctx, n.RecipientUserID)
	if err != nil {
		s.log.Warn("Device lookup failed, planning without push endpoints",
			"notification_id", n.ID.Hex(), "error", err)
		devices = nil
	}

	result, err := s.planner.Build(ctx, engine.PlanInput{
		Notification: n,
		Rules:        matched,
		Profile:      profile,
		Devices:      devices,
		Now:          now,
	})
	if err != nil {
		return nil, nil, errors.NewInternalError("failed to build delivery plan", err)
	}
	plan := result.Plan
	latency := time.Since(start)

	metrics.PlannerDuration.Observe(latency.Seconds())
	metrics.RoutingDecisions.WithLabelValues(string(n.Category), string(n.Priority), plan.Reason).Inc()
	if plan.RateCapped {
		metrics.RateCapped.WithLabelValues(string(n.Context)).Inc()
	}

	decision := &domain.RoutingDecision{
		NotificationID:  n.ID.Hex(),
		OrganizationID:  n.OrganizationID,
		RecipientUserID: n.RecipientUserID,
		Category:        n.Category,
		Priority:        n.Priority,
		Context:         n.Context,
		MatchedRuleIDs:  ruleIDs(matched),
		Plan:            *plan,
		ShouldDeliver:   plan.ShouldDeliver,
		Reason:          plan.Reason,
		LatencyMicros:   latency.Microseconds(),
	}
	if err := s.decisions.Create(ctx, decision); err != nil {
		return nil, nil, errors.NewInternalError("failed to record routing decision", err)
	}
	if err := s.events.RoutingDecision(ctx, decision); err != nil {
		s.log.Warn("Failed to publish routing decision event",
			"notification_id", n.ID.Hex(), "error", err)
	}

	return decision, result.Escalation, nil
}

// scheduleEscalation persists the escalation record and arms its timer. The
// fire time counts from the plan's scheduled dispatch, so deferred plans
// escalate relative to when they actually go out.
func (s *RoutingService) scheduleEscalation(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan, choice *engine.EscalationChoice) {
	record := &domain.EscalationRecord{
		NotificationID:  n.ID.Hex(),
		OrganizationID:  n.OrganizationID,
		RecipientUserID: n.RecipientUserID,
		RuleID:          choice.RuleID,
		Trigger:         choice.Policy.Trigger,
		ScheduledFor:    plan.ScheduledAt.Add(choice.Delay),
		Targets:         choice.Policy.Recipients,
		RoleFilter:      choice.Policy.RoleFilter,
		Channels:        choice.Policy.Channels,
	}

	if err := s.escalations.Create(ctx, record); err != nil {
		if mongodb.IsDuplicateKey(err) {
			// Already scheduled for this notification and trigger.
			return
		}
		// The notification still goes out; only this escalation is lost, and
		// loudly rather than silently.
		s.log.Error("Failed to persist escalation record",
			"notification_id", n.ID.Hex(),
			"trigger", string(record.Trigger), "error", err)
		return
	}

	s.timers.Arm(record)
	metrics.Escalations.WithLabelValues(string(record.Trigger), "scheduled").Inc()
	if err := s.events.EscalationScheduled(ctx, record); err != nil {
		s.log.Warn("Failed to publish escalation scheduled event",
			"escalation_id", record.ID.Hex(), "error", err)
	}

	s.log.Info("Escalation scheduled",
		"notification_id", n.ID.Hex(),
		"escalation_id", record.ID.Hex(),
		"trigger", string(record.Trigger),
		"scheduled_for", record.ScheduledFor)
}

// dispatchNow runs a dispatch pass and records the dispatch transition. A
// pass with zero successes stays observable through its delivery records and
// the undelivered escalation trigger.
func (s *RoutingService) dispatchNow(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan) {
	summary, err := s.dispatcher.Dispatch(ctx, n, plan)
	if err != nil {
		s.log.Error("Dispatch pass failed",
			"notification_id", n.ID.Hex(), "error", err)
		return
	}

	if err := s.notifications.MarkDispatched(ctx, n.ID.Hex(), time.Now().UTC()); err != nil {
		s.log.Error("Failed to mark notification dispatched",
			"notification_id", n.ID.Hex(), "error", err)
	}
	n.State = domain.StateDispatched

	if !summary.AnySucceeded() {
		s.log.Warn("Every channel attempt failed",
			"notification_id", n.ID.Hex(),
			"attempted", summary.Attempted)
		return
	}
	s.log.Info("Notification dispatched",
		"notification_id", n.ID.Hex(),
		"attempted", summary.Attempted,
		"succeeded", summary.Succeeded)
}

// parkDeferred queues the plan until its release time.
func (s *RoutingService) parkDeferred(n *domain.Notification, plan *domain.DeliveryPlan) {
	s.deferred.Push(&queue.DeferredDelivery{
		Notification: n,
		Plan:         plan,
		ReleaseAt:    plan.ScheduledAt,
	})
	metrics.DeferredQueueDepth.Set(float64(s.deferred.Len()))
	s.log.Info("Delivery deferred",
		"notification_id", n.ID.Hex(),
		"reason", plan.Reason,
		"release_at", plan.ScheduledAt)
}

// Acknowledge records the recipient's acknowledgment and cancels any pending
// escalations. Repeated acknowledgments are no-ops.
func (s *RoutingService) Acknowledge(ctx context.Context, notificationID, userID string, actionTaken bool) (*domain.Notification, error) {
	now := time.Now().UTC()
	updated, err := s.notifications.Acknowledge(ctx, notificationID, userID, actionTaken, now)
	if err != nil {
		return nil, errors.NewInternalError("failed to acknowledge notification", err)
	}
	if updated == nil {
		current, ferr := s.notifications.FindByID(ctx, notificationID)
		if ferr != nil {
			return nil, errors.NewNotFoundError("notification not found", ferr)
		}
		if current.RecipientUserID != userID {
			return nil, errors.NewValidationError("notification belongs to a different recipient", nil)
		}
		// Already acknowledged; idempotent.
		return current, nil
	}

	cancelled, err := s.escalations.CancelByNotification(ctx, notificationID)
	if err != nil {
		s.log.Error("Failed to cancel escalations on acknowledgment",
			"notification_id", notificationID, "error", err)
	}
	s.timers.DisarmNotification(notificationID)
	for _, record := range cancelled {
		metrics.Escalations.WithLabelValues(string(record.Trigger), "cancelled").Inc()
		if perr := s.events.EscalationCancelled(ctx, record); perr != nil {
			s.log.Warn("Failed to publish escalation cancelled event",
				"escalation_id", record.ID.Hex(), "error", perr)
		}
	}

	s.log.Info("Notification acknowledged",
		"notification_id", notificationID,
		"user_id", userID,
		"action_taken", actionTaken,
		"escalations_cancelled", len(cancelled))
	return updated, nil
}

// GetNotification returns one notification scoped to the organization.
func (s *RoutingService) GetNotification(ctx context.Context, organizationID, id string) (*domain.Notification, error) {
	notification, err := s.notifications.FindByID(ctx, id)
	if err != nil {
		return nil, errors.NewNotFoundError("notification not found", err)
	}
	if notification.OrganizationID != organizationID {
		return nil, errors.NewNotFoundError("notification not found", nil)
	}
	return notification, nil
}

// ListNotifications returns a filtered page of an organization's notifications.
func (s *RoutingService) ListNotifications(ctx context.Context, organizationID string, req *domain.ListNotificationsRequest) ([]*domain.Notification, int64, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 20
	}
	items, total, err := s.notifications.FindByOrganization(ctx, organizationID, req)
	if err != nil {
		return nil, 0, errors.NewInternalError("failed to list notifications", err)
	}
	return items, total, nil
}

// GetDecisions returns the routing decisions of one notification, the primary
// pass first, then escalation passes in creation order.
func (s *RoutingService) GetDecisions(ctx context.Context, organizationID, notificationID string) ([]*domain.RoutingDecision, error) {
	if _, err := s.GetNotification(ctx, organizationID, notificationID); err != nil {
		return nil, err
	}
	decisions, err := s.decisions.FindByNotificationID(ctx, notificationID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load routing decisions", err)
	}
	return decisions, nil
}

// ListDeliveries returns the per-attempt delivery records of one notification.
func (s *RoutingService) ListDeliveries(ctx context.Context, organizationID, notificationID string) ([]*domain.DeliveryRecord, error) {
	if _, err := s.GetNotification(ctx, organizationID, notificationID); err != nil {
		return nil, err
	}
	records, err := s.deliveries.FindByNotificationID(ctx, notificationID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load delivery records", err)
	}
	return records, nil
}

// ConfirmDelivery upgrades a sent delivery record once the transport reports
// receipt. Replayed confirmations return the already-delivered record so
// at-least-once transport callbacks stay safe to retry.
func (s *RoutingService) ConfirmDelivery(ctx context.Context, organizationID, notificationID, recordID string) (*domain.DeliveryRecord, error) {
	if _, err := s.GetNotification(ctx, organizationID, notificationID); err != nil {
		return nil, err
	}

	record, err := s.deliveries.MarkDelivered(ctx, recordID, notificationID, time.Now().UTC())
	if err != nil {
		return nil, errors.NewInternalError("failed to confirm delivery", err)
	}
	if record == nil {
		records, ferr := s.deliveries.FindByNotificationID(ctx, notificationID)
		if ferr != nil {
			return nil, errors.NewInternalError("failed to load delivery records", ferr)
		}
		for _, existing := range records {
			if existing.ID.Hex() == recordID && existing.Status == domain.DeliveryDelivered {
				return existing, nil
			}
		}
		return nil, errors.NewNotFoundError("delivery record not found", nil)
	}

	if perr := s.events.DeliveryOutcome(ctx, record); perr != nil {
		s.log.Warn("Failed to publish delivery outcome event",
			"record_id", record.ID.Hex(), "error", perr)
	}

	s.log.Info("Delivery confirmed",
		"notification_id", notificationID,
		"record_id", recordID,
		"channel", record.Channel)
	return record, nil
}

// ListEscalations returns the escalation records of one notification.
func (s *RoutingService) ListEscalations(ctx context.Context, organizationID, notificationID string) ([]*domain.EscalationRecord, error) {
	if _, err := s.GetNotification(ctx, organizationID, notificationID); err != nil {
		return nil, err
	}
	records, err := s.escalations.FindByNotificationID(ctx, notificationID)
	if err != nil {
		return nil, errors.NewInternalError("failed to load escalation records", err)
	}
	return records, nil
}

// eventRouting maps a governance event type to the notification it produces.
type eventRouting struct {
	category domain.Category
	context  domain.RoutingContext
	priority domain.Priority
}

// governanceEventRoutes maps platform event types onto routing inputs. Event
// priority overrides the default when the producer sets one.
var governanceEventRoutes = map[string]eventRouting{
	"board.emergency":     {domain.CategoryEmergency, domain.ContextEmergency, domain.PriorityCritical},
	"security.incident":   {domain.CategorySecurity, domain.ContextEmergency, domain.PriorityCritical},
	"vote.opened":         {domain.CategoryVoting, domain.ContextVoting, domain.PriorityHigh},
	"vote.deadline":       {domain.CategoryVoting, domain.ContextVoting, domain.PriorityCritical},
	"meeting.called":      {domain.CategoryMeeting, domain.ContextMeeting, domain.PriorityMedium},
	"compliance.deadline": {domain.CategoryCompliance, domain.ContextCompliance, domain.PriorityHigh},
	"governance.update":   {domain.CategoryGovernance, domain.ContextGovernance, domain.PriorityLow},
}

// ProcessGovernanceEvent fans a platform event out to one submission per
// recipient. Unknown event types are logged and skipped so a producer rollout
// never wedges the consumer. Per-recipient failures don't abort the fanout.
func (s *RoutingService) ProcessGovernanceEvent(ctx context.Context, event *domain.GovernanceEvent) error {
	route, ok := governanceEventRoutes[event.Type]
	if !ok {
		s.log.Warn("Skipping unknown governance event type", "type", event.Type)
		return nil
	}
	if event.OrganizationID == "" || len(event.RecipientUserIDs) == 0 {
		return errors.NewValidationError("governance event missing organization or recipients", nil)
	}

	priority := route.priority
	if event.Priority != "" {
		if !event.Priority.IsValid() {
			return errors.NewValidationError(fmt.Sprintf("invalid event priority: %q", event.Priority), nil)
		}
		priority = event.Priority
	}

	var firstErr error
	for _, userID := range event.RecipientUserIDs {
		req := &domain.SubmitNotificationRequest{
			RecipientUserID: userID,
			Category:        route.category,
			Priority:        priority,
			Context:         route.context,
			Payload:         event.Payload,
		}
		key := ""
		if event.IdempotencyKey != "" {
			key = event.IdempotencyKey + ":" + userID
		}
		if _, err := s.Submit(ctx, event.OrganizationID, req, key); err != nil {
			s.log.Error("Failed to submit notification for governance event",
				"type", event.Type, "recipient", userID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ruleIDs extracts rule ids in evaluation order.
func ruleIDs(rules []domain.RoutingRule) []string {
	if len(rules) == 0 {
		return nil
	}
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID.Hex())
	}
	return out
}
