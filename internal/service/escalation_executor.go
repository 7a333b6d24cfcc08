package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/engine"
	"github.com/boardgov/go-routing-engine/internal/escalation"
	"github.com/boardgov/go-routing-engine/internal/metrics"
)

var _ escalation.Executor = (*RoutingService)(nil)

const (
	escalationRetryBase = 30 * time.Second
	escalationRetryCap  = 10 * time.Minute
)

// ExecuteEscalation fires one escalation: it re-checks the trigger condition
// against current state, claims the record, resolves targets and dispatches
// an escalation plan per target. Firing a stale, cancelled or already-fired
// escalation is a no-op, so duplicate timers and the recovery scan are safe.
func (s *RoutingService) ExecuteEscalation(ctx context.Context, escalationID string) error {
	record, err := s.escalations.FindByID(ctx, escalationID)
	if err != nil {
		return fmt.Errorf("load escalation %s: %w", escalationID, err)
	}
	if record.Status != domain.EscalationScheduled {
		return nil
	}

	notification, err := s.notifications.FindByID(ctx, record.NotificationID)
	if err != nil {
		return s.escalationFailed(ctx, record, fmt.Errorf("load notification: %w", err))
	}

	live, err := s.triggerLive(ctx, record, notification)
	if err != nil {
		return s.escalationFailed(ctx, record, err)
	}
	if !live {
		s.cancelEscalation(ctx, escalationID, "trigger condition resolved")
		return nil
	}

	claimed, err := s.escalations.ClaimTriggered(ctx, escalationID, time.Now().UTC())
	if err != nil {
		return s.escalationFailed(ctx, record, fmt.Errorf("claim escalation: %w", err))
	}
	if claimed == nil {
		// An acknowledgment or a concurrent fire resolved the record first.
		return nil
	}
	metrics.Escalations.WithLabelValues(string(claimed.Trigger), "triggered").Inc()

	targets, err := s.resolveTargets(ctx, claimed)
	if err != nil {
		return s.escalationFailed(ctx, claimed, fmt.Errorf("resolve targets: %w", err))
	}
	if len(targets) == 0 {
		// Nothing to escalate to; record the dead end rather than retrying
		// into the same empty directory answer forever.
		s.log.Error("Escalation has no resolvable targets",
			"escalation_id", escalationID,
			"notification_id", claimed.NotificationID,
			"role_filter", claimed.RoleFilter)
		now := time.Now().UTC()
		if err := s.escalations.MarkCompleted(ctx, escalationID, nil, now); err != nil {
			s.log.Error("Failed to close targetless escalation",
				"escalation_id", escalationID, "error", err)
		}
		return nil
	}

	dispatched := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := s.escalateToTarget(ctx, notification, claimed, target); err != nil {
			s.log.Error("Failed to escalate to target",
				"escalation_id", escalationID,
				"target", target, "error", err)
			continue
		}
		dispatched = append(dispatched, target)
	}
	if len(dispatched) == 0 {
		return s.escalationFailed(ctx, claimed, fmt.Errorf("every escalation target failed"))
	}

	if err := s.notifications.MarkEscalated(ctx, claimed.NotificationID); err != nil {
		s.log.Error("Failed to mark notification escalated",
			"notification_id", claimed.NotificationID, "error", err)
	}

	now := time.Now().UTC()
	if err := s.escalations.MarkCompleted(ctx, escalationID, dispatched, now); err != nil {
		return fmt.Errorf("complete escalation %s: %w", escalationID, err)
	}
	claimed.Status = domain.EscalationCompleted
	claimed.Targets = dispatched
	claimed.CompletedAt = &now

	metrics.Escalations.WithLabelValues(string(claimed.Trigger), "completed").Inc()
	if err := s.events.EscalationCompleted(ctx, claimed); err != nil {
		s.log.Warn("Failed to publish escalation completed event",
			"escalation_id", escalationID, "error", err)
	}

	s.log.Info("Escalation completed",
		"escalation_id", escalationID,
		"notification_id", claimed.NotificationID,
		"trigger", string(claimed.Trigger),
		"targets", len(dispatched))
	return nil
}

// triggerLive re-evaluates the trigger condition at fire time.
func (s *RoutingService) triggerLive(ctx context.Context, record *domain.EscalationRecord, n *domain.Notification) (bool, error) {
	switch record.Trigger {
	case domain.TriggerUnread:
		return !n.Acknowledged(), nil
	case domain.TriggerNoAction:
		return !n.ActionTaken, nil
	case domain.TriggerUndelivered:
		delivered, err := s.deliveries.HasDelivered(ctx, record.NotificationID)
		if err != nil {
			return false, fmt.Errorf("check delivery state: %w", err)
		}
		return !delivered, nil
	case domain.TriggerTimeCritical:
		// Fires regardless of read state; only acknowledgment cancels it,
		// and that path already cancelled the record.
		return true, nil
	default:
		return false, fmt.Errorf("unknown escalation trigger %q", record.Trigger)
	}
}

// resolveTargets returns the escalation recipients: the rule's explicit list
// when configured, otherwise the directory's members for the role filter.
// Role resolution excludes the original recipient.
func (s *RoutingService) resolveTargets(ctx context.Context, record *domain.EscalationRecord) ([]string, error) {
	if len(record.Targets) > 0 {
		return record.Targets, nil
	}
	role := record.RoleFilter
	if role == "" {
		role = s.roleFilter
	}
	members, err := s.membership.EscalationTargets(ctx, record.OrganizationID, role)
	if err != nil {
		return nil, err
	}
	out := members[:0]
	for _, m := range members {
		if m != record.RecipientUserID {
			out = append(out, m)
		}
	}
	return out, nil
}

// escalateToTarget plans and dispatches one escalation pass. Escalation plans
// force the policy's channels, bypass temporal gates and rate caps, and never
// schedule further escalations.
func (s *RoutingService) escalateToTarget(ctx context.Context, n *domain.Notification, record *domain.EscalationRecord, target string) error {
	now := time.Now().UTC()
	start := time.Now()

	profile, err := s.profiles.RoutingProfile(ctx, target, record.OrganizationID)
	if err != nil {
		s.log.Warn("Profile lookup failed for escalation target, using builtin default",
			"target", target, "error", err)
		profile = nil
	}
	devices, err := s.devices.ActiveDevices(ctx, target)
	if err != nil {
		s.log.Warn("Device lookup failed for escalation target, planning without push endpoints",
			"target", target, "error", err)
		devices = nil
	}

	result, err := s.planner.Build(ctx, engine.PlanInput{
		Notification:   n,
		Profile:        profile,
		Devices:        devices,
		Now:            now,
		IsEscalation:   true,
		EscalationID:   record.ID.Hex(),
		TargetUserID:   target,
		ForcedChannels: record.Channels,
	})
	if err != nil {
		return fmt.Errorf("build escalation plan: %w", err)
	}
	plan := result.Plan
	latency := time.Since(start)

	metrics.PlannerDuration.Observe(latency.Seconds())
	metrics.RoutingDecisions.WithLabelValues(string(n.Category), string(n.Priority), plan.Reason).Inc()

	decision := &domain.RoutingDecision{
		NotificationID:  n.ID.Hex(),
		OrganizationID:  n.OrganizationID,
		RecipientUserID: target,
		Category:        n.Category,
		Priority:        n.Priority,
		Context:         n.Context,
		Plan:            *plan,
		ShouldDeliver:   plan.ShouldDeliver,
		Reason:          plan.Reason,
		IsEscalation:    true,
		LatencyMicros:   latency.Microseconds(),
	}
	if err := s.decisions.Create(ctx, decision); err != nil {
		return fmt.Errorf("record escalation decision: %w", err)
	}
	if err := s.events.RoutingDecision(ctx, decision); err != nil {
		s.log.Warn("Failed to publish escalation decision event",
			"escalation_id", record.ID.Hex(), "error", err)
	}

	if !plan.ShouldDeliver {
		return fmt.Errorf("no deliverable endpoint for escalation target %s", target)
	}

	summary, err := s.dispatcher.Dispatch(ctx, n, plan)
	if err != nil {
		return fmt.Errorf("dispatch escalation plan: %w", err)
	}
	if !summary.AnySucceeded() {
		return fmt.Errorf("every escalation channel failed for target %s", target)
	}
	return nil
}

// escalationFailed records a retryable executor failure. The record returns
// to scheduled with an exponential backoff for the recovery scan to retry;
// exhausting the retry budget cancels it with the cause on the record.
func (s *RoutingService) escalationFailed(ctx context.Context, record *domain.EscalationRecord, cause error) error {
	id := record.ID.Hex()
	if record.RetryCount+1 >= s.maxRetry {
		s.log.Error("Escalation retries exhausted",
			"escalation_id", id,
			"notification_id", record.NotificationID,
			"retries", record.RetryCount, "error", cause)
		s.cancelEscalation(ctx, id, fmt.Sprintf("retries exhausted: %v", cause))
		return cause
	}

	backoff := escalationRetryBase << uint(record.RetryCount)
	if backoff > escalationRetryCap {
		backoff = escalationRetryCap
	}
	nextAttempt := time.Now().UTC().Add(backoff)
	if err := s.escalations.RecordFailure(ctx, id, cause.Error(), nextAttempt); err != nil {
		s.log.Error("Failed to record escalation failure",
			"escalation_id", id, "error", err)
	}
	s.log.Warn("Escalation attempt failed, will retry",
		"escalation_id", id,
		"retry", record.RetryCount+1,
		"next_attempt_at", nextAttempt, "error", cause)
	return cause
}

// cancelEscalation cancels a scheduled record and emits the cancellation.
func (s *RoutingService) cancelEscalation(ctx context.Context, id, reason string) {
	record, err := s.escalations.Cancel(ctx, id, reason)
	if err != nil {
		s.log.Error("Failed to cancel escalation", "escalation_id", id, "error", err)
		return
	}
	if record == nil {
		return
	}
	metrics.Escalations.WithLabelValues(string(record.Trigger), "cancelled").Inc()
	if err := s.events.EscalationCancelled(ctx, record); err != nil {
		s.log.Warn("Failed to publish escalation cancelled event",
			"escalation_id", id, "error", err)
	}
	s.log.Info("Escalation cancelled", "escalation_id", id, "reason", reason)
}
