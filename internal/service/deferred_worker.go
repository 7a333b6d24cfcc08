package service

import (
	"context"
	"time"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/metrics"
	"github.com/boardgov/go-routing-engine/internal/queue"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

const (
	// deferredIdleWait bounds how long the worker sleeps with an empty queue.
	deferredIdleWait = time.Minute
	// deferredRecoverBatch bounds how many planned notifications one restart
	// recovery pass re-parks.
	deferredRecoverBatch = 1000
)

// DeferredWorker releases parked delivery plans when their DND window ends,
// business hours open or the rate-cap bucket rolls over. The queue itself is
// in memory; restart recovery rebuilds it from planned notifications and
// their decision snapshots.
type DeferredWorker struct {
	service *RoutingService
	queue   *queue.DelayQueue
	log     *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDeferredWorker creates the release worker over the service's queue.
func NewDeferredWorker(service *RoutingService, q *queue.DelayQueue, log *logger.Logger) *DeferredWorker {
	return &DeferredWorker{
		service: service,
		queue:   q,
		log:     log,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start recovers parked plans from before the restart and begins releasing.
func (w *DeferredWorker) Start() {
	go w.run()
}

// Stop signals the worker and waits for the current release pass to finish.
func (w *DeferredWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *DeferredWorker) run() {
	defer close(w.doneCh)

	ctx := context.Background()
	w.recover(ctx)

	for {
		w.releaseDue(ctx)

		wait := deferredIdleWait
		if next, ok := w.queue.NextRelease(); ok {
			if d := time.Until(next); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-w.stopCh:
			timer.Stop()
			return
		case <-w.queue.Wake():
			// A push changed the queue head; recompute the wait.
			timer.Stop()
		case <-timer.C:
		}
	}
}

// releaseDue drains every plan whose release time has arrived.
func (w *DeferredWorker) releaseDue(ctx context.Context) {
	for {
		item := w.queue.PopDue(time.Now().UTC())
		if item == nil {
			break
		}
		metrics.DeferredQueueDepth.Set(float64(w.queue.Len()))
		w.service.ReleaseDeferred(ctx, item)
	}
}

// recover re-parks plans deferred before a restart. Planned notifications
// keep their release time inside the primary decision snapshot; overdue ones
// release on the first drain.
func (w *DeferredWorker) recover(ctx context.Context) {
	notifications, err := w.service.notifications.FindInState(ctx, domain.StatePlanned, deferredRecoverBatch)
	if err != nil {
		w.log.Error("Deferred recovery scan failed", "error", err)
		return
	}

	requeued := 0
	for _, n := range notifications {
		decision, err := w.service.decisions.FindPrimary(ctx, n.ID.Hex())
		if err != nil {
			w.log.Error("Failed to load decision for planned notification",
				"notification_id", n.ID.Hex(), "error", err)
			continue
		}
		if decision == nil || !decision.Plan.ShouldDeliver {
			continue
		}
		plan := decision.Plan
		w.queue.Push(&queue.DeferredDelivery{
			Notification: n,
			Plan:         &plan,
			ReleaseAt:    plan.ScheduledAt,
		})
		requeued++
	}

	metrics.DeferredQueueDepth.Set(float64(w.queue.Len()))
	if requeued > 0 {
		w.log.Info("Recovered deferred deliveries", "requeued", requeued)
	}
}

// ReleaseDeferred dispatches a parked plan once its release time arrives.
// Notifications resolved while parked expire their attempts instead of
// delivering late.
func (s *RoutingService) ReleaseDeferred(ctx context.Context, item *queue.DeferredDelivery) {
	id := item.Plan.NotificationID
	notification, err := s.notifications.FindByID(ctx, id)
	if err != nil {
		s.log.Error("Failed to load deferred notification, requeueing",
			"notification_id", id, "error", err)
		item.ReleaseAt = time.Now().UTC().Add(30 * time.Second)
		s.deferred.Push(item)
		metrics.DeferredQueueDepth.Set(float64(s.deferred.Len()))
		return
	}

	if notification.State != domain.StatePlanned {
		if notification.Acknowledged() {
			s.expireAttempts(ctx, item.Plan)
		}
		s.log.Info("Skipping deferred dispatch, notification already resolved",
			"notification_id", id, "state", string(notification.State))
		return
	}

	s.log.Info("Releasing deferred delivery",
		"notification_id", id, "reason", item.Plan.Reason)
	s.dispatchNow(ctx, notification, item.Plan)
}

// expireAttempts records an expired outcome per planned attempt so the audit
// trail shows why nothing was sent.
func (s *RoutingService) expireAttempts(ctx context.Context, plan *domain.DeliveryPlan) {
	now := time.Now().UTC()
	for _, a := range plan.Attempts {
		record := &domain.DeliveryRecord{
			NotificationID: plan.NotificationID,
			OrganizationID: plan.OrganizationID,
			EscalationID:   plan.EscalationID,
			Channel:        a.Channel,
			Target:         a.Target,
			DeviceID:       a.DeviceID,
			Status:         domain.DeliveryExpired,
			Error:          "acknowledged before deferred release",
			ScheduledAt:    a.ScheduledAt,
			DispatchedAt:   now,
		}
		if err := s.deliveries.Create(ctx, record); err != nil {
			s.log.Error("Failed to record expired attempt",
				"notification_id", plan.NotificationID,
				"channel", string(a.Channel), "error", err)
		}
	}
}
