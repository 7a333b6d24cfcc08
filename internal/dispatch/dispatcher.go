package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/metrics"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// DeliveryStore persists per-attempt outcomes.
type DeliveryStore interface {
	Create(ctx context.Context, record *domain.DeliveryRecord) error
}

// OutcomePublisher emits delivery_outcome events for analytics.
type OutcomePublisher interface {
	DeliveryOutcome(ctx context.Context, record *domain.DeliveryRecord) error
}

// Summary aggregates the outcome of dispatching one plan.
type Summary struct {
	Attempted int
	Succeeded int
	Failed    int
}

// AnySucceeded reports whether at least one channel accepted the message.
func (s *Summary) AnySucceeded() bool {
	return s.Succeeded > 0
}

// Dispatcher executes delivery plans: it hands each channel attempt to the
// registered sender with a bounded timeout, walks fallback channels on
// failure, persists a delivery record per attempt and publishes outcomes.
// A per-channel circuit breaker keeps a dead transport from stalling every
// plan that routes through it.
type Dispatcher struct {
	registry *Registry
	records  DeliveryStore
	events   OutcomePublisher
	timeout  time.Duration
	log      *logger.Logger

	bmu      sync.Mutex
	breakers map[domain.Channel]*gobreaker.CircuitBreaker
}

// NewDispatcher creates a dispatcher. timeout bounds each channel attempt.
func NewDispatcher(registry *Registry, records DeliveryStore, events OutcomePublisher, timeout time.Duration, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		records:  records,
		events:   events,
		timeout:  timeout,
		log:      log,
		breakers: make(map[domain.Channel]*gobreaker.CircuitBreaker),
	}
}

// channelGroup bundles the attempts of one channel: push fans out to several
// devices but still counts as a single channel try for fallback purposes.
type channelGroup struct {
	channel  domain.Channel
	attempts []domain.PlannedAttempt
}

// groupByChannel folds attempts into per-channel groups preserving order.
func groupByChannel(attempts []domain.PlannedAttempt) []channelGroup {
	var groups []channelGroup
	index := make(map[domain.Channel]int)
	for _, a := range attempts {
		if i, ok := index[a.Channel]; ok {
			groups[i].attempts = append(groups[i].attempts, a)
			continue
		}
		index[a.Channel] = len(groups)
		groups = append(groups, channelGroup{channel: a.Channel, attempts: []domain.PlannedAttempt{a}})
	}
	return groups
}

// Dispatch executes one plan. Simultaneous plans send every primary channel
// concurrently; ordered plans walk primaries until one succeeds. Fallback
// channels run only when every primary failed, sequentially, and no channel
// is ever tried more than once per plan.
func (d *Dispatcher) Dispatch(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan) (*Summary, error) {
	summary := &Summary{}
	if !plan.ShouldDeliver || len(plan.Attempts) == 0 {
		return summary, nil
	}

	attempted := make(map[domain.Channel]bool)
	primaries := groupByChannel(plan.PrimaryAttempts())
	fallbacks := groupByChannel(plan.FallbackAttempts())

	attemptNo := 0
	if plan.Simultaneous && len(primaries) > 1 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for i, grp := range primaries {
			no := i + 1
			grp := grp
			attempted[grp.channel] = true
			g.Go(func() error {
				ok := d.sendGroup(gctx, n, plan, grp, no)
				mu.Lock()
				summary.Attempted++
				if ok {
					summary.Succeeded++
				} else {
					summary.Failed++
				}
				mu.Unlock()
				return nil
			})
		}
		// Senders report failure via records; group errors never abort peers.
		_ = g.Wait()
		attemptNo = len(primaries)
	} else {
		for _, grp := range primaries {
			if attempted[grp.channel] {
				continue
			}
			attempted[grp.channel] = true
			attemptNo++
			summary.Attempted++
			if d.sendGroup(ctx, n, plan, grp, attemptNo) {
				summary.Succeeded++
				break
			}
			summary.Failed++
		}
	}

	if summary.Succeeded == 0 {
		for _, grp := range fallbacks {
			if attempted[grp.channel] {
				continue
			}
			attempted[grp.channel] = true
			attemptNo++
			summary.Attempted++
			if d.sendGroup(ctx, n, plan, grp, attemptNo) {
				summary.Succeeded++
				break
			}
			summary.Failed++
		}
	}

	return summary, nil
}

// sendGroup sends one channel's attempts. The group succeeds when any target
// accepted the message.
func (d *Dispatcher) sendGroup(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan, grp channelGroup, attemptNo int) bool {
	sender, err := d.registry.Sender(grp.channel)
	if err != nil {
		d.log.Error("No sender for channel", "channel", string(grp.channel), "notification_id", n.ID.Hex())
		for _, a := range grp.attempts {
			d.record(ctx, n, plan, a, attemptNo, domain.DeliveryFailed, 0, err)
		}
		return false
	}

	ok := false
	for _, a := range grp.attempts {
		if d.sendOne(ctx, n, plan, sender, a, attemptNo) {
			ok = true
		}
	}
	return ok
}

// sendOne performs a single attempt through the channel's circuit breaker
// with a bounded timeout, then records and publishes the outcome.
func (d *Dispatcher) sendOne(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan, sender Sender, a domain.PlannedAttempt, attemptNo int) bool {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	res, err := d.breaker(a.Channel).Execute(func() (interface{}, error) {
		return sender.Send(sendCtx, Target{
			Channel:  a.Channel,
			Address:  a.Target,
			DeviceID: a.DeviceID,
			Platform: a.Platform,
		}, Payload{
			NotificationID: n.ID.Hex(),
			OrganizationID: n.OrganizationID,
			Category:       n.Category,
			Priority:       n.Priority,
			Body:           n.Payload,
		})
	})

	status := domain.DeliveryFailed
	latency := time.Since(start).Milliseconds()
	if err == nil {
		if result, ok := res.(*Result); ok && result != nil {
			status = result.Status
			if result.LatencyMS > 0 {
				latency = result.LatencyMS
			}
		} else {
			status = domain.DeliverySent
		}
	}

	if err != nil {
		d.log.Warn("Channel send failed",
			"notification_id", n.ID.Hex(), "channel", string(a.Channel), "error", err)
	}

	d.record(ctx, n, plan, a, attemptNo, status, latency, err)
	return status == domain.DeliverySent || status == domain.DeliveryDelivered
}

// record persists the delivery record, updates metrics and publishes the
// delivery_outcome event. Persistence trouble is logged, never fatal to the
// remaining attempts.
func (d *Dispatcher) record(ctx context.Context, n *domain.Notification, plan *domain.DeliveryPlan, a domain.PlannedAttempt, attemptNo int, status domain.DeliveryStatus, latency int64, cause error) {
	rec := &domain.DeliveryRecord{
		NotificationID: n.ID.Hex(),
		OrganizationID: n.OrganizationID,
		EscalationID:   plan.EscalationID,
		Channel:        a.Channel,
		Target:         a.Target,
		DeviceID:       a.DeviceID,
		Status:         status,
		Attempts:       attemptNo,
		LatencyMS:      latency,
		ScheduledAt:    a.ScheduledAt,
		DispatchedAt:   time.Now(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	if err := d.records.Create(ctx, rec); err != nil {
		d.log.Error("Failed to persist delivery record",
			"notification_id", n.ID.Hex(), "channel", string(a.Channel), "error", err)
	}

	metrics.DispatchAttempts.WithLabelValues(string(a.Channel), string(status)).Inc()
	metrics.DispatchDuration.WithLabelValues(string(a.Channel)).Observe(float64(latency) / 1000)

	if d.events != nil {
		if err := d.events.DeliveryOutcome(ctx, rec); err != nil {
			d.log.Warn("Failed to publish delivery outcome",
				"notification_id", n.ID.Hex(), "error", err)
		}
	}
}

// breaker returns the channel's circuit breaker, creating it on first use.
func (d *Dispatcher) breaker(ch domain.Channel) *gobreaker.CircuitBreaker {
	d.bmu.Lock()
	defer d.bmu.Unlock()

	if cb, ok := d.breakers[ch]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1.0
			}
			metrics.CircuitOpen.WithLabelValues(name).Set(open)
			d.log.Warn("Channel circuit breaker state change",
				"channel", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakers[ch] = cb
	return cb
}
