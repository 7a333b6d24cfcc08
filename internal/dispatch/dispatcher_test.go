package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []Target
	fail bool
}

func (s *fakeSender) Send(ctx context.Context, target Target, payload Payload) (*Result, error) {
	s.mu.Lock()
	s.sent = append(s.sent, target)
	s.mu.Unlock()
	if s.fail {
		return &Result{Status: domain.DeliveryFailed}, errors.New("transport down")
	}
	return &Result{Status: domain.DeliverySent, LatencyMS: 5}, nil
}

func (s *fakeSender) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type fakeDeliveryStore struct {
	mu      sync.Mutex
	records []*domain.DeliveryRecord
	err     error
}

func (s *fakeDeliveryStore) Create(ctx context.Context, r *domain.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

func (s *fakeDeliveryStore) byChannel(ch domain.Channel) []*domain.DeliveryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeliveryRecord
	for _, r := range s.records {
		if r.Channel == ch {
			out = append(out, r)
		}
	}
	return out
}

type fakeOutcomePublisher struct {
	mu     sync.Mutex
	events []*domain.DeliveryRecord
}

func (p *fakeOutcomePublisher) DeliveryOutcome(ctx context.Context, rec *domain.DeliveryRecord) error {
	p.mu.Lock()
	p.events = append(p.events, rec)
	p.mu.Unlock()
	return nil
}

func dispatchNotification() *domain.Notification {
	return &domain.Notification{
		ID:              primitive.NewObjectID(),
		OrganizationID:  "org-1",
		RecipientUserID: "user-1",
		Category:        domain.CategoryVoting,
		Priority:        domain.PriorityHigh,
		Context:         domain.ContextVoting,
	}
}

func attempt(ch domain.Channel, target string, fallback bool) domain.PlannedAttempt {
	return domain.PlannedAttempt{
		Channel:     ch,
		Target:      target,
		ScheduledAt: time.Now(),
		Fallback:    fallback,
	}
}

func dispatchPlan(n *domain.Notification, attempts ...domain.PlannedAttempt) *domain.DeliveryPlan {
	return &domain.DeliveryPlan{
		NotificationID:  n.ID.Hex(),
		OrganizationID:  n.OrganizationID,
		RecipientUserID: n.RecipientUserID,
		ShouldDeliver:   true,
		Attempts:        attempts,
	}
}

func newTestDispatcher(registry *Registry, store *fakeDeliveryStore, events OutcomePublisher) *Dispatcher {
	return NewDispatcher(registry, store, events, time.Second, logger.NewNop())
}

func TestDispatch_SkipsUndeliverablePlan(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{}
	registry.Register(domain.ChannelEmail, sender)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	plan := dispatchPlan(n, attempt(domain.ChannelEmail, "user-1", false))
	plan.ShouldDeliver = false

	summary, err := d.Dispatch(context.Background(), n, plan)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Attempted)
	assert.Equal(t, 0, sender.calls())
	assert.Empty(t, store.records)
}

func TestDispatch_OrderedStopsAfterFirstSuccess(t *testing.T) {
	registry := NewRegistry()
	push := &fakeSender{}
	email := &fakeSender{}
	registry.Register(domain.ChannelPush, push)
	registry.Register(domain.ChannelEmail, email)
	store := &fakeDeliveryStore{}
	events := &fakeOutcomePublisher{}
	d := newTestDispatcher(registry, store, events)
	n := dispatchNotification()

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelPush, "token-1", false),
		attempt(domain.ChannelEmail, "user-1", false),
	))
	require.NoError(t, err)

	assert.True(t, summary.AnySucceeded())
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, push.calls())
	assert.Equal(t, 0, email.calls())

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, n.ID.Hex(), rec.NotificationID)
	assert.Equal(t, domain.ChannelPush, rec.Channel)
	assert.Equal(t, domain.DeliverySent, rec.Status)
	require.Len(t, events.events, 1)
}

func TestDispatch_OrderedWalksPrimariesUntilSuccess(t *testing.T) {
	registry := NewRegistry()
	push := &fakeSender{fail: true}
	email := &fakeSender{}
	registry.Register(domain.ChannelPush, push)
	registry.Register(domain.ChannelEmail, email)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelPush, "token-1", false),
		attempt(domain.ChannelEmail, "user-1", false),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	failed := store.byChannel(domain.ChannelPush)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.DeliveryFailed, failed[0].Status)
	assert.Equal(t, "transport down", failed[0].Error)

	sent := store.byChannel(domain.ChannelEmail)
	require.Len(t, sent, 1)
	assert.Equal(t, domain.DeliverySent, sent[0].Status)
}

func TestDispatch_SimultaneousSendsEveryPrimary(t *testing.T) {
	registry := NewRegistry()
	push := &fakeSender{}
	email := &fakeSender{}
	inApp := &fakeSender{}
	registry.Register(domain.ChannelPush, push)
	registry.Register(domain.ChannelEmail, email)
	registry.Register(domain.ChannelInApp, inApp)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	plan := dispatchPlan(n,
		attempt(domain.ChannelPush, "token-1", false),
		attempt(domain.ChannelEmail, "user-1", false),
		attempt(domain.ChannelInApp, "user-1", false),
	)
	plan.Simultaneous = true

	summary, err := d.Dispatch(context.Background(), n, plan)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Attempted)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 1, push.calls())
	assert.Equal(t, 1, email.calls())
	assert.Equal(t, 1, inApp.calls())
	assert.Len(t, store.records, 3)
}

func TestDispatch_FallbackRunsOnlyWhenEveryPrimaryFails(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{fail: true}
	sms := &fakeSender{}
	registry.Register(domain.ChannelEmail, email)
	registry.Register(domain.ChannelSMS, sms)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelEmail, "user-1", false),
		attempt(domain.ChannelSMS, "user-1", true),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, sms.calls())
}

func TestDispatch_FallbackSkippedWhenPrimarySucceeds(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{}
	sms := &fakeSender{}
	registry.Register(domain.ChannelEmail, email)
	registry.Register(domain.ChannelSMS, sms)
	d := newTestDispatcher(registry, &fakeDeliveryStore{}, nil)
	n := dispatchNotification()

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelEmail, "user-1", false),
		attempt(domain.ChannelSMS, "user-1", true),
	))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, sms.calls())
}

func TestDispatch_NeverTriesAChannelTwice(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{fail: true}
	registry.Register(domain.ChannelEmail, email)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	// Email appears both as primary and fallback; the fallback pass must not
	// retry a channel that already failed.
	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelEmail, "user-1", false),
		attempt(domain.ChannelEmail, "user-1", true),
	))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 0, summary.Succeeded)
	assert.Equal(t, 1, email.calls())
	assert.Len(t, store.records, 1)
}

func TestDispatch_PushFansOutToEveryDevice(t *testing.T) {
	registry := NewRegistry()
	push := &fakeSender{}
	registry.Register(domain.ChannelPush, push)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	a1 := attempt(domain.ChannelPush, "token-ios", false)
	a1.DeviceID = "dev-ios"
	a1.Platform = domain.PlatformIOS
	a2 := attempt(domain.ChannelPush, "token-android", false)
	a2.DeviceID = "dev-android"
	a2.Platform = domain.PlatformAndroid

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n, a1, a2))
	require.NoError(t, err)

	// Two device sends count as one channel try.
	assert.Equal(t, 1, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, push.calls())
	assert.Len(t, store.records, 2)
}

func TestDispatch_MissingSenderFailsOverToFallback(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{}
	registry.Register(domain.ChannelEmail, email)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelPush, "token-1", false),
		attempt(domain.ChannelEmail, "user-1", true),
	))
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Attempted)
	assert.Equal(t, 1, summary.Succeeded)

	failed := store.byChannel(domain.ChannelPush)
	require.Len(t, failed, 1)
	assert.Equal(t, domain.DeliveryFailed, failed[0].Status)
	assert.Contains(t, failed[0].Error, "no sender registered")
}

func TestDispatch_RecordPersistenceTroubleIsNotFatal(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{}
	registry.Register(domain.ChannelEmail, email)
	store := &fakeDeliveryStore{err: errors.New("mongo down")}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
		attempt(domain.ChannelEmail, "user-1", false),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
}

func TestDispatch_CircuitBreakerShedsDeadChannel(t *testing.T) {
	registry := NewRegistry()
	email := &fakeSender{fail: true}
	registry.Register(domain.ChannelEmail, email)
	store := &fakeDeliveryStore{}
	d := newTestDispatcher(registry, store, nil)
	n := dispatchNotification()

	// Five straight failures trip the email breaker; the sixth plan is
	// rejected without reaching the transport but still records a failure.
	for i := 0; i < 6; i++ {
		summary, err := d.Dispatch(context.Background(), n, dispatchPlan(n,
			attempt(domain.ChannelEmail, "user-1", false),
		))
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
	}

	assert.Equal(t, 5, email.calls())
	assert.Len(t, store.records, 6)
}
