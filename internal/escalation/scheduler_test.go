package escalation

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

type staticEscalationStore struct {
	mu    sync.Mutex
	due   []*domain.EscalationRecord
	err   error
	scans int
}

func (s *staticEscalationStore) FindDue(ctx context.Context, horizon, now time.Time) ([]*domain.EscalationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans++
	return s.due, s.err
}

type recordingExecutor struct {
	mu    sync.Mutex
	fired []string
	errs  map[string]error
	ch    chan string
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{ch: make(chan string, 8)}
}

func (e *recordingExecutor) ExecuteEscalation(ctx context.Context, escalationID string) error {
	e.mu.Lock()
	e.fired = append(e.fired, escalationID)
	err := e.errs[escalationID]
	e.mu.Unlock()
	e.ch <- escalationID
	return err
}

func (e *recordingExecutor) firedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.fired)
}

func makeEscalation(notificationID string, fireAt time.Time) *domain.EscalationRecord {
	return &domain.EscalationRecord{
		ID:              primitive.NewObjectID(),
		NotificationID:  notificationID,
		OrganizationID:  "org-1",
		RecipientUserID: "user-1",
		Trigger:         domain.TriggerUnread,
		ScheduledFor:    fireAt,
		Channels:        []domain.Channel{domain.ChannelEmail},
		Status:          domain.EscalationScheduled,
	}
}

func newTestScheduler(store Store) *Scheduler {
	return NewScheduler(store, logger.NewNop(), time.Hour, time.Hour)
}

func waitFired(t *testing.T, ex *recordingExecutor, want string) {
	t.Helper()
	select {
	case got := <-ex.ch:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for escalation to fire")
	}
}

func TestScheduler_StartRequiresExecutor(t *testing.T) {
	s := newTestScheduler(&staticEscalationStore{})
	require.Error(t, s.Start())
}

func TestScheduler_ArmFiresAtScheduledTime(t *testing.T) {
	ex := newRecordingExecutor()
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(ex)

	rec := makeEscalation("n-1", time.Now().Add(20*time.Millisecond))
	assert.True(t, s.Arm(rec))

	waitFired(t, ex, rec.ID.Hex())
	assert.Equal(t, 0, s.Armed())
}

func TestScheduler_ArmOverdueFiresImmediately(t *testing.T) {
	ex := newRecordingExecutor()
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(ex)

	// A record whose fire time passed while the process was down.
	rec := makeEscalation("n-1", time.Now().Add(-time.Hour))
	assert.True(t, s.Arm(rec))

	waitFired(t, ex, rec.ID.Hex())
}

func TestScheduler_RearmSameInstantIsNoop(t *testing.T) {
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(newRecordingExecutor())

	rec := makeEscalation("n-1", time.Now().Add(time.Hour))
	assert.True(t, s.Arm(rec))
	assert.False(t, s.Arm(rec))
	assert.Equal(t, 1, s.Armed())
}

func TestScheduler_RearmWithBackoffReplacesTimer(t *testing.T) {
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(newRecordingExecutor())

	rec := makeEscalation("n-1", time.Now().Add(time.Hour))
	require.True(t, s.Arm(rec))

	retryAt := rec.ScheduledFor.Add(30 * time.Minute)
	rec.NextAttemptAt = &retryAt
	assert.True(t, s.Arm(rec))
	assert.Equal(t, 1, s.Armed())
}

func TestScheduler_DisarmStopsTimer(t *testing.T) {
	ex := newRecordingExecutor()
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(ex)

	rec := makeEscalation("n-1", time.Now().Add(50*time.Millisecond))
	require.True(t, s.Arm(rec))
	s.Disarm(rec.ID.Hex())
	assert.Equal(t, 0, s.Armed())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, ex.firedCount())
}

func TestScheduler_DisarmNotificationStopsItsTimersOnly(t *testing.T) {
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(newRecordingExecutor())

	first := makeEscalation("n-1", time.Now().Add(time.Hour))
	second := makeEscalation("n-1", time.Now().Add(2*time.Hour))
	other := makeEscalation("n-2", time.Now().Add(time.Hour))
	require.True(t, s.Arm(first))
	require.True(t, s.Arm(second))
	require.True(t, s.Arm(other))

	s.DisarmNotification("n-1")
	assert.Equal(t, 1, s.Armed())
}

func TestScheduler_StartRecoversPersistedRecords(t *testing.T) {
	ex := newRecordingExecutor()
	rec := makeEscalation("n-1", time.Now().Add(-time.Minute))
	store := &staticEscalationStore{due: []*domain.EscalationRecord{rec}}
	s := newTestScheduler(store)
	s.SetExecutor(ex)

	require.NoError(t, s.Start())
	defer s.Stop()

	waitFired(t, ex, rec.ID.Hex())

	store.mu.Lock()
	scans := store.scans
	store.mu.Unlock()
	assert.GreaterOrEqual(t, scans, 1)
}

func TestScheduler_ScanSurvivesStoreErrors(t *testing.T) {
	store := &staticEscalationStore{err: errors.New("find failed")}
	s := newTestScheduler(store)
	s.SetExecutor(newRecordingExecutor())

	require.NoError(t, s.Start())
	s.Stop()
	assert.Equal(t, 0, s.Armed())
}

func TestScheduler_StopDisarmsEverything(t *testing.T) {
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(newRecordingExecutor())

	require.True(t, s.Arm(makeEscalation("n-1", time.Now().Add(time.Hour))))
	require.True(t, s.Arm(makeEscalation("n-2", time.Now().Add(time.Hour))))

	s.Stop()
	assert.Equal(t, 0, s.Armed())
	// A stopped scheduler refuses new timers until restarted.
	assert.False(t, s.Arm(makeEscalation("n-3", time.Now().Add(time.Hour))))
}

func TestScheduler_ExecutorFailureDoesNotRearm(t *testing.T) {
	ex := newRecordingExecutor()
	s := newTestScheduler(&staticEscalationStore{})
	s.SetExecutor(ex)

	rec := makeEscalation("n-1", time.Now().Add(10*time.Millisecond))
	ex.errs = map[string]error{rec.ID.Hex(): errors.New("plan build failed")}
	require.True(t, s.Arm(rec))

	waitFired(t, ex, rec.ID.Hex())
	// Retry scheduling is the executor's job via the persisted record; the
	// in-memory timer is gone either way.
	assert.Equal(t, 0, s.Armed())
	assert.Equal(t, 1, ex.firedCount())
}
