package escalation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/metrics"
	"github.com/boardgov/go-routing-engine/internal/shared/logger"
)

// Store supplies the scheduled records the recovery scan re-arms.
type Store interface {
	FindDue(ctx context.Context, horizon, now time.Time) ([]*domain.EscalationRecord, error)
}

// Executor owns the fire path: it re-checks the trigger condition against
// current acknowledgment and delivery state, then either cancels or builds
// and dispatches the escalation plan. Firing a stale or already-resolved
// escalation id must be a no-op, which is what makes timer cancellation
// advisory rather than load-bearing.
type Executor interface {
	ExecuteEscalation(ctx context.Context, escalationID string) error
}

// Scheduler arms one-time timers for persisted escalation records. Fire times
// live in the database; the in-memory timers are an optimization re-built on
// startup and at every sweep by scanning for scheduled records inside the
// lookahead window, so escalations survive process restarts.
type Scheduler struct {
	repo      Store
	log       *logger.Logger
	cron      *cron.Cron
	lookahead time.Duration
	scanEvery time.Duration
	execTime  time.Duration

	mu       sync.Mutex
	executor Executor
	timers   map[string]*armedTimer // escalation id -> timer
	stopped  bool
}

type armedTimer struct {
	timer          *time.Timer
	notificationID string
	fireAt         time.Time
}

// NewScheduler creates an escalation scheduler. lookahead bounds how far
// ahead the sweep arms timers; scanEvery is the sweep interval.
func NewScheduler(repo Store, log *logger.Logger, lookahead, scanEvery time.Duration) *Scheduler {
	return &Scheduler{
		repo:      repo,
		log:       log,
		cron:      cron.New(),
		lookahead: lookahead,
		scanEvery: scanEvery,
		execTime:  2 * time.Minute,
		timers:    make(map[string]*armedTimer),
	}
}

// SetExecutor wires the fire path. Must be called before Start.
func (s *Scheduler) SetExecutor(ex Executor) {
	s.mu.Lock()
	s.executor = ex
	s.mu.Unlock()
}

// Start runs the initial recovery scan and begins periodic sweeps.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.executor == nil {
		s.mu.Unlock()
		return fmt.Errorf("escalation scheduler requires an executor")
	}
	s.stopped = false
	s.mu.Unlock()

	s.log.Info("Starting escalation scheduler",
		"lookahead", s.lookahead.String(), "scan_interval", s.scanEvery.String())

	s.scan()

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.scanEvery), s.scan); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts sweeps and disarms every pending timer. Persisted records stay
// scheduled and are re-armed on the next Start.
func (s *Scheduler) Stop() {
	s.log.Info("Stopping escalation scheduler")
	s.cron.Stop()

	s.mu.Lock()
	s.stopped = true
	for id, at := range s.timers {
		at.timer.Stop()
		delete(s.timers, id)
	}
	metrics.EscalationTimers.Set(0)
	s.mu.Unlock()
}

// scan re-arms scheduled records due inside the lookahead window. Overdue
// records, including ones whose process died before firing, get a zero delay
// and fire immediately.
func (s *Scheduler) scan() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := time.Now()
	due, err := s.repo.FindDue(ctx, now.Add(s.lookahead), now)
	if err != nil {
		s.log.Error("Escalation recovery scan failed", "error", err)
		return
	}

	armed := 0
	for _, rec := range due {
		if s.Arm(rec) {
			armed++
		}
	}
	if armed > 0 {
		s.log.Info("Escalation scan armed timers", "armed", armed, "due", len(due))
	}
}

// Arm schedules a one-time timer for the record's effective fire time.
// Re-arming an id already armed for the same instant is a no-op; a changed
// fire time (retry backoff) replaces the timer. Reports whether a new timer
// was armed.
func (s *Scheduler) Arm(rec *domain.EscalationRecord) bool {
	fireAt := rec.ScheduledFor
	if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(fireAt) {
		fireAt = *rec.NextAttemptAt
	}
	id := rec.ID.Hex()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if existing, ok := s.timers[id]; ok {
		if existing.fireAt.Equal(fireAt) {
			return false
		}
		existing.timer.Stop()
		delete(s.timers, id)
	}

	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}

	s.timers[id] = &armedTimer{
		notificationID: rec.NotificationID,
		fireAt:         fireAt,
		timer:          time.AfterFunc(delay, func() { s.fire(id) }),
	}
	metrics.EscalationTimers.Set(float64(len(s.timers)))
	return true
}

// Disarm stops the timer for one escalation. Best effort: a timer that
// already fired resolves through the executor's re-check instead.
func (s *Scheduler) Disarm(escalationID string) {
	s.mu.Lock()
	if at, ok := s.timers[escalationID]; ok {
		at.timer.Stop()
		delete(s.timers, escalationID)
		metrics.EscalationTimers.Set(float64(len(s.timers)))
	}
	s.mu.Unlock()
}

// DisarmNotification stops every timer keyed to a notification, used when
// the recipient acknowledges before the fire time.
func (s *Scheduler) DisarmNotification(notificationID string) {
	s.mu.Lock()
	for id, at := range s.timers {
		if at.notificationID == notificationID {
			at.timer.Stop()
			delete(s.timers, id)
		}
	}
	metrics.EscalationTimers.Set(float64(len(s.timers)))
	s.mu.Unlock()
}

// Armed returns the number of armed timers.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// fire hands one due escalation to the executor. Execution failures are
// logged only: the executor persists a retry backoff and the next sweep
// re-arms the record, so nothing is silently dropped.
func (s *Scheduler) fire(escalationID string) {
	s.mu.Lock()
	delete(s.timers, escalationID)
	metrics.EscalationTimers.Set(float64(len(s.timers)))
	executor := s.executor
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || executor == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.execTime)
	defer cancel()

	if err := executor.ExecuteEscalation(ctx, escalationID); err != nil {
		s.log.Error("Escalation execution failed", "escalation_id", escalationID, "error", err)
	}
}
