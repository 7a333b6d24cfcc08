package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/boardgov/go-routing-engine/internal/domain"
	"github.com/boardgov/go-routing-engine/internal/shared/mongodb"
)

const escalationsCollection = "escalation_records"

// EscalationRepository persists escalation timers and their state machine.
// Status transitions are conditional updates filtered on the current status,
// so a concurrent acknowledgment and timer fire can never both win.
type EscalationRepository struct {
	client *mongodb.MongoClient
}

// NewEscalationRepository creates a new escalation repository.
func NewEscalationRepository(client *mongodb.MongoClient) *EscalationRepository {
	return &EscalationRepository{client: client}
}

// EnsureIndexes creates the recovery-scan and notification lookup indexes.
func (r *EscalationRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "scheduled_for", Value: 1},
			},
			Options: options.Index().SetName("status_scheduled_idx"),
		},
		{
			Keys: bson.D{
				{Key: "notification_id", Value: 1},
				{Key: "trigger", Value: 1},
			},
			Options: options.Index().SetName("notification_trigger_idx").SetUnique(true),
		},
	}

	return r.client.CreateIndexes(ctx, escalationsCollection, indexes)
}

// Create persists a new escalation in the scheduled state. The unique
// (notification, trigger) index rejects duplicate schedules for the same
// timer key.
func (r *EscalationRepository) Create(ctx context.Context, record *domain.EscalationRecord) error {
	record.ID = primitive.NewObjectID()
	record.Status = domain.EscalationScheduled
	record.CreatedAt = time.Now()
	record.UpdatedAt = time.Now()

	_, err := r.client.Collection(escalationsCollection).InsertOne(ctx, record)
	return err
}

// FindByID finds an escalation record by ID.
func (r *EscalationRepository) FindByID(ctx context.Context, id string) (*domain.EscalationRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var record domain.EscalationRecord
	err = r.client.Collection(escalationsCollection).FindOne(ctx, bson.M{"_id": objectID}).Decode(&record)
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// FindByNotificationID returns every escalation for a notification.
func (r *EscalationRepository) FindByNotificationID(ctx context.Context, notificationID string) ([]*domain.EscalationRecord, error) {
	filter := bson.M{"notification_id": notificationID}
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})

	cursor, err := r.client.Collection(escalationsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.EscalationRecord
	if err = cursor.All(ctx, &records); err != nil {
		return nil, err
	}

	return records, nil
}

// FindDue returns scheduled escalations whose fire time falls at or before
// the horizon and whose retry backoff, if any, has elapsed. The scheduler's
// recovery scan re-arms these on startup and at every sweep, which is what
// lets timers survive process restarts.
func (r *EscalationRepository) FindDue(ctx context.Context, horizon, now time.Time) ([]*domain.EscalationRecord, error) {
	filter := bson.M{
		"status":        domain.EscalationScheduled,
		"scheduled_for": bson.M{"$lte": horizon},
		"$or": []bson.M{
			{"next_attempt_at": nil},
			{"next_attempt_at": bson.M{"$lte": now}},
		},
	}
	opts := options.Find().SetSort(bson.M{"scheduled_for": 1})

	cursor, err := r.client.Collection(escalationsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.EscalationRecord
	if err = cursor.All(ctx, &records); err != nil {
		return nil, err
	}

	return records, nil
}

// ClaimTriggered atomically moves a scheduled escalation to triggered and
// returns the claimed record. A nil result means another path already
// resolved the record (acknowledgment cancelled it, or a concurrent fire won).
func (r *EscalationRepository) ClaimTriggered(ctx context.Context, id string, at time.Time) (*domain.EscalationRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"_id": objectID, "status": domain.EscalationScheduled}
	update := bson.M{
		"$set": bson.M{
			"status":       domain.EscalationTriggered,
			"triggered_at": at,
			"updated_at":   time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record domain.EscalationRecord
	err = r.client.Collection(escalationsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// MarkCompleted finishes a triggered escalation, recording the resolved
// target set it was dispatched to.
func (r *EscalationRepository) MarkCompleted(ctx context.Context, id string, targets []string, at time.Time) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": objectID, "status": domain.EscalationTriggered}
	update := bson.M{
		"$set": bson.M{
			"status":       domain.EscalationCompleted,
			"targets":      targets,
			"completed_at": at,
			"updated_at":   time.Now(),
		},
	}

	_, err = r.client.Collection(escalationsCollection).UpdateOne(ctx, filter, update)
	return err
}

// Cancel moves a pending escalation to cancelled. Triggered records are
// cancellable too, so exhausted executor retries do not wedge a claimed
// record. Returns the cancelled record, or nil when it was already resolved.
func (r *EscalationRepository) Cancel(ctx context.Context, id, reason string) (*domain.EscalationRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"_id":    objectID,
		"status": bson.M{"$in": []domain.EscalationStatus{domain.EscalationScheduled, domain.EscalationTriggered}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     domain.EscalationCancelled,
			"last_error": reason,
			"updated_at": time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record domain.EscalationRecord
	err = r.client.Collection(escalationsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}

// CancelByNotification cancels every scheduled escalation for a notification
// and returns the records it cancelled, so the caller can disarm timers and
// publish cancellation events. Already-triggered escalations are untouched;
// the fire-time re-check owns that race.
func (r *EscalationRepository) CancelByNotification(ctx context.Context, notificationID string) ([]*domain.EscalationRecord, error) {
	filter := bson.M{
		"notification_id": notificationID,
		"status":          domain.EscalationScheduled,
	}

	cursor, err := r.client.Collection(escalationsCollection).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var candidates []*domain.EscalationRecord
	if err = cursor.All(ctx, &candidates); err != nil {
		return nil, err
	}

	update := bson.M{
		"$set": bson.M{
			"status":     domain.EscalationCancelled,
			"last_error": "acknowledged",
			"updated_at": time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var cancelled []*domain.EscalationRecord
	for _, c := range candidates {
		// Conditional on still-scheduled: a fire that claimed the record
		// between the scan and this update keeps it.
		one := bson.M{"_id": c.ID, "status": domain.EscalationScheduled}

		var record domain.EscalationRecord
		err := r.client.Collection(escalationsCollection).FindOneAndUpdate(ctx, one, update, opts).Decode(&record)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, &record)
	}

	return cancelled, nil
}

// RecordFailure bumps the retry counter and schedules the next attempt after
// an exponential backoff, keeping the record in the scheduled state so the
// recovery scan retries it rather than dropping it.
func (r *EscalationRepository) RecordFailure(ctx context.Context, id string, cause string, nextAttempt time.Time) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": objectID}
	update := bson.M{
		"$set": bson.M{
			"status":          domain.EscalationScheduled,
			"last_error":      cause,
			"next_attempt_at": nextAttempt,
			"updated_at":      time.Now(),
		},
		"$inc": bson.M{"retry_count": 1},
	}

	_, err = r.client.Collection(escalationsCollection).UpdateOne(ctx, filter, update)
	return err
}
