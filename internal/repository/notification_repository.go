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

const notificationsCollection = "notifications"

// NotificationRepository handles notification data operations.
type NotificationRepository struct {
	client *mongodb.MongoClient
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(client *mongodb.MongoClient) *NotificationRepository {
	return &NotificationRepository{client: client}
}

// EnsureIndexes creates query indexes plus the partial unique index that
// makes submission idempotent per (organization, idempotency key).
func (r *NotificationRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("org_created_idx"),
		},
		{
			Keys: bson.D{
				{Key: "recipient_user_id", Value: 1},
				{Key: "state", Value: 1},
			},
			Options: options.Index().SetName("recipient_state_idx"),
		},
		{
			Keys: bson.D{
				{Key: "organization_id", Value: 1},
				{Key: "idempotency_key", Value: 1},
			},
			Options: options.Index().
				SetName("org_idempotency_idx").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{
					"idempotency_key": bson.M{"$exists": true, "$type": "string"},
				}),
		},
	}

	return r.client.CreateIndexes(ctx, notificationsCollection, indexes)
}

// Create inserts a new notification in the created state.
func (r *NotificationRepository) Create(ctx context.Context, notification *domain.Notification) error {
	notification.ID = primitive.NewObjectID()
	notification.State = domain.StateCreated
	notification.CreatedAt = time.Now()
	notification.UpdatedAt = time.Now()

	_, err := r.client.Collection(notificationsCollection).InsertOne(ctx, notification)
	return err
}

// FindByID finds a notification by ID.
func (r *NotificationRepository) FindByID(ctx context.Context, id string) (*domain.Notification, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var notification domain.Notification
	err = r.client.Collection(notificationsCollection).FindOne(ctx, bson.M{"_id": objectID}).Decode(&notification)
	if err != nil {
		return nil, err
	}

	return &notification, nil
}

// FindByIdempotencyKey returns the notification previously submitted under
// the same caller key, or nil when the key is unseen.
func (r *NotificationRepository) FindByIdempotencyKey(ctx context.Context, organizationID, key string) (*domain.Notification, error) {
	filter := bson.M{
		"organization_id": organizationID,
		"idempotency_key": key,
	}

	var notification domain.Notification
	err := r.client.Collection(notificationsCollection).FindOne(ctx, filter).Decode(&notification)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &notification, nil
}

// FindByOrganization lists notifications with optional filters and pagination.
func (r *NotificationRepository) FindByOrganization(ctx context.Context, organizationID string, req *domain.ListNotificationsRequest) ([]*domain.Notification, int64, error) {
	filter := bson.M{"organization_id": organizationID}
	if req.RecipientUserID != "" {
		filter["recipient_user_id"] = req.RecipientUserID
	}
	if req.Category != "" {
		filter["category"] = req.Category
	}
	if req.State != "" {
		filter["state"] = req.State
	}

	total, err := r.client.Collection(notificationsCollection).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	skip := (req.Page - 1) * req.PageSize
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(req.PageSize)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := r.client.Collection(notificationsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var notifications []*domain.Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, 0, err
	}

	return notifications, total, nil
}

// FindInState lists notifications in a lifecycle state, oldest first. The
// deferred release worker uses it to recover parked plans after a restart.
func (r *NotificationRepository) FindInState(ctx context.Context, state domain.NotificationState, limit int64) ([]*domain.Notification, error) {
	opts := options.Find().
		SetLimit(limit).
		SetSort(bson.M{"created_at": 1})

	cursor, err := r.client.Collection(notificationsCollection).Find(ctx, bson.M{"state": state}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var notifications []*domain.Notification
	if err = cursor.All(ctx, &notifications); err != nil {
		return nil, err
	}

	return notifications, nil
}

// UpdateState transitions the notification lifecycle state.
func (r *NotificationRepository) UpdateState(ctx context.Context, id string, state domain.NotificationState) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": objectID}
	update := bson.M{
		"$set": bson.M{
			"state":      state,
			"updated_at": time.Now(),
		},
	}

	_, err = r.client.Collection(notificationsCollection).UpdateOne(ctx, filter, update)
	return err
}

// MarkDispatched records the dispatch instant and moves the notification to
// the dispatched state.
func (r *NotificationRepository) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": objectID}
	update := bson.M{
		"$set": bson.M{
			"state":         domain.StateDispatched,
			"dispatched_at": at,
			"updated_at":    time.Now(),
		},
	}

	_, err = r.client.Collection(notificationsCollection).UpdateOne(ctx, filter, update)
	return err
}

// MarkEscalated transitions a notification to escalated unless it reached a
// resolved state first, so a firing escalation never overwrites a concurrent
// acknowledgment.
func (r *NotificationRepository) MarkEscalated(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	filter := bson.M{
		"_id":   objectID,
		"state": bson.M{"$in": []domain.NotificationState{domain.StatePlanned, domain.StateDispatched}},
	}
	update := bson.M{
		"$set": bson.M{
			"state":      domain.StateEscalated,
			"updated_at": time.Now(),
		},
	}

	_, err = r.client.Collection(notificationsCollection).UpdateOne(ctx, filter, update)
	return err
}

// Acknowledge records the recipient's acknowledgment. The recipient filter
// keeps one user from acknowledging another's notification; the state filter
// makes repeat calls a no-op. Returns the updated notification, or nil when
// no document matched.
func (r *NotificationRepository) Acknowledge(ctx context.Context, id, userID string, actionTaken bool, at time.Time) (*domain.Notification, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"_id":               objectID,
		"recipient_user_id": userID,
		"acknowledged_at":   nil,
	}
	update := bson.M{
		"$set": bson.M{
			"state":           domain.StateAcknowledged,
			"acknowledged_at": at,
			"action_taken":    actionTaken,
			"updated_at":      time.Now(),
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var notification domain.Notification
	err = r.client.Collection(notificationsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&notification)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &notification, nil
}
