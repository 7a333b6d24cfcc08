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

const deliveriesCollection = "delivery_records"

// DeliveryRepository persists per-attempt delivery outcomes.
type DeliveryRepository struct {
	client *mongodb.MongoClient
}

// NewDeliveryRepository creates a new delivery repository.
func NewDeliveryRepository(client *mongodb.MongoClient) *DeliveryRepository {
	return &DeliveryRepository{client: client}
}

// EnsureIndexes creates the notification lookup index.
func (r *DeliveryRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "notification_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("notification_created_idx"),
		},
		{
			Keys: bson.D{
				{Key: "notification_id", Value: 1},
				{Key: "status", Value: 1},
			},
			Options: options.Index().SetName("notification_status_idx"),
		},
	}

	return r.client.CreateIndexes(ctx, deliveriesCollection, indexes)
}

// Create inserts a delivery record.
func (r *DeliveryRepository) Create(ctx context.Context, record *domain.DeliveryRecord) error {
	record.ID = primitive.NewObjectID()
	record.CreatedAt = time.Now()

	_, err := r.client.Collection(deliveriesCollection).InsertOne(ctx, record)
	return err
}

// FindByNotificationID returns every delivery record for a notification in
// dispatch order.
func (r *DeliveryRepository) FindByNotificationID(ctx context.Context, notificationID string) ([]*domain.DeliveryRecord, error) {
	filter := bson.M{"notification_id": notificationID}
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})

	cursor, err := r.client.Collection(deliveriesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.DeliveryRecord
	if err = cursor.All(ctx, &records); err != nil {
		return nil, err
	}

	return records, nil
}

// HasDelivered reports whether any channel confirmed delivery for the
// notification. The undelivered escalation trigger re-checks this at fire
// time.
func (r *DeliveryRepository) HasDelivered(ctx context.Context, notificationID string) (bool, error) {
	filter := bson.M{
		"notification_id": notificationID,
		"status":          domain.DeliveryDelivered,
	}

	err := r.client.Collection(deliveriesCollection).FindOne(ctx, filter).Err()
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// MarkDelivered upgrades a sent record once the transport confirms receipt.
// Returns nil when no sent record matched, which covers both unknown ids and
// records that already moved past the sent state.
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, id, notificationID string, at time.Time) (*domain.DeliveryRecord, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	filter := bson.M{
		"_id":             objectID,
		"notification_id": notificationID,
		"status":          domain.DeliverySent,
	}
	update := bson.M{
		"$set": bson.M{
			"status":       domain.DeliveryDelivered,
			"delivered_at": at,
		},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record domain.DeliveryRecord
	err = r.client.Collection(deliveriesCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &record, nil
}
