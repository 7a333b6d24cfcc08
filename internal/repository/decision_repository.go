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

const decisionsCollection = "routing_decisions"

// DecisionRepository persists routing decisions. Decisions are write-once
// audit snapshots: there is deliberately no update method.
type DecisionRepository struct {
	client *mongodb.MongoClient
}

// NewDecisionRepository creates a new decision repository.
func NewDecisionRepository(client *mongodb.MongoClient) *DecisionRepository {
	return &DecisionRepository{client: client}
}

// EnsureIndexes creates the notification lookup index.
func (r *DecisionRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "notification_id", Value: 1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("notification_created_idx"),
		},
	}

	return r.client.CreateIndexes(ctx, decisionsCollection, indexes)
}

// Create inserts a routing decision.
func (r *DecisionRepository) Create(ctx context.Context, decision *domain.RoutingDecision) error {
	decision.ID = primitive.NewObjectID()
	decision.CreatedAt = time.Now()

	_, err := r.client.Collection(decisionsCollection).InsertOne(ctx, decision)
	return err
}

// FindByNotificationID returns every decision recorded for a notification in
// planning order: the primary pass first, escalation passes after.
func (r *DecisionRepository) FindByNotificationID(ctx context.Context, notificationID string) ([]*domain.RoutingDecision, error) {
	filter := bson.M{"notification_id": notificationID}
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})

	cursor, err := r.client.Collection(decisionsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var decisions []*domain.RoutingDecision
	if err = cursor.All(ctx, &decisions); err != nil {
		return nil, err
	}

	return decisions, nil
}

// FindPrimary returns the primary (non-escalation) decision for a
// notification, the one the round-trip determinism check reads back.
func (r *DecisionRepository) FindPrimary(ctx context.Context, notificationID string) (*domain.RoutingDecision, error) {
	filter := bson.M{
		"notification_id": notificationID,
		"is_escalation":   false,
	}

	var decision domain.RoutingDecision
	err := r.client.Collection(decisionsCollection).FindOne(ctx, filter).Decode(&decision)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &decision, nil
}
