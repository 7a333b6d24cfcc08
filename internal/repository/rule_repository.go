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

const rulesCollection = "routing_rules"

// RuleRepository stores versioned routing rules. Rules are reference data:
// administrators write them, planning only reads them.
type RuleRepository struct {
	client *mongodb.MongoClient
}

// NewRuleRepository creates a new rule repository.
func NewRuleRepository(client *mongodb.MongoClient) *RuleRepository {
	return &RuleRepository{client: client}
}

// EnsureIndexes creates the indexes the matcher's rule scan depends on.
func (r *RuleRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "scope", Value: 1},
				{Key: "organization_id", Value: 1},
				{Key: "is_active", Value: 1},
			},
			Options: options.Index().SetName("scope_org_active_idx"),
		},
		{
			Keys: bson.D{
				{Key: "category", Value: 1},
				{Key: "priority", Value: 1},
			},
			Options: options.Index().SetName("category_priority_idx"),
		},
	}

	return r.client.CreateIndexes(ctx, rulesCollection, indexes)
}

// Create validates and inserts a new routing rule.
func (r *RuleRepository) Create(ctx context.Context, rule *domain.RoutingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	rule.ID = primitive.NewObjectID()
	rule.Version = 1
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = time.Now()

	_, err := r.client.Collection(rulesCollection).InsertOne(ctx, rule)
	return err
}

// FindByID finds a rule by ID.
func (r *RuleRepository) FindByID(ctx context.Context, id string) (*domain.RoutingRule, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var rule domain.RoutingRule
	err = r.client.Collection(rulesCollection).FindOne(ctx, bson.M{"_id": objectID}).Decode(&rule)
	if err != nil {
		return nil, err
	}

	return &rule, nil
}

// ActiveRules returns every active rule visible to an organization: its own
// rules plus the global ones. The matcher applies category, priority and
// context filtering; this query only narrows scope so the result is cacheable
// per organization.
func (r *RuleRepository) ActiveRules(ctx context.Context, organizationID string) ([]domain.RoutingRule, error) {
	filter := bson.M{
		"is_active": true,
		"$or": []bson.M{
			{"scope": domain.ScopeGlobal},
			{"scope": domain.ScopeOrganization, "organization_id": organizationID},
		},
	}

	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "_id", Value: 1},
	})

	cursor, err := r.client.Collection(rulesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rules []domain.RoutingRule
	if err = cursor.All(ctx, &rules); err != nil {
		return nil, err
	}

	return rules, nil
}

// FindByOrganization returns an organization's own rules with pagination,
// for the admin listing surface.
func (r *RuleRepository) FindByOrganization(ctx context.Context, organizationID string, page, pageSize int) ([]*domain.RoutingRule, int64, error) {
	filter := bson.M{
		"scope":           domain.ScopeOrganization,
		"organization_id": organizationID,
	}

	total, err := r.client.Collection(rulesCollection).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	skip := (page - 1) * pageSize
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(pageSize)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := r.client.Collection(rulesCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	defer cursor.Close(ctx)

	var rules []*domain.RoutingRule
	if err = cursor.All(ctx, &rules); err != nil {
		return nil, 0, err
	}

	return rules, total, nil
}

// Update validates and replaces a rule body, bumping its version.
func (r *RuleRepository) Update(ctx context.Context, rule *domain.RoutingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()

	filter := bson.M{"_id": rule.ID}
	update := bson.M{
		"$set": bson.M{
			"name":                  rule.Name,
			"category":              rule.Category,
			"priority":              rule.Priority,
			"min_priority":          rule.MinPriority,
			"context":               rule.Context,
			"primary_channels":      rule.PrimaryChannels,
			"fallback_channels":     rule.FallbackChannels,
			"immediate":             rule.Immediate,
			"respect_dnd":           rule.RespectDND,
			"business_hours_only":   rule.BusinessHoursOnly,
			"dnd_override_channels": rule.DNDOverrideChannels,
			"escalation":            rule.Escalation,
			"rule_priority":         rule.RulePriority,
			"conditions":            rule.Conditions,
			"is_active":             rule.IsActive,
			"updated_at":            rule.UpdatedAt,
		},
		"$inc": bson.M{"version": 1},
	}

	_, err := r.client.Collection(rulesCollection).UpdateOne(ctx, filter, update)
	return err
}

// Deactivate marks a rule inactive without removing it, preserving the audit
// trail of past routing decisions that referenced it.
func (r *RuleRepository) Deactivate(ctx context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	filter := bson.M{"_id": objectID}
	update := bson.M{
		"$set": bson.M{
			"is_active":  false,
			"updated_at": time.Now(),
		},
		"$inc": bson.M{"version": 1},
	}

	_, err = r.client.Collection(rulesCollection).UpdateOne(ctx, filter, update)
	return err
}
