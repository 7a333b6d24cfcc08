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

const profilesCollection = "routing_profiles"

// ProfileRepository stores user and organization routing profiles.
type ProfileRepository struct {
	client *mongodb.MongoClient
}

// NewProfileRepository creates a new profile repository.
func NewProfileRepository(client *mongodb.MongoClient) *ProfileRepository {
	return &ProfileRepository{client: client}
}

// EnsureIndexes creates the lookup index for the profile resolution chain.
func (r *ProfileRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "scope", Value: 1},
				{Key: "organization_id", Value: 1},
				{Key: "user_id", Value: 1},
			},
			Options: options.Index().SetName("scope_org_user_idx").SetUnique(true),
		},
	}

	return r.client.CreateIndexes(ctx, profilesCollection, indexes)
}

// RoutingProfile resolves the effective profile for a recipient: the user's
// own profile first, then the organization default. A nil result with nil
// error means neither tier exists and the caller should apply the builtin
// global default.
func (r *ProfileRepository) RoutingProfile(ctx context.Context, userID, organizationID string) (*domain.UserRoutingProfile, error) {
	var profile domain.UserRoutingProfile

	filter := bson.M{
		"scope":           domain.ProfileScopeUser,
		"organization_id": organizationID,
		"user_id":         userID,
	}
	err := r.client.Collection(profilesCollection).FindOne(ctx, filter).Decode(&profile)
	if err == nil {
		return &profile, nil
	}
	if err != mongo.ErrNoDocuments {
		return nil, err
	}

	filter = bson.M{
		"scope":           domain.ProfileScopeOrganization,
		"organization_id": organizationID,
	}
	err = r.client.Collection(profilesCollection).FindOne(ctx, filter).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &profile, nil
}

// FindByScope fetches exactly one tier without fallback, for the admin
// read surface. A nil result with nil error means the tier is absent.
func (r *ProfileRepository) FindByScope(ctx context.Context, scope domain.ProfileScope, organizationID, userID string) (*domain.UserRoutingProfile, error) {
	filter := bson.M{
		"scope":           scope,
		"organization_id": organizationID,
	}
	if scope == domain.ProfileScopeUser {
		filter["user_id"] = userID
	}

	var profile domain.UserRoutingProfile
	err := r.client.Collection(profilesCollection).FindOne(ctx, filter).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &profile, nil
}

// Upsert validates and creates or replaces a profile for its (scope, org,
// user) slot.
func (r *ProfileRepository) Upsert(ctx context.Context, profile *domain.UserRoutingProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	now := time.Now()
	profile.UpdatedAt = now

	filter := bson.M{
		"scope":           profile.Scope,
		"organization_id": profile.OrganizationID,
		"user_id":         profile.UserID,
	}
	update := bson.M{
		"$set": bson.M{
			"timezone":       profile.Timezone,
			"business_hours": profile.BusinessHours,
			"dnd_windows":    profile.DNDWindows,
			"channels":       profile.Channels,
			"categories":     profile.Categories,
			"contexts":       profile.Contexts,
			"updated_at":     now,
		},
		"$setOnInsert": bson.M{
			"_id":        primitive.NewObjectID(),
			"created_at": now,
		},
	}
	opts := options.Update().SetUpsert(true)

	_, err := r.client.Collection(profilesCollection).UpdateOne(ctx, filter, update, opts)
	return err
}

// Delete removes a profile tier, causing lookups to fall through to the next
// tier in the resolution chain.
func (r *ProfileRepository) Delete(ctx context.Context, scope domain.ProfileScope, organizationID, userID string) error {
	filter := bson.M{
		"scope":           scope,
		"organization_id": organizationID,
	}
	if scope == domain.ProfileScopeUser {
		filter["user_id"] = userID
	}

	_, err := r.client.Collection(profilesCollection).DeleteOne(ctx, filter)
	return err
}
