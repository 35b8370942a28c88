// analytics/store/config_history_store.go
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Ftotnem/analytics-service/analytics/dynconfig"
)

// ConfigHistoryEntry is one applied configuration update as archived in MongoDB.
type ConfigHistoryEntry struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	InstanceID string             `bson:"instance_id" json:"instance_id"`
	Source     string             `bson:"source" json:"source"`
	Value      map[string]any     `bson:"value" json:"value"`
	AppliedAt  time.Time          `bson:"applied_at" json:"applied_at"`
}

// ConfigHistoryStore archives applied updates of this instance.
type ConfigHistoryStore struct {
	collection *mongo.Collection
	instanceID string
}

// NewConfigHistoryStore creates a store writing to collection on behalf of instanceID.
func NewConfigHistoryStore(collection *mongo.Collection, instanceID string) *ConfigHistoryStore {
	return &ConfigHistoryStore{
		collection: collection,
		instanceID: instanceID,
	}
}

// EnsureIndexes creates the applied_at index used by ListRecent.
func (hs *ConfigHistoryStore) EnsureIndexes(ctx context.Context) error {
	_, err := hs.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "applied_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create config history index: %w", err)
	}
	return nil
}

// RecordApplied inserts one history document for snap.
func (hs *ConfigHistoryStore) RecordApplied(ctx context.Context, snap dynconfig.Snapshot) error {
	entry := ConfigHistoryEntry{
		InstanceID: hs.instanceID,
		Source:     string(snap.Source),
		Value:      snap.Value,
		AppliedAt:  snap.UpdatedAt,
	}
	if _, err := hs.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to archive config update from %s: %w", snap.Source, err)
	}
	return nil
}

// ListRecent returns at most limit entries, newest first.
func (hs *ConfigHistoryStore) ListRecent(ctx context.Context, limit int64) ([]ConfigHistoryEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "applied_at", Value: -1}}).
		SetLimit(limit)

	cursor, err := hs.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query config history: %w", err)
	}
	defer cursor.Close(ctx)

	entries := []ConfigHistoryEntry{}
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode config history: %w", err)
	}
	return entries, nil
}
