package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defectsCollection       = "defects"
	streetsCollection       = "streets"
	processedCollection     = "processed_reports"
	contributionsCollection = "report_contributions"

	// Processed-report ids and recorded contributions only need to outlive
	// the redelivery window.
	processedTTL = 7 * 24 * time.Hour
)

// ErrNotFound is returned when a lookup matches no document.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateID is returned when an insert collides with an existing id.
// Callers treat it as "the record now exists, retry as a merge".
var ErrDuplicateID = errors.New("storage: duplicate id")

// Database wraps the MongoDB spatial store holding the defect inventory, the
// pre-seeded street segments and the processed-report idempotency set.
type Database struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewDatabase connects to MongoDB, verifies the connection and ensures the
// geospatial and TTL indexes the pipeline depends on.
func NewDatabase(ctx context.Context, uri, dbName string) (*Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	d := &Database{
		client: client,
		db:     client.Database(dbName),
	}

	if err := d.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	log.Printf("Connected to MongoDB database %s", dbName)
	return d, nil
}

func (d *Database) ensureIndexes(ctx context.Context) error {
	defectIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "geometry", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "properties.date", Value: 1}}},
	}
	if _, err := d.db.Collection(defectsCollection).Indexes().CreateMany(ctx, defectIndexes); err != nil {
		return fmt.Errorf("failed to create defect indexes: %w", err)
	}

	streetIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "geometry", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "id", Value: 1}}},
	}
	if _, err := d.db.Collection(streetsCollection).Indexes().CreateMany(ctx, streetIndexes); err != nil {
		return fmt.Errorf("failed to create street indexes: %w", err)
	}

	ttl := int32(processedTTL / time.Second)
	processedIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "processed_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttl),
	}
	if _, err := d.db.Collection(processedCollection).Indexes().CreateOne(ctx, processedIndex); err != nil {
		return fmt.Errorf("failed to create processed-report TTL index: %w", err)
	}

	contributionIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttl),
	}
	if _, err := d.db.Collection(contributionsCollection).Indexes().CreateOne(ctx, contributionIndex); err != nil {
		return fmt.Errorf("failed to create contribution TTL index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (d *Database) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}
