package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type processedReport struct {
	ID          string    `bson:"_id"`
	ProcessedAt time.Time `bson:"processed_at"`
}

// WasProcessed reports whether the given reportId already went through the
// full pipeline. Checked before merge so a redelivered report neither creates
// a second record nor double-increments street counters.
func (d *Database) WasProcessed(ctx context.Context, reportID string) (bool, error) {
	err := d.db.Collection(processedCollection).
		FindOne(ctx, bson.M{"_id": reportID}).
		Err()
	if err == nil {
		return true, nil
	}
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	return false, fmt.Errorf("failed to check processed report %s: %w", reportID, err)
}

// MarkProcessed records a reportId after its pipeline run completed. Duplicate
// marks (concurrent redelivery) are harmless.
func (d *Database) MarkProcessed(ctx context.Context, reportID string, now time.Time) error {
	_, err := d.db.Collection(processedCollection).InsertOne(ctx, processedReport{
		ID:          reportID,
		ProcessedAt: now,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("failed to mark report %s processed: %w", reportID, err)
	}
	return nil
}
