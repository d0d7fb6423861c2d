package storage

import (
	"context"
	"fmt"

	"road-defect-pipeline/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// RecordContribution persists the street delta a report produced the first
// time its merge landed. The insert is keyed by report id: a redelivery
// collides and gets the original contribution back, so the aggregation a
// failed run skipped is completed with the delta computed when the merge
// actually happened, not recomputed from the already-merged record.
func (d *Database) RecordContribution(ctx context.Context, c models.ReportContribution) (models.ReportContribution, error) {
	_, err := d.db.Collection(contributionsCollection).InsertOne(ctx, c)
	if err == nil {
		return c, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return models.ReportContribution{}, fmt.Errorf("failed to record contribution for report %s: %w", c.ReportID, err)
	}

	var existing models.ReportContribution
	if err := d.db.Collection(contributionsCollection).FindOne(ctx, bson.M{"_id": c.ReportID}).Decode(&existing); err != nil {
		return models.ReportContribution{}, fmt.Errorf("failed to load contribution for report %s: %w", c.ReportID, err)
	}
	return existing, nil
}
