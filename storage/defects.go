package storage

import (
	"context"
	"fmt"
	"time"

	"road-defect-pipeline/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// NearestDefects returns up to limit defect records within maxDistance meters
// of the given point, ordered nearest first. $maxDistance is inclusive: a
// record at exactly maxDistance is returned.
func (d *Database) NearestDefects(ctx context.Context, lon, lat, maxDistance float64, limit int) ([]models.DefectRecord, error) {
	filter := bson.M{
		"geometry": bson.M{
			"$near": bson.M{
				"$geometry": bson.M{
					"type":        "Point",
					"coordinates": bson.A{lon, lat},
				},
				"$maxDistance": maxDistance,
			},
		},
	}

	opts := options.Find().SetLimit(int64(limit))
	cursor, err := d.db.Collection(defectsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearest defects: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.DefectRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode nearest defects: %w", err)
	}
	return records, nil
}

// InsertDefect writes a new defect record. An id collision (e.g. a redelivered
// create, or two workers racing on the same report) yields ErrDuplicateID so
// the caller can retry as a merge.
func (d *Database) InsertDefect(ctx context.Context, record *models.DefectRecord) error {
	_, err := d.db.Collection(defectsCollection).InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert defect: %w", err)
	}
	return nil
}

// MergeDefect attaches an image and unions type tags into an existing record
// in one atomic update, returning the record as it was before the merge.
// $addToSet makes the merge idempotent under redelivery; the pre-image is the
// authoritative answer to "which of these tags were new", even when the caller
// raced another worker on the same record.
func (d *Database) MergeDefect(ctx context.Context, defectID, imageID string, types []string, now time.Time) (*models.DefectRecord, error) {
	update := bson.M{
		"$addToSet": bson.M{
			"properties.images": imageID,
			"properties.type":   bson.M{"$each": types},
		},
		"$set": bson.M{"properties.last_update": now},
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var before models.DefectRecord
	err := d.db.Collection(defectsCollection).
		FindOneAndUpdate(ctx, bson.M{"_id": defectID}, update, opts).
		Decode(&before)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to merge into defect %s: %w", defectID, err)
	}
	return &before, nil
}

// GetDefect fetches one record by id.
func (d *Database) GetDefect(ctx context.Context, id string) (*models.DefectRecord, error) {
	var record models.DefectRecord
	err := d.db.Collection(defectsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get defect %s: %w", id, err)
	}
	return &record, nil
}

// ListDefects returns the whole inventory.
func (d *Database) ListDefects(ctx context.Context) ([]models.DefectRecord, error) {
	return d.listDefects(ctx, bson.M{})
}

// ListDefectsByType returns records carrying the given canonical type tag.
func (d *Database) ListDefectsByType(ctx context.Context, defectType string) ([]models.DefectRecord, error) {
	return d.listDefects(ctx, bson.M{"properties.type": defectType})
}

// ListDefectsByMonth returns records whose report date falls in the given
// calendar month.
func (d *Database) ListDefectsByMonth(ctx context.Context, year, month int) ([]models.DefectRecord, error) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return d.listDefects(ctx, bson.M{
		"properties.date": bson.M{"$gte": start, "$lt": end},
	})
}

// ListDefectsByUser returns records reported by the given user.
func (d *Database) ListDefectsByUser(ctx context.Context, user string) ([]models.DefectRecord, error) {
	return d.listDefects(ctx, bson.M{"properties.user": user})
}

func (d *Database) listDefects(ctx context.Context, filter bson.M) ([]models.DefectRecord, error) {
	cursor, err := d.db.Collection(defectsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query defects: %w", err)
	}
	defer cursor.Close(ctx)

	var records []models.DefectRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode defects: %w", err)
	}
	return records, nil
}

// ApplyDefectUpdate applies the provided fields of a curation payload in a
// single $set and returns the record as it was before. Absent fields are left
// untouched. The pre-image comes from the same atomic swap that writes the
// update, so two concurrent curations observe each other: the loser sees a
// pre-image already carrying the winner's transition and its street delta
// collapses to zero instead of decrementing twice.
func (d *Database) ApplyDefectUpdate(ctx context.Context, id string, upd models.DefectUpdate, now time.Time) (*models.DefectRecord, error) {
	set := bson.M{"properties.last_update": now}
	if upd.Type != nil {
		set["properties.type"] = models.NormalizeLabels(*upd.Type)
	}
	if upd.RepairAt != nil {
		set["properties.repair_at"] = *upd.RepairAt
	}
	if upd.Estado != nil {
		set["properties.estado"] = *upd.Estado
	}
	if upd.Observaciones != nil {
		set["properties.observaciones"] = *upd.Observaciones
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var before models.DefectRecord
	err := d.db.Collection(defectsCollection).
		FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).
		Decode(&before)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update defect %s: %w", id, err)
	}
	return &before, nil
}

// DeleteDefect removes a record from the inventory and returns it. Only the
// caller holding the returned record reverses its street contribution; a
// concurrent second delete gets ErrNotFound.
func (d *Database) DeleteDefect(ctx context.Context, id string) (*models.DefectRecord, error) {
	var deleted models.DefectRecord
	err := d.db.Collection(defectsCollection).
		FindOneAndDelete(ctx, bson.M{"_id": id}).
		Decode(&deleted)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete defect %s: %w", id, err)
	}
	return &deleted, nil
}
