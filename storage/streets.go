package storage

import (
	"context"
	"fmt"
	"time"

	"road-defect-pipeline/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// NearestStreet returns the street segment nearest to the given point within
// maxDistance meters, or nil when no segment is in range (which is not an
// error; the aggregation simply skips).
func (d *Database) NearestStreet(ctx context.Context, lon, lat, maxDistance float64) (*models.StreetSegment, error) {
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

	var segment models.StreetSegment
	err := d.db.Collection(streetsCollection).FindOne(ctx, filter).Decode(&segment)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query nearest street: %w", err)
	}
	return &segment, nil
}

// ApplyStreetUpdate applies counter deltas and image set changes to one street
// segment as a single atomic document update, so concurrent workers cannot
// interleave a decrement/increment pair and readers never observe a partial
// transition.
//
// When the update carries a report id, the filter excludes segments that
// already hold it in properties.applied_reports and the same update adds it,
// so the counters land exactly once no matter how often the report is
// redelivered.
func (d *Database) ApplyStreetUpdate(ctx context.Context, streetID string, upd models.StreetUpdate, now time.Time) error {
	if upd.IsZero() {
		return nil
	}
	if upd.AddImage != "" && upd.RemoveImage != "" {
		return fmt.Errorf("street update for %s both adds and removes an image", streetID)
	}

	filter := bson.M{"id": streetID}
	update := bson.M{
		"$set": bson.M{"properties.last_update": now},
	}
	if len(upd.Inc) > 0 {
		inc := bson.M{}
		for defectType, delta := range upd.Inc {
			if delta == 0 {
				continue
			}
			inc["properties."+defectType] = delta
		}
		if len(inc) > 0 {
			update["$inc"] = inc
		}
	}

	addToSet := bson.M{}
	if upd.AddImage != "" {
		addToSet["properties.images"] = upd.AddImage
	}
	if upd.ReportID != "" {
		filter["properties.applied_reports"] = bson.M{"$ne": upd.ReportID}
		addToSet["properties.applied_reports"] = upd.ReportID
	}
	if len(addToSet) > 0 {
		update["$addToSet"] = addToSet
	}
	if upd.RemoveImage != "" {
		update["$pull"] = bson.M{"properties.images": upd.RemoveImage}
	}

	res, err := d.db.Collection(streetsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update street %s: %w", streetID, err)
	}
	if res.MatchedCount == 0 {
		if upd.ReportID == "" {
			return ErrNotFound
		}
		// Either the segment is gone or this report's contribution already
		// landed; only the former is an error.
		err := d.db.Collection(streetsCollection).FindOne(ctx, bson.M{"id": streetID}).Err()
		if err == nil {
			return nil
		}
		if err == mongo.ErrNoDocuments {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check street %s: %w", streetID, err)
	}
	return nil
}

// StreetsInBBox returns all street segments inside the given bounding box
// (southwest and northeast corners, GeoJSON lon/lat order).
func (d *Database) StreetsInBBox(ctx context.Context, sw, ne []float64) ([]models.StreetSegment, error) {
	filter := bson.M{
		"geometry.coordinates": bson.M{
			"$geoWithin": bson.M{
				"$box": bson.A{sw, ne},
			},
		},
	}

	cursor, err := d.db.Collection(streetsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query streets in bbox: %w", err)
	}
	defer cursor.Close(ctx)

	var segments []models.StreetSegment
	if err := cursor.All(ctx, &segments); err != nil {
		return nil, fmt.Errorf("failed to decode streets: %w", err)
	}
	return segments, nil
}
