package service

import (
	"context"
	"sort"

	"road-defect-pipeline/models"
)

// monthNames renders bucket months for the reporting frontend.
var monthNames = [12]string{
	"Enero", "Febrero", "Marzo", "Abril", "Mayo", "Junio",
	"Julio", "Agosto", "Septiembre", "Octubre", "Noviembre", "Diciembre",
}

// monthName returns the display name for a 1-based month, "Unknown" when out
// of range.
func monthName(month int) string {
	if month < 1 || month > 12 {
		return "Unknown"
	}
	return monthNames[month-1]
}

type bucketKey struct {
	year  int
	month int
}

// HistoricalRollup folds the whole defect inventory into (year, month)
// buckets, sorted ascending. A record with N types contributes N to the
// bucket's totals and one entry to its coordinate list. Recomputed on every
// call from current inventory state; nothing is persisted.
func (s *Service) HistoricalRollup(ctx context.Context) ([]models.HistoricalBucket, error) {
	records, err := s.store.ListDefects(ctx)
	if err != nil {
		return nil, err
	}

	// Fold in id order so repeated calls over the same inventory produce
	// identical output regardless of store iteration order.
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	buckets := make(map[bucketKey]*models.HistoricalBucket)
	for i := range records {
		record := &records[i]
		date := record.Properties.Date
		key := bucketKey{year: date.Year(), month: int(date.Month())}

		bucket := buckets[key]
		if bucket == nil {
			bucket = &models.HistoricalBucket{
				Year:   key.year,
				Month:  monthName(key.month),
				ByType: make(map[string]int),
			}
			buckets[key] = bucket
		}

		bucket.TotalDefects += len(record.Properties.Type)
		if record.Properties.Estado == models.StateRepaired {
			bucket.RepairedDefects += len(record.Properties.Type)
		}
		for _, t := range record.Properties.Type {
			bucket.ByType[models.CanonicalType(t)]++
		}
		bucket.Coordinates = append(bucket.Coordinates, models.Coordinate{
			Lat: record.Latitude(),
			Lng: record.Longitude(),
		})
	}

	keys := make([]bucketKey, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].year != keys[j].year {
			return keys[i].year < keys[j].year
		}
		return keys[i].month < keys[j].month
	})

	out := make([]models.HistoricalBucket, 0, len(keys))
	for _, key := range keys {
		out = append(out, *buckets[key])
	}
	return out, nil
}
