package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"road-defect-pipeline/models"
	"road-defect-pipeline/storage"

	"github.com/golang/geo/s2"
)

// mergeOrCreate decides merge-vs-create for one detection. It returns the
// record the report ended up in, whether it was created by this call, and the
// type tags the report newly contributed (empty on a pure redelivery).
func (s *Service) mergeOrCreate(
	ctx context.Context,
	report models.ReportMessage,
	labels []string,
	now time.Time,
) (*models.DefectRecord, bool, []string, error) {
	candidates, err := s.store.NearestDefects(ctx, report.Longitude, report.Latitude, s.defectRadius, nearestLimit)
	if err != nil {
		return nil, false, nil, err
	}

	if target := nearestRecord(report.Latitude, report.Longitude, candidates); target != nil {
		merged, added, err := s.mergeInto(ctx, target.ID, report.ID, labels, now)
		if err != nil {
			return nil, false, nil, err
		}
		return merged, false, added, nil
	}

	record := newDefectRecord(report, labels, now)
	err = s.store.InsertDefect(ctx, record)
	if err == nil {
		return record, true, labels, nil
	}
	if !errors.Is(err, storage.ErrDuplicateID) {
		return nil, false, nil, err
	}

	// Another worker (or an earlier delivery of this report) created the
	// record first. Retry as a merge against the now-existing record.
	merged, added, err := s.mergeInto(ctx, report.ID, report.ID, labels, now)
	if err != nil {
		return nil, false, nil, fmt.Errorf("insert collided but merge into %s failed: %w", report.ID, err)
	}
	return merged, false, added, nil
}

// mergeInto attaches the image and unions labels into the record, returning
// the merged record and the labels the store did not already carry. The added
// set is derived from the pre-image the store swapped out atomically, never
// from a candidate read earlier, so a concurrent merge on the same record
// cannot claim the same tag twice. Labels landing on a repaired record
// contribute nothing; reopening accounts for them.
func (s *Service) mergeInto(
	ctx context.Context,
	defectID string,
	imageID string,
	labels []string,
	now time.Time,
) (*models.DefectRecord, []string, error) {
	before, err := s.store.MergeDefect(ctx, defectID, imageID, labels, now)
	if err != nil {
		return nil, nil, err
	}

	added := make([]string, 0, len(labels))
	for _, label := range labels {
		if !before.HasType(label) {
			added = append(added, label)
		}
	}
	if before.Properties.Estado != models.StateOpen {
		added = nil
	}

	merged := *before
	merged.Properties.Images = append([]string(nil), before.Properties.Images...)
	if !before.HasImage(imageID) {
		merged.Properties.Images = append(merged.Properties.Images, imageID)
	}
	merged.Properties.Type = models.NormalizeLabels(append(append([]string(nil), before.Properties.Type...), labels...))
	merged.Properties.LastUpdate = now
	return &merged, added, nil
}

// nearestRecord picks the single geometrically nearest candidate; equidistant
// candidates resolve to the lowest record id for reproducibility. Returns nil
// when no candidate is in radius.
func nearestRecord(lat, lon float64, candidates []models.DefectRecord) *models.DefectRecord {
	if len(candidates) == 0 {
		return nil
	}

	from := s2.LatLngFromDegrees(lat, lon)
	best := 0
	bestDist := from.Distance(s2.LatLngFromDegrees(candidates[0].Latitude(), candidates[0].Longitude()))
	for i := 1; i < len(candidates); i++ {
		d := from.Distance(s2.LatLngFromDegrees(candidates[i].Latitude(), candidates[i].Longitude()))
		if d < bestDist || (d == bestDist && candidates[i].ID < candidates[best].ID) {
			best = i
			bestDist = d
		}
	}
	return &candidates[best]
}

// newDefectRecord builds a fresh record for a report with no nearby defect.
// The record id is the report id, so a redelivered create collides on insert
// and falls back to the merge path instead of duplicating the defect.
func newDefectRecord(report models.ReportMessage, labels []string, now time.Time) *models.DefectRecord {
	return &models.DefectRecord{
		ID:       report.ID,
		Type:     "Feature",
		Geometry: models.Point(report.Longitude, report.Latitude),
		Properties: models.DefectProperties{
			ID:         report.ID,
			Images:     []string{report.ID},
			Date:       parseReportDate(report.Date, now),
			Type:       labels,
			Modo:       report.Modo,
			User:       report.User,
			Estado:     models.StateOpen,
			LastUpdate: now,
		},
	}
}
