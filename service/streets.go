package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"road-defect-pipeline/metrics"
	"road-defect-pipeline/models"
)

// aggregateReport applies a report's recorded contribution to the nearest
// street segment. A create adds the record's image ref and one count per type;
// a merge adds counts only for the types the report newly contributed, so a
// later repair or delete decrement is an exact inverse. A merge into a
// repaired record changes nothing: the defect is not outstanding.
//
// The delta comes from the contribution ledger, not from the record, and the
// street update is guarded per report id, so a redelivery after a failed
// aggregation completes the original delta exactly once.
func (s *Service) aggregateReport(
	ctx context.Context,
	record *models.DefectRecord,
	c models.ReportContribution,
	now time.Time,
) error {
	upd := models.StreetUpdate{
		ReportID: c.ReportID,
		Inc:      counterKeys(c.Types, 1),
	}
	if c.Created && record.Properties.Estado == models.StateOpen {
		upd.AddImage = record.ID
	}
	if upd.IsZero() {
		return nil
	}
	return s.applyToNearestStreet(ctx, record, upd, now)
}

// UpdateDefect applies a curation payload to a record and propagates the
// resulting counter transition to the record's street segment as one atomic
// street update. The transition is computed against the pre-image the store
// swapped out, so concurrent curations on the same record cannot both claim
// the same transition. Returns the record after the update.
func (s *Service) UpdateDefect(ctx context.Context, id string, upd models.DefectUpdate) (*models.DefectRecord, error) {
	now := s.now()
	before, err := s.store.ApplyDefectUpdate(ctx, id, upd, now)
	if err != nil {
		return nil, err
	}

	afterTypes := before.Properties.Type
	if upd.Type != nil {
		afterTypes = models.NormalizeLabels(*upd.Type)
	}
	afterEstado := before.Properties.Estado
	if upd.Estado != nil {
		afterEstado = *upd.Estado
	}

	delta := streetDelta(before.Properties.Type, before.Properties.Estado, afterTypes, afterEstado, id)
	if !delta.IsZero() {
		if err := s.applyToNearestStreet(ctx, before, delta, now); err != nil {
			return nil, fmt.Errorf("defect %s updated but street propagation failed: %w", id, err)
		}
	}

	return s.store.GetDefect(ctx, id)
}

// DeleteDefect removes a record and reverses its street contribution. Only an
// open record still holds counters; a repaired one was already decremented at
// transition time. The image ref is pulled either way. The reversal is
// computed from the record the delete actually removed, so it cannot race a
// concurrent repair into a double decrement.
func (s *Service) DeleteDefect(ctx context.Context, id string) error {
	record, err := s.store.DeleteDefect(ctx, id)
	if err != nil {
		return err
	}

	upd := models.StreetUpdate{RemoveImage: id}
	if record.Properties.Estado == models.StateOpen {
		upd.Inc = counterKeys(record.Properties.Type, -1)
	}
	if err := s.applyToNearestStreet(ctx, record, upd, s.now()); err != nil {
		return fmt.Errorf("defect %s deleted but street propagation failed: %w", id, err)
	}
	return nil
}

// applyToNearestStreet resolves the record's street segment and applies the
// update. No segment within radius is a skip, not an error.
func (s *Service) applyToNearestStreet(
	ctx context.Context,
	record *models.DefectRecord,
	upd models.StreetUpdate,
	now time.Time,
) error {
	segment, err := s.store.NearestStreet(ctx, record.Longitude(), record.Latitude(), s.streetRadius)
	if err != nil {
		return err
	}
	if segment == nil {
		metrics.StreetSkipsTotal.Inc()
		log.Printf("Defect %s: no street segment within %.0f meters, skipping aggregation", record.ID, s.streetRadius)
		return nil
	}
	return s.store.ApplyStreetUpdate(ctx, segment.ID, upd, now)
}

// counterKeys maps record type tags to counter-key deltas.
func counterKeys(types []string, delta int) map[string]int {
	canon := models.CanonicalTypes(types)
	if len(canon) == 0 {
		return nil
	}
	out := make(map[string]int, len(canon))
	for _, t := range canon {
		out[t] = delta
	}
	return out
}

// contribution is the counter footprint a record leaves on its street segment:
// one per type while open, nothing while repaired.
func contribution(types []string, estado int) map[string]int {
	if estado != models.StateOpen {
		return nil
	}
	out := make(map[string]int, len(types))
	for _, t := range models.CanonicalTypes(types) {
		out[t] = 1
	}
	return out
}

// streetDelta computes the single atomic update that moves a segment from the
// record's old contribution to its new one. Decrement and increment collapse
// into one net $inc, so a concurrent reader never observes a transient
// negative window.
func streetDelta(oldTypes []string, oldEstado int, newTypes []string, newEstado int, recordID string) models.StreetUpdate {
	before := contribution(oldTypes, oldEstado)
	after := contribution(newTypes, newEstado)

	inc := make(map[string]int, len(before)+len(after))
	for t, n := range after {
		inc[t] += n
	}
	for t, n := range before {
		inc[t] -= n
	}
	for t, n := range inc {
		if n == 0 {
			delete(inc, t)
		}
	}

	upd := models.StreetUpdate{Inc: inc}
	wasOpen := oldEstado == models.StateOpen
	isOpen := newEstado == models.StateOpen
	switch {
	case wasOpen && !isOpen:
		upd.RemoveImage = recordID
	case !wasOpen && isOpen:
		upd.AddImage = recordID
	}
	return upd
}
