package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"road-defect-pipeline/detector"
	"road-defect-pipeline/models"
	"road-defect-pipeline/rabbitmq"
	"road-defect-pipeline/storage"
)

const (
	baseLat = -33.45
	baseLon = -70.65

	// ~5 meters north of the base point.
	fiveMetersLat = baseLat + 0.000045
)

func TestCreateMergeRepairScenario(t *testing.T) {
	f := newFixture(t)
	f.store.addStreet("S1", baseLon, baseLat)
	f.detector.detectFn = staticDetections("hoyo")

	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon))); err != nil {
		t.Fatalf("first report failed: %v", err)
	}

	record, err := f.store.GetDefect(context.Background(), "r1")
	if err != nil {
		t.Fatalf("defect not created: %v", err)
	}
	if !models.EqualTypeSets(record.Properties.Type, []string{"hoyo"}) {
		t.Errorf("types = %v, want [hoyo]", record.Properties.Type)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 1 {
		t.Errorf("Hoyo counter = %d, want 1", got)
	}
	if images := f.store.streetImages(t, "S1"); len(images) != 1 || images[0] != "r1" {
		t.Errorf("street images = %v, want [r1]", images)
	}

	// Second report 5 meters away with a different type merges into r1.
	f.detector.detectFn = staticDetections("grieta")
	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r2", fiveMetersLat, baseLon))); err != nil {
		t.Fatalf("second report failed: %v", err)
	}

	if _, err := f.store.GetDefect(context.Background(), "r2"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("second report should not create its own record")
	}
	record, _ = f.store.GetDefect(context.Background(), "r1")
	if !models.EqualTypeSets(record.Properties.Type, []string{"grieta", "hoyo"}) {
		t.Errorf("types after merge = %v, want [grieta hoyo]", record.Properties.Type)
	}
	if len(record.Properties.Images) != 2 {
		t.Errorf("images after merge = %v, want 2 entries", record.Properties.Images)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 1 {
		t.Errorf("Hoyo counter after merge = %d, want 1", got)
	}
	if got := f.store.streetCounter(t, "S1", "Grieta"); got != 1 {
		t.Errorf("Grieta counter after merge = %d, want 1", got)
	}

	// Repair decrements both counters and removes the image ref.
	repaired := models.StateRepaired
	if _, err := f.svc.UpdateDefect(context.Background(), "r1", models.DefectUpdate{Estado: &repaired}); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 0 {
		t.Errorf("Hoyo counter after repair = %d, want 0", got)
	}
	if got := f.store.streetCounter(t, "S1", "Grieta"); got != 0 {
		t.Errorf("Grieta counter after repair = %d, want 0", got)
	}
	if images := f.store.streetImages(t, "S1"); len(images) != 0 {
		t.Errorf("street images after repair = %v, want empty", images)
	}

	events := f.broadcaster.broadcastEvents()
	if len(events) != 2 || events[0].Kind != "created" || events[1].Kind != "merged" {
		t.Errorf("broadcast events = %+v, want created then merged", events)
	}
}

func TestIdempotentMerge(t *testing.T) {
	f := newFixture(t)
	f.store.addStreet("S1", baseLon, baseLat)
	f.detector.detectFn = staticDetections("hoyo")

	msg := testReport("r1", baseLat, baseLon)
	if err := f.svc.HandleReportMessage(reportMsg(t, msg)); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := f.svc.HandleReportMessage(reportMsg(t, msg)); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	record, err := f.store.GetDefect(context.Background(), "r1")
	if err != nil {
		t.Fatalf("defect missing: %v", err)
	}
	count := 0
	for _, img := range record.Properties.Images {
		if img == "r1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("image r1 attached %d times, want exactly once", count)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 1 {
		t.Errorf("Hoyo counter = %d, want 1 after redelivery", got)
	}
	if f.detector.callCount() != 1 {
		t.Errorf("detector called %d times, want 1 (redelivery short-circuits)", f.detector.callCount())
	}
}

func TestOrderIndependence(t *testing.T) {
	runOrder := func(t *testing.T, first, second models.ReportMessage) *models.DefectRecord {
		f := newFixture(t)
		f.store.addStreet("S1", baseLon, baseLat)
		f.detector.detectFn = staticDetections("hoyo")
		if err := f.svc.HandleReportMessage(reportMsg(t, first)); err != nil {
			t.Fatalf("first report failed: %v", err)
		}
		f.detector.detectFn = staticDetections("grieta")
		if err := f.svc.HandleReportMessage(reportMsg(t, second)); err != nil {
			t.Fatalf("second report failed: %v", err)
		}
		records, _ := f.store.ListDefects(context.Background())
		if len(records) != 1 {
			t.Fatalf("got %d records, want 1", len(records))
		}
		return &records[0]
	}

	a := testReport("ra", baseLat, baseLon)
	b := testReport("rb", fiveMetersLat, baseLon)

	ab := runOrder(t, a, b)
	ba := runOrder(t, b, a)

	if !models.EqualTypeSets(ab.Properties.Type, ba.Properties.Type) {
		t.Errorf("type sets differ by order: %v vs %v", ab.Properties.Type, ba.Properties.Type)
	}
	if !sameStringSet(ab.Properties.Images, ba.Properties.Images) {
		t.Errorf("image sets differ by order: %v vs %v", ab.Properties.Images, ba.Properties.Images)
	}
}

func TestRadiusBoundaryInclusive(t *testing.T) {
	f := newFixture(t)
	f.detector.detectFn = staticDetections("hoyo")

	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon))); err != nil {
		t.Fatalf("seed report failed: %v", err)
	}

	// A report at exactly the radius merges. The distance is computed with
	// the same argument order the store's query uses, so the comparison is
	// exact.
	boundaryLat := baseLat + 0.0001
	boundaryDist := metersBetween(boundaryLat, baseLon, baseLat, baseLon)
	f.svc.defectRadius = boundaryDist
	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r2", boundaryLat, baseLon))); err != nil {
		t.Fatalf("boundary report failed: %v", err)
	}
	records, _ := f.store.ListDefects(context.Background())
	if len(records) != 1 {
		t.Fatalf("boundary report created a record: got %d records, want 1", len(records))
	}

	// A report just beyond the radius creates a new record.
	f.svc.defectRadius = boundaryDist - 0.01
	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r3", boundaryLat, baseLon))); err != nil {
		t.Fatalf("beyond-radius report failed: %v", err)
	}
	records, _ = f.store.ListDefects(context.Background())
	if len(records) != 2 {
		t.Fatalf("beyond-radius report should create a record: got %d records, want 2", len(records))
	}
}

func TestNoDetectionDropsReportAndSendsCallback(t *testing.T) {
	f := newFixture(t)
	f.detector.detectFn = func([]byte, string) ([]detector.Detection, error) {
		return nil, nil
	}

	report := testReport("r1", baseLat, baseLon)
	if err := f.svc.HandleReportMessage(reportMsg(t, report)); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if records, _ := f.store.ListDefects(context.Background()); len(records) != 0 {
		t.Errorf("dropped report created %d records, want 0", len(records))
	}
	sent := f.callback.sent()
	if len(sent) != 1 || sent[0].ID != "r1" || sent[0].Image != report.Image {
		t.Errorf("callback payloads = %+v, want the report image once", sent)
	}
	if done, _ := f.store.WasProcessed(context.Background(), "r1"); !done {
		t.Error("dropped report should still be marked processed")
	}
}

func TestCallbackFailureDoesNotFailPipeline(t *testing.T) {
	f := newFixture(t)
	f.detector.detectFn = func([]byte, string) ([]detector.Detection, error) { return nil, nil }
	f.callback.err = errors.New("collaborator down")

	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon))); err != nil {
		t.Fatalf("callback failure should not fail the message: %v", err)
	}
	if done, _ := f.store.WasProcessed(context.Background(), "r1"); !done {
		t.Error("report should be marked processed despite callback failure")
	}
}

func TestUnsupportedFormatIsPermanent(t *testing.T) {
	f := newFixture(t)
	f.detector.detectFn = func([]byte, string) ([]detector.Detection, error) {
		return nil, detector.ErrUnsupportedFormat
	}

	err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon)))
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *rabbitmq.PermanentError
	if !errors.As(err, &perr) {
		t.Errorf("unsupported format should be permanent, got %v", err)
	}
	if done, _ := f.store.WasProcessed(context.Background(), "r1"); done {
		t.Error("failed report must not be marked processed")
	}
}

func TestTransientDetectorErrorIsRetriable(t *testing.T) {
	f := newFixture(t)
	f.detector.detectFn = func([]byte, string) ([]detector.Detection, error) {
		return nil, errors.New("connection refused")
	}

	err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon)))
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *rabbitmq.PermanentError
	if errors.As(err, &perr) {
		t.Errorf("detector unavailability must stay retriable, got permanent %v", err)
	}
	if done, _ := f.store.WasProcessed(context.Background(), "r1"); done {
		t.Error("failed report must not be marked processed")
	}
}

func TestMalformedMessageIsPermanent(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body []byte
	}{
		{"invalid json", []byte("{not json")},
		{"missing id", []byte(`{"image":"x","latitude":0,"longitude":0}`)},
		{"missing image", []byte(`{"id":"r1","latitude":0,"longitude":0}`)},
		{"latitude out of range", []byte(`{"id":"r1","image":"x","latitude":120,"longitude":0}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.HandleReportMessage(&rabbitmq.Message{Body: tt.body})
			var perr *rabbitmq.PermanentError
			if !errors.As(err, &perr) {
				t.Errorf("got %v, want permanent error", err)
			}
		})
	}
}

func TestStreetAggregationCompletesOnRedelivery(t *testing.T) {
	f := newFixture(t)
	f.store.addStreet("S1", baseLon, baseLat)
	f.detector.detectFn = staticDetections("hoyo")

	// The record is created but the street update fails, so the delivery
	// errors and the message comes back.
	f.store.failNextStreetUpdates(1)
	msg := reportMsg(t, testReport("r1", baseLat, baseLon))
	if err := f.svc.HandleReportMessage(msg); err == nil {
		t.Fatal("delivery should fail while the street store is down")
	}
	if done, _ := f.store.WasProcessed(context.Background(), "r1"); done {
		t.Fatal("failed delivery must not be marked processed")
	}

	// The redelivery finds the record already merged; the recorded
	// contribution still carries the delta to apply.
	if err := f.svc.HandleReportMessage(msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 1 {
		t.Errorf("Hoyo counter = %d, want 1 after redelivery completes aggregation", got)
	}
	if images := f.store.streetImages(t, "S1"); len(images) != 1 || images[0] != "r1" {
		t.Errorf("street images = %v, want [r1]", images)
	}

	// Re-applying the same contribution is a no-op: the per-report guard
	// already holds r1.
	dup := models.StreetUpdate{ReportID: "r1", Inc: map[string]int{"Hoyo": 1}}
	if err := f.store.ApplyStreetUpdate(context.Background(), "S1", dup, time.Now()); err != nil {
		t.Fatalf("guarded reapply failed: %v", err)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 1 {
		t.Errorf("Hoyo counter = %d after duplicate contribution, want 1", got)
	}
}

func TestMergeAggregationRecoversAfterStreetFailure(t *testing.T) {
	f := newFixture(t)
	f.store.addStreet("S1", baseLon, baseLat)
	f.detector.detectFn = staticDetections("hoyo")

	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon))); err != nil {
		t.Fatalf("first report failed: %v", err)
	}

	// The second report merges a new type into r1, but its street update
	// fails. On redelivery the type is already unioned into the record;
	// the counter must still end up incremented exactly once.
	f.detector.detectFn = staticDetections("grieta")
	f.store.failNextStreetUpdates(1)
	msg := reportMsg(t, testReport("r2", fiveMetersLat, baseLon))
	if err := f.svc.HandleReportMessage(msg); err == nil {
		t.Fatal("merge delivery should fail while the street store is down")
	}
	if err := f.svc.HandleReportMessage(msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if got := f.store.streetCounter(t, "S1", "Grieta"); got != 1 {
		t.Errorf("Grieta counter = %d, want 1", got)
	}
	if got := f.store.streetCounter(t, "S1", "Hoyo"); got != 1 {
		t.Errorf("Hoyo counter = %d, want 1 (untouched by the merge)", got)
	}
	if images := f.store.streetImages(t, "S1"); len(images) != 1 || images[0] != "r1" {
		t.Errorf("street images = %v, want [r1]", images)
	}
}

func TestDuplicateInsertRetriesAsMerge(t *testing.T) {
	f := newFixture(t)
	f.detector.detectFn = staticDetections("hoyo")

	// Simulate a racing worker creating the record between the nearest
	// query and the insert.
	raced := false
	f.store.afterNearestDefects = func() {
		if raced {
			return
		}
		raced = true
		f.store.mu.Lock()
		f.store.defects["r1"] = &models.DefectRecord{
			ID:       "r1",
			Type:     "Feature",
			Geometry: models.Point(baseLon, baseLat),
			Properties: models.DefectProperties{
				ID:     "r1",
				Images: []string{"r1"},
				Type:   []string{"hoyo"},
				Estado: models.StateOpen,
			},
		}
		f.store.mu.Unlock()
	}

	if err := f.svc.HandleReportMessage(reportMsg(t, testReport("r1", baseLat, baseLon))); err != nil {
		t.Fatalf("raced report failed: %v", err)
	}

	records, _ := f.store.ListDefects(context.Background())
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	count := 0
	for _, img := range records[0].Properties.Images {
		if img == "r1" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("image attached %d times, want once", count)
	}
	events := f.broadcaster.broadcastEvents()
	if len(events) != 1 || events[0].Kind != "merged" {
		t.Errorf("events = %+v, want one merged event", events)
	}
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
