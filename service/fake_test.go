package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"road-defect-pipeline/apiclient"
	"road-defect-pipeline/config"
	"road-defect-pipeline/detector"
	"road-defect-pipeline/models"
	"road-defect-pipeline/rabbitmq"
	"road-defect-pipeline/storage"

	"github.com/golang/geo/s2"
)

const earthRadiusMeters = 6371000.0

func metersBetween(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * earthRadiusMeters
}

// fakeStore is an in-memory Store with the same semantics as the MongoDB
// implementation: inclusive radius queries, nearest-first ordering, atomic
// set-union merges with pre-image returns, per-report street update guards.
type fakeStore struct {
	mu            sync.Mutex
	defects       map[string]*models.DefectRecord
	streets       []*models.StreetSegment
	processed     map[string]bool
	contributions map[string]models.ReportContribution
	applied       map[string]map[string]bool // street id -> applied report ids

	// afterNearestDefects runs after each NearestDefects call; tests use it
	// to interleave a concurrent insert.
	afterNearestDefects func()

	// streetUpdateFailures makes the next n ApplyStreetUpdate calls fail,
	// simulating a briefly unavailable street store.
	streetUpdateFailures int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		defects:       make(map[string]*models.DefectRecord),
		processed:     make(map[string]bool),
		contributions: make(map[string]models.ReportContribution),
		applied:       make(map[string]map[string]bool),
	}
}

func (f *fakeStore) failNextStreetUpdates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streetUpdateFailures = n
}

func (f *fakeStore) addStreet(id string, lon, lat float64) {
	f.streets = append(f.streets, &models.StreetSegment{
		ID:   id,
		Type: "Feature",
		Geometry: models.StreetGeometry{
			Type:        "LineString",
			Coordinates: [][]float64{{lon, lat}, {lon + 0.0001, lat}},
		},
		Properties: map[string]any{"images": []string{}},
	})
}

func copyRecord(r *models.DefectRecord) *models.DefectRecord {
	out := *r
	out.Geometry.Coordinates = append([]float64(nil), r.Geometry.Coordinates...)
	out.Properties.Images = append([]string(nil), r.Properties.Images...)
	out.Properties.Type = append([]string(nil), r.Properties.Type...)
	return &out
}

func (f *fakeStore) NearestDefects(ctx context.Context, lon, lat, maxDistance float64, limit int) ([]models.DefectRecord, error) {
	f.mu.Lock()
	var out []models.DefectRecord
	for _, r := range f.defects {
		if metersBetween(lat, lon, r.Latitude(), r.Longitude()) <= maxDistance {
			out = append(out, *copyRecord(r))
		}
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		di := metersBetween(lat, lon, out[i].Latitude(), out[i].Longitude())
		dj := metersBetween(lat, lon, out[j].Latitude(), out[j].Longitude())
		if di != dj {
			return di < dj
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}

	if f.afterNearestDefects != nil {
		f.afterNearestDefects()
	}
	return out, nil
}

func (f *fakeStore) InsertDefect(ctx context.Context, record *models.DefectRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.defects[record.ID]; exists {
		return storage.ErrDuplicateID
	}
	f.defects[record.ID] = copyRecord(record)
	return nil
}

func (f *fakeStore) MergeDefect(ctx context.Context, defectID, imageID string, types []string, now time.Time) (*models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.defects[defectID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	before := copyRecord(r)
	if !r.HasImage(imageID) {
		r.Properties.Images = append(r.Properties.Images, imageID)
	}
	r.Properties.Type = models.NormalizeLabels(append(r.Properties.Type, types...))
	r.Properties.LastUpdate = now
	return before, nil
}

func (f *fakeStore) GetDefect(ctx context.Context, id string) (*models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.defects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRecord(r), nil
}

func (f *fakeStore) ListDefects(ctx context.Context) ([]models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.DefectRecord, 0, len(f.defects))
	for _, r := range f.defects {
		out = append(out, *copyRecord(r))
	}
	return out, nil
}

func (f *fakeStore) ListDefectsByType(ctx context.Context, defectType string) ([]models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DefectRecord
	for _, r := range f.defects {
		if r.HasType(defectType) {
			out = append(out, *copyRecord(r))
		}
	}
	return out, nil
}

func (f *fakeStore) ListDefectsByMonth(ctx context.Context, year, month int) ([]models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DefectRecord
	for _, r := range f.defects {
		d := r.Properties.Date
		if d.Year() == year && int(d.Month()) == month {
			out = append(out, *copyRecord(r))
		}
	}
	return out, nil
}

func (f *fakeStore) ListDefectsByUser(ctx context.Context, user string) ([]models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.DefectRecord
	for _, r := range f.defects {
		if r.Properties.User == user {
			out = append(out, *copyRecord(r))
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyDefectUpdate(ctx context.Context, id string, upd models.DefectUpdate, now time.Time) (*models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.defects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	before := copyRecord(r)
	if upd.Type != nil {
		r.Properties.Type = models.NormalizeLabels(*upd.Type)
	}
	if upd.RepairAt != nil {
		t := *upd.RepairAt
		r.Properties.RepairAt = &t
	}
	if upd.Estado != nil {
		r.Properties.Estado = *upd.Estado
	}
	if upd.Observaciones != nil {
		r.Properties.Observaciones = *upd.Observaciones
	}
	r.Properties.LastUpdate = now
	return before, nil
}

func (f *fakeStore) DeleteDefect(ctx context.Context, id string) (*models.DefectRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.defects[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(f.defects, id)
	return r, nil
}

func (f *fakeStore) NearestStreet(ctx context.Context, lon, lat, maxDistance float64) (*models.StreetSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *models.StreetSegment
	bestDist := maxDistance
	for _, seg := range f.streets {
		for _, vertex := range seg.Geometry.Coordinates {
			d := metersBetween(lat, lon, vertex[1], vertex[0])
			if d <= bestDist {
				best = seg
				bestDist = d
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (f *fakeStore) ApplyStreetUpdate(ctx context.Context, streetID string, upd models.StreetUpdate, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.streetUpdateFailures > 0 {
		f.streetUpdateFailures--
		return errors.New("street store unavailable")
	}

	for _, seg := range f.streets {
		if seg.ID != streetID {
			continue
		}
		if upd.ReportID != "" {
			if f.applied[streetID][upd.ReportID] {
				return nil
			}
			if f.applied[streetID] == nil {
				f.applied[streetID] = make(map[string]bool)
			}
			f.applied[streetID][upd.ReportID] = true
		}
		for key, delta := range upd.Inc {
			current, _ := seg.Properties[key].(int)
			seg.Properties[key] = current + delta
		}
		images, _ := seg.Properties["images"].([]string)
		if upd.AddImage != "" {
			found := false
			for _, img := range images {
				if img == upd.AddImage {
					found = true
					break
				}
			}
			if !found {
				images = append(images, upd.AddImage)
			}
		}
		if upd.RemoveImage != "" {
			kept := images[:0]
			for _, img := range images {
				if img != upd.RemoveImage {
					kept = append(kept, img)
				}
			}
			images = kept
		}
		seg.Properties["images"] = images
		seg.Properties["last_update"] = now
		return nil
	}
	return storage.ErrNotFound
}

func (f *fakeStore) StreetsInBBox(ctx context.Context, sw, ne []float64) ([]models.StreetSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.StreetSegment
	for _, seg := range f.streets {
		for _, v := range seg.Geometry.Coordinates {
			if v[0] >= sw[0] && v[0] <= ne[0] && v[1] >= sw[1] && v[1] <= ne[1] {
				out = append(out, *seg)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) WasProcessed(ctx context.Context, reportID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[reportID], nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, reportID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[reportID] = true
	return nil
}

func (f *fakeStore) RecordContribution(ctx context.Context, c models.ReportContribution) (models.ReportContribution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.contributions[c.ReportID]; ok {
		return existing, nil
	}
	f.contributions[c.ReportID] = c
	return c, nil
}

func (f *fakeStore) streetCounter(t *testing.T, streetID, key string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seg := range f.streets {
		if seg.ID == streetID {
			n, _ := seg.Properties[key].(int)
			return n
		}
	}
	t.Fatalf("street %s not found", streetID)
	return 0
}

func (f *fakeStore) streetImages(t *testing.T, streetID string) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seg := range f.streets {
		if seg.ID == streetID {
			images, _ := seg.Properties["images"].([]string)
			return append([]string(nil), images...)
		}
	}
	t.Fatalf("street %s not found", streetID)
	return nil
}

// fakeDetector returns canned detections per image payload.
type fakeDetector struct {
	mu       sync.Mutex
	detectFn func(image []byte, modo string) ([]detector.Detection, error)
	calls    int
}

func (f *fakeDetector) Detect(ctx context.Context, image []byte, modo string) ([]detector.Detection, error) {
	f.mu.Lock()
	f.calls++
	fn := f.detectFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(image, modo)
}

func (f *fakeDetector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func staticDetections(labels ...string) func([]byte, string) ([]detector.Detection, error) {
	return func([]byte, string) ([]detector.Detection, error) {
		out := make([]detector.Detection, 0, len(labels))
		for _, l := range labels {
			out = append(out, detector.Detection{Label: l, Confidence: 0.9})
		}
		return out, nil
	}
}

type fakeCallback struct {
	mu       sync.Mutex
	payloads []apiclient.ProcessedImage
	err      error
}

func (f *fakeCallback) SendProcessedImage(ctx context.Context, payload apiclient.ProcessedImage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.err
}

func (f *fakeCallback) sent() []apiclient.ProcessedImage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiclient.ProcessedImage(nil), f.payloads...)
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []models.DefectEvent
}

func (f *fakeBroadcaster) BroadcastEvent(event models.DefectEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) broadcastEvents() []models.DefectEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DefectEvent(nil), f.events...)
}

type fixture struct {
	store       *fakeStore
	detector    *fakeDetector
	callback    *fakeCallback
	broadcaster *fakeBroadcaster
	svc         *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:       newFakeStore(),
		detector:    &fakeDetector{},
		callback:    &fakeCallback{},
		broadcaster: &fakeBroadcaster{},
	}
	cfg := &config.Config{
		DefectRadius:   10,
		StreetRadius:   30,
		RequestTimeout: 5 * time.Second,
	}
	f.svc = New(f.store, f.detector, f.callback, f.broadcaster, cfg)
	f.svc.now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }
	return f
}

func reportMsg(t *testing.T, report models.ReportMessage) *rabbitmq.Message {
	t.Helper()
	body, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("failed to marshal report: %v", err)
	}
	return &rabbitmq.Message{Body: body, RoutingKey: "defect-report"}
}

func testReport(id string, lat, lon float64) models.ReportMessage {
	return models.ReportMessage{
		ID:        id,
		Image:     models.Latin1String([]byte{0xFF, 0xD8, 0xFF}),
		Latitude:  lat,
		Longitude: lon,
		Date:      "2024-06-15T12:00:00Z",
		Modo:      "auto",
		User:      "tester",
	}
}
