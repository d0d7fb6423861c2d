package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"road-defect-pipeline/apiclient"
	"road-defect-pipeline/config"
	"road-defect-pipeline/detector"
	"road-defect-pipeline/metrics"
	"road-defect-pipeline/models"
	"road-defect-pipeline/rabbitmq"
)

// nearestLimit bounds how many in-radius candidates the merge decision
// considers. One is enough for the decision itself; the extra slots let the
// tie-break see equidistant records.
const nearestLimit = 8

// Store is the spatial store surface the pipeline needs. *storage.Database
// implements it.
type Store interface {
	NearestDefects(ctx context.Context, lon, lat, maxDistance float64, limit int) ([]models.DefectRecord, error)
	InsertDefect(ctx context.Context, record *models.DefectRecord) error
	MergeDefect(ctx context.Context, defectID, imageID string, types []string, now time.Time) (*models.DefectRecord, error)
	GetDefect(ctx context.Context, id string) (*models.DefectRecord, error)
	ListDefects(ctx context.Context) ([]models.DefectRecord, error)
	ListDefectsByType(ctx context.Context, defectType string) ([]models.DefectRecord, error)
	ListDefectsByMonth(ctx context.Context, year, month int) ([]models.DefectRecord, error)
	ListDefectsByUser(ctx context.Context, user string) ([]models.DefectRecord, error)
	ApplyDefectUpdate(ctx context.Context, id string, upd models.DefectUpdate, now time.Time) (*models.DefectRecord, error)
	DeleteDefect(ctx context.Context, id string) (*models.DefectRecord, error)

	NearestStreet(ctx context.Context, lon, lat, maxDistance float64) (*models.StreetSegment, error)
	ApplyStreetUpdate(ctx context.Context, streetID string, upd models.StreetUpdate, now time.Time) error
	StreetsInBBox(ctx context.Context, sw, ne []float64) ([]models.StreetSegment, error)

	WasProcessed(ctx context.Context, reportID string) (bool, error)
	MarkProcessed(ctx context.Context, reportID string, now time.Time) error
	RecordContribution(ctx context.Context, c models.ReportContribution) (models.ReportContribution, error)
}

// CallbackSender posts processed images back to the collaborator API.
type CallbackSender interface {
	SendProcessedImage(ctx context.Context, payload apiclient.ProcessedImage) error
}

// Broadcaster fans defect events out to live subscribers.
type Broadcaster interface {
	BroadcastEvent(event models.DefectEvent)
}

// Service runs the detection pipeline: queue message in, defect record and
// street aggregation out.
type Service struct {
	store       Store
	detector    detector.Client
	callback    CallbackSender
	broadcaster Broadcaster

	defectRadius float64
	streetRadius float64
	timeout      time.Duration

	now func() time.Time
}

// New creates the pipeline service.
func New(store Store, det detector.Client, callback CallbackSender, broadcaster Broadcaster, cfg *config.Config) *Service {
	return &Service{
		store:        store,
		detector:     det,
		callback:     callback,
		broadcaster:  broadcaster,
		defectRadius: cfg.DefectRadius,
		streetRadius: cfg.StreetRadius,
		timeout:      cfg.RequestTimeout,
		now:          time.Now,
	}
}

// HandleReportMessage processes one queue delivery end to end: decode, detect,
// merge-or-create, street aggregation, broadcast. A nil return acks the
// delivery; a permanent error dead-letters it; anything else is retried.
func (s *Service) HandleReportMessage(msg *rabbitmq.Message) error {
	var report models.ReportMessage
	if err := msg.UnmarshalTo(&report); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("malformed report message: %w", err))
	}
	if err := validateReport(report); err != nil {
		return rabbitmq.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	done, err := s.store.WasProcessed(ctx, report.ID)
	if err != nil {
		return fmt.Errorf("failed to check report %s: %w", report.ID, err)
	}
	if done {
		log.Printf("Report %s already processed, skipping", report.ID)
		return nil
	}

	image, err := models.Latin1Bytes(report.Image)
	if err != nil {
		return rabbitmq.Permanent(fmt.Errorf("report %s: %w", report.ID, err))
	}

	detections, err := s.detector.Detect(ctx, image, report.Modo)
	if err != nil {
		if errors.Is(err, detector.ErrUnsupportedFormat) {
			return rabbitmq.Permanent(fmt.Errorf("report %s: %w", report.ID, err))
		}
		return fmt.Errorf("report %s: detection failed: %w", report.ID, err)
	}

	now := s.now()
	labels := models.NormalizeLabels(detector.Labels(detections))
	if len(labels) == 0 {
		metrics.ReportsDroppedTotal.Inc()
		log.Printf("Report %s: no defect detected, registering processed image", report.ID)
		if cbErr := s.callback.SendProcessedImage(ctx, apiclient.ProcessedImage{
			Image: report.Image,
			ID:    report.ID,
		}); cbErr != nil {
			log.Printf("Report %s: processed-image callback gave up: %v", report.ID, cbErr)
		}
		return s.store.MarkProcessed(ctx, report.ID, now)
	}

	record, created, addedTypes, err := s.mergeOrCreate(ctx, report, labels, now)
	if err != nil {
		return fmt.Errorf("report %s: %w", report.ID, err)
	}
	if created {
		metrics.DefectsCreatedTotal.Inc()
	} else {
		metrics.DefectsMergedTotal.Inc()
	}

	// The contribution is pinned before aggregation runs. If the street
	// update fails and the message comes back, the merge has already
	// unioned the types, so recomputing the delta would yield nothing; the
	// recorded contribution replays the original one instead.
	contribution, err := s.store.RecordContribution(ctx, models.ReportContribution{
		ReportID:  report.ID,
		DefectID:  record.ID,
		Types:     addedTypes,
		Created:   created,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("report %s: %w", report.ID, err)
	}

	if err := s.aggregateReport(ctx, record, contribution, now); err != nil {
		return fmt.Errorf("report %s: street aggregation failed: %w", report.ID, err)
	}

	kind := "merged"
	if created {
		kind = "created"
	}
	s.broadcaster.BroadcastEvent(models.DefectEvent{
		Kind:      kind,
		DefectID:  record.ID,
		ImageID:   report.ID,
		Latitude:  record.Latitude(),
		Longitude: record.Longitude(),
		Types:     record.Properties.Type,
		Modo:      report.Modo,
		Timestamp: now,
	})

	if err := s.store.MarkProcessed(ctx, report.ID, now); err != nil {
		return fmt.Errorf("report %s: %w", report.ID, err)
	}

	log.Printf("Report %s processed: defect=%s kind=%s types=%v", report.ID, record.ID, kind, record.Properties.Type)
	return nil
}

func validateReport(report models.ReportMessage) error {
	if report.ID == "" {
		return errors.New("report message missing id")
	}
	if report.Image == "" {
		return fmt.Errorf("report %s has no image payload", report.ID)
	}
	if report.Latitude < -90 || report.Latitude > 90 {
		return fmt.Errorf("report %s has invalid latitude %f", report.ID, report.Latitude)
	}
	if report.Longitude < -180 || report.Longitude > 180 {
		return fmt.Errorf("report %s has invalid longitude %f", report.ID, report.Longitude)
	}
	return nil
}

// reportDateLayouts are tried in order; producers historically sent a few
// shapes of ISO-8601.
var reportDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseReportDate(raw string, fallback time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range reportDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return fallback
}

// GetDefect fetches one defect record by id.
func (s *Service) GetDefect(ctx context.Context, id string) (*models.DefectRecord, error) {
	return s.store.GetDefect(ctx, id)
}

// ListDefects returns the whole defect inventory.
func (s *Service) ListDefects(ctx context.Context) ([]models.DefectRecord, error) {
	return s.store.ListDefects(ctx)
}

// ListDefectsByType returns records carrying the given type tag. Record tags
// are stored lowercase, so the filter is case-insensitive.
func (s *Service) ListDefectsByType(ctx context.Context, defectType string) ([]models.DefectRecord, error) {
	return s.store.ListDefectsByType(ctx, strings.ToLower(strings.TrimSpace(defectType)))
}

// ListDefectsByMonth returns records reported in the given calendar month.
func (s *Service) ListDefectsByMonth(ctx context.Context, year, month int) ([]models.DefectRecord, error) {
	return s.store.ListDefectsByMonth(ctx, year, month)
}

// ListDefectsByUser returns records reported by the given user.
func (s *Service) ListDefectsByUser(ctx context.Context, user string) ([]models.DefectRecord, error) {
	return s.store.ListDefectsByUser(ctx, user)
}

// StreetsInBBox returns the street segments inside a bounding box.
func (s *Service) StreetsInBBox(ctx context.Context, sw, ne []float64) ([]models.StreetSegment, error) {
	return s.store.StreetsInBBox(ctx, sw, ne)
}
