package models

import (
	"time"
)

// Repair states stored in properties.estado.
const (
	StateOpen     = 0
	StateRepaired = 1
)

// ReportMessage is the queue message published by the upload handler and
// consumed by the detection workers. The image travels as a latin1-encoded
// string so the JSON body stays byte-faithful.
type ReportMessage struct {
	ID        string  `json:"id"`
	Image     string  `json:"image"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Date      string  `json:"date"`
	Modo      string  `json:"modo"`
	User      string  `json:"user"`
}

// Geometry is a GeoJSON geometry (Point for defects, LineString for streets).
type Geometry struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

// Point builds a GeoJSON point from longitude/latitude (GeoJSON order).
func Point(lon, lat float64) Geometry {
	return Geometry{Type: "Point", Coordinates: []float64{lon, lat}}
}

// DefectProperties is the property bag attached to a defect feature.
type DefectProperties struct {
	ID            string     `bson:"id" json:"id"`
	Images        []string   `bson:"images" json:"images"`
	Date          time.Time  `bson:"date" json:"date"`
	Type          []string   `bson:"type" json:"type"`
	Modo          string     `bson:"modo" json:"modo"`
	User          string     `bson:"user" json:"user"`
	RepairAt      *time.Time `bson:"repair_at" json:"repair_at,omitempty"`
	Estado        int        `bson:"estado" json:"estado"`
	Observaciones string     `bson:"observaciones" json:"observaciones"`
	LastUpdate    time.Time  `bson:"last_update" json:"last_update"`
}

// DefectRecord is one physical defect, stored as a GeoJSON feature. Its ID is
// stable for the lifetime of the defect regardless of how many images are
// merged into it.
type DefectRecord struct {
	ID         string           `bson:"_id" json:"_id"`
	Type       string           `bson:"type" json:"type"`
	Geometry   Geometry         `bson:"geometry" json:"geometry"`
	Properties DefectProperties `bson:"properties" json:"properties"`
}

// Longitude returns the defect point's longitude.
func (d *DefectRecord) Longitude() float64 {
	if len(d.Geometry.Coordinates) < 2 {
		return 0
	}
	return d.Geometry.Coordinates[0]
}

// Latitude returns the defect point's latitude.
func (d *DefectRecord) Latitude() float64 {
	if len(d.Geometry.Coordinates) < 2 {
		return 0
	}
	return d.Geometry.Coordinates[1]
}

// HasImage reports whether imageID is already attached to the record.
func (d *DefectRecord) HasImage(imageID string) bool {
	for _, img := range d.Properties.Images {
		if img == imageID {
			return true
		}
	}
	return false
}

// HasType reports whether the record already carries the given type tag.
func (d *DefectRecord) HasType(t string) bool {
	for _, existing := range d.Properties.Type {
		if existing == t {
			return true
		}
	}
	return false
}

// StreetGeometry is a GeoJSON LineString.
type StreetGeometry struct {
	Type        string      `bson:"type" json:"type"`
	Coordinates [][]float64 `bson:"coordinates" json:"coordinates"`
}

// StreetSegment is pre-seeded reference data. Per-type defect counters live as
// dynamic properties.<Type> keys, alongside a properties.images set holding the
// ids of open defects attributed to the segment.
type StreetSegment struct {
	ID         string         `bson:"id" json:"id"`
	Type       string         `bson:"type" json:"type"`
	Geometry   StreetGeometry `bson:"geometry" json:"geometry"`
	Properties map[string]any `bson:"properties" json:"properties"`
}

// StreetUpdate is one atomic mutation of a street segment: counter deltas,
// image set changes and the last_update stamp are applied in a single store
// update so concurrent readers never observe a partially applied transition.
//
// ReportID, when set, makes the update apply at most once per report: the
// store records it in the segment's applied set within the same atomic update
// and a repeat becomes a no-op. Queue-driven contributions set it; curation
// updates leave it empty.
type StreetUpdate struct {
	Inc         map[string]int
	AddImage    string
	RemoveImage string
	ReportID    string
}

// IsZero reports whether the update would not change anything.
func (u StreetUpdate) IsZero() bool {
	return len(u.Inc) == 0 && u.AddImage == "" && u.RemoveImage == ""
}

// ReportContribution is what a report added to the inventory the first time
// its merge landed: the type tags it newly contributed and whether it created
// the record. It is persisted before street aggregation runs, so a redelivery
// after a failed aggregation replays the same delta instead of recomputing an
// empty one from the already-merged record.
type ReportContribution struct {
	ReportID  string    `bson:"_id" json:"report_id"`
	DefectID  string    `bson:"defect_id" json:"defect_id"`
	Types     []string  `bson:"types" json:"types"`
	Created   bool      `bson:"created" json:"created"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
}

// DefectUpdate is a tagged optional-field payload for defect curation. Only
// non-nil fields are applied.
type DefectUpdate struct {
	Type          *[]string  `json:"type,omitempty"`
	RepairAt      *time.Time `json:"repair_at,omitempty"`
	Estado        *int       `json:"estado,omitempty"`
	Observaciones *string    `json:"observaciones,omitempty"`
}

// Coordinate is a lat/lng pair for map rendering.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HistoricalBucket is a read-time (year, month) rollup of the defect inventory.
type HistoricalBucket struct {
	Year            int            `json:"year"`
	Month           string         `json:"month"`
	TotalDefects    int            `json:"totalDefects"`
	RepairedDefects int            `json:"repairedDefects"`
	ByType          map[string]int `json:"byType"`
	Coordinates     []Coordinate   `json:"coordinates"`
}

// DefectEvent is broadcast to live subscribers after a report finishes the
// pipeline.
type DefectEvent struct {
	Kind      string    `json:"kind"` // "created" or "merged"
	DefectID  string    `json:"defect_id"`
	ImageID   string    `json:"image_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Types     []string  `json:"types"`
	Modo      string    `json:"modo"`
	Timestamp time.Time `json:"timestamp"`
}
