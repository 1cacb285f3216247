package models

import "time"

// POI sources
const (
	POISourceDetected = "detected"
	POISourceExternal = "external"
)

// POI is a place where a client dwells, keyed by (client, rounded coordinate).
type POI struct {
	ID         int64     `json:"id" db:"id"`
	ClientID   string    `json:"client_id" db:"client_id"`
	Key        string    `json:"key" db:"poi_key"`
	Lat        float64   `json:"lat" db:"lat"`
	Lon        float64   `json:"lon" db:"lon"`
	TimeSpent  float64   `json:"time_spent_s" db:"time_spent_s"`
	Rank       float64   `json:"rank" db:"rank_score"`
	VisitCount int       `json:"visit_count" db:"visit_count"`
	Source     string    `json:"source" db:"source"`
	VisitStart time.Time `json:"visit_start" db:"visit_start"`
	LastSeen   time.Time `json:"last_seen" db:"last_seen"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// POIVisit is one dwell run attributed to a POI.
type POIVisit struct {
	ClientID   string
	Key        string
	SessionID  string
	Lat        float64
	Lon        float64
	VisitStart time.Time
	VisitEnd   time.Time
}

// Duration returns the dwell length.
func (v POIVisit) Duration() time.Duration {
	return v.VisitEnd.Sub(v.VisitStart)
}

// Hotspot types
const (
	HotspotTypeHotspot      = "hotspot"
	HotspotSourceTrajectory = "trajectory"
	HotspotSourcePOI        = "poi"
)

// Hotspot is a density cluster of a client's activity.
type Hotspot struct {
	ID           int64     `json:"id" db:"id"`
	ClientID     string    `json:"client_id" db:"client_id"`
	Lat          float64   `json:"lat" db:"lat"`
	Lon          float64   `json:"lon" db:"lon"`
	RadiusMeters float64   `json:"radius_m" db:"radius_m"`
	Density      float64   `json:"density" db:"density"` // points per square meter
	PointCount   int       `json:"point_count" db:"point_count"`
	Type         string    `json:"type" db:"hotspot_type"`
	SourceType   string    `json:"source_type" db:"source_type"`
	ObservedAt   time.Time `json:"observed_at" db:"observed_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}
