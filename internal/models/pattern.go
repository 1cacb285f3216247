package models

import (
	"time"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// TravelPattern is one spatial cluster of a client's trajectory history. The
// path joins the member points in travel order.
type TravelPattern struct {
	ID           int64           `json:"id" db:"id"`
	ClientID     string          `json:"client_id" db:"client_id"`
	ClusterIndex int             `json:"cluster_index" db:"cluster_index"`
	Label        string          `json:"label" db:"label"`
	Lat          float64         `json:"lat" db:"lat"`
	Lon          float64         `json:"lon" db:"lon"`
	PointCount   int             `json:"point_count" db:"point_count"`
	Path         []spatial.Point `json:"path" db:"path_json"`
	ObservedAt   time.Time       `json:"observed_at" db:"observed_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// DepartureMatch links a travel pattern to a live departure at the stop
// nearest its centroid.
type DepartureMatch struct {
	ID             int64     `json:"id" db:"id"`
	ClientID       string    `json:"client_id" db:"client_id"`
	PatternID      int64     `json:"pattern_id" db:"pattern_id"`
	StopID         string    `json:"stop_id" db:"stop_id"`
	TripID         string    `json:"trip_id" db:"trip_id"`
	DistanceMeters float64   `json:"distance_m" db:"distance_m"`
	MatchedETA     time.Time `json:"matched_eta" db:"matched_eta"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
