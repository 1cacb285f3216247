package models

import (
	"time"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Trajectory summarizes one concluded session. One per session, never updated.
type Trajectory struct {
	ID             int64           `json:"id" db:"id"`
	SessionID      string          `json:"session_id" db:"session_id"`
	ClientID       string          `json:"client_id" db:"client_id"`
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	EndTime        time.Time       `json:"end_time" db:"end_time"`
	PointCount     int             `json:"point_count" db:"point_count"`
	DistanceMeters float64         `json:"distance_m" db:"distance_m"`
	Path           []spatial.Point `json:"path" db:"path_json"`
	Fence          string          `json:"fence_wkt" db:"fence_wkt"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}
