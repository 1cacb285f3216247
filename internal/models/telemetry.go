package models

import "time"

// Session is a client's bounded validity window. Fixes belong to exactly one session.
type Session struct {
	ID        string     `json:"id" db:"id"`
	ClientID  string     `json:"client_id" db:"client_id"`
	StartTime time.Time  `json:"start_time" db:"start_time"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	Processed bool       `json:"processed" db:"processed"`
}

// Open reports whether the session still accepts fixes at t.
func (s *Session) Open(t time.Time) bool {
	return s.ClosedAt == nil && t.Before(s.ExpiresAt)
}

// PositionFix is an immutable telemetry sample.
type PositionFix struct {
	ID        int64     `json:"id" db:"id"`
	ClientID  string    `json:"client_id" db:"client_id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Lat       float64   `json:"lat" db:"lat"`
	Lon       float64   `json:"lon" db:"lon"`
	Elevation *float64  `json:"elevation,omitempty" db:"elevation"`
	Speed     *float64  `json:"speed,omitempty" db:"speed"`
	Activity  *string   `json:"activity,omitempty" db:"activity"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// TelemetryRecord is one inbound telemetry message.
type TelemetryRecord struct {
	ClientID  string   `json:"client_id" binding:"-" validate:"required,max=128"`
	Lat       float64  `json:"lat" validate:"latitude"`
	Lon       float64  `json:"lon" validate:"longitude"`
	Elevation *float64 `json:"elevation,omitempty"`
	Speed     *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Activity  *string  `json:"activity,omitempty" validate:"omitempty,max=64"`
	Timestamp int64    `json:"timestamp" validate:"required,gt=0"` // unix milliseconds
}

// ActiveClient is a client with an open session and its latest fix.
type ActiveClient struct {
	ClientID     string      `json:"client_id"`
	SessionID    string      `json:"session_id"`
	SessionStart time.Time   `json:"session_start"`
	LatestFix    PositionFix `json:"latest_fix"`
}

// IngestReport summarizes a telemetry batch.
type IngestReport struct {
	Accepted int               `json:"accepted"`
	Rejected []RecordRejection `json:"rejected,omitempty"`
}

// RecordRejection identifies one dropped record.
type RecordRejection struct {
	Index    int    `json:"index"`
	ClientID string `json:"client_id,omitempty"`
	Reason   string `json:"reason"`
}
