package models

import (
	"time"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// ScheduleEntry is one predicted visit joined with its route.
type ScheduleEntry struct {
	PredictedTime   time.Time       `json:"predicted_time"`
	Weekday         time.Weekday    `json:"weekday"`
	Destination     spatial.Point   `json:"destination"`
	Rank            float64         `json:"rank"`
	RouteKind       RouteKind       `json:"route_kind,omitempty"`
	RouteID         int64           `json:"route_id,omitempty"`
	DecisionContext DecisionContext `json:"decision_context,omitempty"`
	Path            []spatial.Point `json:"path"`
	DistanceMeters  float64         `json:"distance_m"`
	PredictedETA    *time.Time      `json:"predicted_eta,omitempty"`
}

// Routed reports whether a route was matched.
func (e ScheduleEntry) Routed() bool {
	return e.RouteKind != ""
}

// WeeklySchedule is a client's ordered plan for one horizon.
type WeeklySchedule struct {
	ClientID    string          `json:"client_id"`
	Horizon     string          `json:"horizon"`
	Entries     []ScheduleEntry `json:"entries"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// ByWeekday groups the entries, keeping their time order.
func (s *WeeklySchedule) ByWeekday() map[time.Weekday][]ScheduleEntry {
	out := make(map[time.Weekday][]ScheduleEntry)
	for _, e := range s.Entries {
		out[e.Weekday] = append(out[e.Weekday], e)
	}
	return out
}
