package models

import (
	"time"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// DecisionContext records why a route was computed. The set is closed.
type DecisionContext string

const (
	ContextInitialPrediction DecisionContext = "initial_prediction"
	ContextRoutedToPOI       DecisionContext = "routed_to_poi"
	ContextRoutedToDeparture DecisionContext = "routed_to_departure"
	ContextDeviationDetected DecisionContext = "deviation_detected"
	ContextFallbackAStar     DecisionContext = "fallback_astar"
	ContextFallbackStopPoint DecisionContext = "fallback_stop_point"
	ContextReroutedMAPF      DecisionContext = "rerouted_mapf"
	ContextMAPFPredicted     DecisionContext = "mapf_predicted"
)

// AStarContexts are the tags accepted on single-agent routes.
var AStarContexts = []DecisionContext{
	ContextInitialPrediction,
	ContextRoutedToPOI,
	ContextRoutedToDeparture,
	ContextDeviationDetected,
	ContextFallbackAStar,
	ContextFallbackStopPoint,
	ContextReroutedMAPF,
}

// MAPFContexts are the tags accepted on multi-agent routes. Both are
// stamped by the planner, never by callers.
var MAPFContexts = []DecisionContext{
	ContextMAPFPredicted,
	ContextReroutedMAPF,
}

// Valid reports whether c is a known context.
func (c DecisionContext) Valid() bool {
	return c.ValidFor(RouteKindAStar) || c.ValidFor(RouteKindMAPF)
}

// ValidFor reports whether c may be stored on a route of the given kind.
func (c DecisionContext) ValidFor(kind RouteKind) bool {
	set := AStarContexts
	if kind == RouteKindMAPF {
		set = MAPFContexts
	}
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

// Fallback reports whether c marks a degraded routing tier.
func (c DecisionContext) Fallback() bool {
	return c == ContextFallbackAStar || c == ContextFallbackStopPoint
}

// RouteKind identifies the router that produced a route.
type RouteKind string

const (
	RouteKindAStar RouteKind = "astar"
	RouteKindMAPF  RouteKind = "mapf"
)

// TargetType disambiguates a route destination.
type TargetType string

const (
	TargetPOI  TargetType = "poi"
	TargetStop TargetType = "stop"
)

// SegmentType classifies a chosen route.
type SegmentType string

const (
	SegmentDirect     SegmentType = "direct"
	SegmentMultimodal SegmentType = "multimodal"
	SegmentFallback   SegmentType = "fallback"
)

// Route is one immutable routing result. A* and MAPF routes share the shape;
// BatchID and Success are only meaningful for MAPF.
type Route struct {
	ID              int64           `json:"id"`
	ClientID        string          `json:"client_id"`
	Kind            RouteKind       `json:"kind"`
	BatchID         string          `json:"batch_id,omitempty"`
	Origin          spatial.Point   `json:"origin"`
	Destination     spatial.Point   `json:"destination"`
	TargetType      TargetType      `json:"target_type"`
	StopID          string          `json:"stop_id,omitempty"`
	Path            []spatial.Point `json:"path"`
	StopIDs         []string        `json:"stop_ids,omitempty"`
	DistanceMeters  float64         `json:"distance_m"`
	TravelSeconds   float64         `json:"travel_s"`
	AvgSpeedMps     float64         `json:"avg_speed_mps"`
	EfficiencyScore float64         `json:"efficiency_score"`
	DecisionContext DecisionContext `json:"decision_context"`
	Departure       time.Time       `json:"departure_time"`
	PredictedETA    time.Time       `json:"predicted_eta"`
	BoardingStopID  string          `json:"boarding_stop_id,omitempty"`
	BoardingETA     *time.Time      `json:"boarding_eta,omitempty"`
	UsesTransit     bool            `json:"uses_transit"`
	Success         bool            `json:"success"`
	Degraded        bool            `json:"degraded"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RerouteEvent is the audit record written by the deviation engine.
type RerouteEvent struct {
	ID              int64           `json:"id"`
	ClientID        string          `json:"client_id"`
	PriorStopID     string          `json:"prior_stop_id,omitempty"`
	PriorSegment    SegmentType     `json:"prior_segment,omitempty"`
	RouteKind       RouteKind       `json:"route_kind,omitempty"`
	RouteID         int64           `json:"route_id,omitempty"`
	SegmentType     SegmentType     `json:"segment_type,omitempty"`
	Destination     spatial.Point   `json:"destination"`
	StopID          string          `json:"stop_id,omitempty"`
	Path            []spatial.Point `json:"path"`
	DistanceMeters  float64         `json:"distance_m"`
	PredictedETA    time.Time       `json:"predicted_eta"`
	BoardingStopID  string          `json:"boarding_stop_id,omitempty"`
	BoardingETA     *time.Time      `json:"boarding_eta,omitempty"`
	Reason          string          `json:"reason"`
	Chosen          bool            `json:"chosen"`
	DecisionContext DecisionContext `json:"decision_context"`
	CreatedAt       time.Time       `json:"created_at"`
}

// RouteChoice is one append-only entry of the chosen-route log.
type RouteChoice struct {
	ID             int64           `json:"id"`
	ClientID       string          `json:"client_id"`
	RouteKind      RouteKind       `json:"route_kind"`
	RouteID        int64           `json:"route_id"`
	SegmentType    SegmentType     `json:"segment_type"`
	Destination    spatial.Point   `json:"destination"`
	StopID         string          `json:"stop_id,omitempty"`
	Path           []spatial.Point `json:"path"`
	DistanceMeters float64         `json:"distance_m"`
	PredictedETA   time.Time       `json:"predicted_eta"`
	BoardingStopID string          `json:"boarding_stop_id,omitempty"`
	BoardingETA    *time.Time      `json:"boarding_eta,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ChoiceFromRoute builds the choice entry for r.
func ChoiceFromRoute(r *Route, segment SegmentType) *RouteChoice {
	return &RouteChoice{
		ClientID:       r.ClientID,
		RouteKind:      r.Kind,
		RouteID:        r.ID,
		SegmentType:    segment,
		Destination:    r.Destination,
		StopID:         r.StopID,
		Path:           r.Path,
		DistanceMeters: r.DistanceMeters,
		PredictedETA:   r.PredictedETA,
		BoardingStopID: r.BoardingStopID,
		BoardingETA:    r.BoardingETA,
	}
}

// SamePath reports whether two paths have identical geometry.
func SamePath(a, b []spatial.Point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
