package routing

import (
	"github.com/jengzang/urbanos-routing/internal/models"
)

// Selection is the outcome of comparing an A* and a MAPF route for one client.
type Selection struct {
	Route   *models.Route
	Segment models.SegmentType
	// MAPFTotal is the penalised MAPF cost the A* distance was compared against.
	MAPFTotal float64
}

// Selector chooses between single-agent and multi-agent routes.
type Selector struct {
	Penalty   float64 // meters added to every MAPF route
	WalkSpeed float64 // converts MAPF departure delay into meters
}

// Select prefers A* when it is strictly shorter than the MAPF route plus the
// coordination penalty and its departure delay. Either side may be nil; an
// unsuccessful MAPF route never wins.
func (s Selector) Select(astar, mapf *models.Route) (Selection, bool) {
	if mapf != nil && !mapf.Success {
		mapf = nil
	}
	switch {
	case astar == nil && mapf == nil:
		return Selection{}, false
	case mapf == nil:
		return Selection{Route: astar, Segment: SegmentFor(astar)}, true
	case astar == nil:
		return Selection{Route: mapf, Segment: SegmentFor(mapf), MAPFTotal: s.mapfTotal(nil, mapf)}, true
	}

	total := s.mapfTotal(astar, mapf)
	if astar.DistanceMeters < total {
		return Selection{Route: astar, Segment: SegmentFor(astar), MAPFTotal: total}, true
	}
	return Selection{Route: mapf, Segment: SegmentFor(mapf), MAPFTotal: total}, true
}

func (s Selector) mapfTotal(astar, mapf *models.Route) float64 {
	total := mapf.DistanceMeters + s.Penalty
	if astar != nil {
		if delay := mapf.Departure.Sub(astar.Departure).Seconds(); delay > 0 {
			total += delay * s.WalkSpeed
		}
	}
	return total
}

// SegmentFor classifies a route: MAPF routes are multimodal, fallback tiers
// are fallback, everything else is direct.
func SegmentFor(r *models.Route) models.SegmentType {
	switch {
	case r.Kind == models.RouteKindMAPF:
		return models.SegmentMultimodal
	case r.DecisionContext.Fallback():
		return models.SegmentFallback
	default:
		return models.SegmentDirect
	}
}

// ChoiceChanged reports whether next differs from the prior choice in
// anything a client would notice.
func ChoiceChanged(prior, next *models.RouteChoice) bool {
	if prior == nil {
		return true
	}
	return prior.RouteKind != next.RouteKind ||
		prior.SegmentType != next.SegmentType ||
		prior.StopID != next.StopID ||
		prior.BoardingStopID != next.BoardingStopID ||
		!models.SamePath(prior.Path, next.Path)
}
