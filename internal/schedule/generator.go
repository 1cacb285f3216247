// Package schedule joins predicted visits with routes into a weekly plan.
package schedule

import (
	"sort"
	"time"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Generator builds weekly schedules. It makes no routing decisions.
type Generator struct {
	matchRadius float64
}

// NewGenerator creates a generator.
func NewGenerator(cfg config.ScheduleConfig) *Generator {
	return &Generator{matchRadius: cfg.MatchRadius}
}

// Build orders the client's visits of one horizon by predicted time and
// attaches to each the most recent route ending within the match radius.
// Successful MAPF routes take precedence over A* routes.
func (g *Generator) Build(clientID, horizon string, visits []models.PredictedVisit, routes []*models.Route, now time.Time) models.WeeklySchedule {
	out := models.WeeklySchedule{
		ClientID:    clientID,
		Horizon:     horizon,
		Entries:     []models.ScheduleEntry{},
		GeneratedAt: now,
	}

	for _, v := range visits {
		if v.ClientID != clientID || v.Horizon != horizon {
			continue
		}
		dest := spatial.Point{Lat: v.Lat, Lon: v.Lon}
		entry := models.ScheduleEntry{
			PredictedTime: v.PredictedTime,
			Weekday:       v.PredictedTime.Weekday(),
			Destination:   dest,
			Rank:          v.Rank,
			Path:          []spatial.Point{},
		}
		if r := g.match(clientID, dest, routes); r != nil {
			eta := r.PredictedETA
			entry.RouteKind = r.Kind
			entry.RouteID = r.ID
			entry.DecisionContext = r.DecisionContext
			entry.Path = r.Path
			entry.DistanceMeters = r.DistanceMeters
			entry.PredictedETA = &eta
		}
		out.Entries = append(out.Entries, entry)
	}

	sort.SliceStable(out.Entries, func(i, j int) bool {
		return out.Entries[i].PredictedTime.Before(out.Entries[j].PredictedTime)
	})
	return out
}

func (g *Generator) match(clientID string, dest spatial.Point, routes []*models.Route) *models.Route {
	var bestMAPF, bestAStar *models.Route
	for _, r := range routes {
		if r.ClientID != clientID || spatial.Distance(r.Destination, dest) > g.matchRadius {
			continue
		}
		switch {
		case r.Kind == models.RouteKindMAPF && r.Success:
			if newer(r, bestMAPF) {
				bestMAPF = r
			}
		case r.Kind == models.RouteKindAStar:
			if newer(r, bestAStar) {
				bestAStar = r
			}
		}
	}
	if bestMAPF != nil {
		return bestMAPF
	}
	return bestAStar
}

// newer orders by creation time, then id.
func newer(r, than *models.Route) bool {
	if than == nil {
		return true
	}
	if !r.CreatedAt.Equal(than.CreatedAt) {
		return r.CreatedAt.After(than.CreatedAt)
	}
	return r.ID > than.ID
}
