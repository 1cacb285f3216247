// Package planning holds the cycles that turn predictions into routes: the
// prediction refresh, single-agent planning, the MAPF batch, the deviation
// check and the weekly schedule.
package planning

import (
	"context"
	"database/sql"
	"time"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/database"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/routing"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// chooser appends routes and keeps the choice log current.
type chooser struct {
	db       *sql.DB
	routes   *repository.RouteRepository
	selector routing.Selector
	radius   float64       // a rival route must end this close to compete
	window   time.Duration // and be at most this old
}

// commit appends route, compares it with the client's newest route of the
// other kind to the same destination and appends a choice when the selection
// differs from the current one. Reads happen before the write transaction.
func (c *chooser) commit(ctx context.Context, route *models.Route, now time.Time) (bool, error) {
	other := models.RouteKindMAPF
	if route.Kind == models.RouteKindMAPF {
		other = models.RouteKindAStar
	}
	rival, err := c.routes.LatestRoute(ctx, other, route.ClientID)
	if err != nil {
		return false, err
	}
	if rival != nil && (now.Sub(rival.CreatedAt) > c.window ||
		spatial.Distance(rival.Destination, route.Destination) > c.radius) {
		rival = nil
	}
	prior, err := c.routes.CurrentChoice(ctx, route.ClientID)
	if err != nil {
		return false, err
	}

	changed := false
	err = database.Transaction(ctx, c.db, func(tx *sql.Tx) error {
		repo := repository.NewRouteRepository(tx)
		route.CreatedAt = now
		var err error
		if route.Kind == models.RouteKindMAPF {
			route.ID, err = repo.CreateMAPFRoute(ctx, route)
		} else {
			route.ID, err = repo.CreateAStarRoute(ctx, route)
		}
		if err != nil {
			return err
		}

		astar, mapf := route, rival
		if route.Kind == models.RouteKindMAPF {
			astar, mapf = rival, route
		}
		sel, ok := c.selector.Select(astar, mapf)
		if !ok {
			return nil
		}
		next := models.ChoiceFromRoute(sel.Route, sel.Segment)
		if !routing.ChoiceChanged(prior, next) {
			return nil
		}
		next.CreatedAt = now
		if _, err := repo.CreateChoice(ctx, next); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

func newChooser(env *analysis.Env) *chooser {
	cfg := env.Config
	return &chooser{
		db:       env.DB,
		routes:   repository.NewRouteRepository(env.DB),
		selector: routing.Selector{Penalty: cfg.Routing.MAPFPenalty, WalkSpeed: cfg.Routing.WalkSpeed},
		radius:   cfg.Schedule.MatchRadius,
		window:   2 * max(cfg.Cycles.MAPF, cfg.Cycles.Planning),
	}
}

func point(f models.PositionFix) spatial.Point {
	return spatial.Point{Lat: f.Lat, Lon: f.Lon}
}
