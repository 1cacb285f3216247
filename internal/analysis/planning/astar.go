package planning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/routing"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Departures exposes live departures at stops.
type Departures interface {
	NextDeparture(stopID string, after time.Time) (network.Departure, bool)
}

// RoutePlanning routes every active client to its next predicted visit.
type RoutePlanning struct {
	router      *routing.Router
	departures  Departures
	telemetry   *repository.TelemetryRepository
	predictions *repository.PredictionRepository
	routes      *repository.RouteRepository
	choices     *chooser
	radius      float64
}

// NewRoutePlanning creates the single-agent planning cycle
func NewRoutePlanning(env *analysis.Env) analysis.Cycle {
	var departures Departures
	if env.Network != nil {
		departures = env.Network.Live()
	}
	return &RoutePlanning{
		router:      env.Router,
		departures:  departures,
		telemetry:   repository.NewTelemetryRepository(env.DB),
		predictions: repository.NewPredictionRepository(env.DB),
		routes:      repository.NewRouteRepository(env.DB),
		choices:     newChooser(env),
		radius:      env.Config.Schedule.MatchRadius,
	}
}

// Name returns the cycle name
func (p *RoutePlanning) Name() string {
	return analysis.CyclePlanning
}

// Run plans a route for each active client whose next prediction is not
// already the destination of its current route.
func (p *RoutePlanning) Run(ctx context.Context, run *analysis.Run) error {
	active, err := p.telemetry.ActiveClients(ctx, run.Now)
	if err != nil {
		return fmt.Errorf("failed to list active clients: %w", err)
	}
	return analysis.Each(ctx, run, "clients", active, func(ctx context.Context, c models.ActiveClient) error {
		return p.plan(ctx, run, c)
	})
}

func (p *RoutePlanning) plan(ctx context.Context, run *analysis.Run, c models.ActiveClient) error {
	next, err := p.predictions.NextPrediction(ctx, c.ClientID, run.Now)
	if errors.Is(err, repository.ErrNotFound) {
		run.Count("no_prediction", 1)
		return nil
	}
	if err != nil {
		return err
	}
	dest := spatial.Point{Lat: next.Lat, Lon: next.Lon}

	current, err := p.routes.CurrentChoice(ctx, c.ClientID)
	if err != nil {
		return err
	}
	if current != nil && spatial.Distance(current.Destination, dest) <= p.radius {
		run.Count("unchanged", 1)
		return nil
	}

	routed, err := p.routes.HasRoutes(ctx, c.ClientID)
	if err != nil {
		return err
	}
	decision := models.ContextRoutedToPOI
	if !routed {
		decision = models.ContextInitialPrediction
	}

	route, err := p.route(ctx, routing.Request{
		ClientID:    c.ClientID,
		Origin:      point(c.LatestFix),
		Destination: dest,
		TargetType:  models.TargetPOI,
		Departure:   run.Now,
		Context:     decision,
	})
	if err != nil {
		return err
	}
	run.Count(string(route.DecisionContext), 1)

	changed, err := p.choices.commit(ctx, route, run.Now)
	if err != nil {
		return err
	}
	if changed {
		run.Count("choices", 1)
	}
	return nil
}

// route tries the prediction itself, then the nearest stop, then a straight line.
func (p *RoutePlanning) route(ctx context.Context, req routing.Request) (*models.Route, error) {
	r, err := p.router.Route(ctx, req)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, routing.ErrNoPath) {
		return nil, err
	}

	log := logging.Component("planning")
	if stop, _, ok := p.router.NearestStop(req.Origin); ok {
		toStop := req
		toStop.Destination = stop.Point()
		toStop.TargetType = models.TargetStop
		toStop.StopID = stop.ID
		toStop.Context = models.ContextFallbackStopPoint
		if p.departures != nil {
			if _, live := p.departures.NextDeparture(stop.ID, req.Departure); live {
				toStop.Context = models.ContextRoutedToDeparture
			}
		}
		r, err := p.router.Route(ctx, toStop)
		if err == nil {
			log.Debug("[RoutePlanning] prediction unreachable, routed to stop",
				"client_id", req.ClientID, "stop_id", stop.ID, "context", toStop.Context)
			return r, nil
		}
		if !errors.Is(err, routing.ErrNoPath) {
			return nil, err
		}
	}

	req.Context = models.ContextFallbackAStar
	log.Warn("[RoutePlanning] no network path, drawing straight line", "client_id", req.ClientID)
	return p.router.StraightLine(req), nil
}

func init() {
	analysis.RegisterCycle(analysis.CyclePlanning, NewRoutePlanning)
}
