// Package reroute watches live positions against each client's chosen route
// and recomputes it when the client leaves the path or the planned departure
// is no longer catchable.
package reroute

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/metrics"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/routing"
	"github.com/jengzang/urbanos-routing/internal/spatial"
	"github.com/jengzang/urbanos-routing/internal/tracing"
)

// State is a client's position in the deviation state machine.
type State string

const (
	StateOnPath   State = "ON_PATH"
	StateDeviated State = "DEVIATED"
	StateRerouted State = "REROUTED"
)

// Store is the route history the engine reads and appends to.
type Store interface {
	CurrentChoice(ctx context.Context, clientID string) (*models.RouteChoice, error)
	CreateAStarRoute(ctx context.Context, r *models.Route) (int64, error)
	CreateMAPFRoute(ctx context.Context, r *models.Route) (int64, error)
	CreateReroute(ctx context.Context, e *models.RerouteEvent) (int64, error)
}

// ActiveClients lists clients with an open session and their latest fix.
type ActiveClients interface {
	ActiveClients(ctx context.Context, at time.Time) ([]models.ActiveClient, error)
}

// Router is the single-agent routing capability.
type Router interface {
	Route(ctx context.Context, req routing.Request) (*models.Route, error)
	NearestStop(p spatial.Point) (*network.Stop, float64, bool)
	StraightLine(req routing.Request) *models.Route
}

// Replanner re-plans one agent against the current MAPF reservations.
type Replanner interface {
	Replan(ctx context.Context, a routing.Agent) (*models.Route, error)
}

// Departures exposes live departures at stops.
type Departures interface {
	NextDeparture(stopID string, after time.Time) (network.Departure, bool)
}

// Options are the deviation thresholds.
type Options struct {
	DirectThreshold     float64 // meters, direct and fallback segments
	MultimodalThreshold float64 // meters, multimodal segments
	Streak              int     // consecutive off-path observations required
	BoardingMin         time.Duration
	BoardingMax         time.Duration
	Parallelism         int
}

// OptionsFromConfig maps config onto engine options.
func OptionsFromConfig(cfg config.RerouteConfig) Options {
	return Options{
		DirectThreshold:     cfg.DirectThreshold,
		MultimodalThreshold: cfg.MultimodalThreshold,
		Streak:              cfg.Streak,
		BoardingMin:         cfg.BoardingMin,
		BoardingMax:         cfg.BoardingMax,
		Parallelism:         cfg.Parallelism,
	}
}

// Observation is the latest known position of a client.
type Observation struct {
	ClientID     string
	SessionStart time.Time
	Position     spatial.Point
	At           time.Time
}

// Outcome describes one evaluation.
type Outcome struct {
	ClientID string
	From     State
	To       State
	Reason   string
	OffPath  float64 // meters from the chosen path; +Inf without a path
	Route    *models.Route
	Event    *models.RerouteEvent // nil unless the choice changed
	Skipped  bool                 // a recompute for this client was already running
}

type clientState struct {
	mu       sync.Mutex
	state    State
	streak   int
	inFlight bool
}

// Engine is the per-client deviation state machine. Evaluate may be called
// concurrently; calls for the same client never recompute in parallel.
type Engine struct {
	store      Store
	active     ActiveClients
	router     Router
	planner    Replanner
	departures Departures
	opts       Options

	mu      sync.Mutex
	clients map[string]*clientState
}

// NewEngine creates an engine. planner and departures may be nil.
func NewEngine(store Store, active ActiveClients, router Router, planner Replanner, departures Departures, opts Options) *Engine {
	if opts.Streak < 1 {
		opts.Streak = 1
	}
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	return &Engine{
		store:      store,
		active:     active,
		router:     router,
		planner:    planner,
		departures: departures,
		opts:       opts,
		clients:    map[string]*clientState{},
	}
}

func (e *Engine) client(id string) *clientState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cs, ok := e.clients[id]
	if !ok {
		cs = &clientState{state: StateOnPath}
		e.clients[id] = cs
	}
	return cs
}

// State returns the current state of a client.
func (e *Engine) State(clientID string) State {
	cs := e.client(clientID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

// Evaluate checks one observation against the client's chosen route. A
// deviation fires once per episode: while the client stays off the path after
// a reroute nothing new is computed, and the next on-path observation closes
// the episode.
func (e *Engine) Evaluate(ctx context.Context, obs Observation) (*Outcome, error) {
	cs := e.client(obs.ClientID)

	cs.mu.Lock()
	out := &Outcome{ClientID: obs.ClientID, From: cs.state, To: cs.state, OffPath: math.Inf(1)}
	if cs.inFlight {
		cs.mu.Unlock()
		out.Skipped = true
		return out, nil
	}

	prior, err := e.store.CurrentChoice(ctx, obs.ClientID)
	if err != nil {
		cs.mu.Unlock()
		return nil, fmt.Errorf("failed to load current choice: %w", err)
	}
	if prior == nil {
		cs.mu.Unlock()
		return out, nil
	}

	reason, dist := e.check(prior, obs)
	out.OffPath = dist
	if reason == "" {
		cs.state, cs.streak = StateOnPath, 0
		cs.mu.Unlock()
		out.To = StateOnPath
		return out, nil
	}
	if cs.state != StateOnPath {
		// same episode
		cs.mu.Unlock()
		out.Reason = reason
		return out, nil
	}
	cs.streak++
	if cs.streak < e.opts.Streak {
		cs.mu.Unlock()
		out.Reason = reason
		return out, nil
	}
	cs.state, cs.streak, cs.inFlight = StateDeviated, 0, true
	cs.mu.Unlock()

	route, event, err := e.reroute(ctx, obs, prior, reason)

	cs.mu.Lock()
	cs.inFlight = false
	if err != nil {
		// retry on the next observation
		cs.state = StateOnPath
		cs.mu.Unlock()
		return nil, err
	}
	cs.state = StateRerouted
	cs.mu.Unlock()

	out.To = StateRerouted
	out.Reason = reason
	out.Route = route
	out.Event = event
	return out, nil
}

// check returns a reason code when the client must be rerouted.
func (e *Engine) check(choice *models.RouteChoice, obs Observation) (string, float64) {
	threshold := e.opts.DirectThreshold
	if choice.SegmentType == models.SegmentMultimodal {
		threshold = e.opts.MultimodalThreshold
	}

	dist := spatial.DistanceToPath(obs.Position, choice.Path)
	if dist > threshold {
		if math.IsInf(dist, 1) {
			return "off-path-no-geometry", dist
		}
		return fmt.Sprintf("off-path-%dm", int(math.Round(dist))), dist
	}

	if e.departures == nil || choice.BoardingStopID == "" || choice.BoardingETA == nil {
		return "", dist
	}
	// Choices do not pin a trip, so only the first live departure at or after
	// the boarding ETA is judged. Past the window the client has boarded or
	// missed it and only the path distance applies.
	eta := *choice.BoardingETA
	if !obs.At.Before(eta.Add(e.opts.BoardingMax)) {
		return "", dist
	}
	dep, ok := e.departures.NextDeparture(choice.BoardingStopID, eta)
	if !ok {
		return "", dist
	}
	if dep.Time.Before(obs.At) {
		return "departure-passed", dist
	}
	if offset := dep.Time.Sub(eta); offset < e.opts.BoardingMin || offset > e.opts.BoardingMax {
		return fmt.Sprintf("delay-%ds", int(offset.Seconds())), dist
	}
	return "", dist
}

// reroute computes and appends a new route, then records a reroute event when
// the choice changed. Tiers: MAPF replan for multimodal segments, A* to the
// same destination, A* to the nearest stop, straight line.
func (e *Engine) reroute(ctx context.Context, obs Observation, prior *models.RouteChoice, reason string) (*models.Route, *models.RerouteEvent, error) {
	log := logging.Component("reroute")
	ctx, span := tracing.Start(ctx, "reroute.recompute",
		attribute.String("client_id", obs.ClientID),
		attribute.String("reason", reason))
	defer span.End()

	target := models.TargetPOI
	if prior.StopID != "" {
		target = models.TargetStop
	}

	var route *models.Route
	if prior.SegmentType == models.SegmentMultimodal && e.planner != nil {
		r, err := e.planner.Replan(ctx, routing.Agent{
			ClientID:     obs.ClientID,
			SessionStart: obs.SessionStart,
			Origin:       obs.Position,
			Destination:  prior.Destination,
			TargetType:   target,
			StopID:       prior.StopID,
			Departure:    obs.At,
		})
		switch {
		case err == nil:
			route = r
		case errors.Is(err, routing.ErrNoPath):
		default:
			return nil, nil, fmt.Errorf("mapf replan: %w", err)
		}
	}

	if route == nil {
		req := routing.Request{
			ClientID:    obs.ClientID,
			Origin:      obs.Position,
			Destination: prior.Destination,
			TargetType:  target,
			StopID:      prior.StopID,
			Departure:   obs.At,
			Context:     models.ContextDeviationDetected,
		}
		r, err := e.router.Route(ctx, req)
		if errors.Is(err, routing.ErrNoPath) {
			r, err = e.fallback(ctx, req)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("astar reroute: %w", err)
		}
		route = r
	}

	var err error
	if route.Kind == models.RouteKindMAPF {
		route.ID, err = e.store.CreateMAPFRoute(ctx, route)
	} else {
		route.ID, err = e.store.CreateAStarRoute(ctx, route)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to append route: %w", err)
	}

	segment := routing.SegmentFor(route)
	next := models.ChoiceFromRoute(route, segment)
	if !routing.ChoiceChanged(prior, next) {
		log.Debug("[RerouteEngine] recomputed route unchanged", "client_id", obs.ClientID, "reason", reason)
		return route, nil, nil
	}

	event := &models.RerouteEvent{
		ClientID:        obs.ClientID,
		PriorStopID:     prior.StopID,
		PriorSegment:    prior.SegmentType,
		RouteKind:       route.Kind,
		RouteID:         route.ID,
		SegmentType:     segment,
		Destination:     route.Destination,
		StopID:          route.StopID,
		Path:            route.Path,
		DistanceMeters:  route.DistanceMeters,
		PredictedETA:    route.PredictedETA,
		BoardingStopID:  route.BoardingStopID,
		BoardingETA:     route.BoardingETA,
		Reason:          reason,
		Chosen:          true,
		DecisionContext: route.DecisionContext,
	}
	if event.ID, err = e.store.CreateReroute(ctx, event); err != nil {
		return nil, nil, fmt.Errorf("failed to append reroute event: %w", err)
	}

	metrics.ReroutesWritten.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reasonKind(reason))))
	log.Info("[RerouteEngine] client rerouted",
		"client_id", obs.ClientID,
		"reason", reason,
		"route_kind", route.Kind,
		"segment", segment,
		"context", route.DecisionContext)
	return route, event, nil
}

// fallback routes to the nearest stop, or draws a straight line when even
// that is unreachable.
func (e *Engine) fallback(ctx context.Context, req routing.Request) (*models.Route, error) {
	req.Context = models.ContextFallbackAStar
	if stop, _, ok := e.router.NearestStop(req.Origin); ok {
		toStop := req
		toStop.Destination = stop.Point()
		toStop.TargetType = models.TargetStop
		toStop.StopID = stop.ID
		r, err := e.router.Route(ctx, toStop)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, routing.ErrNoPath) {
			return nil, err
		}
	}
	return e.router.StraightLine(req), nil
}

// reasonKind strips the measured value from a reason code.
func reasonKind(reason string) string {
	switch {
	case strings.HasPrefix(reason, "off-path"):
		return "off-path"
	case strings.HasPrefix(reason, "delay-"):
		return "delay"
	}
	return reason
}

// TickReport summarizes one pass over the active population.
type TickReport struct {
	Evaluated int `json:"evaluated"`
	Rerouted  int `json:"rerouted"`
	Events    int `json:"events"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Tick evaluates every active client in parallel. Failures are isolated per
// client and counted.
func (e *Engine) Tick(ctx context.Context, at time.Time) (TickReport, error) {
	log := logging.Component("reroute")
	ctx, span := tracing.Start(ctx, "reroute.tick")
	defer span.End()

	clients, err := e.active.ActiveClients(ctx, at)
	if err != nil {
		return TickReport{}, fmt.Errorf("failed to list active clients: %w", err)
	}

	var (
		mu     sync.Mutex
		report TickReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for _, c := range clients {
		g.Go(func() error {
			out, err := e.Evaluate(gctx, Observation{
				ClientID:     c.ClientID,
				SessionStart: c.SessionStart,
				Position:     spatial.Point{Lat: c.LatestFix.Lat, Lon: c.LatestFix.Lon},
				At:           at,
			})

			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			switch {
			case err != nil:
				report.Failed++
				log.Warn("[RerouteEngine] evaluation failed", "client_id", c.ClientID, "error", err)
			case out.Skipped:
				report.Skipped++
			case out.To == StateRerouted && out.From != StateRerouted:
				report.Rerouted++
				if out.Event != nil {
					report.Events++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	e.forget(clients)
	return report, ctx.Err()
}

// forget drops state of clients that are no longer active.
func (e *Engine) forget(active []models.ActiveClient) {
	keep := make(map[string]bool, len(active))
	for _, c := range active {
		keep[c.ClientID] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, cs := range e.clients {
		if keep[id] {
			continue
		}
		cs.mu.Lock()
		idle := !cs.inFlight
		cs.mu.Unlock()
		if idle {
			delete(e.clients, id)
		}
	}
}
