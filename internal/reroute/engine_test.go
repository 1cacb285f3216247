package reroute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/routing"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

var (
	pathStart = spatial.Point{Lat: 59.33, Lon: 18.06}
	pathEnd   = spatial.Point{Lat: 59.34, Lon: 18.06}
	onPath    = spatial.Point{Lat: 59.335, Lon: 18.0601} // ~6 m
	nearPath  = spatial.Point{Lat: 59.335, Lon: 18.0609} // ~51 m
	offPath   = spatial.Point{Lat: 59.335, Lon: 18.062}  // ~113 m
	farOff    = spatial.Point{Lat: 59.335, Lon: 18.066}  // ~340 m
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// memStore keeps route history in memory and projects the current choice the
// same way the database does: the latest chosen record wins.
type memStore struct {
	mu        sync.Mutex
	choices   map[string]*models.RouteChoice
	astar     []*models.Route
	mapf      []*models.Route
	events    []*models.RerouteEvent
	choiceErr error
}

func newMemStore() *memStore {
	return &memStore{choices: map[string]*models.RouteChoice{}}
}

func (s *memStore) setChoice(clientID string, c *models.RouteChoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ClientID = clientID
	s.choices[clientID] = c
}

func (s *memStore) CurrentChoice(_ context.Context, clientID string) (*models.RouteChoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.choiceErr != nil {
		return nil, s.choiceErr
	}
	return s.choices[clientID], nil
}

func (s *memStore) CreateAStarRoute(_ context.Context, r *models.Route) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.astar = append(s.astar, r)
	return int64(len(s.astar)), nil
}

func (s *memStore) CreateMAPFRoute(_ context.Context, r *models.Route) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapf = append(s.mapf, r)
	return int64(len(s.mapf)), nil
}

func (s *memStore) CreateReroute(_ context.Context, e *models.RerouteEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	s.choices[e.ClientID] = &models.RouteChoice{
		ClientID:       e.ClientID,
		RouteKind:      e.RouteKind,
		RouteID:        e.RouteID,
		SegmentType:    e.SegmentType,
		Destination:    e.Destination,
		StopID:         e.StopID,
		Path:           e.Path,
		BoardingStopID: e.BoardingStopID,
		BoardingETA:    e.BoardingETA,
	}
	return int64(len(s.events)), nil
}

func (s *memStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// fakeRouter answers with a straight walk from origin to destination unless
// route is set.
type fakeRouter struct {
	mu      sync.Mutex
	calls   []routing.Request
	route   func(req routing.Request) (*models.Route, error)
	nearest *network.Stop
}

func walk(req routing.Request) *models.Route {
	return &models.Route{
		ClientID:        req.ClientID,
		Kind:            models.RouteKindAStar,
		Origin:          req.Origin,
		Destination:     req.Destination,
		TargetType:      req.TargetType,
		StopID:          req.StopID,
		Path:            []spatial.Point{req.Origin, req.Destination},
		DistanceMeters:  spatial.Distance(req.Origin, req.Destination),
		DecisionContext: req.Context,
		Departure:       req.Departure,
		Success:         true,
	}
}

func (f *fakeRouter) Route(_ context.Context, req routing.Request) (*models.Route, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.route
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return walk(req), nil
}

func (f *fakeRouter) NearestStop(spatial.Point) (*network.Stop, float64, bool) {
	if f.nearest == nil {
		return nil, 0, false
	}
	return f.nearest, 10, true
}

func (f *fakeRouter) StraightLine(req routing.Request) *models.Route {
	r := walk(req)
	r.Degraded = true
	return r
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePlanner struct {
	agents []routing.Agent
	err    error
}

func (p *fakePlanner) Replan(_ context.Context, a routing.Agent) (*models.Route, error) {
	p.agents = append(p.agents, a)
	if p.err != nil {
		return nil, p.err
	}
	r := walk(routing.Request{ClientID: a.ClientID, Origin: a.Origin, Destination: a.Destination, Context: models.ContextReroutedMAPF})
	r.Kind = models.RouteKindMAPF
	return r, nil
}

type fakeDepartures map[string]network.Departure

func (f fakeDepartures) NextDeparture(stopID string, after time.Time) (network.Departure, bool) {
	d, ok := f[stopID]
	if !ok || d.Time.Before(after) {
		return network.Departure{}, false
	}
	return d, true
}

type fakeActive []models.ActiveClient

func (f fakeActive) ActiveClients(context.Context, time.Time) ([]models.ActiveClient, error) {
	return f, nil
}

func testOptions() Options {
	return Options{
		DirectThreshold:     35,
		MultimodalThreshold: 60,
		Streak:              1,
		BoardingMin:         40 * time.Second,
		BoardingMax:         90 * time.Second,
		Parallelism:         4,
	}
}

func directChoice() *models.RouteChoice {
	return &models.RouteChoice{
		RouteKind:   models.RouteKindAStar,
		RouteID:     1,
		SegmentType: models.SegmentDirect,
		Destination: pathEnd,
		Path:        []spatial.Point{pathStart, pathEnd},
	}
}

func observe(p spatial.Point) Observation {
	return Observation{ClientID: "c1", Position: p, At: testNow}
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestEvaluate_OnPath(t *testing.T) {
	t.Parallel()
	store, router := newMemStore(), &fakeRouter{}
	store.setChoice("c1", directChoice())
	e := NewEngine(store, nil, router, nil, nil, testOptions())

	out, err := e.Evaluate(context.Background(), observe(onPath))
	require.NoError(t, err)
	assert.Equal(t, StateOnPath, out.To)
	assert.Empty(t, out.Reason)
	assert.Less(t, out.OffPath, 10.0)
	assert.Zero(t, router.callCount())
}

func TestEvaluate_NoChoice(t *testing.T) {
	t.Parallel()
	router := &fakeRouter{}
	e := NewEngine(newMemStore(), nil, router, nil, nil, testOptions())

	out, err := e.Evaluate(context.Background(), observe(farOff))
	require.NoError(t, err)
	assert.Equal(t, StateOnPath, out.To)
	assert.Zero(t, router.callCount())
}

func TestEvaluate_OncePerEpisode(t *testing.T) {
	t.Parallel()
	store, router := newMemStore(), &fakeRouter{}
	store.setChoice("c1", directChoice())
	e := NewEngine(store, nil, router, nil, nil, testOptions())
	ctx := context.Background()

	out, err := e.Evaluate(ctx, observe(offPath))
	require.NoError(t, err)
	assert.Equal(t, StateOnPath, out.From)
	assert.Equal(t, StateRerouted, out.To)
	assert.Regexp(t, `^off-path-1\d\dm$`, out.Reason)
	require.NotNil(t, out.Event)
	assert.True(t, out.Event.Chosen)
	assert.Equal(t, models.ContextDeviationDetected, out.Event.DecisionContext)
	assert.Equal(t, models.SegmentDirect, out.Event.PriorSegment)
	assert.Equal(t, out.Route.ID, out.Event.RouteID)

	// still away from the new path: same episode, nothing recomputed
	out, err = e.Evaluate(ctx, observe(farOff))
	require.NoError(t, err)
	assert.Equal(t, StateRerouted, out.To)
	assert.Nil(t, out.Event)
	assert.Equal(t, 1, router.callCount())
	assert.Equal(t, 1, store.eventCount())

	// back on the new path closes the episode
	out, err = e.Evaluate(ctx, observe(offPath))
	require.NoError(t, err)
	assert.Equal(t, StateOnPath, out.To)

	// a new excursion fires again
	out, err = e.Evaluate(ctx, observe(farOff))
	require.NoError(t, err)
	assert.Equal(t, StateRerouted, out.To)
	assert.Equal(t, 2, router.callCount())
	assert.Equal(t, 2, store.eventCount())
}

func TestEvaluate_Streak(t *testing.T) {
	t.Parallel()
	store, router := newMemStore(), &fakeRouter{}
	store.setChoice("c1", directChoice())
	opts := testOptions()
	opts.Streak = 2
	e := NewEngine(store, nil, router, nil, nil, opts)
	ctx := context.Background()

	out, err := e.Evaluate(ctx, observe(offPath))
	require.NoError(t, err)
	assert.Equal(t, StateOnPath, out.To)
	assert.NotEmpty(t, out.Reason)
	assert.Zero(t, router.callCount())

	out, err = e.Evaluate(ctx, observe(offPath))
	require.NoError(t, err)
	assert.Equal(t, StateRerouted, out.To)
	assert.Equal(t, 1, router.callCount())
}

func TestEvaluate_ThresholdBySegment(t *testing.T) {
	t.Parallel()

	t.Run("direct", func(t *testing.T) {
		t.Parallel()
		store, router := newMemStore(), &fakeRouter{}
		store.setChoice("c1", directChoice())
		e := NewEngine(store, nil, router, nil, nil, testOptions())

		out, err := e.Evaluate(context.Background(), observe(nearPath))
		require.NoError(t, err)
		assert.Equal(t, StateRerouted, out.To)
	})

	t.Run("multimodal", func(t *testing.T) {
		t.Parallel()
		store, router := newMemStore(), &fakeRouter{}
		c := directChoice()
		c.SegmentType = models.SegmentMultimodal
		store.setChoice("c1", c)
		e := NewEngine(store, nil, router, nil, nil, testOptions())

		out, err := e.Evaluate(context.Background(), observe(nearPath))
		require.NoError(t, err)
		assert.Equal(t, StateOnPath, out.To)
	})
}

func TestEvaluate_UnchangedChoiceWritesNoEvent(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.setChoice("c1", directChoice())
	router := &fakeRouter{route: func(req routing.Request) (*models.Route, error) {
		r := walk(req)
		r.Path = []spatial.Point{pathStart, pathEnd}
		return r, nil
	}}
	e := NewEngine(store, nil, router, nil, nil, testOptions())

	out, err := e.Evaluate(context.Background(), observe(offPath))
	require.NoError(t, err)
	assert.Equal(t, StateRerouted, out.To)
	assert.NotNil(t, out.Route)
	assert.Nil(t, out.Event)
	assert.Zero(t, store.eventCount())
	assert.Len(t, store.astar, 1)
}

func TestEvaluate_InFlightSkips(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.setChoice("c1", directChoice())

	entered, release := make(chan struct{}), make(chan struct{})
	router := &fakeRouter{route: func(req routing.Request) (*models.Route, error) {
		close(entered)
		<-release
		return walk(req), nil
	}}
	e := NewEngine(store, nil, router, nil, nil, testOptions())

	done := make(chan *Outcome)
	go func() {
		out, _ := e.Evaluate(context.Background(), observe(offPath))
		done <- out
	}()

	<-entered
	out, err := e.Evaluate(context.Background(), observe(farOff))
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, StateDeviated, e.State("c1"))

	close(release)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, StateRerouted, first.To)
	assert.Equal(t, 1, router.callCount())
}

func TestEvaluate_StoreErrorRetries(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	store.choiceErr = errors.New("database is locked")
	e := NewEngine(store, nil, &fakeRouter{}, nil, nil, testOptions())

	_, err := e.Evaluate(context.Background(), observe(offPath))
	require.Error(t, err)
	assert.Equal(t, StateOnPath, e.State("c1"))
}

// ---------------------------------------------------------------------------
// Recompute tiers
// ---------------------------------------------------------------------------

func TestReroute_MultimodalUsesPlanner(t *testing.T) {
	t.Parallel()
	store, router, planner := newMemStore(), &fakeRouter{}, &fakePlanner{}
	c := directChoice()
	c.SegmentType = models.SegmentMultimodal
	c.StopID = "B"
	store.setChoice("c1", c)
	e := NewEngine(store, nil, router, planner, nil, testOptions())

	out, err := e.Evaluate(context.Background(), observe(offPath))
	require.NoError(t, err)
	require.Len(t, planner.agents, 1)
	assert.Equal(t, models.TargetStop, planner.agents[0].TargetType)
	assert.Equal(t, "B", planner.agents[0].StopID)
	assert.Zero(t, router.callCount())

	require.NotNil(t, out.Event)
	assert.Equal(t, models.RouteKindMAPF, out.Event.RouteKind)
	assert.Equal(t, models.SegmentMultimodal, out.Event.SegmentType)
	assert.Equal(t, models.ContextReroutedMAPF, out.Event.DecisionContext)
	assert.Len(t, store.mapf, 1)
}

func TestReroute_PlannerNoPathFallsBackToAStar(t *testing.T) {
	t.Parallel()
	store, router := newMemStore(), &fakeRouter{}
	planner := &fakePlanner{err: routing.ErrNoPath}
	c := directChoice()
	c.SegmentType = models.SegmentMultimodal
	store.setChoice("c1", c)
	e := NewEngine(store, nil, router, planner, nil, testOptions())

	out, err := e.Evaluate(context.Background(), observe(farOff))
	require.NoError(t, err)
	assert.Equal(t, models.RouteKindAStar, out.Route.Kind)
	assert.Equal(t, models.ContextDeviationDetected, out.Route.DecisionContext)
}

func TestReroute_FallbackTiers(t *testing.T) {
	t.Parallel()
	noPathToPOI := func(req routing.Request) (*models.Route, error) {
		if req.TargetType == models.TargetStop {
			return walk(req), nil
		}
		return nil, routing.ErrNoPath
	}

	t.Run("nearest stop", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.setChoice("c1", directChoice())
		router := &fakeRouter{route: noPathToPOI, nearest: &network.Stop{ID: "S1", Lat: 59.336, Lon: 18.063}}
		e := NewEngine(store, nil, router, nil, nil, testOptions())

		out, err := e.Evaluate(context.Background(), observe(offPath))
		require.NoError(t, err)
		assert.Equal(t, models.ContextFallbackAStar, out.Route.DecisionContext)
		assert.Equal(t, "S1", out.Route.StopID)
		assert.Equal(t, models.SegmentFallback, out.Event.SegmentType)
	})

	t.Run("straight line", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		store.setChoice("c1", directChoice())
		router := &fakeRouter{route: noPathToPOI}
		e := NewEngine(store, nil, router, nil, nil, testOptions())

		out, err := e.Evaluate(context.Background(), observe(offPath))
		require.NoError(t, err)
		assert.True(t, out.Route.Degraded)
		assert.Equal(t, models.ContextFallbackAStar, out.Route.DecisionContext)
		assert.Equal(t, []spatial.Point{offPath, pathEnd}, out.Route.Path)
	})
}

// ---------------------------------------------------------------------------
// Boarding window
// ---------------------------------------------------------------------------

func TestCheck_BoardingWindow(t *testing.T) {
	t.Parallel()
	eta := testNow.Add(5 * time.Minute)
	choice := directChoice()
	choice.BoardingStopID = "B"
	choice.BoardingETA = &eta

	tests := []struct {
		name   string
		dep    *time.Time
		at     time.Time
		reason string
	}{
		{"no live departure", nil, testNow, ""},
		{"inside window", timePtr(eta.Add(60 * time.Second)), testNow, ""},
		{"delayed", timePtr(eta.Add(220 * time.Second)), testNow, "delay-220s"},
		{"too early to catch", timePtr(eta.Add(10 * time.Second)), testNow, "delay-10s"},
		{"departure passed", timePtr(eta.Add(20 * time.Second)), eta.Add(30 * time.Second), "departure-passed"},
		{"boarding window over", timePtr(eta.Add(220 * time.Second)), eta.Add(2 * time.Minute), ""},
		{"departure before arrival", timePtr(eta.Add(-30 * time.Second)), testNow, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			deps := fakeDepartures{}
			if tt.dep != nil {
				deps["B"] = network.Departure{TripID: "T1", Time: *tt.dep}
			}
			e := NewEngine(newMemStore(), nil, &fakeRouter{}, nil, deps, testOptions())

			reason, _ := e.check(choice, Observation{ClientID: "c1", Position: onPath, At: tt.at})
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

func TestTick(t *testing.T) {
	t.Parallel()
	store, router := newMemStore(), &fakeRouter{}
	store.setChoice("steady", directChoice())
	store.setChoice("wanderer", directChoice())

	fix := func(id string, p spatial.Point) models.ActiveClient {
		return models.ActiveClient{ClientID: id, SessionStart: testNow.Add(-time.Hour), LatestFix: models.PositionFix{ClientID: id, Lat: p.Lat, Lon: p.Lon, Timestamp: testNow}}
	}
	active := fakeActive{fix("steady", onPath), fix("wanderer", offPath), fix("newcomer", farOff)}
	e := NewEngine(store, active, router, nil, nil, testOptions())

	report, err := e.Tick(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, TickReport{Evaluated: 3, Rerouted: 1, Events: 1}, report)
	assert.Equal(t, StateRerouted, e.State("wanderer"))

	// inactive clients are forgotten
	e.active = fakeActive{fix("steady", onPath)}
	_, err = e.Tick(context.Background(), testNow)
	require.NoError(t, err)
	e.mu.Lock()
	assert.Len(t, e.clients, 1)
	e.mu.Unlock()
}
