package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// outskirts only reaches stop A on foot, so every agent starting here must
// use platform A.
var outskirts = spatial.Point{Lat: 59.32, Lon: 18.06}

func newTestPlanner(maxDelay time.Duration, maxIterations int) *Planner {
	r := newTestRouter(lineNetwork(1), false)
	return NewPlanner(r, PlannerOptions{
		MaxIterations: maxIterations,
		MaxDelay:      maxDelay,
		DelayStep:     time.Minute,
	})
}

func agent(id string, sessionOffset time.Duration) Agent {
	return Agent{
		ClientID:     id,
		SessionStart: testNow.Add(-sessionOffset),
		Origin:       outskirts,
		Destination:  pointC,
		TargetType:   models.TargetPOI,
		Departure:    testNow,
	}
}

// assertExclusive checks that no two clients hold a single-capacity resource
// at overlapping times. Unbounded resources are skipped.
func assertExclusive(t *testing.T, p *Planner, occ []Occupancy) {
	t.Helper()
	n := p.router.net.Snapshot()
	for i := range occ {
		for j := i + 1; j < len(occ); j++ {
			a, b := occ[i], occ[j]
			if a.Resource != b.Resource || a.ClientID == b.ClientID {
				continue
			}
			if p.capacity(n, a.Resource) != 1 {
				continue
			}
			overlap := a.From.Before(b.To) && b.From.Before(a.To)
			assert.Falsef(t, overlap, "%s held by %s [%s,%s) and %s [%s,%s)",
				a.Resource, a.ClientID, a.From, a.To, b.ClientID, b.From, b.To)
		}
	}
}

func routeFor(sol *Solution, clientID string) *models.Route {
	for _, r := range sol.Routes {
		if r.ClientID == clientID {
			return r
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// RouteAll
// ---------------------------------------------------------------------------

func TestRouteAll_SharedPlatformResolvedByDelay(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(5*time.Minute, 50)

	sol := p.RouteAll(context.Background(), []Agent{agent("b", time.Hour), agent("a", 2*time.Hour)})

	require.Len(t, sol.Routes, 2)
	assert.Equal(t, "a", sol.Routes[0].ClientID)
	assert.Equal(t, "b", sol.Routes[1].ClientID)
	assert.Equal(t, 1, sol.Conflicts)
	assert.Equal(t, 1, sol.Iterations)
	assert.Empty(t, sol.Unresolved)
	assert.Empty(t, sol.Deferred)
	assert.NotEmpty(t, sol.BatchID)

	for _, r := range sol.Routes {
		assert.True(t, r.Success)
		assert.Equal(t, models.RouteKindMAPF, r.Kind)
		assert.Equal(t, models.ContextMAPFPredicted, r.DecisionContext)
		assert.Equal(t, sol.BatchID, r.BatchID)
	}
	assert.Equal(t, testNow, sol.Routes[0].Departure)
	assert.Equal(t, testNow.Add(time.Minute), sol.Routes[1].Departure)
	assertExclusive(t, p, sol.Occupancy)
}

func TestRouteAll_UnresolvedFallsBack(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(0, 50)

	sol := p.RouteAll(context.Background(), []Agent{agent("a", 2*time.Hour), agent("b", time.Hour)})

	require.Len(t, sol.Routes, 2)
	a, b := routeFor(sol, "a"), routeFor(sol, "b")
	require.NotNil(t, a)
	require.NotNil(t, b)

	assert.True(t, a.Success)
	assert.False(t, b.Success)
	assert.Equal(t, []string{"b"}, sol.Unresolved)
	// the fallback is the unconstrained path
	assert.Equal(t, a.Path, b.Path)
	assert.Equal(t, testNow, b.Departure)

	for _, o := range sol.Occupancy {
		assert.Equal(t, "a", o.ClientID)
	}
}

func TestRouteAll_PriorityBySessionStart(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(5*time.Minute, 50)

	sol := p.RouteAll(context.Background(), []Agent{agent("a", time.Hour), agent("z", 2*time.Hour)})

	require.Len(t, sol.Routes, 2)
	assert.Equal(t, "z", sol.Routes[0].ClientID)
	assert.Equal(t, testNow, routeFor(sol, "z").Departure)
	assert.Equal(t, testNow.Add(time.Minute), routeFor(sol, "a").Departure)
}

func TestRouteAll_IterationBound(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(5*time.Minute, 1)

	sol := p.RouteAll(context.Background(), []Agent{
		agent("a", 3*time.Hour),
		agent("b", 2*time.Hour),
		agent("c", time.Hour),
	})

	assert.Equal(t, 1, sol.Iterations)
	assert.Equal(t, 2, sol.Conflicts)
	assert.Equal(t, []string{"b"}, sol.Unresolved)
	assert.True(t, routeFor(sol, "a").Success)
	assert.True(t, routeFor(sol, "c").Success)
	assert.False(t, routeFor(sol, "b").Success)
	assertExclusive(t, p, sol.Occupancy)
}

func TestRouteAll_NoPathAndDeferred(t *testing.T) {
	t.Parallel()

	t.Run("no path", func(t *testing.T) {
		t.Parallel()
		p := newTestPlanner(5*time.Minute, 50)
		lost := agent("lost", time.Hour)
		lost.Origin = spatial.Point{Lat: 0, Lon: 0}

		sol := p.RouteAll(context.Background(), []Agent{agent("a", 2*time.Hour), lost})
		assert.Equal(t, []string{"lost"}, sol.NoPath)
		require.Len(t, sol.Routes, 1)
		assert.Equal(t, "a", sol.Routes[0].ClientID)
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		p := newTestPlanner(5*time.Minute, 50)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		sol := p.RouteAll(ctx, []Agent{agent("a", 2*time.Hour), agent("b", time.Hour)})
		assert.Empty(t, sol.Routes)
		assert.Equal(t, []string{"a", "b"}, sol.Deferred)
	})
}

func TestSortAgents(t *testing.T) {
	t.Parallel()

	in := []Agent{agent("c", time.Hour), agent("b", 2*time.Hour), agent("a", time.Hour)}
	out := SortAgents(in)

	ids := make([]string, len(out))
	for i, a := range out {
		ids[i] = a.ClientID
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
	assert.Equal(t, "c", in[0].ClientID)
}

// ---------------------------------------------------------------------------
// Replan
// ---------------------------------------------------------------------------

func TestReplan_RespectsReservations(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(5*time.Minute, 50)

	sol := p.RouteAll(context.Background(), []Agent{agent("a", 2*time.Hour)})
	require.Len(t, sol.Routes, 1)

	r, err := p.Replan(context.Background(), agent("b", time.Hour))
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, models.ContextReroutedMAPF, r.DecisionContext)
	assert.Equal(t, testNow.Add(time.Minute), r.Departure)
}

func TestReplan_NoSlotReturnsUnsuccessfulRoute(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(0, 50)

	p.RouteAll(context.Background(), []Agent{agent("a", 2*time.Hour)})

	r, err := p.Replan(context.Background(), agent("b", time.Hour))
	require.NoError(t, err)
	assert.False(t, r.Success)
	assert.Equal(t, models.ContextReroutedMAPF, r.DecisionContext)
	assert.Equal(t, testNow, r.Departure)
}

func TestReplan_OwnReservationIgnored(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(0, 50)

	p.RouteAll(context.Background(), []Agent{agent("a", 2*time.Hour)})

	r, err := p.Replan(context.Background(), agent("a", 2*time.Hour))
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestReplan_ConcurrentCallsShareReservations(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(5*time.Minute, 50)

	var wg sync.WaitGroup
	routes := make([]*models.Route, 2)
	errs := make([]error, 2)
	for i, id := range []string{"x", "y"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			routes[i], errs[i] = p.Replan(context.Background(), agent(id, time.Hour))
		}()
	}
	wg.Wait()

	for i := range routes {
		require.NoError(t, errs[i])
		assert.True(t, routes[i].Success)
	}
	assert.NotEqual(t, routes[0].Departure, routes[1].Departure)

	p.mu.Lock()
	reserved := append([]Occupancy(nil), p.reserved...)
	p.mu.Unlock()

	holders := map[string]bool{}
	for _, o := range reserved {
		holders[o.ClientID] = true
	}
	assert.Equal(t, map[string]bool{"x": true, "y": true}, holders)
	assertExclusive(t, p, reserved)
}

func TestReplan_NoPath(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(0, 50)
	lost := agent("lost", time.Hour)
	lost.Origin = spatial.Point{Lat: 0, Lon: 0}

	_, err := p.Replan(context.Background(), lost)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestSaturated(t *testing.T) {
	t.Parallel()
	p := newTestPlanner(0, 50)
	n := p.router.net.Snapshot()
	at := func(m int) time.Time { return testNow.Add(time.Duration(m) * time.Minute) }

	got := p.saturated(n, []Occupancy{
		{Resource: StopResource("A"), ClientID: "x", From: at(0), To: at(2)},
		{Resource: StopResource("A"), ClientID: "y", From: at(2), To: at(3)},
		{Resource: StopResource("B"), ClientID: "x", From: at(5), To: at(6)},
		{Resource: EdgeResource("A", "B"), ClientID: "x", From: at(0), To: at(5)},
	})

	assert.Equal(t, []Constraint{
		{Resource: StopResource("A"), From: at(0), To: at(3)},
		{Resource: StopResource("B"), From: at(5), To: at(6)},
	}, got)
}
