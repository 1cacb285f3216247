package routing

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/metrics"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/spatial"
	"github.com/jengzang/urbanos-routing/internal/tracing"
)

// Agent is one client taking part in a MAPF batch.
type Agent struct {
	ClientID     string
	SessionStart time.Time
	Origin       spatial.Point
	Destination  spatial.Point
	TargetType   models.TargetType
	StopID       string
	Departure    time.Time
}

func (a Agent) request(ctx models.DecisionContext, departure time.Time, constraints []Constraint) Request {
	return Request{
		ClientID:    a.ClientID,
		Origin:      a.Origin,
		Destination: a.Destination,
		TargetType:  a.TargetType,
		StopID:      a.StopID,
		Departure:   departure,
		Context:     ctx,
		Constraints: constraints,
	}
}

// PlannerOptions bounds the conflict search.
type PlannerOptions struct {
	MaxIterations int
	Budget        time.Duration
	MaxDelay      time.Duration
	DelayStep     time.Duration
	LinkCapacity  int // 0 = links are unbounded
}

// PlannerOptionsFromConfig maps config onto planner options.
func PlannerOptionsFromConfig(routing config.RoutingConfig, net config.NetworkConfig) PlannerOptions {
	return PlannerOptions{
		MaxIterations: routing.MAPFMaxIterations,
		Budget:        routing.MAPFBudget,
		MaxDelay:      routing.MAPFMaxDelay,
		DelayStep:     routing.MAPFDelayStep,
		LinkCapacity:  net.LinkCapacity,
	}
}

// Occupancy is a resource held by one agent during [From, To).
type Occupancy struct {
	Resource string    `json:"resource"`
	ClientID string    `json:"client_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
}

// Solution is the outcome of one batch. Routes are in priority order.
type Solution struct {
	BatchID    string
	Routes     []*models.Route
	Unresolved []string // success=false, unconstrained fallback
	NoPath     []string // not connectable at all, no route
	Deferred   []string // not planned before the budget ran out
	Conflicts  int
	Iterations int
	Occupancy  []Occupancy // held by successfully solved agents
}

// Planner is the priority-ordered conflict-based multi-agent router.
type Planner struct {
	router *Router
	opts   PlannerOptions

	mu       sync.Mutex
	reserved []Occupancy
}

// NewPlanner creates a planner that searches with router.
func NewPlanner(router *Router, opts PlannerOptions) *Planner {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 200
	}
	if opts.DelayStep <= 0 {
		opts.DelayStep = time.Minute
	}
	return &Planner{router: router, opts: opts}
}

const (
	agentSolved = iota
	agentUnresolved
	agentNoPath
	agentDeferred
)

type agentState struct {
	agent       Agent
	rank        int
	status      int
	base        *plan // unconstrained
	cur         *plan
	constraints []Constraint
}

type held struct {
	window
	state *agentState
}

type conflict struct {
	resource string
	at       time.Time
	holders  []held
}

// victim is the lowest-priority holder.
func (c *conflict) victim() *agentState {
	v := c.holders[0].state
	for _, h := range c.holders[1:] {
		if h.state.rank > v.rank {
			v = h.state
		}
	}
	return v
}

// constraintFor spans the windows of every other holder.
func (c *conflict) constraintFor(v *agentState) Constraint {
	out := Constraint{Resource: c.resource}
	for _, h := range c.holders {
		if h.state == v {
			continue
		}
		if out.From.IsZero() || h.from.Before(out.From) {
			out.From = h.from
		}
		if h.to.After(out.To) {
			out.To = h.to
		}
	}
	return out
}

// SortAgents orders agents by priority: earliest session start, then client id.
func SortAgents(agents []Agent) []Agent {
	out := append([]Agent(nil), agents...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SessionStart.Equal(out[j].SessionStart) {
			return out[i].SessionStart.Before(out[j].SessionStart)
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// RouteAll plans every agent on one snapshot. Solved agents never exceed a
// resource's capacity; agents the bounded search cannot fit are returned with
// Success=false and their unconstrained path.
func (p *Planner) RouteAll(ctx context.Context, agents []Agent) *Solution {
	log := logging.Component("mapf")
	ctx, span := tracing.Start(ctx, "routing.mapf", attribute.Int("agents", len(agents)))
	defer span.End()

	if p.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Budget)
		defer cancel()
	}

	n := p.router.net.Snapshot()
	stale := p.router.net.Stale(p.router.now())
	sol := &Solution{BatchID: uuid.NewString()}

	states := make([]*agentState, 0, len(agents))
	for i, a := range SortAgents(agents) {
		if a.Departure.IsZero() {
			a.Departure = p.router.now()
		}
		st := &agentState{agent: a, rank: i, status: agentDeferred}
		states = append(states, st)
		if ctx.Err() != nil {
			continue
		}

		pl, err := p.router.search(ctx, n, a.request(models.ContextMAPFPredicted, a.Departure, nil))
		switch {
		case err == nil:
			st.base, st.cur, st.status = pl, pl, agentSolved
		case errors.Is(err, ErrNoPath):
			st.status = agentNoPath
		}
	}

	for {
		c := p.findConflict(n, states)
		if c == nil {
			break
		}
		sol.Conflicts++
		if sol.Iterations >= p.opts.MaxIterations || ctx.Err() != nil {
			break
		}
		sol.Iterations++

		v := c.victim()
		v.constraints = append(v.constraints, c.constraintFor(v))
		pl, err := p.replan(ctx, n, v.agent, v.constraints)
		if err != nil {
			v.status = agentUnresolved
			continue
		}
		v.cur = pl
	}

	// whatever is still conflicting after the bound is given up, lowest priority first
	for c := p.findConflict(n, states); c != nil; c = p.findConflict(n, states) {
		c.victim().status = agentUnresolved
	}

	for _, st := range states {
		a := st.agent
		switch st.status {
		case agentSolved:
			r := p.router.toRoute(a.request(models.ContextMAPFPredicted, st.cur.departure, nil), *st.cur, models.RouteKindMAPF, stale)
			r.BatchID = sol.BatchID
			sol.Routes = append(sol.Routes, r)
			for _, w := range p.router.windows(st.cur) {
				sol.Occupancy = append(sol.Occupancy, Occupancy{Resource: w.resource, ClientID: a.ClientID, From: w.from, To: w.to})
			}
		case agentUnresolved:
			r := p.router.toRoute(a.request(models.ContextMAPFPredicted, st.base.departure, nil), *st.base, models.RouteKindMAPF, stale)
			r.BatchID = sol.BatchID
			r.Success = false
			sol.Routes = append(sol.Routes, r)
			sol.Unresolved = append(sol.Unresolved, a.ClientID)
		case agentNoPath:
			sol.NoPath = append(sol.NoPath, a.ClientID)
		case agentDeferred:
			sol.Deferred = append(sol.Deferred, a.ClientID)
		}
	}

	p.mu.Lock()
	p.reserved = append([]Occupancy(nil), sol.Occupancy...)
	p.mu.Unlock()

	metrics.MAPFConflicts.Add(ctx, int64(sol.Conflicts))
	metrics.MAPFUnresolved.Add(ctx, int64(len(sol.Unresolved)))
	metrics.RoutesComputed.Add(ctx, int64(len(sol.Routes)), metric.WithAttributes(attribute.String("kind", string(models.RouteKindMAPF))))
	log.Info("[MAPFPlanner] batch planned",
		"batch_id", sol.BatchID,
		"agents", len(agents),
		"routes", len(sol.Routes),
		"conflicts", sol.Conflicts,
		"iterations", sol.Iterations,
		"unresolved", len(sol.Unresolved),
		"no_path", len(sol.NoPath),
		"deferred", len(sol.Deferred))
	return sol
}

// Replan routes one agent against the reservations of the last batch. If no
// feasible slot exists the unconstrained path is returned with Success=false.
// Concurrent calls are serialized.
func (p *Planner) Replan(ctx context.Context, a Agent) (*models.Route, error) {
	ctx, span := tracing.Start(ctx, "routing.mapf.replan", attribute.String("client_id", a.ClientID))
	defer span.End()

	if a.Departure.IsZero() {
		a.Departure = p.router.now()
	}
	n := p.router.net.Snapshot()
	stale := p.router.net.Stale(p.router.now())

	// Held across plan and commit so concurrent replans see each other's
	// reservations.
	p.mu.Lock()
	defer p.mu.Unlock()
	others := make([]Occupancy, 0, len(p.reserved))
	for _, o := range p.reserved {
		if o.ClientID != a.ClientID {
			others = append(others, o)
		}
	}

	pl, err := p.replan(ctx, n, a, p.saturated(n, others))
	if err != nil {
		base, baseErr := p.router.search(ctx, n, a.request(models.ContextReroutedMAPF, a.Departure, nil))
		if baseErr != nil {
			return nil, baseErr
		}
		r := p.router.toRoute(a.request(models.ContextReroutedMAPF, base.departure, nil), *base, models.RouteKindMAPF, stale)
		r.Success = false
		return r, nil
	}

	r := p.router.toRoute(a.request(models.ContextReroutedMAPF, pl.departure, nil), *pl, models.RouteKindMAPF, stale)
	for _, w := range p.router.windows(pl) {
		others = append(others, Occupancy{Resource: w.resource, ClientID: a.ClientID, From: w.from, To: w.to})
	}
	p.reserved = others
	return r, nil
}

// replan searches under constraints, delaying departure step by step.
func (p *Planner) replan(ctx context.Context, n *network.Network, a Agent, constraints []Constraint) (*plan, error) {
	for delay := time.Duration(0); delay <= p.opts.MaxDelay; delay += p.opts.DelayStep {
		pl, err := p.router.search(ctx, n, a.request(models.ContextMAPFPredicted, a.Departure.Add(delay), constraints))
		if err == nil {
			return pl, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	return nil, ErrUnresolved
}

// capacity returns how many agents may hold a resource at once; 0 = unbounded.
func (p *Planner) capacity(n *network.Network, resource string) int {
	switch {
	case strings.HasPrefix(resource, "stop:"):
		if s, ok := n.Stop(strings.TrimPrefix(resource, "stop:")); ok {
			return s.Capacity
		}
	case strings.HasPrefix(resource, "edge:"):
		return p.opts.LinkCapacity
	}
	return 0
}

// findConflict returns the earliest over-capacity instant among solved agents.
// Resources are scanned in name order so the result is deterministic.
func (p *Planner) findConflict(n *network.Network, states []*agentState) *conflict {
	byResource := map[string][]held{}
	for _, st := range states {
		if st.status != agentSolved {
			continue
		}
		for _, w := range p.router.windows(st.cur) {
			byResource[w.resource] = append(byResource[w.resource], held{window: w, state: st})
		}
	}

	names := make([]string, 0, len(byResource))
	for name := range byResource {
		names = append(names, name)
	}
	sort.Strings(names)

	var best *conflict
	for _, name := range names {
		hs := byResource[name]
		limit := p.capacity(n, name)
		if limit <= 0 || len(hs) <= limit {
			continue
		}
		sort.Slice(hs, func(i, j int) bool {
			if !hs[i].from.Equal(hs[j].from) {
				return hs[i].from.Before(hs[j].from)
			}
			return hs[i].state.rank < hs[j].state.rank
		})

		for _, h := range hs {
			t := h.from
			if best != nil && !t.Before(best.at) {
				break
			}
			var active []held
			for _, o := range hs {
				if !o.from.After(t) && t.Before(o.to) {
					active = append(active, o)
				}
			}
			if len(active) > limit {
				best = &conflict{resource: name, at: t, holders: active}
				break
			}
		}
	}
	return best
}

// saturated turns reservations into constraints covering every interval in
// which a resource is already at capacity.
func (p *Planner) saturated(n *network.Network, occs []Occupancy) []Constraint {
	byResource := map[string][]Occupancy{}
	for _, o := range occs {
		byResource[o.Resource] = append(byResource[o.Resource], o)
	}
	names := make([]string, 0, len(byResource))
	for name := range byResource {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Constraint
	for _, name := range names {
		limit := p.capacity(n, name)
		if limit <= 0 {
			continue
		}
		list := byResource[name]

		var bounds []time.Time
		for _, o := range list {
			bounds = append(bounds, o.From, o.To)
		}
		sort.Slice(bounds, func(i, j int) bool { return bounds[i].Before(bounds[j]) })

		for i := 0; i+1 < len(bounds); i++ {
			from, to := bounds[i], bounds[i+1]
			if !from.Before(to) {
				continue
			}
			count := 0
			for _, o := range list {
				if !o.From.After(from) && from.Before(o.To) {
					count++
				}
			}
			if count < limit {
				continue
			}
			if k := len(out) - 1; k >= 0 && out[k].Resource == name && out[k].To.Equal(from) {
				out[k].To = to
				continue
			}
			out = append(out, Constraint{Resource: name, From: from, To: to})
		}
	}
	return out
}
