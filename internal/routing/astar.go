package routing

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/metrics"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/spatial"
	"github.com/jengzang/urbanos-routing/internal/tracing"
)

const (
	originNode = "@origin"
	destNode   = "@dest"
)

// Network is the snapshot provider the router reads from.
type Network interface {
	Snapshot() *network.Network
	Stale(now time.Time) bool
}

// Options tunes the search.
type Options struct {
	WalkSpeed float64       // m/s on access, egress and transfer legs
	MaxSpeed  float64       // m/s bound for the heuristic
	MaxWalk   float64       // meters allowed on a single walking leg
	AccessK   int           // stops considered around origin and destination
	StopDwell time.Duration // platform occupancy per stop visit
}

// OptionsFromConfig maps routing config onto search options.
func OptionsFromConfig(cfg config.RoutingConfig) Options {
	return Options{
		WalkSpeed: cfg.WalkSpeed,
		MaxSpeed:  cfg.MaxSpeed,
		MaxWalk:   cfg.MaxWalk,
		AccessK:   cfg.AccessK,
		StopDwell: cfg.StopDwell,
	}
}

func (o Options) normalized() Options {
	if o.WalkSpeed <= 0 {
		o.WalkSpeed = 1.4
	}
	if o.MaxSpeed < o.WalkSpeed {
		o.MaxSpeed = math.Max(35, o.WalkSpeed)
	}
	if o.MaxWalk <= 0 {
		o.MaxWalk = 1500
	}
	if o.AccessK <= 0 {
		o.AccessK = 4
	}
	if o.StopDwell < time.Second {
		o.StopDwell = time.Second
	}
	return o
}

// Request describes one single-agent route computation.
type Request struct {
	ClientID    string
	Origin      spatial.Point
	Destination spatial.Point
	TargetType  models.TargetType
	StopID      string
	Departure   time.Time
	Context     models.DecisionContext
	Constraints []Constraint
}

// Constraint forbids occupying Resource during [From, To).
type Constraint struct {
	Resource string
	From     time.Time
	To       time.Time
}

func (c Constraint) overlaps(from, to time.Time) bool {
	return from.Before(c.To) && c.From.Before(to)
}

// hop is one node of a found path with its arrival instant.
type hop struct {
	node   string
	point  spatial.Point
	arrive time.Time
	edge   *network.Edge // transit or transfer edge into this node; nil on virtual legs
}

func (h hop) stop() bool { return h.node != originNode && h.node != destNode }

// plan is a path through the time-expanded graph.
type plan struct {
	hops      []hop
	departure time.Time
	seconds   float64
}

// Router is the single-agent A* router. It is stateless between calls and safe
// for concurrent use.
type Router struct {
	net  Network
	opts Options
	now  func() time.Time
}

// NewRouter creates a router over the given snapshot provider.
func NewRouter(net Network, opts Options) *Router {
	return &Router{net: net, opts: opts.normalized(), now: time.Now}
}

// Options returns the effective options.
func (r *Router) Options() Options { return r.opts }

// Route computes the fastest path for req on the current snapshot. The
// decision context is copied from the request unchanged.
func (r *Router) Route(ctx context.Context, req Request) (*models.Route, error) {
	ctx, span := tracing.Start(ctx, "routing.astar",
		attribute.String("client_id", req.ClientID),
		attribute.String("decision_context", string(req.Context)))
	defer span.End()

	if req.Departure.IsZero() {
		req.Departure = r.now()
	}
	n := r.net.Snapshot()
	stale := r.net.Stale(r.now())

	p, err := r.search(ctx, n, req)
	if err != nil {
		metrics.RouteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(models.RouteKindAStar))))
		return nil, err
	}

	route := r.toRoute(req, *p, models.RouteKindAStar, stale)
	metrics.RoutesComputed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(models.RouteKindAStar))))
	return route, nil
}

// NearestStop returns the closest stop to p within the walking limit.
func (r *Router) NearestStop(p spatial.Point) (*network.Stop, float64, bool) {
	n := r.net.Snapshot()
	for _, hit := range n.Nearest(p, 1) {
		if hit.DistanceMeters > r.opts.MaxWalk {
			break
		}
		if s, ok := n.Stop(hit.ID); ok {
			return s, hit.DistanceMeters, true
		}
	}
	return nil, 0, false
}

// StraightLine builds the last-resort record: a direct walking line with no
// network involvement.
func (r *Router) StraightLine(req Request) *models.Route {
	if req.Departure.IsZero() {
		req.Departure = r.now()
	}
	d := spatial.Distance(req.Origin, req.Destination)
	p := plan{
		departure: req.Departure,
		seconds:   d / r.opts.WalkSpeed,
		hops: []hop{
			{node: originNode, point: req.Origin, arrive: req.Departure},
			{node: destNode, point: req.Destination, arrive: addSeconds(req.Departure, d/r.opts.WalkSpeed)},
		},
	}
	route := r.toRoute(req, p, models.RouteKindAStar, true)
	return route
}

type leg struct {
	to      string
	seconds float64
	meters  float64
	edge    *network.Edge
}

type back struct {
	from string
	edge *network.Edge
}

// search runs A* from the request origin to its goal. Entering a node whose
// occupancy window violates a constraint is not allowed.
func (r *Router) search(ctx context.Context, n *network.Network, req Request) (*plan, error) {
	goal := destNode
	goalPoint := req.Destination
	if req.TargetType == models.TargetStop && req.StopID != "" {
		if s, ok := n.Stop(req.StopID); ok {
			goal = s.ID
			goalPoint = s.Point()
		}
	}

	access := r.accessLegs(n, req.Origin, goal, goalPoint)
	egress := map[string]float64{}
	if goal == destNode {
		for _, hit := range n.Nearest(goalPoint, r.opts.AccessK) {
			if hit.DistanceMeters <= r.opts.MaxWalk {
				egress[hit.ID] = hit.DistanceMeters
			}
		}
	}
	if !r.reachable(n, access, egress, goal) {
		return nil, fmt.Errorf("%w: %s", ErrNoPath, req.ClientID)
	}

	point := func(node string) spatial.Point {
		switch node {
		case originNode:
			return req.Origin
		case destNode:
			return goalPoint
		}
		s, _ := n.Stop(node)
		return s.Point()
	}
	h := func(node string) float64 {
		return spatial.Distance(point(node), goalPoint) / r.opts.MaxSpeed
	}

	bestG := map[string]float64{originNode: 0}
	bestD := map[string]float64{originNode: 0}
	prev := map[string]back{}
	closed := map[string]bool{}

	var open openSet
	open.push(originNode, 0, 0, h(originNode))

	for expanded := 0; !open.empty(); expanded++ {
		if expanded%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cur := open.pop()
		if closed[cur.node] || cur.g > bestG[cur.node] {
			continue
		}
		closed[cur.node] = true

		if cur.node == goal {
			return r.unwind(req, prev, bestG, goal, point), nil
		}

		at := addSeconds(req.Departure, cur.g)
		for _, l := range r.legs(n, cur.node, at, access, egress, goal) {
			if closed[l.to] {
				continue
			}
			arrive := addSeconds(req.Departure, cur.g+l.seconds)
			if !r.admissible(n, cur.node, l, at, arrive, req.Constraints) {
				continue
			}

			g, d := cur.g+l.seconds, cur.dist+l.meters
			if old, seen := bestG[l.to]; seen && (g > old || (g == old && d >= bestD[l.to])) {
				continue
			}
			bestG[l.to], bestD[l.to] = g, d
			prev[l.to] = back{from: cur.node, edge: l.edge}
			open.push(l.to, g, d, h(l.to))
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPath, req.ClientID)
}

// accessLegs links the origin to nearby stops, and to the goal when it is
// within walking distance.
func (r *Router) accessLegs(n *network.Network, origin spatial.Point, goal string, goalPoint spatial.Point) []leg {
	var out []leg
	seen := map[string]bool{}
	for _, hit := range n.Nearest(origin, r.opts.AccessK) {
		if hit.DistanceMeters > r.opts.MaxWalk {
			continue
		}
		seen[hit.ID] = true
		out = append(out, leg{to: hit.ID, seconds: hit.DistanceMeters / r.opts.WalkSpeed, meters: hit.DistanceMeters})
	}
	if d := spatial.Distance(origin, goalPoint); d <= r.opts.MaxWalk && !seen[goal] {
		out = append(out, leg{to: goal, seconds: d / r.opts.WalkSpeed, meters: d})
	}
	return out
}

// reachable is a fast connectivity check before searching.
func (r *Router) reachable(n *network.Network, access []leg, egress map[string]float64, goal string) bool {
	for _, a := range access {
		if a.to == goal {
			return true
		}
		if goal != destNode {
			if n.Connected(a.to, goal) {
				return true
			}
			continue
		}
		for stop := range egress {
			if n.Connected(a.to, stop) {
				return true
			}
		}
	}
	return false
}

func (r *Router) legs(n *network.Network, node string, at time.Time, access []leg, egress map[string]float64, goal string) []leg {
	if node == originNode {
		return access
	}

	var out []leg
	for _, e := range n.Edges(node) {
		w, ok := n.EdgeWeight(e, at)
		if !ok {
			continue
		}
		out = append(out, leg{to: e.To, seconds: w, meters: e.Distance, edge: e})
	}
	if goal == destNode {
		if d, ok := egress[node]; ok {
			out = append(out, leg{to: destNode, seconds: d / r.opts.WalkSpeed, meters: d})
		}
	}
	return out
}

// admissible checks closures and constraints for moving along l.
func (r *Router) admissible(n *network.Network, from string, l leg, enter, arrive time.Time, constraints []Constraint) bool {
	if l.edge == nil && l.to != destNode && n.Live().StopClosed(l.to, arrive) {
		return false
	}
	for _, w := range r.legWindows(from, l.to, l.edge, enter, arrive) {
		for _, c := range constraints {
			if c.Resource == w.resource && c.overlaps(w.from, w.to) {
				return false
			}
		}
	}
	return true
}

// window is a capacity resource held during [from, to).
type window struct {
	resource string
	from, to time.Time
}

// legWindows lists the resources held by moving from -> to. Walking legs and
// virtual nodes hold nothing; a stop is held for the dwell after arrival.
func (r *Router) legWindows(from, to string, edge *network.Edge, enter, arrive time.Time) []window {
	var out []window
	if edge != nil && !edge.Walk {
		out = append(out, window{EdgeResource(from, to), enter, arrive})
	}
	if to != originNode && to != destNode {
		out = append(out, window{StopResource(to), arrive, arrive.Add(r.opts.StopDwell)})
	}
	return out
}

// windows lists every resource a plan holds, in path order.
func (r *Router) windows(p *plan) []window {
	var out []window
	for i := 1; i < len(p.hops); i++ {
		prev, cur := p.hops[i-1], p.hops[i]
		out = append(out, r.legWindows(prev.node, cur.node, cur.edge, prev.arrive, cur.arrive)...)
	}
	return out
}

func (r *Router) unwind(req Request, prev map[string]back, bestG map[string]float64, goal string, point func(string) spatial.Point) *plan {
	var nodes []string
	var edges []*network.Edge
	for node := goal; ; {
		nodes = append(nodes, node)
		b, ok := prev[node]
		if !ok {
			break
		}
		edges = append(edges, b.edge)
		node = b.from
	}

	p := &plan{departure: req.Departure, seconds: bestG[goal]}
	for i := len(nodes) - 1; i >= 0; i-- {
		hp := hop{
			node:   nodes[i],
			point:  point(nodes[i]),
			arrive: addSeconds(req.Departure, bestG[nodes[i]]),
		}
		if i < len(nodes)-1 {
			hp.edge = edges[i]
		}
		p.hops = append(p.hops, hp)
	}
	return p
}

// toRoute converts a plan to a route record. Distance is the spherical length
// of the stored geometry and the ETA is derived from that same distance.
func (r *Router) toRoute(req Request, p plan, kind models.RouteKind, degraded bool) *models.Route {
	path := make([]spatial.Point, 0, len(p.hops)+1)
	var stopIDs []string
	for _, h := range p.hops {
		if h.stop() {
			stopIDs = append(stopIDs, h.node)
		}
		if len(path) > 0 && path[len(path)-1] == h.point {
			continue
		}
		path = append(path, h.point)
	}
	if len(path) == 1 {
		path = append(path, path[0])
	}

	dist := spatial.PathLength(path)
	avg := r.opts.WalkSpeed
	if p.seconds > 0 && dist > 0 {
		avg = dist / p.seconds
	}
	eff := 1.0
	if dist > 0 {
		eff = spatial.Distance(req.Origin, path[len(path)-1]) / dist
	}

	route := &models.Route{
		ClientID:        req.ClientID,
		Kind:            kind,
		Origin:          req.Origin,
		Destination:     req.Destination,
		TargetType:      req.TargetType,
		StopID:          req.StopID,
		Path:            path,
		StopIDs:         stopIDs,
		DistanceMeters:  dist,
		TravelSeconds:   p.seconds,
		AvgSpeedMps:     avg,
		EfficiencyScore: eff,
		DecisionContext: req.Context,
		Departure:       p.departure,
		PredictedETA:    addSeconds(p.departure, dist/avg),
		Success:         true,
		Degraded:        degraded,
	}
	if route.TargetType == "" {
		route.TargetType = models.TargetPOI
	}
	if route.TargetType == models.TargetStop && len(stopIDs) > 0 && stopIDs[len(stopIDs)-1] == req.StopID {
		route.Destination = path[len(path)-1]
	}
	for i, h := range p.hops {
		if i+1 < len(p.hops) && p.hops[i+1].edge != nil && !p.hops[i+1].edge.Walk {
			if !route.UsesTransit {
				eta := h.arrive
				route.BoardingStopID = h.node
				route.BoardingETA = &eta
			}
			route.UsesTransit = true
		}
	}
	return route
}

func addSeconds(t time.Time, s float64) time.Time {
	return t.Add(time.Duration(math.Round(s * float64(time.Second))))
}

// StopResource names the platform capacity resource of a stop.
func StopResource(stopID string) string { return "stop:" + stopID }

// EdgeResource names the link capacity resource of a directed edge.
func EdgeResource(from, to string) string { return "edge:" + from + ">" + to }
