package network

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Stop is a routable network node.
type Stop struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	LocationType int     `json:"location_type"`
	Capacity     int     `json:"capacity"` // concurrent agents; 0 = unbounded
}

// Point returns the stop coordinate.
func (s *Stop) Point() spatial.Point {
	return spatial.Point{Lat: s.Lat, Lon: s.Lon}
}

// Edge is a directed connection between two stops.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Seconds  float64  `json:"seconds"`  // static travel time
	Distance float64  `json:"distance"` // great-circle meters
	TripIDs  []string `json:"trip_ids,omitempty"`
	Walk     bool     `json:"walk"`

	floor float64 // Distance at max speed; no weight goes below it
}

// BuildOptions controls snapshot construction.
type BuildOptions struct {
	TransferRadius   float64
	WalkSpeed        float64
	MaxSpeed         float64
	PlatformCapacity int
}

// Network is an immutable snapshot of the transit graph. Live signals are read
// through the shared realtime layer at query time.
type Network struct {
	stops      map[string]*Stop
	ids        []string
	out        map[string][]*Edge
	index      *spatial.Index
	components map[string]int
	live       *Live
	maxSpeed   float64
	edgeCount  int

	LoadedAt time.Time
}

// Build constructs a snapshot from the static timetable.
func Build(st *Static, opts BuildOptions, live *Live, loadedAt time.Time) *Network {
	if live == nil {
		live = NewLive(10 * time.Minute)
	}
	n := &Network{
		stops:      map[string]*Stop{},
		out:        map[string][]*Edge{},
		components: map[string]int{},
		live:       live,
		maxSpeed:   opts.MaxSpeed,
		LoadedAt:   loadedAt,
	}
	if n.maxSpeed <= 0 {
		n.maxSpeed = 35
	}
	if st == nil {
		n.index = spatial.NewIndex(nil)
		return n
	}

	items := make([]spatial.Item, 0, len(st.Stops))
	for i := range st.Stops {
		s := st.Stops[i]
		if s.Capacity == 0 {
			s.Capacity = opts.PlatformCapacity
		}
		n.stops[s.ID] = &s
		n.ids = append(n.ids, s.ID)
		items = append(items, spatial.Item{ID: s.ID, Point: s.Point()})
	}
	sort.Strings(n.ids)
	n.index = spatial.NewIndex(items)

	type key struct{ from, to string }
	transit := map[key]*Edge{}
	for tripID, calls := range st.StopTimes {
		for i := 1; i < len(calls); i++ {
			prev, cur := calls[i-1], calls[i]
			a, okA := n.stops[prev.StopID]
			b, okB := n.stops[cur.StopID]
			if !okA || !okB || a.ID == b.ID {
				continue
			}
			dist := spatial.Distance(a.Point(), b.Point())
			secs := float64(cur.Arrival - prev.Departure)

			k := key{a.ID, b.ID}
			e, ok := transit[k]
			if !ok {
				e = &Edge{From: a.ID, To: b.ID, Seconds: math.Inf(1), Distance: dist}
				transit[k] = e
			}
			if secs > 0 && secs < e.Seconds {
				e.Seconds = secs
			}
			e.TripIDs = append(e.TripIDs, tripID)
		}
	}
	for _, e := range transit {
		sort.Strings(e.TripIDs)
		e.floor = e.Distance / n.maxSpeed
		if math.IsInf(e.Seconds, 1) || e.Seconds < e.floor {
			e.Seconds = e.floor
		}
		e.Seconds = math.Max(e.Seconds, 1)
		n.out[e.From] = append(n.out[e.From], e)
	}

	if opts.TransferRadius > 0 && opts.WalkSpeed > 0 {
		for _, id := range n.ids {
			s := n.stops[id]
			for _, hit := range n.index.Within(s.Point(), opts.TransferRadius) {
				if hit.ID == id {
					continue
				}
				n.out[id] = append(n.out[id], &Edge{
					From:     id,
					To:       hit.ID,
					Seconds:  math.Max(hit.DistanceMeters/opts.WalkSpeed, 1),
					Distance: hit.DistanceMeters,
					Walk:     true,
					floor:    hit.DistanceMeters / n.maxSpeed,
				})
			}
		}
	}

	for id, edges := range n.out {
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].To != edges[j].To {
				return edges[i].To < edges[j].To
			}
			return !edges[i].Walk && edges[j].Walk
		})
		n.out[id] = edges
		n.edgeCount += len(edges)
	}

	n.buildComponents()
	return n
}

// buildComponents labels weakly connected components so that unreachable
// destinations fail fast.
func (n *Network) buildComponents() {
	g := simple.NewUndirectedGraph()
	nodeID := make(map[string]int64, len(n.ids))
	for i, id := range n.ids {
		nodeID[id] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}
	for _, edges := range n.out {
		for _, e := range edges {
			u, v := nodeID[e.From], nodeID[e.To]
			if u == v || g.HasEdgeBetween(u, v) {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(u), simple.Node(v)))
		}
	}

	comps := topo.ConnectedComponents(g)
	sort.Slice(comps, func(i, j int) bool { return minNodeID(comps[i]) < minNodeID(comps[j]) })
	for label, comp := range comps {
		for _, node := range comp {
			n.components[n.ids[node.ID()]] = label
		}
	}
}

func minNodeID(nodes []graph.Node) int64 {
	min := int64(math.MaxInt64)
	for _, nd := range nodes {
		if nd.ID() < min {
			min = nd.ID()
		}
	}
	return min
}

// Len returns the number of stops.
func (n *Network) Len() int { return len(n.ids) }

// EdgeCount returns the number of directed edges.
func (n *Network) EdgeCount() int { return n.edgeCount }

// StopIDs returns all stop ids in sorted order.
func (n *Network) StopIDs() []string { return n.ids }

// Stop looks up a stop.
func (n *Network) Stop(id string) (*Stop, bool) {
	s, ok := n.stops[id]
	return s, ok
}

// Edges returns the outgoing edges of a stop in deterministic order.
func (n *Network) Edges(from string) []*Edge { return n.out[from] }

// Live returns the realtime layer the snapshot reads from.
func (n *Network) Live() *Live { return n.live }

// MaxSpeed is the speed bound used for heuristics and weight floors.
func (n *Network) MaxSpeed() float64 { return n.maxSpeed }

// Nearest returns up to k stops ordered by distance.
func (n *Network) Nearest(p spatial.Point, k int) []spatial.Hit {
	return n.index.Nearest(p, k)
}

// Within returns stops within radius meters ordered by distance.
func (n *Network) Within(p spatial.Point, radius float64) []spatial.Hit {
	return n.index.Within(p, radius)
}

// Connected reports whether two stops share a component.
func (n *Network) Connected(a, b string) bool {
	ca, okA := n.components[a]
	cb, okB := n.components[b]
	return okA && okB && ca == cb
}

// EdgeWeight returns the traversal time of e in seconds when entered at the
// given instant. The static time is adjusted by the smallest fresh delay of the
// edge's trips. ok is false when the target stop is closed or every trip on the
// edge is cancelled.
func (n *Network) EdgeWeight(e *Edge, at time.Time) (float64, bool) {
	if n.live.StopClosed(e.To, at) {
		return 0, false
	}
	if e.Walk || len(e.TripIDs) == 0 {
		return e.Seconds, true
	}

	best, running := math.Inf(1), 0
	for _, tripID := range e.TripIDs {
		if n.live.TripCancelled(tripID, at) {
			continue
		}
		running++
		delay, ok := n.live.TripDelay(tripID, at)
		if !ok {
			delay = 0
		}
		if delay < best {
			best = delay
		}
	}
	if running == 0 {
		return 0, false
	}
	return math.Max(math.Max(e.Seconds+best, e.floor), 1), true
}

// EdgeWeightBetween returns the cheapest weight of any edge from -> to.
func (n *Network) EdgeWeightBetween(from, to string, at time.Time) (float64, bool) {
	best, found := math.Inf(1), false
	for _, e := range n.out[from] {
		if e.To != to {
			continue
		}
		if w, ok := n.EdgeWeight(e, at); ok && w < best {
			best, found = w, true
		}
	}
	return best, found
}
