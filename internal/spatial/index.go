package spatial

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Item is an indexed location.
type Item struct {
	ID    string
	Point Point
}

// Hit is a query result with its great-circle distance from the query point.
type Hit struct {
	Item
	DistanceMeters float64
}

// Index answers nearest and radius queries over a fixed set of items. It is
// immutable after construction and safe for concurrent readers; refreshes build
// a new Index.
type Index struct {
	tree  *kdtree.Tree
	items []Item
}

// NewIndex builds an index over items. Items are embedded on the unit sphere so
// the tree's euclidean metric is monotonic with great-circle distance.
func NewIndex(items []Item) *Index {
	ix := &Index{items: append([]Item(nil), items...)}
	if len(items) == 0 {
		return ix
	}

	pts := make(vectors, len(ix.items))
	for i, it := range ix.items {
		pts[i] = toVector(it.Point, i)
	}
	ix.tree = kdtree.New(pts, false)
	return ix
}

// Len returns the number of indexed items.
func (ix *Index) Len() int {
	return len(ix.items)
}

// Items returns the indexed items in insertion order.
func (ix *Index) Items() []Item {
	return ix.items
}

// Nearest returns up to k items ordered by distance, ties broken by ID.
func (ix *Index) Nearest(p Point, k int) []Hit {
	if ix.tree == nil || k <= 0 {
		return nil
	}

	keeper := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keeper, toVector(p, -1))
	return ix.collect(p, keeper.Heap, math.Inf(1))
}

// Within returns all items within radiusMeters of p ordered by distance.
// An empty result is a normal outcome.
func (ix *Index) Within(p Point, radiusMeters float64) []Hit {
	if ix.tree == nil || radiusMeters < 0 {
		return nil
	}

	chord := 2 * math.Sin(radiusMeters/EarthRadiusMeters/2)
	keeper := kdtree.NewDistKeeper(chord*chord*(1+1e-9) + 1e-18)
	ix.tree.NearestSet(keeper, toVector(p, -1))
	return ix.collect(p, keeper.Heap, radiusMeters)
}

func (ix *Index) collect(p Point, heap kdtree.Heap, limit float64) []Hit {
	hits := make([]Hit, 0, len(heap))
	for _, c := range heap {
		if c.Comparable == nil {
			continue
		}
		it := ix.items[c.Comparable.(vector).idx]
		d := Distance(p, it.Point)
		if d > limit {
			continue
		}
		hits = append(hits, Hit{Item: it, DistanceMeters: d})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

// vector is a point on the unit sphere carrying its item position.
type vector struct {
	xyz [3]float64
	idx int
}

func toVector(p Point, idx int) vector {
	v := s2.PointFromLatLng(p.latLng())
	return vector{xyz: [3]float64{v.X, v.Y, v.Z}, idx: idx}
}

func (v vector) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return v.xyz[d] - c.(vector).xyz[d]
}

func (v vector) Dims() int { return 3 }

// Distance is the squared chord length, as kdtree expects for its pruning bound.
func (v vector) Distance(c kdtree.Comparable) float64 {
	q := c.(vector)
	var sum float64
	for i := range v.xyz {
		d := v.xyz[i] - q.xyz[i]
		sum += d * d
	}
	return sum
}

type vectors []vector

func (vs vectors) Index(i int) kdtree.Comparable         { return vs[i] }
func (vs vectors) Len() int                              { return len(vs) }
func (vs vectors) Pivot(d kdtree.Dim) int                { return plane{Dim: d, vectors: vs}.Pivot() }
func (vs vectors) Slice(start, end int) kdtree.Interface { return vs[start:end] }

type plane struct {
	kdtree.Dim
	vectors
}

func (p plane) Less(i, j int) bool {
	return p.vectors[i].xyz[p.Dim] < p.vectors[j].xyz[p.Dim]
}

func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.vectors = p.vectors[start:end]
	return p
}

func (p plane) Swap(i, j int) {
	p.vectors[i], p.vectors[j] = p.vectors[j], p.vectors[i]
}
