package pattern

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Group is one k-means partition of the input.
type Group struct {
	Members []int // indices into the input, ascending
	Center  spatial.Point
}

// KMeansParams configures clustering.
type KMeansParams struct {
	K       int
	MaxIter int
}

// KMeans partitions points into at most K groups on standardized
// coordinates. Seeding is farthest-point from the first input point, so the
// result is deterministic. Fewer than K distinct points yield fewer groups.
// Groups are ordered by their first member.
func KMeans(points []spatial.Point, params KMeansParams) []Group {
	if len(points) == 0 || params.K < 1 {
		return nil
	}
	if params.MaxIter < 1 {
		params.MaxIter = 100
	}

	lats := make([]float64, len(points))
	lons := make([]float64, len(points))
	for i, p := range points {
		lats[i], lons[i] = p.Lat, p.Lon
	}
	latMean, latStd := stat.MeanStdDev(lats, nil)
	lonMean, lonStd := stat.MeanStdDev(lons, nil)
	if !(latStd > 0) {
		latStd = 1
	}
	if !(lonStd > 0) {
		lonStd = 1
	}

	xs := make([][2]float64, len(points))
	for i := range points {
		xs[i] = [2]float64{(lats[i] - latMean) / latStd, (lons[i] - lonMean) / lonStd}
	}

	centers := seed(xs, params.K)
	assign := make([]int, len(xs))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < params.MaxIter; iter++ {
		changed := false
		for i, x := range xs {
			c := nearest(centers, x)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}

		sums := make([][2]float64, len(centers))
		counts := make([]int, len(centers))
		for i, x := range xs {
			c := assign[i]
			sums[c][0] += x[0]
			sums[c][1] += x[1]
			counts[c]++
		}
		for c := range centers {
			if counts[c] > 0 {
				centers[c] = [2]float64{sums[c][0] / float64(counts[c]), sums[c][1] / float64(counts[c])}
			}
		}
	}

	groups := make([]Group, 0, len(centers))
	byCenter := make([]int, len(centers))
	for c := range byCenter {
		byCenter[c] = -1
	}
	for i, c := range assign {
		if byCenter[c] < 0 {
			byCenter[c] = len(groups)
			groups = append(groups, Group{Center: spatial.Point{
				Lat: centers[c][0]*latStd + latMean,
				Lon: centers[c][1]*lonStd + lonMean,
			}})
		}
		g := &groups[byCenter[c]]
		g.Members = append(g.Members, i)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Members[0] < groups[j].Members[0] })
	return groups
}

// seed picks up to k centers: the first point, then repeatedly the point
// farthest from every chosen center. It stops early once all points coincide
// with a center.
func seed(xs [][2]float64, k int) [][2]float64 {
	centers := [][2]float64{xs[0]}
	dist := make([]float64, len(xs))
	for i, x := range xs {
		dist[i] = sqDist(x, xs[0])
	}
	for len(centers) < k {
		far, best := -1, 0.0
		for i, d := range dist {
			if d > best {
				far, best = i, d
			}
		}
		if far < 0 {
			break
		}
		centers = append(centers, xs[far])
		for i, x := range xs {
			if d := sqDist(x, xs[far]); d < dist[i] {
				dist[i] = d
			}
		}
	}
	return centers
}

// nearest returns the closest center; ties go to the lower index.
func nearest(centers [][2]float64, x [2]float64) int {
	best, bestD := 0, sqDist(centers[0], x)
	for c := 1; c < len(centers); c++ {
		if d := sqDist(centers[c], x); d < bestD {
			best, bestD = c, d
		}
	}
	return best
}

func sqDist(a, b [2]float64) float64 {
	dx, dy := a[0]-b[0], a[1]-b[1]
	return dx*dx + dy*dy
}
