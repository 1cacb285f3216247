package hotspot

import (
	"math"
	"strconv"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Cluster is a dense group of points found by DBSCAN.
type Cluster struct {
	Members      []int // indices into the input
	Center       spatial.Point
	RadiusMeters float64
	Density      float64 // points per square meter
}

// DBSCANParams configures clustering.
type DBSCANParams struct {
	EpsMeters float64
	MinPts    int
}

// DBSCAN clusters points by great-circle distance. Noise points belong to no
// cluster. Clusters are returned in discovery order.
func DBSCAN(points []spatial.Point, params DBSCANParams) []Cluster {
	if len(points) == 0 {
		return nil
	}

	n := len(points)
	items := make([]spatial.Item, n)
	for i, p := range points {
		items[i] = spatial.Item{ID: strconv.Itoa(i), Point: p}
	}
	index := spatial.NewIndex(items)
	region := func(i int) []int {
		hits := index.Within(points[i], params.EpsMeters)
		out := make([]int, len(hits))
		for k, h := range hits {
			out[k], _ = strconv.Atoi(h.ID)
		}
		return out
	}

	labels := make([]int, n) // 0=unvisited, -1=noise, >0=clusterID
	clusterID := 0
	for i := range n {
		if labels[i] != 0 {
			continue
		}
		neighbors := region(i)
		if len(neighbors) < params.MinPts {
			labels[i] = -1
			continue
		}

		clusterID++
		labels[i] = clusterID
		for j := 0; j < len(neighbors); j++ {
			idx := neighbors[j]
			if labels[idx] == -1 {
				labels[idx] = clusterID // border point
			}
			if labels[idx] != 0 {
				continue
			}
			labels[idx] = clusterID
			if next := region(idx); len(next) >= params.MinPts {
				neighbors = append(neighbors, next...)
			}
		}
	}

	return buildClusters(points, labels, clusterID, params.EpsMeters)
}

func buildClusters(points []spatial.Point, labels []int, maxClusterID int, eps float64) []Cluster {
	members := make([][]int, maxClusterID+1)
	for i, label := range labels {
		if label > 0 {
			members[label] = append(members[label], i)
		}
	}

	clusters := make([]Cluster, 0, maxClusterID)
	for cid := 1; cid <= maxClusterID; cid++ {
		if len(members[cid]) == 0 {
			continue
		}
		pts := make([]spatial.Point, len(members[cid]))
		for k, i := range members[cid] {
			pts[k] = points[i]
		}
		center := spatial.Centroid(pts)
		radius := spatial.MaxDistance(center, pts)
		r := math.Max(radius, eps)
		clusters = append(clusters, Cluster{
			Members:      members[cid],
			Center:       center,
			RadiusMeters: radius,
			Density:      float64(len(pts)) / (math.Pi * r * r),
		})
	}
	return clusters
}
