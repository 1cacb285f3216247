package spatial

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s2"
)

// Point represents a 2D point with latitude and longitude
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) latLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lon)
}

// Centroid calculates the geographic centroid of a set of points
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}

	var sumLat, sumLon float64
	for _, p := range points {
		sumLat += p.Lat
		sumLon += p.Lon
	}

	return Point{
		Lat: sumLat / float64(len(points)),
		Lon: sumLon / float64(len(points)),
	}
}

// WeightedCentroid calculates the weighted centroid of a set of points.
// Missing weights count as 1; an all-zero weight vector degrades to Centroid.
func WeightedCentroid(points []Point, weights []float64) Point {
	if len(points) == 0 {
		return Point{}
	}

	var sumLat, sumLon, sumWeights float64
	for i, p := range points {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		sumLat += p.Lat * w
		sumLon += p.Lon * w
		sumWeights += w
	}

	if sumWeights == 0 {
		return Centroid(points)
	}

	return Point{
		Lat: sumLat / sumWeights,
		Lon: sumLon / sumWeights,
	}
}

// MaxDistance returns the largest distance in meters from center to any point.
func MaxDistance(center Point, points []Point) float64 {
	var max float64
	for _, p := range points {
		if d := Distance(center, p); d > max {
			max = d
		}
	}
	return max
}

// PathLength calculates the total spherical length of a path in meters.
// Stored route distances are always produced by this function.
func PathLength(points []Point) float64 {
	if len(points) < 2 {
		return 0
	}

	var total float64
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

// DistanceToPath returns the distance in meters from p to the nearest point of the
// polyline. An empty path is infinitely far away.
func DistanceToPath(p Point, path []Point) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, path[0])
	}

	lls := make([]s2.LatLng, len(path))
	for i, v := range path {
		lls[i] = v.latLng()
	}
	line := s2.PolylineFromLatLngs(lls)

	target := s2.PointFromLatLng(p.latLng())
	projected, _ := line.Project(target)
	return projected.Distance(target).Radians() * EarthRadiusMeters
}

// FenceWKT returns a WKT polygon enclosing the points: a small regular buffer
// around a single point, otherwise the spherical convex hull.
func FenceWKT(points []Point, bufferMeters float64) string {
	if len(points) == 0 {
		return ""
	}

	var loop *s2.Loop
	if len(points) == 1 {
		loop = s2.RegularLoop(s2.PointFromLatLng(points[0].latLng()), metersToAngle(bufferMeters), 16)
	} else {
		q := s2.NewConvexHullQuery()
		for _, p := range points {
			q.AddPoint(s2.PointFromLatLng(p.latLng()))
		}
		loop = q.ConvexHull()
	}

	n := loop.NumVertices()
	if n == 0 {
		return ""
	}

	coords := make([]string, 0, n+1)
	for i := 0; i <= n; i++ {
		ll := s2.LatLngFromPoint(loop.Vertex(i % n))
		coords = append(coords, fmt.Sprintf("%.6f %.6f", ll.Lng.Degrees(), ll.Lat.Degrees()))
	}
	return "POLYGON((" + strings.Join(coords, ", ") + "))"
}

// RoundCoordinate rounds a point to the given number of decimals.
func RoundCoordinate(p Point, decimals int) Point {
	scale := math.Pow(10, float64(decimals))
	return Point{
		Lat: math.Round(p.Lat*scale) / scale,
		Lon: math.Round(p.Lon*scale) / scale,
	}
}
