package pattern

import (
	"context"
	"fmt"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// Clusterer groups each client's trajectory history into travel patterns
type Clusterer struct {
	cfg          config.AggregatorConfig
	telemetry    *repository.TelemetryRepository
	trajectories *repository.TrajectoryRepository
	patterns     *repository.PatternRepository
}

// NewClusterer creates the travel pattern cycle
func NewClusterer(env *analysis.Env) analysis.Cycle {
	return &Clusterer{
		cfg:          env.Config.Aggregator,
		telemetry:    repository.NewTelemetryRepository(env.DB),
		trajectories: repository.NewTrajectoryRepository(env.DB),
		patterns:     repository.NewPatternRepository(env.DB),
	}
}

// Name returns the cycle name
func (c *Clusterer) Name() string {
	return analysis.CyclePatterns
}

// Run reclusters every client seen within the hotspot horizon
func (c *Clusterer) Run(ctx context.Context, run *analysis.Run) error {
	clients, err := c.telemetry.ClientIDs(ctx, run.Now.Add(-c.cfg.HotspotHorizon))
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}
	return analysis.EachParallel(ctx, run, "clients", c.cfg.Parallelism, clients, func(ctx context.Context, clientID string) error {
		return c.cluster(ctx, run, clientID)
	})
}

func (c *Clusterer) cluster(ctx context.Context, run *analysis.Run, clientID string) error {
	history, err := c.trajectories.ListByClient(ctx, clientID, c.cfg.PatternHistory)
	if err != nil {
		return err
	}

	// newest first from the store; replay in travel order
	var points []spatial.Point
	for i := len(history) - 1; i >= 0; i-- {
		points = append(points, history[i].Path...)
	}
	if len(points) == 0 {
		run.Count("no_history", 1)
		return nil
	}

	stored := 0
	for _, g := range KMeans(points, KMeansParams{K: c.cfg.PatternClusters}) {
		if len(g.Members) < 2 {
			continue
		}
		path := make([]spatial.Point, len(g.Members))
		for k, i := range g.Members {
			path[k] = points[i]
		}
		center := LineCentroid(path)
		_, err := c.patterns.UpsertPattern(ctx, &models.TravelPattern{
			ClientID:     clientID,
			ClusterIndex: stored,
			Label:        fmt.Sprintf("Cluster %d", stored+1),
			Lat:          center.Lat,
			Lon:          center.Lon,
			PointCount:   len(path),
			Path:         path,
			ObservedAt:   run.Now,
		})
		if err != nil {
			return err
		}
		stored++
	}
	run.Count("patterns", stored)

	removed, err := c.patterns.DeleteStalePatterns(ctx, clientID, run.Now)
	if err != nil {
		return err
	}
	if removed > 0 {
		logging.Component("pattern").Debug("[PatternClusterer] pruned patterns", "client_id", clientID, "removed", removed)
	}
	return nil
}

// LineCentroid is the length-weighted centroid of a polyline. A path with no
// length falls back to the plain centroid of its points.
func LineCentroid(path []spatial.Point) spatial.Point {
	if len(path) < 2 {
		return spatial.Centroid(path)
	}
	mids := make([]spatial.Point, 0, len(path)-1)
	weights := make([]float64, 0, len(path)-1)
	total := 0.0
	for i := 1; i < len(path); i++ {
		a, b := path[i-1], path[i]
		d := spatial.Distance(a, b)
		mids = append(mids, spatial.Point{Lat: (a.Lat + b.Lat) / 2, Lon: (a.Lon + b.Lon) / 2})
		weights = append(weights, d)
		total += d
	}
	if total == 0 {
		return spatial.Centroid(path)
	}
	return spatial.WeightedCentroid(mids, weights)
}

func init() {
	analysis.RegisterCycle(analysis.CyclePatterns, NewClusterer)
}
