package hotspot

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// coordinateDecimals is the rounding applied to hotspot keys (~11 m).
const coordinateDecimals = 4

// Detector finds each client's hotspots from recent fixes and known POIs
type Detector struct {
	cfg       config.AggregatorConfig
	telemetry *repository.TelemetryRepository
	places    *repository.PlaceRepository
}

// NewDetector creates a new hotspot detector
func NewDetector(env *analysis.Env) analysis.Cycle {
	return &Detector{
		cfg:       env.Config.Aggregator,
		telemetry: repository.NewTelemetryRepository(env.DB),
		places:    repository.NewPlaceRepository(env.DB),
	}
}

// Name returns the cycle name
func (d *Detector) Name() string {
	return analysis.CycleHotspot
}

// Run recomputes hotspots for every client seen within the horizon
func (d *Detector) Run(ctx context.Context, run *analysis.Run) error {
	clients, err := d.telemetry.ClientIDs(ctx, run.Now.Add(-d.cfg.HotspotHorizon))
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}

	var densities []float64
	err = analysis.Each(ctx, run, "clients", clients, func(ctx context.Context, clientID string) error {
		found, err := d.detect(ctx, run, clientID)
		densities = append(densities, found...)
		return err
	})
	if len(densities) > 0 {
		run.Set("mean_density", stat.Mean(densities, nil))
	}
	return err
}

func (d *Detector) detect(ctx context.Context, run *analysis.Run, clientID string) ([]float64, error) {
	fixes, err := d.telemetry.FixesSince(ctx, clientID, run.Now.Add(-d.cfg.HotspotHorizon))
	if err != nil {
		return nil, err
	}
	pois, err := d.places.ListPOIs(ctx, clientID, models.PlaceFilter{})
	if err != nil {
		return nil, err
	}

	points := make([]spatial.Point, 0, len(fixes)+len(pois))
	for _, f := range fixes {
		points = append(points, spatial.Point{Lat: f.Lat, Lon: f.Lon})
	}
	firstPOI := len(points)
	for _, p := range pois {
		points = append(points, spatial.Point{Lat: p.Lat, Lon: p.Lon})
	}

	clusters := DBSCAN(points, DBSCANParams{EpsMeters: d.cfg.HotspotEps, MinPts: d.cfg.HotspotMinPoints})
	densities := make([]float64, 0, len(clusters))
	for _, c := range clusters {
		source := models.HotspotSourceTrajectory
		for _, i := range c.Members {
			if i >= firstPOI {
				source = models.HotspotSourcePOI
				break
			}
		}
		key := spatial.RoundCoordinate(c.Center, coordinateDecimals)
		err := d.places.UpsertHotspot(ctx, &models.Hotspot{
			ClientID:     clientID,
			Lat:          key.Lat,
			Lon:          key.Lon,
			RadiusMeters: c.RadiusMeters,
			Density:      c.Density,
			PointCount:   len(c.Members),
			Type:         models.HotspotTypeHotspot,
			SourceType:   source,
			ObservedAt:   run.Now,
		})
		if err != nil {
			return densities, err
		}
		densities = append(densities, c.Density)
	}
	run.Count("hotspots", len(clusters))

	removed, err := d.places.DeleteStaleHotspots(ctx, clientID, run.Now)
	if err != nil {
		return densities, err
	}
	if removed > 0 {
		logging.Component("hotspot").Debug("[HotspotDetector] pruned hotspots", "client_id", clientID, "removed", removed)
	}
	return densities, nil
}

func init() {
	analysis.RegisterCycle(analysis.CycleHotspot, NewDetector)
}
