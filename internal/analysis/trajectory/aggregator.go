package trajectory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/database"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// fenceBuffer is the radius of the fence drawn around a single-point trajectory.
const fenceBuffer = 25.0

// Aggregator turns concluded sessions into trajectories and POI visits
type Aggregator struct {
	db        *sql.DB
	cfg       config.AggregatorConfig
	telemetry *repository.TelemetryRepository
}

// NewAggregator creates a new trajectory aggregator
func NewAggregator(env *analysis.Env) analysis.Cycle {
	return &Aggregator{
		db:        env.DB,
		cfg:       env.Config.Aggregator,
		telemetry: repository.NewTelemetryRepository(env.DB),
	}
}

// Name returns the cycle name
func (a *Aggregator) Name() string {
	return analysis.CycleTrajectory
}

// Run processes up to one batch of concluded sessions
func (a *Aggregator) Run(ctx context.Context, run *analysis.Run) error {
	sessions, err := a.telemetry.ConcludedSessions(ctx, run.Now, a.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list concluded sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	logging.Component("trajectory").Info("[TrajectoryAggregator] processing sessions", "count", len(sessions))
	return analysis.EachParallel(ctx, run, "sessions", a.cfg.Parallelism, sessions,
		func(ctx context.Context, s *models.Session) error {
			return a.aggregate(ctx, run, s)
		})
}

// aggregate reads the session's fixes, then writes its trajectory, visits and
// the processed flag in one transaction so a crash never half-applies it.
func (a *Aggregator) aggregate(ctx context.Context, run *analysis.Run, s *models.Session) error {
	fixes, err := a.telemetry.ListFixes(ctx, s.ID)
	if err != nil {
		return err
	}
	sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Timestamp.Before(fixes[j].Timestamp) })

	traj := Build(s, fixes, run.Now)
	dwells := DetectDwells(fixes, a.cfg.DwellRadius, a.cfg.MinDwell)

	return database.Transaction(ctx, a.db, func(tx *sql.Tx) error {
		if traj != nil {
			created, err := repository.NewTrajectoryRepository(tx).Create(ctx, traj)
			if err != nil {
				return err
			}
			if created {
				run.Count("trajectories", 1)
			}
		}

		places := repository.NewPlaceRepository(tx)
		keys := make(map[string]bool)
		for _, d := range dwells {
			key := spatial.EncodeGeohash(d.Center.Lat, d.Center.Lon, a.cfg.GeohashPrecision)
			recorded, err := places.RecordVisit(ctx, models.POIVisit{
				ClientID:   s.ClientID,
				Key:        key,
				SessionID:  s.ID,
				Lat:        d.Center.Lat,
				Lon:        d.Center.Lon,
				VisitStart: d.Start,
				VisitEnd:   d.End,
			})
			if err != nil {
				return err
			}
			if recorded {
				run.Count("visits", 1)
			}
			keys[key] = true
		}
		for key := range keys {
			if err := places.RefreshPOI(ctx, s.ClientID, key, models.POISourceDetected, run.Now); err != nil {
				return err
			}
		}

		return repository.NewTelemetryRepository(tx).MarkProcessed(ctx, s.ID)
	})
}

// Build assembles a trajectory from time-ordered fixes. Sessions with fewer
// than two fixes have none.
func Build(s *models.Session, fixes []models.PositionFix, now time.Time) *models.Trajectory {
	if len(fixes) < 2 {
		return nil
	}
	path := make([]spatial.Point, len(fixes))
	for i, f := range fixes {
		path[i] = spatial.Point{Lat: f.Lat, Lon: f.Lon}
	}
	return &models.Trajectory{
		SessionID:      s.ID,
		ClientID:       s.ClientID,
		StartTime:      fixes[0].Timestamp,
		EndTime:        fixes[len(fixes)-1].Timestamp,
		PointCount:     len(fixes),
		DistanceMeters: spatial.PathLength(path),
		Path:           path,
		Fence:          spatial.FenceWKT(path, fenceBuffer),
		CreatedAt:      now,
	}
}

func init() {
	analysis.RegisterCycle(analysis.CycleTrajectory, NewAggregator)
}
