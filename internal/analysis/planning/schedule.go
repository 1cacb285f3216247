package planning

import (
	"context"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/schedule"
)

// WeeklySchedule projects predictions and routes into the stored schedule.
type WeeklySchedule struct {
	lookback    time.Duration
	generator   *schedule.Generator
	telemetry   *repository.TelemetryRepository
	predictions *repository.PredictionRepository
	routes      *repository.RouteRepository
	schedules   *repository.ScheduleRepository
}

// NewWeeklySchedule creates the schedule cycle
func NewWeeklySchedule(env *analysis.Env) analysis.Cycle {
	return &WeeklySchedule{
		lookback:    env.Config.Schedule.Lookback,
		generator:   schedule.NewGenerator(env.Config.Schedule),
		telemetry:   repository.NewTelemetryRepository(env.DB),
		predictions: repository.NewPredictionRepository(env.DB),
		routes:      repository.NewRouteRepository(env.DB),
		schedules:   repository.NewScheduleRepository(env.DB),
	}
}

// Name returns the cycle name
func (w *WeeklySchedule) Name() string {
	return analysis.CycleSchedule
}

// Run rebuilds both horizons for every recently seen client
func (w *WeeklySchedule) Run(ctx context.Context, run *analysis.Run) error {
	clients, err := w.telemetry.ClientIDs(ctx, run.Now.Add(-w.lookback))
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}

	return analysis.Each(ctx, run, "clients", clients, func(ctx context.Context, clientID string) error {
		visits, err := w.predictions.ListPredictions(ctx, clientID, models.PredictionFilter{From: run.Now.UnixMilli()})
		if err != nil {
			return err
		}
		if len(visits) == 0 {
			return nil
		}
		routes, err := w.routes.RecentRoutes(ctx, clientID, run.Now.Add(-w.lookback))
		if err != nil {
			return err
		}
		for _, horizon := range []string{models.HorizonDaily, models.HorizonWeekly} {
			s := w.generator.Build(clientID, horizon, visits, routes, run.Now)
			n, err := w.schedules.SaveSchedule(ctx, s)
			if err != nil {
				return err
			}
			run.Count("entries", n)
		}
		return nil
	})
}

func init() {
	analysis.RegisterCycle(analysis.CycleSchedule, NewWeeklySchedule)
}
