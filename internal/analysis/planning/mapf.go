package planning

import (
	"context"
	"errors"
	"fmt"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/routing"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// MAPFBatch plans all active clients together so shared stops and links stay
// within capacity.
type MAPFBatch struct {
	planner     *routing.Planner
	telemetry   *repository.TelemetryRepository
	predictions *repository.PredictionRepository
	choices     *chooser
}

// NewMAPFBatch creates the multi-agent planning cycle
func NewMAPFBatch(env *analysis.Env) analysis.Cycle {
	return &MAPFBatch{
		planner:     env.Planner,
		telemetry:   repository.NewTelemetryRepository(env.DB),
		predictions: repository.NewPredictionRepository(env.DB),
		choices:     newChooser(env),
	}
}

// Name returns the cycle name
func (m *MAPFBatch) Name() string {
	return analysis.CycleMAPF
}

// Run snapshots the active clients in one query, plans them as one batch and
// appends the resulting routes.
func (m *MAPFBatch) Run(ctx context.Context, run *analysis.Run) error {
	active, err := m.telemetry.ActiveClients(ctx, run.Now)
	if err != nil {
		return fmt.Errorf("failed to list active clients: %w", err)
	}

	agents := make([]routing.Agent, 0, len(active))
	for _, c := range active {
		next, err := m.predictions.NextPrediction(ctx, c.ClientID, run.Now)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		agents = append(agents, routing.Agent{
			ClientID:     c.ClientID,
			SessionStart: c.SessionStart,
			Origin:       point(c.LatestFix),
			Destination:  spatial.Point{Lat: next.Lat, Lon: next.Lon},
			TargetType:   models.TargetPOI,
			Departure:    run.Now,
		})
	}
	if len(agents) == 0 {
		return nil
	}

	sol := m.planner.RouteAll(ctx, agents)
	run.Set("batch_id", sol.BatchID)
	run.Set("conflicts", sol.Conflicts)
	run.Set("iterations", sol.Iterations)
	run.Count("unresolved", len(sol.Unresolved))
	run.Count("no_path", len(sol.NoPath))
	if len(sol.NoPath) > 0 {
		logging.Component("planning").Debug("[MAPFBatch] agents without a path", "clients", sol.NoPath)
	}

	err = analysis.Each(ctx, run, "routes", sol.Routes, func(ctx context.Context, r *models.Route) error {
		changed, err := m.choices.commit(ctx, r, run.Now)
		if changed {
			run.Count("choices", 1)
		}
		return err
	})
	if err != nil {
		return err
	}
	if len(sol.Deferred) > 0 {
		return analysis.Deferred(len(sol.Deferred), "agents")
	}
	return nil
}

func init() {
	analysis.RegisterCycle(analysis.CycleMAPF, NewMAPFBatch)
}
