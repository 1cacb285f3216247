package retention

import (
	"context"
	"fmt"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/repository"
)

// Janitor deletes raw telemetry and derived rows past their retention.
// Route history is append-only and never pruned.
type Janitor struct {
	cfg          config.RetentionConfig
	telemetry    *repository.TelemetryRepository
	trajectories *repository.TrajectoryRepository
	schedules    *repository.ScheduleRepository
	patterns     *repository.PatternRepository
	tasks        *repository.AnalysisTaskRepository
}

// NewJanitor creates the retention cycle
func NewJanitor(env *analysis.Env) analysis.Cycle {
	return &Janitor{
		cfg:          env.Config.Retention,
		telemetry:    repository.NewTelemetryRepository(env.DB),
		trajectories: repository.NewTrajectoryRepository(env.DB),
		schedules:    repository.NewScheduleRepository(env.DB),
		patterns:     repository.NewPatternRepository(env.DB),
		tasks:        repository.NewAnalysisTaskRepository(env.DB),
	}
}

// Name returns the cycle name
func (j *Janitor) Name() string {
	return analysis.CycleRetention
}

// Run deletes in batches until nothing old is left or the budget runs out
func (j *Janitor) Run(ctx context.Context, run *analysis.Run) error {
	cutoff := run.Now.Add(-j.cfg.TTL)

	sessions, err := j.drain(ctx, func(ctx context.Context) (int64, error) {
		return j.telemetry.DeleteProcessedSessions(ctx, cutoff, j.cfg.BatchSize)
	})
	run.Set("sessions", sessions)
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}

	trajectories, err := j.drain(ctx, func(ctx context.Context) (int64, error) {
		return j.trajectories.DeleteBefore(ctx, cutoff, j.cfg.BatchSize)
	})
	run.Set("trajectories", trajectories)
	if err != nil {
		return fmt.Errorf("failed to prune trajectories: %w", err)
	}

	matches, err := j.drain(ctx, func(ctx context.Context) (int64, error) {
		return j.patterns.DeleteMatchesBefore(ctx, cutoff, j.cfg.BatchSize)
	})
	run.Set("departure_matches", matches)
	if err != nil {
		return fmt.Errorf("failed to prune departure matches: %w", err)
	}

	schedules, err := j.schedules.DeleteBefore(ctx, run.Now)
	if err != nil {
		return fmt.Errorf("failed to prune schedules: %w", err)
	}
	run.Set("schedule_entries", schedules)

	tasks, err := j.tasks.DeleteBefore(ctx, run.Now.Add(-j.cfg.TaskTTL))
	if err != nil {
		return fmt.Errorf("failed to prune tasks: %w", err)
	}
	run.Set("tasks", tasks)

	logging.Component("retention").Info("[Janitor] retention pass finished",
		"sessions", sessions, "trajectories", trajectories, "departure_matches", matches,
		"schedule_entries", schedules, "tasks", tasks)
	return nil
}

// drain repeats a batched delete until a batch comes back short.
func (j *Janitor) drain(ctx context.Context, batch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, analysis.Deferred(0, "batches")
		}
		n, err := batch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(j.cfg.BatchSize) {
			return total, nil
		}
	}
}

func init() {
	analysis.RegisterCycle(analysis.CycleRetention, NewJanitor)
}
