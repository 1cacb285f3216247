package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/metrics"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/tracing"
)

// Intervals maps cycle names to their configured period
func Intervals(cfg config.CycleConfig) map[string]time.Duration {
	return map[string]time.Duration{
		CycleTrajectory:     cfg.Trajectory,
		CycleHotspot:        cfg.Hotspot,
		CyclePatterns:       cfg.Patterns,
		CycleDepartureMatch: cfg.DepartureMatch,
		CyclePrediction:     cfg.Prediction,
		CyclePlanning:       cfg.Planning,
		CycleMAPF:           cfg.MAPF,
		CycleDeviation:      cfg.Deviation,
		CycleSchedule:       cfg.Schedule,
		CycleRetention:      cfg.Retention,
	}
}

type scheduled struct {
	cycle    Cycle
	interval time.Duration
}

// Scheduler runs every registered cycle on its own ticker. Runs of one cycle
// never overlap; different cycles run concurrently.
type Scheduler struct {
	env    *Env
	tasks  *repository.AnalysisTaskRepository
	budget time.Duration
	cycles map[string]scheduled

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler instantiates every registered cycle that has an interval
func NewScheduler(env *Env) *Scheduler {
	intervals := Intervals(env.Config.Cycles)
	s := &Scheduler{
		env:     env,
		tasks:   repository.NewAnalysisTaskRepository(env.DB),
		budget:  env.Config.Cycles.Budget,
		cycles:  make(map[string]scheduled),
		running: make(map[string]bool),
	}
	for _, name := range RegisteredCycles() {
		interval, ok := intervals[name]
		if !ok || interval <= 0 {
			continue
		}
		s.cycles[name] = scheduled{cycle: GetCycle(name, env), interval: interval}
	}
	return s
}

// Cycles returns the names the scheduler will run
func (s *Scheduler) Cycles() []string {
	names := make([]string, 0, len(s.cycles))
	for _, name := range RegisteredCycles() {
		if _, ok := s.cycles[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Run starts one loop per cycle and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := logging.Component("scheduler")
	var wg sync.WaitGroup
	for name, sc := range s.cycles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(sc.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := s.RunOnce(ctx, name); err != nil && ctx.Err() == nil {
						log.Error("[Scheduler] cycle failed", "cycle", name, "error", err)
					}
				}
			}
		}()
	}
	log.Info("[Scheduler] started", "cycles", len(s.cycles), "budget", s.budget)
	wg.Wait()
	log.Info("[Scheduler] stopped")
}

// RunOnce executes one pass of the named cycle and returns its task record.
// A run that exceeds the budget keeps what it committed and is recorded as
// completed with the deferred work noted in the summary.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (*models.AnalysisTask, error) {
	sc, ok := s.cycles[name]
	if !ok {
		return nil, fmt.Errorf("unknown cycle: %s", name)
	}
	if !s.acquire(name) {
		return nil, fmt.Errorf("cycle %s is already running", name)
	}
	defer s.release(name)

	log := logging.Component("scheduler")

	task := &models.AnalysisTask{SkillName: name, TaskType: models.TaskTypeIncremental}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.tasks.Start(ctx, task.ID, 0); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()
	runCtx, span := tracing.Start(runCtx, "cycle."+name, attribute.Int64("task.id", task.ID))
	defer span.End()

	started := time.Now()
	run := NewRun(task.ID, name, s.env.Now(), s.tasks)
	err := sc.cycle.Run(runCtx, run)
	elapsed := time.Since(started)

	// bookkeeping must land even when the budget context is gone
	bg := context.WithoutCancel(ctx)
	status := models.TaskStatusCompleted
	if err != nil && (errors.Is(err, ErrBudgetExceeded) || (errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil)) {
		run.Set("deferred", err.Error())
		metrics.CycleOverruns.Add(bg, 1, metric.WithAttributes(attribute.String("cycle", name)))
		log.Warn("[Scheduler] cycle over budget, remaining work deferred",
			"cycle", name, "elapsed", elapsed, "error", err)
		err = nil
	}
	run.flush(bg)

	if err != nil {
		status = models.TaskStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := s.tasks.Fail(bg, task.ID, err.Error()); ferr != nil {
			log.Error("[Scheduler] failed to record failure", "cycle", name, "error", ferr)
		}
	} else if cerr := s.tasks.Complete(bg, task.ID, run.Summary()); cerr != nil {
		return nil, cerr
	}

	attrs := metric.WithAttributes(attribute.String("cycle", name), attribute.String("status", status))
	metrics.CycleRuns.Add(bg, 1, attrs)
	metrics.CycleDuration.Record(bg, elapsed.Seconds(), attrs)

	processed, failed, _ := run.Progress()
	log.Debug("[Scheduler] cycle finished", "cycle", name, "status", status,
		"processed", processed, "failed", failed, "elapsed", elapsed)

	out, gerr := s.tasks.GetByID(bg, task.ID)
	if gerr != nil {
		return nil, gerr
	}
	if err != nil {
		return out, fmt.Errorf("cycle %s: %w", name, err)
	}
	return out, nil
}

func (s *Scheduler) acquire(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}
