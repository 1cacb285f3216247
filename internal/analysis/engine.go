package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/reroute"
	"github.com/jengzang/urbanos-routing/internal/routing"
)

// ErrBudgetExceeded is returned by a cycle that ran out of time. Work done so
// far stays committed; the rest is picked up by the next run.
var ErrBudgetExceeded = errors.New("cycle budget exceeded")

// Cycle names
const (
	CycleTrajectory     = "trajectory_aggregation"
	CycleHotspot        = "hotspot_detection"
	CyclePatterns       = "travel_patterns"
	CycleDepartureMatch = "departure_matching"
	CyclePrediction     = "prediction_refresh"
	CyclePlanning       = "route_planning"
	CycleMAPF           = "mapf_batch"
	CycleDeviation      = "deviation_check"
	CycleSchedule       = "weekly_schedule"
	CycleRetention      = "retention"
)

// Cycle is a batch job the scheduler runs on a fixed interval
type Cycle interface {
	// Run performs one pass. It must stop at ctx's deadline and return
	// ErrBudgetExceeded (wrapped) when items were left over.
	Run(ctx context.Context, run *Run) error

	// Name returns the registered cycle name
	Name() string
}

// Env is the shared wiring handed to every cycle factory
type Env struct {
	DB      *sql.DB
	Config  *config.Config
	Network *network.Manager
	Router  *routing.Router
	Planner *routing.Planner
	Reroute *reroute.Engine
	Clock   func() time.Time
}

// Now returns the current time of the environment
func (e *Env) Now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now().UTC()
}

// CycleFactory is a function that creates a cycle instance
type CycleFactory func(env *Env) Cycle

var (
	registryMu    sync.RWMutex
	CycleRegistry = make(map[string]CycleFactory)
)

// RegisterCycle registers a cycle factory for a name
func RegisterCycle(name string, factory CycleFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	CycleRegistry[name] = factory
}

// RegisteredCycles returns the registered names in sorted order
func RegisteredCycles() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(CycleRegistry))
	for name := range CycleRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetCycle creates the cycle registered under name, or nil
func GetCycle(name string, env *Env) Cycle {
	registryMu.RLock()
	factory, ok := CycleRegistry[name]
	registryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory(env)
}

// Run tracks one execution of a cycle: its task row, item counters and the
// summary stored with the task.
type Run struct {
	TaskID int64
	Name   string
	Now    time.Time

	tasks *repository.AnalysisTaskRepository

	mu        sync.Mutex
	total     int64
	processed int64
	failed    int64
	summary   map[string]any
}

// NewRun creates a run. tasks may be nil, in which case progress is only kept
// in memory.
func NewRun(taskID int64, name string, now time.Time, tasks *repository.AnalysisTaskRepository) *Run {
	return &Run{TaskID: taskID, Name: name, Now: now, tasks: tasks, summary: map[string]any{}}
}

// AddTotal grows the number of items the run expects to handle
func (r *Run) AddTotal(n int) {
	r.mu.Lock()
	r.total += int64(n)
	r.mu.Unlock()
}

// Count adds n to a summary counter
func (r *Run) Count(key string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, _ := r.summary[key].(int)
	r.summary[key] = v + n
}

// Set stores a summary value
func (r *Run) Set(key string, v any) {
	r.mu.Lock()
	r.summary[key] = v
	r.mu.Unlock()
}

// Progress returns processed, failed and total item counts
func (r *Run) Progress() (processed, failed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed, r.failed, r.total
}

// Summary returns the summary as a JSON object
func (r *Run) Summary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, err := json.Marshal(r.summary)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Value returns a summary value
func (r *Run) Value(key string) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary[key]
}

func (r *Run) done(err error) {
	r.mu.Lock()
	if err != nil {
		r.failed++
	} else {
		r.processed++
	}
	r.mu.Unlock()
}

func (r *Run) flush(ctx context.Context) error {
	if r.tasks == nil {
		return nil
	}
	processed, failed, total := r.Progress()
	return r.tasks.UpdateProgress(context.WithoutCancel(ctx), r.TaskID, processed, failed, total)
}

// Deferred wraps ErrBudgetExceeded with the number of items left over.
func Deferred(left int, what string) error {
	return fmt.Errorf("%w: %d %s deferred", ErrBudgetExceeded, left, what)
}
