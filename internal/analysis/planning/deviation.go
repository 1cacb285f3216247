package planning

import (
	"context"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/reroute"
)

// DeviationCheck runs one tick of the reroute engine.
type DeviationCheck struct {
	engine *reroute.Engine
}

// NewDeviationCheck creates the deviation cycle
func NewDeviationCheck(env *analysis.Env) analysis.Cycle {
	return &DeviationCheck{engine: env.Reroute}
}

// Name returns the cycle name
func (d *DeviationCheck) Name() string {
	return analysis.CycleDeviation
}

// Run evaluates every active client once
func (d *DeviationCheck) Run(ctx context.Context, run *analysis.Run) error {
	report, err := d.engine.Tick(ctx, run.Now)
	run.AddTotal(report.Evaluated)
	run.Set("evaluated", report.Evaluated)
	run.Set("rerouted", report.Rerouted)
	run.Set("events", report.Events)
	run.Set("skipped", report.Skipped)
	run.Set("failed", report.Failed)
	return err
}

func init() {
	analysis.RegisterCycle(analysis.CycleDeviation, NewDeviationCheck)
}
