package analysis

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jengzang/urbanos-routing/internal/logging"
)

// progressEvery is how many items are handled between progress writes.
const progressEvery = 50

// Each runs fn for every item in order. A failing item is counted and
// logged, never fatal to the run. When ctx expires the remaining items are
// deferred and ErrBudgetExceeded is returned.
func Each[T any](ctx context.Context, run *Run, what string, items []T, fn func(context.Context, T) error) error {
	log := logging.Component(run.Name)
	run.AddTotal(len(items))

	for i, item := range items {
		if ctx.Err() != nil {
			run.flush(ctx)
			return Deferred(len(items)-i, what)
		}
		err := fn(ctx, item)
		if err != nil && ctx.Err() == nil {
			log.Warn("[Scheduler] item failed", "cycle", run.Name, "kind", what, "error", err)
		}
		run.done(err)
		if (i+1)%progressEvery == 0 {
			run.flush(ctx)
		}
	}
	return run.flush(ctx)
}

// EachParallel is Each with up to limit items in flight. Item order is not
// preserved.
func EachParallel[T any](ctx context.Context, run *Run, what string, limit int, items []T, fn func(context.Context, T) error) error {
	if limit <= 1 {
		return Each(ctx, run, what, items, fn)
	}
	log := logging.Component(run.Name)
	run.AddTotal(len(items))

	var started atomic.Int64
	g := errgroup.Group{}
	g.SetLimit(limit)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		started.Add(1)
		g.Go(func() error {
			err := fn(ctx, item)
			if err != nil && ctx.Err() == nil {
				log.Warn("[Scheduler] item failed", "cycle", run.Name, "kind", what, "error", err)
			}
			run.done(err)
			return nil
		})
	}
	g.Wait()

	if left := len(items) - int(started.Load()); left > 0 {
		run.flush(ctx)
		return Deferred(left, what)
	}
	if ctx.Err() != nil {
		run.flush(ctx)
		return Deferred(0, what)
	}
	return run.flush(ctx)
}
