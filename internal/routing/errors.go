package routing

import "errors"

var (
	// ErrNoPath means origin and destination cannot be connected on the
	// current snapshot. Callers pick the next fallback tier.
	ErrNoPath = errors.New("no path between origin and destination")

	// ErrUnresolved means a capacity conflict could not be resolved within the
	// planner's bound; the returned route is an unconstrained fallback.
	ErrUnresolved = errors.New("capacity conflict unresolved")
)
