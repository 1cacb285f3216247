package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// Ingest
var (
	FixesAccepted  metric.Int64Counter
	FixesRejected  metric.Int64Counter
	SessionsOpened metric.Int64Counter
)

// Batch cycles
var (
	CycleRuns     metric.Int64Counter
	CycleDuration metric.Float64Histogram
	CycleOverruns metric.Int64Counter
)

// Routing
var (
	RoutesComputed  metric.Int64Counter
	RouteFailures   metric.Int64Counter
	MAPFConflicts   metric.Int64Counter
	MAPFUnresolved  metric.Int64Counter
	ReroutesWritten metric.Int64Counter
)

// Network
var (
	NetworkRefreshes metric.Int64Counter
	RealtimeEntities metric.Int64Counter
)

func initializeInstruments() error {
	var err error

	if FixesAccepted, err = Meter.Int64Counter("ingest.fixes.accepted",
		metric.WithDescription("Position fixes written"),
		metric.WithUnit("{fix}")); err != nil {
		return err
	}
	if FixesRejected, err = Meter.Int64Counter("ingest.fixes.rejected",
		metric.WithDescription("Position fixes dropped by validation"),
		metric.WithUnit("{fix}")); err != nil {
		return err
	}
	if SessionsOpened, err = Meter.Int64Counter("ingest.sessions.opened",
		metric.WithUnit("{session}")); err != nil {
		return err
	}

	if CycleRuns, err = Meter.Int64Counter("cycle.runs",
		metric.WithDescription("Batch cycle executions by name and status")); err != nil {
		return err
	}
	if CycleDuration, err = Meter.Float64Histogram("cycle.duration",
		metric.WithDescription("Batch cycle wall time"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if CycleOverruns, err = Meter.Int64Counter("cycle.overruns",
		metric.WithDescription("Cycles that hit their time budget")); err != nil {
		return err
	}

	if RoutesComputed, err = Meter.Int64Counter("routing.routes",
		metric.WithDescription("Routes appended by router kind")); err != nil {
		return err
	}
	if RouteFailures, err = Meter.Int64Counter("routing.failures",
		metric.WithDescription("Route computations that found no path")); err != nil {
		return err
	}
	if MAPFConflicts, err = Meter.Int64Counter("routing.mapf.conflicts",
		metric.WithDescription("Capacity conflicts detected during MAPF")); err != nil {
		return err
	}
	if MAPFUnresolved, err = Meter.Int64Counter("routing.mapf.unresolved",
		metric.WithDescription("Agents downgraded to unconstrained fallback")); err != nil {
		return err
	}
	if ReroutesWritten, err = Meter.Int64Counter("reroute.events",
		metric.WithDescription("Reroute events appended by reason kind")); err != nil {
		return err
	}

	if NetworkRefreshes, err = Meter.Int64Counter("network.refreshes",
		metric.WithDescription("Static network snapshot rebuilds")); err != nil {
		return err
	}
	if RealtimeEntities, err = Meter.Int64Counter("network.realtime.entities",
		metric.WithDescription("GTFS-RT entities applied by feed")); err != nil {
		return err
	}

	return nil
}
