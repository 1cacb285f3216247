package network

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/logging"
	"github.com/jengzang/urbanos-routing/internal/metrics"
)

// ErrStale marks results computed on a snapshot older than its refresh bound.
var ErrStale = errors.New("network snapshot is stale")

// Manager owns the current snapshot and keeps it and the realtime layer fresh.
type Manager struct {
	cfg     config.NetworkConfig
	opts    BuildOptions
	source  StaticSource
	client  *RealtimeClient
	live    *Live
	current atomic.Pointer[Network]
	now     func() time.Time
}

// NewManager creates a manager with an empty snapshot.
func NewManager(cfg config.NetworkConfig, routing config.RoutingConfig, source StaticSource) *Manager {
	m := &Manager{
		cfg: cfg,
		opts: BuildOptions{
			TransferRadius:   cfg.TransferRadius,
			WalkSpeed:        routing.WalkSpeed,
			MaxSpeed:         routing.MaxSpeed,
			PlatformCapacity: cfg.PlatformCapacity,
		},
		source: source,
		client: NewRealtimeClient(cfg.FetchTimeout),
		live:   NewLive(cfg.LiveTTL),
		now:    time.Now,
	}
	m.current.Store(Build(nil, m.opts, m.live, time.Time{}))
	return m
}

// Snapshot returns the current network. It never returns nil.
func (m *Manager) Snapshot() *Network {
	return m.current.Load()
}

// Live returns the shared realtime layer.
func (m *Manager) Live() *Live {
	return m.live
}

// Install builds a snapshot from st and swaps it in.
func (m *Manager) Install(st *Static) *Network {
	n := Build(st, m.opts, m.live, m.now())
	m.current.Store(n)
	return n
}

// Stale reports whether the snapshot is older than the configured bound.
func (m *Manager) Stale(now time.Time) bool {
	n := m.Snapshot()
	return n.LoadedAt.IsZero() || now.Sub(n.LoadedAt) > m.cfg.MaxStaleness
}

// Refresh reloads the static timetable. On failure the previous snapshot stays.
func (m *Manager) Refresh(ctx context.Context) error {
	log := logging.Component("network")
	if m.source == nil {
		return errors.New("no static source configured")
	}

	st, err := m.source.Load(ctx)
	if err != nil {
		metrics.NetworkRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
		if m.Stale(m.now()) {
			return fmt.Errorf("failed to load static network: %w: %w", ErrStale, err)
		}
		return fmt.Errorf("failed to load static network: %w", err)
	}
	n := m.Install(st)
	metrics.NetworkRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))
	log.Info("[NetworkManager] snapshot rebuilt", "stops", n.Len(), "edges", n.EdgeCount())
	return nil
}

// RefreshRealtime fetches every configured realtime feed. A failing feed keeps
// its previous signals; the first error is returned after all feeds are tried.
func (m *Manager) RefreshRealtime(ctx context.Context) error {
	log := logging.Component("network")
	feeds := []struct {
		kind FeedKind
		url  string
	}{
		{FeedTripUpdates, m.cfg.TripUpdatesURL},
		{FeedVehiclePositions, m.cfg.VehiclePositionsURL},
		{FeedServiceAlerts, m.cfg.ServiceAlertsURL},
	}

	var firstErr error
	for _, f := range feeds {
		if f.url == "" {
			continue
		}
		fm, err := m.client.Fetch(ctx, f.url)
		if err != nil {
			log.Warn("[NetworkManager] realtime fetch failed", "feed", f.kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n := m.live.ApplyFeed(f.kind, fm, m.now())
		metrics.RealtimeEntities.Add(ctx, int64(n), metric.WithAttributes(attribute.String("feed", string(f.kind))))
		log.Debug("[NetworkManager] realtime feed applied", "feed", f.kind, "entities", n)
	}
	return firstErr
}

// Run refreshes the snapshot and realtime layer on their cycles until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	log := logging.Component("network")
	if err := m.Refresh(ctx); err != nil {
		log.Error("[NetworkManager] initial load failed", "error", err)
	}
	if err := m.RefreshRealtime(ctx); err != nil {
		log.Warn("[NetworkManager] initial realtime refresh failed", "error", err)
	}

	static := time.NewTicker(m.cfg.StaticRefresh)
	defer static.Stop()
	realtime := time.NewTicker(m.cfg.RealtimeRefresh)
	defer realtime.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-static.C:
			if err := m.Refresh(ctx); err != nil {
				log.Error("[NetworkManager] refresh failed, keeping previous snapshot", "error", err)
			}
		case <-realtime.C:
			_ = m.RefreshRealtime(ctx)
		}
	}
}

// Status is the health view of the network.
type Status struct {
	Stops    int        `json:"stops"`
	Edges    int        `json:"edges"`
	LoadedAt time.Time  `json:"loaded_at"`
	Stale    bool       `json:"stale"`
	Realtime LiveStatus `json:"realtime"`
}

// Status reports snapshot and realtime state.
func (m *Manager) Status(now time.Time) Status {
	n := m.Snapshot()
	return Status{
		Stops:    n.Len(),
		Edges:    n.EdgeCount(),
		LoadedAt: n.LoadedAt,
		Stale:    m.Stale(now),
		Realtime: m.live.Status(),
	}
}
