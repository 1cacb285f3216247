package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/network"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// StopFinder resolves the stop nearest a point within walking range.
type StopFinder interface {
	NearestStop(p spatial.Point) (*network.Stop, float64, bool)
}

// Departures exposes live departures at stops.
type Departures interface {
	NextDeparture(stopID string, after time.Time) (network.Departure, bool)
}

// Matcher pairs travel patterns with the next live departure near them
type Matcher struct {
	cfg        config.AggregatorConfig
	stops      StopFinder
	departures Departures
	patterns   *repository.PatternRepository
}

// NewMatcher creates the departure matching cycle
func NewMatcher(env *analysis.Env) analysis.Cycle {
	m := &Matcher{
		cfg:      env.Config.Aggregator,
		patterns: repository.NewPatternRepository(env.DB),
	}
	if env.Router != nil {
		m.stops = env.Router
	}
	if env.Network != nil {
		m.departures = env.Network.Live()
	}
	return m
}

// Name returns the cycle name
func (m *Matcher) Name() string {
	return analysis.CycleDepartureMatch
}

// Run matches every recent pattern. Departures beyond the match window are
// left for a later run.
func (m *Matcher) Run(ctx context.Context, run *analysis.Run) error {
	if m.stops == nil || m.departures == nil {
		run.Set("skipped", "no network")
		return nil
	}
	patterns, err := m.patterns.RecentPatterns(ctx, run.Now.Add(-m.cfg.HotspotHorizon), 0)
	if err != nil {
		return fmt.Errorf("failed to list patterns: %w", err)
	}
	return analysis.Each(ctx, run, "patterns", patterns, func(ctx context.Context, p models.TravelPattern) error {
		return m.match(ctx, run, p)
	})
}

func (m *Matcher) match(ctx context.Context, run *analysis.Run, p models.TravelPattern) error {
	stop, dist, ok := m.stops.NearestStop(spatial.Point{Lat: p.Lat, Lon: p.Lon})
	if !ok {
		run.Count("no_stop", 1)
		return nil
	}
	dep, ok := m.departures.NextDeparture(stop.ID, run.Now)
	if !ok || dep.Time.After(run.Now.Add(m.cfg.MatchWindow)) {
		run.Count("no_departure", 1)
		return nil
	}

	inserted, err := m.patterns.RecordMatch(ctx, &models.DepartureMatch{
		ClientID:       p.ClientID,
		PatternID:      p.ID,
		StopID:         stop.ID,
		TripID:         dep.TripID,
		DistanceMeters: dist,
		MatchedETA:     dep.Time,
		CreatedAt:      run.Now,
	})
	if err != nil {
		return err
	}
	if inserted {
		run.Count("matches", 1)
	}
	return nil
}

func init() {
	analysis.RegisterCycle(analysis.CycleDepartureMatch, NewMatcher)
}
