package prediction

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/models"
)

const (
	dailyDecay  = 1.0 / (24 * 3600)
	weeklyDecay = 1.0 / (7 * 24 * 3600)

	defaultSpacing = 30 * time.Minute
	visitLookback  = 28 * 24 * time.Hour
)

// History is what the heuristic scorer learns from.
type History interface {
	ListPOIs(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.POI, error)
	ListHotspots(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.Hotspot, error)
	ListVisits(ctx context.Context, clientID string, since time.Time) ([]models.POIVisit, error)
}

// HeuristicScorer ranks a client's POIs without a trained model:
// rank × ln(time spent + 1) × exp(-age · decay) × pattern weight.
// Visits are spaced by the median time spent and, where a POI has a usual
// time of day, moved to its next occurrence.
type HeuristicScorer struct {
	history       History
	horizon       string
	maxCandidates int
	patternRadius float64 // degrees
	patternWeight float64
	now           func() time.Time
}

// NewHeuristicScorer creates a scorer for one horizon.
func NewHeuristicScorer(history History, horizon string, cfg config.PredictionConfig) *HeuristicScorer {
	return &HeuristicScorer{
		history:       history,
		horizon:       horizon,
		maxCandidates: cfg.MaxCandidates,
		patternRadius: cfg.PatternRadius,
		patternWeight: cfg.PatternWeight,
		now:           time.Now,
	}
}

// WithClock replaces the scorer's time source.
func (s *HeuristicScorer) WithClock(now func() time.Time) *HeuristicScorer {
	s.now = now
	return s
}

type scored struct {
	poi   models.POI
	score float64
}

// ScoreCandidates implements Scorer. Candidates come back in predicted-time order.
func (s *HeuristicScorer) ScoreCandidates(ctx context.Context, clientID string) ([]Candidate, error) {
	pois, err := s.history.ListPOIs(ctx, clientID, models.PlaceFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list POIs: %w", err)
	}
	if len(pois) == 0 {
		return nil, nil
	}
	hotspots, err := s.history.ListHotspots(ctx, clientID, models.PlaceFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list hotspots: %w", err)
	}
	now := s.now()
	visits, err := s.history.ListVisits(ctx, clientID, now.Add(-visitLookback))
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}

	decay := dailyDecay
	if s.horizon == models.HorizonWeekly {
		decay = weeklyDecay
	}

	ranked := make([]scored, 0, len(pois))
	spent := make([]float64, 0, len(pois))
	for _, p := range pois {
		age := math.Max(now.Sub(p.LastSeen).Seconds(), 0)
		weight := 1.0
		for _, h := range hotspots {
			if math.Abs(h.Lat-p.Lat) < s.patternRadius && math.Abs(h.Lon-p.Lon) < s.patternRadius {
				weight += s.patternWeight
			}
		}
		score := p.Rank * math.Log(p.TimeSpent+1) * math.Exp(-age*decay) * weight
		ranked = append(ranked, scored{poi: p, score: score})
		spent = append(spent, p.TimeSpent)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].poi.Key < ranked[j].poi.Key
	})
	if s.maxCandidates > 0 && len(ranked) > s.maxCandidates {
		ranked = ranked[:s.maxCandidates]
	}

	spacing := medianSpacing(spent)
	starts := map[string][]time.Time{}
	for _, v := range visits {
		starts[v.Key] = append(starts[v.Key], v.VisitStart)
	}

	out := make([]Candidate, 0, len(ranked))
	slot := now
	for _, r := range ranked {
		at := slot
		if tod, ok := usualTimeOfDay(starts[r.poi.Key]); ok {
			at = nextAt(slot, tod)
		}
		perVisit := r.poi.TimeSpent
		if r.poi.VisitCount > 1 {
			perVisit /= float64(r.poi.VisitCount)
		}
		out = append(out, Candidate{
			ClientID:      clientID,
			Lat:           r.poi.Lat,
			Lon:           r.poi.Lon,
			PredictedTime: at,
			Horizon:       s.horizon,
			Rank:          r.score,
			TimeSpent:     perVisit,
		})
		slot = at.Add(spacing)
	}
	return out, nil
}

// medianSpacing is the median time spent, or 30 minutes without data.
func medianSpacing(spent []float64) time.Duration {
	if len(spent) == 0 {
		return defaultSpacing
	}
	sorted := append([]float64(nil), spent...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	if median <= 0 || math.IsNaN(median) {
		return defaultSpacing
	}
	return max(time.Duration(median*float64(time.Second)).Round(time.Second), time.Second)
}
