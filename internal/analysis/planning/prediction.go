package planning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/prediction"
	"github.com/jengzang/urbanos-routing/internal/repository"
)

// PredictionRefresh scores each recently seen client's POIs and feeds the
// candidates through the prediction adapter.
type PredictionRefresh struct {
	lookback  time.Duration
	telemetry *repository.TelemetryRepository
	adapter   *prediction.Adapter
	scorers   []prediction.Scorer
}

// NewPredictionRefresh creates the cycle with the heuristic scorer for both horizons
func NewPredictionRefresh(env *analysis.Env) analysis.Cycle {
	places := repository.NewPlaceRepository(env.DB)
	cfg := env.Config.Prediction
	return &PredictionRefresh{
		lookback:  env.Config.Schedule.Lookback,
		telemetry: repository.NewTelemetryRepository(env.DB),
		adapter:   prediction.NewAdapter(repository.NewPredictionRepository(env.DB)),
		scorers: []prediction.Scorer{
			prediction.NewHeuristicScorer(places, models.HorizonDaily, cfg).WithClock(env.Now),
			prediction.NewHeuristicScorer(places, models.HorizonWeekly, cfg).WithClock(env.Now),
		},
	}
}

// Name returns the cycle name
func (p *PredictionRefresh) Name() string {
	return analysis.CyclePrediction
}

// Run refreshes predictions client by client
func (p *PredictionRefresh) Run(ctx context.Context, run *analysis.Run) error {
	clients, err := p.telemetry.ClientIDs(ctx, run.Now.Add(-p.lookback))
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}

	return analysis.Each(ctx, run, "clients", clients, func(ctx context.Context, clientID string) error {
		var candidates []prediction.Candidate
		for _, s := range p.scorers {
			cs, err := s.ScoreCandidates(ctx, clientID)
			if err != nil {
				return err
			}
			candidates = append(candidates, cs...)
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].PredictedTime.Before(candidates[j].PredictedTime)
		})

		report := p.adapter.Ingest(ctx, run.Now, candidates)
		run.Count("accepted", report.Accepted)
		run.Count("rejected", len(report.Rejected))
		return nil
	})
}

func init() {
	analysis.RegisterCycle(analysis.CyclePrediction, NewPredictionRefresh)
}
