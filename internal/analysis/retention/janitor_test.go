package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/urbanos-routing/internal/analysis"
	"github.com/jengzang/urbanos-routing/internal/config"
	"github.com/jengzang/urbanos-routing/internal/database"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func TestJanitor_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := database.NewTestDB(t)
	telemetry := repository.NewTelemetryRepository(db)
	trajectories := repository.NewTrajectoryRepository(db)

	seed := func(id string, start time.Time, processed bool) {
		require.NoError(t, telemetry.CreateSession(ctx, &models.Session{
			ID: id, ClientID: id, StartTime: start, ExpiresAt: start.Add(time.Hour),
		}))
		_, err := telemetry.InsertFix(ctx, &models.PositionFix{
			ClientID: id, SessionID: id, Lat: 59.33, Lon: 18.06, Timestamp: start.Add(time.Minute),
		})
		require.NoError(t, err)
		if processed {
			require.NoError(t, telemetry.MarkProcessed(ctx, id))
		}
		_, err = trajectories.Create(ctx, &models.Trajectory{
			SessionID: id, ClientID: id, StartTime: start, EndTime: start.Add(time.Hour), PointCount: 2,
			Path: []spatial.Point{{Lat: 59.33, Lon: 18.06}, {Lat: 59.34, Lon: 18.06}},
		})
		require.NoError(t, err)
	}
	seed("old-1", testNow.Add(-40*24*time.Hour), true)
	seed("old-2", testNow.Add(-39*24*time.Hour), true)
	seed("old-3", testNow.Add(-38*24*time.Hour), true)
	seed("old-pending", testNow.Add(-37*24*time.Hour), false)
	seed("recent", testNow.Add(-24*time.Hour), true)

	cfg := config.Default()
	cfg.Retention.BatchSize = 1
	cycle := NewJanitor(&analysis.Env{DB: db, Config: cfg})
	run := analysis.NewRun(0, cycle.Name(), testNow, nil)
	require.NoError(t, cycle.Run(ctx, run))

	assert.Equal(t, int64(3), run.Value("sessions"))
	assert.Equal(t, int64(4), run.Value("trajectories"))

	fixes, err := telemetry.ListFixes(ctx, "old-1")
	require.NoError(t, err)
	assert.Empty(t, fixes)

	// unprocessed sessions are kept until aggregated
	fixes, err = telemetry.ListFixes(ctx, "old-pending")
	require.NoError(t, err)
	assert.Len(t, fixes, 1)

	left, err := trajectories.ListByClient(ctx, "recent", 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestJanitor_PrunesDepartureMatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := database.NewTestDB(t)
	patterns := repository.NewPatternRepository(db)

	for i, eta := range []time.Time{testNow.Add(-30 * 24 * time.Hour), testNow.Add(-29 * 24 * time.Hour), testNow.Add(-time.Hour)} {
		_, err := patterns.RecordMatch(ctx, &models.DepartureMatch{
			ClientID: "c1", PatternID: int64(i + 1), StopID: "A", TripID: "T1", MatchedETA: eta, CreatedAt: eta,
		})
		require.NoError(t, err)
	}

	cfg := config.Default()
	cfg.Retention.BatchSize = 1
	cycle := NewJanitor(&analysis.Env{DB: db, Config: cfg})
	run := analysis.NewRun(0, cycle.Name(), testNow, nil)
	require.NoError(t, cycle.Run(ctx, run))
	assert.Equal(t, int64(2), run.Value("departure_matches"))

	left, err := patterns.ListMatches(ctx, "c1", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, testNow.Add(-time.Hour), left[0].MatchedETA)
}

func TestJanitor_StopsAtDeadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cycle := NewJanitor(&analysis.Env{DB: database.NewTestDB(t), Config: config.Default()})
	err := cycle.Run(ctx, analysis.NewRun(0, cycle.Name(), testNow, nil))
	assert.ErrorIs(t, err, analysis.ErrBudgetExceeded)
}
