package trajectory

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

func fixAt(sec int, lat, lon float64) models.PositionFix {
	return models.PositionFix{Lat: lat, Lon: lon, Timestamp: testNow.Add(-2 * time.Hour).Add(time.Duration(sec) * time.Second)}
}

// ---------------------------------------------------------------------------
// Dwell detection
// ---------------------------------------------------------------------------

func TestDetectDwells(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		fixes  []models.PositionFix
		starts []int
	}{
		{
			name: "stationary run long enough",
			fixes: []models.PositionFix{
				fixAt(0, 59.33, 18.06), fixAt(300, 59.33002, 18.06), fixAt(600, 59.33, 18.06002),
				fixAt(900, 59.34, 18.06), fixAt(1200, 59.34, 18.06),
			},
			starts: []int{0},
		},
		{
			name: "run too short",
			fixes: []models.PositionFix{
				fixAt(0, 59.33, 18.06), fixAt(300, 59.33, 18.06), fixAt(400, 59.34, 18.06),
			},
		},
		{
			name: "drift beyond radius breaks the run",
			fixes: []models.PositionFix{
				fixAt(0, 59.33, 18.06), fixAt(300, 59.3306, 18.06), fixAt(700, 59.3306, 18.06),
			},
		},
		{
			name: "two separate dwells",
			fixes: []models.PositionFix{
				fixAt(0, 59.33, 18.06), fixAt(600, 59.33, 18.06),
				fixAt(900, 59.35, 18.06), fixAt(1600, 59.35, 18.06),
			},
			starts: []int{0, 900},
		},
		{
			name:  "single fix",
			fixes: []models.PositionFix{fixAt(0, 59.33, 18.06)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dwells := DetectDwells(tt.fixes, 50, 590*time.Second)
			require.Len(t, dwells, len(tt.starts))
			for i, d := range dwells {
				assert.Equal(t, fixAt(tt.starts[i], 0, 0).Timestamp, d.Start)
				assert.GreaterOrEqual(t, d.Duration(), 590*time.Second)
			}
		})
	}
}

func TestDetectDwells_CenterIsRunCentroid(t *testing.T) {
	t.Parallel()
	fixes := []models.PositionFix{fixAt(0, 59.3300, 18.0600), fixAt(600, 59.3302, 18.0600)}

	dwells := DetectDwells(fixes, 50, 590*time.Second)
	require.Len(t, dwells, 1)
	assert.InDelta(t, 59.3301, dwells[0].Center.Lat, 1e-9)
	assert.Equal(t, 2, dwells[0].Fixes)
}

// ---------------------------------------------------------------------------
// Aggregation cycle
// ---------------------------------------------------------------------------

func seedSession(t *testing.T, repo *repository.TelemetryRepository, id string, fixes []models.PositionFix) {
	t.Helper()
	ctx := context.Background()
	start := testNow.Add(-2 * time.Hour)
	require.NoError(t, repo.CreateSession(ctx, &models.Session{
		ID: id, ClientID: "c1", StartTime: start, ExpiresAt: start.Add(time.Hour),
	}))
	for _, f := range fixes {
		f.ClientID = "c1"
		f.SessionID = id
		_, err := repo.InsertFix(ctx, &f)
		require.NoError(t, err)
	}
	require.NoError(t, repo.CloseSession(ctx, id, start.Add(30*time.Minute)))
}

func TestAggregator_Run(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := database.NewTestDB(t)
	telemetry := repository.NewTelemetryRepository(db)

	seedSession(t, telemetry, "s1", []models.PositionFix{
		fixAt(0, 59.33, 18.06), fixAt(300, 59.33002, 18.06), fixAt(600, 59.33, 18.06002),
		fixAt(900, 59.34, 18.06), fixAt(1200, 59.34, 18.06),
	})
	seedSession(t, telemetry, "s2", []models.PositionFix{fixAt(1500, 59.34, 18.06)})

	cycle := NewAggregator(&analysis.Env{DB: db, Config: config.Default()})
	run := analysis.NewRun(0, cycle.Name(), testNow, nil)
	require.NoError(t, cycle.Run(ctx, run))

	processed, failed, total := run.Progress()
	assert.Equal(t, int64(2), processed)
	assert.Zero(t, failed)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, 1, run.Value("trajectories"))
	assert.Equal(t, 1, run.Value("visits"))

	trajs, err := repository.NewTrajectoryRepository(db).ListByClient(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, trajs, 1)
	assert.Equal(t, "s1", trajs[0].SessionID)
	assert.Equal(t, 5, trajs[0].PointCount)
	assert.Greater(t, trajs[0].DistanceMeters, 1000.0)
	assert.Contains(t, trajs[0].Fence, "POLYGON((")

	pois, err := repository.NewPlaceRepository(db).ListPOIs(ctx, "c1", models.PlaceFilter{})
	require.NoError(t, err)
	require.Len(t, pois, 1)
	assert.Equal(t, spatial.EncodeGeohash(pois[0].Lat, pois[0].Lon, 7), pois[0].Key)
	assert.Equal(t, 1, pois[0].VisitCount)
	assert.InDelta(t, 600, pois[0].TimeSpent, 1e-6)

	left, err := telemetry.ConcludedSessions(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Empty(t, left)

	// a second pass has nothing to do
	again := analysis.NewRun(0, cycle.Name(), testNow, nil)
	require.NoError(t, cycle.Run(ctx, again))
	_, _, total = again.Progress()
	assert.Zero(t, total)
}

func TestAggregator_DeadlineDefersSessions(t *testing.T) {
	t.Parallel()
	db := database.NewTestDB(t)
	telemetry := repository.NewTelemetryRepository(db)
	seedSession(t, telemetry, "s1", []models.PositionFix{fixAt(0, 59.33, 18.06), fixAt(60, 59.33, 18.06)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cycle := NewAggregator(&analysis.Env{DB: db, Config: config.Default()})
	err := cycle.Run(ctx, analysis.NewRun(0, cycle.Name(), testNow, nil))
	assert.Error(t, err)
}
