package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/urbanos-routing/internal/database"
	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/spatial"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func openSession(t *testing.T, repo *TelemetryRepository, id, clientID string, start time.Time) *models.Session {
	t.Helper()
	s := &models.Session{ID: id, ClientID: clientID, StartTime: start, ExpiresAt: start.Add(time.Hour)}
	require.NoError(t, repo.CreateSession(context.Background(), s))
	return s
}

func fix(clientID, sessionID string, at time.Time, lat float64) *models.PositionFix {
	return &models.PositionFix{ClientID: clientID, SessionID: sessionID, Lat: lat, Lon: 18.06, Timestamp: at}
}

// ---------------------------------------------------------------------------
// Telemetry
// ---------------------------------------------------------------------------

func TestTelemetry_SessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTelemetryRepository(database.NewTestDB(t))

	got, err := repo.OpenSession(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	openSession(t, repo, "s1", "c1", testNow)
	got, err = repo.OpenSession(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, testNow, got.StartTime)
	assert.True(t, got.Open(testNow.Add(time.Minute)))

	// one open session per client
	err = repo.CreateSession(ctx, &models.Session{ID: "s2", ClientID: "c1", StartTime: testNow, ExpiresAt: testNow})
	assert.Error(t, err)

	require.NoError(t, repo.CloseSession(ctx, "s1", testNow.Add(time.Minute)))
	got, err = repo.OpenSession(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
	openSession(t, repo, "s2", "c1", testNow.Add(2*time.Minute))
}

func TestTelemetry_InsertFixRejectsDuplicateTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTelemetryRepository(database.NewTestDB(t))
	openSession(t, repo, "s1", "c1", testNow)

	speed := 1.2
	f := fix("c1", "s1", testNow, 59.33)
	f.Speed = &speed
	ok, err := repo.InsertFix(ctx, f)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotZero(t, f.ID)

	ok, err = repo.InsertFix(ctx, fix("c1", "s1", testNow, 59.34))
	require.NoError(t, err)
	assert.False(t, ok)

	latest, found, err := repo.LatestFixTime(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testNow, latest)

	fixes, err := repo.ListFixes(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, fixes, 1)
	assert.Equal(t, 59.33, fixes[0].Lat)
	require.NotNil(t, fixes[0].Speed)
	assert.Equal(t, 1.2, *fixes[0].Speed)
	assert.Nil(t, fixes[0].Elevation)

	_, found, err = repo.LatestFixTime(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestTelemetry_ActiveClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTelemetryRepository(database.NewTestDB(t))

	openSession(t, repo, "s-late", "a", testNow.Add(time.Minute))
	openSession(t, repo, "s-early", "b", testNow)
	openSession(t, repo, "s-empty", "c", testNow)
	for i, lat := range []float64{59.30, 59.31, 59.32} {
		_, err := repo.InsertFix(ctx, fix("b", "s-early", testNow.Add(time.Duration(i)*time.Second), lat))
		require.NoError(t, err)
	}
	_, err := repo.InsertFix(ctx, fix("a", "s-late", testNow.Add(time.Minute), 59.40))
	require.NoError(t, err)

	active, err := repo.ActiveClients(ctx, testNow.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 2, "sessions without fixes are not active")
	assert.Equal(t, "b", active[0].ClientID)
	assert.Equal(t, 59.32, active[0].LatestFix.Lat)
	assert.Equal(t, testNow.Add(2*time.Second), active[0].LatestFix.Timestamp)
	assert.Equal(t, "a", active[1].ClientID)
	assert.Equal(t, testNow.Add(time.Minute), active[1].SessionStart)

	// b's session expires at +1h, a's at +1h01m
	active, err = repo.ActiveClients(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ClientID)
}

func TestTelemetry_ConcludeAndRetain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTelemetryRepository(database.NewTestDB(t))

	openSession(t, repo, "expired", "a", testNow.Add(-2*time.Hour))
	openSession(t, repo, "open", "b", testNow)
	openSession(t, repo, "closed", "c", testNow)
	require.NoError(t, repo.CloseSession(ctx, "closed", testNow.Add(time.Minute)))
	_, err := repo.InsertFix(ctx, fix("a", "expired", testNow.Add(-2*time.Hour), 59.33))
	require.NoError(t, err)

	done, err := repo.ConcludedSessions(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, "expired", done[0].ID)
	assert.Equal(t, "closed", done[1].ID)

	require.NoError(t, repo.MarkProcessed(ctx, "expired"))
	done, err = repo.ConcludedSessions(ctx, testNow, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)

	// the expired session was closed at its expiry, so a gets a fresh one
	openSession(t, repo, "next", "a", testNow)

	ids, err := repo.ClientIDs(ctx, testNow.Add(-3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	n, err := repo.DeleteProcessedSessions(ctx, testNow, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	fixes, err := repo.ListFixes(ctx, "expired")
	require.NoError(t, err)
	assert.Empty(t, fixes)
}

// ---------------------------------------------------------------------------
// Trajectories
// ---------------------------------------------------------------------------

func TestTrajectory_OnePerSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewTrajectoryRepository(database.NewTestDB(t))

	path := []spatial.Point{{Lat: 59.33, Lon: 18.06}, {Lat: 59.34, Lon: 18.06}}
	tr := &models.Trajectory{
		SessionID: "s1", ClientID: "c1", StartTime: testNow, EndTime: testNow.Add(time.Hour),
		PointCount: 2, DistanceMeters: spatial.PathLength(path), Path: path, Fence: "POLYGON EMPTY",
	}
	ok, err := repo.Create(ctx, tr)
	require.NoError(t, err)
	assert.True(t, ok)

	dup := *tr
	dup.PointCount = 99
	ok, err = repo.Create(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := repo.ListByClient(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 2, list[0].PointCount)
	if diff := cmp.Diff(path, list[0].Path); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}

	n, err := repo.DeleteBefore(ctx, testNow.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// ---------------------------------------------------------------------------
// Places
// ---------------------------------------------------------------------------

func TestPlace_VisitsAggregateIntoPOI(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewPlaceRepository(database.NewTestDB(t))

	visits := []models.POIVisit{
		{ClientID: "c1", Key: "u6sce0t", SessionID: "s1", Lat: 59.3300, Lon: 18.0600, VisitStart: testNow, VisitEnd: testNow.Add(time.Hour)},
		{ClientID: "c1", Key: "u6sce0t", SessionID: "s2", Lat: 59.3302, Lon: 18.0600, VisitStart: testNow.Add(24 * time.Hour), VisitEnd: testNow.Add(26 * time.Hour)},
	}
	for _, v := range visits {
		ok, err := repo.RecordVisit(ctx, v)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := repo.RecordVisit(ctx, visits[0])
	require.NoError(t, err)
	assert.False(t, ok, "replayed run must not count twice")

	require.NoError(t, repo.RefreshPOI(ctx, "c1", "u6sce0t", models.POISourceDetected, testNow))
	require.NoError(t, repo.RefreshPOI(ctx, "c1", "u6sce0t", models.POISourceDetected, testNow))

	pois, err := repo.ListPOIs(ctx, "c1", models.PlaceFilter{})
	require.NoError(t, err)
	require.Len(t, pois, 1)
	p := pois[0]
	assert.Equal(t, 2, p.VisitCount)
	assert.InDelta(t, 3*3600.0, p.TimeSpent, 1e-9)
	assert.InDelta(t, 3.0, p.Rank, 1e-9)
	assert.InDelta(t, 59.3301, p.Lat, 1e-9)
	assert.Equal(t, testNow, p.VisitStart)
	assert.Equal(t, testNow.Add(26*time.Hour), p.LastSeen)

	pois, err = repo.ListPOIs(ctx, "c1", models.PlaceFilter{MinRank: 4})
	require.NoError(t, err)
	assert.Empty(t, pois)

	got, err := repo.ListVisits(ctx, "c1", testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s2", got[0].SessionID)
	assert.Equal(t, 2*time.Hour, got[0].Duration())
}

func TestPlace_HotspotUpsertAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewPlaceRepository(database.NewTestDB(t))

	h := &models.Hotspot{
		ClientID: "c1", Lat: 59.3300, Lon: 18.0600, RadiusMeters: 80, Density: 0.001, PointCount: 12,
		Type: models.HotspotTypeHotspot, SourceType: models.HotspotSourceTrajectory, ObservedAt: testNow,
	}
	require.NoError(t, repo.UpsertHotspot(ctx, h))
	h.PointCount = 20
	require.NoError(t, repo.UpsertHotspot(ctx, h))

	old := *h
	old.Lat, old.PointCount, old.ObservedAt = 59.3400, 6, testNow.Add(-time.Hour)
	require.NoError(t, repo.UpsertHotspot(ctx, &old))

	list, err := repo.ListHotspots(ctx, "c1", models.PlaceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 20, list[0].PointCount)

	n, err := repo.DeleteStaleHotspots(ctx, "c1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	list, err = repo.ListHotspots(ctx, "c1", models.PlaceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 59.3300, list[0].Lat)
}

func TestPlace_HotspotOlderObservationKeepsNewer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewPlaceRepository(database.NewTestDB(t))

	newer := &models.Hotspot{
		ClientID: "c1", Lat: 59.3300, Lon: 18.0600, RadiusMeters: 80, Density: 0.002, PointCount: 20,
		Type: models.HotspotTypeHotspot, SourceType: models.HotspotSourceTrajectory, ObservedAt: testNow,
	}
	require.NoError(t, repo.UpsertHotspot(ctx, newer))

	older := *newer
	older.PointCount, older.Density, older.ObservedAt = 5, 0.0005, testNow.Add(-time.Hour)
	require.NoError(t, repo.UpsertHotspot(ctx, &older))

	list, err := repo.ListHotspots(ctx, "c1", models.PlaceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 20, list[0].PointCount)
	assert.Equal(t, testNow, list[0].ObservedAt)

	// the same observation time still refreshes
	same := *newer
	same.PointCount = 25
	require.NoError(t, repo.UpsertHotspot(ctx, &same))
	list, err = repo.ListHotspots(ctx, "c1", models.PlaceFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 25, list[0].PointCount)
}

// ---------------------------------------------------------------------------
// Travel patterns
// ---------------------------------------------------------------------------

func TestPattern_UpsertKeepsNewestObservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewPatternRepository(database.NewTestDB(t))

	p := &models.TravelPattern{
		ClientID: "c1", ClusterIndex: 0, Label: "Cluster 1", Lat: 59.33, Lon: 18.06, PointCount: 4,
		Path: []spatial.Point{{Lat: 59.33, Lon: 18.06}, {Lat: 59.34, Lon: 18.06}}, ObservedAt: testNow,
	}
	written, err := repo.UpsertPattern(ctx, p)
	require.NoError(t, err)
	assert.True(t, written)
	require.NotZero(t, p.ID)

	older := *p
	older.ID, older.PointCount, older.ObservedAt = 0, 2, testNow.Add(-time.Hour)
	written, err = repo.UpsertPattern(ctx, &older)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, p.ID, older.ID)

	got, err := repo.ListPatterns(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].PointCount)
	assert.Equal(t, p.Path, got[0].Path)

	n, err := repo.DeleteStalePatterns(ctx, "c1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPattern_RecordMatchOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewPatternRepository(database.NewTestDB(t))

	m := models.DepartureMatch{
		ClientID: "c1", PatternID: 7, StopID: "A", TripID: "T1", DistanceMeters: 40,
		MatchedETA: testNow.Add(10 * time.Minute), CreatedAt: testNow,
	}
	first := m
	inserted, err := repo.RecordMatch(ctx, &first)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, first.ID)

	again := m
	inserted, err = repo.RecordMatch(ctx, &again)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := repo.ListMatches(ctx, "c1", testNow, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.MatchedETA, got[0].MatchedETA)

	got, err = repo.ListMatches(ctx, "c1", testNow.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// ---------------------------------------------------------------------------
// Predictions
// ---------------------------------------------------------------------------

func TestPrediction_UpsertExpireAndNext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewPredictionRepository(database.NewTestDB(t))

	put := func(at time.Time, lat float64, horizon string) {
		t.Helper()
		require.NoError(t, repo.UpsertPrediction(ctx, &models.PredictedVisit{
			ClientID: "c1", Lat: lat, Lon: 18.06, PredictedTime: at, Horizon: horizon, Rank: 1,
		}))
	}
	put(testNow.Add(-time.Hour), 59.30, models.HorizonDaily)
	put(testNow.Add(time.Hour), 59.31, models.HorizonDaily)
	put(testNow.Add(time.Hour), 59.32, models.HorizonDaily) // same time, last write wins
	put(testNow.Add(3*time.Hour), 59.33, models.HorizonWeekly)

	n, err := repo.DeleteExpiredPredictions(ctx, "c1", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := repo.ListPredictions(ctx, "c1", models.PredictionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 59.32, all[0].Lat)

	weekly, err := repo.ListPredictions(ctx, "c1", models.PredictionFilter{Horizon: models.HorizonWeekly})
	require.NoError(t, err)
	require.Len(t, weekly, 1)

	next, err := repo.NextPrediction(ctx, "c1", testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(3*time.Hour), next.PredictedTime)

	_, err = repo.NextPrediction(ctx, "c1", testNow.Add(4*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

// ---------------------------------------------------------------------------
// Routes
// ---------------------------------------------------------------------------

func testRoute(ctxTag models.DecisionContext, created time.Time) *models.Route {
	eta := created.Add(5 * time.Minute)
	return &models.Route{
		ClientID:        "c1",
		Origin:          spatial.Point{Lat: 59.33, Lon: 18.06},
		Destination:     spatial.Point{Lat: 59.34, Lon: 18.06},
		TargetType:      models.TargetPOI,
		Path:            []spatial.Point{{Lat: 59.33, Lon: 18.06}, {Lat: 59.34, Lon: 18.06}},
		StopIDs:         []string{"A", "B"},
		DistanceMeters:  1112,
		TravelSeconds:   600,
		DecisionContext: ctxTag,
		Departure:       created,
		PredictedETA:    created.Add(10 * time.Minute),
		BoardingStopID:  "A",
		BoardingETA:     &eta,
		UsesTransit:     true,
		Success:         true,
		CreatedAt:       created,
	}
}

func TestRoute_CreateAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewRouteRepository(database.NewTestDB(t))

	has, err := repo.HasRoutes(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, has)

	for i := range 3 {
		_, err := repo.CreateAStarRoute(ctx, testRoute(models.ContextRoutedToPOI, testNow.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	m := testRoute(models.ContextMAPFPredicted, testNow)
	m.BatchID, m.Success = "batch-1", false
	id, err := repo.CreateMAPFRoute(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)

	has, err = repo.HasRoutes(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, has)

	page, total, err := repo.ListRoutes(ctx, models.RouteKindAStar, "c1", models.RouteFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	assert.Equal(t, testNow.Add(2*time.Minute), page[0].CreatedAt)
	assert.Equal(t, []string{"A", "B"}, page[0].StopIDs)
	require.NotNil(t, page[0].BoardingETA)
	assert.True(t, page[0].UsesTransit)
	assert.True(t, page[0].Success)

	mapf, _, err := repo.ListRoutes(ctx, models.RouteKindMAPF, "c1", models.RouteFilter{})
	require.NoError(t, err)
	require.Len(t, mapf, 1)
	assert.Equal(t, "batch-1", mapf[0].BatchID)
	assert.False(t, mapf[0].Success)
	assert.Equal(t, models.RouteKindMAPF, mapf[0].Kind)

	recent, err := repo.RecentRoutes(ctx, "c1", testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRoute_RejectsForeignContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewRouteRepository(database.NewTestDB(t))

	_, err := repo.CreateAStarRoute(ctx, testRoute(models.ContextMAPFPredicted, testNow))
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "decision_context", verr.Field)

	_, err = repo.CreateMAPFRoute(ctx, testRoute(models.ContextRoutedToPOI, testNow))
	assert.True(t, errors.As(err, &verr))
}

func TestRoute_HistoryIsAppendOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := database.NewTestDB(t)
	repo := NewRouteRepository(conn)

	route := testRoute(models.ContextRoutedToPOI, testNow)
	id, err := repo.CreateAStarRoute(ctx, route)
	require.NoError(t, err)
	choice := models.ChoiceFromRoute(route, models.SegmentDirect)
	_, err = repo.CreateChoice(ctx, choice)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, "UPDATE astar_routes SET distance_m = 0 WHERE id = ?", id)
	assert.ErrorContains(t, err, "append-only")
	_, err = conn.ExecContext(ctx, "UPDATE route_choices SET segment_type = 'fallback' WHERE id = ?", choice.ID)
	assert.ErrorContains(t, err, "append-only")
}

func TestRoute_CurrentChoiceProjection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewRouteRepository(database.NewTestDB(t))

	got, err := repo.CurrentChoice(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	route := testRoute(models.ContextRoutedToPOI, testNow)
	_, err = repo.CreateAStarRoute(ctx, route)
	require.NoError(t, err)
	choice := models.ChoiceFromRoute(route, models.SegmentMultimodal)
	choice.CreatedAt = testNow
	_, err = repo.CreateChoice(ctx, choice)
	require.NoError(t, err)

	got, err = repo.CurrentChoice(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, route.ID, got.RouteID)
	assert.Equal(t, models.SegmentMultimodal, got.SegmentType)
	require.NotNil(t, got.BoardingETA)
	assert.Equal(t, *route.BoardingETA, *got.BoardingETA)

	// unchosen events never move the projection
	_, err = repo.CreateReroute(ctx, &models.RerouteEvent{
		ClientID: "c1", Reason: "off-path-80m", Chosen: false,
		DecisionContext: models.ContextDeviationDetected, CreatedAt: testNow.Add(time.Minute),
	})
	require.NoError(t, err)
	got, err = repo.CurrentChoice(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, choice.ID, got.ID)

	rerouted := testRoute(models.ContextDeviationDetected, testNow.Add(2*time.Minute))
	rerouted.Path = []spatial.Point{{Lat: 59.335, Lon: 18.07}, {Lat: 59.34, Lon: 18.06}}
	_, err = repo.CreateAStarRoute(ctx, rerouted)
	require.NoError(t, err)
	_, err = repo.CreateReroute(ctx, &models.RerouteEvent{
		ClientID: "c1", RouteKind: models.RouteKindAStar, RouteID: rerouted.ID, SegmentType: models.SegmentDirect,
		Destination: rerouted.Destination, Path: rerouted.Path, PredictedETA: rerouted.PredictedETA,
		Reason: "off-path-80m", Chosen: true, DecisionContext: models.ContextDeviationDetected,
		CreatedAt: testNow.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	got, err = repo.CurrentChoice(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, rerouted.ID, got.RouteID)
	assert.Equal(t, models.SegmentDirect, got.SegmentType)
	assert.True(t, models.SamePath(rerouted.Path, got.Path))
	assert.Nil(t, got.BoardingETA)

	events, total, err := repo.ListReroutes(ctx, "c1", models.RouteFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, events, 2)
	assert.True(t, events[0].Chosen)
	assert.False(t, events[1].Chosen)
}

// ---------------------------------------------------------------------------
// Schedule
// ---------------------------------------------------------------------------

func TestSchedule_SaveUpsertsEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewScheduleRepository(database.NewTestDB(t))

	eta := testNow.Add(50 * time.Minute)
	s := models.WeeklySchedule{
		ClientID: "c1", Horizon: models.HorizonWeekly, GeneratedAt: testNow,
		Entries: []models.ScheduleEntry{
			{PredictedTime: testNow.Add(time.Hour), Weekday: time.Monday, Destination: spatial.Point{Lat: 59.34, Lon: 18.06}, Rank: 2},
			{PredictedTime: testNow.Add(25 * time.Hour), Weekday: time.Tuesday, Destination: spatial.Point{Lat: 59.35, Lon: 18.07}, Rank: 1},
		},
	}
	n, err := repo.SaveSchedule(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s.GeneratedAt = testNow.Add(time.Hour)
	s.Entries[0].RouteKind = models.RouteKindMAPF
	s.Entries[0].RouteID = 7
	s.Entries[0].PredictedETA = &eta
	_, err = repo.SaveSchedule(ctx, s)
	require.NoError(t, err)

	got, err := repo.GetSchedule(ctx, "c1", models.HorizonWeekly, testNow)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, testNow.Add(time.Hour), got.GeneratedAt)
	assert.True(t, got.Entries[0].Routed())
	assert.Equal(t, eta, *got.Entries[0].PredictedETA)
	assert.Equal(t, time.Tuesday, got.Entries[1].Weekday)
	assert.False(t, got.Entries[1].Routed())

	removed, err := repo.DeleteBefore(ctx, testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

// ---------------------------------------------------------------------------
// Analysis tasks
// ---------------------------------------------------------------------------

func TestAnalysisTask_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewAnalysisTaskRepository(database.NewTestDB(t))

	task := &models.AnalysisTask{SkillName: "trajectory_aggregation", TaskType: models.TaskTypeIncremental}
	require.NoError(t, repo.Create(ctx, task))
	require.NotZero(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	require.NoError(t, repo.Start(ctx, task.ID, 4))
	require.NoError(t, repo.UpdateProgress(ctx, task.ID, 1, 1, 4))
	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.InDelta(t, 50.0, got.ProgressPercent, 1e-9)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, repo.Complete(ctx, task.ID, `{"sessions":4}`))
	failed := &models.AnalysisTask{SkillName: "hotspot_detection", TaskType: models.TaskTypeIncremental}
	require.NoError(t, repo.Create(ctx, failed))
	require.NoError(t, repo.Fail(ctx, failed.ID, "boom"))

	list, err := repo.List(ctx, models.TaskFilter{Status: models.TaskStatusCompleted})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, `{"sessions":4}`, list[0].ResultSummary)
	require.NotNil(t, list[0].CompletedAt)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := repo.DeleteBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
