package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
	"github.com/jengzang/urbanos-routing/internal/repository"
)

// QueryService serves the read-only client views
type QueryService struct {
	routeRepo      *repository.RouteRepository
	placeRepo      *repository.PlaceRepository
	predictionRepo *repository.PredictionRepository
	trajectoryRepo *repository.TrajectoryRepository
	scheduleRepo   *repository.ScheduleRepository
	patternRepo    *repository.PatternRepository
}

// NewQueryService creates a new query service
func NewQueryService(
	routeRepo *repository.RouteRepository,
	placeRepo *repository.PlaceRepository,
	predictionRepo *repository.PredictionRepository,
	trajectoryRepo *repository.TrajectoryRepository,
	scheduleRepo *repository.ScheduleRepository,
	patternRepo *repository.PatternRepository,
) *QueryService {
	return &QueryService{
		routeRepo:      routeRepo,
		placeRepo:      placeRepo,
		predictionRepo: predictionRepo,
		trajectoryRepo: trajectoryRepo,
		scheduleRepo:   scheduleRepo,
		patternRepo:    patternRepo,
	}
}

// Routes returns one page of the client's A* or MAPF routes
func (s *QueryService) Routes(ctx context.Context, kind models.RouteKind, clientID string, filter models.RouteFilter) (*models.Page[*models.Route], error) {
	filter.Normalize()
	routes, total, err := s.routeRepo.ListRoutes(ctx, kind, clientID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get routes: %w", err)
	}
	return models.NewPage(routes, total, filter.Page, filter.PageSize), nil
}

// Reroutes returns one page of the client's reroute events
func (s *QueryService) Reroutes(ctx context.Context, clientID string, filter models.RouteFilter) (*models.Page[models.RerouteEvent], error) {
	filter.Normalize()
	events, total, err := s.routeRepo.ListReroutes(ctx, clientID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get reroute events: %w", err)
	}
	return models.NewPage(events, total, filter.Page, filter.PageSize), nil
}

// CurrentRoute returns the client's current choice
func (s *QueryService) CurrentRoute(ctx context.Context, clientID string) (*models.RouteChoice, error) {
	choice, err := s.routeRepo.CurrentChoice(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to get current route: %w", err)
	}
	if choice == nil {
		return nil, fmt.Errorf("client %s has no route: %w", clientID, repository.ErrNotFound)
	}
	return choice, nil
}

// POIs returns the client's POIs by rank
func (s *QueryService) POIs(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.POI, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	pois, err := s.placeRepo.ListPOIs(ctx, clientID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get pois: %w", err)
	}
	return pois, nil
}

// Hotspots returns the client's hotspots
func (s *QueryService) Hotspots(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.Hotspot, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	hotspots, err := s.placeRepo.ListHotspots(ctx, clientID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get hotspots: %w", err)
	}
	return hotspots, nil
}

// Patterns returns the client's travel patterns
func (s *QueryService) Patterns(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.TravelPattern, error) {
	if filter.Limit < 1 || filter.Limit > 100 {
		filter.Limit = 100
	}
	patterns, err := s.patternRepo.ListPatterns(ctx, clientID, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get patterns: %w", err)
	}
	return patterns, nil
}

// DepartureMatches returns the client's pattern-departure matches departing at or after from
func (s *QueryService) DepartureMatches(ctx context.Context, clientID string, from time.Time, limit int) ([]models.DepartureMatch, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	matches, err := s.patternRepo.ListMatches(ctx, clientID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get departure matches: %w", err)
	}
	return matches, nil
}

// Predictions returns the client's upcoming predicted visits
func (s *QueryService) Predictions(ctx context.Context, clientID string, filter models.PredictionFilter) ([]models.PredictedVisit, error) {
	if filter.Horizon != "" && filter.Horizon != models.HorizonDaily && filter.Horizon != models.HorizonWeekly {
		return nil, &models.ValidationError{Field: "horizon", Reason: "must be daily or weekly"}
	}
	visits, err := s.predictionRepo.ListPredictions(ctx, clientID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to get predictions: %w", err)
	}
	return visits, nil
}

// Trajectories returns the client's newest trajectories
func (s *QueryService) Trajectories(ctx context.Context, clientID string, limit int) ([]models.Trajectory, error) {
	if limit < 1 || limit > 200 {
		limit = 20
	}
	trajectories, err := s.trajectoryRepo.ListByClient(ctx, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get trajectories: %w", err)
	}
	return trajectories, nil
}

// Schedule returns the client's stored schedule from now on
func (s *QueryService) Schedule(ctx context.Context, clientID, horizon string, now time.Time) (*models.WeeklySchedule, error) {
	if horizon == "" {
		horizon = models.HorizonWeekly
	}
	if horizon != models.HorizonDaily && horizon != models.HorizonWeekly {
		return nil, &models.ValidationError{Field: "horizon", Reason: "must be daily or weekly"}
	}
	schedule, err := s.scheduleRepo.GetSchedule(ctx, clientID, horizon, now)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &schedule, nil
}
