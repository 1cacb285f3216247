package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// RouteRepository handles the append-only route history: A* and MAPF routes,
// reroute events and route choices.
type RouteRepository struct {
	db DBTX
}

// NewRouteRepository creates a new route repository
func NewRouteRepository(db DBTX) *RouteRepository {
	return &RouteRepository{db: db}
}

const routeColumns = `client_id, origin_lat, origin_lon, dest_lat, dest_lon, target_type, stop_id,
	path_json, stop_ids_json, distance_m, travel_s, avg_speed_mps, efficiency_score, decision_context,
	departure_time, predicted_eta, boarding_stop_id, boarding_eta, uses_transit, degraded, created_at`

func routeTable(kind models.RouteKind) string {
	if kind == models.RouteKindMAPF {
		return "mapf_routes"
	}
	return "astar_routes"
}

// CreateAStarRoute appends a single-agent route and returns its id
func (r *RouteRepository) CreateAStarRoute(ctx context.Context, route *models.Route) (int64, error) {
	route.Kind = models.RouteKindAStar
	return r.createRoute(ctx, route)
}

// CreateMAPFRoute appends a multi-agent route and returns its id
func (r *RouteRepository) CreateMAPFRoute(ctx context.Context, route *models.Route) (int64, error) {
	route.Kind = models.RouteKindMAPF
	return r.createRoute(ctx, route)
}

func (r *RouteRepository) createRoute(ctx context.Context, route *models.Route) (int64, error) {
	if !route.DecisionContext.ValidFor(route.Kind) {
		return 0, &models.ValidationError{
			Field:  "decision_context",
			Reason: fmt.Sprintf("%q is not valid for %s routes", route.DecisionContext, route.Kind),
		}
	}
	if route.TargetType == "" {
		route.TargetType = models.TargetPOI
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now().UTC()
	}
	path, err := encodePath(route.Path)
	if err != nil {
		return 0, err
	}
	stops := route.StopIDs
	if stops == nil {
		stops = []string{}
	}
	stopsJSON, err := json.Marshal(stops)
	if err != nil {
		return 0, fmt.Errorf("failed to encode stop ids: %w", err)
	}

	args := []any{
		route.ClientID, route.Origin.Lat, route.Origin.Lon, route.Destination.Lat, route.Destination.Lon,
		route.TargetType, route.StopID, path, string(stopsJSON), route.DistanceMeters, route.TravelSeconds,
		route.AvgSpeedMps, route.EfficiencyScore, route.DecisionContext, ms(route.Departure),
		ms(route.PredictedETA), route.BoardingStopID, nullMS(route.BoardingETA), boolInt(route.UsesTransit),
		boolInt(route.Degraded), ms(route.CreatedAt),
	}
	columns := routeColumns
	if route.Kind == models.RouteKindMAPF {
		columns += ", batch_id, success"
		args = append(args, route.BatchID, boolInt(route.Success))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")

	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", routeTable(route.Kind), columns, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s route: %w", route.Kind, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	route.ID = id
	return id, nil
}

func scanRoute(row scanner, kind models.RouteKind) (*models.Route, error) {
	var (
		path, stops             string
		departure, eta, created int64
		boardingETA             sql.NullInt64
	)
	route := &models.Route{Kind: kind, Success: true}
	dest := []any{
		&route.ID, &route.ClientID, &route.Origin.Lat, &route.Origin.Lon, &route.Destination.Lat,
		&route.Destination.Lon, &route.TargetType, &route.StopID, &path, &stops, &route.DistanceMeters,
		&route.TravelSeconds, &route.AvgSpeedMps, &route.EfficiencyScore, &route.DecisionContext,
		&departure, &eta, &route.BoardingStopID, &boardingETA, &route.UsesTransit, &route.Degraded, &created,
	}
	if kind == models.RouteKindMAPF {
		dest = append(dest, &route.BatchID, &route.Success)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if route.Path, err = decodePath(path); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stops), &route.StopIDs); err != nil {
		return nil, fmt.Errorf("failed to decode stop ids: %w", err)
	}
	route.Departure = fromMS(departure)
	route.PredictedETA = fromMS(eta)
	route.BoardingETA = timePtr(boardingETA)
	route.CreatedAt = fromMS(created)
	return route, nil
}

func selectRoutes(kind models.RouteKind) string {
	columns := "id, " + routeColumns
	if kind == models.RouteKindMAPF {
		columns += ", batch_id, success"
	}
	return fmt.Sprintf("SELECT %s FROM %s", columns, routeTable(kind))
}

func (r *RouteRepository) queryRoutes(ctx context.Context, kind models.RouteKind, query string, args ...any) ([]*models.Route, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s routes: %w", kind, err)
	}
	defer rows.Close()

	routes := []*models.Route{}
	for rows.Next() {
		route, err := scanRoute(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s route: %w", kind, err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

func historyConditions(clientID string, filter models.RouteFilter) (string, []any) {
	conditions := []string{"client_id = ?"}
	args := []any{clientID}
	if filter.Context != "" {
		conditions = append(conditions, "decision_context = ?")
		args = append(args, filter.Context)
	}
	if filter.StartTime > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.StartTime)
	}
	if filter.EndTime > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.EndTime)
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListRoutes returns one page of the client's routes of the given kind,
// newest first, with the total count.
func (r *RouteRepository) ListRoutes(ctx context.Context, kind models.RouteKind, clientID string, filter models.RouteFilter) ([]*models.Route, int64, error) {
	filter.Normalize()
	where, args := historyConditions(clientID, filter)

	var total int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+routeTable(kind)+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count %s routes: %w", kind, err)
	}

	query := selectRoutes(kind) + where + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.PageSize, filter.Offset())
	routes, err := r.queryRoutes(ctx, kind, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return routes, total, nil
}

// RecentRoutes returns the client's A* and MAPF routes created at or after since
func (r *RouteRepository) RecentRoutes(ctx context.Context, clientID string, since time.Time) ([]*models.Route, error) {
	var out []*models.Route
	for _, kind := range []models.RouteKind{models.RouteKindAStar, models.RouteKindMAPF} {
		routes, err := r.queryRoutes(ctx, kind,
			selectRoutes(kind)+" WHERE client_id = ? AND created_at >= ? ORDER BY created_at, id",
			clientID, ms(since))
		if err != nil {
			return nil, err
		}
		out = append(out, routes...)
	}
	return out, nil
}

// LatestRoute returns the client's newest route of kind, or nil when there is none
func (r *RouteRepository) LatestRoute(ctx context.Context, kind models.RouteKind, clientID string) (*models.Route, error) {
	routes, err := r.queryRoutes(ctx, kind,
		selectRoutes(kind)+" WHERE client_id = ? ORDER BY created_at DESC, id DESC LIMIT 1", clientID)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, nil
	}
	return routes[0], nil
}

// HasRoutes reports whether the client has any A* route yet
func (r *RouteRepository) HasRoutes(ctx context.Context, clientID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM astar_routes WHERE client_id = ?)`, clientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check routes: %w", err)
	}
	return exists, nil
}

// CreateReroute appends a reroute event and returns its id
func (r *RouteRepository) CreateReroute(ctx context.Context, e *models.RerouteEvent) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	path, err := encodePath(e.Path)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO reroute_events (client_id, prior_stop_id, prior_segment, route_kind, route_id, segment_type,
			dest_lat, dest_lon, stop_id, path_json, distance_m, predicted_eta, boarding_stop_id, boarding_eta,
			reason, chosen, decision_context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ClientID, e.PriorStopID, e.PriorSegment, e.RouteKind, e.RouteID, e.SegmentType,
		e.Destination.Lat, e.Destination.Lon, e.StopID, path, e.DistanceMeters, ms(e.PredictedETA),
		e.BoardingStopID, nullMS(e.BoardingETA), e.Reason, boolInt(e.Chosen), e.DecisionContext, ms(e.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create reroute event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

// ListReroutes returns one page of the client's reroute events, newest first
func (r *RouteRepository) ListReroutes(ctx context.Context, clientID string, filter models.RouteFilter) ([]models.RerouteEvent, int64, error) {
	filter.Normalize()
	where, args := historyConditions(clientID, filter)

	var total int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reroute_events"+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count reroute events: %w", err)
	}

	args = append(args, filter.PageSize, filter.Offset())
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_id, prior_stop_id, prior_segment, route_kind, route_id, segment_type,
			dest_lat, dest_lon, stop_id, path_json, distance_m, predicted_eta, boarding_stop_id, boarding_eta,
			reason, chosen, decision_context, created_at
		FROM reroute_events`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query reroute events: %w", err)
	}
	defer rows.Close()

	events := []models.RerouteEvent{}
	for rows.Next() {
		var (
			e            models.RerouteEvent
			path         string
			eta, created int64
			boardingETA  sql.NullInt64
		)
		err := rows.Scan(&e.ID, &e.ClientID, &e.PriorStopID, &e.PriorSegment, &e.RouteKind, &e.RouteID,
			&e.SegmentType, &e.Destination.Lat, &e.Destination.Lon, &e.StopID, &path, &e.DistanceMeters,
			&eta, &e.BoardingStopID, &boardingETA, &e.Reason, &e.Chosen, &e.DecisionContext, &created)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan reroute event: %w", err)
		}
		if e.Path, err = decodePath(path); err != nil {
			return nil, 0, err
		}
		e.PredictedETA = fromMS(eta)
		e.BoardingETA = timePtr(boardingETA)
		e.CreatedAt = fromMS(created)
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// CreateChoice appends a route choice and returns its id
func (r *RouteRepository) CreateChoice(ctx context.Context, c *models.RouteChoice) (int64, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	path, err := encodePath(c.Path)
	if err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO route_choices (client_id, route_kind, route_id, segment_type, dest_lat, dest_lon, stop_id,
			path_json, distance_m, predicted_eta, boarding_stop_id, boarding_eta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClientID, c.RouteKind, c.RouteID, c.SegmentType, c.Destination.Lat, c.Destination.Lon, c.StopID,
		path, c.DistanceMeters, ms(c.PredictedETA), c.BoardingStopID, nullMS(c.BoardingETA), ms(c.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to create route choice: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	c.ID = id
	return id, nil
}

// CurrentChoice projects the client's current route: the latest chosen record
// across route choices and reroute events. It returns nil when the client has
// never been routed.
func (r *RouteRepository) CurrentChoice(ctx context.Context, clientID string) (*models.RouteChoice, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, client_id, route_kind, route_id, segment_type, dest_lat, dest_lon, stop_id, path_json,
			distance_m, predicted_eta, boarding_stop_id, boarding_eta, created_at
		FROM (
			SELECT id, client_id, route_kind, route_id, segment_type, dest_lat, dest_lon, stop_id, path_json,
				distance_m, predicted_eta, boarding_stop_id, boarding_eta, created_at, 0 AS src
			FROM route_choices WHERE client_id = ?
			UNION ALL
			SELECT id, client_id, route_kind, route_id, segment_type, dest_lat, dest_lon, stop_id, path_json,
				distance_m, predicted_eta, boarding_stop_id, boarding_eta, created_at, 1 AS src
			FROM reroute_events WHERE client_id = ? AND chosen = 1
		)
		ORDER BY created_at DESC, src DESC, id DESC
		LIMIT 1`, clientID, clientID)

	var (
		c            models.RouteChoice
		path         string
		eta, created int64
		boardingETA  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.ClientID, &c.RouteKind, &c.RouteID, &c.SegmentType, &c.Destination.Lat,
		&c.Destination.Lon, &c.StopID, &path, &c.DistanceMeters, &eta, &c.BoardingStopID, &boardingETA, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current choice: %w", err)
	}
	if c.Path, err = decodePath(path); err != nil {
		return nil, err
	}
	c.PredictedETA = fromMS(eta)
	c.BoardingETA = timePtr(boardingETA)
	c.CreatedAt = fromMS(created)
	return &c, nil
}
