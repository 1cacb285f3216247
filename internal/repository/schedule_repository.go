package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// ScheduleRepository handles the weekly schedule projection
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a new schedule repository
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// SaveSchedule upserts every entry keyed by (client, predicted time, horizon)
func (r *ScheduleRepository) SaveSchedule(ctx context.Context, s models.WeeklySchedule) (int, error) {
	for i, e := range s.Entries {
		path, err := encodePath(e.Path)
		if err != nil {
			return i, err
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO weekly_schedule (client_id, horizon, predicted_time, weekday, lat, lon, rank_score,
				route_kind, route_id, decision_context, path_json, distance_m, predicted_eta, generated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (client_id, predicted_time, horizon) DO UPDATE SET
				weekday = excluded.weekday,
				lat = excluded.lat,
				lon = excluded.lon,
				rank_score = excluded.rank_score,
				route_kind = excluded.route_kind,
				route_id = excluded.route_id,
				decision_context = excluded.decision_context,
				path_json = excluded.path_json,
				distance_m = excluded.distance_m,
				predicted_eta = excluded.predicted_eta,
				generated_at = excluded.generated_at`,
			s.ClientID, s.Horizon, ms(e.PredictedTime), int(e.Weekday), e.Destination.Lat, e.Destination.Lon,
			e.Rank, e.RouteKind, e.RouteID, e.DecisionContext, path, e.DistanceMeters, nullMS(e.PredictedETA),
			ms(s.GeneratedAt))
		if err != nil {
			return i, fmt.Errorf("failed to save schedule entry: %w", err)
		}
	}
	return len(s.Entries), nil
}

// GetSchedule reads the client's schedule from the given time on
func (r *ScheduleRepository) GetSchedule(ctx context.Context, clientID, horizon string, from time.Time) (models.WeeklySchedule, error) {
	out := models.WeeklySchedule{ClientID: clientID, Horizon: horizon, Entries: []models.ScheduleEntry{}}

	rows, err := r.db.QueryContext(ctx, `
		SELECT predicted_time, weekday, lat, lon, rank_score, route_kind, route_id, decision_context,
			path_json, distance_m, predicted_eta, generated_at
		FROM weekly_schedule
		WHERE client_id = ? AND horizon = ? AND predicted_time >= ?
		ORDER BY predicted_time`, clientID, horizon, ms(from))
	if err != nil {
		return out, fmt.Errorf("failed to query schedule: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e                    models.ScheduleEntry
			predicted, generated int64
			weekday              int
			path                 string
			eta                  sql.NullInt64
		)
		err := rows.Scan(&predicted, &weekday, &e.Destination.Lat, &e.Destination.Lon, &e.Rank, &e.RouteKind,
			&e.RouteID, &e.DecisionContext, &path, &e.DistanceMeters, &eta, &generated)
		if err != nil {
			return out, fmt.Errorf("failed to scan schedule entry: %w", err)
		}
		if e.Path, err = decodePath(path); err != nil {
			return out, err
		}
		e.PredictedTime = fromMS(predicted)
		e.Weekday = time.Weekday(weekday)
		e.PredictedETA = timePtr(eta)
		if g := fromMS(generated); g.After(out.GeneratedAt) {
			out.GeneratedAt = g
		}
		out.Entries = append(out.Entries, e)
	}
	return out, rows.Err()
}

// DeleteBefore removes schedule entries predicted before the cutoff
func (r *ScheduleRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM weekly_schedule WHERE predicted_time < ?`, ms(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete schedule entries: %w", err)
	}
	return res.RowsAffected()
}
