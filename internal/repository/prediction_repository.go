package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// PredictionRepository handles database operations for predicted visits
type PredictionRepository struct {
	db DBTX
}

// NewPredictionRepository creates a new prediction repository
func NewPredictionRepository(db DBTX) *PredictionRepository {
	return &PredictionRepository{db: db}
}

// DeleteExpiredPredictions removes the client's predictions whose time has passed
func (r *PredictionRepository) DeleteExpiredPredictions(ctx context.Context, clientID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM predicted_visits WHERE client_id = ? AND predicted_time < ?`, clientID, ms(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired predictions: %w", err)
	}
	return res.RowsAffected()
}

// UpsertPrediction writes a prediction keyed by (client, predicted time); the
// last write wins.
func (r *PredictionRepository) UpsertPrediction(ctx context.Context, v *models.PredictedVisit) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO predicted_visits (client_id, lat, lon, predicted_time, horizon, rank_score, time_spent_s,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, predicted_time) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			horizon = excluded.horizon,
			rank_score = excluded.rank_score,
			time_spent_s = excluded.time_spent_s,
			updated_at = excluded.updated_at`,
		v.ClientID, v.Lat, v.Lon, ms(v.PredictedTime), v.Horizon, v.Rank, v.TimeSpent, ms(now), ms(now))
	if err != nil {
		return fmt.Errorf("failed to upsert prediction: %w", err)
	}
	v.UpdatedAt = now
	return nil
}

const predictionColumns = `id, client_id, lat, lon, predicted_time, horizon, rank_score, time_spent_s, updated_at`

func scanPrediction(row scanner) (models.PredictedVisit, error) {
	var (
		v              models.PredictedVisit
		predicted, upd int64
	)
	err := row.Scan(&v.ID, &v.ClientID, &v.Lat, &v.Lon, &predicted, &v.Horizon, &v.Rank, &v.TimeSpent, &upd)
	v.PredictedTime = fromMS(predicted)
	v.UpdatedAt = fromMS(upd)
	return v, err
}

// ListPredictions returns the client's predictions in time order
func (r *PredictionRepository) ListPredictions(ctx context.Context, clientID string, filter models.PredictionFilter) ([]models.PredictedVisit, error) {
	query := `SELECT ` + predictionColumns + ` FROM predicted_visits WHERE client_id = ?`
	args := []any{clientID}
	if filter.Horizon != "" {
		query += " AND horizon = ?"
		args = append(args, filter.Horizon)
	}
	if filter.From > 0 {
		query += " AND predicted_time >= ?"
		args = append(args, filter.From)
	}
	query += " ORDER BY predicted_time LIMIT ?"
	args = append(args, limitOr(filter.Limit, 500))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	out := []models.PredictedVisit{}
	for rows.Next() {
		v, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// NextPrediction returns the client's earliest prediction at or after the
// given time.
func (r *PredictionRepository) NextPrediction(ctx context.Context, clientID string, after time.Time) (*models.PredictedVisit, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+predictionColumns+` FROM predicted_visits
		WHERE client_id = ? AND predicted_time >= ?
		ORDER BY predicted_time
		LIMIT 1`, clientID, ms(after))
	v, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next prediction: %w", err)
	}
	return &v, nil
}
