package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// TrajectoryRepository handles database operations for trajectories
type TrajectoryRepository struct {
	db DBTX
}

// NewTrajectoryRepository creates a new trajectory repository
func NewTrajectoryRepository(db DBTX) *TrajectoryRepository {
	return &TrajectoryRepository{db: db}
}

// Create stores the trajectory of a session. A session has at most one
// trajectory; a second insert reports false and leaves the first untouched.
func (r *TrajectoryRepository) Create(ctx context.Context, t *models.Trajectory) (bool, error) {
	path, err := encodePath(t.Path)
	if err != nil {
		return false, err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trajectories
			(session_id, client_id, start_time, end_time, point_count, distance_m, path_json, fence_wkt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.ClientID, ms(t.StartTime), ms(t.EndTime), t.PointCount, t.DistanceMeters,
		path, t.Fence, ms(t.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to create trajectory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	t.ID, err = res.LastInsertId()
	return err == nil, err
}

// ListByClient returns the client's newest trajectories first
func (r *TrajectoryRepository) ListByClient(ctx context.Context, clientID string, limit int) ([]models.Trajectory, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, client_id, start_time, end_time, point_count, distance_m, path_json, fence_wkt, created_at
		FROM trajectories
		WHERE client_id = ?
		ORDER BY start_time DESC
		LIMIT ?`, clientID, limitOr(limit, 50))
	if err != nil {
		return nil, fmt.Errorf("failed to query trajectories: %w", err)
	}
	defer rows.Close()

	out := []models.Trajectory{}
	for rows.Next() {
		var (
			t                   models.Trajectory
			start, end, created int64
			path                string
		)
		err := rows.Scan(&t.ID, &t.SessionID, &t.ClientID, &start, &end, &t.PointCount,
			&t.DistanceMeters, &path, &t.Fence, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trajectory: %w", err)
		}
		if t.Path, err = decodePath(path); err != nil {
			return nil, err
		}
		t.StartTime = fromMS(start)
		t.EndTime = fromMS(end)
		t.CreatedAt = fromMS(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteBefore removes up to limit trajectories that ended before the cutoff
func (r *TrajectoryRepository) DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM trajectories WHERE id IN (
			SELECT id FROM trajectories WHERE end_time < ? LIMIT ?
		)`, ms(before), limitOr(limit, 1000))
	if err != nil {
		return 0, fmt.Errorf("failed to delete trajectories: %w", err)
	}
	return res.RowsAffected()
}
