package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// PatternRepository handles travel patterns and their departure matches
type PatternRepository struct {
	db DBTX
}

// NewPatternRepository creates a new pattern repository
func NewPatternRepository(db DBTX) *PatternRepository {
	return &PatternRepository{db: db}
}

// UpsertPattern writes a pattern keyed by (client, cluster index) and loads
// its row id into p. An older observation never replaces a newer one; in that
// case it reports false and p.ID holds the existing row.
func (r *PatternRepository) UpsertPattern(ctx context.Context, p *models.TravelPattern) (bool, error) {
	path, err := encodePath(p.Path)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO travel_patterns (client_id, cluster_index, label, lat, lon, point_count, path_json,
			observed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, cluster_index) DO UPDATE SET
			label = excluded.label,
			lat = excluded.lat,
			lon = excluded.lon,
			point_count = excluded.point_count,
			path_json = excluded.path_json,
			observed_at = excluded.observed_at,
			updated_at = excluded.updated_at
		WHERE excluded.observed_at >= travel_patterns.observed_at`,
		p.ClientID, p.ClusterIndex, p.Label, p.Lat, p.Lon, p.PointCount, path,
		ms(p.ObservedAt), ms(now), ms(now))
	if err != nil {
		return false, fmt.Errorf("failed to upsert pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM travel_patterns WHERE client_id = ? AND cluster_index = ?`,
		p.ClientID, p.ClusterIndex).Scan(&p.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load pattern id: %w", err)
	}
	if n > 0 {
		p.UpdatedAt = now
	}
	return n > 0, nil
}

// DeleteStalePatterns removes the client's patterns not observed since the cutoff
func (r *PatternRepository) DeleteStalePatterns(ctx context.Context, clientID string, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM travel_patterns WHERE client_id = ? AND observed_at < ?`, clientID, ms(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete patterns: %w", err)
	}
	return res.RowsAffected()
}

func (r *PatternRepository) queryPatterns(ctx context.Context, query string, args ...any) ([]models.TravelPattern, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	patterns := []models.TravelPattern{}
	for rows.Next() {
		var (
			p                 models.TravelPattern
			path              string
			observed, updated int64
		)
		err := rows.Scan(&p.ID, &p.ClientID, &p.ClusterIndex, &p.Label, &p.Lat, &p.Lon, &p.PointCount,
			&path, &observed, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		if p.Path, err = decodePath(path); err != nil {
			return nil, err
		}
		p.ObservedAt = fromMS(observed)
		p.UpdatedAt = fromMS(updated)
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ListPatterns returns the client's patterns in cluster order
func (r *PatternRepository) ListPatterns(ctx context.Context, clientID string, limit int) ([]models.TravelPattern, error) {
	return r.queryPatterns(ctx, `
		SELECT id, client_id, cluster_index, label, lat, lon, point_count, path_json, observed_at, updated_at
		FROM travel_patterns
		WHERE client_id = ?
		ORDER BY cluster_index
		LIMIT ?`, clientID, limitOr(limit, 100))
}

// RecentPatterns returns every client's patterns observed since the cutoff
func (r *PatternRepository) RecentPatterns(ctx context.Context, since time.Time, limit int) ([]models.TravelPattern, error) {
	return r.queryPatterns(ctx, `
		SELECT id, client_id, cluster_index, label, lat, lon, point_count, path_json, observed_at, updated_at
		FROM travel_patterns
		WHERE observed_at >= ?
		ORDER BY client_id, cluster_index
		LIMIT ?`, ms(since), limitOr(limit, 5000))
}

// RecordMatch stores a pattern-departure match. Repeating a match reports false.
func (r *PatternRepository) RecordMatch(ctx context.Context, m *models.DepartureMatch) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cluster_departure_matches
			(client_id, pattern_id, stop_id, trip_id, distance_m, matched_eta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ClientID, m.PatternID, m.StopID, m.TripID, m.DistanceMeters, ms(m.MatchedETA), ms(m.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to record departure match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	m.ID, err = res.LastInsertId()
	return err == nil, err
}

// ListMatches returns the client's matches departing at or after from, soonest first
func (r *PatternRepository) ListMatches(ctx context.Context, clientID string, from time.Time, limit int) ([]models.DepartureMatch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_id, pattern_id, stop_id, trip_id, distance_m, matched_eta, created_at
		FROM cluster_departure_matches
		WHERE client_id = ? AND matched_eta >= ?
		ORDER BY matched_eta, pattern_id
		LIMIT ?`, clientID, ms(from), limitOr(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to query departure matches: %w", err)
	}
	defer rows.Close()

	matches := []models.DepartureMatch{}
	for rows.Next() {
		var (
			m            models.DepartureMatch
			eta, created int64
		)
		err := rows.Scan(&m.ID, &m.ClientID, &m.PatternID, &m.StopID, &m.TripID, &m.DistanceMeters, &eta, &created)
		if err != nil {
			return nil, fmt.Errorf("failed to scan departure match: %w", err)
		}
		m.MatchedETA = fromMS(eta)
		m.CreatedAt = fromMS(created)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// DeleteMatchesBefore removes up to limit matches that departed before the cutoff
func (r *PatternRepository) DeleteMatchesBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM cluster_departure_matches WHERE id IN (
			SELECT id FROM cluster_departure_matches WHERE matched_eta < ? LIMIT ?
		)`, ms(before), limitOr(limit, 1000))
	if err != nil {
		return 0, fmt.Errorf("failed to delete departure matches: %w", err)
	}
	return res.RowsAffected()
}
