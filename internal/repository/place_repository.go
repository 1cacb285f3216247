package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// PlaceRepository handles POIs, their visits and hotspots
type PlaceRepository struct {
	db DBTX
}

// NewPlaceRepository creates a new place repository
func NewPlaceRepository(db DBTX) *PlaceRepository {
	return &PlaceRepository{db: db}
}

// RecordVisit stores one dwell run. Replaying the same run reports false.
func (r *PlaceRepository) RecordVisit(ctx context.Context, v models.POIVisit) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO poi_visits
			(client_id, poi_key, session_id, lat, lon, visit_start, visit_end, duration_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ClientID, v.Key, v.SessionID, v.Lat, v.Lon, ms(v.VisitStart), ms(v.VisitEnd), v.Duration().Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to record visit: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RefreshPOI recomputes a POI from all of its visits. Rank is the total time
// spent in hours.
func (r *PlaceRepository) RefreshPOI(ctx context.Context, clientID, key, source string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pois (client_id, poi_key, lat, lon, time_spent_s, rank_score, visit_count,
			source, visit_start, last_seen, created_at, updated_at)
		SELECT client_id, poi_key, AVG(lat), AVG(lon), SUM(duration_s), SUM(duration_s) / 3600.0, COUNT(*),
			?, MIN(visit_start), MAX(visit_end), ?, ?
		FROM poi_visits
		WHERE client_id = ? AND poi_key = ?
		GROUP BY client_id, poi_key
		ON CONFLICT (client_id, poi_key) DO UPDATE SET
			lat = excluded.lat,
			lon = excluded.lon,
			time_spent_s = excluded.time_spent_s,
			rank_score = excluded.rank_score,
			visit_count = excluded.visit_count,
			visit_start = excluded.visit_start,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		source, ms(now), ms(now), clientID, key)
	if err != nil {
		return fmt.Errorf("failed to refresh poi: %w", err)
	}
	return nil
}

// ListPOIs returns the client's POIs by rank
func (r *PlaceRepository) ListPOIs(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.POI, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_id, poi_key, lat, lon, time_spent_s, rank_score, visit_count, source,
			visit_start, last_seen, updated_at
		FROM pois
		WHERE client_id = ? AND rank_score >= ?
		ORDER BY rank_score DESC, poi_key
		LIMIT ?`, clientID, filter.MinRank, limitOr(filter.Limit, 500))
	if err != nil {
		return nil, fmt.Errorf("failed to query pois: %w", err)
	}
	defer rows.Close()

	pois := []models.POI{}
	for rows.Next() {
		var (
			p                    models.POI
			start, seen, updated int64
		)
		err := rows.Scan(&p.ID, &p.ClientID, &p.Key, &p.Lat, &p.Lon, &p.TimeSpent, &p.Rank,
			&p.VisitCount, &p.Source, &start, &seen, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poi: %w", err)
		}
		p.VisitStart = fromMS(start)
		p.LastSeen = fromMS(seen)
		p.UpdatedAt = fromMS(updated)
		pois = append(pois, p)
	}
	return pois, rows.Err()
}

// ListVisits returns the client's visits starting at or after since
func (r *PlaceRepository) ListVisits(ctx context.Context, clientID string, since time.Time) ([]models.POIVisit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT client_id, poi_key, session_id, lat, lon, visit_start, visit_end
		FROM poi_visits
		WHERE client_id = ? AND visit_start >= ?
		ORDER BY visit_start`, clientID, ms(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	visits := []models.POIVisit{}
	for rows.Next() {
		var (
			v          models.POIVisit
			start, end int64
		)
		if err := rows.Scan(&v.ClientID, &v.Key, &v.SessionID, &v.Lat, &v.Lon, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		v.VisitStart = fromMS(start)
		v.VisitEnd = fromMS(end)
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// UpsertHotspot writes a hotspot keyed by (client, lat, lon). Coordinates are
// expected to be rounded by the caller. An older observation never replaces a
// newer one.
func (r *PlaceRepository) UpsertHotspot(ctx context.Context, h *models.Hotspot) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO hotspots (client_id, lat, lon, radius_m, density, point_count, hotspot_type, source_type,
			observed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (client_id, lat, lon) DO UPDATE SET
			radius_m = excluded.radius_m,
			density = excluded.density,
			point_count = excluded.point_count,
			hotspot_type = excluded.hotspot_type,
			source_type = excluded.source_type,
			observed_at = excluded.observed_at,
			updated_at = excluded.updated_at
		WHERE excluded.observed_at >= hotspots.observed_at`,
		h.ClientID, h.Lat, h.Lon, h.RadiusMeters, h.Density, h.PointCount, h.Type, h.SourceType,
		ms(h.ObservedAt), ms(now), ms(now))
	if err != nil {
		return fmt.Errorf("failed to upsert hotspot: %w", err)
	}
	h.UpdatedAt = now
	return nil
}

// DeleteStaleHotspots removes the client's hotspots not observed since the cutoff
func (r *PlaceRepository) DeleteStaleHotspots(ctx context.Context, clientID string, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM hotspots WHERE client_id = ? AND observed_at < ?`, clientID, ms(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete hotspots: %w", err)
	}
	return res.RowsAffected()
}

// ListHotspots returns the client's hotspots, largest first. MinRank filters
// on point count.
func (r *PlaceRepository) ListHotspots(ctx context.Context, clientID string, filter models.PlaceFilter) ([]models.Hotspot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, client_id, lat, lon, radius_m, density, point_count, hotspot_type, source_type,
			observed_at, updated_at
		FROM hotspots
		WHERE client_id = ? AND point_count >= ?
		ORDER BY point_count DESC, lat, lon
		LIMIT ?`, clientID, filter.MinRank, limitOr(filter.Limit, 500))
	if err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}
	defer rows.Close()

	hotspots := []models.Hotspot{}
	for rows.Next() {
		var (
			h                 models.Hotspot
			observed, updated int64
		)
		err := rows.Scan(&h.ID, &h.ClientID, &h.Lat, &h.Lon, &h.RadiusMeters, &h.Density, &h.PointCount,
			&h.Type, &h.SourceType, &observed, &updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hotspot: %w", err)
		}
		h.ObservedAt = fromMS(observed)
		h.UpdatedAt = fromMS(updated)
		hotspots = append(hotspots, h)
	}
	return hotspots, rows.Err()
}
