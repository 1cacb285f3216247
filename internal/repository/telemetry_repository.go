package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/models"
)

// TelemetryRepository handles sessions and position fixes
type TelemetryRepository struct {
	db DBTX
}

// NewTelemetryRepository creates a new telemetry repository
func NewTelemetryRepository(db DBTX) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

const sessionColumns = `id, client_id, start_time, expires_at, closed_at, processed`

func scanSession(row scanner) (*models.Session, error) {
	var (
		s              models.Session
		start, expires int64
		closed         sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.ClientID, &start, &expires, &closed, &s.Processed); err != nil {
		return nil, err
	}
	s.StartTime = fromMS(start)
	s.ExpiresAt = fromMS(expires)
	s.ClosedAt = timePtr(closed)
	return &s, nil
}

// OpenSession returns the client's unclosed session, or nil when there is none
func (r *TelemetryRepository) OpenSession(ctx context.Context, clientID string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE client_id = ? AND closed_at IS NULL`, clientID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open session: %w", err)
	}
	return s, nil
}

// CreateSession inserts a new open session
func (r *TelemetryRepository) CreateSession(ctx context.Context, s *models.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, client_id, start_time, expires_at, closed_at, processed, created_at)
		VALUES (?, ?, ?, ?, NULL, 0, ?)`,
		s.ID, s.ClientID, ms(s.StartTime), ms(s.ExpiresAt), ms(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// CloseSession closes an open session; closing twice is a no-op
func (r *TelemetryRepository) CloseSession(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL`, ms(at), id)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// LatestFixTime returns the newest fix timestamp of the client
func (r *TelemetryRepository) LatestFixTime(ctx context.Context, clientID string) (time.Time, bool, error) {
	var latest sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM position_fixes WHERE client_id = ?`, clientID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get latest fix: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(latest.Int64), true, nil
}

// InsertFix stores a fix. It reports false when the client already has a fix
// at the same timestamp.
func (r *TelemetryRepository) InsertFix(ctx context.Context, f *models.PositionFix) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO position_fixes
			(client_id, session_id, lat, lon, elevation, speed, activity, timestamp, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ClientID, f.SessionID, f.Lat, f.Lon, f.Elevation, f.Speed, f.Activity,
		ms(f.Timestamp), ms(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to insert fix: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if f.ID, err = res.LastInsertId(); err != nil {
		return false, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return true, nil
}

const fixColumns = `id, client_id, session_id, lat, lon, elevation, speed, activity, timestamp`

func scanFix(row scanner) (models.PositionFix, error) {
	var (
		f  models.PositionFix
		ts int64
	)
	err := row.Scan(&f.ID, &f.ClientID, &f.SessionID, &f.Lat, &f.Lon, &f.Elevation, &f.Speed, &f.Activity, &ts)
	f.Timestamp = fromMS(ts)
	return f, err
}

func (r *TelemetryRepository) queryFixes(ctx context.Context, query string, args ...any) ([]models.PositionFix, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fixes: %w", err)
	}
	defer rows.Close()

	fixes := []models.PositionFix{}
	for rows.Next() {
		f, err := scanFix(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fix: %w", err)
		}
		fixes = append(fixes, f)
	}
	return fixes, rows.Err()
}

// ListFixes returns a session's fixes in timestamp order
func (r *TelemetryRepository) ListFixes(ctx context.Context, sessionID string) ([]models.PositionFix, error) {
	return r.queryFixes(ctx,
		`SELECT `+fixColumns+` FROM position_fixes WHERE session_id = ? ORDER BY timestamp`, sessionID)
}

// FixesSince returns the client's fixes at or after since in timestamp order
func (r *TelemetryRepository) FixesSince(ctx context.Context, clientID string, since time.Time) ([]models.PositionFix, error) {
	return r.queryFixes(ctx,
		`SELECT `+fixColumns+` FROM position_fixes WHERE client_id = ? AND timestamp >= ? ORDER BY timestamp`,
		clientID, ms(since))
}

// ActiveClients lists clients whose session is open at the given time, with
// their latest fix, ordered by session start then client id.
func (r *TelemetryRepository) ActiveClients(ctx context.Context, at time.Time) ([]models.ActiveClient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.start_time,
			f.id, f.client_id, f.session_id, f.lat, f.lon, f.elevation, f.speed, f.activity, f.timestamp
		FROM sessions s
		JOIN position_fixes f ON f.id = (
			SELECT id FROM position_fixes WHERE session_id = s.id ORDER BY timestamp DESC LIMIT 1
		)
		WHERE s.closed_at IS NULL AND s.expires_at > ?
		ORDER BY s.start_time, s.client_id`, ms(at))
	if err != nil {
		return nil, fmt.Errorf("failed to query active clients: %w", err)
	}
	defer rows.Close()

	clients := []models.ActiveClient{}
	for rows.Next() {
		var (
			c         models.ActiveClient
			start, ts int64
		)
		f := &c.LatestFix
		err := rows.Scan(&c.SessionID, &start,
			&f.ID, &f.ClientID, &f.SessionID, &f.Lat, &f.Lon, &f.Elevation, &f.Speed, &f.Activity, &ts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active client: %w", err)
		}
		c.ClientID = f.ClientID
		c.SessionStart = fromMS(start)
		f.Timestamp = fromMS(ts)
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// ConcludedSessions returns unprocessed sessions that are closed or expired at
// the given time, oldest first.
func (r *TelemetryRepository) ConcludedSessions(ctx context.Context, at time.Time, limit int) ([]*models.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE processed = 0 AND (closed_at IS NOT NULL OR expires_at <= ?)
		ORDER BY expires_at, id
		LIMIT ?`, ms(at), limitOr(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("failed to query concluded sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MarkProcessed flags a concluded session as aggregated. Expired sessions are
// closed at their expiry.
func (r *TelemetryRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET processed = 1, closed_at = COALESCE(closed_at, expires_at) WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark session processed: %w", err)
	}
	return nil
}

// ClientIDs lists clients with a session expiring at or after since
func (r *TelemetryRepository) ClientIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT client_id FROM sessions WHERE expires_at >= ? ORDER BY client_id`, ms(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteProcessedSessions removes up to limit processed sessions that expired
// before the cutoff. Their fixes go with them.
func (r *TelemetryRepository) DeleteProcessedSessions(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions WHERE processed = 1 AND expires_at < ? LIMIT ?
		)`, ms(before), limitOr(limit, 1000))
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	return res.RowsAffected()
}
