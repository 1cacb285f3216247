package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/urbanos-routing/internal/spatial"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("record not found")

// DBTX is satisfied by *sql.DB and *sql.Tx, so repositories can run inside
// database.Transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as unix milliseconds.
func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func encodePath(path []spatial.Point) (string, error) {
	if path == nil {
		path = []spatial.Point{}
	}
	b, err := json.Marshal(path)
	if err != nil {
		return "", fmt.Errorf("failed to encode path: %w", err)
	}
	return string(b), nil
}

func decodePath(s string) ([]spatial.Point, error) {
	path := []spatial.Point{}
	if s == "" {
		return path, nil
	}
	if err := json.Unmarshal([]byte(s), &path); err != nil {
		return nil, fmt.Errorf("failed to decode path: %w", err)
	}
	return path, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func limitOr(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
