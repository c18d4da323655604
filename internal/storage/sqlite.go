package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// timeLayout is fixed-width UTC so that lexical order equals chronological order
// in TEXT columns (scheduled_at <= ? comparisons rely on it).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// nullableTime formats an optional timestamp for a nullable TEXT column.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// SQLiteStorage owns the database handle shared by the credential and post stores.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage wraps an already opened database handle.
func NewSQLiteStorage(db *sql.DB, path string) *SQLiteStorage {
	return &SQLiteStorage{db: db, path: path}
}

// DB returns the underlying handle for stores, migrations and tests.
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Ping checks the database connection.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
