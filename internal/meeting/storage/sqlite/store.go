// Package sqlite provides a SQLite-backed meeting storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ozfoundry/opsync/internal/meeting/domain"
	"github.com/ozfoundry/opsync/internal/meeting/storage"
	"github.com/ozfoundry/opsync/internal/meeting/storage/sqlite/migrations"
	sqlitemigrate "github.com/ozfoundry/opsync/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists meeting state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite meeting store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Put inserts one meeting record.
func (s *Store) Put(ctx context.Context, meeting domain.Meeting) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(meeting.ID) == "" {
		return fmt.Errorf("meeting id is required")
	}
	if strings.TrimSpace(meeting.Code) == "" {
		return fmt.Errorf("meeting code is required")
	}
	if !meeting.Status.Valid() {
		return fmt.Errorf("meeting status %q is invalid", meeting.Status)
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO meetings (id, code, topic, description, organizer_id, start_time, duration_minutes, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		meeting.ID,
		meeting.Code,
		meeting.Topic,
		meeting.Description,
		meeting.OrganizerID,
		toMillis(meeting.StartTime),
		meeting.DurationMinutes,
		string(meeting.Status),
		toMillis(meeting.CreatedAt),
		toMillis(meeting.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrCodeTaken
		}
		return fmt.Errorf("insert meeting: %w", err)
	}
	return nil
}

// Get fetches a meeting record by ID.
func (s *Store) Get(ctx context.Context, id string) (domain.Meeting, error) {
	return s.getWhere(ctx, "id = ?", id)
}

// GetByCode fetches a meeting record by its pairing code.
func (s *Store) GetByCode(ctx context.Context, code string) (domain.Meeting, error) {
	return s.getWhere(ctx, "code = ?", code)
}

func (s *Store) getWhere(ctx context.Context, where string, arg string) (domain.Meeting, error) {
	if err := ctx.Err(); err != nil {
		return domain.Meeting{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Meeting{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(arg) == "" {
		return domain.Meeting{}, fmt.Errorf("meeting lookup key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, code, topic, description, organizer_id, start_time, duration_minutes, status, created_at, updated_at
FROM meetings
WHERE `+where, arg)
	return scanMeeting(row)
}

// UpdateStatus transitions a meeting from expected to next with a
// compare-and-set write. A lost race surfaces as ErrStaleStatus.
func (s *Store) UpdateStatus(ctx context.Context, id string, expected, next domain.Status, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("meeting id is required")
	}
	if !expected.Valid() || !next.Valid() {
		return fmt.Errorf("meeting status transition %q -> %q is invalid", expected, next)
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE meetings
SET status = ?, updated_at = ?
WHERE id = ? AND status = ?
`,
		string(next),
		toMillis(updatedAt),
		id,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("update meeting status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update meeting status rows: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// Distinguish a lost race from a missing record.
	var exists int
	err = s.sqlDB.QueryRowContext(ctx, "SELECT 1 FROM meetings WHERE id = ?", id).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check meeting exists: %w", err)
	}
	return storage.ErrStaleStatus
}

// ListByStatus returns every meeting currently in one of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		if !status.Valid() {
			return nil, fmt.Errorf("meeting status %q is invalid", status)
		}
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, code, topic, description, organizer_id, start_time, duration_minutes, status, created_at, updated_at
FROM meetings
WHERE status IN (`+strings.Join(placeholders, ", ")+`)
ORDER BY start_time ASC
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []domain.Meeting
	for rows.Next() {
		meeting, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, meeting)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meetings: %w", err)
	}
	return meetings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (domain.Meeting, error) {
	var meeting domain.Meeting
	var status string
	var startTime, createdAt, updatedAt int64
	err := row.Scan(
		&meeting.ID,
		&meeting.Code,
		&meeting.Topic,
		&meeting.Description,
		&meeting.OrganizerID,
		&startTime,
		&meeting.DurationMinutes,
		&status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Meeting{}, storage.ErrNotFound
		}
		return domain.Meeting{}, fmt.Errorf("scan meeting: %w", err)
	}
	meeting.Status = domain.Status(status)
	meeting.StartTime = fromMillis(startTime)
	meeting.CreatedAt = fromMillis(createdAt)
	meeting.UpdatedAt = fromMillis(updatedAt)
	return meeting, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}

var _ storage.MeetingStore = (*Store)(nil)
