package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// SessionRepository provides PostgreSQL-backed attendance session storage
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// SaveSession stores a session in the database
func (r *SessionRepository) SaveSession(ctx context.Context, s *database.AttendanceSession) error {
	query := `
		INSERT INTO attendance_sessions (id, class_id, teacher_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			class_id = EXCLUDED.class_id,
			teacher_id = EXCLUDED.teacher_id,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`

	_, err := r.pool.Exec(ctx, query, s.ID, s.ClassID, s.TeacherID, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID, including expired and ended ones
func (r *SessionRepository) GetSession(ctx context.Context, id string) (*database.AttendanceSession, error) {
	query := `
		SELECT id, class_id, teacher_id, created_at, expires_at, ended_at
		FROM attendance_sessions
		WHERE id = $1
	`

	var (
		s     database.AttendanceSession
		ended sql.NullTime
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID,
		&s.ClassID,
		&s.TeacherID,
		&s.CreatedAt,
		&s.ExpiresAt,
		&ended,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}

// EndSession stamps ended_at once; later calls keep the first timestamp
func (r *SessionRepository) EndSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE attendance_sessions SET ended_at = COALESCE(ended_at, NOW()) WHERE id = $1", id,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// DeleteExpired removes all expired sessions and returns the count deleted
func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.pool.Exec(ctx, "DELETE FROM attendance_sessions WHERE expires_at <= NOW()")
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return count, nil
}
