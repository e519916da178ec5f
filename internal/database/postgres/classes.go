package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// ClassRepository provides PostgreSQL-backed class and roster storage.
type ClassRepository struct {
	pool *Pool
}

// NewClassRepository creates a new PostgreSQL class repository.
func NewClassRepository(pool *Pool) *ClassRepository {
	return &ClassRepository{pool: pool}
}

// GetClass retrieves a class by id.
func (r *ClassRepository) GetClass(ctx context.Context, classID string) (*database.Class, error) {
	var (
		c      database.Class
		status string
	)
	err := r.pool.QueryRow(ctx,
		"SELECT id, teacher_id, name, status FROM classes WHERE id = $1", classID,
	).Scan(&c.ID, &c.TeacherID, &c.Name, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get class: %w", err)
	}
	c.Status = database.ClassStatus(status)
	return &c, nil
}

// IsEnrolled reports whether the student is on the class roster.
func (r *ClassRepository) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM class_students WHERE class_id = $1 AND student_id = $2)",
		classID, studentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return exists, nil
}

// ListStudents returns the roster of a class ordered by student id.
func (r *ClassRepository) ListStudents(ctx context.Context, classID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT student_id FROM class_students WHERE class_id = $1 ORDER BY student_id", classID,
	)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan roster: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roster: %w", err)
	}
	return ids, nil
}

// SetClassStatus updates the attendance status of a class.
func (r *ClassRepository) SetClassStatus(ctx context.Context, classID string, status database.ClassStatus) error {
	result, err := r.pool.Exec(ctx, "UPDATE classes SET status = $2 WHERE id = $1", classID, string(status))
	if err != nil {
		return fmt.Errorf("set class status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CreateClass inserts or renames a class. Used for seeding and tests.
func (r *ClassRepository) CreateClass(ctx context.Context, c *database.Class) error {
	status := c.Status
	if status == "" {
		status = database.ClassInactive
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO classes (id, teacher_id, name, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			teacher_id = EXCLUDED.teacher_id,
			name = EXCLUDED.name
	`, c.ID, c.TeacherID, c.Name, string(status))
	if err != nil {
		return fmt.Errorf("create class: %w", err)
	}
	return nil
}

// Enroll adds students to the class roster; existing entries are ignored.
func (r *ClassRepository) Enroll(ctx context.Context, classID string, studentIDs ...string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	tx, err := r.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, id := range studentIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO class_students (class_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			classID, id,
		); err != nil {
			return fmt.Errorf("enroll %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}
