package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
)

// AttendanceRepository provides PostgreSQL-backed attendance record storage.
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository.
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

const attendanceColumns = `student_id, class_id, ble_verified, face_verified, confidence_score,
		       final_status, rssi, created_at, updated_at`

// Get retrieves the record for a (student, class) pair.
func (r *AttendanceRepository) Get(ctx context.Context, studentID, classID string) (*database.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + `
		FROM attendance_records
		WHERE student_id = $1 AND class_id = $2
	`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, studentID, classID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attendance record: %w", err)
	}
	return rec, nil
}

// ListByClass returns all records of a class ordered by student id.
func (r *AttendanceRepository) ListByClass(ctx context.Context, classID string) ([]database.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + `
		FROM attendance_records
		WHERE class_id = $1
		ORDER BY student_id
	`

	rows, err := r.pool.Query(ctx, query, classID)
	if err != nil {
		return nil, fmt.Errorf("query attendance records: %w", err)
	}
	defer rows.Close()

	var records []database.AttendanceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance records: %w", err)
	}
	return records, nil
}

// InsertPending creates a pending record; an existing one is left as is.
func (r *AttendanceRepository) InsertPending(ctx context.Context, studentID, classID string) error {
	query := `
		INSERT INTO attendance_records (student_id, class_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, class_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, studentID, classID); err != nil {
		return fmt.Errorf("insert pending attendance: %w", err)
	}
	return nil
}

// MarkBLEVerified upserts the record with ble_verified set.
func (r *AttendanceRepository) MarkBLEVerified(ctx context.Context, studentID, classID string, rssi *int) (*database.AttendanceRecord, error) {
	query := `
		INSERT INTO attendance_records (student_id, class_id, ble_verified, rssi)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (student_id, class_id) DO UPDATE SET
			ble_verified = TRUE,
			rssi = COALESCE(EXCLUDED.rssi, attendance_records.rssi),
			updated_at = NOW()
		RETURNING ` + attendanceColumns

	var rssiArg sql.NullInt64
	if rssi != nil {
		rssiArg = sql.NullInt64{Int64: int64(*rssi), Valid: true}
	}

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, studentID, classID, rssiArg))
	if err != nil {
		return nil, fmt.Errorf("mark ble verified: %w", err)
	}
	return rec, nil
}

// MarkFaceVerified updates the matching record in a single statement.
func (r *AttendanceRepository) MarkFaceVerified(ctx context.Context, studentID, classID string, confidence float64) (bool, error) {
	query := `
		UPDATE attendance_records
		SET face_verified = TRUE,
		    confidence_score = $3,
		    final_status = $4,
		    updated_at = NOW()
		WHERE student_id = $1 AND class_id = $2
	`

	result, err := r.pool.Exec(ctx, query, studentID, classID, confidence, string(database.StatusPresent))
	if err != nil {
		return false, fmt.Errorf("mark face verified: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*database.AttendanceRecord, error) {
	var (
		rec        database.AttendanceRecord
		confidence sql.NullFloat64
		rssi       sql.NullInt64
		status     string
	)
	if err := row.Scan(
		&rec.StudentID,
		&rec.ClassID,
		&rec.BLEVerified,
		&rec.FaceVerified,
		&confidence,
		&status,
		&rssi,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.FinalStatus = database.Status(status)
	if confidence.Valid {
		c := confidence.Float64
		rec.ConfidenceScore = &c
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		rec.RSSI = &v
	}
	return &rec, nil
}
