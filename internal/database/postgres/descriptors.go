package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/pgvector/pgvector-go"
)

// DescriptorRepository stores enrollment reference descriptors as pgvector columns.
type DescriptorRepository struct {
	pool *Pool
}

// NewDescriptorRepository creates a new PostgreSQL descriptor repository.
func NewDescriptorRepository(pool *Pool) *DescriptorRepository {
	return &DescriptorRepository{pool: pool}
}

// GetDescriptor retrieves the stored descriptor of a student.
func (r *DescriptorRepository) GetDescriptor(ctx context.Context, studentID string) (*database.StoredDescriptor, error) {
	query := `
		SELECT student_id, digest, embedding, dim, model, created_at
		FROM reference_descriptors
		WHERE student_id = $1
	`

	var (
		d   database.StoredDescriptor
		vec pgvector.Vector
	)
	err := r.pool.QueryRow(ctx, query, studentID).Scan(
		&d.StudentID, &d.Digest, &vec, &d.Dim, &d.Model, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get descriptor: %w", err)
	}
	d.Embedding = vec.Slice()
	return &d, nil
}

// SaveDescriptor creates or replaces the descriptor of a student.
func (r *DescriptorRepository) SaveDescriptor(ctx context.Context, d *database.StoredDescriptor) error {
	if len(d.Embedding) == 0 {
		return errors.New("save descriptor: empty embedding")
	}
	dim := d.Dim
	if dim == 0 {
		dim = len(d.Embedding)
	}

	query := `
		INSERT INTO reference_descriptors (student_id, digest, embedding, dim, model)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (student_id) DO UPDATE SET
			digest = EXCLUDED.digest,
			embedding = EXCLUDED.embedding,
			dim = EXCLUDED.dim,
			model = EXCLUDED.model,
			created_at = NOW()
	`

	vec := pgvector.NewVector(d.Embedding)
	if _, err := r.pool.Exec(ctx, query, d.StudentID, d.Digest, vec, dim, d.Model); err != nil {
		return fmt.Errorf("save descriptor: %w", err)
	}
	return nil
}

// DeleteDescriptor removes the descriptor of a student if present.
func (r *DescriptorRepository) DeleteDescriptor(ctx context.Context, studentID string) error {
	if _, err := r.pool.Exec(ctx, "DELETE FROM reference_descriptors WHERE student_id = $1", studentID); err != nil {
		return fmt.Errorf("delete descriptor: %w", err)
	}
	return nil
}
