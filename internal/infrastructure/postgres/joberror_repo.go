package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quernworks/quern/internal/domain"
)

type JobErrorRepository struct {
	pool *pgxpool.Pool
}

func NewJobErrorRepository(pool *pgxpool.Pool) *JobErrorRepository {
	return &JobErrorRepository{pool: pool}
}

func (r *JobErrorRepository) Create(ctx context.Context, jobError *domain.JobError) (*domain.JobError, error) {
	query := `
		INSERT INTO quern_job_errors (job_id, error)
		VALUES ($1, $2)
		RETURNING id, job_id, created_at, error`

	row := r.pool.QueryRow(ctx, query, jobError.JobID, jobError.Error)
	return scanJobError(row)
}

func (r *JobErrorRepository) ListByJobID(ctx context.Context, jobID string) ([]*domain.JobError, error) {
	query := `
		SELECT id, job_id, created_at, error
		FROM quern_job_errors
		WHERE job_id = $1
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job errors: %w", err)
	}
	defer rows.Close()

	var jobErrors []*domain.JobError
	for rows.Next() {
		e, err := scanJobError(rows)
		if err != nil {
			return nil, err
		}
		jobErrors = append(jobErrors, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job errors: %w", err)
	}
	return jobErrors, nil
}

func scanJobError(row rowScanner) (*domain.JobError, error) {
	var e domain.JobError
	if err := row.Scan(&e.ID, &e.JobID, &e.CreatedAt, &e.Error); err != nil {
		return nil, fmt.Errorf("scan job error: %w", err)
	}
	return &e, nil
}
