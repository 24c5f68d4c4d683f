package repository

import (
	"context"

	"github.com/quernworks/quern/internal/domain"
)

// JobErrorRepository is the append-only error log. Rows are written after a
// job fails or is discarded and never updated.
type JobErrorRepository interface {
	Create(ctx context.Context, jobError *domain.JobError) (*domain.JobError, error)
	ListByJobID(ctx context.Context, jobID string) ([]*domain.JobError, error)
}
