package repository

import (
	"context"
	"time"

	"github.com/quernworks/quern/internal/domain"
)

// WorkerRepository persists worker records. Deleting a record releases its
// executing jobs back to pending through the requeue trigger, so Delete is
// the last step of a clean shutdown.
type WorkerRepository interface {
	Create(ctx context.Context, worker *domain.Worker) (*domain.Worker, error)
	GetByID(ctx context.Context, workerID string) (*domain.Worker, error)
	List(ctx context.Context) ([]*domain.Worker, error)
	UpdateStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error
	// Heartbeat sets last_heartbeat_at to now and returns the written time.
	Heartbeat(ctx context.Context, workerID string) (time.Time, error)
	Delete(ctx context.Context, workerID string) error
	// PurgeStale deletes workers whose heartbeat is older than cutoff; the
	// trigger releases their jobs. Returns the number of rows removed.
	PurgeStale(ctx context.Context, cutoff time.Time) (int, error)
}
