package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/quernworks/quern/internal/domain"
)

// Filter restricts which pending rows a worker reserves: an optional queue
// set and an optional closed priority interval. The zero value matches
// everything.
type Filter struct {
	Queues      []string
	MinPriority *int16
	MaxPriority *int16
}

// NewFilter validates queue names and priority bounds at build time so the
// reserve path never sees a malformed filter.
func NewFilter(queues []string, minPriority, maxPriority *int16) (Filter, error) {
	for _, q := range queues {
		if q == "" || len(q) > domain.MaxQueueNameLength {
			return Filter{}, fmt.Errorf("queue %q: %w", q, domain.ErrInvalidQueue)
		}
	}
	for _, p := range []*int16{minPriority, maxPriority} {
		if p != nil && (*p < domain.MinPriority || *p > domain.MaxPriority) {
			return Filter{}, fmt.Errorf("priority %d: %w", *p, domain.ErrInvalidPriority)
		}
	}
	if minPriority != nil && maxPriority != nil && *minPriority > *maxPriority {
		return Filter{}, fmt.Errorf("min priority %d above max %d: %w",
			*minPriority, *maxPriority, domain.ErrInvalidPriority)
	}
	return Filter{Queues: queues, MinPriority: minPriority, MaxPriority: maxPriority}, nil
}

// Match reports whether a job with the given queue and priority falls inside
// the filter. The listener uses it to drop notifications for rows this
// worker would never reserve.
func (f Filter) Match(queue string, priority int16) bool {
	if len(f.Queues) > 0 {
		found := false
		for _, q := range f.Queues {
			if q == queue {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority != nil && priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && priority > *f.MaxPriority {
		return false
	}
	return true
}

type ListJobsInput struct {
	Queue      string           // empty = all queues
	Status     domain.JobStatus // empty = all statuses
	CursorTime *time.Time       // nil = first page
	CursorID   string           // used only when CursorTime is non-nil
	Limit      int
}

// JobUpdate is a partial update applied to one row, and the unit buffered
// by the executor while the database is unreachable. Nil fields are left
// untouched; ClearWorker additionally nulls worker_id.
type JobUpdate struct {
	Status      *domain.JobStatus
	Runtime     *float64
	ClearWorker bool
}

// JobRepository is the job-table surface the runtime and the API share. The
// worker runtime consumes the reserve/outcome half; the HTTP server the
// insert/read half.
type JobRepository interface {
	Insert(ctx context.Context, job *domain.Job) (*domain.Job, error)
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	ListJobs(ctx context.Context, input ListJobsInput) ([]*domain.Job, error)
	// CancelPending discards a job that has not been picked up yet. Returns
	// domain.ErrJobNotPending when the row exists in another status.
	CancelPending(ctx context.Context, jobID string) error

	// Reserve atomically claims up to limit ready rows for workerID in
	// dequeue order (priority, scheduled_at, enqueued_at), skipping rows
	// locked by concurrent transactions.
	Reserve(ctx context.Context, workerID string, filter Filter, limit int) ([]*domain.Job, error)
	// Release returns claimed-but-unstarted rows to pending in one statement.
	Release(ctx context.Context, jobIDs []string) error
	// Abandoned lists rows still marked executing for workerID whose ids are
	// not in activeIDs; they are re-dispatched after a restart.
	Abandoned(ctx context.Context, workerID string, activeIDs []string) ([]*domain.Job, error)
	// EarliestScheduledAt returns the soonest scheduled_at among pending rows
	// matching the filter, or ok=false when there are none.
	EarliestScheduledAt(ctx context.Context, filter Filter) (time.Time, bool, error)

	Update(ctx context.Context, jobID string, update JobUpdate) error
	Destroy(ctx context.Context, jobID string) error

	// PurgeFinished deletes rows in the given terminal statuses older than
	// cutoff; used by the janitor.
	PurgeFinished(ctx context.Context, cutoff time.Time, statuses []domain.JobStatus, limit int) (int, error)
}
