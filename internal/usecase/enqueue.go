package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/repository"
)

// EnqueueUsecase inserts jobs. The insert fires the broadcast trigger, so
// pushing a ready job wakes listening workers with no extra plumbing.
type EnqueueUsecase struct {
	repo            repository.JobRepository
	hooks           *hooks.Registry
	defaultPriority int16
}

func NewEnqueueUsecase(repo repository.JobRepository, registry *hooks.Registry, defaultPriority int16) *EnqueueUsecase {
	if defaultPriority == 0 {
		defaultPriority = domain.DefaultPriority
	}
	return &EnqueueUsecase{repo: repo, hooks: registry, defaultPriority: defaultPriority}
}

type PushInput struct {
	Queue       string
	Priority    *int16
	ScheduledAt *time.Time
	ActiveJobID string
	Payload     json.RawMessage
	Options     *domain.JobOptions
}

// Push validates and inserts one job. Zero-value fields fall back to the
// defaults: queue "default", the configured default priority, and
// scheduled_at = now.
func (u *EnqueueUsecase) Push(ctx context.Context, input PushInput) (*domain.Job, error) {
	queue := input.Queue
	if queue == "" {
		queue = domain.DefaultQueueName
	}
	if len(queue) > domain.MaxQueueNameLength {
		return nil, fmt.Errorf("queue %q: %w", queue, domain.ErrInvalidQueue)
	}

	priority := u.defaultPriority
	if input.Priority != nil {
		priority = *input.Priority
	}
	if priority < domain.MinPriority || priority > domain.MaxPriority {
		return nil, fmt.Errorf("priority %d: %w", priority, domain.ErrInvalidPriority)
	}

	if len(input.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if !json.Valid(input.Payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	now := time.Now()
	scheduledAt := now
	if input.ScheduledAt != nil {
		scheduledAt = *input.ScheduledAt
	}
	if scheduledAt.Before(now) {
		// scheduled_at >= enqueued_at by construction.
		scheduledAt = now
	}

	activeJobID := input.ActiveJobID
	if activeJobID == "" {
		activeJobID = uuid.NewString()
	}

	job := &domain.Job{
		Queue:       queue,
		Priority:    priority,
		EnqueuedAt:  now,
		ScheduledAt: scheduledAt,
		ActiveJobID: activeJobID,
		Payload:     input.Payload,
		Options:     input.Options,
		Status:      domain.JobPending,
	}

	u.hooks.RunBeforeEnqueue(ctx, job)
	var created *domain.Job
	var insertErr error
	chainErr := u.hooks.RunAroundEnqueue(ctx, job, func() {
		created, insertErr = u.repo.Insert(ctx, job)
	})
	if chainErr != nil {
		return nil, fmt.Errorf("enqueue hook chain: %w", chainErr)
	}
	if insertErr != nil {
		return nil, fmt.Errorf("insert job: %w", insertErr)
	}
	u.hooks.RunAfterEnqueue(ctx, created)

	return created, nil
}

// ScheduleAt coerces the wire forms a scheduled_at may arrive in: an
// RFC 3339 string or a positive numeric epoch (integer or float seconds).
func ScheduleAt(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%q: %w", v, domain.ErrInvalidSchedule)
		}
		return t, nil
	case float64:
		if v <= 0 {
			return time.Time{}, fmt.Errorf("%v: %w", v, domain.ErrInvalidSchedule)
		}
		return time.Unix(0, int64(v*float64(time.Second))), nil
	case int64:
		if v <= 0 {
			return time.Time{}, fmt.Errorf("%d: %w", v, domain.ErrInvalidSchedule)
		}
		return time.Unix(v, 0), nil
	case int:
		return ScheduleAt(int64(v))
	default:
		return time.Time{}, fmt.Errorf("%T: %w", value, domain.ErrInvalidSchedule)
	}
}
