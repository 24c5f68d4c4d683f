package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/repository"
)

type insertRecorder struct {
	mu       sync.Mutex
	inserted []*domain.Job
	err      error
}

func (r *insertRecorder) Insert(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.inserted = append(r.inserted, job)
	return job, nil
}

func (r *insertRecorder) GetByID(context.Context, string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}
func (r *insertRecorder) ListJobs(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}
func (r *insertRecorder) CancelPending(context.Context, string) error { return nil }
func (r *insertRecorder) Reserve(context.Context, string, repository.Filter, int) ([]*domain.Job, error) {
	return nil, nil
}
func (r *insertRecorder) Release(context.Context, []string) error { return nil }
func (r *insertRecorder) Abandoned(context.Context, string, []string) ([]*domain.Job, error) {
	return nil, nil
}
func (r *insertRecorder) EarliestScheduledAt(context.Context, repository.Filter) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (r *insertRecorder) Update(context.Context, string, repository.JobUpdate) error { return nil }
func (r *insertRecorder) Destroy(context.Context, string) error                      { return nil }
func (r *insertRecorder) PurgeFinished(context.Context, time.Time, []domain.JobStatus, int) (int, error) {
	return 0, nil
}

func newEnqueue(repo *insertRecorder) *EnqueueUsecase {
	return NewEnqueueUsecase(repo, hooks.New(slog.Default()), 0)
}

func TestPush_Defaults(t *testing.T) {
	repo := &insertRecorder{}
	u := newEnqueue(repo)

	before := time.Now()
	job, err := u.Push(context.Background(), PushInput{
		Payload: json.RawMessage(`{"job_class":"echo"}`),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	if job.Queue != "default" {
		t.Errorf("queue = %q, want default", job.Queue)
	}
	if job.Priority != domain.DefaultPriority {
		t.Errorf("priority = %d, want %d", job.Priority, domain.DefaultPriority)
	}
	if job.Status != domain.JobPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.ScheduledAt.Before(before) {
		t.Errorf("scheduled_at = %v, want >= push time", job.ScheduledAt)
	}
	if job.ActiveJobID == "" {
		t.Error("active_job_id not generated")
	}
}

func TestPush_RejectsInvalidInput(t *testing.T) {
	repo := &insertRecorder{}
	u := newEnqueue(repo)
	payload := json.RawMessage(`{"job_class":"echo"}`)

	longQueue := make([]byte, domain.MaxQueueNameLength+1)
	for i := range longQueue {
		longQueue[i] = 'q'
	}
	if _, err := u.Push(context.Background(), PushInput{Queue: string(longQueue), Payload: payload}); !errors.Is(err, domain.ErrInvalidQueue) {
		t.Errorf("64-char queue: err = %v, want ErrInvalidQueue", err)
	}

	for _, priority := range []int16{0, -5} {
		p := priority
		if _, err := u.Push(context.Background(), PushInput{Priority: &p, Payload: payload}); !errors.Is(err, domain.ErrInvalidPriority) {
			t.Errorf("priority %d: err = %v, want ErrInvalidPriority", p, err)
		}
	}

	if _, err := u.Push(context.Background(), PushInput{}); err == nil {
		t.Error("missing payload accepted")
	}
	if _, err := u.Push(context.Background(), PushInput{Payload: json.RawMessage(`{broken`)}); err == nil {
		t.Error("malformed payload accepted")
	}

	if len(repo.inserted) != 0 {
		t.Errorf("inserted %d jobs from invalid pushes", len(repo.inserted))
	}
}

func TestPush_PastScheduleClampsToNow(t *testing.T) {
	repo := &insertRecorder{}
	u := newEnqueue(repo)

	past := time.Now().Add(-time.Hour)
	job, err := u.Push(context.Background(), PushInput{
		ScheduledAt: &past,
		Payload:     json.RawMessage(`{"job_class":"echo"}`),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if job.ScheduledAt.Before(job.EnqueuedAt) {
		t.Errorf("scheduled_at %v before enqueued_at %v", job.ScheduledAt, job.EnqueuedAt)
	}
}

func TestPush_RunsEnqueueHooks(t *testing.T) {
	repo := &insertRecorder{}
	registry := hooks.New(slog.Default())
	u := NewEnqueueUsecase(repo, registry, 0)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	registry.BeforeEnqueue(func(ctx context.Context, job *domain.Job) { record("before") })
	registry.AroundEnqueue(func(ctx context.Context, job *domain.Job, yield func()) {
		record("around-pre")
		yield()
		record("around-post")
	})
	registry.AfterEnqueue(func(ctx context.Context, job *domain.Job) { record("after") })

	if _, err := u.Push(context.Background(), PushInput{Payload: json.RawMessage(`{"job_class":"echo"}`)}); err != nil {
		t.Fatalf("push: %v", err)
	}

	want := []string{"before", "around-pre", "around-post", "after"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("hook order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("hook order = %v, want %v", order, want)
		}
	}
}

func TestScheduleAt_Coercion(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	if got, err := ScheduleAt(now); err != nil || !got.Equal(now) {
		t.Errorf("ScheduleAt(time) = %v, %v", got, err)
	}

	epoch := float64(now.Unix())
	if got, err := ScheduleAt(epoch); err != nil || got.Unix() != now.Unix() {
		t.Errorf("ScheduleAt(float epoch) = %v, %v", got, err)
	}

	if got, err := ScheduleAt(now.Format(time.RFC3339)); err != nil || !got.Equal(now) {
		t.Errorf("ScheduleAt(rfc3339) = %v, %v", got, err)
	}

	for _, bad := range []any{-1.0, 0.0, "tomorrow", struct{}{}} {
		if _, err := ScheduleAt(bad); !errors.Is(err, domain.ErrInvalidSchedule) {
			t.Errorf("ScheduleAt(%v): err = %v, want ErrInvalidSchedule", bad, err)
		}
	}
}
