package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/repository"
)

type purgeWorkerRepo struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (r *purgeWorkerRepo) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.cutoffs = append(r.cutoffs, cutoff)
	return 2, nil
}

func (r *purgeWorkerRepo) Create(context.Context, *domain.Worker) (*domain.Worker, error) {
	return nil, nil
}
func (r *purgeWorkerRepo) GetByID(context.Context, string) (*domain.Worker, error) {
	return nil, domain.ErrWorkerNotFound
}
func (r *purgeWorkerRepo) List(context.Context) ([]*domain.Worker, error) { return nil, nil }
func (r *purgeWorkerRepo) UpdateStatus(context.Context, string, domain.WorkerStatus) error {
	return nil
}
func (r *purgeWorkerRepo) Heartbeat(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}
func (r *purgeWorkerRepo) Delete(context.Context, string) error { return nil }

type purgeJobRepo struct {
	mu      sync.Mutex
	calls   []purgeCall
	pending []int // per-call return counts; empty = 0
	err     error
}

type purgeCall struct {
	cutoff   time.Time
	statuses []domain.JobStatus
	limit    int
}

func (r *purgeJobRepo) PurgeFinished(ctx context.Context, cutoff time.Time, statuses []domain.JobStatus, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.calls = append(r.calls, purgeCall{cutoff: cutoff, statuses: statuses, limit: limit})
	if len(r.pending) == 0 {
		return 0, nil
	}
	n := r.pending[0]
	r.pending = r.pending[1:]
	return n, nil
}

func (r *purgeJobRepo) Insert(context.Context, *domain.Job) (*domain.Job, error) { return nil, nil }
func (r *purgeJobRepo) GetByID(context.Context, string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}
func (r *purgeJobRepo) ListJobs(context.Context, repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}
func (r *purgeJobRepo) CancelPending(context.Context, string) error { return nil }
func (r *purgeJobRepo) Reserve(context.Context, string, repository.Filter, int) ([]*domain.Job, error) {
	return nil, nil
}
func (r *purgeJobRepo) Release(context.Context, []string) error { return nil }
func (r *purgeJobRepo) Abandoned(context.Context, string, []string) ([]*domain.Job, error) {
	return nil, nil
}
func (r *purgeJobRepo) EarliestScheduledAt(context.Context, repository.Filter) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (r *purgeJobRepo) Update(context.Context, string, repository.JobUpdate) error { return nil }
func (r *purgeJobRepo) Destroy(context.Context, string) error                      { return nil }

func TestSweep_UsesConfiguredRetention(t *testing.T) {
	workers := &purgeWorkerRepo{}
	jobs := &purgeJobRepo{}
	j := New(workers, jobs, slog.Default(), Options{
		Schedule:        "@every 4m",
		WorkerRetention: 4 * time.Minute,
		JobRetention:    48 * time.Hour,
		PurgeStatuses:   []domain.JobStatus{domain.JobCompleted, domain.JobDiscarded},
	})

	before := time.Now()
	j.Sweep(context.Background())

	workers.mu.Lock()
	if len(workers.cutoffs) != 1 {
		t.Fatalf("worker purges = %d, want 1", len(workers.cutoffs))
	}
	workerCutoff := workers.cutoffs[0]
	workers.mu.Unlock()
	wantWorker := before.Add(-4 * time.Minute)
	if workerCutoff.Before(wantWorker.Add(-time.Second)) || workerCutoff.After(wantWorker.Add(time.Second)) {
		t.Errorf("worker cutoff = %v, want about %v", workerCutoff, wantWorker)
	}

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.calls) != 1 {
		t.Fatalf("job purges = %d, want 1", len(jobs.calls))
	}
	call := jobs.calls[0]
	if len(call.statuses) != 2 || call.statuses[0] != domain.JobCompleted || call.statuses[1] != domain.JobDiscarded {
		t.Errorf("statuses = %v, want [c d]", call.statuses)
	}
	wantJob := before.Add(-48 * time.Hour)
	if call.cutoff.Before(wantJob.Add(-time.Second)) || call.cutoff.After(wantJob.Add(time.Second)) {
		t.Errorf("job cutoff = %v, want about %v", call.cutoff, wantJob)
	}
}

func TestSweep_JobPurgeBatchesUntilDrained(t *testing.T) {
	workers := &purgeWorkerRepo{}
	jobs := &purgeJobRepo{pending: []int{purgeBatchSize, purgeBatchSize, 3}}
	j := New(workers, jobs, slog.Default(), Options{
		Schedule:        "@every 4m",
		WorkerRetention: time.Minute,
		JobRetention:    time.Hour,
		PurgeStatuses:   []domain.JobStatus{domain.JobCompleted},
	})

	j.Sweep(context.Background())

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.calls) != 3 {
		t.Errorf("purge calls = %d, want 3 (two full batches then the tail)", len(jobs.calls))
	}
}

func TestSweep_PurgesAreIndependent(t *testing.T) {
	workers := &purgeWorkerRepo{err: errors.New("deadlock detected")}
	jobs := &purgeJobRepo{}
	j := New(workers, jobs, slog.Default(), Options{
		Schedule:        "@every 4m",
		WorkerRetention: time.Minute,
		JobRetention:    time.Hour,
		PurgeStatuses:   []domain.JobStatus{domain.JobCompleted},
	})

	j.Sweep(context.Background())

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	if len(jobs.calls) != 1 {
		t.Errorf("job purge ran %d times despite worker purge failing, want 1", len(jobs.calls))
	}
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	j := New(&purgeWorkerRepo{}, &purgeJobRepo{}, slog.Default(), Options{Schedule: "not a schedule"})
	if err := j.Start(context.Background()); err == nil {
		t.Error("invalid cron expression accepted")
	}
}
