package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/repository"
)

// fakeJobRepo is an in-memory repository.JobRepository for runtime tests.
// Behavior is overridable per call through the func fields; calls are
// recorded under the mutex for assertions.
type fakeJobRepo struct {
	mu sync.Mutex

	reserveFn  func(workerID string, limit int) ([]*domain.Job, error)
	earliestFn func() (time.Time, bool, error)
	updateErr  error
	destroyErr error

	released  [][]string
	updates   map[string][]repository.JobUpdate
	destroyed []string
	abandoned []*domain.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{updates: make(map[string][]repository.JobUpdate)}
}

func (f *fakeJobRepo) Insert(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	return job, nil
}

func (f *fakeJobRepo) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, domain.ErrJobNotFound
}

func (f *fakeJobRepo) ListJobs(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) CancelPending(ctx context.Context, jobID string) error {
	return nil
}

func (f *fakeJobRepo) Reserve(ctx context.Context, workerID string, filter repository.Filter, limit int) ([]*domain.Job, error) {
	if f.reserveFn != nil {
		return f.reserveFn(workerID, limit)
	}
	return nil, nil
}

func (f *fakeJobRepo) Release(ctx context.Context, jobIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, jobIDs)
	return nil
}

func (f *fakeJobRepo) Abandoned(ctx context.Context, workerID string, activeIDs []string) ([]*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.abandoned, nil
}

func (f *fakeJobRepo) EarliestScheduledAt(ctx context.Context, filter repository.Filter) (time.Time, bool, error) {
	if f.earliestFn != nil {
		return f.earliestFn()
	}
	return time.Time{}, false, nil
}

func (f *fakeJobRepo) Update(ctx context.Context, jobID string, update repository.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates[jobID] = append(f.updates[jobID], update)
	return nil
}

func (f *fakeJobRepo) Destroy(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed = append(f.destroyed, jobID)
	return nil
}

func (f *fakeJobRepo) PurgeFinished(ctx context.Context, cutoff time.Time, statuses []domain.JobStatus, limit int) (int, error) {
	return 0, nil
}

func (f *fakeJobRepo) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, batch := range f.released {
		out = append(out, batch...)
	}
	return out
}

func (f *fakeJobRepo) updatesFor(jobID string) []repository.JobUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repository.JobUpdate(nil), f.updates[jobID]...)
}

func (f *fakeJobRepo) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// fakePinger simulates the liveness probe of the lost-connection policy.
type fakePinger struct {
	mu   sync.Mutex
	down bool
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("connection refused")
	}
	return nil
}

func (p *fakePinger) setDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// fakeJobErrorRepo records error-log rows.
type fakeJobErrorRepo struct {
	mu      sync.Mutex
	entries []*domain.JobError
}

func (f *fakeJobErrorRepo) Create(ctx context.Context, jobError *domain.JobError) (*domain.JobError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, jobError)
	return jobError, nil
}

func (f *fakeJobErrorRepo) ListByJobID(ctx context.Context, jobID string) ([]*domain.JobError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.JobError
	for _, e := range f.entries {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeJobErrorRepo) forJob(jobID string) []*domain.JobError {
	out, _ := f.ListByJobID(context.Background(), jobID)
	return out
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
