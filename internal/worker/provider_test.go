package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/repository"
)

// fakeExecutor stands in for the Executor on the provider side of the
// hand-off.
type fakeExecutor struct {
	mu      sync.Mutex
	slots   int
	postErr error
	posted  []*domain.Job
	active  []string
	pending int
	drains  int
}

func (f *fakeExecutor) AvailableSlots() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slots
}

func (f *fakeExecutor) ActiveIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.active...)
}

func (f *fakeExecutor) Post(job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, job)
	return nil
}

func (f *fakeExecutor) DrainPending(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drains++
	f.pending = 0
	return nil
}

func (f *fakeExecutor) PendingUpdates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeExecutor) drainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

func (f *fakeExecutor) postedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.posted))
	for i, j := range f.posted {
		ids[i] = j.ID
	}
	return ids
}

func newTestProvider(t *testing.T, repo *fakeJobRepo, exec *fakeExecutor, opts ProviderOptions) *Provider {
	t.Helper()
	p := NewProvider("worker-1", repo, exec, repository.Filter{}, hooks.New(slog.Default()), slog.Default(), opts)
	p.Start(context.Background())
	t.Cleanup(p.Stop)
	return p
}

func TestProvider_ReservesOnStartupPoll(t *testing.T) {
	repo := newFakeJobRepo()
	var once sync.Once
	repo.reserveFn = func(workerID string, limit int) ([]*domain.Job, error) {
		var batch []*domain.Job
		once.Do(func() { batch = []*domain.Job{testJob("j1", nil)} })
		return batch, nil
	}
	exec := &fakeExecutor{slots: 4}

	newTestProvider(t, repo, exec, ProviderOptions{PollingInterval: time.Hour})

	if !waitFor(time.Second, func() bool { return len(exec.postedIDs()) == 1 }) {
		t.Fatalf("posted = %v, want the reserved job", exec.postedIDs())
	}
}

func TestProvider_DueHintWakesReservation(t *testing.T) {
	repo := newFakeJobRepo()
	var once sync.Once
	repo.reserveFn = func(workerID string, limit int) ([]*domain.Job, error) {
		var batch []*domain.Job
		once.Do(func() { batch = []*domain.Job{testJob("j1", nil)} })
		return batch, nil
	}
	exec := &fakeExecutor{slots: 4}

	// Polling disabled: only the hint can trigger the reservation.
	p := newTestProvider(t, repo, exec, ProviderOptions{})
	p.Hint(time.Now())

	if !waitFor(time.Second, func() bool { return len(exec.postedIDs()) == 1 }) {
		t.Fatalf("posted = %v, want the hinted job", exec.postedIDs())
	}
}

func TestProvider_FutureHintIgnoredWhileUnknown(t *testing.T) {
	repo := newFakeJobRepo()
	var reserves int
	var mu sync.Mutex
	repo.reserveFn = func(workerID string, limit int) ([]*domain.Job, error) {
		mu.Lock()
		reserves++
		mu.Unlock()
		return nil, nil
	}
	exec := &fakeExecutor{slots: 4}

	p := newTestProvider(t, repo, exec, ProviderOptions{})
	// Unsubstantiated future claim: must not be adopted, must not wake.
	p.Hint(time.Now().Add(time.Hour))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if reserves != 0 {
		t.Errorf("reserves = %d after a future hint in the unknown state, want 0", reserves)
	}
}

func TestProvider_EarlierHintOverwritesKnownNext(t *testing.T) {
	repo := newFakeJobRepo()
	repo.earliestFn = func() (time.Time, bool, error) {
		return time.Now().Add(time.Hour), true, nil
	}
	var once sync.Once
	repo.reserveFn = func(workerID string, limit int) ([]*domain.Job, error) {
		var batch []*domain.Job
		once.Do(func() { batch = []*domain.Job{testJob("j1", nil)} })
		return batch, nil
	}
	exec := &fakeExecutor{slots: 4}

	p := newTestProvider(t, repo, exec, ProviderOptions{})
	p.RequestRefresh()

	// Let the refresh land, then undercut it with a due hint.
	time.Sleep(20 * time.Millisecond)
	p.Hint(time.Now())

	if !waitFor(time.Second, func() bool { return len(exec.postedIDs()) == 1 }) {
		t.Fatalf("posted = %v, want the job from the earlier hint", exec.postedIDs())
	}
}

func TestProvider_PostFailureReleasesBatch(t *testing.T) {
	repo := newFakeJobRepo()
	var once sync.Once
	repo.reserveFn = func(workerID string, limit int) ([]*domain.Job, error) {
		var batch []*domain.Job
		once.Do(func() {
			batch = []*domain.Job{testJob("j1", nil), testJob("j2", nil), testJob("j3", nil)}
		})
		return batch, nil
	}
	exec := &fakeExecutor{slots: 3, postErr: errors.New("executor is not running")}

	newTestProvider(t, repo, exec, ProviderOptions{PollingInterval: time.Hour})

	if !waitFor(time.Second, func() bool { return len(repo.releasedIDs()) == 3 }) {
		t.Fatalf("released = %v, want all three reserved jobs back in pending", repo.releasedIDs())
	}
}

func TestProvider_StartupRedispatchesAbandoned(t *testing.T) {
	repo := newFakeJobRepo()
	repo.abandoned = []*domain.Job{testJob("orphan", nil)}
	exec := &fakeExecutor{slots: 4}

	newTestProvider(t, repo, exec, ProviderOptions{})

	if !waitFor(time.Second, func() bool {
		ids := exec.postedIDs()
		return len(ids) == 1 && ids[0] == "orphan"
	}) {
		t.Fatalf("posted = %v, want the abandoned job re-dispatched", exec.postedIDs())
	}

	if got := exec.drainCount(); got != 1 {
		t.Errorf("drains = %d, want the pending buffer drained once on startup", got)
	}
}

func TestProvider_DrainsBufferedOutcomesMidRun(t *testing.T) {
	repo := newFakeJobRepo()
	exec := &fakeExecutor{slots: 4}

	p := newTestProvider(t, repo, exec, ProviderOptions{PollingInterval: time.Hour})

	if !waitFor(time.Second, func() bool { return exec.drainCount() == 1 }) {
		t.Fatal("startup drain never ran")
	}

	// An outage while the provider idles leaves buffered outcomes behind;
	// the completion that buffered them pokes the provider, and the next
	// iteration must flush them.
	exec.mu.Lock()
	exec.pending = 1
	exec.mu.Unlock()
	if err := p.Poll(); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if !waitFor(time.Second, func() bool {
		return exec.PendingUpdates() == 0 && exec.drainCount() == 2
	}) {
		t.Fatalf("buffered outcomes never drained mid-run: %d still pending", exec.PendingUpdates())
	}
}

func TestProvider_QueueEmptyCallback(t *testing.T) {
	repo := newFakeJobRepo()
	exec := &fakeExecutor{slots: 4}

	var emptied sync.WaitGroup
	emptied.Add(1)
	var once sync.Once

	p := NewProvider("worker-1", repo, exec, repository.Filter{}, hooks.New(slog.Default()), slog.Default(),
		ProviderOptions{PollingInterval: time.Hour})
	p.SetQueueEmpty(func() { once.Do(emptied.Done) })
	p.Start(context.Background())
	t.Cleanup(p.Stop)

	done := make(chan struct{})
	go func() { emptied.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue_empty callback never fired on an empty reservation")
	}
}

func TestProvider_ZeroSlotsSkipsReservation(t *testing.T) {
	repo := newFakeJobRepo()
	var reserves int
	var mu sync.Mutex
	repo.reserveFn = func(workerID string, limit int) ([]*domain.Job, error) {
		mu.Lock()
		reserves++
		mu.Unlock()
		return nil, nil
	}
	exec := &fakeExecutor{slots: 0}

	newTestProvider(t, repo, exec, ProviderOptions{PollingInterval: time.Hour})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if reserves != 0 {
		t.Errorf("reserves = %d with zero free slots, want 0", reserves)
	}
}

func TestProvider_PollRequiresRunning(t *testing.T) {
	repo := newFakeJobRepo()
	exec := &fakeExecutor{slots: 4}

	p := NewProvider("worker-1", repo, exec, repository.Filter{}, hooks.New(slog.Default()), slog.Default(), ProviderOptions{})
	if err := p.Poll(); err == nil {
		t.Error("Poll before Start: err = nil, want error")
	}

	p.Start(context.Background())
	if err := p.Poll(); err != nil {
		t.Errorf("Poll while running: err = %v", err)
	}

	p.Stop()
	if err := p.Poll(); err == nil {
		t.Error("Poll after Stop: err = nil, want error")
	}
}
