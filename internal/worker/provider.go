package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/repository"
)

// maxAwaitDuration caps how long the provider sleeps between iterations,
// so a missed wakeup costs at most this much latency.
const maxAwaitDuration = 300 * time.Second

const (
	providerPending int32 = iota
	providerStarted
	providerStopped
	providerCrashed
)

// providerExecutor is the slice of the Executor the provider consumes.
type providerExecutor interface {
	AvailableSlots() int
	ActiveIDs() []string
	Post(job *domain.Job) error
	DrainPending(ctx context.Context) error
	PendingUpdates() int
}

type ProviderOptions struct {
	// PollingInterval <= 0 disables polling; the provider then relies on
	// listener hints and scheduled-job wakeups alone.
	PollingInterval time.Duration
	PollingJitter   float64
}

// Provider arbitrates between listener hints, the next known scheduled
// job, and the polling clock, and drives reservation only when the
// executor has free slots.
type Provider struct {
	workerID string
	repo     repository.JobRepository
	executor providerExecutor
	filter   repository.Filter
	hooks    *hooks.Registry
	logger   *slog.Logger
	opts     ProviderOptions

	// Invoked after a reservation that found the queue empty.
	onQueueEmpty func()

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	state  atomic.Int32

	mu sync.Mutex
	// nextKnown=false is the UNKNOWN state: we have not asked the database
	// yet. nextNone means we asked and there is nothing pending.
	nextKnown        bool
	nextNone         bool
	nextAt           time.Time
	pollAt           time.Time // zero while polling is disabled
	refreshRequested bool

	initialized bool
	errorCount  int
}

func NewProvider(
	workerID string,
	repo repository.JobRepository,
	executor providerExecutor,
	filter repository.Filter,
	registry *hooks.Registry,
	logger *slog.Logger,
	opts ProviderOptions,
) *Provider {
	return &Provider{
		workerID: workerID,
		repo:     repo,
		executor: executor,
		filter:   filter,
		hooks:    registry,
		logger:   logger.With("component", "provider"),
		opts:     opts,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetQueueEmpty must be called before Start.
func (p *Provider) SetQueueEmpty(fn func()) {
	p.onQueueEmpty = fn
}

func (p *Provider) Start(ctx context.Context) {
	if !p.state.CompareAndSwap(providerPending, providerStarted) {
		return
	}
	if p.opts.PollingInterval > 0 {
		p.mu.Lock()
		p.pollAt = time.Now()
		p.mu.Unlock()
	}
	go p.run(ctx)
}

func (p *Provider) Running() bool {
	return p.state.Load() == providerStarted
}

// Stop flips the state and waits for the loop goroutine to exit.
func (p *Provider) Stop() {
	if !p.state.CompareAndSwap(providerStarted, providerStopped) {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

// Hint tells the provider a job is ready (or will be) at t. A hint earlier
// than the known next job overwrites it. While the state is UNKNOWN only a
// hint that is already due is adopted: a future value we cannot
// substantiate must not suppress the authoritative refresh.
func (p *Provider) Hint(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case !p.nextKnown:
		if !t.After(time.Now()) {
			p.adoptLocked(t)
		}
	case p.nextNone || t.Before(p.nextAt):
		p.adoptLocked(t)
	}
}

// RequestRefresh forces an authoritative earliest-scheduled-at fetch from
// the database on the next iteration.
func (p *Provider) RequestRefresh() {
	p.mu.Lock()
	p.refreshRequested = true
	p.mu.Unlock()
	p.signal()
}

// Poll forces a reservation pass now. Errors when the provider is not
// running.
func (p *Provider) Poll() error {
	if !p.Running() {
		return fmt.Errorf("provider is not running")
	}
	p.mu.Lock()
	p.pollAt = time.Now()
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *Provider) adoptLocked(t time.Time) {
	p.nextKnown = true
	p.nextNone = false
	p.nextAt = t
	p.signal()
}

func (p *Provider) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Provider) run(ctx context.Context) {
	defer close(p.doneCh)

	for p.Running() {
		if err := p.iteration(ctx); err != nil {
			p.errorCount++
			metrics.ComponentRestartsTotal.WithLabelValues("provider").Inc()
			if p.errorCount >= fatalErrorThreshold {
				p.state.Store(providerCrashed)
				fatal := fmt.Errorf("provider exceeded %d consecutive errors: %w", fatalErrorThreshold, err)
				p.logger.Error("provider crashed", "error", fatal)
				p.hooks.RunOnFatalError(fatal)
				return
			}
			delay := jitteredRestartDelay(p.errorCount)
			p.logger.Error("provider iteration failed",
				"error", err, "consecutive_errors", p.errorCount, "restart_in", delay)
			p.sleep(delay)
			continue
		}
		p.errorCount = 0
	}
}

func (p *Provider) iteration(ctx context.Context) error {
	if !p.initialized {
		if err := p.recover(ctx); err != nil {
			return err
		}
		p.initialized = true
	}

	p.await(p.waitTimeout())
	if !p.Running() {
		return nil
	}

	// Outcomes buffered during a database outage flush as soon as an
	// iteration succeeds; job completions poke the event, so the wake after
	// the outage is prompt.
	if p.executor.PendingUpdates() > 0 {
		if err := p.executor.DrainPending(ctx); err != nil {
			return fmt.Errorf("drain pending updates: %w", err)
		}
	}

	if p.takeRefreshRequest() {
		if err := p.refreshNextScheduledAt(ctx); err != nil {
			return err
		}
	}

	if !p.reserveJobsNow() {
		return nil
	}
	return p.reserveAndDispatch(ctx)
}

// recover drains the pending-update buffer and re-dispatches jobs this
// worker id still holds in executing from before a restart.
func (p *Provider) recover(ctx context.Context) error {
	if err := p.executor.DrainPending(ctx); err != nil {
		return fmt.Errorf("drain pending updates: %w", err)
	}

	abandoned, err := p.repo.Abandoned(ctx, p.workerID, p.executor.ActiveIDs())
	if err != nil {
		return fmt.Errorf("fetch abandoned jobs: %w", err)
	}
	for _, job := range abandoned {
		p.logger.Warn("re-dispatching abandoned job", "job_id", job.ID, "queue", job.Queue)
		if err := p.executor.Post(job); err != nil {
			return fmt.Errorf("re-dispatch abandoned job %s: %w", job.ID, err)
		}
	}
	return nil
}

// waitTimeout is how long the next await may sleep: the soonest of the
// poll clock and the next known scheduled job, capped at maxAwaitDuration.
// With zero free slots there is nothing to reserve, so the full cap
// applies — job completions poke the event long before it expires.
func (p *Provider) waitTimeout() time.Duration {
	if p.executor.AvailableSlots() == 0 {
		return maxAwaitDuration
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	timeout := maxAwaitDuration
	now := time.Now()
	if !p.pollAt.IsZero() {
		if d := p.pollAt.Sub(now); d < timeout {
			timeout = d
		}
	}
	if p.nextKnown && !p.nextNone {
		if d := p.nextAt.Sub(now); d < timeout {
			timeout = d
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// await parks on the event for at most timeout; a signal consumes the
// event slot (reset-on-wake).
func (p *Provider) await(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.wake:
	case <-timer.C:
	case <-p.stopCh:
	}
}

func (p *Provider) takeRefreshRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	requested := p.refreshRequested
	p.refreshRequested = false
	return requested
}

// reserveJobsNow reports whether a reservation pass is due, advancing the
// poll clock when it fires.
func (p *Provider) reserveJobsNow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if !p.pollAt.IsZero() && !p.pollAt.After(now.Add(time.Millisecond)) {
		if p.opts.PollingInterval > 0 {
			p.pollAt = now.Add(p.jitteredInterval())
		} else {
			p.pollAt = time.Time{}
		}
		return true
	}
	return p.nextKnown && !p.nextNone && !p.nextAt.After(now)
}

func (p *Provider) jitteredInterval() time.Duration {
	interval := p.opts.PollingInterval
	if p.opts.PollingJitter > 0 {
		delta := (rand.Float64() - 0.5) * p.opts.PollingJitter * float64(interval)
		interval += time.Duration(delta)
	}
	return interval
}

func (p *Provider) reserveAndDispatch(ctx context.Context) error {
	free := p.executor.AvailableSlots()
	if free == 0 {
		return nil
	}

	batch, err := p.repo.Reserve(ctx, p.workerID, p.filter, free)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	metrics.JobsReservedTotal.Add(float64(len(batch)))

	for i, job := range batch {
		if err := p.executor.Post(job); err != nil {
			// Give back everything not safely handed over, in one statement.
			ids := make([]string, 0, len(batch)-i)
			for _, j := range batch[i:] {
				ids = append(ids, j.ID)
			}
			if relErr := p.repo.Release(ctx, ids); relErr != nil {
				p.logger.Error("release batch after post failure", "error", relErr, "count", len(ids))
			}
			return fmt.Errorf("post job %s: %w", job.ID, err)
		}
	}

	if len(batch) < free {
		at, ok, err := p.repo.EarliestScheduledAt(ctx, p.filter)
		if err != nil {
			return fmt.Errorf("refresh next scheduled_at: %w", err)
		}
		p.setNextAuthoritative(at, ok)
		if !ok && len(batch) == 0 && p.onQueueEmpty != nil {
			p.onQueueEmpty()
		}
	} else {
		// A full batch means more work probably exists; if the state was
		// UNKNOWN, latch "work exists now" so the next iteration reserves
		// again instead of idling.
		p.mu.Lock()
		if !p.nextKnown {
			p.nextKnown = true
			p.nextNone = false
			p.nextAt = time.Now()
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Provider) refreshNextScheduledAt(ctx context.Context) error {
	at, ok, err := p.repo.EarliestScheduledAt(ctx, p.filter)
	if err != nil {
		return fmt.Errorf("refresh next scheduled_at: %w", err)
	}
	p.setNextAuthoritative(at, ok)
	return nil
}

func (p *Provider) setNextAuthoritative(at time.Time, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextKnown = true
	p.nextNone = !ok
	p.nextAt = at
	if ok && !at.After(time.Now()) {
		p.signal()
	}
}

func (p *Provider) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.stopCh:
	}
}
