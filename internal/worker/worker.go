package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/health"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/jobs"
	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/repository"
)

// heartbeatInterval coarsens the after-execute heartbeat: the timestamp is
// written at most this often no matter how fast jobs finish.
const heartbeatInterval = 60 * time.Second

type Options struct {
	Filter         repository.Filter
	Executor       ExecutorOptions
	Provider       ProviderOptions
	Listener       ListenerOptions
	EnableListener bool
	// WaitForTermination bounds the graceful drain on Stop; nil waits
	// indefinitely.
	WaitForTermination *time.Duration
}

// Worker is the process shell around the runtime trio. It owns the
// quern_workers row: created on Start, heartbeated while running, deleted
// on clean Stop so the requeue trigger releases any executing jobs.
type Worker struct {
	id         string
	workerRepo repository.WorkerRepository
	hooks      *hooks.Registry
	logger     *slog.Logger
	opts       Options

	executor *Executor
	provider *Provider
	listener *Listener

	mu       sync.Mutex
	started  bool
	stopped  bool
	lastBeat time.Time
	joinCh   chan struct{}
}

func New(
	dbPool *pgxpool.Pool,
	jobRepo repository.JobRepository,
	workerRepo repository.WorkerRepository,
	errorRepo repository.JobErrorRepository,
	runner jobs.Runner,
	registry *hooks.Registry,
	db health.Pinger,
	logger *slog.Logger,
	opts Options,
) *Worker {
	id := uuid.NewString()
	logger = logger.With("worker_id", id)

	w := &Worker{
		id:         id,
		workerRepo: workerRepo,
		hooks:      registry,
		logger:     logger,
		opts:       opts,
		joinCh:     make(chan struct{}),
	}

	w.executor = NewExecutor(jobRepo, errorRepo, runner, registry, db, logger, opts.Executor)
	w.provider = NewProvider(id, jobRepo, w.executor, opts.Filter, registry, logger, opts.Provider)
	if opts.EnableListener {
		w.listener = NewListener(id, dbPool, w.provider, opts.Filter, registry, logger, opts.Listener)
	}

	w.executor.SetAfterExecute(w.afterExecute)
	w.provider.SetQueueEmpty(w.onQueueEmpty)

	return w
}

func (w *Worker) ID() string {
	return w.id
}

// Start registers the worker row and brings up executor, listener and
// provider, in that order. Idempotent.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = true
	w.mu.Unlock()

	w.hooks.RunBeforeStartup(ctx)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	record := &domain.Worker{
		ID:       w.id,
		Hostname: hostname,
		PID:      os.Getpid(),
		Info: map[string]any{
			"queues":      w.opts.Filter.Queues,
			"max_threads": w.opts.Executor.MaxThreads,
			"listener":    w.opts.EnableListener,
		},
		Status: domain.WorkerInitializing,
	}
	if _, err := w.workerRepo.Create(ctx, record); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	w.executor.Start()
	if w.listener != nil {
		w.listener.Start(ctx)
	}
	w.provider.Start(ctx)

	if err := w.workerRepo.UpdateStatus(ctx, w.id, domain.WorkerRunning); err != nil {
		w.logger.Error("mark worker running", "error", err)
	}
	metrics.WorkerStartTime.SetToCurrentTime()
	w.logger.Info("worker started",
		"hostname", hostname, "pid", record.PID,
		"queues", w.opts.Filter.Queues,
		"threads_max", w.opts.Executor.MaxThreads,
		"listener", w.opts.EnableListener)

	w.hooks.RunAfterStartup(ctx)
	return nil
}

// Stop drains gracefully: no new reservations, in-flight jobs get up to
// WaitForTermination to finish, then the worker row is deleted so the
// trigger releases whatever is still marked executing. Idempotent.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	if err := w.workerRepo.UpdateStatus(ctx, w.id, domain.WorkerShuttingDown); err != nil {
		w.logger.Error("mark worker shutting down", "error", err)
	}
	w.hooks.RunBeforeShutdown(ctx)

	w.provider.Stop()
	if w.listener != nil {
		w.listener.Stop()
	}
	w.executor.Stop(w.opts.WaitForTermination)

	if err := w.workerRepo.Delete(ctx, w.id); err != nil {
		w.logger.Error("delete worker record", "error", err)
	}

	w.hooks.RunAfterShutdown(ctx)
	w.logger.Info("worker stopped")
	close(w.joinCh)
}

// Kill tears down without hooks and without deleting the worker row: its
// executing jobs stay claimed until the janitor purges the stale record.
func (w *Worker) Kill() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if started {
		w.provider.Stop()
		if w.listener != nil {
			w.listener.Stop()
		}
	}
	w.executor.Kill()
	w.logger.Warn("worker killed")
	close(w.joinCh)
}

// Join blocks until Stop or Kill completes, or ctx is done.
func (w *Worker) Join(ctx context.Context) error {
	select {
	case <-w.joinCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// afterExecute runs after every job: coarsened heartbeat, then poke the
// provider so freed capacity is refilled without waiting for the poll.
func (w *Worker) afterExecute(string) {
	w.heartbeat()
	// Errors only when the provider has stopped, and then there is nothing
	// to refill.
	_ = w.provider.Poll()
}

// onQueueEmpty fires when a reservation found nothing pending: a cheap
// moment to heartbeat and let idle pool workers retire.
func (w *Worker) onQueueEmpty() {
	w.heartbeat()
	w.executor.PrunePool()
}

func (w *Worker) heartbeat() {
	w.mu.Lock()
	if time.Since(w.lastBeat) < heartbeatInterval {
		w.mu.Unlock()
		return
	}
	w.lastBeat = time.Now()
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.workerRepo.Heartbeat(ctx, w.id); err != nil {
		w.logger.Warn("heartbeat failed", "error", err)
	}
}

// Healthy reports whether the runtime trio is still live; the status
// server exposes it as a liveness check.
func (w *Worker) Healthy() error {
	w.mu.Lock()
	started, stopped := w.started, w.stopped
	w.mu.Unlock()
	if !started || stopped {
		return fmt.Errorf("worker is not running")
	}
	if !w.provider.Running() {
		return fmt.Errorf("provider is not running")
	}
	if !w.executor.Running() {
		return fmt.Errorf("executor is not running")
	}
	if w.listener != nil && !w.listener.Running() {
		return fmt.Errorf("listener is not running")
	}
	return nil
}
