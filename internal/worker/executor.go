package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/health"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/jobs"
	"github.com/quernworks/quern/internal/logctx"
	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/repository"
)

const (
	executorPending int32 = iota
	executorStarted
	executorStopped
	executorKilled
)

type ExecutorOptions struct {
	MinThreads          int
	MaxThreads          int
	MaxThreadIdletime   time.Duration
	DeleteCompletedJobs bool
	DeleteDiscardedJobs bool
	DeleteFailedJobs    bool
}

// Executor runs reserved jobs on a bounded pool, persists their outcomes,
// and buffers outcome writes while the database is unreachable.
type Executor struct {
	jobRepo   repository.JobRepository
	errorRepo repository.JobErrorRepository
	runner    jobs.Runner
	hooks     *hooks.Registry
	db        health.Pinger
	logger    *slog.Logger
	opts      ExecutorOptions

	pool    *pool
	pending *pendingUpdates

	// Called after every job execution; the worker shell wires it to the
	// heartbeat and the provider's poll.
	afterExecute func(jobID string)

	mu     sync.Mutex
	active map[string]struct{}
	state  atomic.Int32
}

func NewExecutor(
	jobRepo repository.JobRepository,
	errorRepo repository.JobErrorRepository,
	runner jobs.Runner,
	registry *hooks.Registry,
	db health.Pinger,
	logger *slog.Logger,
	opts ExecutorOptions,
) *Executor {
	logger = logger.With("component", "executor")
	return &Executor{
		jobRepo:   jobRepo,
		errorRepo: errorRepo,
		runner:    runner,
		hooks:     registry,
		db:        db,
		logger:    logger,
		opts:      opts,
		pool:      newPool(opts.MinThreads, opts.MaxThreads, opts.MaxThreadIdletime, logger),
		pending:   newPendingUpdates(),
		active:    make(map[string]struct{}),
	}
}

// SetAfterExecute must be called before Start.
func (e *Executor) SetAfterExecute(fn func(jobID string)) {
	e.afterExecute = fn
}

func (e *Executor) Start() {
	if !e.state.CompareAndSwap(executorPending, executorStarted) {
		return
	}
	e.pool.Start()
}

func (e *Executor) Running() bool {
	return e.state.Load() == executorStarted
}

// AvailableSlots is free pool capacity: the provider never reserves more
// than this.
func (e *Executor) AvailableSlots() int {
	return e.pool.AvailableSlots()
}

// ActiveIDs snapshots the ids currently posted or executing; the provider
// excludes them when querying for abandoned jobs.
func (e *Executor) ActiveIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// Post hands a reserved job to the pool. A full backlog releases the job
// back to pending rather than dropping it; a stopped executor returns an
// error so the provider can release the rest of its batch.
func (e *Executor) Post(job *domain.Job) error {
	if !e.Running() {
		return fmt.Errorf("executor is not running")
	}

	e.addActive(job.ID)
	metrics.JobPickupLatency.Observe(time.Since(job.ScheduledAt).Seconds())

	err := e.pool.Post(func() { e.execute(context.Background(), job) })
	if err == nil {
		return nil
	}

	e.removeActive(job.ID)
	if err == errPoolFull {
		e.logger.Error("out of threads, releasing job", "job_id", job.ID, "queue", job.Queue)
		e.releaseJob(context.Background(), job.ID)
		return nil
	}
	return err
}

// DrainPending flushes outcome writes buffered during a database outage.
func (e *Executor) DrainPending(ctx context.Context) error {
	return e.pending.Drain(ctx, e.jobRepo)
}

func (e *Executor) PendingUpdates() int {
	return e.pending.Len()
}

// PrunePool reclaims workers idle past the idle timeout. The worker shell
// calls it on queue_empty.
func (e *Executor) PrunePool() {
	e.pool.Prune()
}

// Stop closes intake and waits for in-flight jobs: nil waits indefinitely,
// zero kills at once, otherwise the pool is killed when the deadline
// passes.
func (e *Executor) Stop(wait *time.Duration) {
	if !e.state.CompareAndSwap(executorStarted, executorStopped) {
		return
	}
	e.pool.Stop()

	if wait != nil && *wait <= 0 {
		e.pool.Kill()
		return
	}
	if !e.pool.Wait(wait) {
		e.logger.Warn("termination wait expired, killing pool", "wait", *wait)
		e.pool.Kill()
	}
}

// Kill terminates without waiting and without shutdown hooks. Queued jobs
// stay executing in the database; the worker-delete trigger or abandoned
// recovery returns them to pending.
func (e *Executor) Kill() {
	state := e.state.Load()
	if state == executorKilled {
		return
	}
	e.state.Store(executorKilled)
	dropped := e.pool.Kill()
	if dropped > 0 {
		e.logger.Warn("killed with queued jobs", "dropped", dropped)
	}
}

type jobOutcome struct {
	err      error
	discard  string // "" or the JobError kind: "expired" | "timeout"
	message  string
	panicked bool
}

func (e *Executor) execute(ctx context.Context, job *domain.Job) {
	ctx = logctx.WithJobID(ctx, job.ID)
	start := time.Now()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	defer e.removeActive(job.ID)

	e.hooks.RunBeforeJobExecution(ctx, job)

	var oc jobOutcome
	chainErr := e.hooks.RunAroundJobExecution(ctx, job, func() {
		oc = e.run(ctx, job)
	})
	if chainErr != nil {
		oc = jobOutcome{err: chainErr}
	}

	e.finish(ctx, job, oc, time.Since(start))

	e.hooks.RunAfterJobExecution(ctx, job)
	if e.afterExecute != nil {
		e.afterExecute(job.ID)
	}
}

// run performs the queue-time check and the (possibly deadlined) payload
// execution. The timeout decision belongs to the executor's timer, not to
// the error the runner returns: a runner that swallows the context error
// cannot turn an expired deadline into a success.
func (e *Executor) run(ctx context.Context, job *domain.Job) jobOutcome {
	if deadline, ok := job.Options.StartDeadline(); ok && !deadline.After(time.Now()) {
		return jobOutcome{discard: "expired", message: "Maximum queue time expired"}
	}

	timeout, hasTimeout := job.Options.Timeout()

	runCtx := ctx
	cancel := func() {}
	if hasTimeout {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan jobOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- jobOutcome{panicked: true, err: fmt.Errorf("job panicked: %v", rec)}
			}
		}()
		done <- jobOutcome{err: e.runner.Run(runCtx, job)}
	}()

	if !hasTimeout {
		return <-done
	}

	select {
	case oc := <-done:
		return oc
	case <-time.After(timeout):
		// The payload goroutine is abandoned; its eventual result is
		// discarded along with the job.
		return jobOutcome{
			discard: "timeout",
			message: fmt.Sprintf("Execution timed out after %gs", timeout.Seconds()),
		}
	}
}

func (e *Executor) finish(ctx context.Context, job *domain.Job, oc jobOutcome, elapsed time.Duration) {
	runtime := elapsed.Seconds()

	switch {
	case oc.panicked:
		// The Go analogue of an unrecoverable exception: best-effort release
		// back to pending, then escalate.
		e.logger.Error("job panicked, releasing", "job_id", job.ID, "error", oc.err)
		e.releaseJob(ctx, job.ID)
		metrics.JobsFinishedTotal.WithLabelValues("panicked").Inc()
		e.hooks.RunOnFatalError(oc.err)

	case oc.discard != "":
		// Discards are deliberate, so the generic failure hook stays quiet;
		// the error log row is still written.
		e.logger.Warn("job discarded", "job_id", job.ID, "kind", oc.discard, "message", oc.message)
		e.recordError(ctx, job.ID, oc.discard, oc.message)
		e.persistOutcome(ctx, job.ID, domain.JobDiscarded, runtime, e.opts.DeleteDiscardedJobs)
		metrics.JobsFinishedTotal.WithLabelValues("discarded").Inc()
		metrics.JobExecutionDuration.WithLabelValues("discarded").Observe(runtime)

	case oc.err != nil:
		e.hooks.RunOnJobFailure(ctx, job, oc.err)
		e.logger.Error("job failed", "job_id", job.ID, "queue", job.Queue, "error", oc.err)
		e.recordError(ctx, job.ID, "error", oc.err.Error())
		e.persistOutcome(ctx, job.ID, domain.JobFailed, runtime, e.opts.DeleteFailedJobs)
		metrics.JobsFinishedTotal.WithLabelValues("failed").Inc()
		metrics.JobExecutionDuration.WithLabelValues("failed").Observe(runtime)

	default:
		e.logger.Info("job completed", "job_id", job.ID, "queue", job.Queue, "runtime", elapsed)
		e.persistOutcome(ctx, job.ID, domain.JobCompleted, runtime, e.opts.DeleteCompletedJobs)
		metrics.JobsFinishedTotal.WithLabelValues("completed").Inc()
		metrics.JobExecutionDuration.WithLabelValues("completed").Observe(runtime)
	}
}

// persistOutcome writes the terminal row state, or deletes the row when
// configured. A statement failure confirmed by a failed liveness probe is
// buffered instead of raised, so completion semantics survive a dropped
// connection.
func (e *Executor) persistOutcome(ctx context.Context, jobID string, status domain.JobStatus, runtime float64, deleteRow bool) {
	if deleteRow {
		if err := e.jobRepo.Destroy(ctx, jobID); err != nil {
			if pingErr := e.db.Ping(ctx); pingErr != nil {
				e.logger.Warn("database unreachable, buffering job deletion", "job_id", jobID)
				e.pending.MarkDestroy(jobID)
				return
			}
			e.logger.Error("delete job row", "job_id", jobID, "error", err)
		}
		return
	}

	update := repository.JobUpdate{Status: &status, Runtime: &runtime, ClearWorker: true}
	if err := e.jobRepo.Update(ctx, jobID, update); err != nil {
		if pingErr := e.db.Ping(ctx); pingErr != nil {
			e.logger.Warn("database unreachable, buffering job outcome",
				"job_id", jobID, "status", status.String())
			e.pending.Add(jobID, update)
			return
		}
		e.logger.Error("write job outcome", "job_id", jobID, "status", status.String(), "error", err)
	}
}

func (e *Executor) releaseJob(ctx context.Context, jobID string) {
	status := domain.JobPending
	update := repository.JobUpdate{Status: &status, ClearWorker: true}
	if err := e.jobRepo.Update(ctx, jobID, update); err != nil {
		if pingErr := e.db.Ping(ctx); pingErr != nil {
			e.pending.Add(jobID, update)
			return
		}
		e.logger.Error("release job", "job_id", jobID, "error", err)
	}
}

func (e *Executor) recordError(ctx context.Context, jobID, kind, message string) {
	_, err := e.errorRepo.Create(ctx, &domain.JobError{
		JobID: jobID,
		Error: domain.NewErrorDetail(kind, message),
	})
	if err != nil {
		e.logger.Error("write job error row", "job_id", jobID, "error", err)
	}
}

func (e *Executor) addActive(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[jobID] = struct{}{}
}

func (e *Executor) removeActive(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, jobID)
}
