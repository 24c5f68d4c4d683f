// Package janitor removes what the runtime leaves behind: worker rows
// whose heartbeats went silent (their executing jobs are released by the
// delete trigger) and finished job rows past their retention.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/repository"
)

// purgeBatchSize bounds a single job-purge statement so retention catch-up
// after downtime does not hold long row locks.
const purgeBatchSize = 1000

type Options struct {
	// Schedule is a cron expression (descriptors like "@every 4m" work).
	Schedule string
	// WorkerRetention is how long a silent heartbeat is tolerated before
	// the worker row is deleted.
	WorkerRetention time.Duration
	// JobRetention is how long finished rows are kept.
	JobRetention time.Duration
	// PurgeStatuses limits the job purge to these terminal statuses.
	PurgeStatuses []domain.JobStatus
}

type Janitor struct {
	workerRepo repository.WorkerRepository
	jobRepo    repository.JobRepository
	logger     *slog.Logger
	opts       Options

	cron *cron.Cron
}

func New(workerRepo repository.WorkerRepository, jobRepo repository.JobRepository, logger *slog.Logger, opts Options) *Janitor {
	return &Janitor{
		workerRepo: workerRepo,
		jobRepo:    jobRepo,
		logger:     logger.With("component", "janitor"),
		opts:       opts,
	}
}

// Start schedules the sweep. Errors only on an invalid cron expression.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.opts.Schedule, func() { j.Sweep(ctx) })
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor scheduled",
		"schedule", j.opts.Schedule,
		"worker_retention", j.opts.WorkerRetention,
		"job_retention", j.opts.JobRetention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// Sweep runs both purges. They fail independently: a worker-purge error
// must not leave old job rows accumulating, and vice versa.
func (j *Janitor) Sweep(ctx context.Context) {
	j.purgeStaleWorkers(ctx)
	j.purgeOldJobs(ctx)
}

func (j *Janitor) purgeStaleWorkers(ctx context.Context) {
	cutoff := time.Now().Add(-j.opts.WorkerRetention)
	n, err := j.workerRepo.PurgeStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("purge stale workers", "error", err)
		return
	}
	if n > 0 {
		metrics.JanitorPurgedTotal.WithLabelValues("workers").Add(float64(n))
		j.logger.Info("purged stale workers", "count", n, "cutoff", cutoff)
	}
}

func (j *Janitor) purgeOldJobs(ctx context.Context) {
	cutoff := time.Now().Add(-j.opts.JobRetention)
	total := 0
	for {
		n, err := j.jobRepo.PurgeFinished(ctx, cutoff, j.opts.PurgeStatuses, purgeBatchSize)
		if err != nil {
			j.logger.Error("purge finished jobs", "error", err)
			break
		}
		total += n
		if n < purgeBatchSize {
			break
		}
	}
	if total > 0 {
		metrics.JanitorPurgedTotal.WithLabelValues("jobs").Add(float64(total))
		j.logger.Info("purged finished jobs", "count", total, "cutoff", cutoff)
	}
}
