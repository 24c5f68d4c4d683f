// The worker daemon: registers a worker record, runs the
// listener/provider/executor runtime, the janitor, and a status server
// with /metrics, /livez and /readyz.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quernworks/quern/config"
	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/health"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/infrastructure/postgres"
	"github.com/quernworks/quern/internal/janitor"
	"github.com/quernworks/quern/internal/jobs"
	ctxlog "github.com/quernworks/quern/internal/log"
	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/notifier"
	"github.com/quernworks/quern/internal/repository"
	"github.com/quernworks/quern/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.MaxThreads+4)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	// The schema is idempotent, so every daemon start ensures it.
	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	jobRepo := postgres.NewJobRepository(pool)
	workerRepo := postgres.NewWorkerRepository(pool)
	errorRepo := postgres.NewJobErrorRepository(pool)

	filter, err := repository.NewFilter(cfg.Queues, cfg.MinPriority, cfg.MaxPriority)
	if err != nil {
		log.Fatalf("queue filter: %v", err)
	}

	registry := hooks.New(logger)
	sender := notifier.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)
	notifier.Register(registry, sender, cfg.NotifyEmailTo, logger)

	runners := jobs.NewRegistry()
	jobs.RegisterDemoRunners(runners, logger)

	w := worker.New(pool, jobRepo, workerRepo, errorRepo, runners, registry, pool, logger, worker.Options{
		Filter: filter,
		Executor: worker.ExecutorOptions{
			MinThreads:          cfg.MinThreads,
			MaxThreads:          cfg.MaxThreads,
			MaxThreadIdletime:   cfg.MaxThreadIdletime,
			DeleteCompletedJobs: cfg.DeleteCompletedJobs,
			DeleteDiscardedJobs: cfg.DeleteDiscardedJobs,
			DeleteFailedJobs:    cfg.DeleteFailedJobs,
		},
		Provider: worker.ProviderOptions{
			PollingInterval: cfg.PollingInterval,
			PollingJitter:   cfg.PollingJitter,
		},
		Listener:           worker.ListenerOptions{SetConnectionName: cfg.SetDBConnName},
		EnableListener:     cfg.EnableListener,
		WaitForTermination: cfg.WaitForTermination,
	})

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)
	checker.AddLivenessCheck("runtime", func(context.Context) error { return w.Healthy() })
	checker.AddLivenessCheck("heartbeat", heartbeatCheck(workerRepo, w.ID(), cfg.HealthcheckTimeout))

	statusSrv := metrics.NewServer(":"+cfg.StatusPort, checker)
	go func() {
		logger.Info("status server started", "port", cfg.StatusPort)
		if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server", "error", err)
		}
	}()

	jan := janitor.New(workerRepo, jobRepo, logger, janitor.Options{
		Schedule:        cfg.JanitorSchedule,
		WorkerRetention: cfg.WorkerRetention,
		JobRetention:    cfg.JobRetention,
		PurgeStatuses:   cfg.PurgeJobStatuses(),
	})
	if err := jan.Start(ctx); err != nil {
		log.Fatalf("janitor: %v", err)
	}

	if err := w.Start(ctx); err != nil {
		log.Fatalf("worker: %v", err)
	}

	exitCode := watch(ctx, w, logger)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if exitCode == 0 {
		w.Stop(shutdownCtx)
	} else {
		// The row stays behind marked crashed; the janitor purges it and the
		// delete trigger releases its jobs.
		if err := workerRepo.UpdateStatus(shutdownCtx, w.ID(), domain.WorkerCrashed); err != nil {
			logger.Error("mark worker crashed", "error", err)
		}
		w.Kill()
	}
	jan.Stop()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown", "error", err)
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// watch blocks until a shutdown signal or until the runtime crashes
// (a component exhausted its restart budget). Crashes exit non-zero so a
// supervisor restarts the whole process.
func watch(ctx context.Context, w *worker.Worker, logger *slog.Logger) int {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down...")
			return 0
		case <-ticker.C:
			if err := w.Healthy(); err != nil {
				logger.Error("runtime unhealthy, exiting", "error", err)
				return 1
			}
		}
	}
}

func heartbeatCheck(repo repository.WorkerRepository, workerID string, maxAge time.Duration) health.Check {
	return func(ctx context.Context) error {
		record, err := repo.GetByID(ctx, workerID)
		if err != nil {
			return fmt.Errorf("fetch worker record: %w", err)
		}
		if age := time.Since(record.LastHeartbeatAt); age > maxAge {
			return fmt.Errorf("heartbeat is %s old (limit %s)", age.Round(time.Second), maxAge)
		}
		return nil
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
