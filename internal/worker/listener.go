package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/infrastructure/postgres"
	"github.com/quernworks/quern/internal/metrics"
	"github.com/quernworks/quern/internal/repository"
)

// waitForNotificationTimeout bounds each blocking wait so a silently dead
// connection is detected within this window.
const waitForNotificationTimeout = 100 * time.Second

// errListenIdleTimeout marks the periodic reconnect after a silent
// waitForNotificationTimeout window; it is not a failure.
var errListenIdleTimeout = errors.New("notification wait timed out")

const (
	listenerPending int32 = iota
	listenerStarted
	listenerStopped
	listenerCrashed
)

// listenerProvider is the slice of the Provider the listener feeds.
type listenerProvider interface {
	Hint(t time.Time)
	RequestRefresh()
}

type ListenerOptions struct {
	// SetConnectionName labels the dedicated connection in pg_stat_activity.
	SetConnectionName bool
}

// Listener holds one connection outside the pool on LISTEN and converts
// enqueue broadcasts into provider hints. Notifications are advisory: a
// lost one only delays pickup until the next poll.
type Listener struct {
	workerID string
	pool     *pgxpool.Pool
	provider listenerProvider
	filter   repository.Filter
	hooks    *hooks.Registry
	logger   *slog.Logger
	opts     ListenerOptions

	stopCh chan struct{}
	doneCh chan struct{}
	state  atomic.Int32

	errorCount int
}

func NewListener(
	workerID string,
	pool *pgxpool.Pool,
	provider listenerProvider,
	filter repository.Filter,
	registry *hooks.Registry,
	logger *slog.Logger,
	opts ListenerOptions,
) *Listener {
	return &Listener{
		workerID: workerID,
		pool:     pool,
		provider: provider,
		filter:   filter,
		hooks:    registry,
		logger:   logger.With("component", "listener"),
		opts:     opts,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (l *Listener) Start(ctx context.Context) {
	if !l.state.CompareAndSwap(listenerPending, listenerStarted) {
		return
	}
	go l.run(ctx)
}

func (l *Listener) Running() bool {
	return l.state.Load() == listenerStarted
}

// Stop rings the worker's private channel so the blocking wait returns
// promptly, then joins the loop goroutine.
func (l *Listener) Stop() {
	if !l.state.CompareAndSwap(listenerStarted, listenerStopped) {
		return
	}
	close(l.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.pool.Exec(ctx, `SELECT pg_notify($1, '')`, postgres.WorkerChannel(l.workerID)); err != nil {
		// The wait still wakes on its own timeout.
		l.logger.Warn("notify stop channel", "error", err)
	}
	<-l.doneCh
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.doneCh)

	for l.Running() {
		err := l.listen(ctx)
		if err == nil || !l.Running() {
			return
		}
		if errors.Is(err, errListenIdleTimeout) {
			continue
		}

		l.errorCount++
		metrics.ComponentRestartsTotal.WithLabelValues("listener").Inc()
		if l.errorCount >= fatalErrorThreshold {
			l.state.Store(listenerCrashed)
			fatal := fmt.Errorf("listener exceeded %d consecutive errors: %w", fatalErrorThreshold, err)
			l.logger.Error("listener crashed", "error", fatal)
			l.hooks.RunOnFatalError(fatal)
			return
		}
		delay := jitteredRestartDelay(l.errorCount)
		l.logger.Error("listener connection failed",
			"error", err, "consecutive_errors", l.errorCount, "restart_in", delay)
		l.sleep(delay)
	}
}

// listen owns one session end to end: take a connection out of the pool,
// subscribe, then block on notifications until stopped or the connection
// dies. Returns nil only on a clean stop.
func (l *Listener) listen(ctx context.Context) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// Hijack removes the connection from the pool: LISTEN state must not
	// leak to other pool users, and the wait can outlive any pool timeout.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if l.opts.SetConnectionName {
		name := "quern-listener-" + l.workerID
		if _, err := conn.Exec(ctx, `SELECT set_config('application_name', $1, false)`, name); err != nil {
			return fmt.Errorf("set connection name: %w", err)
		}
	}

	for _, channel := range []string{postgres.NotificationChannel, postgres.WorkerChannel(l.workerID)} {
		stmt := "LISTEN " + pgx.Identifier{channel}.Sanitize()
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("listen on %s: %w", channel, err)
		}
	}

	l.errorCount = 0
	l.logger.Info("listening for enqueue notifications", "channel", postgres.NotificationChannel)

	// Anything enqueued before the subscription took effect was never
	// broadcast to us; ask the provider for an authoritative refresh.
	l.provider.RequestRefresh()

	for {
		if !l.Running() {
			// Best effort: the registrations die with the connection anyway.
			_, _ = conn.Exec(context.Background(), "UNLISTEN *")
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, waitForNotificationTimeout)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if !l.Running() {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				// pgx closes the connection on a canceled wait, so a fresh
				// session is needed either way.
				return errListenIdleTimeout
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		if n.Channel != postgres.NotificationChannel {
			// Private doorbell; the loop condition handles the stop.
			continue
		}
		l.handle(n.Payload)
	}
}

func (l *Listener) handle(payload string) {
	note, err := parseNotification(payload)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("invalid").Inc()
		l.logger.Warn("dropping malformed notification", "payload", payload, "error", err)
		return
	}
	if !l.filter.Match(note.Queue, note.Priority) {
		metrics.NotificationsTotal.WithLabelValues("filtered").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("hinted").Inc()
	l.provider.Hint(note.ScheduledAt)
}

func (l *Listener) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-l.stopCh:
	}
}
