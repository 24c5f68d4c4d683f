package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NotificationChannel is the global channel the enqueue trigger broadcasts
// on. Each worker additionally listens on its private channel, see
// WorkerChannel.
const NotificationChannel = "jobs_enqueued"

// WorkerChannel returns the private doorbell channel for a worker. The
// listener's stop path notifies it to unblock the notification wait.
func WorkerChannel(workerID string) string {
	return "worker::" + workerID
}

// schemaStatements is the bootstrap DDL: tables, indexes, trigger functions
// and triggers. Every statement is idempotent so cmd/migrate can be re-run.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS quern_workers (
		id                uuid PRIMARY KEY,
		hostname          varchar(255) NOT NULL,
		pid               integer NOT NULL,
		info              jsonb NOT NULL,
		started_at        timestamptz NOT NULL DEFAULT NOW(),
		last_heartbeat_at timestamptz NOT NULL DEFAULT NOW(),
		status            char(1) NOT NULL DEFAULT 'i' CHECK (status IN ('i','r','s','c')),
		UNIQUE (hostname, pid)
	)`,

	`CREATE TABLE IF NOT EXISTS quern_jobs (
		id            uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		queue         varchar(200) NOT NULL DEFAULT 'default',
		priority      smallint NOT NULL DEFAULT 16383,
		enqueued_at   timestamptz NOT NULL DEFAULT NOW(),
		scheduled_at  timestamptz NOT NULL DEFAULT NOW(),
		active_job_id uuid NOT NULL,
		payload       jsonb NOT NULL,
		options       jsonb,
		status        char(1) NOT NULL DEFAULT 'p' CHECK (status IN ('p','e','c','f','d')),
		runtime       double precision,
		worker_id     uuid REFERENCES quern_workers (id) ON DELETE SET NULL
	)`,

	`CREATE INDEX IF NOT EXISTS quern_jobs_queue_idx ON quern_jobs (queue)`,
	`CREATE INDEX IF NOT EXISTS quern_jobs_active_job_id_idx ON quern_jobs (active_job_id)`,
	`CREATE INDEX IF NOT EXISTS quern_jobs_status_idx ON quern_jobs (status)`,
	`CREATE INDEX IF NOT EXISTS quern_jobs_dequeue_order_idx
		ON quern_jobs (priority, scheduled_at, enqueued_at)
		WHERE status = 'p'`,

	`CREATE TABLE IF NOT EXISTS quern_job_errors (
		id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		job_id     uuid NOT NULL REFERENCES quern_jobs (id) ON DELETE CASCADE,
		created_at timestamptz NOT NULL DEFAULT NOW(),
		error      jsonb NOT NULL
	)`,

	// Announces every row that becomes ready: new inserts and rows released
	// back to pending. Payload format: id:<uuid>;q:<queue>;p:<priority>;t:<epoch>.
	`CREATE OR REPLACE FUNCTION quern_broadcast_enqueue() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify(
			'jobs_enqueued',
			'id:' || NEW.id ||
			';q:' || NEW.queue ||
			';p:' || NEW.priority ||
			';t:' || extract(epoch FROM NEW.scheduled_at)
		);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS quern_broadcast_enqueue ON quern_jobs`,
	`CREATE TRIGGER quern_broadcast_enqueue
		AFTER INSERT OR UPDATE OF queue, scheduled_at, status ON quern_jobs
		FOR EACH ROW
		WHEN (NEW.status = 'p')
		EXECUTE FUNCTION quern_broadcast_enqueue()`,

	// Releases a deleted worker's executing jobs so a clean shutdown (or a
	// janitor purge of a crashed worker) is a single DELETE.
	`CREATE OR REPLACE FUNCTION quern_requeue_orphaned() RETURNS trigger AS $$
	BEGIN
		UPDATE quern_jobs
		SET    status = 'p', worker_id = NULL
		WHERE  worker_id = OLD.id AND status = 'e';
		RETURN OLD;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS quern_requeue_orphaned ON quern_workers`,
	`CREATE TRIGGER quern_requeue_orphaned
		BEFORE DELETE ON quern_workers
		FOR EACH ROW
		EXECUTE FUNCTION quern_requeue_orphaned()`,
}

// Migrate applies the schema. Statements run one at a time so an error
// reports the statement that failed.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w\nstatement: %s", err, stmt)
		}
	}
	return nil
}
