package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quernworks/quern/internal/domain"
)

const workerColumns = `id, hostname, pid, info, started_at, last_heartbeat_at, status`

var ErrWorkerExists = errors.New("a worker with this hostname and pid already exists")

type WorkerRepository struct {
	pool *pgxpool.Pool
}

func NewWorkerRepository(pool *pgxpool.Pool) *WorkerRepository {
	return &WorkerRepository{pool: pool}
}

func (r *WorkerRepository) Create(ctx context.Context, worker *domain.Worker) (*domain.Worker, error) {
	query := `
		INSERT INTO quern_workers (id, hostname, pid, info, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + workerColumns

	row := r.pool.QueryRow(ctx, query,
		worker.ID, worker.Hostname, worker.PID, worker.Info, string(worker.Status))

	created, err := scanWorker(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrWorkerExists
		}
		return nil, err
	}
	return created, nil
}

func (r *WorkerRepository) GetByID(ctx context.Context, workerID string) (*domain.Worker, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM quern_workers WHERE id = $1`, workerID)
	return scanWorker(row)
}

func (r *WorkerRepository) List(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM quern_workers ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

func (r *WorkerRepository) UpdateStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quern_workers SET status = $2 WHERE id = $1`, workerID, string(status))
	if err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkerNotFound
	}
	return nil
}

// Heartbeat uses GREATEST so a clock step backwards cannot make the stored
// timestamp regress.
func (r *WorkerRepository) Heartbeat(ctx context.Context, workerID string) (time.Time, error) {
	var at time.Time
	err := r.pool.QueryRow(ctx, `
		UPDATE quern_workers
		SET    last_heartbeat_at = GREATEST(last_heartbeat_at, NOW())
		WHERE  id = $1
		RETURNING last_heartbeat_at`, workerID).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, domain.ErrWorkerNotFound
		}
		return time.Time{}, fmt.Errorf("heartbeat: %w", err)
	}
	return at, nil
}

// Delete removes the worker row. The requeue trigger releases any jobs the
// worker still held in executing back to pending.
func (r *WorkerRepository) Delete(ctx context.Context, workerID string) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM quern_workers WHERE id = $1`, workerID); err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

func (r *WorkerRepository) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM quern_workers WHERE last_heartbeat_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge workers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanWorker(row rowScanner) (*domain.Worker, error) {
	var w domain.Worker
	var status string
	err := row.Scan(
		&w.ID, &w.Hostname, &w.PID, &w.Info, &w.StartedAt, &w.LastHeartbeatAt, &status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.Status = domain.WorkerStatus(status)
	return &w, nil
}
