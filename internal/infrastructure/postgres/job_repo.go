package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/repository"
)

const jobColumns = `id, queue, priority, enqueued_at, scheduled_at,
	       active_job_id, payload, options, status, runtime, worker_id`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Insert(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	query := `
		INSERT INTO quern_jobs (queue, priority, scheduled_at, active_job_id, payload, options)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + jobColumns

	row := r.pool.QueryRow(ctx, query,
		job.Queue,
		job.Priority,
		job.ScheduledAt,
		job.ActiveJobID,
		job.Payload,
		job.Options,
	)
	return scanJob(row)
}

func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM quern_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func (r *JobRepository) ListJobs(ctx context.Context, input repository.ListJobsInput) ([]*domain.Job, error) {
	var args []any
	var where []string

	if input.Queue != "" {
		args = append(args, input.Queue)
		where = append(where, fmt.Sprintf("queue = $%d", len(args)))
	}
	if input.Status != "" {
		args = append(args, string(input.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if input.CursorTime != nil {
		args = append(args, *input.CursorTime, input.CursorID)
		where = append(where, fmt.Sprintf("(enqueued_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	query := fmt.Sprintf(`
		SELECT `+jobColumns+`
		FROM quern_jobs
		%s
		ORDER BY enqueued_at DESC, id DESC
		LIMIT $%d`, whereClause, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *JobRepository) CancelPending(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE quern_jobs SET status = 'd' WHERE id = $1 AND status = 'p'`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobNotPending
	}
	return nil
}

// Reserve claims up to limit ready rows for workerID in one statement.
// FOR UPDATE SKIP LOCKED prevents double-execution across workers.
func (r *JobRepository) Reserve(ctx context.Context, workerID string, filter repository.Filter, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("reserve limit must be positive, got %d", limit)
	}

	args := []any{workerID, limit}
	filterSQL, args := filterClauses(filter, args)

	query := fmt.Sprintf(`
		UPDATE quern_jobs
		SET    status    = 'e',
		       worker_id = $1
		WHERE id IN (
			SELECT id FROM quern_jobs
			WHERE  status       = 'p'
			  AND  scheduled_at <= NOW()%s
			ORDER BY priority ASC, scheduled_at ASC, enqueued_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, filterSQL)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reserve jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *JobRepository) Release(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE quern_jobs SET status = 'p', worker_id = NULL WHERE id = ANY($1)`, jobIDs)
	if err != nil {
		return fmt.Errorf("release jobs: %w", err)
	}
	return nil
}

func (r *JobRepository) Abandoned(ctx context.Context, workerID string, activeIDs []string) ([]*domain.Job, error) {
	if activeIDs == nil {
		activeIDs = []string{}
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM quern_jobs
		WHERE status = 'e' AND worker_id = $1 AND NOT (id = ANY($2))`,
		workerID, activeIDs)
	if err != nil {
		return nil, fmt.Errorf("abandoned jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *JobRepository) EarliestScheduledAt(ctx context.Context, filter repository.Filter) (time.Time, bool, error) {
	args := []any{}
	filterSQL, args := filterClauses(filter, args)

	query := fmt.Sprintf(`
		SELECT scheduled_at FROM quern_jobs
		WHERE status = 'p'%s
		ORDER BY scheduled_at ASC
		LIMIT 1`, filterSQL)

	var at time.Time
	err := r.pool.QueryRow(ctx, query, args...).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("earliest scheduled_at: %w", err)
	}
	return at, true, nil
}

func (r *JobRepository) Update(ctx context.Context, jobID string, update repository.JobUpdate) error {
	args := []any{jobID}
	var set []string

	if update.Status != nil {
		args = append(args, string(*update.Status))
		set = append(set, fmt.Sprintf("status = $%d", len(args)))
	}
	if update.Runtime != nil {
		args = append(args, *update.Runtime)
		set = append(set, fmt.Sprintf("runtime = $%d", len(args)))
	}
	if update.ClearWorker {
		set = append(set, "worker_id = NULL")
	}
	if len(set) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE quern_jobs SET %s WHERE id = $1`, strings.Join(set, ", "))
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (r *JobRepository) Destroy(ctx context.Context, jobID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM quern_jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("destroy job: %w", err)
	}
	return nil
}

func (r *JobRepository) PurgeFinished(ctx context.Context, cutoff time.Time, statuses []domain.JobStatus, limit int) (int, error) {
	codes := make([]string, len(statuses))
	for i, s := range statuses {
		codes[i] = string(s)
	}
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM quern_jobs
		WHERE id IN (
			SELECT id FROM quern_jobs
			WHERE  status      = ANY($1)
			  AND  enqueued_at < $2
			LIMIT $3
		)`, codes, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// filterClauses appends the queue and priority restrictions of a reserve
// filter to args and returns the SQL fragment to splice after the fixed
// conditions. The fragment is empty for the zero filter.
func filterClauses(filter repository.Filter, args []any) (string, []any) {
	var b strings.Builder
	switch len(filter.Queues) {
	case 0:
	case 1:
		args = append(args, filter.Queues[0])
		fmt.Fprintf(&b, "\n			  AND  queue = $%d", len(args))
	default:
		args = append(args, filter.Queues)
		fmt.Fprintf(&b, "\n			  AND  queue = ANY($%d)", len(args))
	}
	if filter.MinPriority != nil {
		args = append(args, *filter.MinPriority)
		fmt.Fprintf(&b, "\n			  AND  priority >= $%d", len(args))
	}
	if filter.MaxPriority != nil {
		args = append(args, *filter.MaxPriority)
		fmt.Fprintf(&b, "\n			  AND  priority <= $%d", len(args))
	}
	return b.String(), args
}

// pgx.Row and pgx.Rows both implement this.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(
		&j.ID, &j.Queue, &j.Priority, &j.EnqueuedAt, &j.ScheduledAt,
		&j.ActiveJobID, &j.Payload, &j.Options, &j.Status, &j.Runtime, &j.WorkerID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
