package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/coach-planner/internal/models"
)

// JobStore persists background jobs (outgoing email) in Postgres.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a new JobStore instance
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

const jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
	created_at, updated_at, scheduled_for, last_error, retry_after,
	processed_at, completed_at, worker_id`

// Enqueue inserts a pending job and fills in its generated fields.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for)
VALUES ($1, $2, 'pending', $3, $4, $5)
RETURNING id, status, created_at, updated_at`,
		job.JobType,
		job.Payload,
		job.Priority,
		job.MaxAttempts,
		job.ScheduledFor,
	).Scan(&job.ID, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueEmail queues a send_email job with normal priority.
func (s *JobStore) EnqueueEmail(ctx context.Context, to, subject, body string) error {
	return s.Enqueue(ctx, &models.Job{
		JobType:     models.JobTypeSendEmail,
		Payload:     models.EmailPayload(to, subject, body),
		Priority:    models.JobPriorityNormal,
		MaxAttempts: 3,
	})
}

// ClaimNextJob locks the highest-priority runnable job for workerID. It
// returns nil without error when the queue is empty.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = 'processing',
    worker_id = $1,
    processed_at = NOW(),
    updated_at = NOW(),
    attempts = attempts + 1
WHERE id = (
	SELECT id FROM jobs
	WHERE status = 'pending'
	  AND (scheduled_for IS NULL OR scheduled_for <= NOW())
	  AND (retry_after IS NULL OR retry_after <= NOW())
	ORDER BY
		CASE priority
			WHEN 'high' THEN 3
			WHEN 'normal' THEN 2
			WHEN 'low' THEN 1
		END DESC,
		created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+jobColumns, workerID)

	var job models.Job
	err := row.Scan(
		&job.ID,
		&job.JobType,
		&job.Payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.ScheduledFor,
		&job.LastError,
		&job.RetryAfter,
		&job.ProcessedAt,
		&job.CompletedAt,
		&job.WorkerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return &job, nil
}

// MarkCompleted marks a job as successfully completed
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'completed', completed_at = NOW(), updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'failed', last_error = $2, updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id, errorMsg); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

// ScheduleRetry puts the job back in the queue, runnable after retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending', last_error = $2, retry_after = $3, updated_at = NOW(), worker_id = NULL
WHERE id = $1`, id, errorMsg, retryAfter); err != nil {
		return fmt.Errorf("schedule job retry: %w", err)
	}
	return nil
}

// ReleaseJob hands a processing job back to the queue without counting the
// attempt against it.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = 'pending', worker_id = NULL, attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
WHERE id = $1 AND status = 'processing'`, id); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// GetStats returns statistics about the job queue
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	stats := &models.JobStats{}
	err := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) FILTER (WHERE status = 'pending'),
	COUNT(*) FILTER (WHERE status = 'processing'),
	COUNT(*) FILTER (WHERE status = 'completed'),
	COUNT(*) FILTER (WHERE status = 'failed'),
	COUNT(*)
FROM jobs`).Scan(
		&stats.Pending,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("get job stats: %w", err)
	}
	return stats, nil
}

// CleanupOldJobs removes finished jobs last touched before olderThan ago.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN ('completed', 'failed')
  AND updated_at < NOW() - INTERVAL '1 second' * $1`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}
