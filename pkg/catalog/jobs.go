package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertJob stores a new mirror job and fills in its ID and timestamps.
func InsertJob(ctx context.Context, ext sqlx.ExtContext, job *MirrorJob) error {
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	res, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO mirror_jobs (product_id, index_url, status, message, progress, image_id, created_at, updated_at, started_at, finished_at)
		VALUES (:product_id, :index_url, :status, :message, :progress, :image_id, :created_at, :updated_at, :started_at, :finished_at)`,
		job)
	if err != nil {
		return fmt.Errorf("failed to insert job for %s: %w", job.ProductID, err)
	}
	job.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read job id: %w", err)
	}
	return nil
}

// UpdateJob rewrites the mutable columns of an existing job.
func UpdateJob(ctx context.Context, ext sqlx.ExtContext, job *MirrorJob) error {
	job.UpdatedAt = time.Now().UTC()
	if _, err := sqlx.NamedExecContext(ctx, ext, `
		UPDATE mirror_jobs
		SET status = :status, message = :message, progress = :progress,
			image_id = :image_id, updated_at = :updated_at,
			started_at = :started_at, finished_at = :finished_at
		WHERE id = :id`,
		job); err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job with the given ID, or nil when none exists.
func GetJob(ctx context.Context, ext sqlx.ExtContext, id int64) (*MirrorJob, error) {
	var job MirrorJob
	err := sqlx.GetContext(ctx, ext, &job, `SELECT * FROM mirror_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", id, err)
	}
	return &job, nil
}

// NextQueuedJob returns the oldest queued job, or nil when the queue is
// empty. Ties on created_at fall back to the row id, so admission
// order always wins.
func NextQueuedJob(ctx context.Context, ext sqlx.ExtContext) (*MirrorJob, error) {
	var job MirrorJob
	err := sqlx.GetContext(ctx, ext, &job,
		`SELECT * FROM mirror_jobs WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`, JobStatusQueued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pick next queued job: %w", err)
	}
	return &job, nil
}

// ActiveJobExists reports whether the product already has a queued or
// running job.
func ActiveJobExists(ctx context.Context, ext sqlx.ExtContext, productID string) (bool, string, error) {
	var status string
	err := sqlx.GetContext(ctx, ext, &status, `
		SELECT status FROM mirror_jobs
		WHERE product_id = ? AND status IN (?, ?)
		LIMIT 1`,
		productID, JobStatusQueued, JobStatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check active jobs for %s: %w", productID, err)
	}
	return true, status, nil
}

// ListRecentJobs returns the newest jobs up to limit.
func ListRecentJobs(ctx context.Context, ext sqlx.ExtContext, limit int) ([]MirrorJob, error) {
	var jobs []MirrorJob
	if err := sqlx.SelectContext(ctx, ext, &jobs,
		`SELECT * FROM mirror_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListJobsByStatus returns all jobs in the given state, oldest first.
func ListJobsByStatus(ctx context.Context, ext sqlx.ExtContext, status string) ([]MirrorJob, error) {
	var jobs []MirrorJob
	if err := sqlx.SelectContext(ctx, ext, &jobs,
		`SELECT * FROM mirror_jobs WHERE status = ? ORDER BY created_at ASC, id ASC`, status); err != nil {
		return nil, fmt.Errorf("failed to list %s jobs: %w", status, err)
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of jobs in the given state.
func CountJobsByStatus(ctx context.Context, ext sqlx.ExtContext, status string) (int64, error) {
	var count int64
	if err := sqlx.GetContext(ctx, ext, &count,
		`SELECT COUNT(*) FROM mirror_jobs WHERE status = ?`, status); err != nil {
		return 0, fmt.Errorf("failed to count %s jobs: %w", status, err)
	}
	return count, nil
}
