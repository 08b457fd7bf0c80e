package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

const jobColumns = `
	id, status, options, images_dir, sort_by, candidates, clip_count,
	error_code, error_message, started_at, finished_at, created_at, updated_at
`

func scanJob(row interface{ Scan(...any) error }, job *models.Job) error {
	return row.Scan(
		&job.ID, &job.Status, &job.Options, &job.ImagesDir, &job.SortBy,
		&job.Candidates, &job.ClipCount, &job.ErrorCode, &job.ErrorMessage,
		&job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt,
	)
}

// CreateJob inserts a job and its clips in one transaction.
func (db *DB) CreateJob(ctx context.Context, job *models.Job, clips []models.Clip) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (
			id, status, options, images_dir, sort_by, candidates, clip_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	job.ClipCount = len(clips)
	if err := tx.QueryRowContext(
		ctx, query,
		job.ID, job.Status, job.Options, job.ImagesDir, job.SortBy,
		job.Candidates, job.ClipCount,
	).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	for i := range clips {
		clips[i].JobID = job.ID
		if err := insertClip(ctx, tx, &clips[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job := &models.Job{}
	err := scanJob(db.QueryRowContext(ctx, query, id), job)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobs returns job summaries ordered by creation date (newest first).
// Supports an optional status filter, limit, and offset for pagination.
func (db *DB) ListJobs(ctx context.Context, status string, limit, offset int) ([]models.JobSummary, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `
		SELECT
			j.id, j.status, COALESCE(j.options->>'mode', 'parallel'), j.clip_count,
			(SELECT COUNT(*) FROM clips c WHERE c.job_id = j.id AND c.status IN ('completed', 'skipped')),
			(SELECT COUNT(*) FROM clips c WHERE c.job_id = j.id AND c.status = 'failed'),
			j.error_code, j.created_at, j.updated_at
		FROM jobs j
	`

	if status != "" {
		query := baseSelect + ` WHERE j.status = $1 ORDER BY j.created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY j.created_at DESC LIMIT $1 OFFSET $2`
		rows, err = db.QueryContext(ctx, query, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.JobSummary{}
	for rows.Next() {
		var s models.JobSummary
		if err := rows.Scan(
			&s.ID, &s.Status, &s.Mode, &s.ClipCount,
			&s.CompletedClips, &s.FailedClips,
			&s.ErrorCode, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, s)
	}

	return jobs, rows.Err()
}

// CountJobs returns the total number of jobs, optionally filtered by status.
func (db *DB) CountJobs(ctx context.Context, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&count)
	return count, err
}

// ClaimJob moves a pending or paused job to running. It reports false when
// the job is in any other state, so two workers never run the same job.
func (db *DB) ClaimJob(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, started_at = COALESCE(started_at, NOW()),
			error_code = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`
	res, err := db.ExecContext(ctx, query,
		models.JobStatusRunning, id, models.JobStatusPending, models.JobStatusPaused)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	return n == 1, nil
}

func (db *DB) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	query := `UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`

	if status.Terminal() {
		query = `UPDATE jobs SET status = $1, finished_at = NOW(), updated_at = NOW() WHERE id = $2`
	}

	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// SetJobPaused records why a job paused.
func (db *DB) SetJobPaused(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_code = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusPaused, errorCode, errorMessage, id)
	return err
}

func (db *DB) UpdateJobError(ctx context.Context, id uuid.UUID, errorCode, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_code = $2, error_message = $3, finished_at = NOW(), updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusFailed, errorCode, errorMessage, id)
	return err
}

// ReopenJob puts a failed job back to pending and resets its failed clips,
// returning how many clips will run again.
func (db *DB) ReopenJob(ctx context.Context, id uuid.UUID) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE clips
		SET status = $1, attempts = 0, rate_limit_retries = 0,
			error_code = NULL, error_message = NULL, error_details = NULL, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`, models.ClipStatusPending, id, models.ClipStatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to reset clips: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error_code = NULL, error_message = NULL, finished_at = NULL, updated_at = NOW()
		WHERE id = $2
	`, models.JobStatusPending, id); err != nil {
		return 0, fmt.Errorf("failed to reopen job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

// RecoverJobs puts jobs left running by a stopped process back to pending
// and returns every pending job, oldest first.
func (db *DB) RecoverJobs(ctx context.Context) ([]uuid.UUID, error) {
	if _, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW() WHERE status = $2
	`, models.JobStatusPending, models.JobStatusRunning); err != nil {
		return nil, fmt.Errorf("failed to reset running jobs: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = $1 ORDER BY created_at
	`, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
