package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

func insertClip(ctx context.Context, q queryer, clip *models.Clip) error {
	query := `
		INSERT INTO clips (
			id, job_id, clip_index, dialogue_id, dialogue,
			start_frame, end_frame, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	if clip.ID == uuid.Nil {
		clip.ID = uuid.New()
	}
	if clip.Status == "" {
		clip.Status = models.ClipStatusPending
	}

	err := q.QueryRowContext(
		ctx, query,
		clip.ID, clip.JobID, clip.ClipIndex, clip.DialogueID, clip.Dialogue,
		clip.StartFrame, clip.EndFrame, clip.Status,
	).Scan(&clip.CreatedAt, &clip.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert clip %d: %w", clip.ClipIndex, err)
	}
	return nil
}

func (db *DB) GetJobClips(ctx context.Context, jobID uuid.UUID) ([]models.Clip, error) {
	query := `
		SELECT
			id, job_id, clip_index, dialogue_id, dialogue,
			start_frame, end_frame, start_used, end_used, status, prompt,
			output_path, output_name, attempts, rate_limit_retries,
			error_code, error_message, error_details,
			created_at, updated_at
		FROM clips
		WHERE job_id = $1
		ORDER BY clip_index
	`

	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var c models.Clip
		err := rows.Scan(
			&c.ID, &c.JobID, &c.ClipIndex, &c.DialogueID, &c.Dialogue,
			&c.StartFrame, &c.EndFrame, &c.StartUsed, &c.EndUsed, &c.Status, &c.Prompt,
			&c.OutputPath, &c.OutputName, &c.Attempts, &c.RateLimitRetries,
			&c.ErrorCode, &c.ErrorMessage, &c.ErrorDetails,
			&c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, c)
	}

	return clips, rows.Err()
}

// UpdateClipStatus records an in-flight status. Progress arrives
// asynchronously, so a clip that already has a final result keeps it.
func (db *DB) UpdateClipStatus(ctx context.Context, jobID uuid.UUID, clipIndex int, status models.ClipStatus) error {
	query := `
		UPDATE clips SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND clip_index = $3 AND status NOT IN ($4, $5, $6)
	`
	_, err := db.ExecContext(ctx, query, status, jobID, clipIndex,
		models.ClipStatusCompleted, models.ClipStatusFailed, models.ClipStatusSkipped)
	return err
}

// SaveClipResult stores the outcome of a clip run.
func (db *DB) SaveClipResult(ctx context.Context, clip *models.Clip) error {
	query := `
		UPDATE clips
		SET status = $1, start_used = $2, end_used = $3, prompt = $4,
			output_path = $5, output_name = $6, attempts = $7, rate_limit_retries = $8,
			error_code = $9, error_message = $10, error_details = $11, updated_at = NOW()
		WHERE job_id = $12 AND clip_index = $13
	`

	var details any
	if clip.ErrorDetails != nil {
		details = clip.ErrorDetails
	}

	res, err := db.ExecContext(
		ctx, query,
		clip.Status, clip.StartUsed, clip.EndUsed, clip.Prompt,
		clip.OutputPath, clip.OutputName, clip.Attempts, clip.RateLimitRetries,
		clip.ErrorCode, clip.ErrorMessage, details,
		clip.JobID, clip.ClipIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to save clip %d: %w", clip.ClipIndex, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clip %d %w", clip.ClipIndex, ErrNotFound)
	}
	return nil
}
