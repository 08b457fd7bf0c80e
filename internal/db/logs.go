package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/tommyv-spec/veo-web-app-v3-sub000/internal/models"
)

func (db *DB) AddJobLog(ctx context.Context, entry *models.JobLog) error {
	query := `
		INSERT INTO job_logs (job_id, clip_index, level, event, message, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	if entry.Level == "" {
		entry.Level = "info"
	}
	var details any
	if entry.Details != nil {
		details = entry.Details
	}

	return db.QueryRowContext(
		ctx, query,
		entry.JobID, entry.ClipIndex, entry.Level, entry.Event, entry.Message, details,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// GetJobLogs returns log entries with an id greater than afterID, oldest first.
func (db *DB) GetJobLogs(ctx context.Context, jobID uuid.UUID, afterID int64, limit int) ([]models.JobLog, error) {
	query := `
		SELECT id, job_id, clip_index, level, event, message, details, created_at
		FROM job_logs
		WHERE job_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3
	`

	rows, err := db.QueryContext(ctx, query, jobID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job logs: %w", err)
	}
	defer rows.Close()

	logs := []models.JobLog{}
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.ClipIndex, &l.Level, &l.Event, &l.Message, &l.Details, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
