package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"autofleet/internal/core"
)

// InsertRun appends one run record.
func (s *Store) InsertRun(ctx context.Context, rec *core.RunRecord) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, job_name, device_id, attempt, success, reason, message,
			started_at, finished_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.TaskID, nullableString(rec.JobName), rec.DeviceID, rec.Attempt, success,
		nullableString(rec.Reason), nullableString(rec.Message),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// QueryRuns returns records matching the filter, newest first.
func (s *Store) QueryRuns(ctx context.Context, filter core.RunFilter) ([]core.RunRecord, error) {
	var conds []string
	var args []any
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.JobName != "" {
		conds = append(conds, "job_name = ?")
		args = append(args, filter.JobName)
	}
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	switch filter.Outcome {
	case "success":
		conds = append(conds, "success = 1")
	case "failure":
		conds = append(conds, "success = 0")
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "started_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "started_at <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	query := `
		SELECT id, task_id, job_name, device_id, attempt, success, reason, message,
			started_at, finished_at
		FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var records []core.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (core.RunRecord, error) {
	var (
		id         string
		taskID     string
		jobName    sql.NullString
		deviceID   string
		attempt    int
		success    int
		reason     sql.NullString
		message    sql.NullString
		startedAt  string
		finishedAt string
	)
	if err := scanner.Scan(&id, &taskID, &jobName, &deviceID, &attempt, &success,
		&reason, &message, &startedAt, &finishedAt); err != nil {
		return core.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	rec := core.RunRecord{
		ID:         id,
		TaskID:     taskID,
		DeviceID:   deviceID,
		Attempt:    attempt,
		Success:    success == 1,
		StartedAt:  mustParseTime(startedAt),
		FinishedAt: mustParseTime(finishedAt),
	}
	if jobName.Valid {
		rec.JobName = jobName.String
	}
	if reason.Valid {
		rec.Reason = reason.String
	}
	if message.Valid {
		rec.Message = message.String
	}
	return rec, nil
}
