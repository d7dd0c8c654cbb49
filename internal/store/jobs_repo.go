package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"autofleet/internal/core"
)

// InsertJob persists a new job definition. Fails with ErrJobExists when
// the name is taken.
func (s *Store) InsertJob(ctx context.Context, job *core.JobDefinition) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (name, instruction, schedule, preferred_device, max_attempts,
			backoff_base_ms, backoff_max_ms, timeout_seconds, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.Name, job.Instruction, nullableString(job.Schedule), nullableString(job.PreferredDevice),
		job.MaxAttempts, job.BackoffBase.Milliseconds(), job.BackoffMax.Milliseconds(),
		int(job.Timeout.Seconds()), job.Status,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ReplaceJob overwrites the whole definition. Job definitions are
// immutable templates; updates replace them wholesale.
func (s *Store) ReplaceJob(ctx context.Context, job *core.JobDefinition) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE jobs
		SET instruction = ?, schedule = ?, preferred_device = ?, max_attempts = ?,
			backoff_base_ms = ?, backoff_max_ms = ?, timeout_seconds = ?, status = ?, updated_at = ?
		WHERE name = ?
	`, job.Instruction, nullableString(job.Schedule), nullableString(job.PreferredDevice),
		job.MaxAttempts, job.BackoffBase.Milliseconds(), job.BackoffMax.Milliseconds(),
		int(job.Timeout.Seconds()), job.Status, job.UpdatedAt.Format(time.RFC3339Nano), job.Name)
	if err != nil {
		return fmt.Errorf("replace job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace job rows: %w", err)
	}
	if rows == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a definition by name.
func (s *Store) DeleteJob(ctx context.Context, name string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// GetJob loads one definition by name.
func (s *Store) GetJob(ctx context.Context, name string) (*core.JobDefinition, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT name, instruction, schedule, preferred_device, max_attempts,
			backoff_base_ms, backoff_max_ms, timeout_seconds, status, created_at, updated_at
		FROM jobs WHERE name = ?
	`, name)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns definitions, optionally filtered by status, newest
// first.
func (s *Store) ListJobs(ctx context.Context, status *core.JobStatus) ([]*core.JobDefinition, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT name, instruction, schedule, preferred_device, max_attempts,
				backoff_base_ms, backoff_max_ms, timeout_seconds, status, created_at, updated_at
			FROM jobs
			WHERE status = ?
			ORDER BY created_at DESC
		`, *status)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT name, instruction, schedule, preferred_device, max_attempts,
				backoff_base_ms, backoff_max_ms, timeout_seconds, status, created_at, updated_at
			FROM jobs
			ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*core.JobDefinition
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func scanJob(scanner interface {
	Scan(dest ...any) error
}) (*core.JobDefinition, error) {
	var (
		name        string
		instruction string
		schedule    sql.NullString
		preferred   sql.NullString
		maxAttempts int
		baseMs      int64
		maxMs       int64
		timeoutSecs int64
		status      string
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&name, &instruction, &schedule, &preferred, &maxAttempts,
		&baseMs, &maxMs, &timeoutSecs, &status, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job := &core.JobDefinition{
		Name:        name,
		Instruction: instruction,
		MaxAttempts: maxAttempts,
		BackoffBase: time.Duration(baseMs) * time.Millisecond,
		BackoffMax:  time.Duration(maxMs) * time.Millisecond,
		Timeout:     time.Duration(timeoutSecs) * time.Second,
		Status:      core.JobStatus(status),
		CreatedAt:   mustParseTime(createdAt),
		UpdatedAt:   mustParseTime(updatedAt),
	}
	if schedule.Valid {
		job.Schedule = schedule.String
	}
	if preferred.Valid {
		job.PreferredDevice = preferred.String
	}
	return job, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures as plain errors;
	// the message is stable enough to match on.
	return strings.Contains(err.Error(), "constraint failed")
}
