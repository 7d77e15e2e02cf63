package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `job_id, profile_id, user_id, kind, priority, platforms, profile, status, attempt,
		max_retries, worker_id, error_message, progress, summary, created_at, started_at, completed_at,
		last_heartbeat_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.ScanJob, error) {
	var (
		job                      domain.ScanJob
		platforms                pq.StringArray
		profile, progress        []byte
		summary                  []byte
		workerID, errMsg         sql.NullString
		started, completed, beat sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.ProfileID,
		&job.UserID,
		&job.Kind,
		&job.Priority,
		&platforms,
		&profile,
		&job.Status,
		&job.Attempt,
		&job.MaxRetries,
		&workerID,
		&errMsg,
		&progress,
		&summary,
		&job.CreatedAt,
		&started,
		&completed,
		&beat,
	)
	if err != nil {
		return nil, err
	}

	if len(platforms) > 0 {
		job.Platforms = []string(platforms)
	}
	if err := json.Unmarshal(profile, &job.Profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
	}
	if len(summary) > 0 {
		job.Summary = &domain.ResultsSummary{}
		if err := json.Unmarshal(summary, job.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary: %w", err)
		}
	}
	job.WorkerID = workerID.String
	job.Error = errMsg.String
	job.StartedAt = nullTime(started)
	job.CompletedAt = nullTime(completed)
	job.HeartbeatAt = nullTime(beat)
	return &job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// CreateJob inserts a pending job
func (s *Storage) CreateJob(ctx context.Context, job *domain.ScanJob) error {
	return insertJob(ctx, s.db, job)
}

// CreateJobWithinQuota counts and inserts in one transaction holding a
// per-user advisory lock
func (s *Storage) CreateJobWithinQuota(ctx context.Context, job *domain.ScanJob, quota domain.JobQuota) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, job.UserID); err != nil {
		return fmt.Errorf("failed to lock user quota: %w", err)
	}

	var used int
	countQuery := `SELECT COUNT(*) FROM scan_jobs WHERE user_id = $1 AND kind = $2 AND created_at >= $3`
	if err := tx.QueryRowContext(ctx, countQuery, job.UserID, quota.Kind, quota.Since).Scan(&used); err != nil {
		return fmt.Errorf("failed to count jobs: %w", err)
	}
	if used >= quota.Limit {
		return domain.ErrScanLimitExceeded
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, db sqlx.ExecerContext, job *domain.ScanJob) error {
	query := `
		INSERT INTO scan_jobs (job_id, profile_id, user_id, kind, priority, platforms, profile, status,
			attempt, max_retries, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	profile, err := marshalJSON(job.Profile)
	if err != nil {
		return err
	}
	progress, err := marshalJSON(job.Progress)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, query,
		job.ID,
		job.ProfileID,
		job.UserID,
		job.Kind,
		job.Priority,
		textArray(job.Platforms),
		profile,
		job.Status,
		job.Attempt,
		job.MaxRetries,
		progress,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by its ID
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scan_jobs WHERE job_id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimJob attempts to claim a job using optimistic locking
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.ScanJob, error) {
	query := `
		UPDATE scan_jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, workerID, jobID, domain.JobStatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJob(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
				return nil, domain.ErrJobNotFound
			}
			s.logger.Warn("Failed to claim job - not pending",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)
	return job, nil
}

// UpdateHeartbeat refreshes last_heartbeat_at and progress for a running job
func (s *Storage) UpdateHeartbeat(ctx context.Context, jobID string, progress domain.Progress) (bool, error) {
	query := `
		UPDATE scan_jobs
		SET last_heartbeat_at = NOW(),
		    progress = $1,
		    updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	body, err := marshalJSON(progress)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, query, body, jobID, domain.JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FinishJob moves a non-terminal job to a terminal status
func (s *Storage) FinishJob(ctx context.Context, jobID string, status domain.JobStatus, summary *domain.ResultsSummary, errMsg string) error {
	query := `
		UPDATE scan_jobs
		SET status = $1,
		    summary = COALESCE($2::jsonb, summary),
		    progress = CASE WHEN $3::int >= 0
		        THEN jsonb_set(progress, '{matches_found}', to_jsonb($3::int))
		        ELSE progress END,
		    error_message = NULLIF($4, ''),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $5
		  AND status NOT IN ($6, $7, $8)
	`

	var body any
	matches := -1
	if summary != nil {
		b, err := marshalJSON(summary)
		if err != nil {
			return err
		}
		body, matches = b, summary.MatchesFound
	}

	result, err := s.db.ExecContext(ctx, query, status, body, matches, errMsg, jobID,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if err := s.expectTransition(ctx, result, jobID); err != nil {
		return err
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
	)
	return nil
}

// ReleaseJob returns a running job to pending for another attempt
func (s *Storage) ReleaseJob(ctx context.Context, jobID, errMsg string) error {
	query := `
		UPDATE scan_jobs
		SET status = $1,
		    attempt = attempt + 1,
		    error_message = NULLIF($2, ''),
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status NOT IN ($4, $5, $6)
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, errMsg, jobID,
		domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return s.expectTransition(ctx, result, jobID)
}

// expectTransition maps an update that touched no rows to not-found or terminal
func (s *Storage) expectTransition(ctx context.Context, result sql.Result, jobID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return domain.ErrJobTerminal
}

// CancelJob cancels a non-terminal job and returns its current state
func (s *Storage) CancelJob(ctx context.Context, jobID string) (*domain.ScanJob, error) {
	query := `
		UPDATE scan_jobs
		SET status = $1,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, domain.JobStatusCancelled, jobID,
		domain.JobStatusPending, domain.JobStatusRunning))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			current, getErr := s.GetJob(ctx, jobID)
			if getErr != nil {
				return nil, getErr
			}
			return current, domain.ErrJobTerminal
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return job, nil
}

// CountJobs counts jobs matching filter
func (s *Storage) CountJobs(ctx context.Context, f domain.JobCountFilter) (int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Kind != "" {
		add("kind = $%d", f.Kind)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}

	query := `SELECT COUNT(*) FROM scan_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// FailStaleJobs fails running jobs whose heartbeat is older than before
func (s *Storage) FailStaleJobs(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE scan_jobs
		SET status = $1,
		    error_message = 'worker heartbeat lost',
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE status = $2
		  AND last_heartbeat_at < $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusFailed, domain.JobStatusRunning, before)
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale jobs: %w", err)
	}
	return result.RowsAffected()
}
