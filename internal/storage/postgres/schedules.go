package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
)

const scheduleColumns = `profile_id, user_id, tier, frequency, next_scan_at, last_scan_at, updated_at`

// GetSchedule returns a profile's schedule
func (s *Storage) GetSchedule(ctx context.Context, profileID string) (*domain.ScanSchedule, error) {
	var sc domain.ScanSchedule
	query := `SELECT ` + scheduleColumns + ` FROM scan_schedules WHERE profile_id = $1`
	if err := s.db.GetContext(ctx, &sc, query, profileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return &sc, nil
}

// SaveSchedule upserts a schedule
func (s *Storage) SaveSchedule(ctx context.Context, sc *domain.ScanSchedule) error {
	query := `
		INSERT INTO scan_schedules (profile_id, user_id, tier, frequency, next_scan_at, last_scan_at, updated_at)
		VALUES (:profile_id, :user_id, :tier, :frequency, :next_scan_at, :last_scan_at, :updated_at)
		ON CONFLICT (profile_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    tier = EXCLUDED.tier,
		    frequency = EXCLUDED.frequency,
		    next_scan_at = EXCLUDED.next_scan_at,
		    last_scan_at = EXCLUDED.last_scan_at,
		    updated_at = EXCLUDED.updated_at
	`

	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = time.Now().UTC()
	}
	if _, err := s.db.NamedExecContext(ctx, query, sc); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// ListDueSchedules returns schedules whose next scan is at or before now, earliest first
func (s *Storage) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.ScanSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM scan_schedules
		WHERE next_scan_at IS NOT NULL AND next_scan_at <= $1
		ORDER BY next_scan_at, profile_id
		LIMIT $2
	`

	var out []domain.ScanSchedule
	if err := s.db.SelectContext(ctx, &out, query, now, nullLimit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return out, nil
}

// ListSchedules pages through schedules ordered by profile id
func (s *Storage) ListSchedules(ctx context.Context, afterProfileID string, limit int) ([]domain.ScanSchedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM scan_schedules
		WHERE profile_id > $1
		ORDER BY profile_id
		LIMIT $2
	`

	var out []domain.ScanSchedule
	if err := s.db.SelectContext(ctx, &out, query, afterProfileID, nullLimit(limit)); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return out, nil
}

// nullLimit turns a non-positive limit into LIMIT NULL, which Postgres treats as no limit
func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
