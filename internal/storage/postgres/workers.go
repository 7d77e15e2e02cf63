package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
)

// RegisterWorker upserts a worker's liveness record
func (s *Storage) RegisterWorker(ctx context.Context, info domain.WorkerInfo) error {
	query := `
		INSERT INTO workers (worker_id, concurrency, last_seen_at)
		VALUES (:worker_id, :concurrency, :last_seen_at)
		ON CONFLICT (worker_id) DO UPDATE
		SET concurrency = EXCLUDED.concurrency,
		    last_seen_at = EXCLUDED.last_seen_at
	`

	if info.LastSeenAt.IsZero() {
		info.LastSeenAt = time.Now().UTC()
	}
	if _, err := s.db.NamedExecContext(ctx, query, info); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// ListWorkers returns workers seen at or after seenSince
func (s *Storage) ListWorkers(ctx context.Context, seenSince time.Time) ([]domain.WorkerInfo, error) {
	query := `
		SELECT worker_id, concurrency, last_seen_at
		FROM workers
		WHERE last_seen_at >= $1
		ORDER BY worker_id
	`

	var out []domain.WorkerInfo
	if err := s.db.SelectContext(ctx, &out, query, seenSince); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return out, nil
}
