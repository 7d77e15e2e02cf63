package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
)

// Purger drops expired crawl state such as cooldowns and URL claims
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// CleanerConfig wires a Cleaner
type CleanerConfig struct {
	Jobs                 domain.JobRepository
	Results              domain.ResultRepository
	Purgers              map[string]Purger
	StaleAfter           time.Duration
	FingerprintRetention time.Duration
	Logger               *slog.Logger
}

// Cleaner reaps jobs with lost heartbeats and expires stored crawl state
type Cleaner struct {
	jobs       domain.JobRepository
	results    domain.ResultRepository
	purgers    map[string]Purger
	staleAfter time.Duration
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewCleaner creates a cleaner
func NewCleaner(cfg CleanerConfig) *Cleaner {
	return &Cleaner{
		jobs:       cfg.Jobs,
		results:    cfg.Results,
		purgers:    cfg.Purgers,
		staleAfter: cfg.StaleAfter,
		retention:  cfg.FingerprintRetention,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Cleanup runs every step and reports the failures together
func (c *Cleaner) Cleanup(ctx context.Context) error {
	now := c.now()
	var errs []error

	if c.staleAfter > 0 {
		n, err := c.jobs.FailStaleJobs(ctx, now.Add(-c.staleAfter))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to reap stale jobs: %w", err))
		} else if n > 0 {
			c.logger.Warn("Failed stale jobs", slog.Int64("count", n))
		}
	}

	for name, p := range c.purgers {
		n, err := p.PurgeExpired(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to purge %s: %w", name, err))
			continue
		}
		c.logger.Debug("Purged expired state", slog.String("store", name), slog.Int64("count", n))
	}

	if c.retention > 0 && c.results != nil {
		n, err := c.results.DeleteFingerprintsBefore(ctx, now.Add(-c.retention))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete fingerprints: %w", err))
		} else if n > 0 {
			c.logger.Info("Deleted expired fingerprints", slog.Int64("count", n))
		}
	}

	return errors.Join(errs...)
}
