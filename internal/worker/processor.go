package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/scanner"
)

func (w *Worker) processTask(ctx context.Context, d *queue.Delivery) error {
	switch d.Task.Type {
	case queue.TaskScan:
		return w.processJob(ctx, d)
	case queue.TaskRematch:
		return w.processRematch(ctx, d.Task)
	case queue.TaskCleanup:
		if w.maintenance == nil {
			return nil
		}
		if err := w.maintenance.Cleanup(ctx); err != nil {
			return domain.NewRetryableError(fmt.Errorf("cleanup failed: %w", err))
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown task type %q", domain.ErrInvalidPayload, d.Task.Type)
	}
}

// processJob runs one scan attempt with timeout, heartbeat, and status updates
func (w *Worker) processJob(ctx context.Context, d *queue.Delivery) error {
	jobID := d.Task.JobID
	log := w.logger.With(slog.String("job_id", jobID))

	// Step 1: Claim job (PENDING → RUNNING)
	job, err := w.jobs.ClaimJob(ctx, jobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			// cancelled, finished, or running elsewhere
			log.Info("Job not pending, skipping")
			return fmt.Errorf("job already claimed: %w", err)
		}
		if errors.Is(err, domain.ErrJobNotFound) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	log.Info("Processing job",
		slog.String("kind", string(job.Kind)),
		slog.Int("attempt", job.Attempt),
	)

	// Step 2: Timeout context
	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	// Step 3: Heartbeat goroutine
	ctl := &scanner.Control{}
	heartbeatDone := make(chan struct{})
	heartbeatStopped := make(chan struct{})
	go func() {
		defer close(heartbeatStopped)
		w.sendJobHeartbeat(jobCtx, job.ID, ctl, heartbeatDone)
	}()

	w.notify(ctx, domain.EventScanStarted, job, map[string]any{"attempt": job.Attempt})

	// Step 4: Execute
	summary, execErr := w.executor.Execute(jobCtx, job, ctl)
	close(heartbeatDone)
	<-heartbeatStopped

	// Step 5: Status update and retry decision; settlement outlives shutdown
	settleCtx := context.WithoutCancel(ctx)
	if execErr == nil {
		return w.completeJob(settleCtx, log, job, summary)
	}

	log.Error("Job execution failed", slog.String("error", execErr.Error()))

	if domain.IsRetryable(execErr) && job.Attempt < job.MaxRetries {
		return w.retryJob(settleCtx, log, d, job, execErr)
	}

	if err := w.jobs.FinishJob(settleCtx, job.ID, domain.JobStatusFailed, summary, execErr.Error()); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			log.Info("Job cancelled while running")
			return nil
		}
		log.Error("Failed to update job status to FAILED", slog.String("error", err.Error()))
	}
	w.notify(settleCtx, domain.EventScanFailed, job, map[string]any{"error": execErr.Error()})

	if domain.IsRetryable(execErr) {
		log.Warn("Job exceeded max retries",
			slog.Int("attempt", job.Attempt),
			slog.Int("max_retries", job.MaxRetries),
		)
		return fmt.Errorf("%w: %v", domain.ErrMaxRetriesExceeded, execErr)
	}
	return execErr
}

func (w *Worker) completeJob(ctx context.Context, log *slog.Logger, job *domain.ScanJob, summary *domain.ResultsSummary) error {
	if err := w.jobs.FinishJob(ctx, job.ID, domain.JobStatusCompleted, summary, ""); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			log.Info("Job cancelled while running")
			return nil
		}
		// the scan itself finished, so the task is still acknowledged
		log.Error("Failed to update job status to COMPLETED", slog.String("error", err.Error()))
		return nil
	}

	log.Info("Job completed successfully",
		slog.Int("urls_scanned", summary.URLsScanned),
		slog.Int("matches_found", summary.MatchesFound),
		slog.Bool("partial", summary.Partial),
	)
	w.notify(ctx, domain.EventScanCompleted, job, map[string]any{
		"urls_scanned":    summary.URLsScanned,
		"matches_found":   summary.MatchesFound,
		"high_confidence": summary.HighConfidence,
		"partial":         summary.Partial,
	})
	return nil
}

// retryJob returns the job to pending and republishes its task after a backoff
func (w *Worker) retryJob(ctx context.Context, log *slog.Logger, d *queue.Delivery, job *domain.ScanJob, cause error) error {
	if err := w.jobs.ReleaseJob(ctx, job.ID, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			log.Info("Job cancelled while running")
			return nil
		}
		return domain.NewRetryableError(fmt.Errorf("failed to release job: %w", err))
	}

	delay := w.backoff(job.Attempt)
	task := d.Task
	task.Attempt = job.Attempt + 1
	if err := w.broker.PublishDelayed(ctx, d.Lane, task, delay); err != nil {
		// the original delivery goes back instead
		return domain.NewRetryableError(fmt.Errorf("failed to schedule retry: %w", err))
	}

	log.Info("Job will be retried",
		slog.Int("attempt", task.Attempt),
		slog.Int("max_retries", job.MaxRetries),
		slog.Duration("delay", delay),
	)
	return errRetryScheduled
}

// backoff doubles the base delay per attempt up to the maximum
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if w.retryMaxDelay > 0 && delay >= w.retryMaxDelay {
			return w.retryMaxDelay
		}
	}
	return delay
}

func (w *Worker) processRematch(ctx context.Context, task queue.Task) error {
	job, err := w.jobs.GetJob(ctx, task.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		}
		return domain.NewRetryableError(fmt.Errorf("failed to load job: %w", err))
	}

	n, err := w.executor.Rematch(ctx, job)
	if err != nil {
		return err
	}
	w.logger.Info("Rematch finished",
		slog.String("job_id", job.ID),
		slog.Int("new_matches", n),
	)
	return nil
}

// sendJobHeartbeat periodically refreshes the job and publishes progress. A
// job that is no longer running, because it was cancelled or reaped, is
// told to stop starting new fetches.
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, ctl *scanner.Control, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			running, err := w.jobs.UpdateHeartbeat(ctx, jobID, ctl.Progress())
			if err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !running && !ctl.Stopped() {
				w.logger.Info("Job no longer running, stopping scan",
					slog.String("job_id", jobID),
				)
				ctl.Stop()
			}
		}
	}
}

func (w *Worker) notify(ctx context.Context, t domain.EventType, job *domain.ScanJob, data map[string]any) {
	if w.notifier == nil {
		return
	}
	w.notifier.Notify(ctx, domain.Event{
		Type:       t,
		JobID:      job.ID,
		ProfileID:  job.ProfileID,
		UserID:     job.UserID,
		Data:       data,
		OccurredAt: w.now().UTC(),
	})
}
