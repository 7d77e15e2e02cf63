package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/google/uuid"
)

// startMessageDispatcher pulls tasks from the weighted lanes and hands them
// to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context) {
	w.logger.Info("Message dispatcher started",
		slog.Int("lanes", len(w.dispatcher.Lanes())),
	)

	// Stop interrupts a blocked pull without cancelling running jobs
	pullCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-pullCtx.Done():
		}
	}()

	for {
		delivery, err := w.dispatcher.Next(pullCtx)
		if err != nil {
			w.logger.Info("Message dispatcher stopped",
				slog.String("reason", err.Error()),
			)
			return
		}

		if !validTask(delivery.Task) {
			w.logger.Error("Invalid task - not processing",
				slog.String("task_id", delivery.Task.ID),
				slog.String("type", string(delivery.Task.Type)),
				slog.String("job_id", delivery.Task.JobID),
			)
			if nackErr := delivery.Nack(false); nackErr != nil {
				w.logger.Error("Failed to NACK invalid task",
					slog.String("error", nackErr.Error()),
				)
			}
			continue
		}

		select {
		case w.jobsChan <- delivery:
			w.logger.Debug("Task dispatched to worker pool",
				slog.String("task_id", delivery.Task.ID),
				slog.String("lane", string(delivery.Lane)),
			)
		case <-w.stopChan:
			w.requeueOnShutdown(delivery)
			return
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped while dispatching task")
			w.requeueOnShutdown(delivery)
			return
		}
	}
}

func (w *Worker) requeueOnShutdown(d *queue.Delivery) {
	if err := d.Nack(true); err != nil {
		w.logger.Error("Failed to NACK task on shutdown",
			slog.String("task_id", d.Task.ID),
			slog.String("error", err.Error()),
		)
	}
}

func validTask(t queue.Task) bool {
	switch t.Type {
	case queue.TaskScan, queue.TaskRematch:
		_, err := uuid.Parse(t.JobID)
		return err == nil
	case queue.TaskCleanup:
		return true
	default:
		return false
	}
}
