package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/queue"
)

// errRetryScheduled marks a task whose retry was republished with a delay;
// the original delivery is acknowledged
var errRetryScheduled = errors.New("retry scheduled")

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	log := w.logger.With(slog.String("worker_name", workerName))
	log.Debug("Worker goroutine started")

	for {
		select {
		case <-w.stopChan:
			log.Debug("Worker goroutine stopping - stopChan closed")
			return

		case <-ctx.Done():
			log.Debug("Worker goroutine stopping - context canceled")
			return

		case d := <-w.jobsChan:
			log.Info("Worker received task",
				slog.String("task_id", d.Task.ID),
				slog.String("type", string(d.Task.Type)),
				slog.String("job_id", d.Task.JobID),
				slog.String("lane", string(d.Lane)),
			)

			err := w.processTask(ctx, d)
			w.settle(log, d, err)
		}
	}
}

// settle acknowledges or rejects the delivery based on the processing result
func (w *Worker) settle(log *slog.Logger, d *queue.Delivery, err error) {
	log = log.With(slog.String("task_id", d.Task.ID), slog.String("job_id", d.Task.JobID))

	if err == nil || errors.Is(err, errRetryScheduled) || errors.Is(err, domain.ErrJobAlreadyClaimed) {
		if ackErr := d.Ack(); ackErr != nil {
			log.Error("Failed to ACK task", slog.String("error", ackErr.Error()))
		}
		return
	}

	log.Error("Task processing failed", slog.String("error", err.Error()))

	requeue := w.shouldRequeueJob(err)
	if nackErr := d.Nack(requeue); nackErr != nil {
		log.Error("Failed to NACK task", slog.String("error", nackErr.Error()))
		return
	}
	log.Info("Task NACKed", slog.Bool("requeue", requeue))
}

// shouldRequeueJob determines if a task should be requeued based on the error type
func (w *Worker) shouldRequeueJob(err error) bool {
	// a concurrent delivery owns the job
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		return false
	}

	if errors.Is(err, domain.ErrMaxRetriesExceeded) {
		return false
	}

	if errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	return domain.IsRetryable(err)
}
