package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/scanner"
	"github.com/google/uuid"
)

// Executor runs the pipeline for a claimed job
type Executor interface {
	Execute(ctx context.Context, job *domain.ScanJob, ctl *scanner.Control) (*domain.ResultsSummary, error)
	Rematch(ctx context.Context, job *domain.ScanJob) (int, error)
}

// Maintainer runs the periodic cleanup task
type Maintainer interface {
	Cleanup(ctx context.Context) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	WorkerID          string
	Broker            queue.Broker
	Dispatcher        *queue.Dispatcher
	Jobs              domain.JobRepository
	Workers           domain.WorkerRegistry
	Executor          Executor
	Maintenance       Maintainer
	Notifier          domain.Notifier
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

// Worker pulls tasks from the lanes and runs them on a fixed pool
type Worker struct {
	logger            *slog.Logger
	workerID          string
	broker            queue.Broker
	dispatcher        *queue.Dispatcher
	jobs              domain.JobRepository
	workers           domain.WorkerRegistry
	executor          Executor
	maintenance       Maintainer
	notifier          domain.Notifier
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration

	jobsChan chan *queue.Delivery
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	id := cfg.WorkerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &Worker{
		logger:            cfg.Logger.With(slog.String("worker_id", id)),
		workerID:          id,
		broker:            cfg.Broker,
		dispatcher:        cfg.Dispatcher,
		jobs:              cfg.Jobs,
		workers:           cfg.Workers,
		executor:          cfg.Executor,
		maintenance:       cfg.Maintenance,
		notifier:          cfg.Notifier,
		concurrency:       concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		retryBaseDelay:    cfg.RetryBaseDelay,
		retryMaxDelay:     cfg.RetryMaxDelay,
		jobsChan:          make(chan *queue.Delivery),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}
}

// ID returns the worker identity recorded on claimed jobs
func (w *Worker) ID() string {
	return w.workerID
}

// Start begins processing tasks and blocks until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if err := w.register(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.sendWorkerHeartbeat(ctx)
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) register(ctx context.Context) error {
	if w.workers == nil {
		return nil
	}
	return w.workers.RegisterWorker(ctx, domain.WorkerInfo{
		WorkerID:    w.workerID,
		Concurrency: w.concurrency,
		LastSeenAt:  w.now().UTC(),
	})
}

// sendWorkerHeartbeat keeps the liveness record fresh for stats
func (w *Worker) sendWorkerHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.register(ctx); err != nil {
				w.logger.Warn("Failed to update worker heartbeat",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
