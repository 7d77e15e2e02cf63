package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/crawler"
	"github.com/cuongbtq/leakwatch/internal/discovery"
	"github.com/cuongbtq/leakwatch/internal/domain"
	"github.com/cuongbtq/leakwatch/internal/fingerprint"
	"github.com/cuongbtq/leakwatch/internal/notify"
	"github.com/cuongbtq/leakwatch/internal/orchestrator"
	"github.com/cuongbtq/leakwatch/internal/platform"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/registry"
	"github.com/cuongbtq/leakwatch/internal/scanner"
	"github.com/cuongbtq/leakwatch/internal/schedule"
	"github.com/cuongbtq/leakwatch/internal/storage/postgres"
	"github.com/cuongbtq/leakwatch/internal/worker"
	"github.com/cuongbtq/leakwatch/migrations"
	"github.com/cuongbtq/leakwatch/shared/logger"
	"github.com/cuongbtq/leakwatch/shared/postgresql"
	"github.com/cuongbtq/leakwatch/shared/rabbitmq"
	"github.com/joho/godotenv"
)

const (
	platformHealthTTL = 5 * time.Minute
	// visited rows are purged this long after insert
	visitedScopeTTL = 24 * time.Hour
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.ApplySchema {
		if err := dbClient.ApplySchema(ctx, migrations.Schema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, &cfg.Queue, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	svc, err := initServices(cfg, appLogger, dbClient, rabbitClient)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.worker.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	if cfg.Worker.RunScheduler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.driver.Run(ctx)
		}()
	}

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", svc.worker.ID()),
		slog.Bool("scheduler", cfg.Worker.RunScheduler),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		svc.worker.Stop()
		wg.Wait()
		if w, ok := svc.notifier.(interface{ Wait() }); ok {
			w.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

type services struct {
	worker   *worker.Worker
	driver   *schedule.Driver
	notifier domain.Notifier
}

// initServices wires the scan pipeline, the worker pool and the schedule driver
func initServices(cfg *config.Config, appLogger *logger.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) (*services, error) {
	db := dbClient.GetDB()
	store := postgres.NewStorage(db, appLogger.Component("storage"))
	limiter := postgres.NewRateLimiter(db)
	visited := postgres.NewVisitedStore(db, visitedScopeTTL)
	broker := queue.NewRabbitBroker(rabbitClient, appLogger.Component("queue"))
	notifier := notify.New(cfg.Notify, appLogger.Component("notify"))

	httpClient := &http.Client{Timeout: cfg.Crawler.FetchTimeout}

	disc, err := discovery.New(cfg.Discovery, &http.Client{Timeout: cfg.Discovery.RequestTimeout}, cfg.Crawler.UserAgent, appLogger.Component("discovery"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize discovery: %w", err)
	}

	platforms := platform.NewTable(platform.Defaults(httpClient), platformHealthTTL, appLogger.Component("platform"))

	executor := scanner.New(scanner.Config{
		Discovery: disc,
		Platforms: platforms,
		Registry:  registry.New(cfg.Registry.Sites),
		Crawler: crawler.New(crawler.Config{
			Client:  httpClient,
			Limiter: limiter,
			Visited: visited,
			Options: crawler.OptionsFromConfig(cfg.Crawler),
			Logger:  appLogger.Component("crawler"),
		}),
		Engine:         fingerprint.NewEngine(cfg.Matching, appLogger.Component("fingerprint")),
		Results:        store,
		Profiles:       store,
		Notifier:       notifier,
		MaxURLs:        cfg.Crawler.MaxURLs,
		MaxProbeURLs:   cfg.Registry.MaxProbeURLs,
		MinStoredScore: cfg.Matching.MinStoredScore,
		Logger:         appLogger.Component("scanner"),
	})

	policy, err := schedule.NewPolicy(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("failed to build schedule policy: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		Jobs:       store,
		Results:    store,
		Schedules:  store,
		Tiers:      store,
		Workers:    store,
		Broker:     broker,
		Lanes:      queue.LanesFrom(cfg.RabbitMQ.Lanes),
		Policy:     policy,
		Platforms:  platforms,
		Summarizer: executor,
		Notifier:   notifier,
		MaxRetries: cfg.Queue.MaxRetries,
		WorkerTTL:  3 * cfg.Worker.HeartbeatInterval,
		Logger:     appLogger.Component("orchestrator"),
	})

	cleaner := worker.NewCleaner(worker.CleanerConfig{
		Jobs:    store,
		Results: store,
		Purgers: map[string]worker.Purger{
			"rate_limits": limiter,
			"visited":     visited,
		},
		StaleAfter:           cfg.Worker.StaleAfter,
		FingerprintRetention: cfg.Matching.FingerprintRetention,
		Logger:               appLogger.Component("cleaner"),
	})

	w := worker.NewWorker(&worker.Config{
		Logger:            appLogger.Component("worker"),
		WorkerID:          cfg.Worker.ID,
		Broker:            broker,
		Dispatcher:        queue.NewDispatcher(broker, queue.WeightsFrom(cfg.RabbitMQ.Lanes), cfg.Worker.PollInterval, appLogger.Component("dispatcher")),
		Jobs:              store,
		Workers:           store,
		Executor:          executor,
		Maintenance:       cleaner,
		Notifier:          notifier,
		Concurrency:       cfg.Worker.Concurrency,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		RetryBaseDelay:    cfg.Queue.RetryBaseDelay,
		RetryMaxDelay:     cfg.Queue.RetryMaxDelay,
	})

	driver := schedule.NewDriver(schedule.DriverConfig{
		Policy:          policy,
		Schedules:       store,
		Profiles:        store,
		Tiers:           store,
		Scheduler:       orch,
		TickInterval:    cfg.Schedule.TickInterval,
		ResyncInterval:  cfg.Schedule.ResyncInterval,
		CleanupInterval: cfg.Schedule.CleanupInterval,
		BatchSize:       cfg.Schedule.BatchSize,
		Logger:          appLogger.Component("scheduler"),
	})

	return &services{worker: w, driver: driver, notifier: notifier}, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRabbitMQ connects and declares every lane with its retry queues
func initRabbitMQ(cfg *config.RabbitMQConfig, retry *config.QueueConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	lanes := make([]rabbitmq.LaneConfig, 0, len(cfg.Lanes))
	for _, l := range cfg.Lanes {
		lanes = append(lanes, rabbitmq.LaneConfig{Name: l.Name, MaxPriority: l.MaxPriority, Durable: l.Durable})
	}

	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		Lanes:              lanes,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		RetryDelays:        rabbitmq.BackoffTiers(retry.RetryBaseDelay, retry.RetryMaxDelay),
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
