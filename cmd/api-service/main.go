package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/leakwatch/internal/api/handler"
	"github.com/cuongbtq/leakwatch/internal/api/router"
	"github.com/cuongbtq/leakwatch/internal/config"
	"github.com/cuongbtq/leakwatch/internal/notify"
	"github.com/cuongbtq/leakwatch/internal/orchestrator"
	"github.com/cuongbtq/leakwatch/internal/platform"
	"github.com/cuongbtq/leakwatch/internal/queue"
	"github.com/cuongbtq/leakwatch/internal/scanner"
	"github.com/cuongbtq/leakwatch/internal/schedule"
	"github.com/cuongbtq/leakwatch/internal/storage/postgres"
	"github.com/cuongbtq/leakwatch/migrations"
	"github.com/cuongbtq/leakwatch/shared/logger"
	"github.com/cuongbtq/leakwatch/shared/postgresql"
	"github.com/cuongbtq/leakwatch/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

const platformHealthTTL = 5 * time.Minute

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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx := context.Background()

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

	orch, err := initOrchestrator(cfg, appLogger, dbClient, rabbitClient)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	r := initRouter(cfg.App.Environment, appLogger.Component("api"), orch)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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

// initOrchestrator builds the scan intake over Postgres and RabbitMQ
func initOrchestrator(cfg *config.Config, appLogger *logger.Logger, dbClient *postgresql.Client, rabbitClient *rabbitmq.Client) (*orchestrator.Orchestrator, error) {
	policy, err := schedule.NewPolicy(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	store := postgres.NewStorage(dbClient.GetDB(), appLogger.Component("storage"))
	platforms := platform.NewTable(
		platform.Defaults(&http.Client{Timeout: cfg.Crawler.FetchTimeout}),
		platformHealthTTL,
		appLogger.Component("platform"),
	)
	// the API only needs the executor's read side to summarize in-flight jobs
	summarizer := scanner.New(scanner.Config{Results: store, Logger: appLogger.Component("scanner")})

	return orchestrator.New(orchestrator.Config{
		Jobs:       store,
		Results:    store,
		Schedules:  store,
		Tiers:      store,
		Workers:    store,
		Broker:     queue.NewRabbitBroker(rabbitClient, appLogger.Component("queue")),
		Lanes:      queue.LanesFrom(cfg.RabbitMQ.Lanes),
		Policy:     policy,
		Platforms:  platforms,
		Summarizer: summarizer,
		Notifier:   notify.New(cfg.Notify, appLogger.Component("notify")),
		MaxRetries: cfg.Queue.MaxRetries,
		WorkerTTL:  3 * cfg.Worker.HeartbeatInterval,
		Logger:     appLogger.Component("orchestrator"),
	}), nil
}

// initRouter sets the gin mode and builds the router
func initRouter(environment string, logger *slog.Logger, orch *orchestrator.Orchestrator) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger:       logger,
		Orchestrator: orch,
	})
}
