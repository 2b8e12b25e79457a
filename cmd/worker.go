package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/internal/tokencleanup"
	"github.com/frahmantamala/library-management/pkg/logger"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const cleanupLockKey = "library-management:token-cleanup"

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start background workers: refresh token housekeeping and the logout event consumer.`,
}

var cleanupWorkerCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Start the refresh token cleanup worker",
	Long:  `Periodically revoke lapsed refresh tokens and purge tokens older than the retention window`,
	Run: func(cmd *cobra.Command, args []string) {
		startCleanupWorker()
	},
}

var eventWorkerCmd = &cobra.Command{
	Use:   "events",
	Short: "Start event consumer",
	Long:  `Consume auth events from RabbitMQ and run the logout fan-out for each of them`,
	Run: func(cmd *cobra.Command, args []string) {
		startEventWorker()
	},
}

var (
	cleanupOnce   bool
	cleanupWorker int
	eventPrefetch int
)

func startCleanupWorker() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logger.LoggerWrapper()
	cleanupConfig := config.Cleanup
	cleanupConfig.Workers = getIntFlag(cleanupWorker, cleanupConfig.Workers)

	db, err := sqlx.Connect("pgx", config.Database.Source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cleanupConfig.Workers + 1)

	var locker tokencleanup.Locker
	if config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		defer client.Close()
		locker = tokencleanup.NewRedisLocker(client, cleanupLockKey, cleanupConfig.LockTTL, logger)
	}

	job := tokencleanup.NewJob(tokencleanup.NewSQLStore(db), locker, cleanupConfig, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting token cleanup worker",
		"interval", cleanupConfig.Interval,
		"retention", cleanupConfig.Retention,
		"batch_size", cleanupConfig.BatchSize,
		"workers", cleanupConfig.Workers,
		"distributed_lock", locker != nil)

	if cleanupOnce {
		if _, err := job.RunOnce(ctx); err != nil {
			logger.Error("token cleanup failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := job.Run(ctx); err != nil {
		logger.Error("token cleanup worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("token cleanup worker shutdown complete")
}

func startEventWorker() {
	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if config.RabbitMQ.URL == "" {
		fmt.Fprintln(os.Stderr, "rabbitmq.url is required for the event worker")
		os.Exit(1)
	}

	logger := logger.LoggerWrapper()

	deps, err := initializeDependencies(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	deliveries, err := deps.Broker.Consume(eventPrefetch)
	if err != nil {
		logger.Error("failed to start consuming", "error", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("event worker started. Waiting for events...", "queue", config.RabbitMQ.Queue, "prefetch", eventPrefetch)

	err = events.NewAMQPConsumer(deps.Bus, logger).Run(ctx, deliveries)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("event worker stopped", "error", err)
		return
	}
	logger.Info("event worker shutdown complete")
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	cleanupWorkerCmd.Flags().BoolVar(&cleanupOnce, "once", false, "Run a single sweep and exit")
	cleanupWorkerCmd.Flags().IntVar(&cleanupWorker, "workers", 0, "Number of sweep workers (overrides config)")
	eventWorkerCmd.Flags().IntVar(&eventPrefetch, "prefetch", 10, "Unacknowledged deliveries held at once")

	workerCmd.AddCommand(cleanupWorkerCmd)
	workerCmd.AddCommand(eventWorkerCmd)

	rootCmd.AddCommand(workerCmd)
}
