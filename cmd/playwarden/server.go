package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/playwarden/internal/api"
	"github.com/goodtune/playwarden/internal/bus"
	"github.com/goodtune/playwarden/internal/clock"
	"github.com/goodtune/playwarden/internal/config"
	"github.com/goodtune/playwarden/internal/enforce"
	"github.com/goodtune/playwarden/internal/metrics"
	"github.com/goodtune/playwarden/internal/quota"
	"github.com/goodtune/playwarden/internal/registry"
	"github.com/goodtune/playwarden/internal/retention"
	"github.com/goodtune/playwarden/internal/session"
	"github.com/goodtune/playwarden/internal/stats"
	"github.com/goodtune/playwarden/internal/storage"
	"github.com/goodtune/playwarden/internal/storage/redis"
	"github.com/goodtune/playwarden/internal/systemd"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Playwarden server",
	Long:  `Start the Playwarden server with MQTT ingestion, quota enforcement, API, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Playwarden")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	// Resolve the engine timezone; all day boundaries use it
	loc, err := config.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load timezone: %w", err)
	}
	clk := clock.System{Location: loc}

	// Initialize usage aggregator
	usage, err := stats.New(store.Sessions(), clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize usage aggregator: %w", err)
	}

	// Initialize user registry
	reg := registry.New(store.Users(), store.Quotas(), registry.Defaults{
		LimitMinutes:        cfg.Quota.DefaultLimitMinutes,
		WarningLeadMinutes:  cfg.Quota.WarningLeadMinutes,
		AutoShutdownEnabled: cfg.Quota.AutoShutdownEnabled,
	}, logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("failed to load user registry: %w", err)
	}

	// Initialize session tracker
	tracker := session.NewTracker(store.Sessions(), clk, usage, logger)
	if err := tracker.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}

	// Initialize quota policy
	policy := quota.New(store.Quotas(), usage, quota.Defaults{
		LimitMinutes:        cfg.Quota.DefaultLimitMinutes,
		WarningLeadMinutes:  cfg.Quota.WarningLeadMinutes,
		AutoShutdownEnabled: cfg.Quota.AutoShutdownEnabled,
	}, logger)

	// Connect to the message bus
	mqttBus, err := bus.OpenMQTT(cfg.MQTT, tracker, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer mqttBus.Stop()

	logger.Info().Str("broker", cfg.MQTT.BrokerURL).Msg("Connected to MQTT broker")

	// Initialize enforcement scheduler
	scheduler := enforce.New(
		policy,
		tracker,
		store.Sessions(),
		store.ShutdownLog(),
		reg,
		mqttBus,
		clk,
		enforce.Options{
			TickInterval:    parseDuration(cfg.Scheduler.TickInterval, time.Minute),
			SessionTimeout:  parseDuration(cfg.Scheduler.SessionTimeout, 5*time.Minute),
			DispatchTimeout: parseDuration(cfg.Scheduler.DispatchTimeout, 5*time.Second),
			DispatchRetries: cfg.Scheduler.DispatchRetries,
		},
		logger,
	)

	// Evaluate on session open so zero-allowance days are enforced immediately
	tracker.SetOnOpen(func(userID string) {
		scheduler.EvaluateUser(ctx, userID)
	})

	go scheduler.Run(ctx)
	defer scheduler.Stop()

	// Start ingesting device telemetry
	if err := mqttBus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT ingestion: %w", err)
	}

	// Initialize retention scheduler
	cleaner, err := retention.NewScheduler(store, clk, cfg.Retention.Days, cfg.Retention.CleanupTime, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}
	cleaner.Start()
	defer cleaner.Stop()

	// Initialize API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, store, reg, policy, usage, scheduler, clk, logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd readiness")
	}

	logger.Info().Msg("Playwarden startup complete")
	logger.Info().Msgf("API: http://%s/api", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to notify systemd stopping")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Playwarden stopped")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// openStorage opens the configured storage backend.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
