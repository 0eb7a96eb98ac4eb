package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/consulta/meterd/internal/api"
	"github.com/consulta/meterd/internal/config"
	"github.com/consulta/meterd/internal/lock"
	"github.com/consulta/meterd/internal/meter"
	"github.com/consulta/meterd/internal/metrics"
	"github.com/consulta/meterd/internal/push"
	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
	"github.com/consulta/meterd/internal/storage/redis"
	"github.com/consulta/meterd/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start meterd server",
	Long:  `Start the meterd session controller with the session API, push channel, and metrics endpoints.`,
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
		Msg("Starting meterd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
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

	// Initialize Lock Manager
	lockManager := lock.NewManager(store.Locks(), lock.Config{
		LeaseTTL:      parseDuration(cfg.Lock.LeaseTTL, lock.DefaultLeaseTTL),
		AcquireWait:   parseDuration(cfg.Lock.AcquireWait, lock.DefaultAcquireWait),
		RetryInterval: parseDuration(cfg.Lock.RetryInterval, lock.DefaultRetryInterval),
	}, logger)

	// Initialize Push Broadcaster
	broadcaster := push.NewBroadcaster(cfg.Push.SubscriberBuffer, logger)

	// Initialize Metering Clock
	defaultRate, err := parseRate(cfg.Metering.RatePerMinute)
	if err != nil {
		return fmt.Errorf("invalid metering.rate_per_minute: %w", err)
	}

	meterClock := meter.New(store.Sessions(), store.Wallets(), lockManager, broadcaster, meter.Config{
		FreeTrialDuration:    parseDuration(cfg.Metering.FreeTrialDuration, meter.DefaultFreeTrialDuration),
		TickInterval:         parseDuration(cfg.Metering.TickInterval, meter.DefaultTickInterval),
		DebitRetries:         cfg.Metering.DebitRetries,
		DefaultRatePerMinute: defaultRate,
	}, logger)
	defer meterClock.Shutdown()

	// Resume sessions left ticking by a previous run
	resumeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = meterClock.Resume(resumeCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to resume active sessions: %w", err)
	}

	logger.Info().Msg("Metering Clock initialized")

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:        apiAddr,
		SnapshotCacheSize: cfg.Poll.SnapshotCacheSize,
		SnapshotCacheTTL:  parseDuration(cfg.Poll.SnapshotCacheTTL, api.DefaultSnapshotCacheTTL),
		HeartbeatInterval: parseDuration(cfg.Push.HeartbeatInterval, api.DefaultHeartbeatInterval),
	}, meterClock, store.Wallets(), broadcaster, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	logger.Info().
		Str("addr", apiAddr).
		Msg("API Server started")

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", metricsAddr).
		Msg("Metrics Server started")

	// Log startup complete
	logger.Info().Msg("meterd startup complete")
	logger.Info().Msgf("Session API: http://%s/api/v1", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// Stop servers
	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("meterd stopped")

	return nil
}

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

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
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

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// parseRate parses a decimal credits-per-minute rate into millicredits
func parseRate(s string) (int64, error) {
	if s == "" {
		return session.MillicreditsPerCredit, nil
	}
	credits, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if credits <= 0 {
		return 0, fmt.Errorf("rate must be positive, got %s", s)
	}
	return session.MillisFromCredits(credits), nil
}
