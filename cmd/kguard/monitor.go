package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goodtune/kguard/internal/capture"
	"github.com/goodtune/kguard/internal/classifier"
	"github.com/goodtune/kguard/internal/config"
	"github.com/goodtune/kguard/internal/metrics"
	"github.com/goodtune/kguard/internal/monitor"
	"github.com/goodtune/kguard/internal/notify"
	"github.com/goodtune/kguard/internal/policy"
	"github.com/goodtune/kguard/internal/policy/opa"
	"github.com/goodtune/kguard/internal/session"
	"github.com/goodtune/kguard/internal/storage"
	"github.com/goodtune/kguard/internal/storage/memory"
	"github.com/goodtune/kguard/internal/storage/redis"
	"github.com/goodtune/kguard/internal/storage/sqlite"
	"github.com/goodtune/kguard/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Start KGuard monitoring",
	Long:  `Start the capture and policy cadences, the daily reset scheduler, notifiers, and the metrics endpoint.`,
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting KGuard")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	table, err := cfg.PolicyTable()
	if err != nil {
		return err
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

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	sensor, err := openSensor(cfg.Sensor, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize sensor: %w", err)
	}

	rules, reload, err := openRules(cfg.Policy, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy rules: %w", err)
	}

	logger.Info().Str("engine", cfg.Policy.Engine).Msg("Policy rules initialized")

	source := classifier.NewHTTPSource(classifier.HTTPConfig{
		Endpoint:     cfg.Classifier.Endpoint,
		ClassifyPath: cfg.Classifier.ClassifyPath,
		HealthPath:   cfg.Classifier.HealthPath,
		Timeout:      parseDuration(cfg.Classifier.Timeout, 10*time.Second),
		Labels:       cfg.Classifier.Labels,
	}, logger)

	detectionInterval := parseDuration(cfg.Monitor.DetectionInterval, monitor.DefaultDetectionInterval)

	engine := monitor.NewEngine(monitor.Config{
		DetectionInterval:   detectionInterval,
		ConfidenceThreshold: cfg.Monitor.ConfidenceThreshold,
		SilenceTimeout:      parseDuration(cfg.Monitor.SilenceTimeout, session.DefaultSilenceTimeout),
		Table:               table,
	}, monitor.Deps{
		Source: source,
		Sensor: sensor,
		Rules:  rules,
		Usage:  store.Usage(),
	}, logger)

	logNotifier := notify.NewLogNotifier(logger)
	engine.Subscribe(logNotifier)
	engine.OnLock(logNotifier)

	var mqttNotifier *notify.MQTTNotifier
	if cfg.Notify.MQTT.Enabled {
		mqttNotifier, err = notify.DialMQTT(notify.MQTTConfig{
			Broker:      cfg.Notify.MQTT.Broker,
			ClientID:    cfg.Notify.MQTT.ClientID,
			Username:    cfg.Notify.MQTT.Username,
			Password:    cfg.Notify.MQTT.Password,
			TopicPrefix: cfg.Notify.MQTT.TopicPrefix,
			QoS:         byte(cfg.Notify.MQTT.QoS),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT notifier: %w", err)
		}
		engine.Subscribe(mqttNotifier)
		engine.OnLock(mqttNotifier)

		logger.Info().Str("broker", cfg.Notify.MQTT.Broker).Msg("MQTT notifier connected")
	}

	// Initialize Reset Scheduler
	resetScheduler, err := session.NewResetScheduler(engine, store.Usage(), session.ResetConfig{
		ResetTime:     cfg.Usage.DailyResetTime,
		RetentionDays: cfg.Usage.RetentionDays,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize reset scheduler: %w", err)
	}
	if err := resetScheduler.Start(); err != nil {
		return err
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, engine.Running, logger)
	metricsServer.Handle("/status", monitor.StatusHandler(engine, store.Usage(), logger))
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startErr := make(chan error, 1)
	go func() {
		startErr <- startWhenReady(ctx, engine, source, detectionInterval, logger)
	}()

	// Waiting on the classifier is healthy; only a stopped engine is not.
	var started atomic.Bool
	go systemd.RunWatchdog(ctx, func() bool {
		return !started.Load() || engine.Running()
	}, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error

	// Signal handling loop
loop:
	for {
		select {
		case err := <-startErr:
			if err != nil {
				runErr = fmt.Errorf("monitoring did not start: %w", err)
				break loop
			}
			started.Store(true)
			if err := systemd.NotifyReady(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
			}
			logger.Info().Msg("KGuard startup complete")

		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if reload == nil {
					logger.Info().Msg("SIGHUP received, builtin rules have nothing to reload")
					continue
				}
				logger.Info().Msg("SIGHUP received, reloading policies...")
				if err := reload(); err != nil {
					logger.Error().Err(err).Msg("Failed to reload policies")
				} else {
					logger.Info().Msg("Policies reloaded successfully")
				}
				continue
			}

			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break loop
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()
	engine.Stop()
	resetScheduler.Stop()

	if mqttNotifier != nil {
		mqttNotifier.Close()
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("KGuard stopped")

	return runErr
}

// startWhenReady loads the classifier, retrying every interval, then starts
// the engine. The first failure is logged as a warning and repeats at debug
// level until the classifier comes up.
func startWhenReady(ctx context.Context, engine *monitor.Engine, source *classifier.HTTPSource, interval time.Duration, logger zerolog.Logger) error {
	for attempt := 1; ; attempt++ {
		loadCtx, cancel := context.WithTimeout(ctx, interval)
		err := source.Load(loadCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				logger.Info().Int("attempts", attempt).Msg("Classifier became ready")
			}
			return engine.Start(ctx)
		}

		event := logger.Debug()
		if attempt == 1 {
			event = logger.Warn()
		}
		event.Err(err).Int("attempt", attempt).Dur("retry_in", interval).Msg("Classifier not ready, monitoring waits for it")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.Open(cfg.MemoryCapacity)
	case "redis":
		return redis.Open(cfg.Redis)
	case "sqlite":
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func openSensor(cfg config.SensorConfig, logger zerolog.Logger) (capture.Sensor, error) {
	switch cfg.Type {
	case "dir":
		return capture.NewDirSensor(cfg.Dir, logger)
	case "http":
		return capture.NewHTTPSensor(cfg.URL, parseDuration(cfg.Timeout, 5*time.Second), logger), nil
	default:
		return nil, fmt.Errorf("unsupported sensor type: %s", cfg.Type)
	}
}

// openRules returns the configured lock rules and, for OPA, a reload hook.
func openRules(cfg config.PolicyConfig, logger zerolog.Logger) (policy.Rules, func() error, error) {
	switch cfg.Engine {
	case "", "builtin":
		return policy.BuiltinRules{}, nil, nil
	case "opa":
		engine, err := opa.NewEngine(opa.Config{PolicyDir: cfg.OPAPolicyDir}, logger)
		if err != nil {
			return nil, nil, err
		}
		return engine, engine.Reload, nil
	default:
		return nil, nil, errors.New("unsupported policy engine: " + cfg.Engine)
	}
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
