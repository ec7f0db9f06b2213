package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatgateway/internal/config"
	"chatgateway/internal/constants"
	"chatgateway/internal/crypto"
	"chatgateway/internal/database"
	"chatgateway/internal/features"
	"chatgateway/internal/models"
	"chatgateway/internal/queue"
	"chatgateway/internal/retry"
	"chatgateway/internal/service"
	"chatgateway/internal/tracing"
	"chatgateway/pkg/feishu"
	"chatgateway/pkg/slack"
	"chatgateway/pkg/wechat"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("ChatGateway %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting ChatGateway")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	configureLogLevel(logger, cfg.LogLevel)

	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	cipher, err := configCipher()
	if err != nil {
		return fmt.Errorf("failed to initialize config cipher: %w", err)
	}

	db, err := openDatabase(ctx, cfg.Database.Path, cipher, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// Platform adapters, one instance each, looked up by the webhook
	// handlers, the queue worker, and the config applicator.
	registry := service.NewRegistry()
	registry.Register(slack.New(logger, cfg.Server.WebhookMaxSkewSec))
	registry.Register(feishu.New(logger, nil))
	registry.Register(wechat.New(logger, nil))

	notifier := config.NewNotifier(logger)
	providerService := config.NewService(db, notifier, logger)

	defaults, err := config.LoadPlatformDefaults()
	if err != nil {
		logger.Warnf("Failed to load platform defaults from environment: %v", err)
	}

	applicator := config.NewApplicator(providerService, registry, defaults, logger)
	applicator.Register(notifier)
	applicator.ApplyAll(ctx, registry.Platforms())

	// Startup validation is non-fatal: the gateway serves whatever
	// platforms are configured correctly.
	if results, err := providerService.ValidateAll(ctx); err != nil {
		logger.Warnf("Provider config validation failed: %v", err)
	} else {
		for _, r := range results {
			if !r.Valid {
				logger.WithFields(logrus.Fields{
					"platform": r.Platform,
					"missing":  r.MissingFields,
				}).Warn("Platform configured incompletely; sends may fail")
			}
		}
	}

	watcher := config.NewWatcher(db, notifier, logger,
		time.Duration(cfg.Provider.CacheExpirationSeconds)*time.Second)
	providerService.AttachWatcher(watcher)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Error("Provider config watcher exited")
		}
	}()

	flags := features.FromEnv()
	if enabled := flags.Enabled(); len(enabled) > 0 {
		logger.WithField("features", enabled).Info("Feature flags enabled")
	}

	policy := retry.Policy{
		MaxRetries: cfg.Queue.MaxRetryCount,
		DelayBase:  time.Duration(constants.DefaultRetryDelayBaseMs) * time.Millisecond,
	}
	gateway := service.NewGateway(registry, db, messageHandler(logger, flags), providerService, policy, logger)
	gateway.SetFeatureFlags(flags)

	pool := queue.NewPool(db, gateway.Process, logger, queue.Options{
		Workers:       cfg.Queue.Workers,
		PollInterval:  time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		MaxRetryCount: cfg.Queue.MaxRetryCount,
		RetryDelay:    time.Duration(cfg.Queue.RetryDelaySec) * time.Second,
	})
	pool.Start(ctx)

	if flags.IsEnabled(features.FlagQueueCleanup) && cfg.Queue.CompletedTTLDays > 0 {
		go cleanupLoop(ctx, db, cfg.Queue.CompletedTTLDays, logger)
	}

	server := NewServer(cfg, gateway, db, providerService, flags, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.GracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Server shutdown error: %v", err)
	}
	pool.Wait()

	return nil
}

func configureLogLevel(logger *logrus.Logger, configured string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled")
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// configCipher builds the at-rest cipher for stored credentials.
// CHATGATEWAY_ENCRYPTION_MODE=sealed selects the AES-GCM scheme, which
// still decrypts legacy-format values so an existing store migrates in
// place as rows are rewritten.
func configCipher() (crypto.Cipher, error) {
	passphrase := os.Getenv("CHATGATEWAY_ENCRYPTION_SECRET")
	if passphrase == "" {
		return nil, fmt.Errorf("CHATGATEWAY_ENCRYPTION_SECRET environment variable is required")
	}
	if os.Getenv("CHATGATEWAY_ENCRYPTION_MODE") == "sealed" {
		return crypto.NewSealedCipher(passphrase)
	}
	return crypto.NewLegacyCipher(passphrase)
}

// openDatabase retries initialization: on first boot under an
// orchestrator the volume may attach a beat after the process starts.
func openDatabase(ctx context.Context, path string, cipher crypto.Cipher, logger *logrus.Logger) (*database.Database, error) {
	var db *database.Database
	var err error

	backoff := time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond
	for attempt := 1; attempt <= constants.DefaultDatabaseRetryAttempts; attempt++ {
		db, err = database.New(path, cipher)
		if err == nil {
			return db, nil
		}
		logger.Warnf("Failed to initialize database (attempt %d): %v", attempt, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * backoff):
		}
	}
	return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
}

// messageHandler returns the reply-producing collaborator. The gateway
// itself does not generate content; deployments embed their own handler.
// Echo mode answers every message with its own text, which is enough for
// end-to-end smoke testing.
func messageHandler(logger *logrus.Logger, flags *features.Flags) service.MessageHandler {
	if !flags.IsEnabled(features.FlagEchoMode) {
		return nil
	}
	logger.Info("Echo mode enabled; every inbound message is answered with its own content")
	return echoHandler{}
}

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, msg *models.ChatMessage) (*models.ChatMessage, error) {
	return &models.ChatMessage{
		Content:     msg.Content,
		MessageType: models.MessageTypeText,
		Platform:    msg.Platform,
		ReceiverID:  msg.ReceiverID,
		Metadata:    msg.Metadata,
	}, nil
}

// cleanupLoop prunes completed queue rows past their retention window.
func cleanupLoop(ctx context.Context, db *database.Database, retentionDays int, logger *logrus.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CleanupCompleted(ctx, retentionDays); err != nil {
				logger.WithError(err).Warn("Completed-queue cleanup failed")
			}
		}
	}
}
