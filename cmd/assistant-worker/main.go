package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/templeobijnr/easy-islanders-assistant/internal/broadcast"
	"github.com/templeobijnr/easy-islanders-assistant/internal/calibration"
	"github.com/templeobijnr/easy-islanders-assistant/internal/checkpoint"
	"github.com/templeobijnr/easy-islanders-assistant/internal/config"
	"github.com/templeobijnr/easy-islanders-assistant/internal/embedding"
	"github.com/templeobijnr/easy-islanders-assistant/internal/lead"
	"github.com/templeobijnr/easy-islanders-assistant/internal/metrics"
	"github.com/templeobijnr/easy-islanders-assistant/internal/notify"
	"github.com/templeobijnr/easy-islanders-assistant/internal/ratelimit"
	"github.com/templeobijnr/easy-islanders-assistant/internal/retry"
	"github.com/templeobijnr/easy-islanders-assistant/internal/router"
	"github.com/templeobijnr/easy-islanders-assistant/internal/worker"
)

var (
	// Version is set at build time
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting assistant worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("worker_id", cfg.WorkerID),
	)
	logger.Info("configuration loaded", zap.String("config", cfg.String()))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	ledger, err := lead.OpenLedger(cfg.LedgerDriver, cfg.LedgerDSN)
	if err != nil {
		logger.Fatal("failed to open broadcast ledger", zap.Error(err))
	}
	logger.Info("broadcast ledger ready", zap.String("driver", cfg.LedgerDriver))

	// Root context for background loops; cancelled on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedding provider is optional outside production: without it the
	// gateway serves deterministic fallback vectors.
	var provider embedding.Provider
	if cfg.EmbedAPIKey != "" {
		p, err := embedding.NewOpenAIProvider(cfg.EmbedAPIKey, cfg.EmbedBaseURL, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			logger.Warn("failed to initialize embedding provider (degraded routing)", zap.Error(err))
		} else {
			provider = p
			logger.Info("embedding provider initialized", zap.String("model", cfg.EmbedModel))
		}
	} else {
		logger.Warn("embedding api key not provided (degraded routing)")
	}
	gateway := embedding.NewGateway(provider, redisClient, cfg.EmbedCacheTTL, cfg.EmbedDim, logger)

	calibStore := calibration.NewStore(redisClient, logger)
	calibStore.StartRefresh(ctx, cfg.CalibrationRefresh)

	stable, err := loadProfileSet(cfg.ProfilesPath)
	if err != nil {
		logger.Fatal("failed to load route profiles", zap.Error(err))
	}
	var candidate *router.ProfileSet
	if cfg.CandidateProfilesPath != "" {
		candidate, err = loadProfileSet(cfg.CandidateProfilesPath)
		if err != nil {
			logger.Fatal("failed to load candidate route profiles", zap.Error(err))
		}
	}
	rules, err := loadRules(cfg.RulesPath)
	if err != nil {
		logger.Fatal("failed to load override rules", zap.Error(err))
	}

	collector := metrics.NewCollector(logger)

	rt, err := router.New(gateway, calibStore, stable, candidate, router.Options{
		MinConfidence:  cfg.MinConfidence,
		Epsilon:        cfg.AmbiguityEpsilon,
		RolloutPercent: cfg.RolloutPercent,
		ShadowEnabled:  cfg.ShadowEnabled,
		Rules:          rules,
	}, collector, logger)
	if err != nil {
		logger.Fatal("failed to initialize router", zap.Error(err))
	}
	logger.Info("router initialized",
		zap.String("profile_version", stable.Version),
		zap.Int("rollout_percent", cfg.RolloutPercent),
	)

	notifier := buildNotifier(cfg, logger)

	engine := broadcast.NewEngine(
		notifier,
		notify.NewTemplateEngine(),
		ledger,
		redisClient,
		collector,
		broadcast.Options{
			Concurrency: cfg.BroadcastConcurrency,
			SendTimeout: cfg.SendTimeout,
			Retry:       retry.NewPolicy(cfg.RetryBaseDelay, 2, cfg.RetryMaxAttempts),
		},
		logger,
	)

	dispatcher := broadcast.NewDispatcher(redisClient, engine, cfg.BroadcastStream, cfg.BroadcastWorkers, cfg.ResultTTL, logger)
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("failed to start broadcast dispatcher", zap.Error(err))
	}

	limiter := ratelimit.NewLimiter(redisClient, ratelimit.RedisCapabilities(), logger)
	checkpoints := checkpoint.NewStore(redisClient, cfg.CheckpointTTL, logger)

	w := worker.New(cfg, redisClient, rt, limiter, checkpoints, ledger, dispatcher, collector, logger)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}

	healthServer := worker.NewHealthServer(cfg.HealthPort, redisClient, ledger.Ping, calibStore, collector, logger)
	if err := healthServer.Start(); err != nil {
		logger.Fatal("failed to start health server", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("assistant worker running, press Ctrl+C to stop")
	<-sigChan

	logger.Info("shutdown signal received, stopping worker")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Stop(); err != nil {
		logger.Error("failed to stop health server", zap.Error(err))
	}

	w.Stop()
	dispatcher.Stop()
	cancel()

	if err := redisClient.Close(); err != nil {
		logger.Error("failed to close redis connection", zap.Error(err))
	}

	select {
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout exceeded, forcing exit")
	default:
		logger.Info("worker stopped gracefully")
	}
}

// initLogger initializes the logger
func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}

// buildNotifier wires the provider clients that have credentials. A medium
// without a configured provider fails hard at send time; in production the
// config layer already required all credentials.
func buildNotifier(cfg *config.Config, logger *zap.Logger) notify.Notifier {
	var messaging, email notify.Notifier

	if cfg.MessagingAccountSID != "" && cfg.MessagingAuthToken != "" && cfg.MessagingFrom != "" {
		client, err := notify.NewMessagingClient(
			cfg.MessagingAccountSID,
			cfg.MessagingAuthToken,
			cfg.MessagingFrom,
			cfg.MessagingBaseURL,
			cfg.SendTimeout,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize messaging client", zap.Error(err))
		} else {
			messaging = client
			logger.Info("messaging client initialized")
		}
	} else {
		logger.Warn("messaging credentials not provided (sms/whatsapp disabled)")
	}

	if cfg.EmailAPIKey != "" {
		client, err := notify.NewEmailClient(cfg.EmailAPIKey, cfg.EmailFrom, cfg.EmailBaseURL, cfg.SendTimeout, logger)
		if err != nil {
			logger.Warn("failed to initialize email client", zap.Error(err))
		} else {
			email = client
			logger.Info("email client initialized")
		}
	} else {
		logger.Warn("email api key not provided (email disabled)")
	}

	return notify.NewComposite(messaging, email)
}

// profileSetFile is the on-disk form of a route profile set.
type profileSetFile struct {
	Version  string `json:"version"`
	Profiles []struct {
		Route     string      `json:"route"`
		Centroids [][]float32 `json:"centroids"`
	} `json:"profiles"`
}

// loadProfileSet reads a route profile set from a JSON file.
func loadProfileSet(path string) (*router.ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile set %s: %w", path, err)
	}

	var file profileSetFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profile set %s: %w", path, err)
	}
	if file.Version == "" {
		return nil, fmt.Errorf("profile set %s has no version", path)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("profile set %s has no profiles", path)
	}

	set := &router.ProfileSet{Version: file.Version}
	for _, p := range file.Profiles {
		set.Profiles = append(set.Profiles, router.Profile{
			Route:     p.Route,
			Centroids: p.Centroids,
		})
	}
	return set, nil
}

// loadRules reads the override rules from a JSON file. An empty path means
// no rules.
func loadRules(path string) ([]router.Rule, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}

	var rules []router.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rules, nil
}
