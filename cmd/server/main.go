package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/msgarchive/internal/api"
	"github.com/org/msgarchive/internal/archive"
	"github.com/org/msgarchive/internal/audit"
	"github.com/org/msgarchive/internal/config"
	"github.com/org/msgarchive/internal/crypto"
	"github.com/org/msgarchive/internal/crypto/awskms"
	"github.com/org/msgarchive/internal/storage"
	"github.com/org/msgarchive/internal/telegram"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := config.DefaultFile
	if v := os.Getenv("MSGARCHIVE_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, found, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if !found {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DefaultContextLogger = &log.Logger

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	repo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open repository")
	}
	defer repo.Close()

	keys, err := newKeyWrapper(cfg.KMS)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.KMS.Provider).Msg("failed to create key wrapper")
	}
	log.Info().Str("provider", cfg.KMS.Provider).Str("key_id", keys.KeyID()).Msg("key wrapper ready")

	policy := archive.BestEffortDecrypt
	if cfg.Retrieval.DecryptPolicy == "strict" {
		policy = archive.StrictDecrypt
	}
	auditor := audit.NewLogger(repo)
	arch := archive.New(repo, crypto.NewEnvelopeCipher(archive.InstrumentKeyWrapper(keys)), archive.Options{
		Policy:           policy,
		DefaultLimit:     cfg.Retrieval.DefaultLimit,
		MaxLimit:         cfg.Retrieval.MaxLimit,
		DefaultBatchSize: cfg.Retrieval.BatchSize,
		MaxBatchSize:     cfg.Retrieval.MaxBatchSize,
		Audit:            auditor,
	})

	var sender telegram.Sender
	switch cfg.Telegram.Sender {
	case "recording":
		log.Warn().Msg("replies are recorded, not delivered")
		sender = telegram.NewRecordingSender()
	default:
		sender = telegram.NewBotSender(cfg.Telegram.APIBase, cfg.Telegram.Token, cfg.Telegram.Timeout)
	}

	srv := api.NewServer(api.Deps{
		Repository: repo,
		Archive:    arch,
		Sender:     sender,
		Audit:      auditor,
	}, api.Config{
		ListenAddr:    cfg.ListenAddr,
		WebhookSecret: cfg.WebhookSecret,
		RetryAttempts: cfg.Retry.MaxAttempts,
		RateLimit:     cfg.RateLimit.RPS,
		RateBurst:     cfg.RateLimit.Burst,
		TrustProxy:    cfg.RateLimit.TrustProxy,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Str("policy", policy.String()).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	if cfg.Backend == "memory" {
		log.Warn().Msg("using in-memory storage; messages are lost on restart")
		return storage.NewMemoryRepository(), nil
	}

	if err := storage.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	log.Info().Msg("migrations applied")
	repo, err := storage.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func newKeyWrapper(cfg config.KMSConfig) (crypto.KeyWrapper, error) {
	if cfg.Provider == "local" {
		log.Warn().Msg("using local key wrapper; not for production")
		w, err := crypto.NewLocalKeyWrapper([]byte(cfg.LocalSeed), cfg.Key)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := awskms.New(awskms.Options{
		KeyID:    cfg.Key,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}
