package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/opsdeskhq/opsdesk/internal/ai"
	"github.com/opsdeskhq/opsdesk/internal/circuitbreaker"
	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/db"
	"github.com/opsdeskhq/opsdesk/internal/notify"
	"github.com/opsdeskhq/opsdesk/internal/observ"
	"github.com/opsdeskhq/opsdesk/internal/queue"
	"github.com/opsdeskhq/opsdesk/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting opsdesk worker", zap.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	broker, err := queue.New(ctx, queue.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to queue broker: %w", err)
	}
	defer broker.Close()

	// Delivery providers degrade to log-only senders when AWS is not
	// configured, so local development exercises the full worker path.
	logSender := notify.NewLogSender(logger)
	var smsSender notify.SMSSender = logSender
	var emailSender notify.EmailSender = logSender

	if os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		sns, err := notify.NewSNSSender(ctx, notify.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SNS sender: %w", err)
		}
		smsSender = notify.NewProtectedSMSSender(sns,
			circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger)

		ses, err := notify.NewSESSender(ctx, notify.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES sender: %w", err)
		}
		emailSender = notify.NewProtectedEmailSender(ses,
			circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger)
	} else {
		logger.Warn("AWS credentials not set, using log-only delivery providers")
	}

	var gen worker.Generator
	if cfg.AIEnabled {
		aiClient, err := ai.NewClient(ai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create AI client: %w", err)
		}
		gen = aiClient
	} else {
		logger.Warn("OPENAI_API_KEY not set, AI message handling and draft jobs disabled")
	}

	notifier := worker.NewNotifier(broker, repo, smsSender, emailSender, gen, worker.NotifierConfig{
		PopTimeout: cfg.NotifyPopTimeout,
		BackoffCap: cfg.NotifyBackoffCap,
	}, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		notifier.Start(ctx)
	}()

	if gen != nil {
		drafter := worker.NewDrafter(repo, repo, gen, worker.DrafterConfig{
			PollInterval: cfg.DraftPollInterval,
			Staleness:    cfg.DraftStaleness,
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			drafter.Start(ctx)
		}()
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown

	logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	cancel()
	wg.Wait()

	logger.Info("worker stopped gracefully")
	return nil
}
