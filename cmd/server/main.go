package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"velomarket/server/config"
	"velomarket/server/internal/api"
	"velomarket/server/internal/bounty"
	"velomarket/server/internal/cache"
	"velomarket/server/internal/database"
	"velomarket/server/internal/fmv"
	"velomarket/server/internal/freshness"
	"velomarket/server/internal/hunting"
	"velomarket/server/internal/models"
	"velomarket/server/internal/normalizer"
	"velomarket/server/internal/processor"
	"velomarket/server/internal/queue"
	"velomarket/server/internal/refill"
	"velomarket/server/internal/scheduler"
	"velomarket/server/internal/scraping"
	"velomarket/server/internal/telegram"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	if err := config.LoadBrandCatalog(cfg.BrandsFile); err != nil {
		logger.WithError(err).Fatal("Failed to load brand catalog")
	}
	brands := config.GetBrandCatalog()
	logger.WithField("brands", len(brands)).Info("Brand catalog loaded")

	logger.Infof("Using database at: %s", cfg.Database.Path)
	db, err := database.NewDatabase(cfg.Database.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	logger.Info("Running database migrations...")
	if err := db.RunMigrations(); err != nil {
		logger.WithError(err).Fatal("Failed to run database migrations")
	}

	history := database.NewHistoryStore(db.GetDB())
	catalog := database.NewCatalogStore(db.GetDB())
	refills := database.NewRefillStore(db.GetDB())
	bounties := database.NewBountyStore(db.GetDB())

	// FMV estimates, cached in Redis when configured
	var fmvCache fmv.Cache
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.New(ctx, cache.ClientConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, running without FMV cache")
		} else {
			defer client.Close()
			fmvCache = cache.NewFMVCache(client, cfg.Redis.CacheTTL)
		}
	}
	estimator := fmv.NewEstimator(fmv.Config{
		MinSample:            cfg.FMV.MinSample,
		RobustSample:         cfg.FMV.RobustSample,
		GemDiscount:          cfg.FMV.GemDiscount,
		YearAgnosticDiscount: cfg.FMV.YearAgnosticDiscount,
		WindowDays:           cfg.FMV.WindowDays,
		MinQuality:           cfg.FMV.MinQuality,
	})
	valuator := fmv.NewValuator(estimator, history, fmvCache, logger)

	telegramService := telegram.NewService(&models.TelegramConfig{
		IsEnabled: cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "",
		BotToken:  cfg.Telegram.BotToken,
		ChatID:    cfg.Telegram.ChatID,
	}, logger)
	if !telegramService.Enabled() {
		logger.Info("Telegram notifications disabled")
	}

	norm := normalizer.New(brands)

	// Refill tasks: every producer appends straight to the task log
	trigger := refill.NewTrigger(refills, cfg.Refill.MaxRetries, time.Duration(cfg.Refill.RetryDelay)*time.Millisecond, logger)

	// Ingestion: collector -> queue -> processor
	ingestQueue := queue.New[[]models.RawAd]("ingest", cfg.BatchProcessing.QueueSize, logger)
	ingest := processor.NewIngestProcessor(db.GetDB(), ingestQueue, processor.Dependencies{
		Normalizer: norm,
		Valuator:   valuator,
		Bounties:   bounty.NewMatcher(bounties),
		Notifier:   telegramService,
		Cache:      valuator,
		TierFor:    func(brand string) int { return config.TierFor(brands, brand) },
	}, processor.Options{
		MaxRetries: cfg.BatchProcessing.MaxRetries,
		RetryDelay: time.Duration(cfg.BatchProcessing.RetryDelay) * time.Second,
	}, logger)
	ingest.Start()
	ingestQueue.Start()

	spiderManager := scraping.NewSpiderManager(cfg.Collector.Command, cfg.Collector.Script, ingestQueue, logger)
	spiderManager.SetMaxBatchSize(cfg.BatchProcessing.MaxBatchSize)

	checker := scraping.NewHTTPChecker(cfg.Verification.Timeout, cfg.Verification.UserAgent, logger)
	sched := scheduler.NewScheduler(catalog, checker, trigger, refills, spiderManager, scheduler.Config{
		BatchLimit:   cfg.Verification.BatchLimit,
		CheckTimeout: cfg.Verification.Timeout,
		Freshness: freshness.Policy{
			Tier1Interval: cfg.Freshness.Tier1Interval,
			Tier3Interval: cfg.Freshness.Tier3Interval,
			Tier3Guard:    cfg.Freshness.Tier3Guard,
			NewWindow:     cfg.Freshness.NewWindow,
		},
		Hunting: hunting.Config{
			TZOffsetHours:   cfg.Hunting.TZOffsetHours,
			NightStart:      cfg.Hunting.NightStart,
			NightEnd:        cfg.Hunting.NightEnd,
			PrimeStart:      cfg.Hunting.PrimeStart,
			PrimeEnd:        cfg.Hunting.PrimeEnd,
			WorkersNight:    cfg.Hunting.WorkersNight,
			WorkersStandard: cfg.Hunting.WorkersStandard,
			WorkersBerserk:  cfg.Hunting.WorkersBerserk,
			PollNight:       cfg.Hunting.PollNight,
			PollStandard:    cfg.Hunting.PollStandard,
			PollBerserk:     cfg.Hunting.PollBerserk,
		},
	}, logger)
	sched.Start()

	router := api.NewRouter(api.Dependencies{
		FMV:        valuator,
		Listings:   catalog,
		Refills:    refills,
		Refill:     trigger,
		Verifier:   sched,
		Normalizer: norm,
		Notifier:   telegramService,
	}, bounties, cfg.Server.CORSOrigins, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		logger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	}

	sched.Stop()
	if err := ingestQueue.Close(); err != nil {
		logger.WithError(err).Error("Failed to close ingest queue")
	}
	ingest.Stop()
	logger.Info("Server stopped")
}
