package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seclens/seclens/app/api"
	"github.com/seclens/seclens/app/cfg"
	"github.com/seclens/seclens/app/connector"
	"github.com/seclens/seclens/app/database"
	"github.com/seclens/seclens/app/ingest"
	"github.com/seclens/seclens/app/metrics"
	"github.com/seclens/seclens/app/notify"
	"github.com/seclens/seclens/app/pubtime"
	"github.com/seclens/seclens/app/tasks"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// help was shown
		return
	}

	logLevel := slog.LevelInfo
	if appCfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting SecLens server", "version", appCfg.Version)

	db, err := database.Open(appCfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Debug("Database ready", "path", appCfg.DBPath)

	policies, err := pubtime.LoadStore(appCfg.PolicyFile)
	if err != nil {
		slog.Error("Failed to load time policies", "path", appCfg.PolicyFile, "error", err)
		os.Exit(1)
	}
	slog.Debug("Time policies loaded", "path", appCfg.PolicyFile, "overrides", len(policies.Sources()))

	configCache := connector.NewConfigCache(appCfg.SourcesDir)
	if err := configCache.Run(); err != nil {
		slog.Error("Failed to load source configurations", "dir", appCfg.SourcesDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Source configurations loaded", "count", configCache.GetConfigCount(), "dir", appCfg.SourcesDir)

	sourceRepo := database.NewSourceRepository(db)
	bulletinRepo := database.NewBulletinRepository(db)
	cursorRepo := database.NewCursorRepository(db)
	subscriptionRepo := database.NewSubscriptionRepository(db)
	pushRuleRepo := database.NewPushRuleRepository(db)

	appMetrics := metrics.New()

	dispatcher := notify.NewDispatcher(pushRuleRepo,
		notify.WithMetrics(appMetrics),
		notify.WithAlertWebhook(appCfg.SlackWebhookURL))

	ingestService := ingest.NewService(bulletinRepo,
		ingest.WithNotifier(dispatcher),
		ingest.WithMetrics(appMetrics))

	fetcher := connector.NewFetcher(
		&http.Client{Timeout: 60 * time.Second},
		appCfg.UserAgent,
		connector.NewLimiter(appCfg.RequestsPerSecond, 1))

	resolver := pubtime.NewResolver(policies, pubtime.WithLogger(slog.Default()))

	runner := tasks.NewCollectionRunner(sourceRepo, cursorRepo, ingestService, fetcher, resolver, appMetrics)

	slog.Info("Starting background scheduler", "workers", appCfg.WorkerCount, "interval", appCfg.SchedulerPeriod())
	scheduler := tasks.NewScheduler(configCache, sourceRepo, runner, dispatcher, appCfg.SchedulerPeriod(), appCfg.WorkerCount)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(api.Dependencies{
		Sources:         sourceRepo,
		Bulletins:       bulletinRepo,
		Subscriptions:   subscriptionRepo,
		PushRules:       pushRuleRepo,
		ConfigCache:     configCache,
		Ingester:        ingestService,
		Runner:          runner,
		Resolver:        resolver,
		Metrics:         appMetrics,
		BaseURL:         appCfg.BaseUrl,
		Version:         appCfg.Version,
		DisplayLocation: pubtime.LoadDisplayLocation(appCfg.DisplayTimezone),
	})
	server := api.NewServer(handler, appCfg.APIAccessKey, appCfg.Debug)

	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port, "api_enabled", appCfg.APIAccessKey != "")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("HTTP server error", "error", err)
	}

	slog.Info("Shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("SecLens server shutdown complete")
}
