package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Kicko7/Klyno-sub001/internal/models"
	"github.com/Kicko7/Klyno-sub001/pkg/cache"
	"github.com/Kicko7/Klyno-sub001/pkg/config"
	"github.com/Kicko7/Klyno-sub001/pkg/di"
	"github.com/Kicko7/Klyno-sub001/pkg/logger"
	"github.com/Kicko7/Klyno-sub001/pkg/observability"
	"github.com/Kicko7/Klyno-sub001/pkg/router"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		stdlog.Println("No .env file found")
	}

	logConfig := logger.DefaultConfig()
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		logConfig.Level = level
	}
	logConfig.JSON = os.Getenv("LOG_FORMAT") != "text"

	log := logger.New(logConfig)
	logger.SetGlobal(log)

	log.Info("starting team sync server", "version", os.Getenv("APP_VERSION"))

	cfg := config.New()
	if err := cfg.Validate(); err != nil {
		log.LogError(err, "invalid configuration")
		os.Exit(1)
	}

	shutdownTracing := observability.SetupTracing("team-sync")
	defer shutdownTracing()
	meterProvider := observability.SetupMetrics()
	defer meterProvider.Shutdown(context.Background())

	db, err := config.NewDB()
	if err != nil {
		log.LogError(err, "failed to initialize database")
		os.Exit(1)
	}

	if err := db.AutoMigrate(&models.ChatMessage{}); err != nil {
		log.LogError(err, "failed to migrate database")
		os.Exit(1)
	}
	if err := db.Exec("CREATE INDEX IF NOT EXISTS idx_chat_messages_chat_time ON chat_messages(team_chat_id, send_time)").Error; err != nil {
		log.LogError(err, "failed to create message index", "index", "idx_chat_messages_chat_time")
	}

	store := cache.NewRedisStore(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		log.LogError(err, "failed to connect to session cache")
		os.Exit(1)
	}

	container, err := di.New(db, store, cfg, log)
	if err != nil {
		log.LogError(err, "failed to initialize dependency container")
		os.Exit(1)
	}

	container.Worker.Start(ctx)
	container.Health.Start()

	r := router.New(container)
	r.SetupRoutes()

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r.Engine,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogError(err, "server failed to start")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting upgrades first, then drain unsynced sessions.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "server forced to shutdown")
	}
	if err := container.Shutdown(shutdownCtx); err != nil {
		log.LogError(err, "container shutdown failed")
	}

	log.Info("server exited gracefully")
}
