package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/jackra1n/Lurk/internal/adapter/httpserver"
	"github.com/jackra1n/Lurk/internal/adapter/postgres"
	"github.com/jackra1n/Lurk/internal/config"
	"github.com/jackra1n/Lurk/internal/logging"
	"github.com/jackra1n/Lurk/internal/miner"
	"github.com/jackra1n/Lurk/internal/settings"
	"github.com/jackra1n/Lurk/internal/twitch"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupSettings(cfg *config.Config) *settings.Store {
	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		slog.Error("Failed to open settings store", "error", err, "path", cfg.SettingsPath)
		os.Exit(1)
	}
	return store
}

func runGracefulShutdown(srv *httpserver.Server, minerSvc *miner.Service) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		minerSvc.Stop(shutdownCtx)

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	pool := setupDB(cfg)
	defer pool.Close()

	settingsStore := setupSettings(cfg)

	eventStore := postgres.NewEventStore(pool, clock)
	dashboardRepo := postgres.NewDashboardRepo(pool)

	auth := twitch.NewAuth(settingsStore)
	gqlClient := twitch.NewClient()
	pubsub := twitch.NewPubSub(clock)

	minerSvc := miner.New(gqlClient, pubsub, auth, settingsStore, eventStore, clock)

	healthChecks := []httpserver.HealthCheck{
		{Name: "database", Check: pool.Ping},
	}

	srv := httpserver.NewServer(cfg, minerSvc, auth, settingsStore, dashboardRepo, healthChecks)

	done := runGracefulShutdown(srv, minerSvc)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
