package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/garnizeh/sobershift/api"
	dbfs "github.com/garnizeh/sobershift/db"
	"github.com/garnizeh/sobershift/internal/ai"
	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/db"
	"github.com/garnizeh/sobershift/internal/dispatch"
	"github.com/garnizeh/sobershift/internal/events"
	"github.com/garnizeh/sobershift/internal/jobs"
	"github.com/garnizeh/sobershift/internal/repository/sqlite"
	"github.com/garnizeh/sobershift/internal/sobriety"
	"github.com/garnizeh/sobershift/internal/storage"
	"github.com/garnizeh/sobershift/pkg/ollama"
	"github.com/garnizeh/sobershift/pkg/repository"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath = flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	api.SetLogger(logger)
	ollama.SetLogger(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("server exited")
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Info("starting sobershift", slog.String("version", version), slog.String("build_time", buildTime))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.New(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Error("closing db", slog.Any("err", err))
		}
	}()
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, conn, dbfs.Migrations, dbfs.SeedFiles); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	repo := sqlite.New(conn, logger).Repository()

	recordings, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("recording storage: %w", err)
	}

	health := map[string]api.HealthCheck{
		"database": func(ctx context.Context) error { return conn.GetConn().PingContext(ctx) },
	}

	analyzer, reloader, closeAnalyzer, err := buildAnalyzer(ctx, cfg, repo, logger, health)
	if err != nil {
		return err
	}
	defer closeAnalyzer()

	publisher, closePublisher := buildPublisher(cfg, logger, health)
	defer closePublisher()

	// Domain events go through the jobs table and are delivered by the pool.
	outbox := events.NewOutbox(repo.Job, cfg.Jobs.MaxAttempts)
	pool := jobs.NewWorkerPool(repo.Job, map[string]jobs.Handler{
		events.DeliverJobType: events.DeliveryHandler(publisher),
	}, logger, cfg.Jobs.Workers)
	pool.Start(ctx)
	defer pool.Stop()

	engine, err := dispatch.NewEngine(repo, outbox, logger, cfg.Dispatch)
	if err != nil {
		return fmt.Errorf("dispatch engine: %w", err)
	}
	checks, err := sobriety.NewService(repo, recordings, analyzer, outbox, logger, cfg.EngineConfig)
	if err != nil {
		return fmt.Errorf("sobriety service: %w", err)
	}

	handler := api.SetupRoutes(cfg, version, buildTime, api.Services{
		Dispatch:  engine,
		Sobriety:  checks,
		Schemas:   repo.Schema,
		Templates: repo.Template,
		Reloader:  reloader,
		Health:    health,
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.APITimeout,
		WriteTimeout: cfg.APITimeout + cfg.EngineConfig.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// buildAnalyzer returns the configured analyzer and, for ollama, the reloader
// used by the admin endpoints.
func buildAnalyzer(ctx context.Context, cfg *config.Config, repo *repository.Repository, logger *slog.Logger, health map[string]api.HealthCheck) (ai.Analyzer, api.Reloader, func(), error) {
	if cfg.EngineConfig.Provider == "mock" {
		logger.Warn("using the mock sobriety analyzer; verdicts are not real")
		return ai.MockAnalyzer{}, nil, func() {}, nil
	}

	client, err := ollama.NewDefaultClient(cfg.Ollama)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ollama client: %w", err)
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logger.Error("closing ollama client", slog.Any("err", err))
		}
	}
	health["ollama"] = client.Health

	a, err := ai.NewOllamaAnalyzer(ctx, client, cfg.EngineConfig, repo.Schema, repo.Template, logger)
	if err != nil {
		closeClient()
		return nil, nil, nil, fmt.Errorf("ollama analyzer: %w", err)
	}
	return a, a, closeClient, nil
}

// buildPublisher picks redis pub/sub when an address is configured.
func buildPublisher(cfg *config.Config, logger *slog.Logger, health map[string]api.HealthCheck) (events.Publisher, func()) {
	if cfg.Redis.Addr == "" {
		return events.NewLogPublisher(logger), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	health["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	logger.Info("publishing events to redis", slog.String("addr", cfg.Redis.Addr), slog.String("channel", cfg.Redis.Channel))

	return events.NewRedisPublisher(client, cfg.Redis.Channel), func() {
		if err := client.Close(); err != nil {
			logger.Error("closing redis", slog.Any("err", err))
		}
	}
}
