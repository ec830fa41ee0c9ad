package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	dbfs "github.com/garnizeh/sobershift/db"
	"github.com/garnizeh/sobershift/internal/ai"
	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/db"
	"github.com/garnizeh/sobershift/internal/repository/sqlite"
	"github.com/garnizeh/sobershift/pkg/ollama"
)

// analyze runs one recording through the configured analyzer and prints the
// parsed analysis. Schemas and the prompt come from the embedded seed files.
func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	file := flag.String("file", "", "Recording frame to analyze")
	useMock := flag.Bool("mock", false, "Use the deterministic mock analyzer")
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: analyze -file frame.jpg [-config cfg.yaml] [-mock]")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ollama.SetLogger(logger)

	if err := run(*configPath, *file, *useMock, logger); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, file string, useMock bool, logger *slog.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if useMock {
		cfg.EngineConfig.Provider = "mock"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	recording, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.EngineConfig.Timeout+5*time.Second)
	defer cancel()

	var analyzer ai.Analyzer = ai.MockAnalyzer{}
	if cfg.EngineConfig.Provider != "mock" {
		conn, err := db.New(ctx, ":memory:", logger)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer conn.Close()
		if err := db.Migrate(ctx, conn, dbfs.Migrations, dbfs.SeedFiles); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		repo := sqlite.New(conn, logger)

		client, err := ollama.NewDefaultClient(cfg.Ollama)
		if err != nil {
			return fmt.Errorf("ollama client: %w", err)
		}
		defer client.Close()
		if err := client.Health(ctx); err != nil {
			return fmt.Errorf("ollama health: %w", err)
		}

		analyzer, err = ai.NewOllamaAnalyzer(ctx, client, cfg.EngineConfig, repo, repo, logger)
		if err != nil {
			return fmt.Errorf("ollama analyzer: %w", err)
		}
	}

	start := time.Now()
	res, err := analyzer.Analyze(ctx, recording)
	if err != nil {
		return err
	}
	logger.Info("analysis done", "took", time.Since(start), "verdict", res.Verdict)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
