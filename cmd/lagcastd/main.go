package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lagcast-lab/lagcast/internal/catalog"
	"github.com/lagcast-lab/lagcast/internal/consumer"
	corecfg "github.com/lagcast-lab/lagcast/internal/core/config"
	"github.com/lagcast-lab/lagcast/internal/core/model"
	"github.com/lagcast-lab/lagcast/internal/forecast"
	"github.com/lagcast-lab/lagcast/internal/insight"
	"github.com/lagcast-lab/lagcast/internal/lagstore"
	"github.com/lagcast-lab/lagcast/internal/migrations"
	"github.com/lagcast-lab/lagcast/internal/rollsched"
	"github.com/lagcast-lab/lagcast/internal/storage/badgerkv"
	"github.com/lagcast-lab/lagcast/internal/storage/postgres"
	"github.com/lagcast-lab/lagcast/internal/stream"
)

func main() {
	configPath := flag.String("config", "lagcast.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"nats_url", cfg.NATS.URL,
		"stream", cfg.NATS.Stream,
		"periods", cfg.Lags.Periods,
		"insight_enabled", cfg.Insight.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Run Database Migrations
	// Migrations use their own connection so the schema exists before the
	// adapter validates it on a fresh database.
	if err := runMigrations(cfg.Database); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 2.1. Initialize Storage (PostgreSQL for records and insights)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 3. Initialize Embedded KV (lag windows, model blobs, catalog)
	kv, err := badgerkv.New(badgerkv.Config{
		Path:     cfg.KV.Path,
		InMemory: cfg.KV.InMemory,
	})
	if err != nil {
		slog.Error("Failed to open kv store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	// 4. Initialize Category Catalog
	index, err := catalog.Open(ctx, kv)
	if err != nil {
		slog.Error("Failed to open category catalog", "error", err)
		os.Exit(1)
	}
	if err := index.SeedFromFile(ctx, cfg.Catalog.SeedPath); err != nil {
		slog.Error("Failed to seed category catalog", "path", cfg.Catalog.SeedPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Category catalog ready", "categories", index.Len())

	// 5. Initialize Lag Store and Forecaster
	lags, err := lagstore.Open(ctx, kv, cfg.Lags.Periods)
	if err != nil {
		slog.Error("Failed to open lag store", "error", err)
		os.Exit(1)
	}

	template, err := loadTemplate(cfg.Forecast)
	if err != nil {
		slog.Error("Failed to load model template", "path", cfg.Forecast.TemplatePath, "error", err)
		os.Exit(1)
	}

	forecaster, err := forecast.New(ctx, kv, lags, index, template)
	if err != nil {
		slog.Error("Failed to initialize forecaster", "error", err)
		os.Exit(1)
	}
	slog.Info("Forecaster ready", "tenants", len(forecaster.Tenants()))

	// 6. Connect to the Durable Event Log
	log, err := stream.Connect(ctx, stream.Config{
		URL:       cfg.NATS.URL,
		Stream:    cfg.NATS.Stream,
		Subject:   cfg.NATS.Subject,
		Durable:   cfg.NATS.Durable,
		FetchWait: cfg.NATS.FetchWaitDuration(),
	})
	if err != nil {
		slog.Error("Failed to connect to event log", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	// 7. Start the Daily Roll Scheduler
	scheduler := rollsched.New(lags, cfg.Lags.RollSchedule)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("Failed to start roll scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	// 8. Start the Insight Refresher in background if enabled
	if cfg.Insight.Enabled {
		apiKey := os.Getenv(cfg.Insight.APIKeyEnv)
		if apiKey == "" {
			slog.Warn("Insight refresher disabled, API key env not set", "env", cfg.Insight.APIKeyEnv)
		} else {
			summarizer, err := insight.NewGeminiSummarizer(ctx, apiKey, cfg.Insight.Model)
			if err != nil {
				slog.Error("Failed to initialize summarizer", "error", err)
				os.Exit(1)
			}
			defer summarizer.Close()

			source := insight.NewRecordContextSource(dbAdapter, cfg.Insight.ContextLimit)
			refresher := insight.New(
				dbAdapter,
				forecaster,
				source,
				summarizer,
				cfg.Insight.IntervalDuration(),
				cfg.Insight.WorkerCount,
			)
			go refresher.Run(ctx)
		}
	} else {
		slog.Info("Insight refresher disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// Consumer loop blocks until ctx is cancelled.
	pipeline := consumer.New(log, dbAdapter, index, lags, forecaster)
	if err := pipeline.Run(ctx); err != nil {
		slog.Error("Consumer stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func runMigrations(cfg corecfg.DatabaseConfig) error {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Run(db, cfg.AutoMigrate)
}

func loadTemplate(cfg corecfg.ForecastConfig) (model.Incremental, error) {
	if cfg.TemplatePath == "" {
		return model.NewSGDRegressor(cfg.LearningRate), nil
	}
	return model.LoadTemplate(cfg.TemplatePath)
}
