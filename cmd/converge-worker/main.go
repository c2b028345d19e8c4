package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ghmbegerez/converge/internal/analytics"
	"github.com/ghmbegerez/converge/internal/config"
	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/storage"
	"github.com/ghmbegerez/converge/internal/telemetry"
	"github.com/ghmbegerez/converge/internal/worker"
	"github.com/ghmbegerez/converge/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := worker.SignalContext(context.Background())
	defer cancel()

	if err := run(ctx, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("converge worker starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "converge-worker", version, cfg.OTLPInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, err := storage.Open(ctx, storage.Config{
		DatabaseURL: cfg.DatabaseURL,
		Path:        cfg.DBPath,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer st.Close(context.Background())

	if db, ok := st.(*storage.DB); ok {
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	log := eventlog.New(st, logger)

	pcfg, err := policy.LoadConfig("")
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	vcs := scm.NewGit(logger)
	analyt := analytics.New(st, log, vcs, pcfg, logger)
	reviews := review.New(st, log, logger)

	eng := engine.New(engine.Options{
		Store:    st,
		Log:      log,
		Config:   pcfg,
		SCM:      vcs,
		Reviews:  reviews,
		Coupling: analyt,
		Logger:   logger,
		PID:      os.Getpid(),
	})

	w := worker.New(eng, st, log, worker.ConfigFromEnv(), logger)
	return w.Run(ctx)
}
