// Package converge is the public API for embedding the Converge merge
// coordination server.
//
// Consumers construct and run the server without forking it:
//
//	app, err := converge.New(
//	    converge.WithVersion(version),
//	    converge.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: converge (root)
// imports internal/*, but internal/* never imports converge (root).
package converge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ghmbegerez/converge/internal/analytics"
	"github.com/ghmbegerez/converge/internal/config"
	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/flags"
	"github.com/ghmbegerez/converge/internal/intake"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/projections"
	"github.com/ghmbegerez/converge/internal/ratelimit"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/semantic"
	"github.com/ghmbegerez/converge/internal/server"
	"github.com/ghmbegerez/converge/internal/server/mcp"
	"github.com/ghmbegerez/converge/internal/storage"
	"github.com/ghmbegerez/converge/internal/store"
	"github.com/ghmbegerez/converge/internal/telemetry"
	"github.com/ghmbegerez/converge/migrations"
)

// retentionInterval is how often the retention sweeper and the review
// SLA checker run.
const retentionInterval = 10 * time.Minute

// App is the Converge server lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          *config.Config
	st           store.Store
	log          *eventlog.Log
	srv          *server.Server
	reviews      *review.Service
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Converge server: configuration, storage,
// telemetry, and every subsystem wired onto the HTTP and MCP surfaces.
// It does NOT start goroutines or accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.DBPath = ""
	}
	if o.dbPath != "" {
		cfg.DBPath = o.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = newLogger(cfg.LogLevel)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("converge starting", "version", version, "port", cfg.Port)

	ctx := context.Background()
	otelShutdown, err := telemetry.Init(ctx, cfg.OTLPEndpoint, "converge", version, cfg.OTLPInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := storage.Open(ctx, storage.Config{
		DatabaseURL: cfg.DatabaseURL,
		Path:        cfg.DBPath,
		Logger:      logger,
	})
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	// The sqlite backend applies its schema on open; Postgres runs the
	// embedded migrations here.
	if db, ok := st.(*storage.DB); ok {
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			_ = st.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	log := eventlog.New(st, logger)

	pcfg, err := policy.LoadConfig(o.policyPath)
	if err != nil {
		_ = st.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("policy: %w", err)
	}

	proj := projections.New(st, log, logger)
	reviews := review.New(st, log, logger)
	flagsReg := flags.New(flags.Options{Store: st, Log: log, Logger: logger})
	intakeCtl := intake.New(st, log, proj, pcfg.Intake, logger)
	var embedder semantic.Provider
	if o.embedder != nil {
		embedder = &providerAdapter{p: o.embedder}
	}
	sem := semantic.New(st, log, embedder, logger)

	var vcs scm.SCM = scm.NewGit(logger)
	if o.scm != nil {
		vcs = &scmAdapter{s: o.scm}
	}
	analyt := analytics.New(st, log, vcs, pcfg, logger)

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

	keys, err := server.ParseKeyRegistry(cfg.APIKeys, cfg.AdminAPIKey)
	if err != nil {
		_ = st.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("api keys: %w", err)
	}

	var statuses *scm.StatusPublisher
	if cfg.GitHubAppID != "" && cfg.GitHubAppKeyPath != "" {
		app, err := scm.NewGitHubApp(cfg.GitHubAppID, cfg.GitHubAppKeyPath, logger)
		if err != nil {
			_ = st.Close(ctx)
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("github app: %w", err)
		}
		statuses = scm.NewStatusPublisher(app, logger)
		logger.Info("github status publisher enabled", "app_id", cfg.GitHubAppID)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	srv := server.New(server.Config{
		Store:         st,
		Log:           log,
		Engine:        eng,
		Intake:        intakeCtl,
		Reviews:       reviews,
		Proj:          proj,
		Analytics:     analyt,
		Semantic:      sem,
		Flags:         flagsReg,
		Statuses:      statuses,
		Limiter:       limiter,
		Keys:          keys,
		AuthRequired:  cfg.AuthRequired,
		WebhookSecret: cfg.WebhookSecret,
		DefaultTenant: cfg.DefaultTenant,
		Host:          cfg.Host,
		Port:          cfg.Port,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		Version:       version,
		Logger:        logger,
	})

	mcpSrv := mcp.New(st, log, intakeCtl, proj, logger)
	srv.MountMCP(mcpSrv.MCPServer())

	return &App{
		cfg:          cfg,
		st:           st,
		log:          log,
		srv:          srv,
		reviews:      reviews,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and the background sweepers, then blocks
// until ctx is cancelled or the listener fails. Shutdown runs
// automatically on return — callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.retentionLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.slaLoop(gctx)
		return nil
	})

	err := g.Wait()
	a.close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("converge: %w", err)
	}
	return nil
}

func (a *App) close() {
	a.logger.Info("converge shutting down")
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.otelShutdown(context.Background())
	_ = a.st.Close(context.Background())
	a.logger.Info("converge stopped")
}

// retentionLoop prunes old events and webhook delivery records on a
// fixed cadence. Event pruning is off unless CONVERGE_EVENT_RETENTION
// is set; pruning breaks hash-chain verifiability before the cutoff.
func (a *App) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if a.cfg.EventRetention > 0 {
			cutoff := time.Now().UTC().Add(-a.cfg.EventRetention)
			n, err := a.log.PruneEvents(ctx, cutoff, "", false)
			if err != nil {
				a.logger.Warn("event retention sweep failed", "error", err)
			} else if n > 0 {
				a.logger.Info("pruned events", "count", n, "cutoff", cutoff)
			}
		}
		if a.cfg.DeliveryRetention > 0 {
			cutoff := time.Now().UTC().Add(-a.cfg.DeliveryRetention)
			n, err := a.st.CleanupDeliveries(ctx, cutoff)
			if err != nil {
				a.logger.Warn("delivery cleanup failed", "error", err)
			} else if n > 0 {
				a.logger.Debug("cleaned up webhook deliveries", "count", n)
			}
		}
	}
}

// slaLoop escalates review tasks past their SLA deadline.
func (a *App) slaLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		breaches, err := a.reviews.CheckSLABreaches(ctx, "")
		if err != nil {
			a.logger.Warn("sla breach check failed", "error", err)
			continue
		}
		if len(breaches) > 0 {
			a.logger.Info("review sla breaches escalated", "count", len(breaches))
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
