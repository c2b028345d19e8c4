// Package server exposes the HTTP surface: the GitHub webhook intake,
// the operator API over intents / queue / reviews / policies, read-only
// projections, and the MCP surface for agent-originated intents.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ghmbegerez/converge/internal/analytics"
	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/flags"
	"github.com/ghmbegerez/converge/internal/intake"
	"github.com/ghmbegerez/converge/internal/projections"
	"github.com/ghmbegerez/converge/internal/ratelimit"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/semantic"
	"github.com/ghmbegerez/converge/internal/store"
)

// Server is the Converge HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler

	store    store.Store
	log      *eventlog.Log
	engine   *engine.Engine
	intake   *intake.Controller
	reviews  *review.Service
	proj     *projections.Projector
	analyt   *analytics.Service
	semantic *semantic.Service
	flags    *flags.Registry
	statuses *scm.StatusPublisher
	limiter  ratelimit.Limiter

	keys          *KeyRegistry
	authRequired  bool
	webhookSecret string
	defaultTenant string
	version       string
	startedAt     time.Time
	logger        *slog.Logger
}

// Config holds dependencies and settings for a Server. Optional
// (nil-safe): Analytics, Semantic, Flags, MCP.
type Config struct {
	Store    store.Store
	Log      *eventlog.Log
	Engine   *engine.Engine
	Intake   *intake.Controller
	Reviews  *review.Service
	Proj     *projections.Projector
	Analytics *analytics.Service
	Semantic *semantic.Service
	Flags    *flags.Registry
	Statuses *scm.StatusPublisher
	Limiter  ratelimit.Limiter

	Keys          *KeyRegistry
	AuthRequired  bool
	WebhookSecret string
	DefaultTenant string

	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
	Logger       *slog.Logger
}

// New creates the server with all routes configured.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Keys == nil {
		cfg.Keys = &KeyRegistry{}
	}
	s := &Server{
		store:         cfg.Store,
		log:           cfg.Log,
		engine:        cfg.Engine,
		intake:        cfg.Intake,
		reviews:       cfg.Reviews,
		proj:          cfg.Proj,
		analyt:        cfg.Analytics,
		semantic:      cfg.Semantic,
		flags:         cfg.Flags,
		statuses:      cfg.Statuses,
		limiter:       cfg.Limiter,
		keys:          cfg.Keys,
		authRequired:  cfg.AuthRequired,
		webhookSecret: cfg.WebhookSecret,
		defaultTenant: cfg.DefaultTenant,
		version:       cfg.Version,
		startedAt:     time.Now(),
		logger:        cfg.Logger,
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.handler = requestIDMiddleware(tracingMiddleware(loggingMiddleware(cfg.Logger, mux)))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes(mux *http.ServeMux) {
	// Unauthenticated. The webhook is the only unauthenticated write
	// surface, so it alone carries a per-IP rate limit.
	limited := ratelimit.Middleware(s.limiter, ratelimit.IPKeyFunc)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /integrations/github/webhook", limited(http.HandlerFunc(s.handleWebhook)))

	viewer := func(h http.HandlerFunc) http.Handler { return s.authMiddleware(RoleViewer, h) }
	operator := func(h http.HandlerFunc) http.Handler { return s.authMiddleware(RoleOperator, h) }
	admin := func(h http.HandlerFunc) http.Handler { return s.authMiddleware(RoleAdmin, h) }

	// Read surface.
	mux.Handle("GET /api/auth/whoami", viewer(s.handleWhoami))
	mux.Handle("GET /api/summary", viewer(s.handleSummary))
	mux.Handle("GET /api/intents", viewer(s.handleListIntents))
	mux.Handle("GET /api/intents/{id}", viewer(s.handleGetIntent))
	mux.Handle("GET /api/events", viewer(s.handleEvents))
	mux.Handle("GET /api/queue/state", viewer(s.handleQueueState))
	mux.Handle("GET /api/queue/inspect", viewer(s.handleQueueInspect))
	mux.Handle("GET /api/health/repo/now", viewer(s.handleRepoHealth))
	mux.Handle("GET /api/health/change", viewer(s.handleChangeHealth))
	mux.Handle("GET /api/health/debt", viewer(s.handleDebt))
	mux.Handle("GET /api/predictions", viewer(s.handlePredictions))
	mux.Handle("GET /api/compliance/report", viewer(s.handleCompliance))
	mux.Handle("GET /api/reviews", viewer(s.handleListReviews))
	mux.Handle("GET /api/flags", viewer(s.handleListFlags))
	mux.Handle("GET /api/intake/status", viewer(s.handleIntakeStatus))
	mux.Handle("GET /api/semantic/conflicts", viewer(s.handleListConflicts))

	// Operator surface.
	mux.Handle("POST /api/intents", operator(s.handleCreateIntent))
	mux.Handle("POST /api/intents/{id}/validate", operator(s.handleValidate))
	mux.Handle("POST /api/queue/process", operator(s.handleProcessQueue))
	mux.Handle("POST /api/queue/confirm", operator(s.handleConfirmMerge))
	mux.Handle("POST /api/reviews/{id}/assign", operator(s.handleAssignReview))
	mux.Handle("POST /api/reviews/{id}/complete", operator(s.handleCompleteReview))
	mux.Handle("POST /api/semantic/scan", operator(s.handleSemanticScan))
	mux.Handle("POST /api/semantic/resolve", operator(s.handleSemanticResolve))

	// Admin surface.
	mux.Handle("POST /api/queue/reset", admin(s.handleResetQueue))
	mux.Handle("GET /api/risk/policy", viewer(s.handleGetRiskPolicy))
	mux.Handle("POST /api/risk/policy", admin(s.handleSetRiskPolicy))
	mux.Handle("POST /api/intake/mode", admin(s.handleSetIntakeMode))
	mux.Handle("POST /api/flags/{name}", admin(s.handleSetFlag))
	mux.Handle("POST /api/semantic/reindex", admin(s.handleReindex))
	mux.Handle("POST /api/admin/retention/prune", admin(s.handlePrune))
}

// MountMCP attaches the MCP streamable-HTTP surface under /mcp.
func (s *Server) MountMCP(m *mcpserver.MCPServer) {
	httpSrv := mcpserver.NewStreamableHTTPServer(m)
	mux := http.NewServeMux()
	mux.Handle("/mcp", httpSrv)
	mux.Handle("/", s.handler)
	s.handler = mux
	s.httpServer.Handler = mux
}

// Start begins serving. Blocks until the listener fails or Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "version", s.version)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
