package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/flags"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/semantic"
	"github.com/ghmbegerez/converge/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	dbStatus := "connected"
	if err := s.store.Ping(r.Context()); err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
		dbStatus = "disconnected"
	}
	writeJSON(w, r, httpStatus, map[string]any{
		"status":   status,
		"version":  s.version,
		"store":    dbStatus,
		"uptime_s": int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, PrincipalFromContext(r.Context()))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFor(r)
	health, err := s.proj.RepoHealth(r.Context(), tenant, 0)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	queue, err := s.proj.QueueState(r.Context(), tenant)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"health": health, "queue": queue})
}

// --- Intents ---

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.store.ListIntents(r.Context(), model.IntentFilter{
		Status:   model.IntentStatus(r.URL.Query().Get("status")),
		TenantID: tenantFor(r),
		Limit:    queryLimit(r, 200),
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, intents)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.store.GetIntent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "intent not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, intent)
}

type createIntentRequest struct {
	ID           string            `json:"id"`
	Source       string            `json:"source"`
	Target       string            `json:"target"`
	RiskLevel    model.RiskLevel   `json:"risk_level,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Semantic     map[string]any    `json:"semantic,omitempty"`
	Technical    model.Technical   `json:"technical,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	PlanID       string            `json:"plan_id,omitempty"`
	Origin       model.OriginType  `json:"origin_type,omitempty"`
}

// handleCreateIntent runs the intake controller, then persists the
// intent and emits intent.created. Throttle or pause modes reject
// without side effects.
func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.ID == "" || req.Source == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "id and source are required")
		return
	}
	if req.Target == "" {
		req.Target = "main"
	}
	if req.RiskLevel == "" {
		req.RiskLevel = model.RiskLow
	}
	if req.Origin == "" {
		req.Origin = model.OriginHuman
	}
	if p := PrincipalFromContext(r.Context()); p != nil && p.TenantID != "" {
		req.TenantID = p.TenantID
	}

	now := time.Now().UTC()
	intent := model.Intent{
		ID:           req.ID,
		Source:       req.Source,
		Target:       req.Target,
		Status:       model.StatusReady,
		RiskLevel:    req.RiskLevel,
		Priority:     req.Priority,
		Semantic:     req.Semantic,
		Technical:    req.Technical,
		Dependencies: req.Dependencies,
		TenantID:     req.TenantID,
		PlanID:       req.PlanID,
		Origin:       req.Origin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if p := PrincipalFromContext(r.Context()); p != nil {
		intent.CreatedBy = p.Actor
	}

	decision, err := s.intake.Evaluate(r.Context(), intent)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !decision.Accepted {
		writeJSON(w, r, http.StatusTooManyRequests, map[string]any{
			"accepted": false, "mode": decision.Mode, "reason": decision.Reason,
		})
		return
	}

	if err := s.store.UpsertIntent(r.Context(), intent); err != nil {
		s.internalError(w, r, err)
		return
	}
	if _, err := s.log.Append(r.Context(), model.Event{
		Type:     model.EventIntentCreated,
		IntentID: intent.ID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"source": intent.Source, "target": intent.Target,
			"origin_type": string(intent.Origin), "created_by": intent.CreatedBy,
		},
	}); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, intent)
}

type validateRequest struct {
	SkipChecks        bool   `json:"skip_checks,omitempty"`
	UseLastSimulation bool   `json:"use_last_simulation,omitempty"`
	Cwd               string `json:"cwd,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}
	d, err := s.engine.Validate(r.Context(), r.PathValue("id"), engine.ValidateOptions{
		SkipChecks:        req.SkipChecks,
		UseLastSimulation: req.UseLastSimulation,
		Cwd:               req.Cwd,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "intent not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.publishDecisionStatus(r.Context(), *d)
	writeJSON(w, r, http.StatusOK, d)
}

// --- Queue ---

type processQueueRequest struct {
	Limit             int    `json:"limit,omitempty"`
	Target            string `json:"target,omitempty"`
	MaxRetries        int    `json:"max_retries,omitempty"`
	AutoConfirm       bool   `json:"auto_confirm,omitempty"`
	UseLastSimulation bool   `json:"use_last_simulation,omitempty"`
	SkipChecks        bool   `json:"skip_checks,omitempty"`
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	var req processQueueRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}
	decisions, err := s.engine.ProcessQueue(r.Context(), engine.ProcessOptions{
		Limit:             req.Limit,
		Target:            req.Target,
		MaxRetries:        req.MaxRetries,
		AutoConfirm:       req.AutoConfirm,
		UseLastSimulation: req.UseLastSimulation,
		SkipChecks:        req.SkipChecks,
		TenantID:          tenantFor(r),
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	for _, d := range decisions {
		s.publishDecisionStatus(r.Context(), d)
	}
	writeJSON(w, r, http.StatusOK, decisions)
}

type confirmRequest struct {
	IntentID string `json:"intent_id"`
	MergeSHA string `json:"merge_sha,omitempty"`
}

func (s *Server) handleConfirmMerge(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.IntentID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "intent_id is required")
		return
	}
	d, err := s.engine.ConfirmMerge(r.Context(), req.IntentID, req.MergeSHA)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "intent not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	s.publishDecisionStatus(r.Context(), *d)
	writeJSON(w, r, http.StatusOK, d)
}

type resetQueueRequest struct {
	IntentID         string             `json:"intent_id,omitempty"`
	Status           model.IntentStatus `json:"status,omitempty"`
	ForceReleaseLock bool               `json:"force_release_lock,omitempty"`
}

func (s *Server) handleResetQueue(w http.ResponseWriter, r *http.Request) {
	var req resetQueueRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}
	n, err := s.engine.ResetQueue(r.Context(), engine.ResetOptions{
		IntentID:         req.IntentID,
		Status:           req.Status,
		ForceReleaseLock: req.ForceReleaseLock,
		TenantID:         tenantFor(r),
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reset_count": n})
}

func (s *Server) handleQueueState(w http.ResponseWriter, r *http.Request) {
	state, err := s.proj.QueueState(r.Context(), tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

func (s *Server) handleQueueInspect(w http.ResponseWriter, r *http.Request) {
	insp, err := s.engine.InspectQueue(r.Context(), tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, insp)
}

// --- Events ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := model.EventQuery{
		Type:     model.EventType(r.URL.Query().Get("type")),
		IntentID: r.URL.Query().Get("intent_id"),
		AgentID:  r.URL.Query().Get("agent_id"),
		TraceID:  r.URL.Query().Get("trace_id"),
		TenantID: tenantFor(r),
		Limit:    queryLimit(r, 100),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", "since must be RFC3339")
			return
		}
		q.Since = t
	}
	events, err := s.log.Query(r.Context(), q)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// --- Projections ---

func (s *Server) handleRepoHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.proj.RepoHealth(r.Context(), tenantFor(r), queryInt(r, "window_hours", 0))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h)
}

func (s *Server) handleChangeHealth(w http.ResponseWriter, r *http.Request) {
	intentID := r.URL.Query().Get("intent_id")
	if intentID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "intent_id required")
		return
	}
	h, err := s.proj.IntentHealth(r.Context(), intentID, tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h)
}

func (s *Server) handleDebt(w http.ResponseWriter, r *http.Request) {
	d, err := s.proj.VerificationDebt(r.Context(), tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	p, err := s.proj.PredictHealth(r.Context(), tenantFor(r), queryInt(r, "horizon_days", 0))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) handleCompliance(w http.ResponseWriter, r *http.Request) {
	c, err := s.proj.Compliance(r.Context(), tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// --- Reviews ---

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	filter := model.ReviewFilter{
		IntentID: r.URL.Query().Get("intent_id"),
		TenantID: tenantFor(r),
		Limit:    queryLimit(r, 100),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Statuses = []model.ReviewStatus{model.ReviewStatus(status)}
	}
	tasks, err := s.store.ListReviewTasks(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tasks)
}

type assignReviewRequest struct {
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleAssignReview(w http.ResponseWriter, r *http.Request) {
	var req assignReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	task, err := s.reviews.Assign(r.Context(), r.PathValue("id"), req.Reviewer)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "review task not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

type completeReviewRequest struct {
	Resolution model.ReviewResolution `json:"resolution"`
	Notes      string                 `json:"notes,omitempty"`
}

func (s *Server) handleCompleteReview(w http.ResponseWriter, r *http.Request) {
	var req completeReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	task, err := s.reviews.Complete(r.Context(), r.PathValue("id"), req.Resolution, req.Notes)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "review task not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, task)
}

// --- Risk policy ---

func (s *Server) handleGetRiskPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetRiskPolicy(r.Context(), tenantFor(r))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "not_found", "no risk policy for tenant")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) handleSetRiskPolicy(w http.ResponseWriter, r *http.Request) {
	var p model.RiskPolicy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if p.TenantID == "" {
		p.TenantID = tenantFor(r)
	}
	if p.Mode != "shadow" && p.Mode != "enforce" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "mode must be shadow or enforce")
		return
	}
	version, err := s.store.UpsertRiskPolicy(r.Context(), p)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true, "version": version})
}

// --- Intake ---

func (s *Server) handleIntakeStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.intake.Status(r.Context(), tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

type intakeModeRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSetIntakeMode(w http.ResponseWriter, r *http.Request) {
	var req intakeModeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	actor := "unknown"
	if p := PrincipalFromContext(r.Context()); p != nil {
		actor = p.Actor
	}
	if err := s.intake.SetMode(r.Context(), tenantFor(r), req.Mode, actor, req.Reason); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true, "mode": req.Mode})
}

// --- Feature flags ---

func (s *Server) handleListFlags(w http.ResponseWriter, r *http.Request) {
	if s.flags == nil {
		writeJSON(w, r, http.StatusOK, []flags.State{})
		return
	}
	writeJSON(w, r, http.StatusOK, s.flags.List())
}

type setFlagRequest struct {
	Enabled *bool   `json:"enabled,omitempty"`
	Mode    *string `json:"mode,omitempty"`
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	if s.flags == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "flag registry not configured")
		return
	}
	var req setFlagRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	state, err := s.flags.Set(r.Context(), r.PathValue("name"), flags.SetOptions{
		Enabled: req.Enabled, Mode: req.Mode,
	})
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// --- Semantic conflicts ---

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	if s.semantic == nil {
		writeJSON(w, r, http.StatusOK, []semantic.Conflict{})
		return
	}
	conflicts, err := s.semantic.OpenConflicts(r.Context(), tenantFor(r))
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, conflicts)
}

type semanticScanRequest struct {
	Target string `json:"target,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

func (s *Server) handleSemanticScan(w http.ResponseWriter, r *http.Request) {
	if s.semantic == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "semantic service not configured")
		return
	}
	var req semanticScanRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}
	mode := req.Mode
	if mode == "" && s.flags != nil {
		mode = s.flags.Mode(flags.SemanticConflicts)
	}
	report, err := s.semantic.Scan(r.Context(), semantic.ScanOptions{
		TenantID: tenantFor(r),
		Target:   req.Target,
		Mode:     mode,
		Reviews:  s.reviews,
	})
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

type semanticResolveRequest struct {
	IntentA    string `json:"intent_a"`
	IntentB    string `json:"intent_b"`
	Resolution string `json:"resolution,omitempty"`
}

func (s *Server) handleSemanticResolve(w http.ResponseWriter, r *http.Request) {
	if s.semantic == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "semantic service not configured")
		return
	}
	var req semanticResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.IntentA == "" || req.IntentB == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "intent_a and intent_b are required")
		return
	}
	actor := ""
	if p := PrincipalFromContext(r.Context()); p != nil {
		actor = p.Actor
	}
	if err := s.semantic.Resolve(r.Context(), req.IntentA, req.IntentB, req.Resolution, actor, tenantFor(r)); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

type reindexRequest struct {
	Force  bool `json:"force,omitempty"`
	DryRun bool `json:"dry_run,omitempty"`
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.semantic == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "semantic service not configured")
		return
	}
	var req reindexRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
	}
	summary, err := s.semantic.Reindex(r.Context(), tenantFor(r), req.Force, req.DryRun)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// --- Retention ---

type pruneRequest struct {
	Before time.Time `json:"before"`
	DryRun bool      `json:"dry_run,omitempty"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req pruneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.Before.IsZero() {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "before is required")
		return
	}
	n, err := s.log.PruneEvents(r.Context(), req.Before, tenantFor(r), req.DryRun)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"pruned": n, "dry_run": req.DryRun})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("handler error",
		"path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
	writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
}
