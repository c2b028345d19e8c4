// Package mcp exposes the agent intake surface over the Model Context
// Protocol: coding agents submit intents and watch the queue through
// MCP tools instead of the HTTP API. Every intent created here carries
// origin_type=agent, which the policy engine treats more strictly.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/intake"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/projections"
	"github.com/ghmbegerez/converge/internal/store"
)

// Server wraps the MCP server with the intent intake services.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     store.Store
	log       *eventlog.Log
	intake    *intake.Controller
	proj      *projections.Projector
	logger    *slog.Logger
}

// New creates the MCP server with all tools registered.
func New(st store.Store, log *eventlog.Log, ic *intake.Controller, proj *projections.Projector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: st, log: log, intake: ic, proj: proj, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"converge",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("submit_intent",
			mcplib.WithDescription(`Submit a merge intent for a branch you want integrated.

The intent enters the validation queue: merge simulation, risk
evaluation, and policy gates run before the branch can merge. The
response reports whether intake accepted the intent; when the system is
throttled or paused, resubmit later.`),
			mcplib.WithString("id",
				mcplib.Description("Stable intent id, e.g. owner/repo:pr-42 or a branch-derived slug"),
				mcplib.Required(),
			),
			mcplib.WithString("source",
				mcplib.Description("Source branch to merge"),
				mcplib.Required(),
			),
			mcplib.WithString("target",
				mcplib.Description("Target branch (default main)"),
			),
			mcplib.WithString("objective",
				mcplib.Description("One-line description of what the change accomplishes"),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Identifier of the submitting agent"),
				mcplib.Required(),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant scope, when the deployment is multi-tenant"),
			),
			mcplib.WithString("risk_level",
				mcplib.Description("Declared blast radius: low, medium, high, or critical"),
			),
		),
		s.handleSubmitIntent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_intent",
			mcplib.WithDescription("Fetch an intent's current status, retries, and metadata."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("id",
				mcplib.Description("Intent id"),
				mcplib.Required(),
			),
		),
		s.handleGetIntent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("queue_state",
			mcplib.WithDescription("Summarize the merge queue: counts by status and the pending set in merge order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant scope, when the deployment is multi-tenant"),
			),
		),
		s.handleQueueState,
	)
}

func (s *Server) handleSubmitIntent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	source := request.GetString("source", "")
	agentID := request.GetString("agent_id", "")
	if id == "" || source == "" || agentID == "" {
		return errorResult("id, source, and agent_id are required"), nil
	}
	target := request.GetString("target", "main")
	riskLevel := model.RiskLevel(request.GetString("risk_level", string(model.RiskLow)))
	switch riskLevel {
	case model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical:
	default:
		return errorResult(fmt.Sprintf("unknown risk_level %q", riskLevel)), nil
	}

	now := time.Now().UTC()
	intent := model.Intent{
		ID:        id,
		Source:    source,
		Target:    target,
		Status:    model.StatusReady,
		CreatedBy: agentID,
		RiskLevel: riskLevel,
		TenantID:  request.GetString("tenant_id", ""),
		Origin:    model.OriginAgent,
		Semantic: map[string]any{
			"objective": request.GetString("objective", ""),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	decision, err := s.intake.Evaluate(ctx, intent)
	if err != nil {
		return errorResult(fmt.Sprintf("intake evaluation failed: %v", err)), nil
	}
	if !decision.Accepted {
		return jsonResult(map[string]any{
			"accepted": false,
			"mode":     decision.Mode,
			"reason":   decision.Reason,
		}), nil
	}

	if err := s.store.UpsertIntent(ctx, intent); err != nil {
		return errorResult(fmt.Sprintf("persist intent: %v", err)), nil
	}
	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventIntentCreated,
		IntentID: intent.ID,
		AgentID:  agentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"source": source, "target": target,
			"origin_type": string(model.OriginAgent), "created_by": agentID,
		},
	}); err != nil {
		return errorResult(fmt.Sprintf("record event: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"accepted":  true,
		"intent_id": intent.ID,
		"status":    intent.Status,
	}), nil
}

func (s *Server) handleGetIntent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	intent, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return errorResult(fmt.Sprintf("intent not found: %s", id)), nil
	}
	return jsonResult(intent), nil
}

func (s *Server) handleQueueState(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	state, err := s.proj.QueueState(ctx, request.GetString("tenant_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("queue state: %v", err)), nil
	}
	return jsonResult(state), nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
