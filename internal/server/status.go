package server

import (
	"context"

	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/scm"
)

const statusContext = "converge/validation"

// publishStatus posts a commit status on the intent's head commit.
// Best-effort: only intents that arrived through the GitHub App carry
// an installation id, and a publish failure never fails the request.
func (s *Server) publishStatus(ctx context.Context, intent model.Intent, state, description string) {
	if s.statuses == nil || intent.Technical.InstallationID == 0 || intent.Technical.Repo == "" {
		return
	}
	sha := intent.Technical.InitialBaseCommit
	if sha == "" {
		return
	}
	err := s.statuses.Publish(ctx, intent.Technical.InstallationID, intent.Technical.Repo, sha, scm.CommitStatus{
		State:       state,
		Description: description,
		Context:     statusContext,
	})
	if err != nil {
		s.logger.Warn("commit status publish failed",
			"intent_id", intent.ID, "repo", intent.Technical.Repo, "state", state, "error", err)
	}
}

// publishDecisionStatus maps an engine decision onto a GitHub commit
// status for the intent it concerns.
func (s *Server) publishDecisionStatus(ctx context.Context, d engine.Decision) {
	if s.statuses == nil || d.IntentID == "" {
		return
	}
	intent, err := s.store.GetIntent(ctx, d.IntentID)
	if err != nil {
		return
	}

	var state, desc string
	switch d.Decision {
	case engine.DecisionValidated, engine.DecisionQueued:
		state, desc = "pending", "validated, awaiting merge"
	case engine.DecisionMerged:
		state, desc = "success", "merged"
	case engine.DecisionBlocked:
		state, desc = "failure", d.Reason
	case engine.DecisionRequeued:
		state, desc = "pending", "requeued for revalidation"
	default:
		return
	}
	s.publishStatus(ctx, *intent, state, desc)
}
