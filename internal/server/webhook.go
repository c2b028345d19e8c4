package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ghmbegerez/converge/internal/model"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// verifySignature checks the X-Hub-Signature-256 header against the
// shared webhook secret.
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// handleWebhook is the GitHub intake: signature verification, delivery
// dedup, then dispatch by event type. The signature is the endpoint's
// authentication; it never passes through the API-key middleware.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "unreadable body")
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	ghEvent := r.Header.Get("X-Github-Event")
	deliveryID := r.Header.Get("X-Github-Delivery")

	if s.webhookSecret == "" {
		if s.authRequired {
			writeError(w, r, http.StatusForbidden, "forbidden",
				"webhook signature verification not configured")
			return
		}
	} else if !verifySignature(s.webhookSecret, body, sig) {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}

	// The delivery row is claimed before any side effect: RecordDelivery
	// is insert-or-ignore, so of two concurrent requests with the same
	// delivery id exactly one wins the insert and proceeds. A
	// check-then-record split would let both through.
	ctx := r.Context()
	if deliveryID != "" {
		inserted, err := s.store.RecordDelivery(ctx, deliveryID)
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		if !inserted {
			writeJSON(w, r, http.StatusOK, map[string]any{
				"ok": true, "delivery_id": deliveryID, "duplicate": true,
			})
			return
		}
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "invalid JSON body")
		return
	}

	if _, err := s.log.Append(ctx, model.Event{
		Type: model.EventWebhookReceived,
		Payload: map[string]any{
			"github_event": ghEvent,
			"delivery_id":  deliveryID,
			"action":       str(data, "action"),
		},
		Evidence: map[string]any{"delivery_id": deliveryID},
	}); err != nil {
		s.internalError(w, r, err)
		return
	}
	var resp map[string]any
	switch ghEvent {
	case "pull_request":
		resp, err = s.dispatchPullRequest(r, data)
	case "push":
		resp, err = s.dispatchPush(r, data)
	case "merge_group":
		resp, err = s.dispatchMergeGroup(r, data)
	default:
		resp = map[string]any{"ok": true, "action": "ignored"}
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	resp["delivery_id"] = deliveryID
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) dispatchPullRequest(r *http.Request, data map[string]any) (map[string]any, error) {
	action := str(data, "action")
	pr := obj(data, "pull_request")
	repoFullName := str(obj(data, "repository"), "full_name")
	number := intVal(pr, "number")

	intentID := model.PullRequestIntentID(splitRepo(repoFullName, number))

	switch action {
	case "opened", "synchronize", "reopened":
		return s.prOpened(r, data, pr, intentID, repoFullName)
	case "closed":
		return s.prClosed(r, pr, intentID, repoFullName)
	}
	return map[string]any{"ok": true, "action": "ignored"}, nil
}

// prOpened creates or refreshes the intent and sets it READY, gated by
// the intake controller.
func (s *Server) prOpened(r *http.Request, data, pr map[string]any, intentID, repoFullName string) (map[string]any, error) {
	head := obj(pr, "head")
	base := obj(pr, "base")
	source := str(head, "ref")
	headSHA := str(head, "sha")
	target := str(base, "ref")
	if target == "" {
		target = "main"
	}
	if headSHA == "" || source == "" {
		return map[string]any{
			"ok": true, "intent_id": intentID,
			"action": "ignored", "reason": "missing_head_sha_or_ref",
		}, nil
	}

	now := time.Now().UTC()
	intent := model.Intent{
		ID:        intentID,
		Source:    source,
		Target:    target,
		Status:    model.StatusReady,
		CreatedBy: "github-webhook",
		RiskLevel: model.RiskLow,
		TenantID:  s.defaultTenant,
		Origin:    model.OriginIntegration,
		Semantic: map[string]any{
			"problem_statement": str(pr, "title"),
			"objective":         str(pr, "title"),
		},
		Technical: model.Technical{
			Repo:              repoFullName,
			InitialBaseCommit: headSHA,
			InstallationID:    int64Val(obj(data, "installation"), "id"),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	decision, err := s.intake.Evaluate(r.Context(), intent)
	if err != nil {
		return nil, err
	}
	if !decision.Accepted {
		return map[string]any{
			"ok": true, "intent_id": intentID, "action": "intake_rejected",
			"mode": string(decision.Mode), "reason": decision.Reason,
		}, nil
	}

	if err := s.store.UpsertIntent(r.Context(), intent); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(r.Context(), model.Event{
		Type:     model.EventIntentCreated,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"source": source, "target": target,
			"origin_type": string(model.OriginIntegration), "created_by": intent.CreatedBy,
		},
	}); err != nil {
		return nil, err
	}
	if err := s.recordCommitLink(r, intentID, repoFullName, headSHA, model.CommitRoleHead, "pr_opened", intent.TenantID); err != nil {
		return nil, err
	}
	s.publishStatus(r.Context(), intent, "pending", "queued for merge validation")
	return map[string]any{"ok": true, "intent_id": intentID, "action": "created"}, nil
}

// prClosed finalizes the intent as merged or rejected, mirroring the
// decision GitHub already made.
func (s *Server) prClosed(r *http.Request, pr map[string]any, intentID, repoFullName string) (map[string]any, error) {
	intent, err := s.store.GetIntent(r.Context(), intentID)
	if err != nil {
		s.logger.Warn("pr closed for unknown intent", "intent_id", intentID)
		return map[string]any{
			"ok": true, "intent_id": intentID,
			"action": "ignored", "reason": "unknown_intent",
		}, nil
	}

	// MERGED and REJECTED are terminal; a late or replayed close event
	// must not demote an intent GitHub already settled.
	if intent.Status.Terminal() {
		return map[string]any{
			"ok": true, "intent_id": intentID,
			"action": "ignored", "reason": "terminal",
		}, nil
	}

	merged := boolVal(pr, "merged")
	mergeCommit := str(pr, "merge_commit_sha")

	status := model.StatusRejected
	etype := model.EventIntentRejected
	decision := "rejected"
	if merged {
		status = model.StatusMerged
		etype = model.EventIntentMerged
		decision = "merged"
	}

	intent.Status = status
	intent.UpdatedAt = time.Now().UTC()
	if err := s.store.UpsertIntent(r.Context(), *intent); err != nil {
		return nil, err
	}
	if _, err := s.log.Append(r.Context(), model.Event{
		Type:     etype,
		IntentID: intentID,
		TenantID: intent.TenantID,
		Payload: map[string]any{
			"source": intent.Source, "target": intent.Target,
			"merged": merged, "merge_commit_sha": mergeCommit,
			"trigger": "github_pr_closed",
		},
	}); err != nil {
		return nil, err
	}
	if merged && mergeCommit != "" {
		repo := intent.Technical.Repo
		if repo == "" {
			repo = repoFullName
		}
		if err := s.recordCommitLink(r, intentID, repo, mergeCommit, model.CommitRoleMerge, "pr_merged", intent.TenantID); err != nil {
			return nil, err
		}
	}
	return map[string]any{"ok": true, "intent_id": intentID, "action": decision}, nil
}

// dispatchPush resets open intents sourced from the pushed branch back
// to READY for revalidation. Intents from other repos are left alone.
func (s *Server) dispatchPush(r *http.Request, data map[string]any) (map[string]any, error) {
	ref := str(data, "ref")
	if !strings.HasPrefix(ref, "refs/heads/") {
		return map[string]any{"ok": true, "action": "ignored", "reason": "not_branch_push"}, nil
	}
	branch := strings.TrimPrefix(ref, "refs/heads/")
	repoFullName := str(obj(data, "repository"), "full_name")
	headSHA := str(data, "after")

	var revalidated []string
	for _, status := range []model.IntentStatus{model.StatusReady, model.StatusValidated} {
		intents, err := s.store.ListIntents(r.Context(), model.IntentFilter{
			Status: status, Source: branch,
		})
		if err != nil {
			return nil, err
		}
		for _, intent := range intents {
			if intent.Technical.Repo != "" && intent.Technical.Repo != repoFullName {
				continue
			}
			intent.Technical.InitialBaseCommit = headSHA
			intent.Status = model.StatusReady
			intent.UpdatedAt = time.Now().UTC()
			if err := s.store.UpsertIntent(r.Context(), intent); err != nil {
				return nil, err
			}
			if _, err := s.log.Append(r.Context(), model.Event{
				Type:     model.EventIntentRequeued,
				IntentID: intent.ID,
				TenantID: intent.TenantID,
				Payload: map[string]any{
					"trigger": "push_revalidation",
					"branch":  branch, "new_head_sha": headSHA,
				},
			}); err != nil {
				return nil, err
			}
			if err := s.recordCommitLink(r, intent.ID, repoFullName, headSHA, model.CommitRoleHead, "push", intent.TenantID); err != nil {
				return nil, err
			}
			revalidated = append(revalidated, intent.ID)
		}
	}
	return map[string]any{"ok": true, "action": "push_processed", "revalidated": revalidated}, nil
}

// dispatchMergeGroup handles GitHub merge queue entries. checks_requested
// creates a merge-group intent; destroyed rejects it.
func (s *Server) dispatchMergeGroup(r *http.Request, data map[string]any) (map[string]any, error) {
	action := str(data, "action")
	mg := obj(data, "merge_group")
	repoFullName := str(obj(data, "repository"), "full_name")
	headSHA := str(mg, "head_sha")
	if headSHA == "" || repoFullName == "" {
		return map[string]any{"ok": true, "action": "ignored", "reason": "incomplete_payload"}, nil
	}

	owner, repo := splitRepoName(repoFullName)
	intentID := model.MergeGroupIntentID(owner, repo, headSHA)

	switch action {
	case "checks_requested":
		baseRef := strings.TrimPrefix(str(mg, "base_ref"), "refs/heads/")
		if baseRef == "" {
			baseRef = "main"
		}
		headRef := strings.TrimPrefix(str(mg, "head_ref"), "refs/heads/")

		now := time.Now().UTC()
		intent := model.Intent{
			ID:        intentID,
			Source:    headRef,
			Target:    baseRef,
			Status:    model.StatusReady,
			CreatedBy: "github-merge-queue",
			RiskLevel: model.RiskLow,
			TenantID:  s.defaultTenant,
			Origin:    model.OriginIntegration,
			Semantic: map[string]any{
				"problem_statement": "Merge queue candidate",
				"objective":         "Validate merge group before integration",
			},
			Technical: model.Technical{
				Repo:              repoFullName,
				InitialBaseCommit: headSHA,
				InstallationID:    int64Val(obj(data, "installation"), "id"),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}

		decision, err := s.intake.Evaluate(r.Context(), intent)
		if err != nil {
			return nil, err
		}
		if !decision.Accepted {
			return map[string]any{
				"ok": true, "intent_id": intentID, "action": "intake_rejected",
				"mode": string(decision.Mode), "reason": decision.Reason,
			}, nil
		}
		if err := s.store.UpsertIntent(r.Context(), intent); err != nil {
			return nil, err
		}
		if _, err := s.log.Append(r.Context(), model.Event{
			Type:     model.EventIntentCreated,
			IntentID: intentID,
			TenantID: intent.TenantID,
			Payload: map[string]any{
				"source": headRef, "target": baseRef,
				"origin_type": string(model.OriginIntegration), "created_by": intent.CreatedBy,
			},
		}); err != nil {
			return nil, err
		}
		if err := s.recordCommitLink(r, intentID, repoFullName, headSHA, model.CommitRoleHead, "merge_group", intent.TenantID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "intent_id": intentID, "action": "created"}, nil

	case "destroyed":
		intent, err := s.store.GetIntent(r.Context(), intentID)
		if err != nil {
			return map[string]any{"ok": true, "intent_id": intentID, "action": "ignored", "reason": "unknown_intent"}, nil
		}
		if intent.Status.Terminal() {
			return map[string]any{"ok": true, "intent_id": intentID, "action": "ignored", "reason": "terminal"}, nil
		}
		intent.Status = model.StatusRejected
		intent.UpdatedAt = time.Now().UTC()
		if err := s.store.UpsertIntent(r.Context(), *intent); err != nil {
			return nil, err
		}
		if _, err := s.log.Append(r.Context(), model.Event{
			Type:     model.EventIntentRejected,
			IntentID: intentID,
			TenantID: intent.TenantID,
			Payload:  map[string]any{"trigger": "merge_group_destroyed"},
		}); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true, "intent_id": intentID, "action": "rejected"}, nil
	}
	return map[string]any{"ok": true, "action": "ignored", "reason": "unknown_merge_group_action_" + action}, nil
}

// recordCommitLink persists the link and emits intent.linked_commit.
func (s *Server) recordCommitLink(r *http.Request, intentID, repo, sha, role, trigger, tenantID string) error {
	if err := s.store.RecordCommitLink(r.Context(), model.CommitLink{
		IntentID:   intentID,
		Repo:       repo,
		SHA:        sha,
		Role:       role,
		ObservedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	_, err := s.log.Append(r.Context(), model.Event{
		Type:     model.EventIntentLinkedCommit,
		IntentID: intentID,
		TenantID: tenantID,
		Payload:  map[string]any{"repo": repo, "sha": sha, "role": role, "trigger": trigger},
	})
	return err
}

// --- payload helpers ---

func obj(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func intVal(m map[string]any, key string) int {
	if f, ok := m[key].(float64); ok {
		return int(f)
	}
	return 0
}

func int64Val(m map[string]any, key string) int64 {
	if f, ok := m[key].(float64); ok {
		return int64(f)
	}
	return 0
}

func boolVal(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func splitRepoName(fullName string) (owner, repo string) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", fullName
}

func splitRepo(fullName string, number int) (string, string, int) {
	owner, repo := splitRepoName(fullName)
	return owner, repo, number
}
