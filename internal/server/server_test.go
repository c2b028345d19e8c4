package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/engine"
	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/intake"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/projections"
	"github.com/ghmbegerez/converge/internal/review"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

const testSecret = "topsecret"

type stubSCM struct{}

func (stubSCM) SimulateMerge(_ context.Context, source, target, _ string) (*scm.Simulation, error) {
	return &scm.Simulation{Mergeable: true, Source: source, Target: target, BaseSHA: "base1"}, nil
}

func (stubSCM) ExecuteMerge(_ context.Context, _, _, _ string) (string, error) {
	return "merge1", nil
}

func (stubSCM) LogEntries(_ context.Context, _ int, _ string) ([]scm.LogEntry, error) {
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	proj := projections.New(st, log, nil)
	cfg := policy.DefaultConfig()
	eng := engine.New(engine.Options{
		Store: st, Log: log, Config: cfg, SCM: stubSCM{}, PID: 7,
	})
	reviews := review.New(st, log, nil)
	ic := intake.New(st, log, proj, cfg.Intake, nil)

	keys, err := ParseKeyRegistry(
		"viewkey:viewer:vi,opkey:operator:op,adminkey:admin:root", "")
	require.NoError(t, err)

	return New(Config{
		Store: st, Log: log, Engine: eng, Intake: ic,
		Reviews: reviews, Proj: proj,
		Keys: keys, AuthRequired: true,
		WebhookSecret: testSecret,
		Version:       "test",
	}), st, log
}

func doJSON(t *testing.T, srv *Server, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
}

func TestAPIRejectsMissingKey(t *testing.T) {
	srv, _, log := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/intents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	denied, err := log.Query(context.Background(), model.EventQuery{
		Type: model.EventAccessDenied, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "/api/intents", denied[0].Payload["path"])
}

func TestRoleEnforcement(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/queue/process", "viewkey", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/queue/process", "opkey", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/queue/reset", "opkey", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateIntentThroughAPI(t *testing.T) {
	srv, st, log := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/intents", "opkey", map[string]any{
		"id": "acme/app:pr-9", "source": "feature/x",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	intent, err := st.GetIntent(context.Background(), "acme/app:pr-9")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, intent.Status)
	assert.Equal(t, "main", intent.Target)
	assert.Equal(t, "op", intent.CreatedBy)

	created, err := log.Query(context.Background(), model.EventQuery{
		Type: model.EventIntentCreated, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestValidateEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIntent(ctx, model.Intent{
		ID: "i-1", Source: "feature/x", Target: "main",
		Status: model.StatusReady, RiskLevel: model.RiskLow,
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/intents/i-1/validate", "opkey",
		map[string]any{"skip_checks": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, engine.DecisionValidated, d.Decision)
}

func TestGetIntentNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/api/intents/nope", "viewkey", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- webhook tests ---

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, srv *Server, ghEvent, deliveryID string, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/integrations/github/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signBody(body))
	req.Header.Set("X-Github-Event", ghEvent)
	req.Header.Set("X-Github-Delivery", deliveryID)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func prPayload(action string) map[string]any {
	return map[string]any{
		"action": action,
		"pull_request": map[string]any{
			"number": 42,
			"title":  "Fix invoice dedupe",
			"head":   map[string]any{"ref": "feature/dedupe", "sha": "abc123"},
			"base":   map[string]any{"ref": "main", "sha": "def456"},
		},
		"repository": map[string]any{"full_name": "acme/app"},
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(prPayload("opened"))
	req := httptest.NewRequest(http.MethodPost, "/integrations/github/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	req.Header.Set("X-Github-Event", "pull_request")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookPROpenedCreatesIntent(t *testing.T) {
	srv, st, log := newTestServer(t)
	ctx := context.Background()

	rec := postWebhook(t, srv, "pull_request", "d-1", prPayload("opened"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	intent, err := st.GetIntent(ctx, "acme/app:pr-42")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, intent.Status)
	assert.Equal(t, model.OriginIntegration, intent.Origin)
	assert.Equal(t, "acme/app", intent.Technical.Repo)
	assert.Equal(t, "abc123", intent.Technical.InitialBaseCommit)

	links, err := st.ListCommitLinks(ctx, "acme/app:pr-42")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, model.CommitRoleHead, links[0].Role)

	received, err := log.Query(ctx, model.EventQuery{Type: model.EventWebhookReceived, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, received, 1)
}

func TestWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	srv, _, log := newTestServer(t)

	rec := postWebhook(t, srv, "pull_request", "d-7", prPayload("opened"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postWebhook(t, srv, "pull_request", "d-7", prPayload("opened"))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])

	created, err := log.Query(context.Background(), model.EventQuery{
		Type: model.EventIntentCreated, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

func TestWebhookPRClosedMerged(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	postWebhook(t, srv, "pull_request", "d-1", prPayload("opened"))

	closed := prPayload("closed")
	pr := closed["pull_request"].(map[string]any)
	pr["merged"] = true
	pr["merge_commit_sha"] = "merge789"
	rec := postWebhook(t, srv, "pull_request", "d-2", closed)
	require.Equal(t, http.StatusOK, rec.Code)

	intent, err := st.GetIntent(ctx, "acme/app:pr-42")
	require.NoError(t, err)
	assert.Equal(t, model.StatusMerged, intent.Status)

	links, err := st.ListCommitLinks(ctx, "acme/app:pr-42")
	require.NoError(t, err)
	roles := map[string]bool{}
	for _, l := range links {
		roles[l.Role] = true
	}
	assert.True(t, roles[model.CommitRoleMerge])
}

func TestWebhookPushResetsValidatedIntent(t *testing.T) {
	srv, st, log := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIntent(ctx, model.Intent{
		ID: "acme/app:pr-5", Source: "feature/dedupe", Target: "main",
		Status: model.StatusValidated, RiskLevel: model.RiskLow,
		Technical: model.Technical{Repo: "acme/app"},
	}))

	rec := postWebhook(t, srv, "push", "d-9", map[string]any{
		"ref":        "refs/heads/feature/dedupe",
		"after":      "newsha",
		"repository": map[string]any{"full_name": "acme/app"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	intent, err := st.GetIntent(ctx, "acme/app:pr-5")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, intent.Status)
	assert.Equal(t, "newsha", intent.Technical.InitialBaseCommit)

	requeued, err := log.Query(ctx, model.EventQuery{Type: model.EventIntentRequeued, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, requeued, 1)
}

func TestWebhookPushIgnoresOtherRepos(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertIntent(ctx, model.Intent{
		ID: "other/app:pr-5", Source: "feature/dedupe", Target: "main",
		Status: model.StatusValidated, RiskLevel: model.RiskLow,
		Technical: model.Technical{Repo: "other/app"},
	}))

	postWebhook(t, srv, "push", "d-9", map[string]any{
		"ref":        "refs/heads/feature/dedupe",
		"after":      "newsha",
		"repository": map[string]any{"full_name": "acme/app"},
	})

	intent, err := st.GetIntent(ctx, "other/app:pr-5")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, intent.Status)
}

func TestWebhookMergeGroup(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	rec := postWebhook(t, srv, "merge_group", "d-3", map[string]any{
		"action": "checks_requested",
		"merge_group": map[string]any{
			"head_sha": "cafebabe12345678",
			"head_ref": "refs/heads/gh-readonly-queue/main/pr-42",
			"base_ref": "refs/heads/main",
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	intent, err := st.GetIntent(ctx, "acme/app:mg-cafebabe1234")
	require.NoError(t, err)
	assert.Equal(t, "main", intent.Target)
	assert.Equal(t, "github-merge-queue", intent.CreatedBy)

	rec = postWebhook(t, srv, "merge_group", "d-4", map[string]any{
		"action": "destroyed",
		"merge_group": map[string]any{
			"head_sha": "cafebabe12345678",
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	intent, err = st.GetIntent(ctx, "acme/app:mg-cafebabe1234")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, intent.Status)
}
