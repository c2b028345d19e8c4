package review

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func newService(t *testing.T) (*Service, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	return New(st, log, nil), st, log
}

func seedIntent(t *testing.T, st *memstore.Store, id string, level model.RiskLevel) {
	t.Helper()
	require.NoError(t, st.UpsertIntent(context.Background(), model.Intent{
		ID: id, Status: model.StatusReady, RiskLevel: level, Priority: 3,
	}))
}

func TestRequestComputesSLA(t *testing.T) {
	s, st, log := newService(t)
	ctx := context.Background()
	seedIntent(t, st, "repo:pr-1", model.RiskCritical)

	task, err := s.Request(ctx, "repo:pr-1", RequestOptions{Trigger: model.TriggerPolicy})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPending, task.Status)
	assert.Equal(t, model.RiskCritical, task.RiskLevel)
	assert.Equal(t, 3, task.Priority, "priority inherited from intent")
	assert.WithinDuration(t, time.Now().Add(8*time.Hour), task.SLADeadline, time.Minute)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventReviewRequested, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRequestWithReviewerAssignsImmediately(t *testing.T) {
	s, st, log := newService(t)
	ctx := context.Background()
	seedIntent(t, st, "repo:pr-2", model.RiskLow)

	task, err := s.Request(ctx, "repo:pr-2", RequestOptions{Reviewer: "alex"})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewAssigned, task.Status)
	assert.WithinDuration(t, time.Now().Add(72*time.Hour), task.SLADeadline, time.Minute)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventReviewAssigned, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRequestUnknownIntent(t *testing.T) {
	s, _, _ := newService(t)

	_, err := s.Request(context.Background(), "nope", RequestOptions{})
	require.Error(t, err)
}

func TestAssignThenReassign(t *testing.T) {
	s, st, log := newService(t)
	ctx := context.Background()
	seedIntent(t, st, "repo:pr-3", model.RiskMedium)

	task, err := s.Request(ctx, "repo:pr-3", RequestOptions{})
	require.NoError(t, err)

	task, err = s.Assign(ctx, task.ID, "alex")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewAssigned, task.Status)

	_, err = s.Assign(ctx, task.ID, "sam")
	require.NoError(t, err)
	events, err := log.Query(ctx, model.EventQuery{Type: model.EventReviewReassigned, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alex", events[0].Payload["old_reviewer"])
}

func TestCompleteRejectsInvalidResolution(t *testing.T) {
	s, st, _ := newService(t)
	ctx := context.Background()
	seedIntent(t, st, "repo:pr-4", model.RiskMedium)
	task, err := s.Request(ctx, "repo:pr-4", RequestOptions{})
	require.NoError(t, err)

	_, err = s.Complete(ctx, task.ID, "maybe", "")
	require.Error(t, err)

	done, err := s.Complete(ctx, task.ID, model.ResolutionApproved, "lgtm")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = s.Complete(ctx, task.ID, model.ResolutionApproved, "")
	require.Error(t, err, "completed tasks cannot be completed again")
}

func TestCancelAndEscalate(t *testing.T) {
	s, st, log := newService(t)
	ctx := context.Background()
	seedIntent(t, st, "repo:pr-5", model.RiskHigh)

	t1, err := s.Request(ctx, "repo:pr-5", RequestOptions{})
	require.NoError(t, err)
	_, err = s.Cancel(ctx, t1.ID, "superseded")
	require.NoError(t, err)

	t2, err := s.Request(ctx, "repo:pr-5", RequestOptions{})
	require.NoError(t, err)
	esc, err := s.Escalate(ctx, t2.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewEscalated, esc.Status)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventReviewEscalated, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sla_breach", events[0].Payload["reason"])
}

func TestCheckSLABreaches(t *testing.T) {
	s, st, log := newService(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.UpsertReviewTask(ctx, model.ReviewTask{
		ID: "rev-late", IntentID: "repo:pr-6", Status: model.ReviewPending,
		RiskLevel: model.RiskHigh, SLADeadline: past,
	}))
	require.NoError(t, st.UpsertReviewTask(ctx, model.ReviewTask{
		ID: "rev-ok", IntentID: "repo:pr-7", Status: model.ReviewAssigned,
		RiskLevel: model.RiskLow, SLADeadline: time.Now().UTC().Add(time.Hour),
	}))

	breaches, err := s.CheckSLABreaches(ctx, "")
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, "rev-late", breaches[0].TaskID)

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventReviewSLABreach, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIntentGate(t *testing.T) {
	s, st, _ := newService(t)
	ctx := context.Background()
	seedIntent(t, st, "repo:pr-8", model.RiskMedium)

	state, err := s.IntentGate(ctx, "repo:pr-8")
	require.NoError(t, err)
	assert.Equal(t, GateNone, state)

	task, err := s.Request(ctx, "repo:pr-8", RequestOptions{})
	require.NoError(t, err)
	state, err = s.IntentGate(ctx, "repo:pr-8")
	require.NoError(t, err)
	assert.Equal(t, GateOpen, state)

	_, err = s.Complete(ctx, task.ID, model.ResolutionRejected, "")
	require.NoError(t, err)
	state, err = s.IntentGate(ctx, "repo:pr-8")
	require.NoError(t, err)
	assert.Equal(t, GateRejected, state)

	task2, err := s.Request(ctx, "repo:pr-8", RequestOptions{})
	require.NoError(t, err)
	_, err = s.Complete(ctx, task2.ID, model.ResolutionApproved, "")
	require.NoError(t, err)
	state, err = s.IntentGate(ctx, "repo:pr-8")
	require.NoError(t, err)
	assert.Equal(t, GateApproved, state)
}

func TestSummary(t *testing.T) {
	s, st, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertReviewTask(ctx, model.ReviewTask{
		ID: "rev-1", IntentID: "a", Status: model.ReviewAssigned, Reviewer: "alex",
		SLADeadline: time.Now().UTC().Add(-time.Minute),
	}))
	require.NoError(t, st.UpsertReviewTask(ctx, model.ReviewTask{
		ID: "rev-2", IntentID: "b", Status: model.ReviewCompleted, Resolution: model.ResolutionApproved,
	}))

	sum, err := s.SummaryFor(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.ByStatus["assigned"])
	assert.Equal(t, 1, sum.ByReviewer["alex"])
	assert.Equal(t, 1, sum.SLABreached)
}
