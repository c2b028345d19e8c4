package intake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/projections"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func newController(t *testing.T) (*Controller, *memstore.Store, *eventlog.Log) {
	t.Helper()
	st := memstore.New()
	log := eventlog.New(st, nil)
	proj := projections.New(st, log, nil)
	return New(st, log, proj, policy.DefaultConfig().Intake, nil), st, log
}

func lastIntakeEvent(t *testing.T, log *eventlog.Log, etype model.EventType) model.Event {
	t.Helper()
	events, err := log.Query(context.Background(), model.EventQuery{Type: etype, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

func TestEvaluateOpenAcceptsAll(t *testing.T) {
	c, _, log := newController(t)

	d, err := c.Evaluate(context.Background(), model.Intent{ID: "repo:pr-1", RiskLevel: model.RiskLow})
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, model.IntakeOpen, d.Mode)

	e := lastIntakeEvent(t, log, model.EventIntakeAccepted)
	assert.Equal(t, "repo:pr-1", e.IntentID)
	assert.Equal(t, true, e.Payload["accepted"])
}

func TestEvaluatePauseOnlyCritical(t *testing.T) {
	c, _, log := newController(t)
	ctx := context.Background()
	require.NoError(t, c.SetMode(ctx, "", "pause", "operator", "incident"))

	d, err := c.Evaluate(ctx, model.Intent{ID: "repo:pr-2", RiskLevel: model.RiskMedium})
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	lastIntakeEvent(t, log, model.EventIntakeRejected)

	d, err = c.Evaluate(ctx, model.Intent{ID: "repo:pr-3", RiskLevel: model.RiskCritical})
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, model.IntakePause, d.Mode)
}

func TestEvaluateThrottleBucketing(t *testing.T) {
	c, _, log := newController(t)
	ctx := context.Background()
	require.NoError(t, c.SetMode(ctx, "", "throttle", "operator", "load shedding"))

	intent := model.Intent{ID: "repo:pr-4", RiskLevel: model.RiskLow}
	bucket := policy.RolloutBucket(intent.ID)

	d, err := c.Evaluate(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, model.IntakeThrottle, d.Mode)
	assert.Equal(t, bucket < 0.5, d.Accepted)
	if !d.Accepted {
		e := lastIntakeEvent(t, log, model.EventIntakeThrottled)
		assert.Equal(t, intent.ID, e.IntentID)
	}

	// Same intent always lands in the same bucket.
	d2, err := c.Evaluate(ctx, intent)
	require.NoError(t, err)
	assert.Equal(t, d.Accepted, d2.Accepted)
}

func TestAutoModeDegradedHealthThrottles(t *testing.T) {
	c, _, log := newController(t)
	ctx := context.Background()

	// One conflicted simulation (-30) plus entropy 40 (-20) puts health
	// at 50, inside the throttle band.
	_, err := log.Append(ctx, model.Event{Type: model.EventSimulationCompleted, Payload: map[string]any{"mergeable": false}})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.Event{Type: model.EventRiskEvaluated, Payload: map[string]any{"entropy_score": 40.0}})
	require.NoError(t, err)

	mode, signals, err := c.resolveMode(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.IntakeThrottle, mode)
	assert.Equal(t, 50.0, signals["effective_score"])
	assert.Equal(t, model.IntakeThrottle, signals["auto_mode"])
}

func TestSetModeEmitsModeChanged(t *testing.T) {
	c, st, log := newController(t)
	ctx := context.Background()

	require.NoError(t, c.SetMode(ctx, "acme", "pause", "sre", "db incident"))
	override, err := st.GetIntakeOverride(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, model.IntakePause, override.Mode)

	e := lastIntakeEvent(t, log, model.EventIntakeModeChanged)
	assert.Equal(t, "pause", e.Payload["mode"])
	assert.Equal(t, "sre", e.Payload["set_by"])

	require.NoError(t, c.SetMode(ctx, "acme", "auto", "sre", ""))
	e = lastIntakeEvent(t, log, model.EventIntakeModeChanged)
	assert.Equal(t, "auto", e.Payload["mode"])
	assert.Equal(t, true, e.Payload["previous_override"])
}

func TestSetModeRejectsUnknown(t *testing.T) {
	c, _, _ := newController(t)

	err := c.SetMode(context.Background(), "", "closed", "", "")
	require.Error(t, err)
}

func TestStatusReportsOverride(t *testing.T) {
	c, _, _ := newController(t)
	ctx := context.Background()

	status, err := c.Status(ctx, "")
	require.NoError(t, err)
	assert.False(t, status.ManualOverride)
	assert.Equal(t, model.IntakeOpen, status.Mode)

	require.NoError(t, c.SetMode(ctx, "", "throttle", "", ""))
	status, err = c.Status(ctx, "")
	require.NoError(t, err)
	assert.True(t, status.ManualOverride)
	assert.Equal(t, model.IntakeThrottle, status.Mode)
	assert.Equal(t, model.IntakeOpen, status.AutoMode)
}
