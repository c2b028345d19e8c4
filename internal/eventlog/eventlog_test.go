package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func TestAppendAssignsIdentifiers(t *testing.T) {
	log := New(memstore.New(), nil)

	e, err := log.Append(context.Background(), model.Event{
		Type:     model.EventIntentValidated,
		IntentID: "repo:pr-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.TraceID)
	assert.False(t, e.Timestamp.IsZero())
}

func TestAppendRequiresEventType(t *testing.T) {
	log := New(memstore.New(), nil)

	_, err := log.Append(context.Background(), model.Event{})
	require.Error(t, err)
}

func TestAppendAdvancesChain(t *testing.T) {
	st := memstore.New()
	log := New(st, nil)
	ctx := context.Background()

	_, err := log.Append(ctx, model.Event{Type: model.EventIntentValidated, IntentID: "a"})
	require.NoError(t, err)
	cs1, err := st.GetChainState(ctx, DefaultChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cs1.EventCount)
	assert.NotEmpty(t, cs1.LastHash)

	_, err = log.Append(ctx, model.Event{Type: model.EventIntentBlocked, IntentID: "b"})
	require.NoError(t, err)
	cs2, err := st.GetChainState(ctx, DefaultChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cs2.EventCount)
	assert.NotEqual(t, cs1.LastHash, cs2.LastHash)
}

func TestVerifyChain(t *testing.T) {
	st := memstore.New()
	log := New(st, nil)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := log.Append(ctx, model.Event{
			Type:      model.EventQueueProcessed,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	ok, err := log.VerifyChain(ctx, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampering with the stored head must be detected.
	cs, err := st.GetChainState(ctx, DefaultChainID)
	require.NoError(t, err)
	cs.LastHash = "0000"
	require.NoError(t, st.UpsertChainState(ctx, *cs))

	ok, err = log.VerifyChain(ctx, 100)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyChainRejectsShortLimit(t *testing.T) {
	st := memstore.New()
	log := New(st, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, model.Event{Type: model.EventQueueProcessed})
		require.NoError(t, err)
	}

	_, err := log.VerifyChain(ctx, 2)
	require.Error(t, err)
}

func TestCountWhitelist(t *testing.T) {
	log := New(memstore.New(), nil)
	ctx := context.Background()

	_, err := log.Append(ctx, model.Event{Type: model.EventIntentValidated, IntentID: "x", TenantID: "t1"})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.Event{Type: model.EventIntentBlocked, IntentID: "x", TenantID: "t1"})
	require.NoError(t, err)

	n, err := log.Count(ctx, map[string]string{"event_type": "intent.validated", "tenant_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = log.Count(ctx, map[string]string{"payload": "x"})
	require.Error(t, err)

	_, err = log.Count(ctx, map[string]string{"timestamp; DROP TABLE events": "x"})
	require.Error(t, err)
}

func TestPruneEventsDryRun(t *testing.T) {
	st := memstore.New()
	log := New(st, nil)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	_, err := log.Append(ctx, model.Event{Type: model.EventQueueProcessed, Timestamp: old})
	require.NoError(t, err)
	_, err = log.Append(ctx, model.Event{Type: model.EventQueueProcessed})
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	n, err := log.PruneEvents(ctx, cutoff, "", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Dry run must not delete anything.
	total, err := log.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	n, err = log.PruneEvents(ctx, cutoff, "", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	total, err = log.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestTraceIDPin(t *testing.T) {
	t.Setenv("CONVERGE_TRACE_ID", "trace-pinned")
	assert.Equal(t, "trace-pinned", NewTraceID())
}
