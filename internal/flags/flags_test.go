package flags

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store/memstore"
)

func staticRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(Options{ConfigPath: filepath.Join(t.TempDir(), "flags.json")})
}

func TestDefaults(t *testing.T) {
	r := staticRegistry(t)

	assert.True(t, r.Enabled(SemanticConflicts))
	assert.Equal(t, ModeShadow, r.Mode(SemanticConflicts))
	assert.False(t, r.Enabled(CodeOwnership))
	assert.True(t, r.Enabled("some_future_flag"), "unknown flags degrade open")

	state, ok := r.Get(IntakeControl)
	require.True(t, ok)
	assert.Equal(t, "default", state.Source)
}

func TestEnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	raw, err := json.Marshal(map[string]any{
		SemanticConflicts: map[string]any{"enabled": false, "mode": "enforce"},
		ReviewTasks:       false,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	t.Setenv("CONVERGE_FF_SEMANTIC_CONFLICTS", "1")

	r := New(Options{ConfigPath: path})

	// Env wins on enabled; the config-file mode survives because the
	// env set no mode var.
	assert.True(t, r.Enabled(SemanticConflicts))
	assert.Equal(t, "enforce", r.Mode(SemanticConflicts))
	assert.False(t, r.Enabled(ReviewTasks))

	state, _ := r.Get(ReviewTasks)
	assert.Equal(t, "config", state.Source)
}

func TestStoreOverrideWinsAndSetPersists(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	log := eventlog.New(st, nil)
	require.NoError(t, st.UpsertFlag(ctx, model.FlagRecord{
		Name: CodeOwnership, Enabled: true,
	}))

	r := New(Options{
		Store: st, Log: log,
		ConfigPath: filepath.Join(t.TempDir(), "flags.json"),
	})
	assert.True(t, r.Enabled(CodeOwnership))

	enforce := ModeEnforce
	state, err := r.Set(ctx, SemanticConflicts, SetOptions{Mode: &enforce})
	require.NoError(t, err)
	assert.Equal(t, ModeEnforce, state.Mode)
	assert.True(t, state.Enabled)

	// A fresh registry sees the persisted override.
	again := New(Options{Store: st, ConfigPath: filepath.Join(t.TempDir(), "flags.json")})
	assert.Equal(t, ModeEnforce, again.Mode(SemanticConflicts))

	events, err := log.Query(ctx, model.EventQuery{Type: model.EventFeatureFlagChanged, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SemanticConflicts, events[0].Payload["flag"])
}

func TestSetUnknownFlagErrors(t *testing.T) {
	r := staticRegistry(t)
	on := true
	_, err := r.Set(context.Background(), "nope", SetOptions{Enabled: &on})
	require.Error(t, err)
}
