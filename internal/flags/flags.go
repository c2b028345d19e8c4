// Package flags is the feature flag registry. Precedence, lowest to
// highest: built-in defaults, JSON config file, environment
// (CONVERGE_FF_<NAME> and CONVERGE_FF_<NAME>_MODE), persisted store
// overrides. Runtime changes persist to the store and emit
// feature_flag.changed.
package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// Flag names used across the codebase.
const (
	IntentLinks         = "intent_links"
	ArchaeologyEnhanced = "archaeology_enhanced"
	IntentSemantics     = "intent_semantics"
	OriginPolicy        = "origin_policy"
	VerificationDebt    = "verification_debt"
	ReviewTasks         = "review_tasks"
	SecurityAdapters    = "security_adapters"
	IntakeControl       = "intake_control"
	SemanticConflicts   = "semantic_conflicts"
	PlanCoordination    = "plan_coordination"
	AuditChain          = "audit_chain"
	CodeOwnership       = "code_ownership"
)

// Mode values for gradual rollout.
const (
	ModeShadow  = "shadow"
	ModeEnforce = "enforce"
)

// DefaultConfigPath is checked when no explicit config path is set.
const DefaultConfigPath = ".converge/flags.json"

// State is the resolved value of one flag.
type State struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Mode        string `json:"mode,omitempty"`
	Description string `json:"description,omitempty"`
	// Source records where the winning value came from:
	// default, config, env, or store.
	Source string `json:"source"`
}

type definition struct {
	enabled     bool
	mode        string
	description string
}

var defaults = map[string]definition{
	IntentLinks:         {enabled: true, description: "Track commit-to-intent links"},
	ArchaeologyEnhanced: {enabled: true, description: "Git history hotspot and coupling analysis"},
	IntentSemantics:     {enabled: true, description: "Semantic embeddings and similarity"},
	OriginPolicy:        {enabled: true, description: "Origin-type policy overrides"},
	VerificationDebt:    {enabled: true, description: "Verification debt tracking"},
	ReviewTasks:         {enabled: true, description: "Human review task workflow"},
	SecurityAdapters:    {enabled: true, description: "Security scanner integration"},
	IntakeControl:       {enabled: true, description: "Adaptive intake throttling"},
	SemanticConflicts:   {enabled: true, mode: ModeShadow, description: "Semantic conflict detection"},
	PlanCoordination:    {enabled: true, description: "Plan-based dependency enforcement"},
	AuditChain:          {enabled: true, description: "Event tamper-evidence chain"},
	CodeOwnership:       {enabled: false, description: "Code-area ownership enforcement"},
}

// Registry resolves feature flags. Safe for concurrent use; the
// resolved table is rebuilt only by Reload and Set.
type Registry struct {
	store      store.FlagStore
	log        *eventlog.Log
	logger     *slog.Logger
	configPath string

	mu    sync.RWMutex
	flags map[string]State
}

// Options configures a Registry.
type Options struct {
	Store      store.FlagStore
	Log        *eventlog.Log
	Logger     *slog.Logger
	ConfigPath string
}

// New builds a registry and resolves all flags. Store and Log may be
// nil for a purely static (defaults + config + env) registry.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	r := &Registry{
		store:      opts.Store,
		log:        opts.Log,
		logger:     opts.Logger,
		configPath: opts.ConfigPath,
	}
	r.Reload(context.Background())
	return r
}

// Reload rebuilds the resolved table from every source.
func (r *Registry) Reload(ctx context.Context) {
	resolved := make(map[string]State, len(defaults))
	for name, def := range defaults {
		resolved[name] = State{
			Name:        name,
			Enabled:     def.enabled,
			Mode:        def.mode,
			Description: def.description,
			Source:      "default",
		}
	}

	r.applyConfigFile(resolved)
	r.applyEnv(resolved)
	r.applyStore(ctx, resolved)

	r.mu.Lock()
	r.flags = resolved
	r.mu.Unlock()
}

type fileFlag struct {
	Enabled *bool   `json:"enabled"`
	Mode    *string `json:"mode"`
}

func (r *Registry) applyConfigFile(resolved map[string]State) {
	raw, err := os.ReadFile(r.configPath)
	if err != nil {
		return
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw, &data); err != nil {
		r.logger.Warn("flag config unreadable", "path", r.configPath, "error", err)
		return
	}
	for name, msg := range data {
		state, ok := resolved[name]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(msg, &b); err == nil {
			state.Enabled = b
			state.Source = "config"
			resolved[name] = state
			continue
		}
		var f fileFlag
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		if f.Enabled != nil {
			state.Enabled = *f.Enabled
		}
		if f.Mode != nil {
			state.Mode = *f.Mode
		}
		state.Source = "config"
		resolved[name] = state
	}
}

func (r *Registry) applyEnv(resolved map[string]State) {
	for name, state := range resolved {
		key := "CONVERGE_FF_" + strings.ToUpper(name)
		if v, ok := os.LookupEnv(key); ok {
			state.Enabled = envTrue(v)
			state.Source = "env"
		}
		if v, ok := os.LookupEnv(key + "_MODE"); ok {
			state.Mode = v
			state.Source = "env"
		}
		resolved[name] = state
	}
}

func (r *Registry) applyStore(ctx context.Context, resolved map[string]State) {
	if r.store == nil {
		return
	}
	records, err := r.store.ListFlags(ctx)
	if err != nil {
		r.logger.Warn("flag overrides unavailable", "error", err)
		return
	}
	for _, rec := range records {
		state, ok := resolved[rec.Name]
		if !ok {
			continue
		}
		state.Enabled = rec.Enabled
		if rec.Mode != "" {
			state.Mode = rec.Mode
		}
		state.Source = "store"
		resolved[rec.Name] = state
	}
}

func envTrue(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Enabled reports whether a flag is on. Unknown flags are enabled, so
// new call sites degrade open until a default is registered.
func (r *Registry) Enabled(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	if !ok {
		return true
	}
	return state.Enabled
}

// Mode returns the rollout mode of a flag, empty when unset or unknown.
func (r *Registry) Mode(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.flags[name].Mode
}

// Get returns the resolved state of one flag.
func (r *Registry) Get(name string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.flags[name]
	return state, ok
}

// List returns all flags sorted by name.
func (r *Registry) List() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.flags))
	for _, s := range r.flags {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetOptions carries the mutable parts of a flag. Nil fields are left
// unchanged.
type SetOptions struct {
	Enabled *bool
	Mode    *string
}

// Set changes a flag at runtime, persists the override, and emits
// feature_flag.changed. Identical payloads are idempotent at the store
// level.
func (r *Registry) Set(ctx context.Context, name string, opts SetOptions) (State, error) {
	r.mu.Lock()
	state, ok := r.flags[name]
	if !ok {
		r.mu.Unlock()
		return State{}, fmt.Errorf("flags: unknown flag %q", name)
	}
	if opts.Enabled != nil {
		state.Enabled = *opts.Enabled
	}
	if opts.Mode != nil {
		state.Mode = *opts.Mode
	}
	state.Source = "store"
	r.flags[name] = state
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertFlag(ctx, model.FlagRecord{
			Name:      name,
			Enabled:   state.Enabled,
			Mode:      state.Mode,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return State{}, fmt.Errorf("flags: set %s: %w", name, err)
		}
	}
	if r.log != nil {
		if _, err := r.log.Append(ctx, model.Event{
			Type: model.EventFeatureFlagChanged,
			Payload: map[string]any{
				"flag":    name,
				"enabled": state.Enabled,
				"mode":    state.Mode,
			},
		}); err != nil {
			return State{}, err
		}
	}
	return state, nil
}
