package converge

import (
	"context"

	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/semantic"
)

// scmAdapter bridges the public SCM interface to the internal port.
type scmAdapter struct {
	s SCM
}

var _ scm.SCM = (*scmAdapter)(nil)

func (a *scmAdapter) SimulateMerge(ctx context.Context, source, target, cwd string) (*scm.Simulation, error) {
	sim, err := a.s.SimulateMerge(ctx, source, target, cwd)
	if err != nil {
		return nil, err
	}
	return &scm.Simulation{
		Source:       sim.Source,
		Target:       sim.Target,
		Mergeable:    sim.Mergeable,
		Conflicts:    sim.Conflicts,
		FilesChanged: sim.FilesChanged,
		BaseSHA:      sim.BaseSHA,
	}, nil
}

func (a *scmAdapter) ExecuteMerge(ctx context.Context, source, target, cwd string) (string, error) {
	return a.s.ExecuteMerge(ctx, source, target, cwd)
}

func (a *scmAdapter) LogEntries(ctx context.Context, maxCommits int, cwd string) ([]scm.LogEntry, error) {
	entries, err := a.s.LogEntries(ctx, maxCommits, cwd)
	if err != nil {
		return nil, err
	}
	out := make([]scm.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = scm.LogEntry{
			SHA:       e.SHA,
			Author:    e.Author,
			Timestamp: e.Timestamp,
			Message:   e.Message,
			Files:     e.Files,
		}
	}
	return out, nil
}

// providerAdapter bridges the public EmbeddingProvider to the internal
// semantic port. The shapes match; the indirection keeps internal types
// out of the public API.
type providerAdapter struct {
	p EmbeddingProvider
}

var _ semantic.Provider = (*providerAdapter)(nil)

func (a *providerAdapter) ModelName() string                { return a.p.ModelName() }
func (a *providerAdapter) Dimension() int                   { return a.p.Dimension() }
func (a *providerAdapter) Embed(text string) ([]float32, error) { return a.p.Embed(text) }
