package converge

import (
	"context"
	"time"
)

// The extension interfaces below are standalone: they reference no
// internal types, so embedders can implement them without importing
// anything beyond this package. Adapters in adapters.go bridge them to
// the internal ports.

// EmbeddingProvider turns text into a fixed-dimension vector for
// semantic indexing. Implementations must be deterministic per model
// name: stored vectors are compared across processes and restarts.
type EmbeddingProvider interface {
	ModelName() string
	Dimension() int
	Embed(text string) ([]float32, error)
}

// Simulation is the outcome of a dry-run merge.
type Simulation struct {
	Source       string
	Target       string
	Mergeable    bool
	Conflicts    []string
	FilesChanged []string
	BaseSHA      string
}

// LogEntry is one commit from repository history.
type LogEntry struct {
	SHA       string
	Author    string
	Timestamp time.Time
	Message   string
	Files     []string
}

// SCM is the version control port. SimulateMerge must be pure;
// ExecuteMerge either advances the target ref and returns the merge sha
// or leaves the repository untouched.
type SCM interface {
	SimulateMerge(ctx context.Context, source, target, cwd string) (*Simulation, error)
	ExecuteMerge(ctx context.Context, source, target, cwd string) (string, error)
	LogEntries(ctx context.Context, maxCommits int, cwd string) ([]LogEntry, error)
}
