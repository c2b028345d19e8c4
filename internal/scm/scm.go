// Package scm abstracts the version control system. The engine only
// depends on the three operations below; the git CLI implementation
// lives in this package, and tests substitute a fake.
package scm

import (
	"context"
	"time"
)

// Simulation is the outcome of a dry-run merge. It never reflects a
// mutation of the repository.
type Simulation struct {
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Mergeable    bool     `json:"mergeable"`
	Conflicts    []string `json:"conflicts,omitempty"`
	FilesChanged []string `json:"files_changed,omitempty"`
	BaseSHA      string   `json:"base_sha,omitempty"`
}

// LogEntry is one commit from repository history, used by the
// archaeology analytics.
type LogEntry struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Files     []string  `json:"files,omitempty"`
}

// SCM is the version control port.
//
// SimulateMerge must be pure: repeated calls with an unchanged
// repository yield the same result and never move refs. ExecuteMerge is
// atomic: it either advances the target ref and returns the merge sha,
// or fails leaving the repository as it was.
type SCM interface {
	SimulateMerge(ctx context.Context, source, target, cwd string) (*Simulation, error)
	ExecuteMerge(ctx context.Context, source, target, cwd string) (string, error)
	LogEntries(ctx context.Context, maxCommits int, cwd string) ([]LogEntry, error)
}
