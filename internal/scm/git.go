package scm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Git runs the git CLI against a local repository.
type Git struct {
	logger *slog.Logger
	// timeout bounds every git subprocess.
	timeout time.Duration
}

var _ SCM = (*Git)(nil)

// NewGit returns a CLI-backed SCM.
func NewGit(logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	return &Git{logger: logger, timeout: 2 * time.Minute}
}

func (g *Git) run(ctx context.Context, cwd string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = cwd
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("scm: git %s: %w: %s",
			args[0], err, firstLine(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// SimulateMerge dry-runs the merge of source into target inside a
// throwaway worktree, so the caller's working tree is never touched.
func (g *Git) SimulateMerge(ctx context.Context, source, target, cwd string) (*Simulation, error) {
	sim := &Simulation{Source: source, Target: target}

	base, err := g.run(ctx, cwd, "rev-parse", target)
	if err != nil {
		return nil, err
	}
	sim.BaseSHA = base

	wt, err := os.MkdirTemp("", "converge-sim-*")
	if err != nil {
		return nil, fmt.Errorf("scm: create worktree dir: %w", err)
	}
	wtPath := filepath.Join(wt, "repo")
	defer os.RemoveAll(wt)

	if _, err := g.run(ctx, cwd, "worktree", "add", "--detach", wtPath, target); err != nil {
		return nil, err
	}
	defer func() {
		if _, rmErr := g.run(context.WithoutCancel(ctx), cwd, "worktree", "remove", "--force", wtPath); rmErr != nil {
			g.logger.Warn("worktree cleanup failed", "path", wtPath, "error", rmErr)
		}
	}()

	changed, err := g.run(ctx, cwd, "diff", "--name-only", target+"..."+source)
	if err != nil {
		return nil, err
	}
	sim.FilesChanged = splitLines(changed)

	if _, err := g.run(ctx, wtPath, "merge", "--no-commit", "--no-ff", source); err != nil {
		conflicts, cErr := g.run(ctx, wtPath, "diff", "--name-only", "--diff-filter=U")
		if cErr == nil {
			sim.Conflicts = splitLines(conflicts)
		}
		_, _ = g.run(ctx, wtPath, "merge", "--abort")
		sim.Mergeable = false
		return sim, nil
	}
	_, _ = g.run(ctx, wtPath, "merge", "--abort")
	sim.Mergeable = true
	return sim, nil
}

// ExecuteMerge merges source into target and returns the merge commit
// sha. On any failure the merge is aborted, leaving target unchanged.
func (g *Git) ExecuteMerge(ctx context.Context, source, target, cwd string) (string, error) {
	if _, err := g.run(ctx, cwd, "checkout", target); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, cwd, "merge", "--no-ff", "--no-edit", source); err != nil {
		_, _ = g.run(context.WithoutCancel(ctx), cwd, "merge", "--abort")
		return "", err
	}
	sha, err := g.run(ctx, cwd, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return sha, nil
}

// logRecordSep separates commits in LogEntries output.
const logRecordSep = "\x1e"

// LogEntries reads up to maxCommits of history with per-commit file
// lists, newest first.
func (g *Git) LogEntries(ctx context.Context, maxCommits int, cwd string) ([]LogEntry, error) {
	if maxCommits <= 0 {
		maxCommits = 200
	}
	out, err := g.run(ctx, cwd, "log", "-n", strconv.Itoa(maxCommits),
		"--pretty=format:"+logRecordSep+"%H%x1f%an%x1f%ct%x1f%s", "--name-only")
	if err != nil {
		return nil, err
	}

	var entries []LogEntry
	for _, record := range strings.Split(out, logRecordSep) {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		lines := strings.Split(record, "\n")
		fields := strings.Split(lines[0], "\x1f")
		if len(fields) != 4 {
			continue
		}
		epoch, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		entry := LogEntry{
			SHA:       fields[0],
			Author:    fields[1],
			Timestamp: time.Unix(epoch, 0).UTC(),
			Message:   fields[3],
		}
		for _, f := range lines[1:] {
			if f = strings.TrimSpace(f); f != "" {
				entry.Files = append(entry.Files, f)
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
