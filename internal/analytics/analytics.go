// Package analytics holds the on-demand analytical capabilities:
// archaeology over git history (hotspots, co-change coupling, bus
// factor), policy calibration from historical risk scores, and the
// decision-dataset export. Everything here reads; the only writes are
// snapshot files and the events recording that an analysis ran.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/policy"
	"github.com/ghmbegerez/converge/internal/risk"
	"github.com/ghmbegerez/converge/internal/scm"
	"github.com/ghmbegerez/converge/internal/store"
)

const (
	DefaultMaxCommits   = 400
	DefaultSnapshotPath = ".converge/archaeology_snapshot.json"

	reportTopN              = 20
	busFactorThreshold      = 0.05
	hotspotChangeThreshold  = 10
	couplingMinCoChanges    = 2
	couplingTopN            = 50
	quickCouplingMaxCommits = 200
	calibrationQueryLimit   = 10000
	linkedIntentLimit       = 1000
)

// Hotspot is a frequently changed file.
type Hotspot struct {
	File    string `json:"file"`
	Changes int    `json:"changes"`
}

// CouplingStat records how often two files changed in the same commit.
type CouplingStat struct {
	FileA     string `json:"file_a"`
	FileB     string `json:"file_b"`
	CoChanges int    `json:"co_changes"`
	Source    string `json:"source,omitempty"`
}

// AuthorStat summarizes one author's footprint in the analyzed window.
type AuthorStat struct {
	Author       string `json:"author"`
	Commits      int    `json:"commits"`
	FilesTouched int    `json:"files_touched"`
}

// Report is the archaeology result.
type Report struct {
	CommitsAnalyzed int            `json:"commits_analyzed"`
	Hotspots        []Hotspot      `json:"hotspots"`
	Coupling        []CouplingStat `json:"coupling"`
	Authors         []AuthorStat   `json:"authors"`
	BusFactor       int            `json:"bus_factor"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Service runs the analyses.
type Service struct {
	store        store.Store
	log          *eventlog.Log
	scm          scm.SCM
	cfg          policy.Config
	logger       *slog.Logger
	snapshotPath string
}

// New builds an analytics service. A nil logger uses slog.Default.
func New(st store.Store, log *eventlog.Log, vcs scm.SCM, cfg policy.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        st,
		log:          log,
		scm:          vcs,
		cfg:          cfg,
		logger:       logger,
		snapshotPath: DefaultSnapshotPath,
	}
}

// WithSnapshotPath overrides the archaeology snapshot location.
func (s *Service) WithSnapshotPath(path string) *Service {
	s.snapshotPath = path
	return s
}

// ErrNoHistory is returned when the repository has no analyzable log.
var ErrNoHistory = errors.New("analytics: no git history available")

// Archaeology analyzes git history for hotspots, coupling, author
// distribution, and bus factor.
func (s *Service) Archaeology(ctx context.Context, maxCommits int, cwd string) (*Report, error) {
	if maxCommits <= 0 {
		maxCommits = DefaultMaxCommits
	}
	entries, err := s.scm.LogEntries(ctx, maxCommits, cwd)
	if err != nil {
		return nil, fmt.Errorf("analytics: archaeology: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNoHistory
	}

	fileChanges := map[string]int{}
	authorCommits := map[string]int{}
	authorFiles := map[string]map[string]struct{}{}
	for _, e := range entries {
		authorCommits[e.Author]++
		if authorFiles[e.Author] == nil {
			authorFiles[e.Author] = map[string]struct{}{}
		}
		for _, f := range e.Files {
			fileChanges[f]++
			authorFiles[e.Author][f] = struct{}{}
		}
	}

	hotspots := make([]Hotspot, 0, len(fileChanges))
	for f, c := range fileChanges {
		hotspots = append(hotspots, Hotspot{File: f, Changes: c})
	}
	sort.Slice(hotspots, func(i, j int) bool {
		if hotspots[i].Changes != hotspots[j].Changes {
			return hotspots[i].Changes > hotspots[j].Changes
		}
		return hotspots[i].File < hotspots[j].File
	})
	if len(hotspots) > reportTopN {
		hotspots = hotspots[:reportTopN]
	}

	coupling := topCoupling(computeCoupling(entries), reportTopN, 1)

	authors := make([]AuthorStat, 0, len(authorCommits))
	for a, c := range authorCommits {
		authors = append(authors, AuthorStat{Author: a, Commits: c, FilesTouched: len(authorFiles[a])})
	}
	sort.Slice(authors, func(i, j int) bool {
		if authors[i].Commits != authors[j].Commits {
			return authors[i].Commits > authors[j].Commits
		}
		return authors[i].Author < authors[j].Author
	})
	if len(authors) > reportTopN {
		authors = authors[:reportTopN]
	}

	// Bus factor: authors carrying at least 5% of the analyzed commits.
	significant := 0
	for _, c := range authorCommits {
		if float64(c) >= float64(len(entries))*busFactorThreshold {
			significant++
		}
	}
	if significant < 1 {
		significant = 1
	}

	return &Report{
		CommitsAnalyzed: len(entries),
		Hotspots:        hotspots,
		Coupling:        coupling,
		Authors:         authors,
		BusFactor:       significant,
		Timestamp:       time.Now().UTC(),
	}, nil
}

// SaveSnapshot persists the report for later CouplingPairs/HotspotSet
// lookups without re-walking the log.
func (s *Service) SaveSnapshot(report *Report) (string, error) {
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o755); err != nil {
		return "", fmt.Errorf("analytics: save snapshot: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("analytics: save snapshot: %w", err)
	}
	if err := os.WriteFile(s.snapshotPath, data, 0o644); err != nil {
		return "", fmt.Errorf("analytics: save snapshot: %w", err)
	}
	return s.snapshotPath, nil
}

func (s *Service) loadSnapshot() *Report {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return nil
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Warn("archaeology snapshot unreadable", "path", s.snapshotPath, "error", err)
		return nil
	}
	return &r
}

// RefreshResult reports a snapshot regeneration with basic integrity
// validation.
type RefreshResult struct {
	Valid           bool      `json:"valid"`
	Path            string    `json:"path,omitempty"`
	CommitsAnalyzed int       `json:"commits_analyzed"`
	HotspotCount    int       `json:"hotspot_count"`
	CouplingCount   int       `json:"coupling_count"`
	AuthorCount     int       `json:"author_count"`
	BusFactor       int       `json:"bus_factor"`
	Issues          []string  `json:"issues,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// RefreshSnapshot regenerates the snapshot and validates its counters.
// Empty coupling is legitimate for small repositories and is not an
// issue.
func (s *Service) RefreshSnapshot(ctx context.Context, maxCommits int, cwd string) (*RefreshResult, error) {
	report, err := s.Archaeology(ctx, maxCommits, cwd)
	if err != nil {
		return nil, err
	}
	path, err := s.SaveSnapshot(report)
	if err != nil {
		return nil, err
	}

	var issues []string
	if report.CommitsAnalyzed == 0 {
		issues = append(issues, "zero commits analyzed")
	}
	if len(report.Hotspots) == 0 {
		issues = append(issues, "no hotspots found")
	}
	if len(report.Authors) == 0 {
		issues = append(issues, "no authors found")
	}
	if report.BusFactor == 0 {
		issues = append(issues, "bus factor is zero")
	}

	return &RefreshResult{
		Valid:           len(issues) == 0,
		Path:            path,
		CommitsAnalyzed: report.CommitsAnalyzed,
		HotspotCount:    len(report.Hotspots),
		CouplingCount:   len(report.Coupling),
		AuthorCount:     len(report.Authors),
		BusFactor:       report.BusFactor,
		Issues:          issues,
		Timestamp:       report.Timestamp,
	}, nil
}

// CouplingPairs feeds historical co-change data into risk evaluation.
// Preference order: cached snapshot, then a quick pass over recent
// commits; either way the result is enriched with coupling implied by
// commit-linked intents. Errors degrade to empty data, never block
// validation.
func (s *Service) CouplingPairs(ctx context.Context, cwd string) ([]risk.CouplingPair, error) {
	var stats []CouplingStat
	if snap := s.loadSnapshot(); snap != nil {
		stats = snap.Coupling
	} else {
		entries, err := s.scm.LogEntries(ctx, quickCouplingMaxCommits, cwd)
		if err != nil {
			s.logger.Warn("quick coupling pass failed", "error", err)
		} else {
			stats = topCoupling(computeCoupling(entries), couplingTopN, couplingMinCoChanges)
		}
	}

	linked, err := s.couplingFromLinks(ctx)
	if err != nil {
		s.logger.Warn("link-based coupling unavailable", "error", err)
	} else if len(linked) > 0 {
		stats = mergeCoupling(stats, linked)
	}

	pairs := make([]risk.CouplingPair, 0, len(stats))
	for _, c := range stats {
		pairs = append(pairs, risk.CouplingPair{A: c.FileA, B: c.FileB, CoChanges: c.CoChanges})
	}
	return pairs, nil
}

// couplingFromLinks derives coupling from intents with recorded commit
// links: scope hints shared by linked intents imply co-change.
func (s *Service) couplingFromLinks(ctx context.Context) ([]CouplingStat, error) {
	intents, err := s.store.ListIntents(ctx, model.IntentFilter{Limit: linkedIntentLimit})
	if err != nil {
		return nil, err
	}
	counts := map[[2]string]int{}
	for _, intent := range intents {
		if len(intent.Technical.ScopeHints) < 2 {
			continue
		}
		links, err := s.store.ListCommitLinks(ctx, intent.ID)
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			continue
		}
		hints := append([]string(nil), intent.Technical.ScopeHints...)
		sort.Strings(hints)
		for i := 0; i < len(hints); i++ {
			for j := i + 1; j < len(hints); j++ {
				counts[[2]string{hints[i], hints[j]}]++
			}
		}
	}

	stats := make([]CouplingStat, 0, len(counts))
	for pair, c := range counts {
		if c < couplingMinCoChanges {
			continue
		}
		stats = append(stats, CouplingStat{FileA: pair[0], FileB: pair[1], CoChanges: c, Source: "linked-history"})
	}
	sortCoupling(stats)
	if len(stats) > couplingTopN {
		stats = stats[:couplingTopN]
	}
	return stats, nil
}

// HotspotSet returns the high-churn files, for risk enrichment.
func (s *Service) HotspotSet(ctx context.Context, cwd string) (map[string]struct{}, error) {
	out := map[string]struct{}{}
	if snap := s.loadSnapshot(); snap != nil {
		for _, h := range snap.Hotspots {
			if h.Changes >= hotspotChangeThreshold {
				out[h.File] = struct{}{}
			}
		}
		return out, nil
	}

	entries, err := s.scm.LogEntries(ctx, quickCouplingMaxCommits, cwd)
	if err != nil {
		return nil, fmt.Errorf("analytics: hotspot set: %w", err)
	}
	counts := map[string]int{}
	for _, e := range entries {
		for _, f := range e.Files {
			counts[f]++
		}
	}
	for f, c := range counts {
		if c >= hotspotChangeThreshold {
			out[f] = struct{}{}
		}
	}
	return out, nil
}

func computeCoupling(entries []scm.LogEntry) map[[2]string]int {
	counts := map[[2]string]int{}
	for _, e := range entries {
		seen := map[string]struct{}{}
		var files []string
		for _, f := range e.Files {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			files = append(files, f)
		}
		sort.Strings(files)
		for i := 0; i < len(files); i++ {
			for j := i + 1; j < len(files); j++ {
				counts[[2]string{files[i], files[j]}]++
			}
		}
	}
	return counts
}

func topCoupling(counts map[[2]string]int, top, minCoChanges int) []CouplingStat {
	stats := make([]CouplingStat, 0, len(counts))
	for pair, c := range counts {
		if c < minCoChanges {
			continue
		}
		stats = append(stats, CouplingStat{FileA: pair[0], FileB: pair[1], CoChanges: c})
	}
	sortCoupling(stats)
	if len(stats) > top {
		stats = stats[:top]
	}
	return stats
}

func sortCoupling(stats []CouplingStat) {
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].CoChanges != stats[j].CoChanges {
			return stats[i].CoChanges > stats[j].CoChanges
		}
		if stats[i].FileA != stats[j].FileA {
			return stats[i].FileA < stats[j].FileA
		}
		return stats[i].FileB < stats[j].FileB
	})
}

// mergeCoupling sums co-change counts for overlapping pairs.
func mergeCoupling(base, extra []CouplingStat) []CouplingStat {
	index := map[[2]string]CouplingStat{}
	for _, c := range base {
		index[[2]string{c.FileA, c.FileB}] = c
	}
	for _, c := range extra {
		key := [2]string{c.FileA, c.FileB}
		if existing, ok := index[key]; ok {
			existing.CoChanges += c.CoChanges
			existing.Source = "hybrid"
			index[key] = existing
		} else {
			index[key] = c
		}
	}
	merged := make([]CouplingStat, 0, len(index))
	for _, c := range index {
		merged = append(merged, c)
	}
	sortCoupling(merged)
	if len(merged) > couplingTopN {
		merged = merged[:couplingTopN]
	}
	return merged
}
