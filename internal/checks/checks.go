// Package checks executes the verification commands required by policy
// profiles (lint, unit tests, and so on). The Runner interface lets the
// validation pipeline swap the subprocess implementation for a stub in
// tests.
package checks

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Supported check names. Unknown names are skipped, not failed, so a
// profile referencing a check this build does not know cannot block
// every intent.
var supported = map[string][]string{
	"lint":              {"make", "lint"},
	"unit_tests":        {"make", "test"},
	"integration_tests": {"make", "test-integration"},
	"security_scan":     {"make", "security-scan"},
	"contract_tests":    {"make", "test-contract"},
}

// Result is the outcome of one check.
type Result struct {
	CheckType string `json:"check_type"`
	Passed    bool   `json:"passed"`
	Details   string `json:"details,omitempty"`
}

// Runner executes named checks in a working directory.
type Runner interface {
	Run(ctx context.Context, checkTypes []string, cwd string) []Result
}

// Subprocess runs checks as make targets, the conventional entry points
// of the repositories Converge coordinates.
type Subprocess struct {
	logger      *slog.Logger
	timeout     time.Duration
	outputLimit int
}

var _ Runner = (*Subprocess)(nil)

// NewSubprocess reads CONVERGE_CHECK_TIMEOUT_SECONDS (default 300) and
// CONVERGE_CHECK_OUTPUT_LIMIT (default 2000).
func NewSubprocess(logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := 300
	if v, err := strconv.Atoi(os.Getenv("CONVERGE_CHECK_TIMEOUT_SECONDS")); err == nil && v > 0 {
		timeout = v
	}
	limit := 2000
	if v, err := strconv.Atoi(os.Getenv("CONVERGE_CHECK_OUTPUT_LIMIT")); err == nil && v > 0 {
		limit = v
	}
	return &Subprocess{
		logger:      logger,
		timeout:     time.Duration(timeout) * time.Second,
		outputLimit: limit,
	}
}

// Run executes each supported check, one subprocess per check, each
// with its own timeout. Unsupported names are dropped.
func (s *Subprocess) Run(ctx context.Context, checkTypes []string, cwd string) []Result {
	var results []Result
	for _, checkType := range checkTypes {
		argv, ok := supported[checkType]
		if !ok {
			s.logger.Warn("unsupported check skipped", "check_type", checkType)
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
		cmd := exec.CommandContext(checkCtx, argv[0], argv[1:]...) //nolint:gosec // argv comes from the fixed table above
		cmd.Dir = cwd
		out, err := cmd.CombinedOutput()
		cancel()

		details := string(out)
		if len(details) > s.outputLimit {
			details = details[:s.outputLimit]
		}
		if err != nil && len(out) == 0 {
			details = err.Error()
		}
		results = append(results, Result{
			CheckType: checkType,
			Passed:    err == nil,
			Details:   details,
		})
	}
	return results
}

// Static is a test runner returning canned outcomes by check name.
// Names absent from the map pass.
type Static map[string]bool

var _ Runner = (Static)(nil)

// Run implements Runner.
func (s Static) Run(_ context.Context, checkTypes []string, _ string) []Result {
	var results []Result
	for _, checkType := range checkTypes {
		passed, ok := s[checkType]
		if !ok {
			passed = true
		}
		results = append(results, Result{CheckType: checkType, Passed: passed})
	}
	return results
}
