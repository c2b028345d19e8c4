package coherence

import (
	"regexp"
	"strconv"
	"strings"
)

// Assertions are deliberately tiny: comparison clauses over the tokens
// result and baseline (or numeric literals), joined by AND / OR. There
// is no general expression evaluator behind this; an assertion that
// does not fit the grammar passes conservatively and is logged.

var (
	orSplit  = regexp.MustCompile(`(?i)\s+OR\s+`)
	andSplit = regexp.MustCompile(`(?i)\s+AND\s+`)
)

var comparisonOps = []string{">=", "<=", "==", "!=", ">", "<"}

// evaluateAssertion checks an assertion against the measured value.
// An assertion referencing baseline when none exists passes: the first
// run has nothing to regress against.
func (h *Harness) evaluateAssertion(assertion string, result float64, baseline *float64) bool {
	assertion = strings.TrimSpace(assertion)
	if assertion == "" {
		h.logger.Warn("empty coherence assertion, passing", "assertion", assertion)
		return true
	}
	if baseline == nil && strings.Contains(strings.ToLower(assertion), "baseline") {
		return true
	}

	for _, orPart := range orSplit.Split(assertion, -1) {
		allTrue := true
		for _, clause := range andSplit.Split(orPart, -1) {
			ok, parsed := h.evalClause(strings.TrimSpace(clause), result, baseline)
			if !parsed {
				h.logger.Warn("unparsable coherence assertion, passing",
					"assertion", assertion, "clause", clause)
				return true
			}
			if !ok {
				allTrue = false
				break
			}
		}
		if allTrue {
			return true
		}
	}
	return false
}

// evalClause evaluates a single comparison. The second return reports
// whether the clause fit the grammar at all.
func (h *Harness) evalClause(clause string, result float64, baseline *float64) (ok, parsed bool) {
	for _, op := range comparisonOps {
		idx := strings.Index(clause, op)
		if idx < 0 {
			continue
		}
		left, lok := resolveToken(strings.TrimSpace(clause[:idx]), result, baseline)
		right, rok := resolveToken(strings.TrimSpace(clause[idx+len(op):]), result, baseline)
		if !lok || !rok {
			return false, false
		}
		// A side that resolves to a missing baseline passes.
		if left == nil || right == nil {
			return true, true
		}
		switch op {
		case ">=":
			return *left >= *right, true
		case "<=":
			return *left <= *right, true
		case "==":
			return *left == *right, true
		case "!=":
			return *left != *right, true
		case ">":
			return *left > *right, true
		case "<":
			return *left < *right, true
		}
	}
	return false, false
}

// resolveToken maps a token to its value. A nil value with ok=true
// means a recognized token with no value yet (missing baseline).
func resolveToken(token string, result float64, baseline *float64) (*float64, bool) {
	switch strings.ToLower(token) {
	case "result":
		v := result
		return &v, true
	case "baseline":
		return baseline, true
	}
	v, err := strconv.ParseFloat(token, 64)
	if err != nil {
		return nil, false
	}
	return &v, true
}
