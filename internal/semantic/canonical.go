package semantic

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ghmbegerez/converge/internal/model"
)

// CanonicalText builds a stable fingerprint text from an intent and its
// commit links. Sections appear in fixed order with sorted keys, so the
// same intent state always checksums identically.
func CanonicalText(intent model.Intent, links []model.CommitLink) string {
	parts := []string{
		"intent:" + intent.ID,
		"source:" + intent.Source,
		"target:" + intent.Target,
		"risk:" + string(intent.RiskLevel),
	}
	if intent.PlanID != "" {
		parts = append(parts, "plan:"+intent.PlanID)
	}

	keys := make([]string, 0, len(intent.Semantic))
	for k := range intent.Semantic {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := intent.Semantic[k]; v != nil {
			parts = append(parts, fmt.Sprintf("semantic.%s:%v", k, v))
		}
	}

	scopes := append([]string(nil), intent.Technical.ScopeHints...)
	sort.Strings(scopes)
	for _, s := range scopes {
		parts = append(parts, "scope:"+s)
	}

	deps := append([]string(nil), intent.Dependencies...)
	sort.Strings(deps)
	for _, d := range deps {
		parts = append(parts, "dep:"+d)
	}

	sorted := append([]model.CommitLink(nil), links...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].SHA != sorted[j].SHA {
			return sorted[i].SHA < sorted[j].SHA
		}
		return sorted[i].Role < sorted[j].Role
	})
	for _, l := range sorted {
		parts = append(parts, fmt.Sprintf("link:%s:%s", l.SHA, l.Role))
	}

	return strings.Join(parts, "\n")
}

// SemanticText is the embedding input: canonical text minus the intent
// id line, so two intents describing the same work embed identically.
func SemanticText(intent model.Intent, links []model.CommitLink) string {
	text := CanonicalText(intent, links)
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "intent:") {
		lines = lines[1:]
	}
	return strings.Join(lines, "\n")
}

// Checksum of the canonical text, used to skip re-embedding unchanged
// intents.
func Checksum(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
