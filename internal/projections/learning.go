package projections

import (
	"fmt"
	"sort"
)

// Metric pairs an observed value with its target.
type Metric struct {
	Name     string  `json:"name"`
	Observed float64 `json:"observed"`
	Target   float64 `json:"target"`
}

// Lesson is an actionable observation derived from a projection,
// structured so agents can consume it without parsing prose.
type Lesson struct {
	Code     string `json:"code"`
	Title    string `json:"title"`
	Why      string `json:"why"`
	Action   string `json:"action"`
	Priority int    `json:"priority"`
	Metric   Metric `json:"metric"`
}

// Learning aggregates lessons into a summary with next actions.
type Learning struct {
	Summary     string   `json:"summary"`
	Level       string   `json:"level"`
	Lessons     []Lesson `json:"lessons"`
	NextActions []string `json:"next_actions"`
}

func healthLevel(score float64) string {
	switch {
	case score >= 70:
		return "strong"
	case score >= 40:
		return "acceptable"
	default:
		return "fragile"
	}
}

func healthLearning(score, mergeableRate, avgEntropy float64, rejected int) Learning {
	var lessons []Lesson

	if mergeableRate < 0.85 {
		priority := 2
		if mergeableRate < 0.7 {
			priority = 1
		}
		lessons = append(lessons, Lesson{
			Code:     "learn.low_mergeable",
			Title:    "Low mergeable rate",
			Why:      "A low rate increases friction and integration queue backlog",
			Action:   "Reduce average change size and enforce pre-merge checks",
			Priority: priority,
			Metric:   Metric{Name: "mergeable_rate", Observed: round3(mergeableRate), Target: 0.85},
		})
	}
	if avgEntropy > 15 {
		priority := 2
		if avgEntropy > 30 {
			priority = 1
		}
		lessons = append(lessons, Lesson{
			Code:     "learn.high_entropy",
			Title:    "Elevated entropy",
			Why:      "High average entropy indicates large or complex changes entering the system",
			Action:   "Split large intents into smaller focused changes",
			Priority: priority,
			Metric:   Metric{Name: "avg_entropy", Observed: round3(avgEntropy), Target: 15},
		})
	}
	if rejected > 3 {
		lessons = append(lessons, Lesson{
			Code:     "learn.frequent_rejections",
			Title:    "Frequent rejections",
			Why:      "Multiple rejections indicate systemic issues with source branch quality or policy fit",
			Action:   "Review policy thresholds and source branch preparation workflows",
			Priority: 1,
			Metric:   Metric{Name: "rejected_count", Observed: float64(rejected), Target: 3},
		})
	}
	if score < 70 {
		lessons = append(lessons, Lesson{
			Code:     "learn.health_below_target",
			Title:    "Health below target",
			Why:      "Overall repo health has degraded below the safe threshold",
			Action:   "Prioritize resolving conflicts, reducing entropy, and clearing the queue",
			Priority: 0,
			Metric:   Metric{Name: "health_score", Observed: round3(score), Target: 70},
		})
	}

	level := healthLevel(score)
	return Learning{
		Summary:     fmt.Sprintf("Repo health is %s (score: %.0f)", level, score),
		Level:       level,
		Lessons:     sortLessons(lessons),
		NextActions: nextActions(lessons),
	}
}

func changeLearning(score, riskScore, entropy float64, mergeable bool) Learning {
	var lessons []Lesson

	if !mergeable {
		lessons = append(lessons, Lesson{
			Code:     "learn.conflict",
			Title:    "Merge conflict present",
			Why:      "Source branch has conflicts with target and cannot merge cleanly",
			Action:   "Rebase or resolve conflicts before retrying",
			Priority: 0,
			Metric:   Metric{Name: "mergeable", Observed: 0, Target: 1},
		})
	}
	if riskScore > 40 {
		priority := 2
		if riskScore > 60 {
			priority = 1
		}
		lessons = append(lessons, Lesson{
			Code:     "learn.high_risk",
			Title:    "Elevated risk score",
			Why:      "Risk score exceeds safe threshold with multiple signals contributing",
			Action:   "Consider splitting into smaller changes or adding test coverage",
			Priority: priority,
			Metric:   Metric{Name: "risk_score", Observed: round3(riskScore), Target: 40},
		})
	}
	if entropy > 20 {
		priority := 2
		if entropy > 40 {
			priority = 1
		}
		lessons = append(lessons, Lesson{
			Code:     "learn.change_entropy",
			Title:    "High change entropy",
			Why:      "Entropic load indicates a complex or wide-reaching change",
			Action:   "Reduce scope or break into incremental, independently-mergeable changes",
			Priority: priority,
			Metric:   Metric{Name: "entropy_score", Observed: round3(entropy), Target: 20},
		})
	}

	level := healthLevel(score)
	return Learning{
		Summary:     fmt.Sprintf("Change health: %s (%.0f)", level, score),
		Level:       level,
		Lessons:     sortLessons(lessons),
		NextActions: nextActions(lessons),
	}
}

func sortLessons(lessons []Lesson) []Lesson {
	out := append([]Lesson(nil), lessons...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func nextActions(lessons []Lesson) []string {
	sorted := sortLessons(lessons)
	var actions []string
	for _, l := range sorted {
		actions = append(actions, l.Action)
		if len(actions) == 3 {
			break
		}
	}
	return actions
}
