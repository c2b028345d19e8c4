// Package review orchestrates human review tasks: creation, assignment,
// completion, cancellation, escalation, and SLA breach detection. Tasks
// are created when policy or conflict detection requires human judgment
// and gate their intent in the queue until resolved.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

const queryLimit = 10000

// Service manages review tasks over one store.
type Service struct {
	store  store.Store
	log    *eventlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// New builds a review service.
func New(st store.Store, log *eventlog.Log, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, log: log, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// RequestOptions tune task creation. Priority nil inherits the
// intent's priority.
type RequestOptions struct {
	Trigger  model.ReviewTrigger
	Reviewer string
	Priority *int
	TenantID string
}

// Request creates a review task for an intent. The SLA deadline is
// computed from the intent's risk level at creation time. A reviewer
// supplied up front creates the task directly in assigned state.
func (s *Service) Request(ctx context.Context, intentID string, opts RequestOptions) (model.ReviewTask, error) {
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: request for %s: %w", intentID, err)
	}

	trigger := opts.Trigger
	if trigger == "" {
		trigger = model.TriggerPolicy
	}
	priority := intent.Priority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	tenantID := opts.TenantID
	if tenantID == "" {
		tenantID = intent.TenantID
	}

	now := s.now()
	status := model.ReviewPending
	if opts.Reviewer != "" {
		status = model.ReviewAssigned
	}
	task := model.ReviewTask{
		ID:          "rev-" + uuid.NewString(),
		IntentID:    intentID,
		Status:      status,
		Reviewer:    opts.Reviewer,
		Priority:    priority,
		RiskLevel:   intent.RiskLevel,
		Trigger:     trigger,
		SLADeadline: now.Add(model.SLAWindow(intent.RiskLevel)),
		CreatedAt:   now,
		UpdatedAt:   now,
		TenantID:    tenantID,
	}
	if err := s.store.UpsertReviewTask(ctx, task); err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: request for %s: %w", intentID, err)
	}

	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventReviewRequested,
		IntentID: intentID,
		TenantID: tenantID,
		Payload: map[string]any{
			"task_id":      task.ID,
			"trigger":      string(trigger),
			"risk_level":   string(task.RiskLevel),
			"priority":     priority,
			"sla_deadline": task.SLADeadline.Format(time.RFC3339),
			"reviewer":     opts.Reviewer,
		},
	}); err != nil {
		return model.ReviewTask{}, err
	}
	if opts.Reviewer != "" {
		if _, err := s.log.Append(ctx, model.Event{
			Type:     model.EventReviewAssigned,
			IntentID: intentID,
			TenantID: tenantID,
			Payload:  map[string]any{"task_id": task.ID, "reviewer": opts.Reviewer},
		}); err != nil {
			return model.ReviewTask{}, err
		}
	}
	return task, nil
}

// Assign hands a task to a reviewer; reassignments emit
// review.reassigned instead of review.assigned.
func (s *Service) Assign(ctx context.Context, taskID, reviewer string) (model.ReviewTask, error) {
	task, err := s.store.GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: assign %s: %w", taskID, err)
	}
	if !task.Status.Open() {
		return model.ReviewTask{}, fmt.Errorf("review: assign %s: task is %s", taskID, task.Status)
	}

	oldReviewer := task.Reviewer
	task.Reviewer = reviewer
	task.Status = model.ReviewAssigned
	task.UpdatedAt = s.now()
	if err := s.store.UpsertReviewTask(ctx, *task); err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: assign %s: %w", taskID, err)
	}

	etype := model.EventReviewAssigned
	if oldReviewer != "" {
		etype = model.EventReviewReassigned
	}
	if _, err := s.log.Append(ctx, model.Event{
		Type:     etype,
		IntentID: task.IntentID,
		TenantID: task.TenantID,
		Payload: map[string]any{
			"task_id":      taskID,
			"reviewer":     reviewer,
			"old_reviewer": oldReviewer,
		},
	}); err != nil {
		return model.ReviewTask{}, err
	}
	return *task, nil
}

// Complete closes a task with a resolution.
func (s *Service) Complete(ctx context.Context, taskID string, resolution model.ReviewResolution, notes string) (model.ReviewTask, error) {
	switch resolution {
	case model.ResolutionApproved, model.ResolutionRejected, model.ResolutionDeferred:
	default:
		return model.ReviewTask{}, fmt.Errorf("review: complete %s: invalid resolution %q", taskID, resolution)
	}

	task, err := s.store.GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: complete %s: %w", taskID, err)
	}
	if !task.Status.Open() {
		return model.ReviewTask{}, fmt.Errorf("review: complete %s: task is %s", taskID, task.Status)
	}

	now := s.now()
	task.Status = model.ReviewCompleted
	task.Resolution = resolution
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := s.store.UpsertReviewTask(ctx, *task); err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: complete %s: %w", taskID, err)
	}

	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventReviewCompleted,
		IntentID: task.IntentID,
		TenantID: task.TenantID,
		Payload: map[string]any{
			"task_id":    taskID,
			"reviewer":   task.Reviewer,
			"resolution": string(resolution),
			"notes":      notes,
		},
	}); err != nil {
		return model.ReviewTask{}, err
	}
	return *task, nil
}

// Cancel closes a task without a resolution.
func (s *Service) Cancel(ctx context.Context, taskID, reason string) (model.ReviewTask, error) {
	task, err := s.store.GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: cancel %s: %w", taskID, err)
	}
	if !task.Status.Open() {
		return model.ReviewTask{}, fmt.Errorf("review: cancel %s: task is %s", taskID, task.Status)
	}

	task.Status = model.ReviewCancelled
	task.UpdatedAt = s.now()
	if err := s.store.UpsertReviewTask(ctx, *task); err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: cancel %s: %w", taskID, err)
	}

	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventReviewCancelled,
		IntentID: task.IntentID,
		TenantID: task.TenantID,
		Payload:  map[string]any{"task_id": taskID, "reason": reason},
	}); err != nil {
		return model.ReviewTask{}, err
	}
	return *task, nil
}

// Escalate raises a task, typically after an SLA breach. The task stays
// open; escalation changes who is looking at it, not whether it gates.
func (s *Service) Escalate(ctx context.Context, taskID, reason string) (model.ReviewTask, error) {
	if reason == "" {
		reason = "sla_breach"
	}
	task, err := s.store.GetReviewTask(ctx, taskID)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: escalate %s: %w", taskID, err)
	}
	if !task.Status.Open() {
		return model.ReviewTask{}, fmt.Errorf("review: escalate %s: task is %s", taskID, task.Status)
	}

	task.Status = model.ReviewEscalated
	task.UpdatedAt = s.now()
	if err := s.store.UpsertReviewTask(ctx, *task); err != nil {
		return model.ReviewTask{}, fmt.Errorf("review: escalate %s: %w", taskID, err)
	}

	if _, err := s.log.Append(ctx, model.Event{
		Type:     model.EventReviewEscalated,
		IntentID: task.IntentID,
		TenantID: task.TenantID,
		Payload: map[string]any{
			"task_id":  taskID,
			"reviewer": task.Reviewer,
			"reason":   reason,
		},
	}); err != nil {
		return model.ReviewTask{}, err
	}
	return *task, nil
}

// Breach describes one SLA violation.
type Breach struct {
	TaskID       string    `json:"task_id"`
	IntentID     string    `json:"intent_id"`
	Reviewer     string    `json:"reviewer,omitempty"`
	SLADeadline  time.Time `json:"sla_deadline"`
	RiskLevel    string    `json:"risk_level"`
	Status       string    `json:"status"`
	OverdueSince time.Time `json:"overdue_since"`
}

// CheckSLABreaches scans open tasks past their deadline and emits
// review.sla_breached per breach. Escalated tasks are excluded: they
// have already been raised.
func (s *Service) CheckSLABreaches(ctx context.Context, tenantID string) ([]Breach, error) {
	tasks, err := s.store.ListReviewTasks(ctx, model.ReviewFilter{
		TenantID: tenantID,
		Statuses: []model.ReviewStatus{model.ReviewPending, model.ReviewAssigned, model.ReviewInReview},
		Limit:    queryLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("review: check sla: %w", err)
	}

	now := s.now()
	var breaches []Breach
	for _, task := range tasks {
		if task.SLADeadline.IsZero() || !task.SLADeadline.Before(now) {
			continue
		}
		breach := Breach{
			TaskID:       task.ID,
			IntentID:     task.IntentID,
			Reviewer:     task.Reviewer,
			SLADeadline:  task.SLADeadline,
			RiskLevel:    string(task.RiskLevel),
			Status:       string(task.Status),
			OverdueSince: task.SLADeadline,
		}
		breaches = append(breaches, breach)

		if _, err := s.log.Append(ctx, model.Event{
			Type:     model.EventReviewSLABreach,
			IntentID: task.IntentID,
			TenantID: task.TenantID,
			Payload: map[string]any{
				"task_id":       breach.TaskID,
				"reviewer":      breach.Reviewer,
				"sla_deadline":  breach.SLADeadline.Format(time.RFC3339),
				"risk_level":    breach.RiskLevel,
				"status":        breach.Status,
				"overdue_since": breach.OverdueSince.Format(time.RFC3339),
			},
		}); err != nil {
			return breaches, err
		}
	}
	return breaches, nil
}

// GateState is how the latest review activity affects queue processing.
type GateState string

const (
	// GateNone means no review tasks exist for the intent.
	GateNone GateState = "none"
	// GateOpen means an unresolved task blocks processing.
	GateOpen GateState = "open"
	// GateApproved means the latest resolution allows the merge.
	GateApproved GateState = "approved"
	// GateRejected means the latest resolution blocks the intent.
	GateRejected GateState = "rejected"
)

// IntentGate resolves the review gate for one intent: any open task
// gates it, otherwise the most recent completed task's resolution
// decides. Cancelled tasks and deferred resolutions do not gate.
func (s *Service) IntentGate(ctx context.Context, intentID string) (GateState, error) {
	tasks, err := s.store.ListReviewTasks(ctx, model.ReviewFilter{IntentID: intentID, Limit: queryLimit})
	if err != nil {
		return GateNone, fmt.Errorf("review: intent gate %s: %w", intentID, err)
	}
	if len(tasks) == 0 {
		return GateNone, nil
	}

	var latest *model.ReviewTask
	for i := range tasks {
		task := &tasks[i]
		if task.Status.Open() {
			return GateOpen, nil
		}
		if task.Status != model.ReviewCompleted {
			continue
		}
		if latest == nil || task.UpdatedAt.After(latest.UpdatedAt) {
			latest = task
		}
	}
	if latest == nil {
		return GateNone, nil
	}
	switch latest.Resolution {
	case model.ResolutionApproved:
		return GateApproved, nil
	case model.ResolutionRejected:
		return GateRejected, nil
	}
	return GateNone, nil
}

// Summary aggregates task counts for dashboards.
type Summary struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByReviewer  map[string]int `json:"by_reviewer"`
	SLABreached int            `json:"sla_breached"`
}

// SummaryFor counts tasks by status and reviewer plus live breaches.
func (s *Service) SummaryFor(ctx context.Context, tenantID string) (Summary, error) {
	tasks, err := s.store.ListReviewTasks(ctx, model.ReviewFilter{TenantID: tenantID, Limit: queryLimit})
	if err != nil {
		return Summary{}, fmt.Errorf("review: summary: %w", err)
	}

	now := s.now()
	sum := Summary{ByStatus: map[string]int{}, ByReviewer: map[string]int{}}
	for _, task := range tasks {
		sum.Total++
		sum.ByStatus[string(task.Status)]++
		if task.Reviewer != "" && (task.Status == model.ReviewAssigned || task.Status == model.ReviewInReview) {
			sum.ByReviewer[task.Reviewer]++
		}
		if task.Status.Open() && !task.SLADeadline.IsZero() && task.SLADeadline.Before(now) {
			sum.SLABreached++
		}
	}
	return sum, nil
}
