package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"govfabric/internal/governance"
	"govfabric/internal/taskfile"
)

// HookEvent is the task-creation notification delivered by the agent hook.
// Subject and Description may be empty; the intercept then falls back to
// discovering the task from the task directory.
type HookEvent struct {
	SessionID      string
	TaskID         string
	Subject        string
	Description    string
	Context        string
	TranscriptPath string
	Timestamp      time.Time
}

// InterceptResult reports what the intercept did with one event.
type InterceptResult struct {
	Skipped      bool   `json:"skipped"`
	SkipReason   string `json:"skip_reason,omitempty"`
	ImplTaskID   string `json:"impl_task_id,omitempty"`
	ReviewTaskID string `json:"review_task_id,omitempty"`
}

// Intercept handles a task-creation event: it pairs the new implementation
// task with a blocking governance review task, records both, refreshes the
// session's holistic flag and spawns a settle-check. Tasks that are
// themselves reviews are skipped.
func (p *Pipeline) Intercept(ctx context.Context, ev HookEvent) (*InterceptResult, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if taskfile.IsReviewTask(ev.TaskID) {
		return &InterceptResult{Skipped: true, SkipReason: "review task id"}, nil
	}
	if isReviewSubject(ev.Subject) {
		return &InterceptResult{Skipped: true, SkipReason: "review subject prefix"}, nil
	}

	// Some hook payloads carry only a session id. Recover the task from the
	// directory instead of dropping the event.
	if ev.TaskID == "" {
		found, err := p.discoverTask(ctx, ev.Subject)
		if err != nil {
			return nil, err
		}
		if found == nil {
			return &InterceptResult{Skipped: true, SkipReason: "no candidate task found"}, nil
		}
		ev.TaskID = found.ID
		ev.Subject = found.Subject
		ev.Description = found.Description
	}

	// Re-running the hook for an already-governed task must not stack a
	// second review.
	existing, err := p.store.GetGovernedTask(ctx, ev.TaskID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &InterceptResult{Skipped: true, SkipReason: "already governed"}, nil
	}

	if ev.Subject == "" {
		if t, err := p.tasks.ReadTask(ev.TaskID); err == nil {
			ev.Subject = t.Subject
			ev.Description = t.Description
		}
	}

	reviewID := taskfile.ReviewPrefix + ev.TaskID
	if err := p.tasks.CreateTask(&taskfile.Task{
		ID:      reviewID,
		Subject: fmt.Sprintf("[GOVERNANCE] Review: %s", ev.Subject),
		Blocks:  []string{ev.TaskID},
		GovernanceMetadata: map[string]any{
			"impl_task_id": ev.TaskID,
			"review_type":  string(governance.ReviewTypeGovernance),
			"session_id":   ev.SessionID,
		},
	}); err != nil {
		return nil, fmt.Errorf("create review task: %w", err)
	}
	if err := p.tasks.AddBlocker(ev.TaskID, reviewID); err != nil {
		return nil, fmt.Errorf("block implementation task: %w", err)
	}

	if err := p.store.StoreGovernedTask(ctx, &governance.GovernedTaskRecord{
		TaskID:        ev.TaskID,
		Subject:       ev.Subject,
		Description:   ev.Description,
		Context:       ev.Context,
		CurrentStatus: governance.TaskStatusPendingReview,
		SessionID:     ev.SessionID,
		CreatedAt:     ev.Timestamp,
	}); err != nil {
		return nil, err
	}
	if err := p.store.StoreTaskReview(ctx, &governance.TaskReviewRecord{
		ReviewTaskID: reviewID,
		ImplTaskID:   ev.TaskID,
		ReviewType:   governance.ReviewTypeGovernance,
		Status:       governance.ReviewStatusPending,
	}); err != nil {
		return nil, err
	}

	if err := p.refreshFlag(ev.SessionID, ev.Timestamp); err != nil {
		slog.Warn("pipeline: holistic flag refresh failed", "session", ev.SessionID, "err", err)
	}
	if err := p.spawner.SpawnSettleCheck(ev.SessionID, ev.Timestamp, ev.TranscriptPath); err != nil {
		slog.Warn("pipeline: settle-check spawn failed", "session", ev.SessionID, "err", err)
	}

	return &InterceptResult{ImplTaskID: ev.TaskID, ReviewTaskID: reviewID}, nil
}

// discoverTask finds the task the hook event refers to when the payload
// omits the id: a non-review task with no blockers whose subject matches
// the event's (when the event carries one). Ungoverned candidates win;
// otherwise the first match is returned.
func (p *Pipeline) discoverTask(ctx context.Context, subject string) (*taskfile.Task, error) {
	tasks, err := p.tasks.ListTasks()
	if err != nil {
		return nil, err
	}
	var candidates []taskfile.Task
	for _, t := range tasks {
		if taskfile.IsReviewTask(t.ID) || isReviewSubject(t.Subject) {
			continue
		}
		if len(t.BlockedBy) != 0 {
			continue
		}
		if subject != "" && t.Subject != subject {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	for i := range candidates {
		record, err := p.store.GetGovernedTask(ctx, candidates[i].ID)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return &candidates[i], nil
		}
	}
	return &candidates[0], nil
}
