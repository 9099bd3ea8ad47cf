// Package pipeline implements the hook-driven task governance state machine:
// intercepting task creation, pairing review tasks, electing a settle-check
// survivor for the holistic review, and releasing blockers on approval.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"govfabric/internal/governance"
	"govfabric/internal/kg"
	"govfabric/internal/reviewer"
	"govfabric/internal/taskfile"
)

// reviewSubjectPrefixes mark tasks that are themselves reviews; both the
// intercept and the settle-check skip them to prevent review-of-review loops.
var reviewSubjectPrefixes = []string{
	"[GOVERNANCE]", "[REVIEW]", "[SECURITY]", "[ARCHITECTURE]",
}

// isReviewSubject reports whether a subject carries a review prefix.
func isReviewSubject(subject string) bool {
	for _, p := range reviewSubjectPrefixes {
		if strings.HasPrefix(subject, p) {
			return true
		}
	}
	return false
}

// Spawner launches the pipeline's background work. Production uses detached
// processes so a hung LLM call cannot take the emitting hook with it; tests
// run the work synchronously.
type Spawner interface {
	// SpawnSettleCheck starts a settle-check for the session carrying the
	// given monotonic timestamp and the session's transcript path (may be
	// empty).
	SpawnSettleCheck(sessionID string, ts time.Time, transcriptPath string) error

	// SpawnReviewRunner starts a review runner for a review task.
	SpawnReviewRunner(reviewTaskID string) error
}

// Config carries the pipeline tunables.
type Config struct {
	// SettleInterval is the settle-check sleep before survivor election.
	SettleInterval time.Duration

	// SettleTolerance absorbs clock jitter when comparing task creation
	// times against the check's own timestamp.
	SettleTolerance time.Duration

	// MinTasksForReview is the session task count below which the
	// holistic review is skipped.
	MinTasksForReview int

	// FlagDir holds the per-session holistic flag files.
	FlagDir string
}

func (c *Config) applyDefaults() {
	if c.SettleInterval <= 0 {
		c.SettleInterval = 3 * time.Second
	}
	if c.SettleTolerance <= 0 {
		c.SettleTolerance = 500 * time.Millisecond
	}
	if c.MinTasksForReview <= 0 {
		c.MinTasksForReview = 2
	}
}

// Pipeline wires the governance store, task-file manager, knowledge graph
// and reviewer into the task governance flow.
type Pipeline struct {
	store    *governance.Store
	tasks    *taskfile.Manager
	graph    *kg.Store
	reviewer *reviewer.Reviewer
	spawner  Spawner
	cfg      Config
}

// New creates a pipeline.
func New(store *governance.Store, tasks *taskfile.Manager, graph *kg.Store, rev *reviewer.Reviewer, spawner Spawner, cfg Config) *Pipeline {
	cfg.applyDefaults()
	return &Pipeline{
		store:    store,
		tasks:    tasks,
		graph:    graph,
		reviewer: rev,
		spawner:  spawner,
		cfg:      cfg,
	}
}

// Store exposes the governance store for callers that need read access.
func (p *Pipeline) Store() *governance.Store { return p.store }

// Tasks exposes the task-file manager.
func (p *Pipeline) Tasks() *taskfile.Manager { return p.tasks }

// GovernanceStatus is the per-task view surfaced to the agent and dashboard.
type GovernanceStatus struct {
	TaskID        string                        `json:"task_id"`
	CanExecute    bool                          `json:"can_execute"`
	CurrentStatus governance.TaskStatus         `json:"current_status"`
	BlockedBy     []string                      `json:"blocked_by"`
	Reviews       []governance.TaskReviewRecord `json:"reviews"`
}

// TaskGovernanceStatus reports whether a task may execute: its governed
// status must be approved and its blocker list empty.
func (p *Pipeline) TaskGovernanceStatus(ctx context.Context, taskID string) (*GovernanceStatus, error) {
	record, err := p.store.GetGovernedTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("task %q is not governed", taskID)
	}
	reviews, err := p.store.GetTaskReviews(ctx, taskID)
	if err != nil {
		return nil, err
	}

	status := &GovernanceStatus{
		TaskID:        taskID,
		CurrentStatus: record.CurrentStatus,
		Reviews:       reviews,
	}
	task, err := p.tasks.ReadTask(taskID)
	if err == nil {
		status.BlockedBy = task.BlockedBy
	}
	status.CanExecute = record.CurrentStatus == governance.TaskStatusApproved && len(status.BlockedBy) == 0
	return status, nil
}

// SubmitDecision stores a decision and routes it to review. Decisions in
// auto-flagged categories (deviation, scope_change) are paired with a
// needs_human_review verdict in the same flow without consulting the model.
func (p *Pipeline) SubmitDecision(ctx context.Context, d *governance.Decision) (*governance.ReviewVerdict, error) {
	if err := p.store.StoreDecision(ctx, d); err != nil {
		return nil, err
	}

	if d.Category.AutoFlagged() {
		v := &governance.ReviewVerdict{
			DecisionID: d.ID,
			Verdict:    governance.VerdictNeedsHumanReview,
			Guidance:   fmt.Sprintf("Decisions of category %q always require human review.", d.Category),
			Reviewer:   "auto-flag",
		}
		if err := p.store.StoreReview(ctx, v); err != nil {
			return nil, err
		}
		return v, nil
	}

	recent, err := p.store.GetDecisionsForTask(ctx, d.TaskID)
	if err != nil {
		return nil, err
	}
	v := p.reviewer.ReviewDecision(ctx,
		d,
		p.graph.GetEntitiesByTier(kg.TierVision),
		p.graph.GetEntitiesByTier(kg.TierArchitecture),
		recent,
	)
	if err := p.store.StoreReview(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// AddAdditionalReview stacks another review task onto an already-governed
// implementation task.
func (p *Pipeline) AddAdditionalReview(ctx context.Context, implTaskID string, reviewType governance.ReviewType) (*governance.TaskReviewRecord, error) {
	impl, err := p.tasks.ReadTask(implTaskID)
	if err != nil {
		return nil, err
	}
	record, err := p.store.GetGovernedTask(ctx, implTaskID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("task %q is not governed", implTaskID)
	}

	reviewID := fmt.Sprintf("%s%s-%s", taskfile.ReviewPrefix, reviewType, uuid.New().String()[:8])
	subject := fmt.Sprintf("[%s] Review: %s", strings.ToUpper(string(reviewType)), impl.Subject)
	if err := p.tasks.CreateTask(&taskfile.Task{
		ID:      reviewID,
		Subject: subject,
		Blocks:  []string{implTaskID},
		GovernanceMetadata: map[string]any{
			"impl_task_id": implTaskID,
			"review_type":  string(reviewType),
		},
	}); err != nil {
		return nil, err
	}
	if err := p.tasks.AddBlocker(implTaskID, reviewID); err != nil {
		return nil, err
	}

	tr := &governance.TaskReviewRecord{
		ReviewTaskID: reviewID,
		ImplTaskID:   implTaskID,
		ReviewType:   reviewType,
		Status:       governance.ReviewStatusPending,
	}
	if err := p.store.StoreTaskReview(ctx, tr); err != nil {
		return nil, err
	}
	// A fresh pending review re-blocks the task.
	if record.CurrentStatus == governance.TaskStatusApproved {
		if err := p.store.UpdateGovernedTaskStatus(ctx, implTaskID, governance.TaskStatusPendingReview); err != nil {
			return nil, err
		}
	}
	return tr, nil
}

// ReleaseTask applies a verdict to a review task: persists it, and on
// approval removes the blocker and (when no pending reviews remain) marks
// the governed task approved. On blocked or needs_human_review the blocker
// stays and the guidance is appended to the implementation task.
func (p *Pipeline) ReleaseTask(ctx context.Context, reviewTaskID string, verdict governance.Verdict, guidance string, findings []governance.Finding) error {
	tr, err := p.store.GetTaskReviewByReviewTask(ctx, reviewTaskID)
	if err != nil {
		return err
	}
	if tr == nil {
		return fmt.Errorf("review task %q has no review record", reviewTaskID)
	}

	switch verdict {
	case governance.VerdictApproved:
		if err := p.store.UpdateTaskReview(ctx, tr.ID, governance.ReviewStatusApproved, verdict, findings, guidance); err != nil {
			return err
		}
		if err := p.tasks.RemoveBlocker(tr.ImplTaskID, reviewTaskID); err != nil {
			return err
		}
		if err := p.tasks.CompleteTask(reviewTaskID); err != nil {
			return err
		}
		remaining, err := p.store.GetTaskReviews(ctx, tr.ImplTaskID)
		if err != nil {
			return err
		}
		pending := 0
		for _, r := range remaining {
			if r.Status == governance.ReviewStatusPending {
				pending++
			}
		}
		if pending == 0 {
			return p.store.UpdateGovernedTaskStatus(ctx, tr.ImplTaskID, governance.TaskStatusApproved)
		}
		return nil

	case governance.VerdictBlocked, governance.VerdictNeedsHumanReview:
		status := governance.ReviewStatusBlocked
		taskStatus := governance.TaskStatusBlocked
		if verdict == governance.VerdictNeedsHumanReview {
			status = governance.ReviewStatusNeedsHumanReview
			taskStatus = governance.TaskStatusNeedsHumanReview
		}
		if err := p.store.UpdateTaskReview(ctx, tr.ID, status, verdict, findings, guidance); err != nil {
			return err
		}
		if guidance != "" {
			if _, err := p.tasks.UpdateTask(tr.ImplTaskID, func(t *taskfile.Task) error {
				t.Description = strings.TrimRight(t.Description, "\n") +
					fmt.Sprintf("\n\n[review %s: %s] %s", reviewTaskID, verdict, guidance)
				return nil
			}); err != nil {
				return err
			}
		}
		return p.store.UpdateGovernedTaskStatus(ctx, tr.ImplTaskID, taskStatus)

	default:
		return fmt.Errorf("unknown verdict %q", verdict)
	}
}
