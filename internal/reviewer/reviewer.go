// Package reviewer builds review prompts, invokes the external model and
// parses its responses into governance verdicts.
//
// The adapter never lets a transport failure escape as an error: timeouts,
// transport faults and unparseable responses all collapse to a
// needs_human_review verdict with guidance naming the failure, so the
// pipeline keeps its safe-blocking behavior.
package reviewer

import (
	"context"
	"time"

	"govfabric/internal/governance"
	"govfabric/internal/kg"
	"govfabric/internal/llm"
)

// Reviewer is the adapter over the external review model.
type Reviewer struct {
	provider llm.Provider
	timeout  time.Duration
	name     string
}

// New creates a reviewer. name identifies it in stored verdicts.
func New(provider llm.Provider, timeout time.Duration, name string) *Reviewer {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if name == "" {
		name = "governance-reviewer"
	}
	return &Reviewer{provider: provider, timeout: timeout, name: name}
}

// mockVerdict is the deterministic approval returned under
// GOVERNANCE_MOCK_REVIEW. Applies to all five review entry points.
func (r *Reviewer) mockVerdict() *governance.ReviewVerdict {
	return &governance.ReviewVerdict{
		Verdict:  governance.VerdictApproved,
		Guidance: "Mock review: automatically approved.",
		Reviewer: r.name,
	}
}

// ReviewDecision reviews a single decision against the vision and
// architecture standards.
func (r *Reviewer) ReviewDecision(ctx context.Context, d *governance.Decision, vision, arch []kg.Entity, recent []governance.Decision) *governance.ReviewVerdict {
	if llm.MockMode() {
		v := r.mockVerdict()
		v.DecisionID = d.ID
		return v
	}
	v := r.run(ctx, decisionPrompt(d, vision, arch, recent), 60*time.Second)
	v.DecisionID = d.ID
	return v
}

// ReviewPlan reviews a task's plan text.
func (r *Reviewer) ReviewPlan(ctx context.Context, taskID, plan string, vision, arch []kg.Entity) *governance.ReviewVerdict {
	if llm.MockMode() {
		v := r.mockVerdict()
		v.PlanID = taskID
		return v
	}
	v := r.run(ctx, planPrompt(taskID, plan, vision, arch), r.timeout)
	v.PlanID = taskID
	return v
}

// ReviewCompletion reviews a completed task's outcome summary.
func (r *Reviewer) ReviewCompletion(ctx context.Context, task *governance.GovernedTaskRecord, summary string, vision, arch []kg.Entity) *governance.ReviewVerdict {
	if llm.MockMode() {
		v := r.mockVerdict()
		v.PlanID = task.TaskID
		return v
	}
	v := r.run(ctx, completionPrompt(task, summary, vision, arch), r.timeout)
	v.PlanID = task.TaskID
	return v
}

// ReviewTaskGroup performs the holistic review across all tasks created in a
// session.
func (r *Reviewer) ReviewTaskGroup(ctx context.Context, tasks []governance.GovernedTaskRecord, transcript string, vision, arch []kg.Entity) *governance.ReviewVerdict {
	if llm.MockMode() {
		return r.mockVerdict()
	}
	return r.run(ctx, taskGroupPrompt(tasks, transcript, vision, arch), r.timeout)
}

// ReviewEvolutionProposal reviews a proposal to change an architectural
// entity's intent.
func (r *Reviewer) ReviewEvolutionProposal(ctx context.Context, p *governance.EvolutionProposal, entityMeta kg.Metadata, vision []kg.Entity) *governance.ReviewVerdict {
	if llm.MockMode() {
		return r.mockVerdict()
	}
	return r.run(ctx, proposalPrompt(p, entityMeta, vision), r.timeout)
}

// run performs one completion and parses the verdict, folding failures into
// needs_human_review.
func (r *Reviewer) run(ctx context.Context, prompt string, timeout time.Duration) *governance.ReviewVerdict {
	text, err := r.provider.Complete(ctx, llm.Request{
		Role:    llm.RoleReview,
		Prompt:  prompt,
		Timeout: timeout,
	})
	if err != nil {
		return &governance.ReviewVerdict{
			Verdict:  governance.VerdictNeedsHumanReview,
			Guidance: "Automated review failed (" + err.Error() + "); a human must review this item.",
			Reviewer: r.name,
		}
	}
	v := ParseVerdict(text)
	v.Reviewer = r.name
	return v
}
