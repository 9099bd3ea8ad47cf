package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"govfabric/internal/governance"
	"govfabric/internal/kg"
)

// SettleResult reports what a settle-check did.
type SettleResult struct {
	Survivor     bool                             `json:"survivor"`
	HolisticRun  bool                             `json:"holistic_run"`
	Verdict      governance.Verdict               `json:"verdict,omitempty"`
	TaskCount    int                              `json:"task_count"`
	RunnersSpawn []string                         `json:"runners_spawned,omitempty"`
	Review       *governance.HolisticReviewRecord `json:"review,omitempty"`
}

// RunSettleCheck waits out the settle interval and, if this check is the
// survivor (no task in the session was created after its own timestamp),
// performs the session's single holistic review.
//
// One settle-check is spawned per intercepted task; during a burst every
// earlier check sees a younger task and exits, so exactly one survives.
func (p *Pipeline) RunSettleCheck(ctx context.Context, sessionID string, ts time.Time, transcriptPath string) (*SettleResult, error) {
	select {
	case <-time.After(p.cfg.SettleInterval):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tasks, err := p.store.GetTasksForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	res := &SettleResult{TaskCount: len(tasks)}

	// Survivor election: a task created after this check's timestamp means a
	// younger check is pending and will see the full group.
	for _, t := range tasks {
		if t.CreatedAt.After(ts.Add(p.cfg.SettleTolerance)) {
			slog.Debug("settle-check superseded", "session", sessionID, "task", t.TaskID)
			return res, nil
		}
	}
	res.Survivor = true

	// One holistic review per session, ever. Tasks intercepted after an
	// approved review re-raise the pending flag, so the approved case must
	// lower it again and start the new reviews instead of wedging the gate.
	if existing, err := p.store.GetHolisticReviewForSession(ctx, sessionID); err != nil {
		return nil, err
	} else if existing != nil {
		res.Review = existing
		if existing.Verdict == governance.VerdictApproved {
			if err := p.removeFlag(sessionID); err != nil {
				return nil, err
			}
			res.RunnersSpawn = p.spawnRunners(ctx, tasks)
		}
		return res, nil
	}

	if len(tasks) < p.cfg.MinTasksForReview {
		// Too small a group to judge collectively; individual reviews carry
		// the session.
		if err := p.removeFlag(sessionID); err != nil {
			return nil, err
		}
		res.RunnersSpawn = p.spawnRunners(ctx, tasks)
		return res, nil
	}

	verdict := p.reviewer.ReviewTaskGroup(ctx, tasks, transcriptExcerpt(transcriptPath),
		p.graph.GetEntitiesByTier(kg.TierVision),
		p.graph.GetEntitiesByTier(kg.TierArchitecture),
	)
	res.HolisticRun = true
	res.Verdict = verdict.Verdict

	taskIDs := make([]string, len(tasks))
	for i, t := range tasks {
		taskIDs[i] = t.TaskID
	}
	record := &governance.HolisticReviewRecord{
		SessionID:         sessionID,
		TaskIDs:           taskIDs,
		Verdict:           verdict.Verdict,
		Findings:          verdict.Findings,
		Guidance:          verdict.Guidance,
		StandardsVerified: verdict.StandardsVerified,
	}
	if err := p.store.StoreHolisticReview(ctx, record); err != nil {
		return nil, err
	}
	res.Review = record

	switch verdict.Verdict {
	case governance.VerdictApproved:
		if err := p.removeFlag(sessionID); err != nil {
			return nil, err
		}
		res.RunnersSpawn = p.spawnRunners(ctx, tasks)
	default:
		status := "blocked"
		if verdict.Verdict == governance.VerdictNeedsHumanReview {
			status = "needs_human_review"
		}
		if err := p.writeFlag(&HolisticFlag{
			SessionID: sessionID,
			Status:    status,
			Guidance:  verdict.Guidance,
			Findings:  verdict.Findings,
			UpdatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// maxTranscriptExcerpt bounds how much of the session transcript the
// holistic reviewer sees; only the tail of the session is relevant to the
// task burst being judged.
const maxTranscriptExcerpt = 8 * 1024

// transcriptExcerpt returns the tail of the transcript file. An empty path
// or an unreadable file yields ""; the review proceeds without the excerpt.
func transcriptExcerpt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxTranscriptExcerpt {
		data = data[len(data)-maxTranscriptExcerpt:]
		// Drop the torn first line after the cut.
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return strings.TrimSpace(string(data))
}

// spawnRunners starts a review runner for every pending review of the given
// tasks. Failures are logged, not fatal: a stuck runner can be respawned.
func (p *Pipeline) spawnRunners(ctx context.Context, tasks []governance.GovernedTaskRecord) []string {
	var spawned []string
	for _, t := range tasks {
		reviews, err := p.store.GetTaskReviews(ctx, t.TaskID)
		if err != nil {
			slog.Warn("settle-check: listing reviews failed", "task", t.TaskID, "err", err)
			continue
		}
		for _, r := range reviews {
			if r.Status != governance.ReviewStatusPending {
				continue
			}
			if err := p.spawner.SpawnReviewRunner(r.ReviewTaskID); err != nil {
				slog.Warn("settle-check: runner spawn failed", "review", r.ReviewTaskID, "err", err)
				continue
			}
			spawned = append(spawned, r.ReviewTaskID)
		}
	}
	return spawned
}

// RunReview executes one review task end to end: it gathers the
// implementation task's decisions (or falls back to reviewing its plan),
// obtains a verdict, persists it and applies the release semantics.
func (p *Pipeline) RunReview(ctx context.Context, reviewTaskID string) (*governance.ReviewVerdict, error) {
	tr, err := p.store.GetTaskReviewByReviewTask(ctx, reviewTaskID)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, fmt.Errorf("review task %q has no review record", reviewTaskID)
	}
	if tr.Status != governance.ReviewStatusPending {
		return nil, fmt.Errorf("review task %q is %s, not pending", reviewTaskID, tr.Status)
	}

	record, err := p.store.GetGovernedTask(ctx, tr.ImplTaskID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("implementation task %q is not governed", tr.ImplTaskID)
	}

	vision := p.graph.GetEntitiesByTier(kg.TierVision)
	arch := p.graph.GetEntitiesByTier(kg.TierArchitecture)

	decisions, err := p.store.GetDecisionsForTask(ctx, tr.ImplTaskID)
	if err != nil {
		return nil, err
	}

	var verdict *governance.ReviewVerdict
	if len(decisions) > 0 {
		latest := decisions[len(decisions)-1]
		verdict = p.reviewer.ReviewDecision(ctx, &latest, vision, arch, decisions[:len(decisions)-1])
	} else {
		plan := record.Subject
		if record.Description != "" {
			plan += "\n\n" + record.Description
		}
		verdict = p.reviewer.ReviewPlan(ctx, tr.ImplTaskID, plan, vision, arch)
	}

	if err := p.store.StoreReview(ctx, verdict); err != nil {
		return nil, err
	}
	if err := p.ReleaseTask(ctx, reviewTaskID, verdict.Verdict, verdict.Guidance, verdict.Findings); err != nil {
		return nil, err
	}
	return verdict, nil
}
