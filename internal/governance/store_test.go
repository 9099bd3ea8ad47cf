package governance

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreConfig{DSN: filepath.Join(t.TempDir(), "governance.db")})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- decision tests ---

func TestStoreDecision_SequenceIsDensePerTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := &Decision{TaskID: "task-a", Category: CategoryComponentDesign, Summary: "step"}
		if err := s.StoreDecision(ctx, d); err != nil {
			t.Fatalf("StoreDecision: %v", err)
		}
		if d.Sequence != i+1 {
			t.Errorf("sequence = %d, want %d", d.Sequence, i+1)
		}
	}
	// Another task starts its own sequence.
	d := &Decision{TaskID: "task-b", Category: CategoryComponentDesign}
	if err := s.StoreDecision(ctx, d); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	if d.Sequence != 1 {
		t.Errorf("task-b sequence = %d, want 1", d.Sequence)
	}
}

func TestGetDecisionsForTask_SequenceOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, summary := range []string{"first", "second", "third"} {
		if err := s.StoreDecision(ctx, &Decision{TaskID: "t", Category: CategoryPatternChoice, Summary: summary}); err != nil {
			t.Fatalf("StoreDecision: %v", err)
		}
	}
	got, err := s.GetDecisionsForTask(ctx, "t")
	if err != nil {
		t.Fatalf("GetDecisionsForTask: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("decisions = %d, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Summary != want {
			t.Errorf("decision %d = %q, want %q", i, got[i].Summary, want)
		}
	}
}

func TestDecisionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := &Decision{
		TaskID:             "t",
		Agent:              "builder",
		Category:           CategoryAPIDesign,
		Summary:            "use a queue",
		Detail:             "buffer spikes",
		ComponentsAffected: []string{"ingest", "worker"},
		AlternativesConsidered: []Alternative{
			{Option: "sync calls", ReasonRejected: "couples services"},
		},
		Confidence: ConfidenceHigh,
	}
	if err := s.StoreDecision(ctx, in); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}

	got, err := s.GetDecision(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got == nil {
		t.Fatal("GetDecision returned nil")
	}
	if got.Category != CategoryAPIDesign || got.Confidence != ConfidenceHigh {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.ComponentsAffected) != 2 || len(got.AlternativesConsidered) != 1 {
		t.Errorf("round trip lost JSON columns: %+v", got)
	}
}

func TestGetDecision_Missing(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetDecision(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing decision", got)
	}
}

// --- review tests ---

func TestStoreReview_RequiresExactlyOneSubject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.StoreReview(ctx, &ReviewVerdict{Verdict: VerdictApproved}); err == nil {
		t.Error("review with neither subject accepted")
	}
	if err := s.StoreReview(ctx, &ReviewVerdict{
		DecisionID: "d", PlanID: "p", Verdict: VerdictApproved,
	}); err == nil {
		t.Error("review with both subjects accepted")
	}
	if err := s.StoreReview(ctx, &ReviewVerdict{DecisionID: "d", Verdict: VerdictApproved}); err != nil {
		t.Errorf("decision review: %v", err)
	}
	if err := s.StoreReview(ctx, &ReviewVerdict{PlanID: "p", Verdict: VerdictApproved}); err != nil {
		t.Errorf("plan review: %v", err)
	}
}

func TestHasUnresolvedBlocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d1 := &Decision{TaskID: "t", Category: CategoryComponentDesign}
	if err := s.StoreDecision(ctx, d1); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	if err := s.StoreReview(ctx, &ReviewVerdict{
		DecisionID: d1.ID, Verdict: VerdictBlocked, CreatedAt: base,
	}); err != nil {
		t.Fatalf("StoreReview: %v", err)
	}
	blocked, err := s.HasUnresolvedBlocks(ctx, "t")
	if err != nil {
		t.Fatalf("HasUnresolvedBlocks: %v", err)
	}
	if !blocked {
		t.Fatal("blocked decision not reported")
	}

	// A later approved decision does not clear the earlier block.
	d2 := &Decision{TaskID: "t", Category: CategoryComponentDesign}
	if err := s.StoreDecision(ctx, d2); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	if err := s.StoreReview(ctx, &ReviewVerdict{
		DecisionID: d2.ID, Verdict: VerdictApproved, CreatedAt: base.Add(time.Minute),
	}); err != nil {
		t.Fatalf("StoreReview: %v", err)
	}
	blocked, err = s.HasUnresolvedBlocks(ctx, "t")
	if err != nil {
		t.Fatalf("HasUnresolvedBlocks: %v", err)
	}
	if !blocked {
		t.Error("later approval of a different decision cleared the block")
	}

	// Re-review of the blocked decision itself does.
	if err := s.StoreReview(ctx, &ReviewVerdict{
		DecisionID: d1.ID, Verdict: VerdictApproved, CreatedAt: base.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("StoreReview: %v", err)
	}
	blocked, err = s.HasUnresolvedBlocks(ctx, "t")
	if err != nil {
		t.Fatalf("HasUnresolvedBlocks: %v", err)
	}
	if blocked {
		t.Error("re-approved decision still reported blocked")
	}
}

// --- governed task tests ---

func TestGovernedTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &GovernedTaskRecord{TaskID: "task-1", Subject: "build thing", SessionID: "sess"}
	if err := s.StoreGovernedTask(ctx, rec); err != nil {
		t.Fatalf("StoreGovernedTask: %v", err)
	}
	if rec.CurrentStatus != TaskStatusPendingReview {
		t.Errorf("default status = %q, want pending_review", rec.CurrentStatus)
	}

	if err := s.UpdateGovernedTaskStatus(ctx, "task-1", TaskStatusApproved); err != nil {
		t.Fatalf("UpdateGovernedTaskStatus: %v", err)
	}
	got, err := s.GetGovernedTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetGovernedTask: %v", err)
	}
	if got.CurrentStatus != TaskStatusApproved {
		t.Errorf("status = %q, want approved", got.CurrentStatus)
	}

	if err := s.UpdateGovernedTaskStatus(ctx, "missing", TaskStatusBlocked); err == nil {
		t.Error("update of missing task succeeded")
	}
}

func TestGetTasksForSession_OldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"t1", "t2", "t3"} {
		err := s.StoreGovernedTask(ctx, &GovernedTaskRecord{
			TaskID: id, SessionID: "sess", CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("StoreGovernedTask: %v", err)
		}
	}
	got, err := s.GetTasksForSession(ctx, "sess")
	if err != nil {
		t.Fatalf("GetTasksForSession: %v", err)
	}
	if len(got) != 3 || got[0].TaskID != "t1" || got[2].TaskID != "t3" {
		t.Errorf("session tasks = %+v", got)
	}
}

// --- task review tests ---

func TestTaskReviewDefaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &TaskReviewRecord{ReviewTaskID: "review-t", ImplTaskID: "t"}
	if err := s.StoreTaskReview(ctx, r); err != nil {
		t.Fatalf("StoreTaskReview: %v", err)
	}
	if r.Status != ReviewStatusPending || r.ReviewType != ReviewTypeGovernance {
		t.Errorf("defaults = %q/%q, want pending/governance", r.Status, r.ReviewType)
	}

	got, err := s.GetTaskReviewByReviewTask(ctx, "review-t")
	if err != nil {
		t.Fatalf("GetTaskReviewByReviewTask: %v", err)
	}
	if got == nil || got.ImplTaskID != "t" {
		t.Errorf("lookup by review task = %+v", got)
	}
}

func TestUpdateTaskReview(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &TaskReviewRecord{ReviewTaskID: "review-t", ImplTaskID: "t"}
	if err := s.StoreTaskReview(ctx, r); err != nil {
		t.Fatalf("StoreTaskReview: %v", err)
	}
	findings := []Finding{{Tier: "architecture", Severity: "high", Description: "skips the queue"}}
	if err := s.UpdateTaskReview(ctx, r.ID, ReviewStatusBlocked, VerdictBlocked, findings, "use the queue"); err != nil {
		t.Fatalf("UpdateTaskReview: %v", err)
	}

	got, err := s.GetTaskReviewByReviewTask(ctx, "review-t")
	if err != nil {
		t.Fatalf("GetTaskReviewByReviewTask: %v", err)
	}
	if got.Status != ReviewStatusBlocked || got.Verdict != VerdictBlocked {
		t.Errorf("status/verdict = %q/%q", got.Status, got.Verdict)
	}
	if len(got.Findings) != 1 || got.Guidance != "use the queue" {
		t.Errorf("findings/guidance lost: %+v", got)
	}
}

// --- holistic review tests ---

func TestHolisticReviewIsPerSessionSingleton(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := &HolisticReviewRecord{SessionID: "sess", Verdict: VerdictApproved, TaskIDs: []string{"a"}}
	if err := s.StoreHolisticReview(ctx, first); err != nil {
		t.Fatalf("StoreHolisticReview: %v", err)
	}
	second := &HolisticReviewRecord{SessionID: "sess", Verdict: VerdictBlocked, TaskIDs: []string{"a", "b"}}
	if err := s.StoreHolisticReview(ctx, second); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetHolisticReviewForSession(ctx, "sess")
	if err != nil {
		t.Fatalf("GetHolisticReviewForSession: %v", err)
	}
	if got.Verdict != VerdictBlocked || len(got.TaskIDs) != 2 {
		t.Errorf("upsert did not replace: %+v", got)
	}

	missing, err := s.GetHolisticReviewForSession(ctx, "other")
	if err != nil {
		t.Fatalf("missing session: %v", err)
	}
	if missing != nil {
		t.Errorf("got %+v for session without review", missing)
	}
}

// --- aggregate tests ---

func TestGetStatus_LatestReviewWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := &Decision{TaskID: "t", Category: CategoryComponentDesign}
	if err := s.StoreDecision(ctx, d); err != nil {
		t.Fatalf("StoreDecision: %v", err)
	}
	base := time.Now().UTC().Add(-time.Hour)
	if err := s.StoreReview(ctx, &ReviewVerdict{DecisionID: d.ID, Verdict: VerdictBlocked, CreatedAt: base}); err != nil {
		t.Fatalf("StoreReview: %v", err)
	}
	if err := s.StoreReview(ctx, &ReviewVerdict{DecisionID: d.ID, Verdict: VerdictApproved, CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("StoreReview: %v", err)
	}

	st, err := s.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.TotalDecisions != 1 || st.Approved != 1 || st.Blocked != 0 {
		t.Errorf("status = %+v, want latest verdict only", st)
	}
}

func TestGetTaskGovernanceStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []*GovernedTaskRecord{
		{TaskID: "a", CurrentStatus: TaskStatusApproved},
		{TaskID: "b", CurrentStatus: TaskStatusApproved},
		{TaskID: "c", CurrentStatus: TaskStatusBlocked},
		{TaskID: "d"},
	}
	for _, r := range records {
		if err := s.StoreGovernedTask(ctx, r); err != nil {
			t.Fatalf("StoreGovernedTask: %v", err)
		}
	}
	stats, err := s.GetTaskGovernanceStats(ctx)
	if err != nil {
		t.Fatalf("GetTaskGovernanceStats: %v", err)
	}
	if stats.Total != 4 || stats.Approved != 2 || stats.Blocked != 1 || stats.PendingReview != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
