package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"govfabric/internal/governance"
	"govfabric/internal/kg"
	"govfabric/internal/llm"
	"govfabric/internal/reviewer"
	"govfabric/internal/taskfile"
)

type fixture struct {
	pipeline *Pipeline
	store    *governance.Store
	tasks    *taskfile.Manager
	graph    *kg.Store
	mock     *llm.Mock
	spawner  *NopSpawner
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := governance.NewStore(governance.StoreConfig{DSN: filepath.Join(dir, "governance.db")})
	if err != nil {
		t.Fatalf("governance.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tasks, err := taskfile.NewManager(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatalf("taskfile.NewManager: %v", err)
	}
	graph, err := kg.Open(filepath.Join(dir, "kg.jsonl"), 0)
	if err != nil {
		t.Fatalf("kg.Open: %v", err)
	}

	mock := llm.NewMock()
	spawner := &NopSpawner{}
	if cfg.FlagDir == "" {
		cfg.FlagDir = filepath.Join(dir, "flags")
	}
	if cfg.SettleInterval == 0 {
		cfg.SettleInterval = time.Millisecond
	}
	p := New(store, tasks, graph, reviewer.New(mock, time.Second, "test-reviewer"), spawner, cfg)
	return &fixture{pipeline: p, store: store, tasks: tasks, graph: graph, mock: mock, spawner: spawner}
}

func (f *fixture) createImplTask(t *testing.T, id, subject string) {
	t.Helper()
	if err := f.tasks.CreateTask(&taskfile.Task{ID: id, Subject: subject}); err != nil {
		t.Fatalf("CreateTask %s: %v", id, err)
	}
}

func (f *fixture) intercept(t *testing.T, sessionID, taskID, subject string) *InterceptResult {
	t.Helper()
	res, err := f.pipeline.Intercept(context.Background(), HookEvent{
		SessionID: sessionID,
		TaskID:    taskID,
		Subject:   subject,
	})
	if err != nil {
		t.Fatalf("Intercept %s: %v", taskID, err)
	}
	return res
}

// --- intercept tests ---

func TestIntercept_PairsReviewAndBlocks(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "build the ingest worker")

	res := f.intercept(t, "sess-a", "impl-1", "build the ingest worker")
	if res.Skipped {
		t.Fatalf("skipped: %s", res.SkipReason)
	}
	if res.ReviewTaskID != "review-impl-1" {
		t.Errorf("review task = %q", res.ReviewTaskID)
	}

	impl, err := f.tasks.ReadTask("impl-1")
	if err != nil {
		t.Fatalf("ReadTask: %v", err)
	}
	if len(impl.BlockedBy) != 1 || impl.BlockedBy[0] != "review-impl-1" {
		t.Errorf("blockedBy = %v", impl.BlockedBy)
	}

	review, err := f.tasks.ReadTask("review-impl-1")
	if err != nil {
		t.Fatalf("read review task: %v", err)
	}
	if !strings.HasPrefix(review.Subject, "[GOVERNANCE]") {
		t.Errorf("review subject = %q", review.Subject)
	}

	record, err := f.store.GetGovernedTask(context.Background(), "impl-1")
	if err != nil {
		t.Fatalf("GetGovernedTask: %v", err)
	}
	if record == nil || record.CurrentStatus != governance.TaskStatusPendingReview {
		t.Errorf("governed record = %+v", record)
	}

	if len(f.spawner.SettleChecks) != 1 || f.spawner.SettleChecks[0] != "sess-a" {
		t.Errorf("settle checks = %v", f.spawner.SettleChecks)
	}
	blocked, _, err := f.pipeline.SessionGateBlocked("sess-a")
	if err != nil {
		t.Fatalf("SessionGateBlocked: %v", err)
	}
	if !blocked {
		t.Error("holistic flag not raised on intercept")
	}
}

func TestIntercept_SkipsReviewTasks(t *testing.T) {
	f := newFixture(t, Config{})

	res := f.intercept(t, "sess-a", "review-impl-1", "[GOVERNANCE] Review: x")
	if !res.Skipped || res.SkipReason != "review task id" {
		t.Errorf("result = %+v", res)
	}
	res = f.intercept(t, "sess-a", "impl-2", "[SECURITY] Review: y")
	if !res.Skipped {
		t.Errorf("review subject not skipped: %+v", res)
	}
	if len(f.spawner.SettleChecks) != 0 {
		t.Error("settle check spawned for a skipped event")
	}
}

func TestIntercept_AlreadyGovernedIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")

	f.intercept(t, "sess-a", "impl-1", "task one")
	res := f.intercept(t, "sess-a", "impl-1", "task one")
	if !res.Skipped || res.SkipReason != "already governed" {
		t.Errorf("result = %+v", res)
	}

	impl, _ := f.tasks.ReadTask("impl-1")
	if len(impl.BlockedBy) != 1 {
		t.Errorf("blockedBy = %v, second intercept stacked a review", impl.BlockedBy)
	}
}

func TestIntercept_DiscoversTaskWhenIDMissing(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-a", "build the ingest worker")
	f.createImplTask(t, "impl-b", "build the ingest worker")
	f.createImplTask(t, "impl-c", "unrelated cleanup")
	if err := f.tasks.AddBlocker("impl-a", "dep-1"); err != nil {
		t.Fatalf("AddBlocker: %v", err)
	}

	// Blocked tasks and subject mismatches are not candidates.
	res := f.intercept(t, "sess-a", "", "build the ingest worker")
	if res.Skipped {
		t.Fatalf("skipped: %s", res.SkipReason)
	}
	if res.ImplTaskID != "impl-b" {
		t.Errorf("discovered = %q, want the unblocked subject match", res.ImplTaskID)
	}

	// impl-b is now governed and blocked by its review; with no subject the
	// scan falls through to the remaining free task.
	res = f.intercept(t, "sess-a", "", "")
	if res.Skipped {
		t.Fatalf("skipped: %s", res.SkipReason)
	}
	if res.ImplTaskID != "impl-c" {
		t.Errorf("discovered = %q, want the ungoverned task", res.ImplTaskID)
	}

	// When every candidate is already governed, the first match is returned
	// and the intercept skips it rather than erroring.
	if err := f.pipeline.ReleaseTask(context.Background(), "review-impl-b",
		governance.VerdictApproved, "", nil); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	res = f.intercept(t, "sess-b", "", "build the ingest worker")
	if !res.Skipped || res.SkipReason != "already governed" {
		t.Errorf("result = %+v", res)
	}

	// With no tasks at all the event is skipped, not an error.
	empty := newFixture(t, Config{})
	res = empty.intercept(t, "sess-a", "", "")
	if !res.Skipped {
		t.Errorf("result = %+v", res)
	}
}

// --- release tests ---

func TestReleaseTask_ApprovalUnblocksAndApproves(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")
	f.intercept(t, "sess-a", "impl-1", "task one")

	err := f.pipeline.ReleaseTask(context.Background(), "review-impl-1",
		governance.VerdictApproved, "clean work", nil)
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}

	impl, _ := f.tasks.ReadTask("impl-1")
	if len(impl.BlockedBy) != 0 {
		t.Errorf("blockedBy = %v after approval", impl.BlockedBy)
	}
	review, _ := f.tasks.ReadTask("review-impl-1")
	if review.Status != taskfile.StatusCompleted {
		t.Errorf("review status = %q", review.Status)
	}

	status, err := f.pipeline.TaskGovernanceStatus(context.Background(), "impl-1")
	if err != nil {
		t.Fatalf("TaskGovernanceStatus: %v", err)
	}
	if !status.CanExecute || status.CurrentStatus != governance.TaskStatusApproved {
		t.Errorf("status = %+v", status)
	}
}

func TestReleaseTask_BlockKeepsBlockerAndAppendsGuidance(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")
	f.intercept(t, "sess-a", "impl-1", "task one")

	err := f.pipeline.ReleaseTask(context.Background(), "review-impl-1",
		governance.VerdictBlocked, "conflicts with the storage standard", nil)
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}

	impl, _ := f.tasks.ReadTask("impl-1")
	if len(impl.BlockedBy) != 1 {
		t.Errorf("blockedBy = %v, blocker must stay", impl.BlockedBy)
	}
	if !strings.Contains(impl.Description, "conflicts with the storage standard") {
		t.Errorf("description = %q, guidance not appended", impl.Description)
	}

	status, _ := f.pipeline.TaskGovernanceStatus(context.Background(), "impl-1")
	if status.CanExecute || status.CurrentStatus != governance.TaskStatusBlocked {
		t.Errorf("status = %+v", status)
	}
}

func TestReleaseTask_UnknownVerdictAndMissingReview(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")
	f.intercept(t, "sess-a", "impl-1", "task one")

	if err := f.pipeline.ReleaseTask(context.Background(), "review-impl-1", "maybe", "", nil); err == nil {
		t.Error("unknown verdict accepted")
	}
	if err := f.pipeline.ReleaseTask(context.Background(), "review-ghost", governance.VerdictApproved, "", nil); err == nil {
		t.Error("release of unknown review accepted")
	}
}

func TestAddAdditionalReview_ReBlocksApprovedTask(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")
	f.intercept(t, "sess-a", "impl-1", "task one")
	if err := f.pipeline.ReleaseTask(context.Background(), "review-impl-1",
		governance.VerdictApproved, "", nil); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}

	tr, err := f.pipeline.AddAdditionalReview(context.Background(), "impl-1", governance.ReviewTypeSecurity)
	if err != nil {
		t.Fatalf("AddAdditionalReview: %v", err)
	}
	if !strings.HasPrefix(tr.ReviewTaskID, taskfile.ReviewPrefix) {
		t.Errorf("review task id = %q", tr.ReviewTaskID)
	}

	status, _ := f.pipeline.TaskGovernanceStatus(context.Background(), "impl-1")
	if status.CanExecute {
		t.Error("task executable with a fresh pending review")
	}
	if status.CurrentStatus != governance.TaskStatusPendingReview {
		t.Errorf("status = %q", status.CurrentStatus)
	}

	// Approving the stacked review releases the task again.
	if err := f.pipeline.ReleaseTask(context.Background(), tr.ReviewTaskID,
		governance.VerdictApproved, "", nil); err != nil {
		t.Fatalf("release stacked review: %v", err)
	}
	status, _ = f.pipeline.TaskGovernanceStatus(context.Background(), "impl-1")
	if !status.CanExecute {
		t.Errorf("status = %+v after final approval", status)
	}
}

// --- decision tests ---

func TestSubmitDecision_AutoFlaggedCategory(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")
	f.intercept(t, "sess-a", "impl-1", "task one")

	v, err := f.pipeline.SubmitDecision(context.Background(), &governance.Decision{
		TaskID:   "impl-1",
		Agent:    "builder",
		Category: governance.CategoryDeviation,
		Summary:  "skipping the migration step",
	})
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if v.Verdict != governance.VerdictNeedsHumanReview || v.Reviewer != "auto-flag" {
		t.Errorf("verdict = %+v, want auto-flagged human review", v)
	}
	if len(f.mock.Prompts()) != 0 {
		t.Error("auto-flagged decision consulted the model")
	}
}

func TestSubmitDecision_ReviewedCategoryGoesToModel(t *testing.T) {
	f := newFixture(t, Config{})
	f.createImplTask(t, "impl-1", "task one")
	f.intercept(t, "sess-a", "impl-1", "task one")
	f.mock.SetResponse(llm.RoleReview, `{"verdict":"approved","guidance":"fits the component layout"}`)

	v, err := f.pipeline.SubmitDecision(context.Background(), &governance.Decision{
		TaskID:   "impl-1",
		Agent:    "builder",
		Category: governance.CategoryPatternChoice,
		Summary:  "use the existing worker pool",
	})
	if err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	if v.Verdict != governance.VerdictApproved {
		t.Errorf("verdict = %q", v.Verdict)
	}
	if len(f.mock.Prompts()) != 1 {
		t.Errorf("model calls = %d, want 1", len(f.mock.Prompts()))
	}

	decisions, err := f.store.GetDecisionsForTask(context.Background(), "impl-1")
	if err != nil {
		t.Fatalf("GetDecisionsForTask: %v", err)
	}
	if len(decisions) != 1 {
		t.Errorf("decisions = %d", len(decisions))
	}
}
