package reviewer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"govfabric/internal/governance"
	"govfabric/internal/llm"
)

func TestReviewDecision_ParsesProviderVerdict(t *testing.T) {
	mock := llm.NewMock()
	mock.SetResponse(llm.RoleReview, `{"verdict":"blocked","guidance":"conflicts with the layering standard"}`)
	r := New(mock, time.Second, "test-reviewer")

	d := &governance.Decision{ID: "dec_1234abcd", Summary: "switch queue library"}
	v := r.ReviewDecision(context.Background(), d, nil, nil, nil)

	if v.Verdict != governance.VerdictBlocked {
		t.Errorf("verdict = %q, want blocked", v.Verdict)
	}
	if v.DecisionID != d.ID {
		t.Errorf("decisionID = %q, want %q", v.DecisionID, d.ID)
	}
	if v.Reviewer != "test-reviewer" {
		t.Errorf("reviewer = %q", v.Reviewer)
	}
}

func TestReviewPlan_StampsPlanID(t *testing.T) {
	mock := llm.NewMock()
	r := New(mock, time.Second, "")

	v := r.ReviewPlan(context.Background(), "impl-7", "plan text", nil, nil)
	if v.PlanID != "impl-7" {
		t.Errorf("planID = %q, want impl-7", v.PlanID)
	}
	if v.Reviewer != "governance-reviewer" {
		t.Errorf("default reviewer name = %q", v.Reviewer)
	}
}

func TestRun_ProviderFailureFoldsToHumanReview(t *testing.T) {
	mock := llm.NewMock()
	mock.Fail(errors.New("model timed out"))
	r := New(mock, time.Second, "")

	v := r.ReviewPlan(context.Background(), "impl-7", "plan text", nil, nil)
	if v.Verdict != governance.VerdictNeedsHumanReview {
		t.Errorf("verdict = %q, want needs_human_review", v.Verdict)
	}
	if !strings.Contains(v.Guidance, "Automated review failed") {
		t.Errorf("guidance = %q, want failure notice", v.Guidance)
	}
	if !strings.Contains(v.Guidance, "model timed out") {
		t.Errorf("guidance = %q, want underlying error named", v.Guidance)
	}
}

func TestRun_UnparseableResponseFoldsToHumanReview(t *testing.T) {
	mock := llm.NewMock()
	mock.SetResponse(llm.RoleReview, "Sorry, no JSON from me.")
	r := New(mock, time.Second, "")

	v := r.ReviewCompletion(context.Background(), &governance.GovernedTaskRecord{TaskID: "impl-7"}, "done", nil, nil)
	if v.Verdict != governance.VerdictNeedsHumanReview {
		t.Errorf("verdict = %q, want needs_human_review", v.Verdict)
	}
}

func TestMockMode_ShortCircuitsWithoutProviderCall(t *testing.T) {
	t.Setenv(llm.MockEnvVar, "1")
	mock := llm.NewMock()
	mock.Fail(errors.New("should never be called"))
	r := New(mock, time.Second, "")

	v := r.ReviewTaskGroup(context.Background(), nil, "", nil, nil)
	if v.Verdict != governance.VerdictApproved {
		t.Errorf("verdict = %q, want approved under mock mode", v.Verdict)
	}
	if len(mock.Prompts()) != 0 {
		t.Error("provider was called in mock mode")
	}
}
