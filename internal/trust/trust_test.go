package trust

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(filepath.Join(t.TempDir(), "trust.db"))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestRecordFinding_Validation(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	if err := e.RecordFinding(ctx, &Finding{Tool: "vet", Severity: SeverityLow}); err == nil {
		t.Error("missing id accepted")
	}
	if err := e.RecordFinding(ctx, &Finding{ID: "f1", Severity: SeverityLow}); err == nil {
		t.Error("missing tool accepted")
	}
	if err := e.RecordFinding(ctx, &Finding{ID: "f1", Tool: "vet", Severity: "urgent"}); err == nil {
		t.Error("unknown severity accepted")
	}
}

func TestRecordFinding_ReRunKeepsDismissalState(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	f := &Finding{ID: "vet-001", Tool: "vet", Severity: SeverityHigh, Description: "shadowed err"}
	if err := e.RecordFinding(ctx, f); err != nil {
		t.Fatalf("RecordFinding: %v", err)
	}
	if err := e.RecordDismissal(ctx, "vet-001", "alice", "false positive, shadowing is deliberate"); err != nil {
		t.Fatalf("RecordDismissal: %v", err)
	}

	// A tool re-run reports the same finding id again.
	if err := e.RecordFinding(ctx, f); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	got, err := e.GetFinding(ctx, "vet-001")
	if err != nil {
		t.Fatalf("GetFinding: %v", err)
	}
	if got.Status != FindingDismissed {
		t.Errorf("status = %q, want dismissed preserved across re-record", got.Status)
	}
	if got.DismissedBy != "alice" || got.DismissedAt == nil {
		t.Errorf("dismissal fields lost: %+v", got)
	}
}

func TestRecordDismissal_RequiresJustification(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	if err := e.RecordFinding(ctx, &Finding{ID: "f1", Tool: "lint", Severity: SeverityMedium}); err != nil {
		t.Fatalf("RecordFinding: %v", err)
	}

	if err := e.RecordDismissal(ctx, "f1", "alice", "   "); err == nil {
		t.Error("blank justification accepted")
	}
	if err := e.RecordDismissal(ctx, "f1", "", "real reason"); err == nil {
		t.Error("missing dismissed_by accepted")
	}
	if err := e.RecordDismissal(ctx, "missing", "alice", "real reason"); err == nil {
		t.Error("dismissal of unknown finding accepted")
	}
}

func TestDismissalHistory_Accumulates(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	if err := e.RecordFinding(ctx, &Finding{ID: "f1", Tool: "lint", Severity: SeverityMedium}); err != nil {
		t.Fatalf("RecordFinding: %v", err)
	}

	if err := e.RecordDismissal(ctx, "f1", "alice", "first pass"); err != nil {
		t.Fatalf("first dismissal: %v", err)
	}
	if err := e.RecordDismissal(ctx, "f1", "bob", "second pass"); err != nil {
		t.Fatalf("second dismissal: %v", err)
	}

	hist, err := e.GetDismissalHistory(ctx, "f1")
	if err != nil {
		t.Fatalf("GetDismissalHistory: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history entries = %d, want 2", len(hist))
	}
	if hist[0].DismissedBy != "alice" || hist[1].DismissedBy != "bob" {
		t.Errorf("history order = %+v", hist)
	}

	f, _ := e.GetFinding(ctx, "f1")
	if f.DismissedBy != "bob" {
		t.Errorf("finding reflects %q, want latest dismisser", f.DismissedBy)
	}
}

func TestDecide_BlocksOpenTracksDismissed(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	if err := e.RecordFinding(ctx, &Finding{ID: "f1", Tool: "lint", Severity: SeverityMedium}); err != nil {
		t.Fatalf("RecordFinding: %v", err)
	}

	d, err := e.Decide(ctx, "f1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Decision != DecisionBlock {
		t.Errorf("open decision = %q, want BLOCK", d.Decision)
	}

	if err := e.RecordDismissal(ctx, "f1", "alice", "accepted risk"); err != nil {
		t.Fatalf("RecordDismissal: %v", err)
	}
	d, err = e.Decide(ctx, "f1")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Decision != DecisionTrack {
		t.Errorf("dismissed decision = %q, want TRACK", d.Decision)
	}
	if !strings.Contains(d.Rationale, "accepted risk") {
		t.Errorf("rationale = %q, want dismisser's justification", d.Rationale)
	}

	if _, err := e.Decide(ctx, "missing"); err == nil {
		t.Error("Decide on unknown finding succeeded")
	}
}

func TestListFindings_StatusFilter(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := e.RecordFinding(ctx, &Finding{ID: id, Tool: "lint", Severity: SeverityLow}); err != nil {
			t.Fatalf("RecordFinding %s: %v", id, err)
		}
	}
	if err := e.RecordDismissal(ctx, "b", "alice", "noise"); err != nil {
		t.Fatalf("RecordDismissal: %v", err)
	}

	open, err := e.ListFindings(ctx, FindingOpen)
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("open findings = %d, want 2", len(open))
	}
	all, err := e.ListFindings(ctx, "")
	if err != nil {
		t.Fatalf("ListFindings all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all findings = %d, want 3", len(all))
	}
}

func TestSeverity_Ordering(t *testing.T) {
	if !SeverityCritical.AtLeast(SeverityHigh) {
		t.Error("critical must outrank high")
	}
	if SeverityMedium.AtLeast(SeverityHigh) {
		t.Error("medium must not reach high")
	}
	if Severity("bogus").AtLeast(SeverityInfo) {
		t.Error("unknown severity must rank below info")
	}
}
