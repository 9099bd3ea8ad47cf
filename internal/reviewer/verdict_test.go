package reviewer

import (
	"testing"

	"govfabric/internal/governance"
)

func TestParseVerdict_DirectJSON(t *testing.T) {
	v := ParseVerdict(`{"verdict":"approved","guidance":"looks good","standards_verified":["layering"]}`)
	if v.Verdict != governance.VerdictApproved {
		t.Errorf("verdict = %q, want approved", v.Verdict)
	}
	if v.Guidance != "looks good" || len(v.StandardsVerified) != 1 {
		t.Errorf("fields lost: %+v", v)
	}
}

func TestParseVerdict_FencedBlock(t *testing.T) {
	text := "Here is my assessment:\n```json\n{\"verdict\":\"blocked\",\"guidance\":\"fix it\"}\n```\nThanks."
	v := ParseVerdict(text)
	if v.Verdict != governance.VerdictBlocked {
		t.Errorf("verdict = %q, want blocked", v.Verdict)
	}
}

func TestParseVerdict_EmbeddedObject(t *testing.T) {
	text := `The model rambles first. {"verdict":"approved","guidance":"ok"} And rambles after.`
	v := ParseVerdict(text)
	if v.Verdict != governance.VerdictApproved {
		t.Errorf("verdict = %q, want approved", v.Verdict)
	}
}

func TestParseVerdict_Garbage(t *testing.T) {
	v := ParseVerdict("I cannot answer in JSON today.")
	if v.Verdict != governance.VerdictNeedsHumanReview {
		t.Errorf("verdict = %q, want needs_human_review", v.Verdict)
	}
	if v.Guidance == "" {
		t.Error("guidance must name the parse failure")
	}
}

func TestParseVerdict_UnknownVerdictString(t *testing.T) {
	v := ParseVerdict(`{"verdict":"maybe-fine"}`)
	if v.Verdict != governance.VerdictNeedsHumanReview {
		t.Errorf("verdict = %q, want needs_human_review for unknown string", v.Verdict)
	}
}

func TestParseVerdict_FindingDefaults(t *testing.T) {
	v := ParseVerdict(`{"verdict":"blocked","findings":[{"suggestion":"add tests"}]}`)
	if len(v.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(v.Findings))
	}
	f := v.Findings[0]
	if f.Tier != "quality" || f.Severity != "medium" || f.Description == "" {
		t.Errorf("finding defaults not applied: %+v", f)
	}
}
