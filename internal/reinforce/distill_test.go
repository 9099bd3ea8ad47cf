package reinforce

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"govfabric/internal/llm"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestDistill_ShortPromptWrapsDirectly(t *testing.T) {
	mock := llm.NewMock()
	d := NewDistiller(mock)
	transcript := writeTranscript(t,
		`{"role":"assistant","content":"hi"}`,
		`{"role":"user","content":"fix the flaky login test"}`,
	)
	contextPath := filepath.Join(t.TempDir(), "context.json")

	if err := d.Distill(context.Background(), "sess-a", transcript, contextPath); err != nil {
		t.Fatalf("Distill: %v", err)
	}
	if len(mock.Prompts()) != 0 {
		t.Error("short prompt went through the model")
	}

	sc, err := ReadSessionContext(contextPath)
	if err != nil {
		t.Fatalf("ReadSessionContext: %v", err)
	}
	if len(sc.KeyPoints) != 1 || sc.KeyPoints[0].Text != "fix the flaky login test" {
		t.Errorf("key points = %+v", sc.KeyPoints)
	}
	if sc.KeyPoints[0].Status != GoalActive {
		t.Errorf("status = %q", sc.KeyPoints[0].Status)
	}
}

func TestDistill_LongPromptUsesModel(t *testing.T) {
	mock := llm.NewMock()
	mock.SetResponse(llm.RoleDistill,
		`{"key_points":[{"text":"migrate auth to the new provider","status":"active"}],"constraints":["keep sessions valid"],"key_decisions":["use OIDC"],"discoveries":[]}`)
	d := NewDistiller(mock)

	long := strings.Repeat("please migrate the authentication system carefully ", 10)
	transcript := writeTranscript(t, `{"role":"user","content":"`+long+`"}`)
	contextPath := filepath.Join(t.TempDir(), "context.json")

	if err := d.Distill(context.Background(), "sess-a", transcript, contextPath); err != nil {
		t.Fatalf("Distill: %v", err)
	}
	if len(mock.Prompts()) != 1 || mock.Prompts()[0].Role != llm.RoleDistill {
		t.Errorf("prompts = %+v", mock.Prompts())
	}

	sc, err := ReadSessionContext(contextPath)
	if err != nil {
		t.Fatalf("ReadSessionContext: %v", err)
	}
	if len(sc.KeyPoints) != 1 || !strings.Contains(sc.KeyPoints[0].Text, "migrate auth") {
		t.Errorf("key points = %+v", sc.KeyPoints)
	}
	if len(sc.Constraints) != 1 || len(sc.KeyDecisions) != 1 {
		t.Errorf("context = %+v", sc)
	}
}

func TestDistill_ModelFailureFallsBackToDirectWrap(t *testing.T) {
	mock := llm.NewMock()
	mock.SetResponse(llm.RoleDistill, "not json at all")
	d := NewDistiller(mock)

	long := strings.Repeat("long prompt text here ", 20)
	transcript := writeTranscript(t, `{"role":"user","content":"`+long+`"}`)
	contextPath := filepath.Join(t.TempDir(), "context.json")

	if err := d.Distill(context.Background(), "sess-a", transcript, contextPath); err != nil {
		t.Fatalf("Distill: %v", err)
	}
	sc, err := ReadSessionContext(contextPath)
	if err != nil {
		t.Fatalf("ReadSessionContext: %v", err)
	}
	if len(sc.KeyPoints) != 1 || !strings.Contains(sc.KeyPoints[0].Text, "long prompt") {
		t.Errorf("fallback key points = %+v", sc.KeyPoints)
	}
}

func TestDistill_RefreshMergesIntoExisting(t *testing.T) {
	d := NewDistiller(llm.NewMock())
	transcript := writeTranscript(t, `{"role":"user","content":"fix the flaky login test"}`)
	contextPath := filepath.Join(t.TempDir(), "context.json")

	existing := &SessionContext{
		SessionID:   "sess-a",
		KeyPoints:   []KeyPoint{{Text: "fix the flaky login test", Status: GoalCompleted}},
		Discoveries: []string{"flake is a timezone issue"},
	}
	if err := WriteSessionContext(contextPath, existing); err != nil {
		t.Fatalf("seed context: %v", err)
	}

	if err := d.Distill(context.Background(), "sess-a", transcript, contextPath); err != nil {
		t.Fatalf("Distill: %v", err)
	}
	sc, err := ReadSessionContext(contextPath)
	if err != nil {
		t.Fatalf("ReadSessionContext: %v", err)
	}
	if sc.KeyPoints[0].Status != GoalCompleted {
		t.Error("completed status lost on refresh")
	}
	if len(sc.Discoveries) != 1 {
		t.Errorf("discoveries = %v", sc.Discoveries)
	}
}

func TestDistill_EmptyTranscript(t *testing.T) {
	d := NewDistiller(llm.NewMock())
	transcript := writeTranscript(t, `{"role":"assistant","content":"hello"}`)
	err := d.Distill(context.Background(), "sess-a", transcript, filepath.Join(t.TempDir(), "context.json"))
	if err == nil {
		t.Error("transcript without a user message accepted")
	}
}

func TestFirstUserMessage_Shapes(t *testing.T) {
	// Nested message wrapper with text-block content.
	path := writeTranscript(t,
		`{"type":"meta","summary":"x"}`,
		`{"message":{"role":"user","content":[{"type":"text","text":"part one"},{"type":"tool_use","text":"skip"},{"type":"text","text":"part two"}]}}`,
	)
	got, err := firstUserMessage(path)
	if err != nil {
		t.Fatalf("firstUserMessage: %v", err)
	}
	if got != "part one\npart two" {
		t.Errorf("message = %q", got)
	}

	// Corrupt lines are skipped, not fatal.
	path = writeTranscript(t,
		`{broken`,
		`{"role":"user","content":"after the corruption"}`,
	)
	got, err = firstUserMessage(path)
	if err != nil {
		t.Fatalf("firstUserMessage: %v", err)
	}
	if got != "after the corruption" {
		t.Errorf("message = %q", got)
	}
}
