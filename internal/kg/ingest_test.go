package kg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

const visionDoc = `# Vision Standard: Agent Accountability

## Statement

Every agent action is attributable and reviewable.

## Rationale

Without attribution there is no governance.
`

func TestIngestFile(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "accountability.md", visionDoc)

	name, err := NewIngester(s).IngestFile(path, TierVision)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if name != "agent_accountability" {
		t.Errorf("entity name = %q, want agent_accountability", name)
	}

	view, err := s.GetEntity(name)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if view.Entity.Kind != KindVisionStandard {
		t.Errorf("kind = %q, want vision_standard", view.Entity.Kind)
	}
	if view.Entity.Tier() != TierVision {
		t.Errorf("tier = %q, want vision", view.Entity.Tier())
	}

	var gotStatement bool
	for _, obs := range view.Entity.Observations {
		if strings.HasPrefix(obs, StatementPrefix) && strings.Contains(obs, "attributable") {
			gotStatement = true
		}
	}
	if !gotStatement {
		t.Errorf("statement observation missing: %v", view.Entity.Observations)
	}
}

func TestIngestFile_NoTitle(t *testing.T) {
	s := openTestStore(t)
	path := writeDoc(t, t.TempDir(), "untitled.md", "just text, no heading\n")
	if _, err := NewIngester(s).IngestFile(path, TierQuality); err == nil {
		t.Error("document without H1 accepted, want error")
	}
}

func TestIngestFile_ReplacesExisting(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "doc.md", "# Pattern: Retry Loop\n\n## Description\n\nfirst version\n")
	ing := NewIngester(s)

	if _, err := ing.IngestFile(path, TierQuality); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	writeDoc(t, dir, "doc.md", "# Pattern: Retry Loop\n\n## Description\n\nsecond version\n")
	if _, err := ing.IngestFile(path, TierQuality); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}

	view, err := s.GetEntity("retry_loop")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	joined := strings.Join(view.Entity.Observations, "\n")
	if strings.Contains(joined, "first version") {
		t.Error("re-ingestion kept stale observations")
	}
	if !strings.Contains(joined, "second version") {
		t.Error("re-ingestion missing new observations")
	}
}

func TestIngestFolder_SkipsReadme(t *testing.T) {
	s := openTestStore(t)
	dir := t.TempDir()
	writeDoc(t, dir, "README.md", "# Index\n")
	writeDoc(t, dir, "one.md", "# Component: Gateway\n\n## Type\n\ncomponent\n")
	writeDoc(t, dir, filepath.Join("nested", "two.md"), "# Pattern: Backoff\n\n## Type\n\npattern\n")

	res, err := NewIngester(s).IngestFolder(dir, TierArchitecture)
	if err != nil {
		t.Fatalf("IngestFolder: %v", err)
	}
	if len(res.Created) != 2 {
		t.Fatalf("created = %v, want 2 entities", res.Created)
	}
	if len(res.Errors) != 0 {
		t.Errorf("errors = %v, want none", res.Errors)
	}

	gw, err := s.GetEntity("gateway")
	if err != nil {
		t.Fatalf("gateway entity: %v", err)
	}
	if gw.Entity.Kind != KindComponent {
		t.Errorf("gateway kind = %q, want component (from Type section)", gw.Entity.Kind)
	}
}

func TestParseDocument_StripsCodeFences(t *testing.T) {
	doc := parseDocument("# T\n\n## Description\n\nbefore\n```go\nfunc secret() {}\n```\nafter\n")
	got := doc.sections["Description"]
	if strings.Contains(got, "secret") {
		t.Errorf("code fence leaked into section: %q", got)
	}
	if !strings.Contains(got, "before") || !strings.Contains(got, "after") {
		t.Errorf("section text lost: %q", got)
	}
}

func TestEntityName(t *testing.T) {
	cases := map[string]string{
		"Vision Standard: Agent Accountability": "agent_accountability",
		"Pattern: Retry  Loop!":                 "retry_loop",
		"plain title":                           "plain_title",
	}
	for in, want := range cases {
		if got := entityName(in); got != want {
			t.Errorf("entityName(%q) = %q, want %q", in, got, want)
		}
	}
}
