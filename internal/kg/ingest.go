package kg

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Ingester loads markdown standards documents into the knowledge graph. Each
// document becomes one entity; re-ingestion deletes the prior entity (human
// role) and creates the new one.
type Ingester struct {
	store *Store
}

// NewIngester creates an ingester over the given store.
func NewIngester(store *Store) *Ingester {
	return &Ingester{store: store}
}

// IngestError records a single document failure; successful documents are
// still created.
type IngestError struct {
	File string
	Err  error
}

// IngestResult summarizes a folder ingestion.
type IngestResult struct {
	Created []string
	Errors  []IngestError
}

// sectionNames are the markdown H2 sections extracted into observations.
var sectionNames = []string{
	"Type", "Statement", "Description", "Rationale", "Usage",
	"Examples", "Dependencies", "Intent", "Metrics", "Vision Alignment",
}

// titlePrefixes are stripped from the H1 before deriving the entity name.
var titlePrefixes = []string{
	"Vision Standard:", "Architectural Standard:", "Pattern:", "Component:",
}

// IngestFolder walks *.md files under dir (excluding README.md) and ingests
// each as an entity of the given tier.
func (ing *Ingester) IngestFolder(dir string, tier Tier) (*IngestResult, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, "**", "*.md"))
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", dir, err)
	}

	result := &IngestResult{}
	for _, path := range matches {
		if strings.EqualFold(filepath.Base(path), "README.md") {
			continue
		}
		name, err := ing.IngestFile(path, tier)
		if err != nil {
			result.Errors = append(result.Errors, IngestError{File: path, Err: err})
			continue
		}
		result.Created = append(result.Created, name)
	}
	return result, nil
}

// IngestFile parses one markdown document and creates (or replaces) its
// entity. Returns the entity name.
func (ing *Ingester) IngestFile(path string, tier Tier) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}

	doc := parseDocument(string(data))
	if doc.title == "" {
		return "", fmt.Errorf("document has no H1 title")
	}

	name := entityName(doc.title)
	kind := inferKind(tier, doc)

	observations := []string{
		TierPrefix + string(tier),
		TitlePrefix + doc.title,
		SourceFilePrefix + path,
	}
	if v := doc.sections["Statement"]; v != "" {
		observations = append(observations, StatementPrefix+v)
	}
	if v := doc.sections["Description"]; v != "" {
		observations = append(observations, DescriptionPrefix+v)
	}
	if v := doc.sections["Rationale"]; v != "" {
		observations = append(observations, RationalePrefix+v)
	}
	if v := doc.sections["Intent"]; v != "" {
		observations = append(observations, IntentPrefix+v)
	}
	for _, section := range []string{"Usage", "Examples", "Dependencies", "Metrics", "Vision Alignment"} {
		if v := doc.sections[section]; v != "" {
			observations = append(observations, strings.ToLower(strings.ReplaceAll(section, " ", "_"))+": "+v)
		}
	}

	// Re-ingestion replaces the prior entity wholesale.
	if _, err := ing.store.GetEntity(name); err == nil {
		if err := ing.store.DeleteEntity(name, RoleHuman); err != nil {
			return "", fmt.Errorf("replace existing entity: %w", err)
		}
	}

	if _, err := ing.store.CreateEntities([]Entity{{Name: name, Kind: kind, Observations: observations}}); err != nil {
		return "", err
	}
	return name, nil
}

// document is a parsed markdown standards file.
type document struct {
	title    string
	sections map[string]string
	body     string
}

var (
	h1Re      = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	h2Re      = regexp.MustCompile(`(?m)^##\s+(.+)$`)
	fenceRe   = regexp.MustCompile("(?s)```.*?```")
	spacesRe  = regexp.MustCompile(`\s+`)
	nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// parseDocument extracts the first H1 as the title and the known H2 sections.
// Fenced code blocks are stripped before whitespace collapse.
func parseDocument(content string) document {
	doc := document{sections: make(map[string]string), body: content}

	if m := h1Re.FindStringSubmatch(content); m != nil {
		doc.title = strings.TrimSpace(m[1])
	}

	// Split content by H2 headings, mapping section name → raw body.
	locs := h2Re.FindAllStringSubmatchIndex(content, -1)
	for i, loc := range locs {
		heading := strings.TrimSpace(content[loc[2]:loc[3]])
		start := loc[1]
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		for _, want := range sectionNames {
			if strings.EqualFold(heading, want) {
				doc.sections[want] = cleanSection(content[start:end])
				break
			}
		}
	}
	return doc
}

// cleanSection strips fenced code blocks and collapses whitespace.
func cleanSection(raw string) string {
	raw = fenceRe.ReplaceAllString(raw, " ")
	return strings.TrimSpace(spacesRe.ReplaceAllString(raw, " "))
}

// entityName derives the snake-case entity name from a document title after
// stripping the known display prefixes.
func entityName(title string) string {
	for _, prefix := range titlePrefixes {
		if strings.HasPrefix(title, prefix) {
			title = strings.TrimSpace(strings.TrimPrefix(title, prefix))
			break
		}
	}
	name := strings.ToLower(title)
	name = nonWordRe.ReplaceAllString(name, "_")
	return strings.Trim(name, "_")
}

// inferKind maps the document to an entity kind. Vision tier is always a
// vision standard. Architecture tier consults the Type section, then falls
// back to a content keyword scan.
func inferKind(tier Tier, doc document) Kind {
	if tier == TierVision {
		return KindVisionStandard
	}

	if typ := strings.ToLower(doc.sections["Type"]); typ != "" {
		switch {
		case strings.Contains(typ, "pattern"):
			return KindPattern
		case strings.Contains(typ, "component"):
			return KindComponent
		case strings.Contains(typ, "standard"):
			return KindArchitecturalStandard
		}
	}

	body := strings.ToLower(doc.body)
	switch {
	case strings.Contains(body, "pattern"):
		return KindPattern
	case strings.Contains(body, "component"):
		return KindComponent
	default:
		return KindArchitecturalStandard
	}
}
