package reviewer

import (
	"encoding/json"
	"strings"

	"govfabric/internal/governance"
)

// rawVerdict is the wire shape the model is instructed to produce.
type rawVerdict struct {
	Verdict           string       `json:"verdict"`
	Findings          []rawFinding `json:"findings"`
	Guidance          string       `json:"guidance"`
	StandardsVerified []string     `json:"standards_verified"`
	StrengthsSummary  string       `json:"strengths_summary"`
}

type rawFinding struct {
	Tier        string `json:"tier"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// ParseVerdict extracts a ReviewVerdict from raw model output. The parse is
// forgiving: direct JSON first, then a fenced block, then the first-{ to
// last-} slice. Unknown verdict strings map to needs_human_review.
func ParseVerdict(text string) *governance.ReviewVerdict {
	raw, ok := extractJSON(text)
	if !ok {
		return &governance.ReviewVerdict{
			Verdict:  governance.VerdictNeedsHumanReview,
			Guidance: "Reviewer response was not parseable JSON; a human must review this item.",
		}
	}

	v := &governance.ReviewVerdict{
		Verdict:           normalizeVerdict(raw.Verdict),
		Guidance:          raw.Guidance,
		StandardsVerified: raw.StandardsVerified,
		StrengthsSummary:  raw.StrengthsSummary,
	}
	for _, f := range raw.Findings {
		v.Findings = append(v.Findings, governance.Finding{
			Tier:        defaultStr(f.Tier, "quality"),
			Severity:    defaultStr(f.Severity, "medium"),
			Description: defaultStr(f.Description, "(no description)"),
			Suggestion:  f.Suggestion,
		})
	}
	return v
}

func extractJSON(text string) (rawVerdict, bool) {
	var raw rawVerdict

	// Direct parse.
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err == nil && raw.Verdict != "" {
		return raw, true
	}

	// Fenced block.
	if block, ok := fencedBlock(text); ok {
		if err := json.Unmarshal([]byte(block), &raw); err == nil && raw.Verdict != "" {
			return raw, true
		}
	}

	// First { to last }.
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err == nil && raw.Verdict != "" {
			return raw, true
		}
	}
	return rawVerdict{}, false
}

// fencedBlock returns the contents of the first ``` fence, tolerating a
// language tag on the opening line.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func normalizeVerdict(s string) governance.Verdict {
	switch governance.Verdict(strings.ToLower(strings.TrimSpace(s))) {
	case governance.VerdictApproved:
		return governance.VerdictApproved
	case governance.VerdictBlocked:
		return governance.VerdictBlocked
	default:
		return governance.VerdictNeedsHumanReview
	}
}

func defaultStr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
