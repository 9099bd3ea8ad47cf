package reviewer

import (
	"fmt"
	"strings"

	"govfabric/internal/governance"
	"govfabric/internal/kg"
)

// responseInstruction ends every prompt. The fixed shape keeps verdict
// parsing mechanical.
const responseInstruction = `Respond with ONLY a JSON object of this exact shape:
{
  "verdict": "approved" | "blocked" | "needs_human_review",
  "findings": [{"tier": "...", "severity": "...", "description": "...", "suggestion": "..."}],
  "guidance": "...",
  "standards_verified": ["..."],
  "strengths_summary": "..."
}`

func decisionPrompt(d *governance.Decision, vision, arch []kg.Entity, recent []governance.Decision) string {
	var sb strings.Builder
	sb.WriteString("You are a governance reviewer for an AI coding agent. Review the following design decision against the project's standards.\n\n")

	writeStandards(&sb, vision, arch)

	fmt.Fprintf(&sb, "## Decision under review\nTask: %s\nAgent: %s\nCategory: %s\nConfidence: %s\nSummary: %s\nDetail: %s\n",
		d.TaskID, d.Agent, d.Category, d.Confidence, d.Summary, d.Detail)
	if len(d.ComponentsAffected) > 0 {
		fmt.Fprintf(&sb, "Components affected: %s\n", strings.Join(d.ComponentsAffected, ", "))
	}
	if len(d.AlternativesConsidered) > 0 {
		sb.WriteString("Alternatives considered:\n")
		for _, alt := range d.AlternativesConsidered {
			fmt.Fprintf(&sb, "- %s (rejected: %s)\n", alt.Option, alt.ReasonRejected)
		}
	}
	if len(recent) > 0 {
		sb.WriteString("\n## Recent decisions on this task\n")
		for _, rd := range recent {
			fmt.Fprintf(&sb, "- [%d] %s: %s\n", rd.Sequence, rd.Category, rd.Summary)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(responseInstruction)
	return sb.String()
}

func planPrompt(taskID, plan string, vision, arch []kg.Entity) string {
	var sb strings.Builder
	sb.WriteString("You are a governance reviewer. Review the following implementation plan against the project's standards.\n\n")
	writeStandards(&sb, vision, arch)
	fmt.Fprintf(&sb, "## Plan under review (task %s)\n%s\n\n", taskID, plan)
	sb.WriteString(responseInstruction)
	return sb.String()
}

func completionPrompt(task *governance.GovernedTaskRecord, summary string, vision, arch []kg.Entity) string {
	var sb strings.Builder
	sb.WriteString("You are a governance reviewer. Review the completed task's outcome against its stated intent and the project's standards.\n\n")
	writeStandards(&sb, vision, arch)
	fmt.Fprintf(&sb, "## Task\nSubject: %s\nDescription: %s\n\n## Completion summary\n%s\n\n",
		task.Subject, task.Description, summary)
	sb.WriteString(responseInstruction)
	return sb.String()
}

func taskGroupPrompt(tasks []governance.GovernedTaskRecord, transcript string, vision, arch []kg.Entity) string {
	var sb strings.Builder
	sb.WriteString("You are a governance reviewer performing a holistic review: judge whether this group of tasks, taken together, forms a coherent and standards-aligned unit of work.\n\n")
	writeStandards(&sb, vision, arch)

	sb.WriteString("## Tasks created this session\n")
	for i, t := range tasks {
		fmt.Fprintf(&sb, "%d. [%s] %s\n   %s\n", i+1, t.TaskID, t.Subject, t.Description)
	}
	if transcript != "" {
		sb.WriteString("\n## Session transcript excerpt\n")
		sb.WriteString(transcript)
		sb.WriteString("\n")
	}
	sb.WriteString("\nJudge the collective intent, not each task in isolation.\n\n")
	sb.WriteString(responseInstruction)
	return sb.String()
}

func proposalPrompt(p *governance.EvolutionProposal, meta kg.Metadata, vision []kg.Entity) string {
	var sb strings.Builder
	sb.WriteString("You are a governance reviewer. Review this proposal to evolve an architectural entity's intent. Approval requires the evidence to support the change.\n\n")
	writeStandards(&sb, vision, nil)

	fmt.Fprintf(&sb, "## Proposal\nTarget entity: %s\nOriginal intent: %s\nProposed change: %s\nRationale: %s\n",
		p.TargetEntity, p.OriginalIntent, p.ProposedChange, p.Rationale)
	if len(p.ValidationCriteria) > 0 {
		fmt.Fprintf(&sb, "Validation criteria: %s\n", strings.Join(p.ValidationCriteria, "; "))
	}
	if meta.Intent != "" {
		fmt.Fprintf(&sb, "\n## Current entity metadata\nIntent: %s\nCompleteness: %s\n", meta.Intent, meta.Completeness)
		for _, m := range meta.Metrics {
			fmt.Fprintf(&sb, "Metric: %s — %s (baseline: %s)\n", m.Name, m.Criteria, m.Baseline)
		}
		for _, a := range meta.Alignments {
			fmt.Fprintf(&sb, "Aligned with: %s — %s\n", a.Entity, a.Explanation)
		}
	}
	if len(p.Evidence) > 0 {
		sb.WriteString("\n## Evidence\n")
		for _, ev := range p.Evidence {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n", ev.Type, ev.Source, ev.Summary)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(responseInstruction)
	return sb.String()
}

// writeStandards lists the applicable vision standards and architecture
// entities. Architecture entities with structured metadata get the
// intent-aware rendering; legacy entities fall back to a bullet of raw
// observations.
func writeStandards(sb *strings.Builder, vision, arch []kg.Entity) {
	if len(vision) > 0 {
		sb.WriteString("## Vision standards\n")
		for _, e := range vision {
			writeEntitySummary(sb, e)
		}
		sb.WriteString("\n")
	}
	if len(arch) > 0 {
		sb.WriteString("## Architecture standards\n")
		for _, e := range arch {
			meta := kg.ParseMetadata(e.Observations)
			if meta.Completeness == kg.CompletenessNone {
				writeEntitySummary(sb, e)
				continue
			}
			fmt.Fprintf(sb, "### %s (%s)\n", e.Name, e.Kind)
			if meta.Intent != "" {
				fmt.Fprintf(sb, "Intent: %s\n", meta.Intent)
			}
			for _, m := range meta.Metrics {
				fmt.Fprintf(sb, "Metric: %s — %s (baseline: %s)\n", m.Name, m.Criteria, m.Baseline)
			}
			for _, a := range meta.Alignments {
				fmt.Fprintf(sb, "Vision alignment: %s — %s\n", a.Entity, a.Explanation)
			}
			fmt.Fprintf(sb, "Metadata completeness: %s\n", meta.Completeness)
		}
		sb.WriteString("\n")
	}
}

// writeEntitySummary renders an entity as a name plus raw observation
// bullets, skipping metadata markers.
func writeEntitySummary(sb *strings.Builder, e kg.Entity) {
	fmt.Fprintf(sb, "### %s (%s)\n", e.Name, e.Kind)
	for _, obs := range kg.StripMetadataObservations(e.Observations) {
		if strings.HasPrefix(obs, kg.TierPrefix) || strings.HasPrefix(obs, kg.SourceFilePrefix) {
			continue
		}
		fmt.Fprintf(sb, "- %s\n", obs)
	}
}
