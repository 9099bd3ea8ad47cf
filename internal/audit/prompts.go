package audit

import (
	"fmt"
	"strings"
)

func writeAnomalies(sb *strings.Builder, anomalies []Anomaly) {
	sb.WriteString("## Anomalies\n")
	for _, a := range anomalies {
		fmt.Fprintf(sb, "- [%s/%s] %s\n", a.Type, a.Severity, a.Description)
	}
}

func triagePrompt(anomalies, recent []Anomaly, recs []Recommendation) string {
	var sb strings.Builder
	sb.WriteString("You are triaging anomalies from an agent-governance audit pipeline. Decide whether this is a known pattern, an emerging pattern worth deeper analysis, or a milestone worth recording.\n\n")
	writeAnomalies(&sb, anomalies)

	if len(recent) > 0 {
		sb.WriteString("\n## Recent anomaly history (24h)\n")
		for _, a := range recent {
			fmt.Fprintf(&sb, "- %s [%s/%s] %s\n", a.DetectedAt.Format("15:04"), a.Type, a.Severity, a.Description)
		}
	}
	if len(recs) > 0 {
		sb.WriteString("\n## Existing recommendations\n")
		for _, r := range recs {
			fmt.Fprintf(&sb, "- (%s, evidence %d) %s\n", r.Tier, r.EvidenceCount, r.Suggestion)
		}
	}

	sb.WriteString(`
Respond with ONLY a JSON object:
{"verdict": "known_pattern" | "emerging_pattern" | "milestone", "analysis": "...", "escalate": true|false, "recommendations": ["..."]}`)
	return sb.String()
}

func analysisPrompt(triage *TriageOutput, anomalies []Anomaly, events []Event, recs []Recommendation) string {
	var sb strings.Builder
	sb.WriteString("You are analyzing an escalated anomaly pattern from an agent-governance audit pipeline.\n\n")
	fmt.Fprintf(&sb, "## Triage verdict\n%s: %s\n\n", triage.Verdict, triage.Analysis)
	writeAnomalies(&sb, anomalies)

	if len(events) > 0 {
		fmt.Fprintf(&sb, "\n## Event window (%d events)\n", len(events))
		for _, ev := range events {
			fmt.Fprintf(&sb, "- %s %s (%s)", ev.TsISO, ev.Type, ev.Source)
			if ev.SessionID != "" {
				fmt.Fprintf(&sb, " session=%s", ev.SessionID)
			}
			sb.WriteString("\n")
		}
	}
	if len(recs) > 0 {
		sb.WriteString("\n## Existing recommendations\n")
		for _, r := range recs {
			fmt.Fprintf(&sb, "- (%s) %s\n", r.Tier, r.Suggestion)
		}
	}

	sb.WriteString(`
Respond with ONLY a JSON object:
{"analysis": "...", "recommendations": ["..."], "escalate_to_opus": true|false, "opus_context": "..."}`)
	return sb.String()
}

func deepDivePrompt(analysis *AnalysisOutput, anomalies []Anomaly, sessions []SessionSummary) string {
	var sb strings.Builder
	sb.WriteString("You are performing the deepest analysis tier for an agent-governance audit pipeline. Identify root causes and concrete corrective actions.\n\n")
	fmt.Fprintf(&sb, "## Prior analysis\n%s\n", analysis.Analysis)
	if analysis.OpusContext != "" {
		fmt.Fprintf(&sb, "\n## Handoff context\n%s\n", analysis.OpusContext)
	}
	sb.WriteString("\n")
	writeAnomalies(&sb, anomalies)

	if len(sessions) > 0 {
		sb.WriteString("\n## Session summaries (24h)\n")
		for _, s := range sessions {
			fmt.Fprintf(&sb, "- %s: %d events, %d approvals, %d blocks, %d gate blocks, %d tasks\n",
				s.SessionID, s.Total, s.Approvals, s.Blocks, s.GateBlocks, s.Tasks)
		}
	}

	sb.WriteString(`
Respond with ONLY a JSON object:
{"analysis": "...", "root_causes": ["..."], "recommendations": ["..."], "setting_changes": {"name": "suggested range"}, "prompt_assessments": {"prompt": "assessment"}}`)
	return sb.String()
}
