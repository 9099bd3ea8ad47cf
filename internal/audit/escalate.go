package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"govfabric/internal/llm"
)

// Triage verdicts.
const (
	VerdictKnownPattern    = "known_pattern"
	VerdictEmergingPattern = "emerging_pattern"
	VerdictMilestone       = "milestone"
)

// TriageOutput is the cheap-model stage's result.
type TriageOutput struct {
	Verdict         string   `json:"verdict"`
	Analysis        string   `json:"analysis"`
	Escalate        bool     `json:"escalate"`
	Recommendations []string `json:"recommendations"`
}

// AnalysisOutput is the mid-model stage's result.
type AnalysisOutput struct {
	Analysis        string   `json:"analysis"`
	Recommendations []string `json:"recommendations"`
	EscalateToOpus  bool     `json:"escalate_to_opus"`
	OpusContext     string   `json:"opus_context,omitempty"`
}

// DeepDiveOutput is the top-model stage's result.
type DeepDiveOutput struct {
	Analysis          string            `json:"analysis"`
	RootCauses        []string          `json:"root_causes"`
	Recommendations   []string          `json:"recommendations"`
	SettingChanges    map[string]string `json:"setting_changes,omitempty"`
	PromptAssessments map[string]string `json:"prompt_assessments,omitempty"`
}

// Chain is the three-tier escalation pipeline: triage, analysis, deep-dive.
// Each tier writes its output to a well-known file and mirrors its
// recommendations into the stats store tagged with the tier name; a tier
// failure stops the chain but leaves earlier outputs in place.
type Chain struct {
	provider llm.Provider
	stats    *Stats
	outDir   string

	triageTimeout   time.Duration
	analysisTimeout time.Duration
	deepDiveTimeout time.Duration
}

// NewChain creates an escalation chain writing outputs under outDir.
func NewChain(provider llm.Provider, stats *Stats, outDir string) *Chain {
	return &Chain{
		provider:        provider,
		stats:           stats,
		outDir:          outDir,
		triageTimeout:   30 * time.Second,
		analysisTimeout: 120 * time.Second,
		deepDiveTimeout: 180 * time.Second,
	}
}

// ChainResult records how far the chain got.
type ChainResult struct {
	Triage   *TriageOutput   `json:"triage,omitempty"`
	Analysis *AnalysisOutput `json:"analysis,omitempty"`
	DeepDive *DeepDiveOutput `json:"deep_dive,omitempty"`
	Stopped  string          `json:"stopped,omitempty"` // tier where a failure stopped the chain
}

// Run executes the chain for a set of anomalies. events is the recent event
// window handed to the analysis stage (callers cap it at ~200).
func (c *Chain) Run(ctx context.Context, anomalies []Anomaly, events []Event) (*ChainResult, error) {
	if len(anomalies) == 0 {
		return &ChainResult{}, nil
	}
	res := &ChainResult{}
	anomalyType := dominantType(anomalies)

	recent, err := c.stats.RecentAnomalies(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Warn("escalation: loading recent anomalies failed", "err", err)
	}
	recs, err := c.stats.GetRecommendations(ctx)
	if err != nil {
		slog.Warn("escalation: loading recommendations failed", "err", err)
	}

	// Tier 1: triage.
	triage, err := c.runTriage(ctx, anomalies, recent, recs)
	if err != nil {
		res.Stopped = "triage"
		return res, fmt.Errorf("triage stage: %w", err)
	}
	res.Triage = triage
	c.saveOutput("triage.json", triage)
	c.mirrorRecommendations(ctx, anomalyType, "triage", triage.Recommendations)
	if !triage.Escalate {
		return res, nil
	}

	// Tier 2: analysis.
	analysis, err := c.runAnalysis(ctx, triage, anomalies, events, recs)
	if err != nil {
		res.Stopped = "analysis"
		return res, fmt.Errorf("analysis stage: %w", err)
	}
	res.Analysis = analysis
	c.saveOutput("analysis.json", analysis)
	c.mirrorRecommendations(ctx, anomalyType, "analysis", analysis.Recommendations)
	if !analysis.EscalateToOpus {
		return res, nil
	}

	// Tier 3: deep dive.
	sessions, err := c.stats.RecentSessionSummaries(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		slog.Warn("escalation: loading session summaries failed", "err", err)
	}
	deep, err := c.runDeepDive(ctx, analysis, anomalies, sessions)
	if err != nil {
		res.Stopped = "deep_dive"
		return res, fmt.Errorf("deep-dive stage: %w", err)
	}
	res.DeepDive = deep
	c.saveOutput("deep_dive.json", deep)
	c.mirrorRecommendations(ctx, anomalyType, "deep_dive", deep.Recommendations)
	return res, nil
}

func (c *Chain) runTriage(ctx context.Context, anomalies, recent []Anomaly, recs []Recommendation) (*TriageOutput, error) {
	text, err := c.provider.Complete(ctx, llm.Request{
		Role:    llm.RoleTriage,
		Prompt:  triagePrompt(anomalies, recent, recs),
		Timeout: c.triageTimeout,
	})
	if err != nil {
		return nil, err
	}
	var out TriageOutput
	if err := parseJSONOutput(text, &out); err != nil {
		return nil, err
	}
	// Escalation follows the verdict, whatever the model claims.
	out.Escalate = out.Verdict == VerdictEmergingPattern || out.Verdict == VerdictMilestone
	return &out, nil
}

func (c *Chain) runAnalysis(ctx context.Context, triage *TriageOutput, anomalies []Anomaly, events []Event, recs []Recommendation) (*AnalysisOutput, error) {
	text, err := c.provider.Complete(ctx, llm.Request{
		Role:    llm.RoleAnalysis,
		Prompt:  analysisPrompt(triage, anomalies, events, recs),
		Timeout: c.analysisTimeout,
	})
	if err != nil {
		return nil, err
	}
	var out AnalysisOutput
	if err := parseJSONOutput(text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Chain) runDeepDive(ctx context.Context, analysis *AnalysisOutput, anomalies []Anomaly, sessions []SessionSummary) (*DeepDiveOutput, error) {
	text, err := c.provider.Complete(ctx, llm.Request{
		Role:    llm.RoleDeepDive,
		Prompt:  deepDivePrompt(analysis, anomalies, sessions),
		Timeout: c.deepDiveTimeout,
	})
	if err != nil {
		return nil, err
	}
	var out DeepDiveOutput
	if err := parseJSONOutput(text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// saveOutput writes a tier's output atomically. Failures are logged only:
// the stats mirror is the durable copy.
func (c *Chain) saveOutput(name string, v any) {
	if err := os.MkdirAll(c.outDir, 0755); err != nil {
		slog.Warn("escalation: output dir", "err", err)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Warn("escalation: marshal output", "file", name, "err", err)
		return
	}
	path := filepath.Join(c.outDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		slog.Warn("escalation: write output", "file", name, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Warn("escalation: replace output", "file", name, "err", err)
	}
}

func (c *Chain) mirrorRecommendations(ctx context.Context, anomalyType, tier string, recs []string) {
	for _, suggestion := range recs {
		if strings.TrimSpace(suggestion) == "" {
			continue
		}
		if err := c.stats.StoreRecommendation(ctx, &Recommendation{
			AnomalyType: anomalyType,
			Tier:        tier,
			Suggestion:  suggestion,
		}); err != nil {
			slog.Warn("escalation: recommendation mirror failed", "tier", tier, "err", err)
		}
	}
}

// dominantType picks the most severe anomaly's type for tagging
// recommendations.
func dominantType(anomalies []Anomaly) string {
	best := anomalies[0]
	rank := map[AnomalySeverity]int{AnomalyInfo: 1, AnomalyWarning: 2, AnomalyCritical: 3}
	for _, a := range anomalies[1:] {
		if rank[a.Severity] > rank[best.Severity] {
			best = a
		}
	}
	return best.Type
}

// parseJSONOutput extracts a JSON object from model output, tolerating
// fences and surrounding prose.
func parseJSONOutput(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("model output is not parseable JSON")
}
