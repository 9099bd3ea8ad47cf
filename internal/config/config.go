// Package config loads the fabric configuration shared by every binary.
//
// Configuration is a single YAML file; environment variables inside the file
// are expanded before parsing. Every field has a working default so the
// zero-config case (fresh project directory) behaves sensibly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root fabric configuration.
type Config struct {
	// DataDir is the root for all fabric-owned state (DBs, event files,
	// flags, checkpoints). Defaults to <project>/.fabric.
	DataDir string `yaml:"data_dir"`

	Governance     GovernanceConfig `yaml:"governance"`
	Audit          AuditConfig      `yaml:"audit"`
	Reviewer       ReviewerConfig   `yaml:"reviewer"`
	Models         ModelsConfig     `yaml:"models"`
	Reinforce      ReinforceConfig  `yaml:"reinforce"`
	Gates          GatesConfig      `yaml:"gates"`
	Gateway        GatewayConfig    `yaml:"gateway"`
	KnowledgeGraph KGConfig         `yaml:"knowledge_graph"`
}

// GovernanceConfig controls the task-governance pipeline.
type GovernanceConfig struct {
	// DSN for the governance store. Empty means sqlite at
	// <data_dir>/governance.db. A postgres:// prefix selects PostgreSQL.
	DSN string `yaml:"dsn"`

	// TaskDir is where the task-file manager keeps one JSON file per task.
	TaskDir string `yaml:"task_dir"`

	// SettleSeconds is how long a settle-check sleeps before deciding
	// whether it is the designated survivor.
	SettleSeconds float64 `yaml:"settle_seconds"`

	// MinTasksForReview is the minimum session task count that triggers a
	// holistic review.
	MinTasksForReview int `yaml:"min_tasks_for_review"`
}

// AuditConfig controls the audit event pipeline.
type AuditConfig struct {
	// EventsFile is the append-only JSONL event log.
	EventsFile string `yaml:"events_file"`

	// StatsDSN is the statistics database. Empty means sqlite at
	// <data_dir>/audit-stats.db.
	StatsDSN string `yaml:"stats_dsn"`

	// LLMAnalysis enables the escalation chain on anomalies.
	LLMAnalysis bool `yaml:"llm_analysis"`

	// RotateBytes is the events-file size that triggers rotation.
	RotateBytes int64 `yaml:"rotate_bytes"`

	// RetentionDays is how long statistics rows are kept.
	RetentionDays int `yaml:"retention_days"`

	// Thresholds configures the anomaly detector, keyed by metric name.
	Thresholds map[string]float64 `yaml:"thresholds"`
}

// ReviewerConfig controls the reviewer adapter.
type ReviewerConfig struct {
	// TimeoutSeconds bounds a single review LLM call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ModelsConfig selects a model per pipeline role.
type ModelsConfig struct {
	// Provider is "anthropic", "gemini", "cli" or "mock".
	Provider string `yaml:"provider"`

	Review   string `yaml:"review"`
	Triage   string `yaml:"triage"`
	Analysis string `yaml:"analysis"`
	DeepDive string `yaml:"deep_dive"`
	Distill  string `yaml:"distill"`

	// CLIPath is the external LLM CLI used by the "cli" provider and the
	// gateway job runner.
	CLIPath string `yaml:"cli_path"`
}

// ReinforceConfig controls context reinforcement.
type ReinforceConfig struct {
	ToolCallThreshold             int     `yaml:"tool_call_threshold"`
	JaccardThreshold              float64 `yaml:"jaccard_threshold"`
	DebounceSeconds               int     `yaml:"debounce_seconds"`
	SessionContextDebounceSeconds int     `yaml:"session_context_debounce_seconds"`
	MaxInjectionsPerSession       int     `yaml:"max_injections_per_session"`
	RefreshInterval               int     `yaml:"refresh_interval"`
}

// GatesConfig enables or disables the quality sub-gates. A nil enable
// defaults to on when the matching command is configured (the findings gate
// needs no command and defaults to on).
type GatesConfig struct {
	Build    *bool `yaml:"build"`
	Lint     *bool `yaml:"lint"`
	Tests    *bool `yaml:"tests"`
	Coverage *bool `yaml:"coverage"`
	Findings *bool `yaml:"findings"`

	BuildCommand    []string `yaml:"build_command"`
	LintCommand     []string `yaml:"lint_command"`
	TestsCommand    []string `yaml:"tests_command"`
	CoverageCommand []string `yaml:"coverage_command"`

	// TrustDSN is the trust-engine database. Empty means sqlite at
	// <data_dir>/trust.db.
	TrustDSN string `yaml:"trust_dsn"`
}

// GateEnabled resolves a tri-state enable flag.
func GateEnabled(flag *bool, def bool) bool {
	if flag == nil {
		return def
	}
	return *flag
}

// GatewayConfig controls the fabricd facade.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// RegistryPath is the project registry JSON file. Empty means
	// ~/.fabric/projects.json.
	RegistryPath string `yaml:"registry_path"`

	// BasePort is the first MCP port; each project slot takes three.
	BasePort int `yaml:"base_port"`

	// PollSeconds is the WebSocket broadcast poll period.
	PollSeconds int `yaml:"poll_seconds"`

	// JobTimeoutSeconds bounds a gateway job's CLI execution.
	JobTimeoutSeconds int `yaml:"job_timeout_seconds"`
}

// KGConfig controls the knowledge-graph store.
type KGConfig struct {
	// Path is the JSONL persistence file. Empty means <data_dir>/kg.jsonl.
	Path string `yaml:"path"`

	// CompactEvery rewrites the file after this many appended records.
	CompactEvery int `yaml:"compact_every"`

	// DocsDir is the markdown standards folder ingested into the graph.
	DocsDir string `yaml:"docs_dir"`
}

// Load reads, expands and validates a config file. A missing file yields the
// defaults for projectDir.
func Load(path, projectDir string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config YAML: %w", err)
			}
		}
	}

	cfg.applyDefaults(projectDir)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ProjectDir resolves the working project directory. PROJECT_DIR wins, then
// CLAUDE_PROJECT_DIR, then the process working directory.
func ProjectDir() string {
	if d := os.Getenv("PROJECT_DIR"); d != "" {
		return d
	}
	if d := os.Getenv("CLAUDE_PROJECT_DIR"); d != "" {
		return d
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func (c *Config) applyDefaults(projectDir string) {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(projectDir, ".fabric")
	}
	if c.Governance.DSN == "" {
		c.Governance.DSN = filepath.Join(c.DataDir, "governance.db")
	}
	if c.Governance.TaskDir == "" {
		dir := filepath.Join(c.DataDir, "tasks")
		if ns := os.Getenv("CLAUDE_CODE_TASK_LIST_ID"); ns != "" {
			dir = filepath.Join(dir, ns)
		}
		c.Governance.TaskDir = dir
	}
	if c.Governance.SettleSeconds == 0 {
		c.Governance.SettleSeconds = 3
	}
	if c.Governance.MinTasksForReview == 0 {
		c.Governance.MinTasksForReview = 2
	}

	if c.Audit.EventsFile == "" {
		c.Audit.EventsFile = filepath.Join(c.DataDir, "events.jsonl")
	}
	if c.Audit.StatsDSN == "" {
		c.Audit.StatsDSN = filepath.Join(c.DataDir, "audit-stats.db")
	}
	if c.Audit.RotateBytes == 0 {
		c.Audit.RotateBytes = 10 * 1024 * 1024
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}

	if c.Reviewer.TimeoutSeconds == 0 {
		c.Reviewer.TimeoutSeconds = 120
	}

	if c.Models.Provider == "" {
		c.Models.Provider = "cli"
	}
	if c.Models.Review == "" {
		c.Models.Review = "claude-sonnet-4-5"
	}
	if c.Models.Triage == "" {
		c.Models.Triage = "claude-haiku-4-5"
	}
	if c.Models.Analysis == "" {
		c.Models.Analysis = "claude-sonnet-4-5"
	}
	if c.Models.DeepDive == "" {
		c.Models.DeepDive = "claude-opus-4-1"
	}
	if c.Models.Distill == "" {
		c.Models.Distill = c.Models.Triage
	}
	if c.Models.CLIPath == "" {
		c.Models.CLIPath = "claude"
	}

	if c.Reinforce.ToolCallThreshold == 0 {
		c.Reinforce.ToolCallThreshold = 8
	}
	if c.Reinforce.JaccardThreshold == 0 {
		c.Reinforce.JaccardThreshold = 0.15
	}
	if c.Reinforce.DebounceSeconds == 0 {
		c.Reinforce.DebounceSeconds = 30
	}
	if c.Reinforce.SessionContextDebounceSeconds == 0 {
		c.Reinforce.SessionContextDebounceSeconds = 60
	}
	if c.Reinforce.MaxInjectionsPerSession == 0 {
		c.Reinforce.MaxInjectionsPerSession = 10
	}
	if c.Reinforce.RefreshInterval == 0 {
		c.Reinforce.RefreshInterval = 5
	}

	if c.Gates.TrustDSN == "" {
		c.Gates.TrustDSN = filepath.Join(c.DataDir, "trust.db")
	}

	if c.Gateway.ListenAddr == "" {
		c.Gateway.ListenAddr = ":7700"
	}
	if c.Gateway.RegistryPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = c.DataDir
		}
		c.Gateway.RegistryPath = filepath.Join(home, ".fabric", "projects.json")
	}
	if c.Gateway.BasePort == 0 {
		c.Gateway.BasePort = 8700
	}
	if c.Gateway.PollSeconds == 0 {
		c.Gateway.PollSeconds = 5
	}
	if c.Gateway.JobTimeoutSeconds == 0 {
		c.Gateway.JobTimeoutSeconds = 600
	}

	if c.KnowledgeGraph.Path == "" {
		c.KnowledgeGraph.Path = filepath.Join(c.DataDir, "kg.jsonl")
	}
	if c.KnowledgeGraph.CompactEvery == 0 {
		c.KnowledgeGraph.CompactEvery = 1000
	}
	if c.KnowledgeGraph.DocsDir == "" {
		c.KnowledgeGraph.DocsDir = filepath.Join(projectDir, "docs", "standards")
	}
}

func (c *Config) validate() error {
	if c.Governance.SettleSeconds < 0 {
		return fmt.Errorf("governance.settle_seconds must not be negative")
	}
	if c.Governance.MinTasksForReview < 1 {
		return fmt.Errorf("governance.min_tasks_for_review must be at least 1")
	}
	if c.Reinforce.JaccardThreshold < 0 || c.Reinforce.JaccardThreshold > 1 {
		return fmt.Errorf("reinforce.jaccard_threshold must be in [0,1]")
	}
	switch c.Models.Provider {
	case "anthropic", "gemini", "cli", "mock":
	default:
		return fmt.Errorf("models.provider %q is not one of anthropic, gemini, cli, mock", c.Models.Provider)
	}
	if c.Gateway.BasePort < 0 || c.Gateway.BasePort > 65532 {
		return fmt.Errorf("gateway.base_port %d out of range", c.Gateway.BasePort)
	}
	return nil
}

// SettleDuration returns the settle-check sleep interval.
func (c *Config) SettleDuration() time.Duration {
	return time.Duration(c.Governance.SettleSeconds * float64(time.Second))
}

// EnvOrDefault returns the env var value or a fallback. Used by flag
// defaulting in the binaries.
func EnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
