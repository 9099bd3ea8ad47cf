// auditproc is the audit-pipeline worker. Invoked without flags it performs
// one processing pass: drain new events, update statistics, detect
// anomalies, rotate and prune. With -escalate it runs the tiered LLM
// escalation chain over a pending-anomalies file.
//
// It is safe to run on a timer or from a hook; concurrent runs coordinate
// through the events-file lock and the loser exits cleanly.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"govfabric/internal/audit"
	"govfabric/internal/config"
	"govfabric/internal/llm"
	"govfabric/internal/logging"
)

func main() {
	args := logging.Init(os.Args[1:])
	fs := flag.NewFlagSet("auditproc", flag.ExitOnError)
	escalate := fs.String("escalate", "", "run the escalation chain over the given pending-anomalies file")
	configPath := fs.String("config", os.Getenv("FABRIC_CONFIG"), "config file path")
	fs.Parse(args) //nolint:errcheck

	cfg, err := config.Load(*configPath, config.ProjectDir())
	if err != nil {
		slog.Error("auditproc: config load failed", "err", err)
		os.Exit(1)
	}

	stats, err := audit.NewStats(cfg.Audit.StatsDSN)
	if err != nil {
		slog.Error("auditproc: stats store open failed", "err", err)
		os.Exit(1)
	}
	defer stats.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	if *escalate != "" {
		runEscalation(ctx, cfg, stats, *escalate)
		return
	}
	runPass(ctx, cfg, stats, *configPath)
}

func runPass(ctx context.Context, cfg *config.Config, stats *audit.Stats, configPath string) {
	self, err := os.Executable()
	if err != nil {
		self = "auditproc"
	}
	proc := audit.NewProcessor(audit.ProcessorConfig{
		EventsFile:  cfg.Audit.EventsFile,
		RotateBytes: cfg.Audit.RotateBytes,
		Retention:   time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour,
		LLMAnalysis: cfg.Audit.LLMAnalysis,
	}, stats, audit.NewDetector(thresholds(cfg)), &audit.ExecEscalationSpawner{
		Binary:     self,
		ConfigPath: configPath,
	})

	res, err := proc.Run(ctx)
	if err != nil {
		slog.Error("auditproc: run failed", "err", err)
		os.Exit(1)
	}
	if res.Skipped {
		slog.Debug("auditproc: another processor holds the lock")
		return
	}
	slog.Info("auditproc: pass complete",
		"processed", res.Processed,
		"corrupt", res.Corrupt,
		"anomalies", len(res.Anomalies),
		"escalated", res.Escalated,
		"rotated", res.Rotated,
		"pruned", res.Pruned)
}

func runEscalation(ctx context.Context, cfg *config.Config, stats *audit.Stats, pendingFile string) {
	payload, err := audit.ReadPendingAnomalies(pendingFile)
	if err != nil {
		slog.Error("auditproc: pending anomalies unreadable", "file", pendingFile, "err", err)
		os.Exit(1)
	}
	provider, err := llm.New(cfg)
	if err != nil {
		slog.Error("auditproc: provider init failed", "err", err)
		os.Exit(1)
	}

	chain := audit.NewChain(provider, stats, filepath.Join(cfg.DataDir, "escalations"))
	res, err := chain.Run(ctx, payload.Anomalies, payload.Events)
	if err != nil {
		slog.Error("auditproc: escalation chain failed", "stopped_at", stoppedTier(res), "err", err)
		os.Exit(1)
	}
	if res.Triage == nil {
		slog.Info("auditproc: nothing to escalate")
		return
	}
	slog.Info("auditproc: escalation complete",
		"verdict", res.Triage.Verdict,
		"analysis", res.Analysis != nil,
		"deep_dive", res.DeepDive != nil)
}

func stoppedTier(res *audit.ChainResult) string {
	if res == nil {
		return "triage"
	}
	return res.Stopped
}

// thresholds maps the free-form config keys onto the detector's knobs,
// falling back to stock values.
func thresholds(cfg *config.Config) audit.Thresholds {
	t := audit.DefaultThresholds()
	for key, v := range cfg.Audit.Thresholds {
		switch key {
		case "governance_block_rate":
			t.GovernanceBlockRate = v
		case "gate_block_rate":
			t.GateBlockRate = v
		case "hook_error_rate":
			t.HookErrorRate = v
		case "event_volume":
			t.EventVolume = int(v)
		case "min_batch_size":
			t.MinBatchSize = int(v)
		default:
			slog.Warn("auditproc: unknown threshold key ignored", "key", key)
		}
	}
	return t
}
