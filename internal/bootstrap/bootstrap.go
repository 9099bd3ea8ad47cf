// Package bootstrap opens the fabric's shared resources the same way for
// every binary: config, stores, provider, reviewer, pipeline.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"govfabric/internal/audit"
	"govfabric/internal/config"
	"govfabric/internal/governance"
	"govfabric/internal/kg"
	"govfabric/internal/llm"
	"govfabric/internal/pipeline"
	"govfabric/internal/reviewer"
	"govfabric/internal/taskfile"
)

// Fabric bundles the per-project resources.
type Fabric struct {
	Cfg        *config.Config
	ProjectDir string

	Graph    *kg.Store
	Gov      *governance.Store
	Tasks    *taskfile.Manager
	Provider llm.Provider
	Reviewer *reviewer.Reviewer
	Pipeline *pipeline.Pipeline
	Emitter  *audit.Emitter
}

// FlagDir returns the holistic flag directory.
func (f *Fabric) FlagDir() string { return filepath.Join(f.Cfg.DataDir, "flags") }

// Open loads config and opens every store. source names the binary in audit
// events; spawner wires the pipeline's background work (pass a NopSpawner
// for read-only commands).
func Open(configPath, source string, spawner pipeline.Spawner) (*Fabric, error) {
	projectDir := config.ProjectDir()
	cfg, err := config.Load(configPath, projectDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	graph, err := kg.Open(cfg.KnowledgeGraph.Path, cfg.KnowledgeGraph.CompactEvery)
	if err != nil {
		return nil, err
	}
	gov, err := governance.NewStore(governance.StoreConfig{DSN: cfg.Governance.DSN})
	if err != nil {
		return nil, err
	}
	tasks, err := taskfile.NewManager(cfg.Governance.TaskDir)
	if err != nil {
		gov.Close()
		return nil, err
	}
	provider, err := llm.New(cfg)
	if err != nil {
		gov.Close()
		return nil, err
	}

	rev := reviewer.New(provider, time.Duration(cfg.Reviewer.TimeoutSeconds)*time.Second, "governance-reviewer")

	f := &Fabric{
		Cfg:        cfg,
		ProjectDir: projectDir,
		Graph:      graph,
		Gov:        gov,
		Tasks:      tasks,
		Provider:   provider,
		Reviewer:   rev,
		Emitter:    audit.NewEmitter(cfg.Audit.EventsFile, source),
	}
	f.Pipeline = pipeline.New(gov, tasks, graph, rev, spawner, pipeline.Config{
		SettleInterval:    cfg.SettleDuration(),
		MinTasksForReview: cfg.Governance.MinTasksForReview,
		FlagDir:           f.FlagDir(),
	})
	return f, nil
}

// Close releases the fabric's resources.
func (f *Fabric) Close() {
	if f.Gov != nil {
		f.Gov.Close() //nolint:errcheck
	}
}
