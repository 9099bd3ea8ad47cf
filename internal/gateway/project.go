package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProjectState holds the live resources of one started project: the trio of
// MCP clients, the job runner, and the project-config service.
type ProjectState struct {
	Project Project

	KG         *MCPClient
	Quality    *MCPClient
	Governance *MCPClient

	Jobs   *JobRunner
	Config *ProjectConfigService
}

// MCPHealth summarizes the trio's connectivity.
type MCPHealth struct {
	KnowledgeGraph bool `json:"knowledge_graph"`
	Quality        bool `json:"quality"`
	Governance     bool `json:"governance"`
}

// Health returns the per-server connectivity snapshot.
func (s *ProjectState) Health() MCPHealth {
	return MCPHealth{
		KnowledgeGraph: s.KG.Connected(),
		Quality:        s.Quality.Connected(),
		Governance:     s.Governance.Connected(),
	}
}

// close tears down the project's resources.
func (s *ProjectState) close() {
	s.KG.Close()
	s.Quality.Close()
	s.Governance.Close()
	s.Jobs.Close()
}

// ProjectManager starts and stops projects, holding the state of every
// running one.
type ProjectManager struct {
	registry *Registry
	dataDir  string
	cliPath  string
	jobTTL   time.Duration

	mu      sync.Mutex
	running map[string]*ProjectState
}

// NewProjectManager creates a manager. dataDir holds per-project job queues.
func NewProjectManager(registry *Registry, dataDir, cliPath string, jobTimeout time.Duration) *ProjectManager {
	return &ProjectManager{
		registry: registry,
		dataDir:  dataDir,
		cliPath:  cliPath,
		jobTTL:   jobTimeout,
		running:  map[string]*ProjectState{},
	}
}

// Registry exposes the underlying registry.
func (m *ProjectManager) Registry() *Registry { return m.registry }

// Get returns a running project's state, or nil.
func (m *ProjectManager) Get(projectID string) *ProjectState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[projectID]
}

// Start brings a registered project up: connects the three MCP clients in
// parallel and starts the job runner. Partially-connected MCP is tolerated;
// the dashboard degrades per field.
func (m *ProjectManager) Start(ctx context.Context, projectID string) (*ProjectState, error) {
	project := m.registry.Get(projectID)
	if project == nil {
		return nil, fmt.Errorf("project %q not found", projectID)
	}

	m.mu.Lock()
	if state, ok := m.running[projectID]; ok {
		m.mu.Unlock()
		return state, nil
	}
	m.mu.Unlock()

	if err := m.registry.SetStatus(projectID, ProjectStarting); err != nil {
		return nil, err
	}

	ports := project.Ports()
	state := &ProjectState{
		Project:    *project,
		KG:         NewMCPClient(MCPKnowledgeGraph, fmt.Sprintf("http://127.0.0.1:%d", ports[0])),
		Quality:    NewMCPClient(MCPQuality, fmt.Sprintf("http://127.0.0.1:%d", ports[1])),
		Governance: NewMCPClient(MCPGovernance, fmt.Sprintf("http://127.0.0.1:%d", ports[2])),
		Config:     NewProjectConfigService(project.Path),
	}

	var g errgroup.Group
	for _, client := range []*MCPClient{state.KG, state.Quality, state.Governance} {
		g.Go(func() error {
			if err := client.Connect(ctx); err != nil {
				slog.Warn("gateway: mcp connect failed", "project", projectID, "server", client.name, "err", err)
			}
			return nil // degraded, not fatal
		})
	}
	g.Wait() //nolint:errcheck

	jobs, err := NewJobRunner(filepath.Join(m.dataDir, "jobs", projectID), m.cliPath, m.jobTTL)
	if err != nil {
		state.close()
		m.registry.SetStatus(projectID, ProjectErrored) //nolint:errcheck
		return nil, err
	}
	jobs.Start()
	state.Jobs = jobs

	m.mu.Lock()
	m.running[projectID] = state
	m.mu.Unlock()

	if err := m.registry.SetStatus(projectID, ProjectRunning); err != nil {
		return nil, err
	}
	return state, nil
}

// Stop shuts a running project down.
func (m *ProjectManager) Stop(projectID string) error {
	m.mu.Lock()
	state, ok := m.running[projectID]
	delete(m.running, projectID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("project %q is not running", projectID)
	}
	state.close()
	return m.registry.SetStatus(projectID, ProjectStopped)
}

// StopAll shuts every running project down.
func (m *ProjectManager) StopAll() {
	m.mu.Lock()
	states := make([]*ProjectState, 0, len(m.running))
	for id, state := range m.running {
		states = append(states, state)
		delete(m.running, id)
	}
	m.mu.Unlock()
	for _, state := range states {
		state.close()
		m.registry.SetStatus(state.Project.ID, ProjectStopped) //nolint:errcheck
	}
}

// ProjectConfigService reads a project's workspace configuration files.
type ProjectConfigService struct {
	root string
}

// NewProjectConfigService creates a service rooted at the project path.
func NewProjectConfigService(root string) *ProjectConfigService {
	return &ProjectConfigService{root: root}
}

func (s *ProjectConfigService) configPath() string {
	return filepath.Join(s.root, ".fabric", "config.yaml")
}

// GetConfig returns the project's raw config file contents; empty when the
// file does not exist yet.
func (s *ProjectConfigService) GetConfig() (string, error) {
	data, err := os.ReadFile(s.configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read project config: %w", err)
	}
	return string(data), nil
}

// PutConfig replaces the project's config file atomically.
func (s *ProjectConfigService) PutConfig(contents string) error {
	dir := filepath.Dir(s.configPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := s.configPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	if err := os.Rename(tmp, s.configPath()); err != nil {
		return fmt.Errorf("replace project config: %w", err)
	}
	return nil
}

// SetupReadiness reports which pieces of project scaffolding exist.
func (s *ProjectConfigService) SetupReadiness() map[string]bool {
	checks := map[string]string{
		"config":    s.configPath(),
		"docs_dir":  filepath.Join(s.root, "docs"),
		"tasks_dir": filepath.Join(s.root, ".fabric", "tasks"),
		"kg_store":  filepath.Join(s.root, ".fabric", "kg.jsonl"),
	}
	out := map[string]bool{}
	for name, path := range checks {
		_, err := os.Stat(path)
		out[name] = err == nil
	}
	return out
}

// ListDocuments lists markdown files under the project's docs directory.
func (s *ProjectConfigService) ListDocuments() ([]string, error) {
	docsDir := filepath.Join(s.root, "docs")
	var out []string
	err := filepath.WalkDir(docsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

// CreateDocument writes a new markdown document under docs/.
func (s *ProjectConfigService) CreateDocument(relPath, contents string) error {
	if filepath.IsAbs(relPath) || containsDotDot(relPath) {
		return fmt.Errorf("invalid document path %q", relPath)
	}
	path := filepath.Join(s.root, "docs", relPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create document directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("document %q already exists", relPath)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func containsDotDot(p string) bool {
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
