// Package gateway is the multi-project facade: a registry of project
// workspaces, an MCP client per started project, a single-concurrency job
// runner, and an HTTP/WebSocket API fanning one UI over all of them.
package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// PortsPerProject is the number of MCP ports each registry slot spans:
// knowledge-graph, quality, governance.
const PortsPerProject = 3

// ProjectStatus is a registered project's lifecycle state.
type ProjectStatus string

const (
	ProjectStopped  ProjectStatus = "stopped"
	ProjectStarting ProjectStatus = "starting"
	ProjectRunning  ProjectStatus = "running"
	ProjectErrored  ProjectStatus = "error"
)

// Project is one registry entry.
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Slot        int           `json:"slot"`
	MCPBasePort int           `json:"mcp_base_port"`
	Status      ProjectStatus `json:"status"`
}

// Ports returns the project's three MCP ports in kg, quality, governance
// order.
func (p *Project) Ports() [PortsPerProject]int {
	return [PortsPerProject]int{p.MCPBasePort, p.MCPBasePort + 1, p.MCPBasePort + 2}
}

// Registry persists the project list as a JSON file, conventionally in the
// user's home directory.
type Registry struct {
	path     string
	basePort int

	mu       sync.Mutex
	projects []Project
}

// NewRegistry loads (or initializes) the registry at path. basePort is the
// first MCP port handed out.
func NewRegistry(path string, basePort int) (*Registry, error) {
	r := &Registry{path: path, basePort: basePort}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read project registry: %w", err)
	}
	var projects []Project
	if err := json.Unmarshal(data, &projects); err != nil {
		return fmt.Errorf("parse project registry: %w", err)
	}
	r.projects = projects
	return nil
}

func (r *Registry) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	data, err := json.MarshalIndent(r.projects, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write project registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace project registry: %w", err)
	}
	return nil
}

// Register adds a project. The id is a slug of the display name,
// disambiguated with a numeric suffix on conflict; the slot (and so the
// port range) is the lowest free one.
func (r *Registry) Register(name, path string) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if path == "" {
		return nil, fmt.Errorf("project path is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.projects {
		if p.Path == path {
			return nil, fmt.Errorf("path %q is already registered as %q", path, p.ID)
		}
	}

	id := r.uniqueIDLocked(slugify(name))
	slot := r.freeSlotLocked()
	project := Project{
		ID:          id,
		Name:        name,
		Path:        path,
		Slot:        slot,
		MCPBasePort: r.basePort + slot*PortsPerProject,
		Status:      ProjectStopped,
	}
	r.projects = append(r.projects, project)
	if err := r.saveLocked(); err != nil {
		r.projects = r.projects[:len(r.projects)-1]
		return nil, err
	}
	return &project, nil
}

// Get returns a project by id, or nil.
func (r *Registry) Get(id string) *Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.projects {
		if r.projects[i].ID == id {
			p := r.projects[i]
			return &p
		}
	}
	return nil
}

// List returns all projects in registration order.
func (r *Registry) List() []Project {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Project, len(r.projects))
	copy(out, r.projects)
	return out
}

// SetStatus updates a project's status.
func (r *Registry) SetStatus(id string, status ProjectStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.projects {
		if r.projects[i].ID == id {
			r.projects[i].Status = status
			return r.saveLocked()
		}
	}
	return fmt.Errorf("project %q not found", id)
}

// Remove deletes a project from the registry.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.projects {
		if r.projects[i].ID == id {
			r.projects = append(r.projects[:i], r.projects[i+1:]...)
			return r.saveLocked()
		}
	}
	return fmt.Errorf("project %q not found", id)
}

func (r *Registry) uniqueIDLocked(slug string) string {
	taken := map[string]bool{}
	for _, p := range r.projects {
		taken[p.ID] = true
	}
	if !taken[slug] {
		return slug
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", slug, i)
		if !taken[candidate] {
			return candidate
		}
	}
}

func (r *Registry) freeSlotLocked() int {
	taken := map[int]bool{}
	for _, p := range r.projects {
		taken[p.Slot] = true
	}
	for slot := 0; ; slot++ {
		if !taken[slot] {
			return slot
		}
	}
}

// slugify lowercases and maps non-alphanumeric runs to single hyphens.
func slugify(name string) string {
	var sb strings.Builder
	lastHyphen := true
	for _, c := range strings.ToLower(name) {
		if unicode.IsLetter(c) || unicode.IsDigit(c) {
			sb.WriteRune(c)
			lastHyphen = false
		} else if !lastHyphen {
			sb.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if slug == "" {
		slug = "project"
	}
	return slug
}
