package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Dashboard is the aggregate view for one project. Filesystem-derived
// fields are always present; MCP-derived fields degrade individually when
// the relevant server is unreachable.
type Dashboard struct {
	ProjectID string          `json:"project_id"`
	At        time.Time       `json:"at"`
	Readiness map[string]bool `json:"readiness"`
	TaskCount int             `json:"task_count"`
	Agents    []string        `json:"agents"`
	Sessions  []string        `json:"sessions"`

	// MCP-enriched; nil when the server was unavailable.
	Governance json.RawMessage `json:"governance,omitempty"`
	Entities   json.RawMessage `json:"entities,omitempty"`
	Gates      json.RawMessage `json:"gates,omitempty"`

	Degraded []string `json:"degraded,omitempty"`
}

// BuildDashboard assembles the aggregate for a running project.
func BuildDashboard(ctx context.Context, state *ProjectState) *Dashboard {
	d := &Dashboard{
		ProjectID: state.Project.ID,
		At:        time.Now().UTC(),
		Readiness: state.Config.SetupReadiness(),
	}
	d.TaskCount = countTaskFiles(state.Project.Path)
	d.Agents = listAgents(state.Project.Path)
	d.Sessions = listSessionFlags(state.Project.Path)

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	enrich := func(client *MCPClient, tool string, args map[string]any, target *json.RawMessage, field string) {
		if !client.Connected() {
			d.Degraded = append(d.Degraded, field)
			return
		}
		text, err := client.CallTool(callCtx, tool, args)
		if err != nil {
			metricMCPCalls.WithLabelValues(client.name, "error").Inc()
			d.Degraded = append(d.Degraded, field)
			return
		}
		metricMCPCalls.WithLabelValues(client.name, "ok").Inc()
		*target = json.RawMessage(text)
	}

	enrich(state.Governance, "get_governance_status", nil, &d.Governance, "governance")
	enrich(state.KG, "get_entities_by_tier", map[string]any{"tier": "architecture"}, &d.Entities, "entities")
	enrich(state.Quality, "check_all_gates", nil, &d.Gates, "gates")
	return d
}

func countTaskFiles(projectPath string) int {
	entries, err := os.ReadDir(filepath.Join(projectPath, ".fabric", "tasks"))
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			n++
		}
	}
	return n
}

// listAgents reads agent identifiers from the project's agents directory;
// each agent drops a marker file named after itself.
func listAgents(projectPath string) []string {
	entries, err := os.ReadDir(filepath.Join(projectPath, ".fabric", "agents"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		}
	}
	return out
}

// listSessionFlags returns session ids with an outstanding holistic flag.
func listSessionFlags(projectPath string) []string {
	entries, err := os.ReadDir(filepath.Join(projectPath, ".fabric", "flags"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "holistic-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(name, "holistic-"), ".json"))
	}
	return out
}
