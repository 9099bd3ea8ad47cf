package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/websocket"
)

// Server is the gateway's HTTP surface. Every /api route requires the
// shared token, as a bearer header or a `token` query parameter (the latter
// for WebSocket clients that cannot set headers).
type Server struct {
	manager *ProjectManager
	ws      *WSManager
	token   string
	mux     *http.ServeMux
}

// NewServer wires the routes.
func NewServer(manager *ProjectManager, ws *WSManager, token string) *Server {
	s := &Server{manager: manager, ws: ws, token: token, mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	mux := s.mux

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Project lifecycle.
	mux.HandleFunc("GET /api/projects", s.auth(s.handleListProjects))
	mux.HandleFunc("POST /api/projects", s.auth(s.handleRegisterProject))
	mux.HandleFunc("DELETE /api/projects/{project}", s.auth(s.handleRemoveProject))
	mux.HandleFunc("POST /api/projects/{project}/start", s.auth(s.handleStartProject))
	mux.HandleFunc("POST /api/projects/{project}/stop", s.auth(s.handleStopProject))
	mux.HandleFunc("GET /api/projects/{project}/health", s.auth(s.handleProjectHealth))

	// Project config.
	mux.HandleFunc("GET /api/projects/{project}/config", s.auth(s.handleGetConfig))
	mux.HandleFunc("PUT /api/projects/{project}/config", s.auth(s.handlePutConfig))
	mux.HandleFunc("GET /api/projects/{project}/setup", s.auth(s.handleSetupReadiness))
	mux.HandleFunc("POST /api/projects/{project}/permissions/sync", s.auth(s.handleSyncPermissions))

	// Documents.
	mux.HandleFunc("GET /api/projects/{project}/documents", s.auth(s.handleListDocuments))
	mux.HandleFunc("POST /api/projects/{project}/documents", s.auth(s.handleCreateDocument))
	mux.HandleFunc("POST /api/projects/{project}/documents/ingest", s.auth(s.handleIngestDocuments))
	mux.HandleFunc("POST /api/projects/{project}/documents/format", s.auth(s.handleFormatDocument))

	// Governance.
	mux.HandleFunc("GET /api/projects/{project}/governance/tasks", s.auth(s.proxyTool(pickGovernance, "list_governed_tasks")))
	mux.HandleFunc("GET /api/projects/{project}/governance/status", s.auth(s.proxyTool(pickGovernance, "get_governance_status")))
	mux.HandleFunc("GET /api/projects/{project}/governance/decisions", s.auth(s.proxyTool(pickGovernance, "get_decision_history")))

	// Quality.
	mux.HandleFunc("GET /api/projects/{project}/quality/findings", s.auth(s.proxyTool(pickQuality, "get_all_findings")))
	mux.HandleFunc("POST /api/projects/{project}/quality/findings/{id}/dismiss", s.auth(s.handleDismissFinding))
	mux.HandleFunc("GET /api/projects/{project}/quality/gates", s.auth(s.proxyTool(pickQuality, "check_all_gates")))

	// Research.
	mux.HandleFunc("POST /api/projects/{project}/research/prompts", s.auth(s.handleResearchPrompt))
	mux.HandleFunc("GET /api/projects/{project}/research/briefs", s.auth(s.handleResearchBriefs))

	// Jobs.
	mux.HandleFunc("POST /api/projects/{project}/jobs", s.auth(s.handleSubmitJob))
	mux.HandleFunc("GET /api/projects/{project}/jobs", s.auth(s.handleListJobs))
	mux.HandleFunc("GET /api/projects/{project}/jobs/{id}", s.auth(s.handleGetJob))
	mux.HandleFunc("POST /api/projects/{project}/jobs/{id}/cancel", s.auth(s.handleCancelJob))

	// Dashboard.
	mux.HandleFunc("GET /api/projects/{project}/dashboard", s.auth(s.handleDashboard))

	// WebSocket.
	mux.Handle("GET /api/ws", websocket.Handler(s.handleWS))
}

// auth wraps a handler with the shared-token check and request metrics.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			metricRequests.WithLabelValues(r.Method, r.URL.Path, "401").Inc()
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metricRequests.WithLabelValues(r.Method, r.URL.Path, fmt.Sprintf("%dxx", rec.status/100)).Inc()
	}
}

func (s *Server) authorized(r *http.Request) bool {
	supplied := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		supplied = strings.TrimPrefix(h, "Bearer ")
	} else {
		supplied = r.URL.Query().Get("token")
	}
	return supplied != "" &&
		subtle.ConstantTimeCompare([]byte(supplied), []byte(s.token)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"projects": len(s.manager.Registry().List()),
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Registry().List())
}

func (s *Server) handleRegisterProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	project, err := s.manager.Registry().Register(req.Name, req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleRemoveProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("project")
	if s.manager.Get(id) != nil {
		if err := s.manager.Stop(id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if err := s.manager.Registry().Remove(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleStartProject(w http.ResponseWriter, r *http.Request) {
	state, err := s.manager.Start(r.Context(), r.PathValue("project"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project": state.Project,
		"mcp":     state.Health(),
	})
}

func (s *Server) handleStopProject(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(r.PathValue("project")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"stopped": r.PathValue("project")})
}

func (s *Server) handleProjectHealth(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Health())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	contents, err := state.Config.GetConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"config": contents})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var req struct {
		Config string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := state.Config.PutConfig(req.Config); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleSetupReadiness(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Config.SetupReadiness())
}

// handleSyncPermissions mirrors the hook permission entries into the
// project's agent settings file so the host agent runs the fabric's hooks.
func (s *Server) handleSyncPermissions(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	synced, err := syncHookPermissions(state.Project.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	docs, err := state.Config.ListDocuments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var req struct {
		Path     string `json:"path"`
		Contents string `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := state.Config.CreateDocument(req.Path, req.Contents); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"created": req.Path})
}

func (s *Server) handleIngestDocuments(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var req struct {
		Folder string `json:"folder"`
		Tier   string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	s.callTool(w, r, state.KG, "ingest_documents", map[string]any{
		"folder": req.Folder,
		"tier":   req.Tier,
	})
}

// handleFormatDocument normalizes a markdown document body: one H1 title,
// trimmed trailing whitespace, single blank line between sections.
func (s *Server) handleFormatDocument(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.runningProject(w, r); !ok {
		return
	}
	var req struct {
		Title    string `json:"title"`
		Contents string `json:"contents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"formatted": formatMarkdown(req.Title, req.Contents),
	})
}

func (s *Server) handleDismissFinding(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var req struct {
		DismissedBy   string `json:"dismissed_by"`
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	s.callTool(w, r, state.Quality, "record_dismissal", map[string]any{
		"finding_id":    r.PathValue("id"),
		"dismissed_by":  req.DismissedBy,
		"justification": req.Justification,
	})
}

func (s *Server) handleResearchPrompt(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	job, err := state.Jobs.Submit(state.Project.ID, "research", req.Prompt, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metricJobsSubmitted.WithLabelValues(state.Project.ID).Inc()
	writeJSON(w, http.StatusAccepted, job)
}

// handleResearchBriefs returns completed research jobs, newest first.
func (s *Server) handleResearchBriefs(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var briefs []Job
	for _, job := range state.Jobs.List() {
		if job.Kind == "research" && job.Status == JobCompleted {
			briefs = append(briefs, job)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"briefs": briefs})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	var req struct {
		Kind   string `json:"kind"`
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Kind == "" {
		req.Kind = "generic"
	}
	job, err := state.Jobs.Submit(state.Project.ID, req.Kind, req.Prompt, req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metricJobsSubmitted.WithLabelValues(state.Project.ID).Inc()
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": state.Jobs.List()})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	job := state.Jobs.Get(r.PathValue("id"))
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	if err := state.Jobs.Cancel(r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": r.PathValue("id")})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	state, ok := s.runningProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, BuildDashboard(r.Context(), state))
}

func (s *Server) handleWS(conn *websocket.Conn) {
	r := conn.Request()
	if !s.authorized(r) {
		conn.Close()
		return
	}
	projectID := r.URL.Query().Get("project")
	if projectID == "" || s.manager.Get(projectID) == nil {
		conn.Close()
		return
	}
	metricWSConnections.Inc()
	defer metricWSConnections.Dec()
	slog.Debug("gateway: ws subscriber", "project", projectID, "remote", r.RemoteAddr)
	s.ws.Subscribe(projectID, conn)
}

// --- Helpers ---

type mcpPicker func(*ProjectState) *MCPClient

func pickGovernance(s *ProjectState) *MCPClient { return s.Governance }
func pickQuality(s *ProjectState) *MCPClient    { return s.Quality }

// proxyTool builds a handler that forwards a no-argument tool call to one
// of the project's MCP servers.
func (s *Server) proxyTool(pick mcpPicker, tool string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state, ok := s.runningProject(w, r)
		if !ok {
			return
		}
		s.callTool(w, r, pick(state), tool, nil)
	}
}

func (s *Server) callTool(w http.ResponseWriter, r *http.Request, client *MCPClient, tool string, args map[string]any) {
	if !client.Connected() {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("%s server is not connected", client.name))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	text, err := client.CallTool(ctx, tool, args)
	if err != nil {
		metricMCPCalls.WithLabelValues(client.name, "error").Inc()
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	metricMCPCalls.WithLabelValues(client.name, "ok").Inc()

	w.Header().Set("Content-Type", "application/json")
	if json.Valid([]byte(text)) {
		w.Write([]byte(text)) //nolint:errcheck
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": text})
}

func (s *Server) runningProject(w http.ResponseWriter, r *http.Request) (*ProjectState, bool) {
	id := r.PathValue("project")
	state := s.manager.Get(id)
	if state == nil {
		if s.manager.Registry().Get(id) == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("project %q not found", id))
		} else {
			writeError(w, http.StatusConflict, fmt.Sprintf("project %q is not started", id))
		}
		return nil, false
	}
	return state, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// formatMarkdown enforces a single leading H1 and collapses runs of blank
// lines.
func formatMarkdown(title, contents string) string {
	lines := strings.Split(strings.ReplaceAll(contents, "\r\n", "\n"), "\n")
	var out []string
	if title != "" {
		out = append(out, "# "+strings.TrimSpace(title), "")
	}
	blank := true
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		if title != "" && strings.HasPrefix(line, "# ") {
			continue // single H1 from the title
		}
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
}

// LoadOrCreateToken returns the shared API token, generating and persisting
// one on first start.
func LoadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read token file: %w", err)
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}
	return token, nil
}

// syncHookPermissions ensures the project's agent settings allow the
// fabric's hook binaries. Returns the entries written.
func syncHookPermissions(projectPath string) ([]string, error) {
	settingsPath := filepath.Join(projectPath, ".claude", "settings.json")
	settings := map[string]any{}
	if data, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse agent settings: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read agent settings: %w", err)
	}

	required := []string{"Bash(govhook:*)", "Bash(govctl:*)"}
	perms, _ := settings["permissions"].(map[string]any)
	if perms == nil {
		perms = map[string]any{}
	}
	allowAny, _ := perms["allow"].([]any)
	have := map[string]bool{}
	for _, a := range allowAny {
		if s, ok := a.(string); ok {
			have[s] = true
		}
	}
	var added []string
	for _, entry := range required {
		if !have[entry] {
			allowAny = append(allowAny, entry)
			added = append(added, entry)
		}
	}
	if len(added) == 0 {
		return nil, nil
	}
	perms["allow"] = allowAny
	settings["permissions"] = perms

	if err := os.MkdirAll(filepath.Dir(settingsPath), 0755); err != nil {
		return nil, fmt.Errorf("create settings directory: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal agent settings: %w", err)
	}
	tmp := settingsPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return nil, fmt.Errorf("write agent settings: %w", err)
	}
	if err := os.Rename(tmp, settingsPath); err != nil {
		return nil, fmt.Errorf("replace agent settings: %w", err)
	}
	return added, nil
}
