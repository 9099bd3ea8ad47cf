package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-gateway-token"

type testGateway struct {
	server  *Server
	manager *ProjectManager
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	registry, _ := newTestRegistry(t, 39150)
	manager := NewProjectManager(registry, t.TempDir(), fakeCLI(t), time.Minute)
	t.Cleanup(manager.StopAll)
	ws := NewWSManager(manager, time.Second)
	return &testGateway{server: NewServer(manager, ws, testToken), manager: manager}
}

// do issues an authenticated request against the gateway mux.
func (g *testGateway) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (g *testGateway) doAnon(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), "body: %s", rec.Body.String())
}

// registerProject registers a fresh workspace and returns its id and path.
func (g *testGateway) registerProject(t *testing.T, name string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	rec := g.do(t, http.MethodPost, "/api/projects", fmt.Sprintf(`{"name":%q,"path":%q}`, name, dir))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p Project
	decodeJSON(t, rec, &p)
	return p.ID, dir
}

func (g *testGateway) startProject(t *testing.T, name string) (string, string) {
	t.Helper()
	id, dir := g.registerProject(t, name)
	rec := g.do(t, http.MethodPost, "/api/projects/"+id+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return id, dir
}

func TestServer_Auth(t *testing.T) {
	g := newTestGateway(t)

	rec := g.doAnon(t, http.MethodGet, "/api/projects")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	g.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, g.do(t, http.MethodGet, "/api/projects", "").Code)

	// WebSocket clients pass the token as a query parameter.
	rec = g.doAnon(t, http.MethodGet, "/api/projects?token="+testToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = g.doAnon(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status   string `json:"status"`
		Projects int    `json:"projects"`
	}
	decodeJSON(t, rec, &health)
	assert.Equal(t, "ok", health.Status)
}

func TestServer_ProjectLifecycle(t *testing.T) {
	g := newTestGateway(t)
	id, dir := g.registerProject(t, "Demo App")
	assert.Equal(t, "demo-app", id)

	rec := g.do(t, http.MethodPost, "/api/projects", fmt.Sprintf(`{"name":"Again","path":%q}`, dir))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "already registered")

	var projects []Project
	rec = g.do(t, http.MethodGet, "/api/projects", "")
	decodeJSON(t, rec, &projects)
	require.Len(t, projects, 1)

	assert.Equal(t, http.StatusOK, g.do(t, http.MethodDelete, "/api/projects/"+id, "").Code)
	rec = g.do(t, http.MethodGet, "/api/projects", "")
	decodeJSON(t, rec, &projects)
	assert.Empty(t, projects)

	assert.Equal(t, http.StatusNotFound, g.do(t, http.MethodDelete, "/api/projects/ghost", "").Code)
}

func TestServer_UnknownVersusStoppedProject(t *testing.T) {
	g := newTestGateway(t)
	assert.Equal(t, http.StatusNotFound,
		g.do(t, http.MethodGet, "/api/projects/ghost/jobs", "").Code)

	id, _ := g.registerProject(t, "demo")
	assert.Equal(t, http.StatusConflict,
		g.do(t, http.MethodGet, "/api/projects/"+id+"/jobs", "").Code)
}

func TestServer_JobEndpoints(t *testing.T) {
	g := newTestGateway(t)
	id, _ := g.startProject(t, "demo")
	base := "/api/projects/" + id

	rec := g.do(t, http.MethodPost, base+"/jobs", `{"prompt":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = g.do(t, http.MethodPost, base+"/jobs", `{"kind":"analysis","prompt":"summarize the findings"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job Job
	decodeJSON(t, rec, &job)
	assert.Equal(t, "analysis", job.Kind)

	state := g.manager.Get(id)
	require.NotNil(t, state)
	waitForJob(t, state.Jobs, job.ID, JobCompleted)

	rec = g.do(t, http.MethodGet, base+"/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var done Job
	decodeJSON(t, rec, &done)
	assert.Equal(t, "summarize the findings", done.Result)

	assert.Equal(t, http.StatusNotFound, g.do(t, http.MethodGet, base+"/jobs/job_missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, g.do(t, http.MethodPost, base+"/jobs/job_missing/cancel", "").Code)

	var listing struct {
		Jobs []Job `json:"jobs"`
	}
	rec = g.do(t, http.MethodGet, base+"/jobs", "")
	decodeJSON(t, rec, &listing)
	assert.Len(t, listing.Jobs, 1)
}

func TestServer_ResearchBriefs(t *testing.T) {
	g := newTestGateway(t)
	id, _ := g.startProject(t, "demo")
	base := "/api/projects/" + id

	rec := g.do(t, http.MethodPost, base+"/research/prompts", `{"prompt":"compare queue libraries"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job Job
	decodeJSON(t, rec, &job)
	assert.Equal(t, "research", job.Kind)

	waitForJob(t, g.manager.Get(id).Jobs, job.ID, JobCompleted)

	var briefs struct {
		Briefs []Job `json:"briefs"`
	}
	rec = g.do(t, http.MethodGet, base+"/research/briefs", "")
	decodeJSON(t, rec, &briefs)
	require.Len(t, briefs.Briefs, 1)
	assert.Equal(t, job.ID, briefs.Briefs[0].ID)
}

func TestServer_ConfigRoundTrip(t *testing.T) {
	g := newTestGateway(t)
	id, dir := g.startProject(t, "demo")
	base := "/api/projects/" + id

	var cfg struct {
		Config string `json:"config"`
	}
	rec := g.do(t, http.MethodGet, base+"/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &cfg)
	assert.Empty(t, cfg.Config)

	rec = g.do(t, http.MethodPut, base+"/config", `{"config":"governance:\n  settle_seconds: 5\n"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = g.do(t, http.MethodGet, base+"/config", "")
	decodeJSON(t, rec, &cfg)
	assert.Contains(t, cfg.Config, "settle_seconds: 5")

	data, err := os.ReadFile(filepath.Join(dir, ".fabric", "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "settle_seconds")

	var readiness map[string]bool
	rec = g.do(t, http.MethodGet, base+"/setup", "")
	decodeJSON(t, rec, &readiness)
	assert.True(t, readiness["config"])
	assert.False(t, readiness["docs_dir"])
}

func TestServer_StopProject(t *testing.T) {
	g := newTestGateway(t)
	id, _ := g.startProject(t, "demo")

	rec := g.do(t, http.MethodPost, "/api/projects/"+id+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict,
		g.do(t, http.MethodGet, "/api/projects/"+id+"/jobs", "").Code)

	// Stopping twice is an error.
	assert.Equal(t, http.StatusBadRequest,
		g.do(t, http.MethodPost, "/api/projects/"+id+"/stop", "").Code)
}

func TestServer_FormatDocument(t *testing.T) {
	g := newTestGateway(t)
	id, _ := g.startProject(t, "demo")

	body := `{"title":"Design Notes","contents":"# Old Title\r\n\r\n\r\nBody line  \n\n\nMore\n"}`
	rec := g.do(t, http.MethodPost, "/api/projects/"+id+"/documents/format", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Formatted string `json:"formatted"`
	}
	decodeJSON(t, rec, &out)
	assert.Equal(t, "# Design Notes\n\nBody line\n\nMore\n", out.Formatted)
}

func TestServer_SyncPermissions(t *testing.T) {
	g := newTestGateway(t)
	id, dir := g.startProject(t, "demo")
	target := "/api/projects/" + id + "/permissions/sync"

	rec := g.do(t, http.MethodPost, target, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Synced []string `json:"synced"`
	}
	decodeJSON(t, rec, &out)
	assert.ElementsMatch(t, []string{"Bash(govhook:*)", "Bash(govctl:*)"}, out.Synced)

	data, err := os.ReadFile(filepath.Join(dir, ".claude", "settings.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Bash(govhook:*)")

	// Second sync finds nothing missing.
	rec = g.do(t, http.MethodPost, target, "")
	decodeJSON(t, rec, &out)
	assert.Empty(t, out.Synced)
}

// --- helper tests ---

func TestFormatMarkdown(t *testing.T) {
	got := formatMarkdown("Notes", "# Stale\r\n\r\n\r\nHello  \n\n\n\nWorld\n")
	assert.Equal(t, "# Notes\n\nHello\n\nWorld\n", got)

	// Without a title the existing heading survives.
	got = formatMarkdown("", "# Keep\nBody\n\n\nTail")
	assert.Equal(t, "# Keep\nBody\n\nTail\n", got)
}

func TestLoadOrCreateToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth", "token")

	token, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Len(t, token, 48)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	again, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	// A blank file is treated as missing.
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))
	fresh, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.NotEqual(t, token, fresh)

	require.NoError(t, os.WriteFile(path, []byte("pinned-token\n"), 0600))
	pinned, err := LoadOrCreateToken(path)
	require.NoError(t, err)
	assert.Equal(t, "pinned-token", pinned)
}

func TestSyncHookPermissions_PreservesExistingSettings(t *testing.T) {
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, ".claude", "settings.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(settingsPath), 0755))
	seed := `{"model":"pinned","permissions":{"allow":["Bash(govhook:*)","Read(*)"]}}`
	require.NoError(t, os.WriteFile(settingsPath, []byte(seed), 0644))

	added, err := syncHookPermissions(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bash(govctl:*)"}, added)

	data, err := os.ReadFile(settingsPath)
	require.NoError(t, err)
	var settings map[string]any
	require.NoError(t, json.Unmarshal(data, &settings))
	assert.Equal(t, "pinned", settings["model"], "unrelated settings rewritten")

	perms := settings["permissions"].(map[string]any)
	allow := perms["allow"].([]any)
	assert.Len(t, allow, 3)

	added, err = syncHookPermissions(dir)
	require.NoError(t, err)
	assert.Empty(t, added)
}
