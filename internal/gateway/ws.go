package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// wsUpdate is the frame broadcast to project subscribers when polled state
// changes.
type wsUpdate struct {
	Type      string          `json:"type"`
	ProjectID string          `json:"project_id"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// WSManager maintains per-project WebSocket subscriber lists and one poll
// loop per project with at least one subscriber. Disconnects are noticed
// lazily on send failure.
type WSManager struct {
	manager *ProjectManager
	period  time.Duration

	mu      sync.Mutex
	conns   map[string][]*websocket.Conn
	polling map[string]context.CancelFunc
	last    map[string]map[string]any // projectID → field → last value
}

// NewWSManager creates a manager polling at the given period (default 5s).
func NewWSManager(manager *ProjectManager, period time.Duration) *WSManager {
	if period <= 0 {
		period = 5 * time.Second
	}
	return &WSManager{
		manager: manager,
		period:  period,
		conns:   map[string][]*websocket.Conn{},
		polling: map[string]context.CancelFunc{},
		last:    map[string]map[string]any{},
	}
}

// Subscribe adds a connection to a project's list, starting its poll loop
// if this is the first subscriber. Blocks until the connection drops.
func (w *WSManager) Subscribe(projectID string, conn *websocket.Conn) {
	w.mu.Lock()
	w.conns[projectID] = append(w.conns[projectID], conn)
	if _, ok := w.polling[projectID]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		w.polling[projectID] = cancel
		go w.pollLoop(ctx, projectID)
	}
	w.mu.Unlock()

	// Hold the handler open; we never expect inbound frames, but reading
	// detects the close.
	var discard string
	for {
		if err := websocket.Message.Receive(conn, &discard); err != nil {
			break
		}
	}
	w.drop(projectID, conn)
}

// drop removes a connection, stopping the poll loop when the list empties.
func (w *WSManager) drop(projectID string, conn *websocket.Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	conns := w.conns[projectID]
	for i, c := range conns {
		if c == conn {
			w.conns[projectID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(w.conns[projectID]) == 0 {
		delete(w.conns, projectID)
		if cancel, ok := w.polling[projectID]; ok {
			cancel()
			delete(w.polling, projectID)
		}
	}
}

// pollLoop fetches governance and job state every period and broadcasts
// fields that changed since the last poll.
func (w *WSManager) pollLoop(ctx context.Context, projectID string) {
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx, projectID)
		}
	}
}

func (w *WSManager) pollOnce(ctx context.Context, projectID string) {
	state := w.manager.Get(projectID)
	if state == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, w.period)
	defer cancel()

	fields := map[string]any{}
	if state.Governance.Connected() {
		var status map[string]any
		if err := state.Governance.CallToolJSON(callCtx, "get_governance_status", nil, &status); err == nil {
			fields["governance_status"] = status
		}
		var tasks any
		if err := state.Governance.CallToolJSON(callCtx, "list_governed_tasks", nil, &tasks); err == nil {
			fields["governed_tasks"] = tasks
		}
	}
	fields["jobs"] = jobSnapshot(state.Jobs.List())

	for field, value := range fields {
		w.broadcastIfChanged(projectID, field, value)
	}
}

// jobSnapshot reduces the job list to the fields worth diffing.
func jobSnapshot(jobs []Job) []map[string]any {
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, map[string]any{"id": j.ID, "status": string(j.Status), "kind": j.Kind})
	}
	return out
}

// broadcastIfChanged compares against the previous poll by value and sends
// only on change.
func (w *WSManager) broadcastIfChanged(projectID, field string, value any) {
	w.mu.Lock()
	prev := w.last[projectID]
	if prev == nil {
		prev = map[string]any{}
		w.last[projectID] = prev
	}
	if reflect.DeepEqual(prev[field], value) {
		w.mu.Unlock()
		return
	}
	prev[field] = value
	conns := make([]*websocket.Conn, len(w.conns[projectID]))
	copy(conns, w.conns[projectID])
	w.mu.Unlock()

	payload, err := json.Marshal(value)
	if err != nil {
		slog.Warn("ws: marshal update failed", "field", field, "err", err)
		return
	}
	frame := wsUpdate{Type: field, ProjectID: projectID, Payload: payload, At: time.Now().UTC()}
	for _, conn := range conns {
		if err := websocket.JSON.Send(conn, frame); err != nil {
			// Lazy disconnect: the reader in Subscribe will reap it.
			slog.Debug("ws: send failed, dropping", "project", projectID, "err", err)
			conn.Close()
		}
	}
}
