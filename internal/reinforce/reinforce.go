// Package reinforce implements the pre-tool context reinforcement hook: a
// per-session call counter gates a two-layer resolver (session-context
// distillation, then a keyword-routed static layer) that injects at most
// one piece of additional context per tool call.
package reinforce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config carries the reinforcement tunables.
type Config struct {
	// ToolCallThreshold is the call count below which the hook exits fast.
	ToolCallThreshold int

	// JaccardThreshold is the minimum route similarity score.
	JaccardThreshold float64

	// RouteDebounce suppresses repeat injections of the same route.
	RouteDebounce time.Duration

	// SessionContextDebounce suppresses repeat session-context injections.
	SessionContextDebounce time.Duration

	// MaxInjectionsPerSession caps total injections for a session.
	MaxInjectionsPerSession int

	// RefreshInterval spawns a distillation refresh every N context reads.
	RefreshInterval int

	// StateDir holds per-session state and context files.
	StateDir string
}

func (c *Config) applyDefaults() {
	if c.ToolCallThreshold <= 0 {
		c.ToolCallThreshold = 8
	}
	if c.JaccardThreshold <= 0 {
		c.JaccardThreshold = 0.15
	}
	if c.RouteDebounce <= 0 {
		c.RouteDebounce = 30 * time.Second
	}
	if c.SessionContextDebounce <= 0 {
		c.SessionContextDebounce = 60 * time.Second
	}
	if c.MaxInjectionsPerSession <= 0 {
		c.MaxInjectionsPerSession = 10
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 5
	}
}

// sessionContextRoute is the pseudo route id recorded for layer-1
// injections.
const sessionContextRoute = "session_context"

// Injection is one history entry.
type Injection struct {
	RouteID string    `json:"route_id"`
	At      time.Time `json:"at"`
}

// sessionState is the per-session counter and injection history file.
type sessionState struct {
	ToolCalls    int         `json:"tool_calls"`
	ContextReads int         `json:"context_reads"`
	Injections   []Injection `json:"injections"`
}

// DistillSpawner starts a distillation (or refresh) of the session's
// original prompt.
type DistillSpawner interface {
	SpawnDistill(sessionID string) error
}

// Engine resolves reinforcement injections for tool calls.
type Engine struct {
	cfg     Config
	router  *Router
	spawner DistillSpawner
}

// NewEngine creates an engine. router may be nil when no routing file is
// configured; spawner may be nil to disable distillation refreshes.
func NewEngine(cfg Config, router *Router, spawner DistillSpawner) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg, router: router, spawner: spawner}
}

// StateDir returns the engine's state directory.
func (e *Engine) StateDir() string { return e.cfg.StateDir }

func (e *Engine) statePath(sessionID string) string {
	return filepath.Join(e.cfg.StateDir, "state-"+sessionID+".json")
}

// ContextPath returns the session-context file path for a session.
func (e *Engine) ContextPath(sessionID string) string {
	return filepath.Join(e.cfg.StateDir, "context-"+sessionID+".json")
}

// OnToolCall processes one tool call: bumps the session counter and, past
// the threshold, resolves at most one injection. The returned string is the
// additionalContext payload; empty means no injection.
func (e *Engine) OnToolCall(sessionID, toolInput string) (string, error) {
	state, err := e.loadState(sessionID)
	if err != nil {
		return "", err
	}
	state.ToolCalls++
	now := time.Now().UTC()

	// Below threshold or over cap: count the call and stay silent.
	if state.ToolCalls < e.cfg.ToolCallThreshold ||
		len(state.Injections) >= e.cfg.MaxInjectionsPerSession {
		return "", e.saveState(sessionID, state)
	}

	// Layer 1: session context.
	if text, ok := e.resolveSessionContext(sessionID, state, now); ok {
		state.Injections = append(state.Injections, Injection{RouteID: sessionContextRoute, At: now})
		if err := e.saveState(sessionID, state); err != nil {
			return "", err
		}
		return text, nil
	}

	// Layer 2: static router.
	if e.router != nil {
		tokens := tokenize(toolInput)
		if route, score := e.router.Match(tokens); route != nil && score >= e.cfg.JaccardThreshold {
			if !e.debounced(state, route.ID, now, e.cfg.RouteDebounce) {
				state.Injections = append(state.Injections, Injection{RouteID: route.ID, At: now})
				if err := e.saveState(sessionID, state); err != nil {
					return "", err
				}
				return route.Context, nil
			}
		}
	}

	return "", e.saveState(sessionID, state)
}

// resolveSessionContext builds the layer-1 injection when the context file
// exists, is not debounced, and still has something worth reinforcing.
func (e *Engine) resolveSessionContext(sessionID string, state *sessionState, now time.Time) (string, bool) {
	if e.debounced(state, sessionContextRoute, now, e.cfg.SessionContextDebounce) {
		return "", false
	}
	sc, err := ReadSessionContext(e.ContextPath(sessionID))
	if err != nil || sc == nil {
		return "", false
	}

	state.ContextReads++
	if e.spawner != nil && state.ContextReads%e.cfg.RefreshInterval == 0 {
		if err := e.spawner.SpawnDistill(sessionID); err != nil {
			slog.Warn("reinforce: distill refresh spawn failed", "session", sessionID, "err", err)
		}
	}

	text, ok := sc.Injection()
	return text, ok
}

// debounced reports whether an injection for routeID fired within window.
func (e *Engine) debounced(state *sessionState, routeID string, now time.Time, window time.Duration) bool {
	for i := len(state.Injections) - 1; i >= 0; i-- {
		inj := state.Injections[i]
		if inj.RouteID != routeID {
			continue
		}
		return now.Sub(inj.At) < window
	}
	return false
}

func (e *Engine) loadState(sessionID string) (*sessionState, error) {
	data, err := os.ReadFile(e.statePath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return &sessionState{}, nil
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var state sessionState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("reinforce: corrupt session state, resetting", "session", sessionID, "err", err)
		return &sessionState{}, nil
	}
	return &state, nil
}

func (e *Engine) saveState(sessionID string, state *sessionState) error {
	if err := os.MkdirAll(e.cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	path := e.statePath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session state: %w", err)
	}
	return nil
}
