// Package main implements govhook, the binary the host agent invokes on
// its hook points. Two events are handled: task-created (governance
// intercept) and pre-tool (execution gate plus context reinforcement).
//
// Hook contract: govhook always exits 0. Internal failures are emitted as
// audit events, never surfaced to the host agent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"govfabric/internal/audit"
	"govfabric/internal/bootstrap"
	"govfabric/internal/logging"
	"govfabric/internal/pipeline"
	"govfabric/internal/reinforce"
)

// hookPayload is the JSON delivered on stdin by the host agent.
type hookPayload struct {
	SessionID      string `json:"session_id"`
	TaskID         string `json:"task_id"`
	Subject        string `json:"subject"`
	Description    string `json:"description"`
	ToolName       string `json:"tool_name"`
	ToolInput      string `json:"tool_input"`
	TranscriptPath string `json:"transcript_path"`
}

// mutationTools are rejected while the session's holistic flag stands.
var mutationTools = map[string]bool{
	"Write": true, "Edit": true, "MultiEdit": true,
	"Bash": true, "NotebookEdit": true,
}

func main() {
	args := logging.Init(os.Args[1:])
	fs := flag.NewFlagSet("govhook", flag.ContinueOnError)
	event := fs.String("event", "", "hook event: task-created | pre-tool")
	distillSession := fs.String("distill", "", "run a distillation refresh for the given session and exit")
	transcript := fs.String("transcript", "", "transcript path for -distill")
	configPath := fs.String("config", os.Getenv("FABRIC_CONFIG"), "config file path")
	if err := fs.Parse(args); err != nil {
		os.Exit(0)
	}

	self, err := os.Executable()
	if err != nil {
		self = "govhook"
	}
	settleBin := filepath.Join(filepath.Dir(self), "settlecheck")
	spawner := &pipeline.ExecSpawner{
		SettleCheckBin: settleBin,
		RunnerBin:      settleBin,
		ConfigPath:     *configPath,
	}
	fab, err := bootstrap.Open(*configPath, "govhook", spawner)
	if err != nil {
		slog.Error("govhook: startup failed", "err", err)
		os.Exit(0)
	}
	defer fab.Close()
	spawner.ProjectDir = fab.ProjectDir

	if *distillSession != "" {
		runDistill(fab, *configPath, *distillSession, *transcript)
		return
	}

	var payload hookPayload
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		fab.Emitter.Emit(audit.EventHookError, "", map[string]any{
			"event": *event, "error": "unparseable hook payload: " + err.Error(),
		})
		return
	}

	switch *event {
	case "task-created":
		runIntercept(fab, payload)
	case "pre-tool":
		runPreTool(fab, *configPath, payload)
	default:
		fab.Emitter.Emit(audit.EventHookSkipped, payload.SessionID, map[string]any{
			"reason": fmt.Sprintf("unknown event %q", *event),
		})
	}
}

// runIntercept pairs the new task with a blocking review and spawns the
// settle-check as a detached process.
func runIntercept(fab *bootstrap.Fabric, payload hookPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := fab.Pipeline.Intercept(ctx, pipeline.HookEvent{
		SessionID:      payload.SessionID,
		TaskID:         payload.TaskID,
		Subject:        payload.Subject,
		Description:    payload.Description,
		TranscriptPath: payload.TranscriptPath,
	})
	if err != nil {
		fab.Emitter.Emit(audit.EventHookError, payload.SessionID, map[string]any{
			"event": "task-created", "task_id": payload.TaskID, "error": err.Error(),
		})
		return
	}
	if res.Skipped {
		fab.Emitter.Emit(audit.EventHookSkipped, payload.SessionID, map[string]any{
			"task_id": payload.TaskID, "reason": res.SkipReason,
		})
		return
	}
	fab.Emitter.Emit(audit.EventTaskIntercepted, payload.SessionID, map[string]any{
		"task_id": res.ImplTaskID, "review_task_id": res.ReviewTaskID,
	})
}

// runPreTool applies the execution gate, then context reinforcement. Output
// on stdout is the hook response consumed by the host agent.
func runPreTool(fab *bootstrap.Fabric, configPath string, payload hookPayload) {
	if mutationTools[payload.ToolName] {
		blocked, hf, err := fab.Pipeline.SessionGateBlocked(payload.SessionID)
		if err != nil {
			fab.Emitter.Emit(audit.EventHookError, payload.SessionID, map[string]any{
				"event": "pre-tool", "error": err.Error(),
			})
		} else if blocked {
			reason := "Session tasks are awaiting holistic governance review."
			if hf != nil && hf.Guidance != "" {
				reason = hf.Guidance
			}
			fab.Emitter.Emit(audit.EventGateBlock, payload.SessionID, map[string]any{
				"tool": payload.ToolName, "status": hf.Status,
			})
			respond(map[string]any{"decision": "block", "reason": reason})
			return
		} else {
			fab.Emitter.Emit(audit.EventGateAllow, payload.SessionID, map[string]any{
				"tool": payload.ToolName,
			})
		}
	}

	engine := newReinforceEngine(fab, configPath, payload.TranscriptPath)
	injection, err := engine.OnToolCall(payload.SessionID, payload.ToolInput)
	if err != nil {
		fab.Emitter.Emit(audit.EventHookError, payload.SessionID, map[string]any{
			"event": "pre-tool", "error": err.Error(),
		})
		return
	}
	if injection != "" {
		fab.Emitter.Emit(audit.EventContextInjected, payload.SessionID, nil)
		respond(map[string]any{"additionalContext": injection})
	}
}

func newReinforceEngine(fab *bootstrap.Fabric, configPath, transcriptPath string) *reinforce.Engine {
	rc := fab.Cfg.Reinforce
	stateDir := filepath.Join(fab.Cfg.DataDir, "reinforce")
	router, err := reinforce.NewRouter(filepath.Join(stateDir, "routes.json"))
	if err != nil {
		slog.Warn("govhook: router load failed", "err", err)
		router = nil
	}

	var spawner reinforce.DistillSpawner
	if self, err := os.Executable(); err == nil {
		spawner = &reinforce.ExecDistillSpawner{
			Binary:     self,
			ConfigPath: configPath,
			Transcript: transcriptPath,
		}
	}
	return reinforce.NewEngine(reinforce.Config{
		ToolCallThreshold:       rc.ToolCallThreshold,
		JaccardThreshold:        rc.JaccardThreshold,
		RouteDebounce:           time.Duration(rc.DebounceSeconds) * time.Second,
		SessionContextDebounce:  time.Duration(rc.SessionContextDebounceSeconds) * time.Second,
		MaxInjectionsPerSession: rc.MaxInjectionsPerSession,
		RefreshInterval:         rc.RefreshInterval,
		StateDir:                stateDir,
	}, router, spawner)
}

func runDistill(fab *bootstrap.Fabric, configPath, sessionID, transcriptPath string) {
	engine := newReinforceEngine(fab, configPath, transcriptPath)
	distiller := reinforce.NewDistiller(fab.Provider)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	if err := distiller.Distill(ctx, sessionID, transcriptPath, engine.ContextPath(sessionID)); err != nil {
		fab.Emitter.Emit(audit.EventHookError, sessionID, map[string]any{
			"event": "distill", "error": err.Error(),
		})
	}
}

func respond(v map[string]any) {
	json.NewEncoder(os.Stdout).Encode(v) //nolint:errcheck
}
