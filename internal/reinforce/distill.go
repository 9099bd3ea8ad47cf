package reinforce

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"govfabric/internal/llm"
)

// shortPromptThreshold: prompts shorter than this are wrapped directly
// instead of distilled through the model.
const shortPromptThreshold = 200

// Distiller produces and refreshes session-context distillations from the
// session transcript.
type Distiller struct {
	provider llm.Provider
	timeout  time.Duration
}

// NewDistiller creates a distiller.
func NewDistiller(provider llm.Provider) *Distiller {
	return &Distiller{provider: provider, timeout: 60 * time.Second}
}

// Distill reads the session's first user message from the transcript and
// writes (or refreshes) the session-context file at contextPath.
func (d *Distiller) Distill(ctx context.Context, sessionID, transcriptPath, contextPath string) error {
	prompt, err := firstUserMessage(transcriptPath)
	if err != nil {
		return err
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("transcript %s has no user message", transcriptPath)
	}

	fresh := d.distillPrompt(ctx, sessionID, prompt)

	existing, err := ReadSessionContext(contextPath)
	if err != nil {
		return err
	}
	if existing == nil {
		return WriteSessionContext(contextPath, fresh)
	}
	existing.Merge(fresh)
	return WriteSessionContext(contextPath, existing)
}

// distillPrompt builds a SessionContext from the original prompt: short
// prompts are wrapped directly, longer ones go through the model with a
// direct-wrap fallback on parse failure.
func (d *Distiller) distillPrompt(ctx context.Context, sessionID, prompt string) *SessionContext {
	if len(prompt) < shortPromptThreshold {
		return directWrap(sessionID, prompt)
	}

	text, err := d.provider.Complete(ctx, llm.Request{
		Role:    llm.RoleDistill,
		Prompt:  distillPromptText(prompt),
		Timeout: d.timeout,
	})
	if err != nil {
		return directWrap(sessionID, prompt)
	}

	var raw struct {
		KeyPoints []struct {
			Text   string `json:"text"`
			Status string `json:"status"`
		} `json:"key_points"`
		Constraints  []string `json:"constraints"`
		KeyDecisions []string `json:"key_decisions"`
		Discoveries  []string `json:"discoveries"`
	}
	if err := parseDistillJSON(text, &raw); err != nil || len(raw.KeyPoints) == 0 {
		return directWrap(sessionID, prompt)
	}

	sc := &SessionContext{SessionID: sessionID}
	for _, kp := range raw.KeyPoints {
		status := kp.Status
		if status != GoalCompleted {
			status = GoalActive
		}
		sc.KeyPoints = append(sc.KeyPoints, KeyPoint{Text: kp.Text, Status: status})
	}
	sc.Constraints = raw.Constraints
	sc.KeyDecisions = raw.KeyDecisions
	for _, disc := range raw.Discoveries {
		sc.AddDiscovery(disc)
	}
	return sc
}

func directWrap(sessionID, prompt string) *SessionContext {
	return &SessionContext{
		SessionID: sessionID,
		KeyPoints: []KeyPoint{{Text: strings.TrimSpace(prompt), Status: GoalActive}},
	}
}

func distillPromptText(prompt string) string {
	return fmt.Sprintf(`Distill the following user request into its essential goals, constraints and decisions.

## Request
%s

Respond with ONLY a JSON object:
{"key_points": [{"text": "...", "status": "active"}], "constraints": ["..."], "key_decisions": ["..."], "discoveries": []}`, prompt)
}

func parseDistillJSON(text string, v any) error {
	trimmed := strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return json.Unmarshal([]byte(text[start:end+1]), v)
	}
	return fmt.Errorf("distillation output is not parseable JSON")
}

// firstUserMessage scans a JSONL transcript for the first user-role entry.
// Both {"role": "user", "content": ...} and nested {"message": {...}} line
// shapes are accepted; content may be a string or a list of text blocks.
func firstUserMessage(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if msg, ok := entry["message"].(map[string]any); ok {
			entry = msg
		}
		if role, _ := entry["role"].(string); role != "user" {
			continue
		}
		if text := contentText(entry["content"]); text != "" {
			return text, nil
		}
	}
	return "", scanner.Err()
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, item := range c {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t != "" && t != "text" {
				continue
			}
			if text, _ := block["text"].(string); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ExecDistillSpawner launches the distillation as a detached process via
// the govhook binary.
type ExecDistillSpawner struct {
	Binary     string
	ConfigPath string
	Transcript string
}

func (s *ExecDistillSpawner) SpawnDistill(sessionID string) error {
	args := []string{"-distill", sessionID, "-config", s.ConfigPath}
	if s.Transcript != "" {
		args = append(args, "-transcript", s.Transcript)
	}
	return spawnDetached(s.Binary, args...)
}

// InlineDistillSpawner runs distillation synchronously. Used by tests.
type InlineDistillSpawner struct {
	Distiller      *Distiller
	TranscriptPath string
	ContextPath    string
}

func (s *InlineDistillSpawner) SpawnDistill(sessionID string) error {
	return s.Distiller.Distill(context.Background(), sessionID, s.TranscriptPath, s.ContextPath)
}
