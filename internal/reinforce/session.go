package reinforce

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Goal statuses within a session context.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
)

// maxDiscoveries caps the evolved-discoveries list.
const maxDiscoveries = 10

// KeyPoint is one distilled goal from the original user prompt.
type KeyPoint struct {
	Text   string `json:"text"`
	Status string `json:"status"` // active | completed
}

// SessionContext is the distillation of a session's original prompt plus
// the discoveries accumulated while working.
type SessionContext struct {
	SessionID    string     `json:"session_id"`
	KeyPoints    []KeyPoint `json:"key_points"`
	Constraints  []string   `json:"constraints"`
	KeyDecisions []string   `json:"key_decisions"`
	Discoveries  []string   `json:"discoveries"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ActiveGoals returns the key points not yet completed.
func (sc *SessionContext) ActiveGoals() []KeyPoint {
	var out []KeyPoint
	for _, kp := range sc.KeyPoints {
		if kp.Status != GoalCompleted {
			out = append(out, kp)
		}
	}
	return out
}

// Injection renders the session context as an additionalContext payload.
// Returns ok=false when there is nothing left to reinforce: all goals
// completed and no discoveries.
func (sc *SessionContext) Injection() (string, bool) {
	active := sc.ActiveGoals()
	if len(active) == 0 && len(sc.Discoveries) == 0 {
		return "", false
	}

	var sb strings.Builder
	sb.WriteString("Reminder of the session's original intent:\n")
	if len(active) > 0 {
		sb.WriteString("\nRemaining goals:\n")
		for _, kp := range active {
			fmt.Fprintf(&sb, "- %s\n", kp.Text)
		}
	}
	if len(sc.Discoveries) > 0 {
		sb.WriteString("\nDiscoveries so far:\n")
		for _, d := range lastN(sc.Discoveries, 5) {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
	}
	if len(sc.Constraints) > 0 {
		sb.WriteString("\nConstraints:\n")
		for _, c := range sc.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if len(sc.KeyDecisions) > 0 {
		sb.WriteString("\nDecisions already made:\n")
		for _, d := range sc.KeyDecisions {
			fmt.Fprintf(&sb, "- %s\n", d)
		}
	}
	return sb.String(), true
}

// AddDiscovery appends a discovery, deduplicating by substring match in
// either direction and keeping the newest maxDiscoveries.
func (sc *SessionContext) AddDiscovery(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	lower := strings.ToLower(text)
	for i, existing := range sc.Discoveries {
		el := strings.ToLower(existing)
		if strings.Contains(el, lower) {
			return // already covered by a broader discovery
		}
		if strings.Contains(lower, el) {
			sc.Discoveries[i] = text // new one subsumes the old
			return
		}
	}
	sc.Discoveries = append(sc.Discoveries, text)
	if len(sc.Discoveries) > maxDiscoveries {
		sc.Discoveries = sc.Discoveries[len(sc.Discoveries)-maxDiscoveries:]
	}
}

// Merge folds a fresh distillation into the existing context: completed
// statuses stick, new key points and discoveries are appended.
func (sc *SessionContext) Merge(fresh *SessionContext) {
	completed := map[string]bool{}
	for _, kp := range sc.KeyPoints {
		if kp.Status == GoalCompleted {
			completed[strings.ToLower(kp.Text)] = true
		}
	}
	sc.KeyPoints = fresh.KeyPoints
	for i := range sc.KeyPoints {
		if completed[strings.ToLower(sc.KeyPoints[i].Text)] {
			sc.KeyPoints[i].Status = GoalCompleted
		}
	}
	if len(fresh.Constraints) > 0 {
		sc.Constraints = fresh.Constraints
	}
	if len(fresh.KeyDecisions) > 0 {
		sc.KeyDecisions = fresh.KeyDecisions
	}
	for _, d := range fresh.Discoveries {
		sc.AddDiscovery(d)
	}
	sc.UpdatedAt = time.Now().UTC()
}

// ReadSessionContext loads a session-context file; nil when absent.
func ReadSessionContext(path string) (*SessionContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session context: %w", err)
	}
	var sc SessionContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse session context: %w", err)
	}
	return &sc, nil
}

// WriteSessionContext persists a session context atomically.
func WriteSessionContext(path string, sc *SessionContext) error {
	sc.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write session context: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session context: %w", err)
	}
	return nil
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
