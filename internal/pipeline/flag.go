package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"govfabric/internal/governance"
)

// HolisticFlag is the per-session marker consulted by the execution gate.
// Its presence means the session's task group has not passed holistic
// review; the file is deleted on approval.
type HolisticFlag struct {
	SessionID string               `json:"session_id"`
	Status    string               `json:"status"` // pending | blocked | needs_human_review
	Guidance  string               `json:"guidance,omitempty"`
	Findings  []governance.Finding `json:"findings,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (p *Pipeline) flagPath(sessionID string) string {
	return filepath.Join(p.cfg.FlagDir, "holistic-"+sessionID+".json")
}

// refreshFlag creates or touches the session's pending flag. Each new task
// in the session resets the flag's timestamp; the settle-check that outlives
// the burst resolves it.
func (p *Pipeline) refreshFlag(sessionID string, ts time.Time) error {
	flag := HolisticFlag{SessionID: sessionID, Status: "pending", UpdatedAt: ts}
	if existing, err := p.ReadFlag(sessionID); err == nil && existing != nil {
		flag.Guidance = existing.Guidance
		flag.Findings = existing.Findings
	}
	return p.writeFlag(&flag)
}

// ReadFlag returns the session's holistic flag, or nil when none exists.
func (p *Pipeline) ReadFlag(sessionID string) (*HolisticFlag, error) {
	data, err := os.ReadFile(p.flagPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read holistic flag: %w", err)
	}
	var flag HolisticFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return nil, fmt.Errorf("parse holistic flag: %w", err)
	}
	return &flag, nil
}

// SessionGateBlocked reports whether the session's execution gate should
// hold: true while a holistic flag file exists.
func (p *Pipeline) SessionGateBlocked(sessionID string) (bool, *HolisticFlag, error) {
	flag, err := p.ReadFlag(sessionID)
	if err != nil {
		return false, nil, err
	}
	return flag != nil, flag, nil
}

// removeFlag deletes the session's flag. Missing files are fine.
func (p *Pipeline) removeFlag(sessionID string) error {
	if err := os.Remove(p.flagPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove holistic flag: %w", err)
	}
	return nil
}

// writeFlag persists the flag atomically.
func (p *Pipeline) writeFlag(flag *HolisticFlag) error {
	if err := os.MkdirAll(p.cfg.FlagDir, 0755); err != nil {
		return fmt.Errorf("create flag directory: %w", err)
	}
	data, err := json.MarshalIndent(flag, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal holistic flag: %w", err)
	}
	tmp, err := os.CreateTemp(p.cfg.FlagDir, ".holistic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp flag file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write holistic flag: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp flag file: %w", err)
	}
	if err := os.Rename(tmpName, p.flagPath(flag.SessionID)); err != nil {
		return fmt.Errorf("replace holistic flag: %w", err)
	}
	return nil
}
