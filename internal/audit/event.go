// Package audit implements the event pipeline: best-effort JSONL emission,
// a checkpointed single-writer processor, rolling statistics, threshold
// anomaly detection and the tiered LLM escalation chain.
package audit

import (
	"encoding/json"
	"time"
)

// Well-known event types. Emitters may invent new types freely; these are
// the ones the detector and statistics accumulator understand.
const (
	EventTaskIntercepted   = "task_intercepted"
	EventReviewApproved    = "review_approved"
	EventReviewBlocked     = "review_blocked"
	EventGateAllow         = "gate_allow"
	EventGateBlock         = "gate_block"
	EventHookSkipped       = "hook_skipped"
	EventHookError         = "hook_error"
	EventContextInjected   = "context_injected"
	EventEscalationStarted = "escalation_started"
)

// Event is one audit record. Ts is fractional unix seconds; TsISO is the
// same instant formatted for humans.
type Event struct {
	Ts        float64        `json:"ts"`
	TsISO     string         `json:"ts_iso"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType, source, sessionID string, data map[string]any) Event {
	now := time.Now().UTC()
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Ts:        float64(now.UnixNano()) / 1e9,
		TsISO:     now.Format(time.RFC3339Nano),
		Type:      eventType,
		Source:    source,
		SessionID: sessionID,
		Data:      data,
	}
}

// Time converts the fractional timestamp back to a time.Time.
func (e Event) Time() time.Time {
	sec := int64(e.Ts)
	nsec := int64((e.Ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func (e Event) marshal() ([]byte, error) { return json.Marshal(e) }
