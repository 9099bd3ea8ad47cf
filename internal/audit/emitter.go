package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Emitter appends events to the shared JSONL events file. Emission is best
// effort: failures are logged and swallowed so the emitting hook or service
// is never taken down by audit plumbing.
type Emitter struct {
	path   string
	source string

	mu sync.Mutex
}

// NewEmitter creates an emitter for the given events file. source names the
// component in every event.
func NewEmitter(path, source string) *Emitter {
	return &Emitter{path: path, source: source}
}

// Path returns the events file path.
func (e *Emitter) Path() string { return e.path }

// Emit appends one event. Never returns an error; failures are logged.
func (e *Emitter) Emit(eventType, sessionID string, data map[string]any) {
	ev := NewEvent(eventType, e.source, sessionID, data)
	if err := e.append(ev); err != nil {
		slog.Warn("audit: event emission failed", "type", eventType, "err", err)
	}
}

// EmitEvent appends a pre-built event, for callers that stamp their own
// source.
func (e *Emitter) EmitEvent(ev Event) {
	if err := e.append(ev); err != nil {
		slog.Warn("audit: event emission failed", "type", ev.Type, "err", err)
	}
}

func (e *Emitter) append(ev Event) error {
	line, err := ev.marshal()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(e.path), 0755); err != nil {
		return fmt.Errorf("create events directory: %w", err)
	}
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}
