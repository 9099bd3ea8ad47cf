// Package taskfile manages one-file-per-task JSON records with per-task
// advisory locking. It is the only writer of task files in the fabric; the
// governance pipeline composes its single-task primitives into multi-task
// flows.
package taskfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Task id prefixes. The pipeline depends on these; the manager merely
// preserves them.
const (
	ImplPrefix   = "impl-"
	ReviewPrefix = "review-"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Task is the on-disk task record. Fields round-trip exactly: a
// read-then-write with no changes is a no-op apart from updatedAt.
type Task struct {
	ID                 string         `json:"id"`
	Subject            string         `json:"subject"`
	Description        string         `json:"description"`
	Status             Status         `json:"status"`
	Owner              string         `json:"owner,omitempty"`
	ActiveForm         string         `json:"activeForm,omitempty"`
	BlockedBy          []string       `json:"blockedBy"`
	Blocks             []string       `json:"blocks"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	GovernanceMetadata map[string]any `json:"governance_metadata,omitempty"`
}

// IsReviewTask reports whether the id carries the review prefix.
func IsReviewTask(id string) bool { return strings.HasPrefix(id, ReviewPrefix) }

// Manager performs atomic CRUD over a task directory. Every operation takes
// an advisory lock on a per-task sidecar lock file: shared for reads,
// exclusive for writes. The manager never holds locks for two task ids at
// once.
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// Dir returns the managed directory.
func (m *Manager) Dir() string { return m.dir }

func (m *Manager) taskPath(id string) string { return filepath.Join(m.dir, id+".json") }
func (m *Manager) lockPath(id string) string { return filepath.Join(m.dir, "."+id+".lock") }

// CreateTask writes a new task file. The id must be unused.
func (m *Manager) CreateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.BlockedBy == nil {
		task.BlockedBy = []string{}
	}
	if task.Blocks == nil {
		task.Blocks = []string{}
	}

	unlock, err := lockExclusive(m.lockPath(task.ID))
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(m.taskPath(task.ID)); err == nil {
		return fmt.Errorf("task %q already exists", task.ID)
	}
	return m.writeLocked(task)
}

// ReadTask returns the task with the given id.
func (m *Manager) ReadTask(id string) (*Task, error) {
	unlock, err := lockShared(m.lockPath(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.readLocked(id)
}

// UpdateTask applies fn to the task under the exclusive lock and persists the
// result. UpdatedAt is bumped on every update.
func (m *Manager) UpdateTask(id string, fn func(*Task) error) (*Task, error) {
	unlock, err := lockExclusive(m.lockPath(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := m.readLocked(id)
	if err != nil {
		return nil, err
	}
	if err := fn(task); err != nil {
		return nil, err
	}
	task.UpdatedAt = time.Now().UTC()
	if err := m.writeLocked(task); err != nil {
		return nil, err
	}
	return task, nil
}

// AddBlocker appends blockerID to the task's blockedBy list. Idempotent.
func (m *Manager) AddBlocker(taskID, blockerID string) error {
	_, err := m.UpdateTask(taskID, func(t *Task) error {
		for _, b := range t.BlockedBy {
			if b == blockerID {
				return nil
			}
		}
		t.BlockedBy = append(t.BlockedBy, blockerID)
		return nil
	})
	return err
}

// RemoveBlocker removes blockerID from the task's blockedBy list. Idempotent.
func (m *Manager) RemoveBlocker(taskID, blockerID string) error {
	_, err := m.UpdateTask(taskID, func(t *Task) error {
		kept := t.BlockedBy[:0]
		for _, b := range t.BlockedBy {
			if b != blockerID {
				kept = append(kept, b)
			}
		}
		t.BlockedBy = kept
		return nil
	})
	return err
}

// CompleteTask marks the task completed.
func (m *Manager) CompleteTask(id string) error {
	_, err := m.UpdateTask(id, func(t *Task) error {
		t.Status = StatusCompleted
		return nil
	})
	return err
}

// ListTasks returns every parseable task in the directory. Unparseable files
// are skipped (best effort).
func (m *Manager) ListTasks() ([]Task, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read task directory: %w", err)
	}

	var out []Task
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		task, err := m.ReadTask(id)
		if err != nil {
			slog.Debug("taskfile: skipping unparseable task", "file", name, "err", err)
			continue
		}
		out = append(out, *task)
	}
	return out, nil
}

// GetPendingUnblockedTasks returns tasks that are pending, have an empty
// blockedBy list and no owner.
func (m *Manager) GetPendingUnblockedTasks() ([]Task, error) {
	tasks, err := m.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if t.Status == StatusPending && len(t.BlockedBy) == 0 && t.Owner == "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// readLocked reads and parses a task file. Caller holds the lock.
func (m *Manager) readLocked(id string) (*Task, error) {
	data, err := os.ReadFile(m.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %q not found", id)
		}
		return nil, fmt.Errorf("read task %q: %w", id, err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parse task %q: %w", id, err)
	}
	if task.BlockedBy == nil {
		task.BlockedBy = []string{}
	}
	if task.Blocks == nil {
		task.Blocks = []string{}
	}
	return &task, nil
}

// writeLocked persists a task atomically (temp file + rename). Caller holds
// the exclusive lock.
func (m *Manager) writeLocked(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %q: %w", task.ID, err)
	}
	tmp, err := os.CreateTemp(m.dir, "."+task.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp task file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write task %q: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp task file: %w", err)
	}
	if err := os.Rename(tmpName, m.taskPath(task.ID)); err != nil {
		return fmt.Errorf("replace task %q: %w", task.ID, err)
	}
	return nil
}
