package taskfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreateAndReadTask(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateTask(&Task{ID: "impl-1", Subject: "build feature"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := m.ReadTask("impl-1")
	if err != nil {
		t.Fatalf("ReadTask: %v", err)
	}
	if got.Subject != "build feature" {
		t.Errorf("subject = %q", got.Subject)
	}
	if got.Status != StatusPending {
		t.Errorf("default status = %q, want pending", got.Status)
	}
	if got.BlockedBy == nil || got.Blocks == nil {
		t.Error("blocker slices must round-trip as empty lists, not null")
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped")
	}
}

func TestCreateTask_DuplicateRejected(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateTask(&Task{ID: "impl-1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := m.CreateTask(&Task{ID: "impl-1"}); err == nil {
		t.Error("duplicate create succeeded")
	}
}

func TestUpdateTask_BumpsUpdatedAt(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateTask(&Task{ID: "impl-1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	before, _ := m.ReadTask("impl-1")
	time.Sleep(5 * time.Millisecond)

	got, err := m.UpdateTask("impl-1", func(task *Task) error {
		task.Status = StatusInProgress
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %q", got.Status)
	}
	if !got.UpdatedAt.After(before.UpdatedAt) {
		t.Error("UpdatedAt not bumped")
	}
}

func TestBlockers_Idempotent(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateTask(&Task{ID: "impl-1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.AddBlocker("impl-1", "review-impl-1"); err != nil {
			t.Fatalf("AddBlocker: %v", err)
		}
	}
	got, _ := m.ReadTask("impl-1")
	if len(got.BlockedBy) != 1 {
		t.Errorf("blockedBy = %v, want single entry", got.BlockedBy)
	}

	for i := 0; i < 2; i++ {
		if err := m.RemoveBlocker("impl-1", "review-impl-1"); err != nil {
			t.Fatalf("RemoveBlocker: %v", err)
		}
	}
	got, _ = m.ReadTask("impl-1")
	if len(got.BlockedBy) != 0 {
		t.Errorf("blockedBy = %v, want empty", got.BlockedBy)
	}
}

func TestListTasks_SkipsUnparseableAndHidden(t *testing.T) {
	m := newTestManager(t)
	if err := m.CreateTask(&Task{ID: "impl-1"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := os.WriteFile(filepath.Join(m.Dir(), "broken.json"), []byte("{oops"), 0644); err != nil {
		t.Fatalf("seed broken file: %v", err)
	}

	tasks, err := m.ListTasks()
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "impl-1" {
		t.Errorf("tasks = %+v, want just impl-1 (lock sidecars and broken files skipped)", tasks)
	}
}

func TestGetPendingUnblockedTasks(t *testing.T) {
	m := newTestManager(t)
	seed := []*Task{
		{ID: "ready"},
		{ID: "blocked", BlockedBy: []string{"review-blocked"}},
		{ID: "owned", Owner: "someone"},
		{ID: "done", Status: StatusCompleted},
	}
	for _, task := range seed {
		if err := m.CreateTask(task); err != nil {
			t.Fatalf("CreateTask %s: %v", task.ID, err)
		}
	}

	got, err := m.GetPendingUnblockedTasks()
	if err != nil {
		t.Fatalf("GetPendingUnblockedTasks: %v", err)
	}
	if len(got) != 1 || got[0].ID != "ready" {
		t.Errorf("pending unblocked = %+v, want just ready", got)
	}
}

func TestIsReviewTask(t *testing.T) {
	if !IsReviewTask("review-impl-1") {
		t.Error("review prefix not recognized")
	}
	if IsReviewTask("impl-1") {
		t.Error("impl task misclassified as review")
	}
}

func TestTryLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proc.lock")

	unlock, ok, err := TryLockExclusive(path)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	// Second attempt on a separate descriptor must not block.
	_, ok2, err := TryLockExclusive(path)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if ok2 {
		t.Error("second exclusive lock acquired while first held")
	}

	unlock()
	unlock2, ok3, err := TryLockExclusive(path)
	if err != nil || !ok3 {
		t.Fatalf("lock after release: ok=%v err=%v", ok3, err)
	}
	unlock2()
}
