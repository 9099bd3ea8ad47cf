package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ExecSpawner launches settle-checks and review runners as detached
// processes. The hook process exits immediately; the children reparent to
// init and carry the slow LLM work.
type ExecSpawner struct {
	// SettleCheckBin is the settlecheck binary path.
	SettleCheckBin string

	// RunnerBin is the binary invoked for review runners. Usually the same
	// settlecheck binary with a -review flag.
	RunnerBin string

	// ConfigPath and ProjectDir are forwarded to the children.
	ConfigPath string
	ProjectDir string
}

// SpawnSettleCheck starts a detached settle-check process.
func (s *ExecSpawner) SpawnSettleCheck(sessionID string, ts time.Time, transcriptPath string) error {
	args := []string{
		"-session", sessionID,
		"-ts", ts.UTC().Format(time.RFC3339Nano),
	}
	if transcriptPath != "" {
		args = append(args, "-transcript", transcriptPath)
	}
	return s.detach(s.SettleCheckBin, args...)
}

// SpawnReviewRunner starts a detached review-runner process.
func (s *ExecSpawner) SpawnReviewRunner(reviewTaskID string) error {
	bin := s.RunnerBin
	if bin == "" {
		bin = s.SettleCheckBin
	}
	return s.detach(bin, "-review", reviewTaskID)
}

func (s *ExecSpawner) detach(bin string, args ...string) error {
	if bin == "" {
		return fmt.Errorf("spawner binary not configured")
	}
	if s.ConfigPath != "" {
		args = append(args, "-config", s.ConfigPath)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()
	if s.ProjectDir != "" {
		cmd.Env = append(cmd.Env, "PROJECT_DIR="+s.ProjectDir)
	}
	// New session: the child survives the hook's exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	go func() {
		// Reap so the child never lingers as a zombie while we live.
		_ = cmd.Wait()
	}()
	slog.Debug("pipeline: spawned", "bin", bin, "pid", pid)
	return nil
}

// SyncSpawner runs the spawned work in-process. Used by tests and by the
// gateway's single-binary mode.
type SyncSpawner struct {
	Pipeline *Pipeline
}

func (s *SyncSpawner) SpawnSettleCheck(sessionID string, ts time.Time, transcriptPath string) error {
	_, err := s.Pipeline.RunSettleCheck(context.Background(), sessionID, ts, transcriptPath)
	return err
}

func (s *SyncSpawner) SpawnReviewRunner(reviewTaskID string) error {
	_, err := s.Pipeline.RunReview(context.Background(), reviewTaskID)
	return err
}

// NopSpawner records spawn requests without acting on them.
type NopSpawner struct {
	SettleChecks []string
	Runners      []string
}

func (s *NopSpawner) SpawnSettleCheck(sessionID string, _ time.Time, _ string) error {
	s.SettleChecks = append(s.SettleChecks, sessionID)
	return nil
}

func (s *NopSpawner) SpawnReviewRunner(reviewTaskID string) error {
	s.Runners = append(s.Runners, reviewTaskID)
	return nil
}
