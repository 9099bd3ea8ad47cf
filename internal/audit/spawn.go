package audit

import (
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
)

// detachProcess starts a command in its own session so it survives the
// caller's exit, reaping it in the background.
func detachProcess(bin string, args ...string) error {
	if bin == "" {
		return fmt.Errorf("spawn binary not configured")
	}
	cmd := exec.Command(bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", bin, err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	slog.Debug("audit: spawned", "bin", bin, "pid", pid)
	return nil
}
