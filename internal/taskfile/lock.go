package taskfile

import (
	"fmt"
	"os"
	"syscall"
)

// lockExclusive takes an exclusive advisory flock on the sidecar file,
// creating it if needed. The returned func releases the lock and closes the
// file; the sidecar itself is left in place.
func lockExclusive(path string) (func(), error) {
	return lock(path, syscall.LOCK_EX)
}

// lockShared takes a shared advisory flock on the sidecar file.
func lockShared(path string) (func(), error) {
	return lock(path, syscall.LOCK_SH)
}

func lock(path string, how int) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck
		f.Close()
	}, nil
}

// TryLockExclusive takes the lock without blocking. It returns ok=false when
// another process holds it — the caller should exit cleanly.
func TryLockExclusive(path string) (func(), bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", path, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck
		f.Close()
	}, true, nil
}
