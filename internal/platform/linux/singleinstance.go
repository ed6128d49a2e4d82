package linux

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"backend/internal/config"
)

// SingleInstance guards against two service or GUI processes racing for
// the same user's VPN state, via an exclusive flock on a file under the
// user-scoped runtime directory.
type SingleInstance struct {
	file *os.File
}

// Acquire takes the lock for the given mode ("service" or "gui"),
// returning an error immediately (never blocking) if another process
// already holds it.
func Acquire(mode string) (*SingleInstance, error) {
	dir := config.RuntimeDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("singleinstance: create runtime dir: %w", err)
	}

	path := filepath.Join(dir, mode+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("singleinstance: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("singleinstance: another %s instance is already running", mode)
	}

	return &SingleInstance{file: f}, nil
}

// Release drops the lock and closes the file.
func (s *SingleInstance) Release() error {
	if err := unix.Flock(int(s.file.Fd()), unix.LOCK_UN); err != nil {
		return err
	}
	return s.file.Close()
}
