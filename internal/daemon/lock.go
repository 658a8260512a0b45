package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const lockFileName = "daemon.lock"

// Lock is an advisory file lock that keeps two daemons from sharing one
// state directory. The lock file records the owning pid for diagnostics;
// the flock itself is what enforces exclusivity.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes an exclusive, non-blocking lock on dir's lock file.
// It fails when another daemon already holds the lock.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, lockFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if pid, ok := ReadLockOwner(dir); ok {
			return nil, fmt.Errorf("another daemon (pid %d) is already running", pid)
		}
		return nil, fmt.Errorf("another daemon is already running: %w", err)
	}

	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &Lock{path: path, file: file}, nil
}

// Release drops the lock and removes the lock file. Safe to call more than
// once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	_ = os.Remove(l.path)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// ReadLockOwner reports the pid recorded in dir's lock file. It does not
// check whether that process still holds the flock, or still exists.
func ReadLockOwner(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
