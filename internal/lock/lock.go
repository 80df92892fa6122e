// Package lock provides the two exclusion primitives the pipeline uses:
// advisory flock-based stage locks and a stale-safe PID file for the queue
// worker. A busy lock is never an error condition for callers — overlapping
// cron firings are expected and must exit silently with status 0.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrBusy means another process holds the lock.
var ErrBusy = errors.New("lock held by another process")

// Handle is a held stage lock. It stays held for process lifetime unless
// released explicitly; the OS drops the flock at exit either way.
type Handle struct {
	fl *flock.Flock
}

// Acquire takes a non-blocking exclusive lock on path, creating parent
// directories as needed. Returns ErrBusy without retrying when contended.
func Acquire(path string) (*Handle, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", path, err)
	}
	if !locked {
		return nil, ErrBusy
	}
	return &Handle{fl: fl}, nil
}

// Release drops the lock. Safe to call on a nil handle.
func (h *Handle) Release() {
	if h == nil || h.fl == nil {
		return
	}
	_ = h.fl.Unlock()
}

// AcquirePID writes the current PID to path. A live holder returns ErrBusy;
// a stale PID (its process no longer exists) is silently reclaimed.
func AcquirePID(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pidAlive(pid) {
			return ErrBusy
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleasePID removes the PID file. Missing files are ignored.
func ReleasePID(path string) {
	_ = os.Remove(path)
}

// pidAlive probes a PID with signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
