// Package lockfile guards the data directory against a second running
// conductor. The engine assumes it is the only writer of the SQLite
// database and the artifacts below the data dir; the lock turns a
// double start into a clean refusal instead of interleaved writes.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const lockName = "conductor.lock"

// ErrAlreadyLocked indicates another process holds the data dir lock.
var ErrAlreadyLocked = errors.New("data directory already locked")

// ForDataDir returns the lock path used by a conductor data directory.
func ForDataDir(dataDir string) string {
	return filepath.Join(strings.TrimSpace(dataDir), lockName)
}

type Lock struct {
	path string
	f    *os.File
}

// Acquire takes a non-blocking exclusive lock on path, creating the
// file if needed. On success the holder's pid is recorded in the file
// so an operator can see who owns a stale-looking lock.
func Acquire(path string) (*Lock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("missing lock path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Best-effort pid record for troubleshooting.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// HolderPID reads the pid recorded in a lock file. It is advisory:
// the writer may have crashed, or the file may predate the pid record.
func HolderPID(path string) (int, bool) {
	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	// Unlock first; close always.
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
