package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquire_ExcludesSecondHolder(t *testing.T) {
	t.Parallel()

	path := ForDataDir(t.TempDir())
	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l1.Release()

	// flock conflicts between open file descriptions, so a second
	// Acquire in the same process behaves like a second conductor.
	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second Acquire error = %v, want ErrAlreadyLocked", err)
	}

	if pid, ok := HolderPID(path); !ok || pid != os.Getpid() {
		t.Fatalf("HolderPID = %d ok=%v, want %d", pid, ok, os.Getpid())
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deep", "conductor.lock")
	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
