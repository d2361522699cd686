package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFile = "mere.lock"

var ErrAlreadyRunning = errors.New("another mere daemon holds the lock")

type Lock struct {
	flock *flock.Flock
}

// AcquireLock takes an exclusive lock in dir so that only one daemon runs per
// configuration directory.
func AcquireLock(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	fl := flock.New(filepath.Join(dir, lockFile))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	return &Lock{flock: fl}, nil
}

func (l *Lock) Release() error {
	if !l.flock.Locked() {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock: %w", err)
	}

	return os.Remove(l.flock.Path())
}
