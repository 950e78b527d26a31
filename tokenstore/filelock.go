package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// Lock timing for the token file. Vars so tests can shorten them.
var (
	lockRetryDelay = 100 * time.Millisecond
	lockTimeout    = 5 * time.Second
)

// ErrLockTimeout is returned when another process holds the token file lock
// for longer than the lock timeout.
var ErrLockTimeout = errors.New("timeout waiting for token file lock")

// fileLock represents a file lock
type fileLock struct {
	flock    *flock.Flock
	lockPath string
}

// acquireFileLock acquires an exclusive lock on the token file.
// Uses a separate lock file to coordinate access across processes.
func acquireFileLock(ctx context.Context, filePath string) (*fileLock, error) {
	lockPath := filePath + ".lock"
	fl := flock.New(lockPath)

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %v", ErrLockTimeout, lockTimeout)
		}
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w after %v", ErrLockTimeout, lockTimeout)
	}

	return &fileLock{flock: fl, lockPath: lockPath}, nil
}

// release releases the file lock. Releasing twice is a no-op.
func (fl *fileLock) release() error {
	if fl == nil || fl.flock == nil {
		return nil
	}
	return fl.flock.Unlock()
}
