package eventlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
)

const lockRetryInterval = 15 * time.Millisecond

// Lock is the per-session advisory events lock, enforced by exclusive file
// creation.
type Lock struct {
	path string
}

// LockPath returns the events lock file for a session directory.
func LockPath(sessionDir string) string {
	return filepath.Join(sessionDir, "events.lock")
}

// AcquireLock busy-waits on exclusive creation of the lock file every 15 ms
// until it succeeds or ctx is done. Crashed holders leave the file behind;
// the writer never removes a lock it did not create — the owner process's
// startup path calls ClearLock for that.
func AcquireLock(ctx context.Context, sessionDir string) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	path := LockPath(sessionDir)
	payload := []byte(strconv.Itoa(os.Getpid()) + "\n")

	err := retry.Do(ctx, retry.NewConstant(lockRetryInterval), func(ctx context.Context) error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if errors.Is(err, os.ErrExist) {
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		_, werr := f.Write(payload)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		return werr
	})
	if err != nil {
		return nil, fmt.Errorf("acquiring events lock %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("releasing events lock %s: %w", l.path, err)
	}
	return nil
}

// ClearLock removes a leftover lock regardless of owner. Only the queue
// owner's startup path may call this, after establishing that no other
// process can be writing.
func ClearLock(sessionDir string) error {
	if err := os.Remove(LockPath(sessionDir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing events lock: %w", err)
	}
	return nil
}
