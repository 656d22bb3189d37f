package matcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// fileLock serializes index rebuilds across processes sharing an index
// directory. The lock file lives beside the directory because the directory
// itself is replaced on every rebuild.
type fileLock struct {
	flock *flock.Flock
}

func newFileLock(indexDir string) *fileLock {
	return &fileLock{flock: flock.New(filepath.Clean(indexDir) + ".lock")}
}

// lock blocks until the lock is held or ctx is done.
func (l *fileLock) lock(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.flock.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.flock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire rebuild lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to acquire rebuild lock %s", l.flock.Path())
	}
	return nil
}

func (l *fileLock) unlock() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release rebuild lock: %w", err)
	}
	return nil
}
