package container

import (
	"context"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	cerrors "bock/errors"
)

// LockFileName is the name of the per-container advisory lock file.
const LockFileName = "lock"

// lockPath returns the path to a container's lock file under stateDir.
func lockPath(stateDir string) string {
	return filepath.Join(stateDir, LockFileName)
}

// acquireLock takes the per-container flock described in spec.md §3 and §5:
// every mutating lifecycle operation serializes on $ROOT/containers/$ID/lock.
// Read operations (state, list) deliberately do not call this.
func acquireLock(ctx context.Context, stateDir string) (*flock.Flock, error) {
	fl := flock.New(lockPath(stateDir))

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrInternal, "acquire container lock")
	}
	if !locked {
		return nil, cerrors.WrapWithDetail(nil, cerrors.ErrInternal, "acquire container lock", "timed out waiting for lock")
	}
	return fl, nil
}

// releaseLockHandle unlocks and closes the flock handle. Safe to call with a
// nil result from a failed acquireLock.
func releaseLockHandle(fl *flock.Flock) {
	if fl == nil {
		return
	}
	fl.Unlock()
}

// releaseLock calls Unlock on a new flock handle for stateDir's lock file.
// That handle holds no lock, so the call releases nothing; a lock taken with
// acquireLock is released only by releaseLockHandle on its own handle.
func releaseLock(stateDir string) {
	fl := flock.New(lockPath(stateDir))
	fl.Unlock()
}
