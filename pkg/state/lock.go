package state

import (
	"context"
	"os"
	"path/filepath"

	"github.com/footron/build-manager/pkg/errors"
	"golang.org/x/sys/unix"
)

// Locker is implemented by backends that several processes may share, so
// a read-modify-commit sequence in one process cannot overwrite a commit
// made by another in between.
type Locker interface {
	// LockState blocks until the caller holds the exclusive state lock.
	LockState(ctx context.Context) (unlock func(), err error)
}

// LockFile takes an exclusive flock on path, creating it if needed. The
// lock is released by the returned function or when the process exits.
func LockFile(ctx context.Context, path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}

	locked := make(chan error, 1)
	go func() {
		locked <- unix.Flock(int(f.Fd()), unix.LOCK_EX)
	}()

	select {
	case err := <-locked:
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "failed to lock state")
		}
	case <-ctx.Done():
		// Closing the descriptor drops the lock if the flock call wins late.
		go func() {
			<-locked
			f.Close()
		}()
		return nil, ctx.Err()
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

func lockBackend(ctx context.Context, backend Backend) (func(), error) {
	if l, ok := backend.(Locker); ok {
		return l.LockState(ctx)
	}
	return func() {}, nil
}
