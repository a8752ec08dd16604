package storage

import (
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/footron/build-manager/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// runsDir is the subdirectory of the work dir holding per-run scratch space.
	runsDir = "runs"

	// lockName is flocked by the owning process for the run's lifetime.
	lockName = ".lock"
)

// Scratch is a per-run temporary directory.
type Scratch struct {
	Dir  string
	lock *os.File
}

// NewScratch creates <workDir>/runs/<runID> and locks it, so cleanup in
// this or another process leaves it alone until Release.
func NewScratch(workDir, runID string) (*Scratch, error) {
	dir := filepath.Join(workDir, runsDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create scratch dir")
	}

	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create scratch lock")
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, errors.Wrap(err, "scratch dir is in use")
	}

	slog.Debug("scratch_created", "dir", dir)
	return &Scratch{Dir: dir, lock: lock}, nil
}

// Path joins elem below the scratch directory.
func (s *Scratch) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Dir}, elem...)...)
}

// Release removes the scratch directory and everything in it.
func (s *Scratch) Release() error {
	defer s.lock.Close()
	if err := os.RemoveAll(s.Dir); err != nil {
		slog.Error("scratch_release_failed", "dir", s.Dir, "error", err)
		return errors.Wrap(err, "failed to remove scratch dir")
	}
	slog.Debug("scratch_released", "dir", s.Dir)
	return nil
}

// CleanupOrphans removes scratch directories under workDir last modified
// before cutoff, left behind by a crashed process. Directories still locked
// by a live run are skipped whatever their age. It returns the removed
// paths.
func CleanupOrphans(workDir string, cutoff time.Time) ([]string, error) {
	root := filepath.Join(workDir, runsDir)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scratch root")
	}

	var removed []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if inUse(dir) {
			slog.Info("scratch_cleanup_skipped", "dir", dir, "reason", "run in progress")
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Error("scratch_cleanup_failed", "dir", dir, "error", err)
			return removed, errors.Wrap(err, "failed to remove orphaned scratch dir")
		}
		removed = append(removed, dir)
	}

	slog.Info("scratch_cleanup_complete", "root", root, "removed", len(removed))
	return removed, nil
}

// inUse reports whether a live run holds dir's lock.
func inUse(dir string) bool {
	f, err := os.Open(filepath.Join(dir, lockName))
	if err != nil {
		return false
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if stderrors.Is(err, unix.EWOULDBLOCK) {
		return true
	}
	if err == nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
	}
	return false
}
