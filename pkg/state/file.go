package state

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/footron/build-manager/pkg/errors"
)

// FileBackend stores the snapshot as a JSON document:
//
//	{"targets": {"main": {"hashes": {"clock": "5f2c..."}}}}
type FileBackend struct {
	Path string
}

// NewFileBackend creates a JSON file backend.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

type fileLayout struct {
	Targets Snapshot `json:"targets"`
}

// LockState flocks <path>.lock.
func (b *FileBackend) LockState(ctx context.Context) (func(), error) {
	return LockFile(ctx, b.Path+".lock")
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (b *FileBackend) Load(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(b.Path)
	if stderrors.Is(err, os.ErrNotExist) {
		slog.Info("state_file_absent", "path", b.Path)
		return Snapshot{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read state file")
	}

	var layout fileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, errors.Wrap(err, "failed to parse state file")
	}

	snapshot := Snapshot{}
	for key, entry := range layout.Targets {
		if entry.Hashes == nil {
			entry.Hashes = map[string]string{}
		}
		snapshot[key] = entry
	}
	return snapshot, nil
}

// Commit writes the snapshot to a temporary file in the same directory,
// syncs it, and renames it over the state file.
func (b *FileBackend) Commit(ctx context.Context, snapshot Snapshot) error {
	dir := filepath.Dir(b.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create state directory")
	}

	if snapshot == nil {
		snapshot = Snapshot{}
	}
	data, err := json.MarshalIndent(fileLayout{Targets: snapshot}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode state")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(b.Path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp state file")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync temp state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp state file")
	}
	if err := os.Rename(tmpPath, b.Path); err != nil {
		return errors.Wrap(err, "failed to replace state file")
	}
	committed = true

	slog.Info("state_file_committed", "path", b.Path, "targets", len(snapshot))
	return nil
}
