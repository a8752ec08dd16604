// Package state persists the content fingerprints last deployed for each
// deployment key.
package state

import (
	"context"

	"github.com/footron/build-manager/pkg/diff"
)

// Entry is the persisted record for one deployment key.
type Entry struct {
	Hashes diff.FingerprintMap `json:"hashes"`
}

// Snapshot maps deployment key to its entry. It is the unit of persistence:
// a commit replaces the whole snapshot.
type Snapshot map[string]Entry

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for key, entry := range s {
		out[key] = Entry{Hashes: entry.Hashes.Clone()}
	}
	return out
}

// Backend persists snapshots. Commit must be atomic: a later Load observes
// either the previous snapshot or the new one, never a mix.
type Backend interface {
	// Load returns the persisted snapshot, or an empty one when nothing
	// has been committed yet.
	Load(ctx context.Context) (Snapshot, error)

	// Commit durably replaces the persisted snapshot.
	Commit(ctx context.Context, snapshot Snapshot) error
}
