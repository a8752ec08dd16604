package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/footron/build-manager/pkg/diff"
	"github.com/footron/build-manager/pkg/errors"
)

// Store keeps the committed snapshot in memory on top of a Backend and
// serializes pipeline runs per deployment key.
//
// A run for key K holds Lock(K) across its read, diff, sync and commit
// sequence. Runs for different keys proceed in parallel; their commits
// are serialized by Store so neither overwrites the other's key. Every
// commit reloads the backend under its Locker first, so a commit made by
// another process (a CLI forget next to a running server) is kept.
type Store struct {
	backend Backend

	mu       sync.RWMutex
	snapshot Snapshot

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Open loads the persisted snapshot from backend.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	snapshot, err := backend.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load state")
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}

	slog.Info("state_loaded", "targets", len(snapshot))
	return &Store{
		backend:  backend,
		snapshot: snapshot,
		locks:    make(map[string]*keyLock),
	}, nil
}

// Lock blocks until the caller holds the run lock for key and returns the
// release function. Waiters queue; nobody is rejected.
func (s *Store) Lock(key string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.locksMu.Unlock()
	}
}

// Fingerprints returns a copy of the committed fingerprints for key.
// Unknown keys yield an empty map.
func (s *Store) Fingerprints(key string) diff.FingerprintMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot[key].Hashes.Clone()
}

// Current reloads the backend and returns the committed fingerprints for
// key, picking up commits made by other processes since Open.
func (s *Store) Current(ctx context.Context, key string) (diff.FingerprintMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, err := s.backend.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load state")
	}
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	s.snapshot = snapshot
	return snapshot[key].Hashes.Clone(), nil
}

// Snapshot returns a copy of the whole committed snapshot.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Clone()
}

// Keys returns the deployment keys with committed state, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.snapshot))
	for k := range s.snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Replace commits fingerprints as the new state for key. The in-memory
// snapshot only changes once the backend commit succeeded.
func (s *Store) Replace(ctx context.Context, key string, fingerprints diff.FingerprintMap) error {
	return s.update(ctx, func(next Snapshot) {
		next[key] = Entry{Hashes: fingerprints.Clone()}
	})
}

// Forget drops key, so the next run for it deploys everything.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.update(ctx, func(next Snapshot) {
		delete(next, key)
	})
}

func (s *Store) update(ctx context.Context, mutate func(Snapshot)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockBackend(ctx, s.backend)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.backend.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to reload state")
	}
	if current == nil {
		current = Snapshot{}
	}
	next := current.Clone()
	mutate(next)

	if err := s.backend.Commit(ctx, next); err != nil {
		slog.Error("state_commit_failed", "error", err)
		return errors.Wrap(err, "failed to commit state")
	}
	s.snapshot = next
	return nil
}
