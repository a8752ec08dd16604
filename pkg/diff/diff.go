// Package diff partitions two content fingerprint maps into added, changed,
// deleted and unchanged keys.
package diff

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/footron/build-manager/pkg/errors"
)

// ManifestName is the fingerprint manifest at the root of an experiences artifact.
const ManifestName = "hashes.json"

// FingerprintMap maps a content key (one experience) to its fingerprint.
type FingerprintMap map[string]string

// Clone returns an independent copy. A nil map clones to an empty one.
func (m FingerprintMap) Clone() FingerprintMap {
	out := make(FingerprintMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Result is a partition of the union of two key sets. Every slice is sorted.
type Result struct {
	Added     []string `json:"added"`
	Changed   []string `json:"changed"`
	Deleted   []string `json:"deleted"`
	Unchanged []string `json:"unchanged"`
}

// Compute diffs the artifact's fingerprints (next) against the stored ones
// (prev). Fingerprints are compared for string equality only.
func Compute(next, prev FingerprintMap) Result {
	var r Result
	for key, fingerprint := range next {
		old, ok := prev[key]
		switch {
		case !ok:
			r.Added = append(r.Added, key)
		case old != fingerprint:
			r.Changed = append(r.Changed, key)
		default:
			r.Unchanged = append(r.Unchanged, key)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			r.Deleted = append(r.Deleted, key)
		}
	}

	sort.Strings(r.Added)
	sort.Strings(r.Changed)
	sort.Strings(r.Deleted)
	sort.Strings(r.Unchanged)
	return r
}

// Pending returns changed ∪ added, sorted: the keys that must be pushed.
func (r Result) Pending() []string {
	out := make([]string, 0, len(r.Changed)+len(r.Added))
	out = append(out, r.Changed...)
	out = append(out, r.Added...)
	sort.Strings(out)
	return out
}

// HasChanges reports whether anything must be pushed or removed.
func (r Result) HasChanges() bool {
	return len(r.Added)+len(r.Changed)+len(r.Deleted) > 0
}

func (r Result) String() string {
	return fmt.Sprintf("added=%d changed=%d deleted=%d unchanged=%d",
		len(r.Added), len(r.Changed), len(r.Deleted), len(r.Unchanged))
}

// ReadManifest reads a flat JSON object of content key to fingerprint.
// Keys are used as directory names on the controller, so keys that are
// empty or contain path separators or dot segments are rejected.
func ReadManifest(path string) (FingerprintMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", errors.ErrManifest, err), "read manifest")
	}

	var m FingerprintMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %v", errors.ErrManifest, err), "parse manifest")
	}
	if m == nil {
		m = FingerprintMap{}
	}

	for key := range m {
		if err := ValidateKey(key); err != nil {
			return nil, errors.Wrap(fmt.Errorf("%w: %v", errors.ErrManifest, err), "validate manifest")
		}
	}
	return m, nil
}

// ValidateKey checks that a content key is a single safe path segment.
func ValidateKey(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return fmt.Errorf("content key %q is not a single path segment", key)
	}
	return nil
}
