package registry

import (
	"fmt"
	"path"
	"strings"
)

// Location is a filesystem path, optionally on a remote host.
// A controller_path of "host:/srv/footron" parses to Host "host" and
// Path "/srv/footron"; a bare path leaves Host empty.
type Location struct {
	Host string
	Path string
}

// ParseLocation splits a "host:path" string. The host part must be
// non-empty and the remote path absolute; anything without a colon is a
// local path.
func ParseLocation(raw string) (Location, error) {
	if raw == "" {
		return Location{}, fmt.Errorf("empty location")
	}

	host, fsPath, remote := strings.Cut(raw, ":")
	if !remote {
		return Location{Path: raw}, nil
	}
	if host == "" {
		return Location{}, fmt.Errorf("location %q: empty host", raw)
	}
	if strings.ContainsAny(host, " /") {
		return Location{}, fmt.Errorf("location %q: invalid host %q", raw, host)
	}
	if !strings.HasPrefix(fsPath, "/") {
		return Location{}, fmt.Errorf("location %q: remote path must be absolute", raw)
	}
	return Location{Host: host, Path: fsPath}, nil
}

// IsRemote reports whether the location names a remote host.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

// Join returns a location below l on the same host.
func (l Location) Join(elem ...string) Location {
	return Location{Host: l.Host, Path: path.Join(append([]string{l.Path}, elem...)...)}
}

// String renders the location in rsync's "host:path" form.
func (l Location) String() string {
	if l.Host == "" {
		return l.Path
	}
	return l.Host + ":" + l.Path
}
