// Package registry maps deployment keys (branch names) to deployment targets.
// The registry is loaded once at startup and is read-only afterwards.
package registry

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/pelletier/go-toml/v2"
)

// Target describes where one deployment key is deployed to.
type Target struct {
	Key              string `toml:"-"`
	ControllerPath   string `toml:"controller_path"`
	WebPath          string `toml:"web_path"`
	ColorsPath       string `toml:"colors_path"`
	ControllerAPIURL string `toml:"controller_api_url"`

	controller Location
	web        Location
}

// Controller returns the parsed controller location.
func (t Target) Controller() Location { return t.controller }

// Web returns the parsed web asset location.
func (t Target) Web() Location { return t.web }

// ControllerHost returns the controller's remote host, or "" when local.
func (t Target) ControllerHost() string { return t.controller.Host }

// validate parses the locations and checks the reload endpoint.
func (t *Target) validate() error {
	var err error
	if t.controller, err = ParseLocation(t.ControllerPath); err != nil {
		return fmt.Errorf("controller_path: %w", err)
	}
	if t.web, err = ParseLocation(t.WebPath); err != nil {
		return fmt.Errorf("web_path: %w", err)
	}
	if t.ColorsPath != "" {
		if _, err := ParseLocation(t.ColorsPath); err != nil {
			return fmt.Errorf("colors_path: %w", err)
		}
	}

	u, err := url.Parse(t.ControllerAPIURL)
	if err != nil {
		return fmt.Errorf("controller_api_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("controller_api_url: %q is not an http(s) URL", t.ControllerAPIURL)
	}
	return nil
}

// Registry is an immutable set of targets keyed by deployment key.
type Registry struct {
	targets map[string]Target
}

// New validates the given targets and builds a registry from them.
func New(targets map[string]Target) (*Registry, error) {
	r := &Registry{targets: make(map[string]Target, len(targets))}
	for key, target := range targets {
		if key == "" {
			return nil, errors.Wrap(errors.ErrInvalidTarget, "empty deployment key")
		}
		target.Key = key
		if err := target.validate(); err != nil {
			return nil, errors.Wrapf(fmt.Errorf("%w: %v", errors.ErrInvalidTarget, err), "target %q", key)
		}
		r.targets[key] = target
	}
	return r, nil
}

// fileLayout is the on-disk shape of the targets file:
//
//	[targets.main]
//	controller_path = "footron-1:/srv/footron"
//	web_path = "footron-1:/srv/footron/web"
//	colors_path = "footron-1:/srv/footron/colors"
//	controller_api_url = "http://footron-1:8000"
type fileLayout struct {
	Targets map[string]Target `toml:"targets"`
}

// Load reads and validates a TOML targets file.
func Load(path string) (*Registry, error) {
	slog.Info("registry_load", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("registry_read_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to read targets file")
	}

	var layout fileLayout
	if err := toml.Unmarshal(data, &layout); err != nil {
		slog.Error("registry_parse_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to parse targets file")
	}

	r, err := New(layout.Targets)
	if err != nil {
		return nil, err
	}

	slog.Info("registry_loaded", "path", path, "targets", len(r.targets))
	return r, nil
}

// Resolve returns the target for a deployment key.
func (r *Registry) Resolve(key string) (Target, bool) {
	t, ok := r.targets[key]
	return t, ok
}

// Keys returns the deployment keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.targets))
	for k := range r.targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	return len(r.targets)
}
