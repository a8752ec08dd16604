package syncer

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/footron/build-manager/pkg/errors"
	"github.com/footron/build-manager/pkg/registry"
)

// MirrorSpec describes one rsync mirror. Sources are local paths; a
// trailing slash mirrors a directory's contents. Dest is a path on the
// executor's host.
type MirrorSpec struct {
	Sources  []string
	Dest     string
	Excludes []string
}

// Executor performs filesystem operations on one host.
type Executor interface {
	// Remove deletes path recursively. A missing path is not an error.
	Remove(ctx context.Context, path string) error
	// Mirror makes Dest an archival copy of Sources, deleting extraneous
	// files.
	Mirror(ctx context.Context, spec MirrorSpec) error
}

// Factory hands out the Executor for a location.
type Factory interface {
	For(loc registry.Location) Executor
}

// productionEnv is passed to remote sessions via ssh SetEnv. Controllers
// use it to tell deployments apart from interactive logins.
const productionEnv = "FT_PRODUCTION"

// CommandFactory builds command-backed executors: LocalExecutor for bare
// paths and RemoteExecutor for host:path locations.
type CommandFactory struct {
	Runner CommandRunner
	Rsync  string
	SSH    string
	Now    func() time.Time
}

// NewCommandFactory creates a CommandFactory using the given binaries.
func NewCommandFactory(runner CommandRunner, rsync, ssh string) *CommandFactory {
	return &CommandFactory{Runner: runner, Rsync: rsync, SSH: ssh, Now: time.Now}
}

// For returns the executor for loc's host.
func (f *CommandFactory) For(loc registry.Location) Executor {
	if loc.IsRemote() {
		return &RemoteExecutor{host: loc.Host, factory: f}
	}
	return &LocalExecutor{factory: f}
}

func rsyncArgs(spec MirrorSpec, extra ...string) []string {
	args := append([]string{"-a", "--delete"}, extra...)
	for _, pattern := range spec.Excludes {
		args = append(args, "--exclude="+pattern)
	}
	return append(args, spec.Sources...)
}

// LocalExecutor operates on the local filesystem.
type LocalExecutor struct {
	factory *CommandFactory
}

// Remove deletes path from the local filesystem.
func (e *LocalExecutor) Remove(ctx context.Context, path string) error {
	slog.Info("local_remove", "path", path)
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "failed to remove %s", path)
	}
	return nil
}

// Mirror runs a local rsync.
func (e *LocalExecutor) Mirror(ctx context.Context, spec MirrorSpec) error {
	slog.Info("local_mirror", "sources", spec.Sources, "dest", spec.Dest)
	args := append(rsyncArgs(spec), spec.Dest)
	if err := e.factory.Runner.Run(ctx, e.factory.Rsync, args...); err != nil {
		return errors.Wrapf(err, "failed to mirror to %s", spec.Dest)
	}
	return nil
}

// RemoteExecutor operates on a remote host over ssh.
type RemoteExecutor struct {
	host    string
	factory *CommandFactory
}

// sshOption is the ssh -o value marking the session as a deployment,
// stamped with the current day of month and hour.
func (e *RemoteExecutor) sshOption() string {
	return "SetEnv=" + productionEnv + "=" + e.factory.Now().Format("0215")
}

// Remove runs rm -rf on the remote host.
func (e *RemoteExecutor) Remove(ctx context.Context, path string) error {
	slog.Info("remote_remove", "host", e.host, "path", path)
	err := e.factory.Runner.Run(ctx, e.factory.SSH,
		"-o", e.sshOption(), e.host, "rm -rf -- "+shellQuote(path))
	if err != nil {
		return errors.Wrapf(err, "failed to remove %s:%s", e.host, path)
	}
	return nil
}

// Mirror runs rsync over ssh to the remote host.
func (e *RemoteExecutor) Mirror(ctx context.Context, spec MirrorSpec) error {
	dest := e.host + ":" + spec.Dest
	slog.Info("remote_mirror", "sources", spec.Sources, "dest", dest)
	args := append(rsyncArgs(spec, "-e", e.factory.SSH+" -o "+e.sshOption()), dest)
	if err := e.factory.Runner.Run(ctx, e.factory.Rsync, args...); err != nil {
		return errors.Wrapf(err, "failed to mirror to %s", dest)
	}
	return nil
}

// shellQuote quotes s for a POSIX shell; the remote side of ssh always
// runs the command through one.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
