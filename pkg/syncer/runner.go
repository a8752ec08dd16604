// Package syncer applies a deployment to a target: removing stale content,
// mirroring new content with rsync and reloading the controller.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner runs an external program. Arguments are passed as argv,
// never through a shell.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// maxOutput bounds the command output carried in errors.
const maxOutput = 2048

// Run executes name with args and returns an error carrying the tail of
// the combined output when the command fails.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	slog.Debug("command_start", "command", name, "args", args)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		if len(output) > maxOutput {
			output = output[len(output)-maxOutput:]
		}
		slog.Error("command_failed", "command", name, "error", err, "output", output)
		if output == "" {
			return fmt.Errorf("%s: %w", name, err)
		}
		return fmt.Errorf("%s: %w: %s", name, err, output)
	}
	return nil
}
