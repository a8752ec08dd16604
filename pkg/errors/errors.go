// Package errors provides error wrapping utilities and the sentinel errors
// shared by the deployment pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors. Test for them with errors.Is from the standard library.
var (
	// ErrUnknownEventKind marks a matched workflow run whose name maps to no pipeline.
	ErrUnknownEventKind = stderrors.New("unknown event kind")

	// ErrMissingArtifact marks an artifacts listing without the expected entry.
	ErrMissingArtifact = stderrors.New("missing artifact")

	// ErrUnknownTarget marks a deployment key absent from the target registry.
	ErrUnknownTarget = stderrors.New("unknown target")

	// ErrInvalidTarget marks a target descriptor that failed validation.
	ErrInvalidTarget = stderrors.New("invalid target")

	// ErrManifest marks an unreadable or malformed fingerprint manifest.
	ErrManifest = stderrors.New("invalid manifest")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
