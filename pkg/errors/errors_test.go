package errors

import (
	stderrors "errors"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	err := Wrap(ErrMissingArtifact, "fetch experiences")
	if err.Error() != "fetch experiences: missing artifact" {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !stderrors.Is(err, ErrMissingArtifact) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "key %s", "main") != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}

	err := Wrapf(ErrUnknownTarget, "resolve %q", "staging")
	if err.Error() != `resolve "staging": unknown target` {
		t.Errorf("unexpected message: %q", err.Error())
	}
	if !stderrors.Is(err, ErrUnknownTarget) {
		t.Error("wrapped error should match sentinel")
	}
}
