// Package bkerrors classifies the error kinds used throughout btrcp onto
// github.com/containerd/errdefs, so callers can use the same errdefs.IsXxx
// predicates the rest of the container ecosystem uses instead of a bespoke
// error-code enum.
package bkerrors

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// Config wraps err as a ConfigError: CLI validation, missing required
// source. Fatal before any work starts.
func Config(format string, args ...any) error {
	return errdefs.ErrInvalidArgument(fmt.Errorf(format, args...))
}

// BadPath wraps err as a PathError: URL parse failure, unrelated base-strip.
func BadPath(format string, args ...any) error {
	return errdefs.ErrInvalidArgument(fmt.Errorf(format, args...))
}

// ErrUnrelatedPath is the specific PathError raised by Path.StripBase when
// the parent is not a prefix of the child.
var ErrUnrelatedPath = errdefs.ErrNotFound(fmt.Errorf("strip_base: parent is not a prefix of child"))

// RemoteTransport wraps err as a RemoteTransport failure: secure-shell
// connection or auth failure. Fatal for the affected context.
func RemoteTransport(format string, args ...any) error {
	return errdefs.ErrUnavailable(fmt.Errorf(format, args...))
}

// FsPrecondition wraps err as an FsPrecondition failure: mount not on a
// snapshot-capable filesystem, destination already exists, etc.
func FsPrecondition(format string, args ...any) error {
	return errdefs.ErrFailedPrecondition(fmt.Errorf(format, args...))
}

// ProcessFailed wraps err as a ProcessFailed failure: non-zero exit from an
// external utility.
func ProcessFailed(format string, args ...any) error {
	return errdefs.ErrUnknown(fmt.Errorf(format, args...))
}

// ParseError wraps err as a ParseError: an unparseable snapshot name. Not
// fatal — the retention planner skips the entry.
func ParseError(format string, args ...any) error {
	return errdefs.ErrInvalidArgument(fmt.Errorf(format, args...))
}

// Unsupported wraps err as an Unsupported failure: strategy 4 invoked.
func Unsupported(format string, args ...any) error {
	return errdefs.ErrNotImplemented(fmt.Errorf(format, args...))
}

// Interrupted wraps err as an Interrupted failure: operator signal arrived.
func Interrupted(format string, args ...any) error {
	return errdefs.ErrCanceled(fmt.Errorf(format, args...))
}

// IsNotFound reports whether err represents a not-found condition (e.g. an
// unrelated-base path-strip, or a missing container/volume).
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsFailedPrecondition reports whether err represents an FsPrecondition
// failure.
func IsFailedPrecondition(err error) bool { return errdefs.IsFailedPrecondition(err) }

// IsUnsupported reports whether err represents strategy 4 being invoked.
func IsUnsupported(err error) bool { return errdefs.IsNotImplemented(err) }
