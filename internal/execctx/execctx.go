// Package execctx abstracts "which machine do I run a process on" for the
// local machine and for a remote machine reached over SSH (spec.md §4.1).
// Every filesystem operation in the engine is expressed as a call against a
// Context; a Path (internal/fspath) knows which Context owns it.
package execctx

import (
	"context"
	"io"
)

// RunOpts carries the optional parameters for a single Run call.
type RunOpts struct {
	// Dir, if non-empty, is the working directory the command runs in.
	Dir string
	// Stdin, if non-nil, is piped into the command's standard input.
	Stdin io.Reader
}

// Result is the outcome of a single Run call.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Succeeded reports whether the command exited with code 0.
func (r Result) Succeeded() bool { return r.ExitCode == 0 }

// Context executes commands on a specific machine, local or remote. A
// single Context value is shared by reference across every Path bound to
// the same (user, host, port, host-key-options) identity — see Pool.
type Context interface {
	// Run executes argv and waits for it to complete or ctx to be
	// cancelled. Cancellation best-effort kills the remote/local process.
	Run(ctx context.Context, argv []string, opts RunOpts) (Result, error)

	// Key identifies this context for pool lookups and log correlation:
	// "local" for the local machine, "user@host:port" for remote.
	Key() string

	// IsLocal reports whether this context represents the local machine.
	IsLocal() bool

	// Close releases any held resources (e.g. the underlying SSH
	// connection). Local contexts no-op.
	Close() error
}
