// Package fspath implements the Path value object of spec.md §3/§4.1: a
// textual path bound to the execctx.Context that owns it. Paths are
// immutable — Join, StripBase, and ExpandUser all return new values; only
// the owning Context is shared by reference (spec.md §9 "Path as value").
package fspath

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/mnemonic-bit/btrcp/internal/bkerrors"
	"github.com/mnemonic-bit/btrcp/internal/execctx"
)

// Path binds a filesystem path string to the execution context that owns
// it, grounded on original_source/runcmdutils.py's Path class.
type Path struct {
	raw  string
	ctx  execctx.Context
	user string
	host string
	port int
}

// New constructs a Path directly from a path string already bound to ctx,
// with no remote identity (used for the local machine and for any Path
// whose context was already resolved by the caller).
func New(raw string, ctx execctx.Context) Path {
	return Path{raw: raw, ctx: ctx}
}

// Parse accepts the forms spec.md §4.1/§6 describe: a plain local path; a
// bare "[user@]host[:port]:path" (promoted to ssh:// form, with the port
// moved into the authority); "user@host:port/path"; or any
// syntactic variant the net/url parser accepts with scheme "ssh". pool
// resolves the (user, host, port) triple to a shared execctx.Context.
//
// Parse carries no authentication overrides; use ParseWithAuth when the CLI
// layer has its own --ssh-key/--known-hosts/--insecure-host-key flags to
// apply to every remote path it resolves.
func Parse(input string, pool *execctx.Pool) (Path, error) {
	return ParseWithAuth(input, pool, execctx.SSHParams{})
}

// ParseWithAuth is Parse with auth.KeyFile, auth.KnownHostsFile, and
// auth.InsecureIgnoreHostKey applied to any remote Context it dials; auth's
// User/Host/Port fields are ignored — those always come from input itself.
func ParseWithAuth(input string, pool *execctx.Pool, auth execctx.SSHParams) (Path, error) {
	if !looksRemote(input) {
		return Path{raw: input, ctx: pool.Local()}, nil
	}

	promoted := input
	if !strings.Contains(promoted, "://") {
		if m := hostPortPathForm.FindStringSubmatch(promoted); m != nil {
			promoted = m[1] + ":" + m[2] + m[3]
		}
		promoted = "ssh://" + promoted
	}

	u, err := url.Parse(promoted)
	if err != nil {
		return Path{}, bkerrors.BadPath("fspath: failed to parse %q: %v", input, err)
	}
	if u.Scheme != "ssh" {
		return Path{}, bkerrors.BadPath("fspath: unsupported scheme %q in %q", u.Scheme, input)
	}

	user := u.User.Username()
	host := u.Hostname()
	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Path{}, bkerrors.BadPath("fspath: invalid port in %q: %v", input, err)
		}
	}

	ctx, err := pool.Remote(execctx.SSHParams{
		User:                  user,
		Host:                  host,
		Port:                  port,
		KeyFile:               auth.KeyFile,
		KnownHostsFile:        auth.KnownHostsFile,
		InsecureIgnoreHostKey: auth.InsecureIgnoreHostKey,
	})
	if err != nil {
		return Path{}, err
	}

	return Path{raw: u.Path, ctx: ctx, user: user, host: host, port: port}, nil
}

// hostPortPathForm matches the bare "[user@]host:port:/path" form.
var hostPortPathForm = regexp.MustCompile(`^([^:/]+):([0-9]+):(/.*)$`)

// looksRemote reports whether input contains a host component per
// spec.md §4.1: any "x:y" form is assumed to be "host:path" unless it
// already carries an explicit "scheme://" prefix, which is also remote.
func looksRemote(input string) bool {
	if strings.Contains(input, "://") {
		return true
	}
	// A leading Windows-style drive letter ("C:\...") is not a remote form,
	// but this engine targets POSIX hosts exclusively (spec.md glossary:
	// the snapshot-capable filesystem and rsync/tar/btrfs are POSIX
	// tools), so any colon after the first character signals "host:path".
	idx := strings.IndexByte(input, ':')
	return idx > 0
}

// String returns the raw path string, exactly as
// original_source/runcmdutils.py's Path.__str__ does — no user@host
// prefix, even for remote paths.
func (p Path) String() string { return p.raw }

// FullPath returns "user@host:path" for a remote Path, or the bare path for
// a local one — used when building a destination argument for a tool like
// rsync that itself resolves remote endpoints (spec.md §4.2 mirror_copy).
func (p Path) FullPath() string {
	if !p.IsRemote() {
		return p.raw
	}
	if p.user != "" {
		return p.user + "@" + p.host + ":" + p.raw
	}
	return p.host + ":" + p.raw
}

// Context returns the execution context that owns this path.
func (p Path) Context() execctx.Context { return p.ctx }

// IsRemote reports whether this path is bound to a non-local context.
func (p Path) IsRemote() bool { return !p.ctx.IsLocal() }

// IsRoot reports whether the path is the filesystem root. Purely textual
// per spec.md §4.1.
func (p Path) IsRoot() bool { return p.raw == "/" }

// Join returns a new Path with elems appended, same context.
func (p Path) Join(elems ...string) Path {
	parts := append([]string{p.raw}, elems...)
	return p.withRaw(path.Join(parts...))
}

// WithTrailingSlash returns a new Path whose raw string ends in "/" — used
// by mirror_copy and the snapshot-chain strategy, which require the source
// to end with a separator so rsync copies contents, not the directory
// itself (spec.md §4.2).
func (p Path) WithTrailingSlash() Path {
	if strings.HasSuffix(p.raw, "/") {
		return p
	}
	return p.withRaw(p.raw + "/")
}

// Base returns the last path component, analogous to
// original_source/runcmdutils.py's Path.get_last_part.
func (p Path) Base() string {
	return path.Base(path.Clean(p.raw))
}

// StripBase returns the relative remainder of p with parent's raw prefix
// removed and any leading separator trimmed, or bkerrors.ErrUnrelatedPath
// when parent is not a prefix of p (spec.md §4.1, P7).
func (p Path) StripBase(parent Path) (string, error) {
	if !strings.HasPrefix(p.raw, parent.raw) {
		return "", bkerrors.ErrUnrelatedPath
	}
	rest := p.raw[len(parent.raw):]
	return strings.TrimPrefix(rest, "/"), nil
}

// ExpandUser runs "echo ~" through the owning context's shell to resolve a
// leading "~", returning a new Path with the expanded raw string. A path
// with no leading "~" is returned unchanged without running a command.
func (p Path) ExpandUser(ctx context.Context) (Path, error) {
	if !strings.HasPrefix(p.raw, "~") {
		return p, nil
	}

	res, err := p.ctx.Run(ctx, []string{"sh", "-c", "echo " + p.raw}, execctx.RunOpts{})
	if err != nil {
		return Path{}, bkerrors.BadPath("fspath: expanduser %q: %v", p.raw, err)
	}
	if !res.Succeeded() {
		return Path{}, bkerrors.BadPath("fspath: expanduser %q: shell exited %d", p.raw, res.ExitCode)
	}

	return p.withRaw(strings.TrimSpace(string(res.Stdout))), nil
}

// Exists reports whether the path exists on its owning context, via "test
// -e" — the same POSIX-test approach original_source/runcmdutils.py's
// Path.exists uses via plumbum's local/remote command objects.
func (p Path) Exists(ctx context.Context) (bool, error) {
	return p.test(ctx, "-e")
}

// IsDir reports whether the path is a directory on its owning context.
func (p Path) IsDir(ctx context.Context) (bool, error) {
	return p.test(ctx, "-d")
}

// IsFile reports whether the path is a regular file on its owning context.
func (p Path) IsFile(ctx context.Context) (bool, error) {
	return p.test(ctx, "-f")
}

// Glob changes into p on its owning context and lets the context's shell
// expand pattern (default "*"), returning the matches as Paths bound to the
// same context — spec.md §4.1's path.glob, used by the snapshot-chain
// strategy to locate the most recent prior run via the fixed timestamp
// character-class pattern. A literal, unmatched pattern token is filtered
// out via an existence check rather than relying on shell nullglob, which
// not every POSIX /bin/sh supports.
func (p Path) Glob(ctx context.Context, pattern string) ([]Path, error) {
	if pattern == "" {
		pattern = "*"
	}

	script := fmt.Sprintf(`cd %s && for f in %s; do [ -e "$f" ] && echo "$f"; done`, shellQuote(p.raw), pattern)
	res, err := p.ctx.Run(ctx, []string{"sh", "-c", script}, execctx.RunOpts{})
	if err != nil {
		return nil, bkerrors.BadPath("fspath: glob %q in %q: %v", pattern, p.raw, err)
	}
	if !res.Succeeded() {
		return nil, bkerrors.BadPath("fspath: glob %q in %q: shell exited %d", pattern, p.raw, res.ExitCode)
	}

	trimmed := strings.TrimSpace(string(res.Stdout))
	if trimmed == "" {
		return nil, nil
	}

	names := strings.Split(trimmed, "\n")
	matches := make([]Path, 0, len(names))
	for _, name := range names {
		matches = append(matches, p.Join(name))
	}
	return matches, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (p Path) test(ctx context.Context, flag string) (bool, error) {
	res, err := p.ctx.Run(ctx, []string{"test", flag, p.raw}, execctx.RunOpts{})
	if err != nil {
		return false, bkerrors.FsPrecondition("fspath: test %s %q: %v", flag, p.raw, err)
	}
	return res.Succeeded(), nil
}

func (p Path) withRaw(raw string) Path {
	return Path{raw: raw, ctx: p.ctx, user: p.user, host: p.host, port: p.port}
}
