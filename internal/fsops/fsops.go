// Package fsops implements the filesystem primitives of spec.md §4.2: thin
// wrappers over a single external command each, grounded directly on the
// shell-outs in original_source/btrcp.py (_mkdir, _mv, _rm, _du, _hostname,
// _get_mount_point, _path_is_btrfs_subvolume, _create_btrfs_subvolume,
// _create_btrfs_snapshot, _rsync, _create_tar_of_directory).
package fsops

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/mnemonic-bit/btrcp/internal/bkerrors"
	"github.com/mnemonic-bit/btrcp/internal/execctx"
	"github.com/mnemonic-bit/btrcp/internal/fspath"
	"github.com/mnemonic-bit/btrcp/internal/procrun"
)

// snapshotSubvolumeInodes are the inode numbers a btrfs subvolume root
// reports, per original_source/btrcp.py's _path_is_btrfs_subvolume: the
// top-level subvolume is inode 2, and every other subvolume root is 256.
var snapshotSubvolumeInodes = map[string]bool{"2": true, "256": true}

// MkdirP creates dir and any missing parents on dir's owning context.
func MkdirP(ctx context.Context, log *zap.Logger, dir fspath.Path) error {
	r := procrun.New(dir.Context(), log)
	_, err := r.Run(ctx, []string{"mkdir", "-p", dir.String()}, execctx.RunOpts{})
	return err
}

// Mv renames src to dst. Both must share the same owning context — moving
// across machines is mirror_copy's job, not Mv's.
func Mv(ctx context.Context, log *zap.Logger, src, dst fspath.Path) error {
	if src.Context().Key() != dst.Context().Key() {
		return bkerrors.Config("fsops: mv requires src and dst on the same context, got %s and %s", src.Context().Key(), dst.Context().Key())
	}
	r := procrun.New(src.Context(), log)
	_, err := r.Run(ctx, []string{"mv", src.String(), dst.String()}, execctx.RunOpts{})
	return err
}

// Rm recursively removes path on its owning context.
func Rm(ctx context.Context, log *zap.Logger, path fspath.Path) error {
	r := procrun.New(path.Context(), log)
	_, err := r.Run(ctx, []string{"rm", "-r", path.String()}, execctx.RunOpts{})
	return err
}

// DuShort reports the human-readable total size of path ("du -sh"),
// trimmed to just the size column.
func DuShort(ctx context.Context, log *zap.Logger, path fspath.Path) (string, error) {
	r := procrun.New(path.Context(), log)
	res, err := r.Run(ctx, []string{"du", "-sh", path.String()}, execctx.RunOpts{})
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(res.Stdout))
	if len(fields) == 0 {
		return "", bkerrors.ProcessFailed("fsops: du -sh %s produced no output", path.String())
	}
	return fields[0], nil
}

// Hostname returns the hostname reported by the context on — used
// to name the destination subdirectory of a backup run.
func Hostname(ctx context.Context, log *zap.Logger, on execctx.Context) (string, error) {
	r := procrun.New(on, log)
	res, err := r.Run(ctx, []string{"hostname"}, execctx.RunOpts{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// ListDir returns the names of dir's immediate children, via "ls -1A" on
// dir's owning context — used by the snapshot-chain strategy to enumerate
// existing backups for the retention planner.
func ListDir(ctx context.Context, log *zap.Logger, dir fspath.Path) ([]string, error) {
	r := procrun.New(dir.Context(), log)
	res, err := r.Run(ctx, []string{"ls", "-1A", dir.String()}, execctx.RunOpts{})
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(res.Stdout))
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// MountPoint finds the mount point containing path with
// "df --output=target", and when that fails retries on each parent
// directory toward "/", returning the first answer — grounded on
// original_source/btrcp.py's _get_mount_point/_get_possible_mount_point
// retry-toward-root behavior (a path may not exist yet, so a query on it
// alone would fail).
func MountPoint(ctx context.Context, log *zap.Logger, path fspath.Path) (string, error) {
	r := procrun.New(path.Context(), log)

	candidate := path.String()
	for {
		res, err := r.Ctx.Run(ctx, []string{"df", "--output=target", candidate}, execctx.RunOpts{})
		if err == nil && res.Succeeded() {
			lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
			if len(lines) == 2 {
				return strings.TrimSpace(lines[1]), nil
			}
		}
		parent := parentDir(candidate)
		if parent == candidate {
			return "", bkerrors.FsPrecondition("fsops: could not resolve mount point for %s", path.String())
		}
		candidate = parent
	}
}

func parentDir(p string) string {
	trimmed := strings.TrimRight(p, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

// IsSnapshotSubvolume reports whether path is the root of a btrfs
// subvolume: its filesystem type is "btrfs" and its inode number is one of
// the reserved subvolume-root inodes (2 for the top-level subvolume, 256
// for any other), exactly as original_source/btrcp.py's
// _path_is_btrfs_subvolume checks.
func IsSnapshotSubvolume(ctx context.Context, log *zap.Logger, path fspath.Path) (bool, error) {
	r := procrun.New(path.Context(), log)

	fsType, err := statFormat(ctx, r, path.String(), "-f", "--format=%T")
	if err != nil {
		return false, err
	}
	if fsType != "btrfs" {
		return false, nil
	}

	inode, err := statFormat(ctx, r, path.String(), "--format=%i")
	if err != nil {
		return false, err
	}
	return snapshotSubvolumeInodes[inode], nil
}

func statFormat(ctx context.Context, r procrun.Runner, path string, args ...string) (string, error) {
	argv := append([]string{"stat"}, args...)
	argv = append(argv, path)
	res, err := r.Run(ctx, argv, execctx.RunOpts{})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// CreateSubvolume creates a new, empty btrfs subvolume at path.
func CreateSubvolume(ctx context.Context, log *zap.Logger, path fspath.Path) error {
	r := procrun.New(path.Context(), log)
	_, err := r.Run(ctx, []string{"btrfs", "subvolume", "create", path.String()}, execctx.RunOpts{})
	return err
}

// CreateSnapshot creates a btrfs snapshot of src at dst, read-only when
// readOnly is set. The snapshot-chain strategy passes false: the new run
// directory must stay writable so the mirror pass that follows can update
// it in place.
func CreateSnapshot(ctx context.Context, log *zap.Logger, src, dst fspath.Path, readOnly bool) error {
	if src.Context().Key() != dst.Context().Key() {
		return bkerrors.Config("fsops: btrfs snapshot requires src and dst on the same context, got %s and %s", src.Context().Key(), dst.Context().Key())
	}
	argv := []string{"btrfs", "subvolume", "snapshot"}
	if readOnly {
		argv = append(argv, "-r")
	}
	argv = append(argv, src.String(), dst.String())

	r := procrun.New(src.Context(), log)
	_, err := r.Run(ctx, argv, execctx.RunOpts{})
	return err
}

// MirrorOpts controls MirrorCopy's rsync invocation.
type MirrorOpts struct {
	// Excludes are rsync --exclude patterns.
	Excludes []string
	// OneFilesystem restricts rsync to src's filesystem (rsync -x).
	OneFilesystem bool
	// IgnoreErrors continues past individual file-transfer errors instead
	// of aborting the whole run (rsync --ignore-errors).
	IgnoreErrors bool
}

// MirrorCopy synchronizes src into dst with rsync in archive mode, per
// original_source/btrcp.py's _rsync: src is always given a trailing slash
// so a directory's contents (not the directory itself) land inside dst. A
// source that is a single file is not special-cased; it gets the trailing
// slash too.
func MirrorCopy(ctx context.Context, log *zap.Logger, src, dst fspath.Path, opts MirrorOpts) error {
	argv := []string{"rsync", "-a"}
	if opts.OneFilesystem {
		argv = append(argv, "-x")
	}
	if opts.IgnoreErrors {
		argv = append(argv, "--ignore-errors")
	}
	for _, pattern := range opts.Excludes {
		argv = append(argv, "--exclude="+pattern)
	}
	argv = append(argv, src.WithTrailingSlash().FullPath(), dst.FullPath())

	// rsync resolves its own remote endpoints from the "host:path" argument
	// form, so this always runs on the local machine regardless of which
	// side is remote — exactly how the original shells out to a single
	// local rsync process rather than running one half remotely. The local
	// side's own context is used when there is one, execctx.Local otherwise.
	runOn := execctx.Local
	if src.Context().IsLocal() {
		runOn = src.Context()
	} else if dst.Context().IsLocal() {
		runOn = dst.Context()
	}
	r := procrun.New(runOn, log)
	_, err := r.Run(ctx, argv, execctx.RunOpts{})
	return err
}

// Archive writes one tar of every source in srcs to dst — strategy 1 packs
// an entire run's sources into a single archive file, per spec.md §4.2/P1.
// All sources must share one owning context (the single command that reads
// them all can only run on one machine); a multi-host source list is
// bkerrors.Unsupported. When that shared context matches dst's, a single
// "tar -czf dst src1 src2 ..." runs on it. When they differ, the archive is
// streamed across contexts with "tar -czf - src1 src2 ..." on the sources'
// context piped into "tee dst" on dst's context — the pattern
// original_source/btrcp.py's _create_tar_of_directory uses for a remote
// destination.
func Archive(ctx context.Context, log *zap.Logger, srcs []fspath.Path, dst fspath.Path) error {
	if len(srcs) == 0 {
		return bkerrors.Config("fsops: archive requires at least one source")
	}

	srcCtx := srcs[0].Context()
	paths := make([]string, len(srcs))
	for i, s := range srcs {
		if s.Context().Key() != srcCtx.Key() {
			return bkerrors.Unsupported("fsops: archive requires all sources on the same execution context, got %s and %s", srcCtx.Key(), s.Context().Key())
		}
		paths[i] = s.String()
	}

	destFile := dst.String()

	if srcCtx.Key() == dst.Context().Key() {
		argv := append([]string{"tar", "-czf", destFile}, paths...)
		r := procrun.New(srcCtx, log)
		_, err := r.Run(ctx, argv, execctx.RunOpts{})
		return err
	}

	srcArgv := append([]string{"tar", "-czf", "-"}, paths...)
	_, _, err := procrun.Pipe(ctx, log,
		procrun.Stage{Ctx: srcCtx, Argv: srcArgv},
		procrun.Stage{Ctx: dst.Context(), Argv: []string{"tee", destFile}},
	)
	return err
}
