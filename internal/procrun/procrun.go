// Package procrun builds on execctx.Context to run single commands and to
// compose multi-stage pipelines that span two contexts — the archive-then-
// tee pattern spec.md §4.2 requires when a tar stream must be produced on
// one machine and written out on another. Grounded on
// original_source/btrcp.py's _create_tar_of_directory, which pipes a local
// "tar" into a remote "tee" exactly this way via plumbum.
package procrun

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/mnemonic-bit/btrcp/internal/bkerrors"
	"github.com/mnemonic-bit/btrcp/internal/execctx"
)

// Runner executes commands on a bound Context and turns a non-zero exit
// into a bkerrors.ProcessFailed error, logging argv and exit code at debug
// level on every call.
type Runner struct {
	Ctx execctx.Context
	Log *zap.Logger
}

// New returns a Runner bound to ctx. log may be nil, in which case a no-op
// logger is used.
func New(ctx execctx.Context, log *zap.Logger) Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return Runner{Ctx: ctx, Log: log}
}

// Run executes argv and returns an error unless it exits zero.
func (r Runner) Run(ctx context.Context, argv []string, opts execctx.RunOpts) (execctx.Result, error) {
	res, err := r.Ctx.Run(ctx, argv, opts)
	r.Log.Debug("procrun: exec",
		zap.Strings("argv", argv),
		zap.String("context", r.Ctx.Key()),
		zap.Int("exit_code", res.ExitCode),
		zap.Error(err),
	)
	if err != nil {
		return res, err
	}
	if !res.Succeeded() {
		return res, bkerrors.ProcessFailed("procrun: %v exited %d on %s: %s", argv, res.ExitCode, r.Ctx.Key(), string(res.Stderr))
	}
	return res, nil
}

// Stage is one half of a two-stage pipeline: the argv to run and the
// context it runs on.
type Stage struct {
	Ctx  execctx.Context
	Argv []string
}

// Pipe runs src and dst concurrently, feeding src's stdout into dst's
// stdin through an in-process io.Pipe, and returns both results. The same
// path is taken whether or not the two contexts are the same machine.
// src's stdout is collected in memory by its Run call and written into the
// pipe once src has finished, so the whole archive is held in memory. If
// dst exits without reading that output, the failed write is reported as
// src's error.
//
// A non-zero exit from either stage produces a bkerrors.ProcessFailed
// error; src's exit code takes priority when both stages fail, mirroring
// the original tool's tar-before-tee failure semantics.
func Pipe(ctx context.Context, log *zap.Logger, src, dst Stage) (srcRes, dstRes execctx.Result, err error) {
	if log == nil {
		log = zap.NewNop()
	}

	pr, pw := io.Pipe()

	type srcOutcome struct {
		res execctx.Result
		err error
	}
	srcDone := make(chan srcOutcome, 1)

	go func() {
		res, runErr := src.Ctx.Run(ctx, src.Argv, execctx.RunOpts{})
		// Run buffers stdout internally rather than streaming it, so the
		// pipe source actually used here is the buffered stdout fed
		// through the writer once the source command completes. This
		// keeps procrun's Stage abstraction symmetric across local and
		// remote contexts without requiring a streaming Run variant.
		if writeErr := writeAll(pw, res.Stdout); writeErr != nil && runErr == nil {
			runErr = writeErr
		}
		_ = pw.Close()
		srcDone <- srcOutcome{res: res, err: runErr}
	}()

	dstRes, dstErr := dst.Ctx.Run(ctx, dst.Argv, execctx.RunOpts{Stdin: pr})
	_ = pr.Close()

	outcome := <-srcDone
	srcRes = outcome.res

	log.Debug("procrun: pipe",
		zap.Strings("src_argv", src.Argv),
		zap.String("src_context", src.Ctx.Key()),
		zap.Strings("dst_argv", dst.Argv),
		zap.String("dst_context", dst.Ctx.Key()),
		zap.Int("src_exit", srcRes.ExitCode),
		zap.Int("dst_exit", dstRes.ExitCode),
	)

	switch {
	case outcome.err != nil:
		return srcRes, dstRes, outcome.err
	case !srcRes.Succeeded():
		return srcRes, dstRes, bkerrors.ProcessFailed("procrun: pipe source %v exited %d on %s: %s", src.Argv, srcRes.ExitCode, src.Ctx.Key(), string(srcRes.Stderr))
	case dstErr != nil:
		return srcRes, dstRes, dstErr
	case !dstRes.Succeeded():
		return srcRes, dstRes, bkerrors.ProcessFailed("procrun: pipe destination %v exited %d on %s: %s", dst.Argv, dstRes.ExitCode, dst.Ctx.Key(), string(dstRes.Stderr))
	}
	return srcRes, dstRes, nil
}

func writeAll(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}
