package procrun

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemonic-bit/btrcp/internal/execctx"
)

type scriptedContext struct {
	key     string
	result  execctx.Result
	err     error
	lastOps execctx.RunOpts
	stdin   []byte
}

func (s *scriptedContext) Run(_ context.Context, argv []string, opts execctx.RunOpts) (execctx.Result, error) {
	s.lastOps = opts
	if opts.Stdin != nil {
		// Consume stdin the way a real pipeline stage such as tee does.
		s.stdin, _ = io.ReadAll(opts.Stdin)
	}
	return s.result, s.err
}

func (s *scriptedContext) Key() string   { return s.key }
func (s *scriptedContext) IsLocal() bool { return true }
func (s *scriptedContext) Close() error  { return nil }

func TestRunnerSucceeds(t *testing.T) {
	ctx := &scriptedContext{key: "local", result: execctx.Result{ExitCode: 0, Stdout: []byte("ok")}}
	r := New(ctx, nil)

	res, err := r.Run(context.Background(), []string{"echo", "ok"}, execctx.RunOpts{})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Stdout))
}

func TestRunnerNonZeroExitIsProcessFailed(t *testing.T) {
	ctx := &scriptedContext{key: "local", result: execctx.Result{ExitCode: 1, Stderr: []byte("boom")}}
	r := New(ctx, nil)

	_, err := r.Run(context.Background(), []string{"false"}, execctx.RunOpts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPipeStreamsSourceStdoutIntoDestinationStdin(t *testing.T) {
	src := &scriptedContext{key: "local", result: execctx.Result{ExitCode: 0, Stdout: []byte("archive-bytes")}}
	dst := &scriptedContext{key: "backup-host", result: execctx.Result{ExitCode: 0}}

	srcRes, dstRes, err := Pipe(context.Background(), nil,
		Stage{Ctx: src, Argv: []string{"tar", "-czf", "-", "."}},
		Stage{Ctx: dst, Argv: []string{"tee", "/dest/out.tar.gz"}},
	)

	require.NoError(t, err)
	assert.True(t, srcRes.Succeeded())
	assert.True(t, dstRes.Succeeded())
	require.NotNil(t, dst.lastOps.Stdin)
	assert.Equal(t, "archive-bytes", string(dst.stdin))
}

func TestPipeSourceFailurePropagates(t *testing.T) {
	src := &scriptedContext{key: "local", result: execctx.Result{ExitCode: 2, Stderr: []byte("tar failed")}}
	dst := &scriptedContext{key: "backup-host", result: execctx.Result{ExitCode: 0}}

	_, _, err := Pipe(context.Background(), nil,
		Stage{Ctx: src, Argv: []string{"tar", "-czf", "-", "."}},
		Stage{Ctx: dst, Argv: []string{"tee", "/dest/out.tar.gz"}},
	)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "tar failed")
}
