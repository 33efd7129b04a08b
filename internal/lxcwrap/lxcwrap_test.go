package lxcwrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemonic-bit/btrcp/internal/execctx"
)

type scriptedContext struct {
	calls [][]string
	queue []execctx.Result
}

func (s *scriptedContext) Run(_ context.Context, argv []string, _ execctx.RunOpts) (execctx.Result, error) {
	s.calls = append(s.calls, argv)
	if len(s.queue) == 0 {
		return execctx.Result{ExitCode: 0}, nil
	}
	res := s.queue[0]
	s.queue = s.queue[1:]
	return res, nil
}

func (s *scriptedContext) Key() string   { return "local" }
func (s *scriptedContext) IsLocal() bool { return true }
func (s *scriptedContext) Close() error  { return nil }

func TestStateRunning(t *testing.T) {
	ctx := &scriptedContext{queue: []execctx.Result{{ExitCode: 0, Stdout: []byte("RUNNING")}}}
	w := New(ctx, nil)

	state, err := w.State(context.Background(), Container{Name: "web", Base: "/var/lib/lxc"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
}

func TestStateUnrecognizedIsUnknown(t *testing.T) {
	ctx := &scriptedContext{queue: []execctx.Result{{ExitCode: 0, Stdout: []byte("???")}}}
	w := New(ctx, nil)

	state, err := w.State(context.Background(), Container{Name: "web", Base: "/var/lib/lxc"})
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)
}

func TestIsExcludedIsLogicalOr(t *testing.T) {
	excluded, err := IsExcluded("web-staging", []string{"^db-.*", "staging$"})
	require.NoError(t, err)
	assert.True(t, excluded)

	notExcluded, err := IsExcluded("web-prod", []string{"^db-.*", "staging$"})
	require.NoError(t, err)
	assert.False(t, notExcluded)
}

func TestRunAllStopsAndRestartsRunningContainer(t *testing.T) {
	ctx := &scriptedContext{queue: []execctx.Result{
		{ExitCode: 0, Stdout: []byte("RUNNING")}, // lxc-info
		{ExitCode: 0},                            // lxc-stop
		{ExitCode: 0},                            // lxc-start
	}}
	w := New(ctx, nil)

	backedUp := false
	err := w.RunAll(context.Background(), []Container{{Name: "web", Base: "/var/lib/lxc"}}, RunOptions{EnforceStop: true}, func(ctx context.Context, c Container) error {
		backedUp = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, backedUp)
	assert.Equal(t, "lxc-start", ctx.calls[len(ctx.calls)-1][0])
}

func TestRunAllRestartsEvenWhenBackupFails(t *testing.T) {
	ctx := &scriptedContext{queue: []execctx.Result{
		{ExitCode: 0, Stdout: []byte("RUNNING")}, // lxc-info
		{ExitCode: 0},                            // lxc-stop
		{ExitCode: 0},                            // lxc-start
	}}
	w := New(ctx, nil)

	err := w.RunAll(context.Background(), []Container{{Name: "web", Base: "/var/lib/lxc"}}, RunOptions{EnforceStop: true}, func(ctx context.Context, c Container) error {
		return assert.AnError
	})

	require.Error(t, err)
	assert.Equal(t, "lxc-start", ctx.calls[len(ctx.calls)-1][0])
}

func TestRunAllOnlyStoppedOverridesOnlyRunning(t *testing.T) {
	ctx := &scriptedContext{queue: []execctx.Result{
		{ExitCode: 0, Stdout: []byte("STOPPED")}, // lxc-info
	}}
	w := New(ctx, nil)

	backedUp := false
	opts := RunOptions{OnlyRunning: true, OnlyStopped: true, EnforceStop: true}
	err := w.RunAll(context.Background(), []Container{{Name: "web", Base: "/var/lib/lxc"}}, opts, func(ctx context.Context, c Container) error {
		backedUp = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, backedUp, "a stopped container must still be backed up when both filters are set")
	for _, call := range ctx.calls {
		assert.NotEqual(t, "lxc-stop", call[0])
		assert.NotEqual(t, "lxc-start", call[0])
	}
}

func TestRunAllOnlyStoppedSkipsRunningContainer(t *testing.T) {
	ctx := &scriptedContext{queue: []execctx.Result{
		{ExitCode: 0, Stdout: []byte("RUNNING")}, // lxc-info
	}}
	w := New(ctx, nil)

	called := false
	opts := RunOptions{OnlyRunning: true, OnlyStopped: true, EnforceStop: true}
	err := w.RunAll(context.Background(), []Container{{Name: "web", Base: "/var/lib/lxc"}}, opts, func(ctx context.Context, c Container) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
}

func TestRunAllSkipsExcludedContainers(t *testing.T) {
	ctx := &scriptedContext{}
	w := New(ctx, nil)

	called := false
	err := w.RunAll(context.Background(), []Container{{Name: "db-test", Base: "/var/lib/lxc"}}, RunOptions{ExcludePatterns: []string{"^db-.*"}}, func(ctx context.Context, c Container) error {
		called = true
		return nil
	})

	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, ctx.calls)
}
