package strategy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemonic-bit/btrcp/internal/execctx"
	"github.com/mnemonic-bit/btrcp/internal/fspath"
	"github.com/mnemonic-bit/btrcp/internal/retention"
)

// scriptedContext replays a fixed queue of Results in call order, regardless
// of argv — enough for tests that control the exact sequence of shell-outs
// a code path makes.
type scriptedContext struct {
	key   string
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

func (s *scriptedContext) Key() string   { return s.key }
func (s *scriptedContext) IsLocal() bool { return true }
func (s *scriptedContext) Close() error  { return nil }

// failingOnContext succeeds for every argv except ones containing one of the
// configured substrings — used to make exactly one source fail within a
// multi-source run.
type failingOnContext struct {
	key        string
	failSubstr []string
	calls      [][]string
}

func (f *failingOnContext) Run(_ context.Context, argv []string, _ execctx.RunOpts) (execctx.Result, error) {
	f.calls = append(f.calls, argv)
	joined := strings.Join(argv, " ")
	for _, bad := range f.failSubstr {
		if strings.Contains(joined, bad) {
			return execctx.Result{ExitCode: 1, Stderr: []byte("simulated failure")}, nil
		}
	}
	return execctx.Result{ExitCode: 0}, nil
}

func (f *failingOnContext) Key() string   { return f.key }
func (f *failingOnContext) IsLocal() bool { return true }
func (f *failingOnContext) Close() error  { return nil }

func fixedTime(t *testing.T) time.Time {
	t.Helper()
	tm, err := time.Parse("2006-01-02", "2026-07-31")
	require.NoError(t, err)
	return tm
}

func TestBackupRequiresHostName(t *testing.T) {
	ctx := &scriptedContext{key: "local"}
	opts := Options{
		Kind:      ArchiveTar,
		Sources:   []Source{{Path: fspath.New("/srv/data", ctx), Name: "db"}},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.Error(t, err)
}

func TestBackupArchiveCombinesAllSourcesUnderHostSubdir(t *testing.T) {
	ctx := &scriptedContext{key: "local"}
	opts := Options{
		Kind:     ArchiveTar,
		HostName: "db-host",
		Sources: []Source{
			{Path: fspath.New("/srv/data", ctx), Name: "data"},
			{Path: fspath.New("/srv/config", ctx), Name: "config"},
		},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.NoError(t, err)

	var tarCall []string
	for _, call := range ctx.calls {
		if call[0] == "tar" {
			tarCall = call
		}
	}
	require.NotNil(t, tarCall)
	assert.Contains(t, tarCall, "/backup/db-host/2026-07-31-00-00.tar.gz")
	assert.Contains(t, tarCall, "/srv/data")
	assert.Contains(t, tarCall, "/srv/config")
}

func TestBackupArchiveFailureRenamesOutput(t *testing.T) {
	ctx := &scriptedContext{key: "local", queue: []execctx.Result{
		{ExitCode: 0}, // mkdir -p dst_host_root
		{ExitCode: 1, Stderr: []byte("tar failed")}, // tar
		{ExitCode: 0}, // test -e (exists check)
		{ExitCode: 0}, // mv
	}}
	src := Source{Path: fspath.New("/srv/data", ctx), Name: "db"}
	opts := Options{
		Kind:      ArchiveTar,
		HostName:  "db-host",
		Sources:   []Source{src},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.Error(t, err)

	lastCall := ctx.calls[len(ctx.calls)-1]
	assert.Equal(t, "mv", lastCall[0])
	assert.Contains(t, lastCall[2], ".err")
}

func TestBackupUnsupportedDeltaSend(t *testing.T) {
	ctx := &scriptedContext{key: "local"}
	src := Source{Path: fspath.New("/srv/data", ctx), Name: "db"}
	opts := Options{
		Kind:      DeltaSend,
		HostName:  "db-host",
		Sources:   []Source{src},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.Error(t, err)
}

func TestBackupMirrorContinuesPastOneSourceFailure(t *testing.T) {
	ctx := &failingOnContext{key: "local", failSubstr: []string{"ghost"}}
	failing := Source{Path: fspath.New("/srv/ghost", ctx), Name: "ghost"}
	ok := Source{Path: fspath.New("/srv/data", ctx), Name: "db"}

	opts := Options{
		Kind:      MirrorRsync,
		HostName:  "db-host",
		Sources:   []Source{failing, ok},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	sawDbMkdir := false
	for _, call := range ctx.calls {
		if call[0] == "mkdir" && strings.HasSuffix(call[2], "/db") {
			sawDbMkdir = true
		}
	}
	assert.True(t, sawDbMkdir, "the ok source's directory should still be created despite the ghost source failing")
}

func TestRunSnapshotRejectsNonSubvolumeDestination(t *testing.T) {
	ctx := &scriptedContext{key: "local", queue: []execctx.Result{
		{ExitCode: 0},                                                          // mkdir -p dst_host_root
		{ExitCode: 0, Stdout: []byte("Mounted on\n/backup")},                    // df --output=target (mount point)
		{ExitCode: 0, Stdout: []byte("ext4")},                                   // stat -f --format=%T
	}}
	src := Source{Path: fspath.New("/srv/data", ctx), Name: "db"}
	opts := Options{
		Kind:      BtrfsSnapshot,
		HostName:  "db-host",
		Sources:   []Source{src},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.Error(t, err)
}

func TestRunSnapshotCreatesFreshSubvolumeWhenNoPriorChain(t *testing.T) {
	ctx := &scriptedContext{key: "local", queue: []execctx.Result{
		{ExitCode: 0},                                          // mkdir -p dst_host_root
		{ExitCode: 0, Stdout: []byte("Mounted on\n/backup")},    // df (mount point)
		{ExitCode: 0, Stdout: []byte("btrfs")},                  // stat -f (fs type)
		{ExitCode: 0, Stdout: []byte("256")},                    // stat (inode)
		{ExitCode: 1},                                           // test -e dst_run (doesn't exist)
		{ExitCode: 0, Stdout: []byte("")},                       // glob: no prior runs
		{ExitCode: 0},                                           // btrfs subvolume create
		{ExitCode: 0},                                           // mkdir -p mirror dest
		{ExitCode: 0},                                           // rsync
	}}
	src := Source{Path: fspath.New("/srv/data", ctx), Name: "db"}
	opts := Options{
		Kind:      BtrfsSnapshot,
		HostName:  "db-host",
		Sources:   []Source{src},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.NoError(t, err)

	var sawCreate, sawSnapshot, sawRsync bool
	for _, call := range ctx.calls {
		joined := strings.Join(call, " ")
		if strings.Contains(joined, "subvolume create") {
			sawCreate = true
		}
		if strings.Contains(joined, "subvolume snapshot") {
			sawSnapshot = true
		}
		if call[0] == "rsync" {
			sawRsync = true
		}
	}
	assert.True(t, sawCreate)
	assert.False(t, sawSnapshot)
	assert.True(t, sawRsync)
}

func TestRunSnapshotChainsOntoPreviousSnapshotWritable(t *testing.T) {
	ctx := &scriptedContext{key: "local", queue: []execctx.Result{
		{ExitCode: 0},                                                  // mkdir -p dst_host_root
		{ExitCode: 0, Stdout: []byte("Mounted on\n/backup")},           // df (mount point)
		{ExitCode: 0, Stdout: []byte("btrfs")},                         // stat -f (dst_host_root fs type)
		{ExitCode: 0, Stdout: []byte("256")},                           // stat (dst_host_root inode)
		{ExitCode: 1},                                                  // test -e dst_run (doesn't exist)
		{ExitCode: 0, Stdout: []byte("2026-07-01-00-00")},              // glob: one prior run
		{ExitCode: 0, Stdout: []byte("btrfs")},                         // stat -f (prev fs type)
		{ExitCode: 0, Stdout: []byte("256")},                           // stat (prev inode)
		{ExitCode: 0},                                                  // btrfs subvolume snapshot
		{ExitCode: 0},                                                  // mkdir -p mirror dest
		{ExitCode: 0},                                                  // rsync
	}}
	src := Source{Path: fspath.New("/srv/data", ctx), Name: "db"}
	opts := Options{
		Kind:      BtrfsSnapshot,
		HostName:  "db-host",
		Sources:   []Source{src},
		DestRoot:  fspath.New("/backup", ctx),
		Timestamp: fixedTime(t),
	}

	err := Backup(context.Background(), nil, opts)
	require.NoError(t, err)

	var snapshotCall []string
	for _, call := range ctx.calls {
		if strings.Join(call, " ") == "btrfs subvolume snapshot /backup/db-host/2026-07-01-00-00 /backup/db-host/2026-07-31-00-00" {
			snapshotCall = call
		}
	}
	require.NotNil(t, snapshotCall, "expected a writable (non -r) snapshot chained onto the prior run")
}

func TestPruneChainSkipsUnparseableNames(t *testing.T) {
	ctx := &scriptedContext{key: "local", queue: []execctx.Result{
		{ExitCode: 0, Stdout: []byte("not-a-timestamp\n2026-07-01-00-00")},
	}}
	dir := fspath.New("/backup/db-host", ctx)
	sched := retention.Schedule{Counts: map[retention.Tier]int{retention.Day: 14}, DaysOff: 1}

	err := pruneChain(context.Background(), zap.NewNop(), dir, "db-host", fixedTime(t), DefaultTimestampFormat, sched)
	require.NoError(t, err)
}
