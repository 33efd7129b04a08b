// Package main is the entry point for the btrcp-lxc binary: the LXC
// container wrapper that stops each selected container, backs it up with
// btrcp's strategies, and restarts it — grounded directly on
// original_source/backup-lxc-container.py's CLI surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mnemonic-bit/btrcp/internal/bkerrors"
	"github.com/mnemonic-bit/btrcp/internal/execctx"
	"github.com/mnemonic-bit/btrcp/internal/fsops"
	"github.com/mnemonic-bit/btrcp/internal/fspath"
	"github.com/mnemonic-bit/btrcp/internal/logging"
	"github.com/mnemonic-bit/btrcp/internal/lxcwrap"
	"github.com/mnemonic-bit/btrcp/internal/strategy"
)

var version = "dev"

type config struct {
	baseDir       string
	destDir       string
	names         []string
	allCont       bool
	onlyRunning   bool
	onlyStopped   bool
	noEnforceStop bool
	strategyStr   string
	excludes      []string
	quiet         bool
	logFile       string
	dryRun        bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "btrcp-lxc",
		Short: "btrcp-lxc — back up LXC containers, stopping and restarting each in turn",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&cfg.baseDir, "base-dir", "b", "/var/lib/lxc", "LXC container base directory (lxc-info/-start/-stop -P)")
	flags.StringVarP(&cfg.destDir, "dest-dir", "d", "", "destination root directory for container backups")
	flags.StringSliceVarP(&cfg.names, "name", "n", nil, "container name to back up (repeatable); omit with --all-containers")
	flags.BoolVar(&cfg.allCont, "all-containers", false, "back up every container under --base-dir")
	flags.BoolVar(&cfg.onlyRunning, "only-running-containers", false, "only back up containers currently RUNNING")
	flags.BoolVar(&cfg.onlyStopped, "only-stopped-containers", false, "only back up containers currently STOPPED")
	flags.BoolVarP(&cfg.noEnforceStop, "no-enforce-stop", "s", false, "back up a running container without stopping it first")
	flags.StringVar(&cfg.strategyStr, "strategy", "archive", "backup strategy: archive, mirror, snapshot, delta-send")
	flags.StringSliceVarP(&cfg.excludes, "exclude", "e", nil, "regular expression excluding matching container names (repeatable, logical OR)")
	flags.BoolVarP(&cfg.quiet, "quiet", "q", false, "suppress console logging")
	flags.StringVarP(&cfg.logFile, "log-file", "l", "", "additionally log to this file")
	flags.BoolVar(&cfg.dryRun, "dry-run", false, "log the planned actions without stopping, starting, or backing up anything")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("btrcp-lxc %s\n", version)
		},
	})

	return root
}

func run(ctx context.Context, cfg *config) error {
	logger, err := logging.Build(logging.Options{Quiet: cfg.quiet, LogFile: cfg.logFile})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger = logger.With(zap.String("run_id", uuid.New().String()))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !cfg.allCont && len(cfg.names) == 0 {
		return bkerrors.Config("btrcp-lxc: specify --name or --all-containers")
	}
	if cfg.destDir == "" {
		return bkerrors.Config("btrcp-lxc: --dest-dir is required")
	}

	kind, err := parseStrategy(cfg.strategyStr)
	if err != nil {
		return err
	}

	pool := execctx.NewPool()
	defer pool.CloseAll()

	dest, err := fspath.Parse(cfg.destDir, pool)
	if err != nil {
		return err
	}

	names := cfg.names
	if cfg.allCont {
		names, err = discoverContainerNames(ctx, logger, cfg.baseDir)
		if err != nil {
			return err
		}
	}

	containers := make([]lxcwrap.Container, 0, len(names))
	for _, n := range names {
		containers = append(containers, lxcwrap.Container{Name: n, Base: cfg.baseDir})
	}

	wrapper := lxcwrap.New(execctx.Local, logger)
	runOpts := lxcwrap.RunOptions{
		ExcludePatterns: cfg.excludes,
		OnlyRunning:     cfg.onlyRunning,
		OnlyStopped:     cfg.onlyStopped,
		EnforceStop:     !cfg.noEnforceStop,
	}

	logger.Info("starting lxc backup run",
		zap.Int("container_count", len(containers)),
		zap.String("strategy", kind.String()),
		zap.Bool("dry_run", cfg.dryRun),
	)

	if cfg.dryRun {
		for _, c := range containers {
			logger.Info("dry-run: would back up container", zap.String("name", c.Name))
		}
		return nil
	}

	runErr := wrapper.RunAll(ctx, containers, runOpts, func(ctx context.Context, c lxcwrap.Container) error {
		source := strategy.Source{
			Path: fspath.New(cfg.baseDir+"/"+c.Name+"/rootfs", execctx.Local),
			Name: "rootfs",
		}
		return strategy.Backup(ctx, logger, strategy.Options{
			Kind:      kind,
			HostName:  c.Name,
			Sources:   []strategy.Source{source},
			DestRoot:  dest,
			Timestamp: time.Now(),
		})
	})

	if runErr != nil {
		logger.Error("lxc backup run completed with failures", zap.Error(runErr))
		return runErr
	}

	logger.Info("lxc backup run completed")
	return nil
}

// discoverContainerNames lists --base-dir's immediate children via a plain
// directory listing — each LXC container is a subdirectory of its base
// directory, matching original_source/backup-lxc-container.py's
// --all-containers handling.
func discoverContainerNames(ctx context.Context, logger *zap.Logger, baseDir string) ([]string, error) {
	base := fspath.New(baseDir, execctx.Local)
	return fsops.ListDir(ctx, logger, base)
}

func parseStrategy(s string) (strategy.Kind, error) {
	switch s {
	case "archive", "tar":
		return strategy.ArchiveTar, nil
	case "mirror", "rsync":
		return strategy.MirrorRsync, nil
	case "snapshot", "btrfs":
		return strategy.BtrfsSnapshot, nil
	case "delta-send", "delta":
		return strategy.DeltaSend, nil
	default:
		return 0, bkerrors.Config("btrcp-lxc: unknown --strategy %q", s)
	}
}
