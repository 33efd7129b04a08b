// Package main is the entry point for the btrcp binary: the host-level
// backup engine driving the archive, mirror, and btrfs-snapshot strategies
// against one or more sources, local or remote over SSH.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
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
	"github.com/mnemonic-bit/btrcp/internal/retention"
	"github.com/mnemonic-bit/btrcp/internal/strategy"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	sources     []string
	dest        string
	hostName    string
	strategyStr string
	dryRun      bool
	quiet       bool
	logFile     string

	daysOff         int
	keepDays        int
	keepWeeks       int
	keepMonths      int
	keepYears       int
	noRetentionSnap bool

	mirrorExcludes   []string
	mirrorOneFs      bool
	mirrorIgnoreErrs bool

	sshKeyFile      string
	knownHostsFile  string
	insecureHostKey bool
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
		Use:   "btrcp",
		Short: "btrcp — host backup engine (archive, mirror, btrfs snapshot chain)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.Flags()
	flags.StringSliceVarP(&cfg.sources, "source", "s", nil, "source path to back up (repeatable); [user@]host[:port]:path for a remote source")
	flags.StringVarP(&cfg.dest, "dest", "d", envOrDefault("BTRCP_DEST", ""), "destination root directory; [user@]host[:port]:path for a remote destination")
	flags.StringVar(&cfg.hostName, "hostname", "", "name of this run's destination subdirectory (default: the local hostname)")
	flags.StringVar(&cfg.strategyStr, "strategy", envOrDefault("BTRCP_STRATEGY", "archive"), "backup strategy: archive, mirror, snapshot, delta-send")
	flags.BoolVar(&cfg.dryRun, "dry-run", false, "log the planned actions without running any command")
	flags.BoolVarP(&cfg.quiet, "quiet", "q", false, "suppress console logging")
	flags.StringVarP(&cfg.logFile, "log-file", "l", "", "additionally log to this file")

	flags.IntVar(&cfg.daysOff, "days-off", 1, "grace window in days below which a backup is never eligible for retention")
	flags.IntVar(&cfg.keepDays, "keep-days", 14, "number of daily retention buckets")
	flags.IntVar(&cfg.keepWeeks, "keep-weeks", 6, "number of weekly retention buckets")
	flags.IntVar(&cfg.keepMonths, "keep-months", 10, "number of monthly retention buckets")
	flags.IntVar(&cfg.keepYears, "keep-years", 10, "number of yearly retention buckets")
	flags.BoolVar(&cfg.noRetentionSnap, "no-retention-on-snapshot", false, "disable retention pruning after a snapshot strategy run (retention is on by default)")

	flags.StringSliceVar(&cfg.mirrorExcludes, "exclude", nil, "rsync --exclude pattern (repeatable, mirror strategy only)")
	flags.BoolVar(&cfg.mirrorOneFs, "one-file-system", true, "restrict mirror copy to the source's own filesystem")
	flags.BoolVar(&cfg.mirrorIgnoreErrs, "ignore-errors", false, "continue a mirror copy past individual file-transfer errors")

	flags.StringVar(&cfg.sshKeyFile, "ssh-key", "", "private key file for remote sources/destinations")
	flags.StringVar(&cfg.knownHostsFile, "known-hosts", "", "known_hosts file for remote host-key verification")
	flags.BoolVar(&cfg.insecureHostKey, "insecure-host-key", false, "skip host-key verification for remote contexts")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("btrcp %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := logging.Build(logging.Options{Quiet: cfg.quiet, LogFile: cfg.logFile})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	runID := uuid.New().String()
	logger = logger.With(zap.String("run_id", runID))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kind, err := parseStrategy(cfg.strategyStr)
	if err != nil {
		return err
	}
	if len(cfg.sources) == 0 {
		return bkerrors.Config("btrcp: at least one --source is required")
	}
	if cfg.dest == "" {
		return bkerrors.Config("btrcp: --dest is required")
	}

	pool := execctx.NewPool()
	defer pool.CloseAll()

	auth := execctx.SSHParams{
		KeyFile:               cfg.sshKeyFile,
		KnownHostsFile:        cfg.knownHostsFile,
		InsecureIgnoreHostKey: cfg.insecureHostKey,
	}

	dest, err := fspath.ParseWithAuth(cfg.dest, pool, auth)
	if err != nil {
		return err
	}

	sources, err := resolveSources(cfg, pool, auth)
	if err != nil {
		return err
	}

	hostName := cfg.hostName
	if hostName == "" {
		hostName, err = fsops.Hostname(ctx, logger, execctx.Local)
		if err != nil {
			return fmt.Errorf("failed to resolve local hostname, pass --hostname explicitly: %w", err)
		}
	}

	var sched *retention.Schedule
	if kind == strategy.BtrfsSnapshot && !cfg.noRetentionSnap {
		sched = &retention.Schedule{
			Counts: map[retention.Tier]int{
				retention.Day:   cfg.keepDays,
				retention.Week:  cfg.keepWeeks,
				retention.Month: cfg.keepMonths,
				retention.Year:  cfg.keepYears,
			},
			DaysOff: cfg.daysOff,
		}
	}

	opts := strategy.Options{
		Kind:      kind,
		HostName:  hostName,
		Sources:   sources,
		DestRoot:  dest,
		Timestamp: time.Now(),
		Mirror: fsops.MirrorOpts{
			Excludes:      cfg.mirrorExcludes,
			OneFilesystem: cfg.mirrorOneFs,
			IgnoreErrors:  cfg.mirrorIgnoreErrs,
		},
		Retention: sched,
	}

	logger.Info("starting backup run",
		zap.String("strategy", kind.String()),
		zap.String("host", hostName),
		zap.Int("source_count", len(sources)),
		zap.String("dest", dest.String()),
		zap.Bool("dry_run", cfg.dryRun),
	)

	if cfg.dryRun {
		for _, src := range sources {
			logger.Info("dry-run: would back up", zap.String("source", src.Name), zap.String("path", src.Path.String()))
		}
		return nil
	}

	if err := strategy.Backup(ctx, logger, opts); err != nil {
		logger.Error("backup run completed with failures", zap.Error(err))
		return err
	}

	logger.Info("backup run completed")
	return nil
}

func resolveSources(cfg *config, pool *execctx.Pool, auth execctx.SSHParams) ([]strategy.Source, error) {
	sources := make([]strategy.Source, 0, len(cfg.sources))
	for _, raw := range cfg.sources {
		p, err := fspath.ParseWithAuth(raw, pool, auth)
		if err != nil {
			return nil, err
		}
		sources = append(sources, strategy.Source{Path: p, Name: p.Base()})
	}
	return sources, nil
}

func parseStrategy(s string) (strategy.Kind, error) {
	switch strings.ToLower(s) {
	case "archive", "tar":
		return strategy.ArchiveTar, nil
	case "mirror", "rsync":
		return strategy.MirrorRsync, nil
	case "snapshot", "btrfs":
		return strategy.BtrfsSnapshot, nil
	case "delta-send", "delta":
		return strategy.DeltaSend, nil
	default:
		return 0, bkerrors.Config("btrcp: unknown --strategy %q", s)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
