// nssync keeps a local store of diabetes therapy records in sync with a
// Nightscout site.
//
// Usage:
//
//	nssync setup                          # interactive first-run wizard
//	nssync daemon [--config <path>]       # sync on a timer until stopped
//	nssync sync-once [--config <path>]    # single sync pass then exit
//	nssync full-sync [--yes]              # reset tracking state and resync
//	nssync status [--check]               # show local state
//	nssync record add --kind K --payload JSON [--at RFC3339]
//	nssync version                        # print version
//
// A running daemon syncs immediately on SIGHUP and starts a full sync on
// SIGUSR1.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slewanld/AndroidAPS-sub001/internal/config"
	"github.com/slewanld/AndroidAPS-sub001/internal/remote"
	"github.com/slewanld/AndroidAPS-sub001/internal/setup"
	"github.com/slewanld/AndroidAPS-sub001/internal/state"
	"github.com/slewanld/AndroidAPS-sub001/internal/status"
	syncp "github.com/slewanld/AndroidAPS-sub001/internal/sync"
	"github.com/slewanld/AndroidAPS-sub001/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// rootOptions holds the persistent flags.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	defaultCfg, _ := config.DefaultPath()

	cmd := &cobra.Command{
		Use:           "nssync",
		Short:         "Sync local therapy records with Nightscout",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", defaultCfg, "path to config.yaml")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newSetupCommand(opts),
		newDaemonCommand(opts),
		newSyncOnceCommand(opts),
		newFullSyncCommand(opts),
		newStatusCommand(opts),
		newRecordCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "nssync", version)
			},
		},
	)
	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// --- Subcommands -------------------------------------------------------------

func newSetupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			wiz := setup.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout(), opts.ConfigPath, setup.RemoteVerifier(logger), logger)
			_, err := wiz.Run(ctx)
			return err
		},
	}
}

func newDaemonCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run as a continuous daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.daemon(cmd.Context())
		},
	}
}

func newSyncOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-once",
		Short: "Single sync pass then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			rt.logger.Info("running single sync pass")
			res := rt.sched.RunOnce(ctx)
			renderTick(cmd.OutOrStdout(), res)
			renderLog(cmd.OutOrStdout(), rt.repo.Entries())
			return nil
		},
	}
}

func newFullSyncCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "full-sync",
		Short: "Reset tracking state, re-upload everything and download from scratch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			fs := rt.sched.FullSync()
			if !yes {
				plan, err := fs.Plan(ctx)
				if err != nil {
					return err
				}
				syncp.PrintPlan(cmd.OutOrStdout(), plan)
				if !syncp.Confirm(cmd.InOrStdin(), cmd.OutOrStdout()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Full sync cancelled.")
					return nil
				}
			}

			if _, err := fs.RequestFullSync(ctx); err != nil {
				return err
			}
			res := rt.sched.RunOnce(ctx)
			renderTick(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// --- Runtime -----------------------------------------------------------------

// runtime holds everything a sync command needs.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *state.Store
	client *remote.Client
	repo   *status.Repository
	sched  *syncp.Scheduler

	closers []func()
}

// openRuntime loads the config and wires the sync components.
func openRuntime(ctx context.Context, opts *rootOptions) (*runtime, error) {
	logger := newLogger(opts.Verbose)
	rt := &runtime{logger: logger}

	// --- Config ---

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", opts.ConfigPath, err)
	}
	rt.cfg = cfg
	logger.Info("config loaded",
		"remote_url", cfg.RemoteURL,
		"poll_interval", cfg.PollInterval,
		"live_updates", cfg.LiveUpdatesEnabled(),
	)

	// --- Telemetry (optional) ---

	if telCfg, ok := telemetry.FromConfig(cfg.Telemetry, version); ok {
		shutdownTel, err := telemetry.Setup(ctx, telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", telCfg.OTLPEndpoint)
			rt.closers = append(rt.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ---

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("opening state DB at %q: %w", cfg.StatePath, err)
	}
	rt.store = store
	rt.closers = append(rt.closers, func() {
		if err := store.Close(); err != nil {
			logger.Error("closing state DB", "error", err)
		}
	})
	logger.Info("state DB opened", "path", cfg.StatePath)

	// --- Remote client ---

	client, err := remote.New(remote.Options{
		BaseURL:           cfg.RemoteURL,
		AccessToken:       cfg.AccessToken,
		Timeout:           cfg.RequestTimeout,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
		App:               "nssync",
	}, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("initialising remote client: %w", err)
	}
	rt.client = client

	// --- Sync scheduler ---

	rt.repo = status.New(cfg.LogCapacity, logger)
	rt.repo.SetURL(client.URL())
	rt.sched = syncp.New(client, store, rt.repo, syncp.Options{
		PollInterval:        cfg.PollInterval,
		AckTimeout:          cfg.AckTimeout,
		UploadBatchSize:     cfg.UploadBatchSize,
		PageSize:            cfg.PageSize,
		Workers:             cfg.Workers,
		RetentionDays:       cfg.RetentionDays,
		PurgeOnFullSync:     cfg.PurgeOnFullSync,
		FoodReloadEvery:     cfg.FoodReloadEvery,
		DeviceStatusOverlap: cfg.DeviceStatusOverlap,
		HistoryOverlap:      cfg.HistoryOverlap,
		LiveUpdates:         cfg.LiveUpdatesEnabled(),
	}, logger)

	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// daemon runs the scheduler until SIGTERM or SIGINT. SIGHUP requests an
// immediate tick and SIGUSR1 a full sync.
func (rt *runtime) daemon(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGHUP:
					rt.logger.Info("sync requested by signal")
					rt.sched.RunNow(syncp.TriggerManual)
				case syscall.SIGUSR1:
					rt.logger.Info("full sync requested by signal")
					if _, err := rt.sched.RequestFullSync(ctx); err != nil {
						rt.logger.Error("full sync request failed", "error", err)
					}
				}
			}
		}
	}()

	rt.logger.Info("daemon starting", "poll_interval", rt.cfg.PollInterval, "pid", os.Getpid())
	if err := rt.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync scheduler: %w", err)
	}
	rt.logger.Info("shutdown complete")
	return nil
}
