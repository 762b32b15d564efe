package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"streamd/internal/version"
	"streamd/pkg/api"
	"streamd/pkg/broadcast"
	"streamd/pkg/config"
	"streamd/pkg/discovery"
	"streamd/pkg/inspector"
	"streamd/pkg/protocol"
	"streamd/pkg/reconcile"
	"streamd/pkg/scanner"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	port int
}

// newServeCmd creates the "streamd serve" subcommand.
func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the project's stream server",
		Long: "Claims the project's server slot, then serves the HTTP API and event stream\n" +
			"while scanning worktrees for new commits. Exits immediately when another\n" +
			"process already serves this project.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if flags.port > 0 {
				cfg.Port = flags.port
			}
			stderr := cmd.ErrOrStderr()
			return runServe(cmd.Context(), cfg, cmd.OutOrStdout(), newStartupLog(stderr, isTerminal(stderr)), newLogger(stderr, cfg))
		},
	}
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "pin the listen port instead of probing")
	return cmd
}

// runServe is the serve lifecycle: claim, open, wire, run until signalled.
func runServe(ctx context.Context, cfg *config.Config, out io.Writer, progress *startupLog, logger *log.Logger) error {
	mgr := discovery.NewManager(discovery.Options{
		LockPath:    cfg.LockPath,
		ProjectRoot: cfg.ProjectRoot,
		ProjectName: cfg.ProjectName,
		PortBase:    cfg.PortBase,
		PortSpan:    cfg.PortSpan,
		Port:        cfg.Port,
		Logger:      logger.WithPrefix("discovery"),
	})
	found, claim, err := mgr.Acquire(ctx)
	if err != nil {
		return err
	}
	if found.Existing {
		fmt.Fprintf(out, "streamd already running for %s on port %d (PID %d)\n", cfg.ProjectName, found.Port, found.Lock.PID)
		return nil
	}
	if found.Stale {
		progress.Warn("replaced stale lock %s", cfg.LockPath)
	}
	progress.Step("claimed port %d", claim.Record.Port)

	ctx, cleanup := discovery.SetupSignalHandler(ctx, claim)
	defer cleanup()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_ = claim.Listener.Close()
		return err
	}
	defer closeStore()
	progress.Step("opened store %s", cfg.DBPath)

	insp := newInspector(cfg, &inspector.ExecCommandRunner{})
	b := broadcast.New(
		broadcast.WithHeartbeat(cfg.HeartbeatInterval.Duration),
		broadcast.WithLogger(logger.WithPrefix("events")),
	)
	engine := reconcile.New(insp, st, b)
	engine.SetLogger(logger.WithPrefix("reconcile"))

	scanCfg := scanner.Config{Interval: cfg.ScanInterval.Duration}
	if cfg.Watch {
		scanCfg.RefsDir = cfg.RefsDir()
	}
	sc := scanner.New(st, insp, b, scanCfg)
	sc.SetLogger(logger.WithPrefix("scanner"))

	_ = progress.Track("checking worktrees", func() error {
		res, err := engine.Reconcile(ctx, protocol.ReconcileOptions{DryRun: true})
		if err != nil {
			return err
		}
		if len(res.StaleStreams) > 0 || len(res.OrphanedWorktrees) > 0 {
			logger.Info("worktree drift", "stale", res.StaleStreams, "orphaned", res.OrphanedWorktrees)
		}
		return nil
	})

	srv := api.New(st, engine, sc, b,
		api.WithLogger(logger.WithPrefix("http")),
		api.WithInfo(api.Info{
			ProjectRoot:    cfg.ProjectRoot,
			ProjectName:    cfg.ProjectName,
			BaseBranch:     cfg.BaseBranch,
			PID:            os.Getpid(),
			Port:           claim.Record.Port,
			LockPath:       cfg.LockPath,
			StartedAt:      time.Now().UTC(),
			Version:        version.String(),
			RuntimeVersion: version.Runtime(),
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, claim.Listener) })
	g.Go(func() error { return sc.Run(gctx) })
	g.Go(func() error {
		b.RunHeartbeat(gctx)
		return nil
	})
	progress.Step("listening on http://%s", claim.Listener.Addr())

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shut down")
	return nil
}
