package main

import (
	"errors"
	"fmt"
	"io"

	"streamd/pkg/config"
	"streamd/pkg/discovery"
	"streamd/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "streamd stop" subcommand.
func newStopCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the project's server",
		Long:  "Sends SIGTERM to the process named in the lock record. A stale lock\n(owner gone, or not answering on its port) is removed instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			return runStop(cfg, cmd.OutOrStdout())
		},
	}
}

func runStop(cfg *config.Config, w io.Writer) error {
	state, rec, err := discovery.Status(cfg.LockPath)
	if err != nil {
		return err
	}

	switch state {
	case discovery.StateStopped:
		fmt.Fprintln(w, "server is not running")
		return nil
	case discovery.StateStale:
		return removeStale(cfg, rec, w)
	case discovery.StateRunning:
		fmt.Fprintf(w, "sending SIGTERM to server (PID %d)\n", rec.PID)
		if _, err := discovery.Stop(cfg.LockPath); err != nil {
			if errors.Is(err, discovery.ErrNotServing) {
				return removeStale(cfg, rec, w)
			}
			return err
		}
		fmt.Fprintln(w, "stop signal sent")
	}
	return nil
}

func removeStale(cfg *config.Config, rec *protocol.LockRecord, w io.Writer) error {
	fmt.Fprintf(w, "removing stale lock (PID %d is not serving on port %d)\n", rec.PID, rec.Port)
	return discovery.RemoveLock(cfg.LockPath)
}
