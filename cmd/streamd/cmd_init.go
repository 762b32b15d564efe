package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"streamd/pkg/config"
	"streamd/pkg/inspector"
	"streamd/pkg/store"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "streamd init" subcommand.
func newInitCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the project's state directory, store and config file",
		Long:  "Checks that git is available, creates the state directory and an empty\nstream store, and writes a default .streamd.toml when none exists.\nSafe to re-run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			return runInit(cmd.Context(), cfg, &inspector.ExecCommandRunner{}, cmd.OutOrStdout())
		},
	}
}

func runInit(ctx context.Context, cfg *config.Config, runner inspector.CommandRunner, w io.Writer) error {
	out, err := runner.Run(ctx, "git", "--version")
	if err != nil {
		return fmt.Errorf("git is required: %w", err)
	}
	fmt.Fprintf(w, "✓ %s\n", strings.TrimSpace(string(out)))

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	db, err := store.Open(ctx, cfg.DBPath, store.OpenOptions{Create: true})
	if err != nil {
		return err
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	fmt.Fprintf(w, "✓ store %s\n", cfg.DBPath)

	if cfg.Source != "" {
		fmt.Fprintf(w, "✓ config %s (existing)\n", cfg.Source)
		return nil
	}
	path, err := cfg.WriteDefault()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "✓ config %s\n", path)
	return nil
}
