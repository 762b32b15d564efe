package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"streamd/pkg/inspector"
	"streamd/pkg/protocol"
	"streamd/pkg/reconcile"

	"github.com/spf13/cobra"
)

// newReconcileCmd creates the "streamd reconcile" subcommand.
func newReconcileCmd(root *rootFlags) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare streams with git worktrees",
		Long: "Reports stale streams (worktree gone, branch merged) and orphaned worktrees\n" +
			"(no stream). Dry run by default; --apply archives the stale streams.\n" +
			"Orphans are only reported; register them explicitly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			engine := reconcile.New(newInspector(cfg, &inspector.ExecCommandRunner{}), st, nil)
			return runReconcile(cmd.Context(), engine, apply, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "archive stale streams")
	return cmd
}

func runReconcile(ctx context.Context, engine *reconcile.Engine, apply bool, w io.Writer) error {
	res, err := engine.Reconcile(ctx, protocol.ReconcileOptions{DryRun: !apply, AutoArchiveStale: apply})
	if err != nil {
		return err
	}
	printList(w, "matched", res.Matched)
	printList(w, "stale", res.StaleStreams)
	printList(w, "orphaned", res.OrphanedWorktrees)
	if apply {
		printList(w, "archived", res.Archived)
	} else if len(res.StaleStreams) > 0 {
		fmt.Fprintln(w, "dry run: re-run with --apply to archive stale streams")
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("reconcile: %d action(s) failed", len(res.Errors))
	}
	return nil
}

func printList(w io.Writer, label string, items []string) {
	if len(items) == 0 {
		fmt.Fprintf(w, "%-9s -\n", label+":")
		return
	}
	fmt.Fprintf(w, "%-9s %s\n", label+":", strings.Join(items, ", "))
}
