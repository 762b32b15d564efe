package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"streamd/pkg/inspector"
	"streamd/pkg/protocol"
	"streamd/pkg/store"

	"github.com/spf13/cobra"
)

type registerFlags struct {
	id       string
	title    string
	status   string
	category string
	priority int
	worktree string
	branch   string
}

// worktreeLister is the slice of the inspector register needs.
type worktreeLister interface {
	ListWorktrees(ctx context.Context) (map[string]protocol.WorktreeRecord, error)
}

// newRegisterCmd creates the "streamd register" subcommand.
func newRegisterCmd(root *rootFlags) *cobra.Command {
	flags := &registerFlags{}
	cmd := &cobra.Command{
		Use:   "register [worktree-path]",
		Short: "Register a worktree (or a plain title) as a stream",
		Long: "Creates a stream in the store. With a worktree path the branch is taken\n" +
			"from git when --branch is not given, and the title defaults to the\n" +
			"worktree's directory name.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.worktree = args[0]
			}
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer closeStore()
			return runRegister(cmd.Context(), st, newInspector(cfg, &inspector.ExecCommandRunner{}), flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "stream id (default: generated)")
	cmd.Flags().StringVarP(&flags.title, "title", "t", "", "stream title")
	cmd.Flags().StringVarP(&flags.status, "status", "s", "", "initial status (default: initializing)")
	cmd.Flags().StringVar(&flags.category, "category", "", "free-form category")
	cmd.Flags().IntVar(&flags.priority, "priority", 0, "priority, higher first")
	cmd.Flags().StringVarP(&flags.branch, "branch", "b", "", "branch (default: the worktree's branch)")
	return cmd
}

func runRegister(ctx context.Context, st *store.Store, git worktreeLister, flags *registerFlags, w io.Writer) error {
	stream := &protocol.Stream{
		ID:       flags.id,
		Title:    flags.title,
		Category: flags.category,
		Priority: flags.priority,
		Branch:   flags.branch,
	}
	if flags.status != "" {
		status, err := protocol.ParseStatus(flags.status)
		if err != nil {
			return err
		}
		stream.Status = status
	}

	if flags.worktree != "" {
		path, err := filepath.Abs(flags.worktree)
		if err != nil {
			return fmt.Errorf("resolve worktree path: %w", err)
		}
		stream.WorktreePath = path
		if stream.Title == "" {
			stream.Title = filepath.Base(path)
		}
		if stream.Branch == "" {
			wt, err := findWorktree(ctx, git, path)
			if err != nil {
				return err
			}
			stream.Branch = wt.Branch
		}
	}

	if err := st.CreateStream(ctx, stream); err != nil {
		return err
	}
	fmt.Fprintf(w, "registered stream #%d %s (%s)\n", stream.StreamNumber, stream.ID, stream.Status)
	return nil
}

// findWorktree returns the live worktree at path.
func findWorktree(ctx context.Context, git worktreeLister, path string) (protocol.WorktreeRecord, error) {
	worktrees, err := git.ListWorktrees(ctx)
	if err != nil {
		return protocol.WorktreeRecord{}, err
	}
	for _, wt := range worktrees {
		if filepath.Clean(wt.Path) == path {
			return wt, nil
		}
	}
	return protocol.WorktreeRecord{}, &protocol.ValidationError{Field: "worktree", Reason: fmt.Sprintf("%s is not a linked worktree", path)}
}
