package main

import (
	"fmt"
	"io"
	"os"

	"streamd/internal/version"
	"streamd/pkg/config"
	"streamd/pkg/inspector"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// rootFlags are shared by every subcommand.
type rootFlags struct {
	dir string
}

// newRootCmd creates the root streamd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "streamd",
		Short:         "Track work streams across git worktrees",
		Long:          "streamd keeps a per-project record of work streams, ingests their commits\nfrom git worktrees, and pushes changes to dashboards over SSE.",
		Version:       fmt.Sprintf("streamd %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&flags.dir, "dir", "C", "", "project directory (default: current directory)")

	cmd.AddCommand(
		newInitCmd(flags),
		newServeCmd(flags),
		newStatusCmd(flags),
		newStopCmd(flags),
		newRegisterCmd(flags),
		newMarkCmd(flags),
		newReconcileCmd(flags),
		newScanCmd(flags),
	)

	return cmd
}

// loadConfig resolves the project root from --dir (or the working
// directory) and loads its configuration.
func loadConfig(cmd *cobra.Command, flags *rootFlags) (*config.Config, error) {
	dir := flags.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		dir = wd
	}
	root := config.FindProjectRoot(cmd.Context(), &inspector.ExecCommandRunner{}, dir)
	return config.Load(root)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newLogger builds the root logger: human-readable text on a terminal,
// logfmt otherwise.
func newLogger(w io.Writer, cfg *config.Config) *log.Logger {
	formatter := log.LogfmtFormatter
	if isTerminal(w) {
		formatter = log.TextFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          "streamd",
		ReportTimestamp: true,
		Level:           cfg.Level(),
		Formatter:       formatter,
	})
}
