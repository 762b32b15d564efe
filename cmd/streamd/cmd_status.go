package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"streamd/pkg/config"
	"streamd/pkg/discovery"
	"streamd/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type statusReport struct {
	State    discovery.ServerState `json:"state"`
	Project  string                `json:"project"`
	LockPath string                `json:"lockPath"`
	Lock     *protocol.LockRecord  `json:"lock,omitempty"`
}

// newStatusCmd creates the "streamd status" subcommand.
func newStatusCmd(root *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the project's server is running",
		Long:  "Reads the lock record and reports running, stale (owner gone or not answering) or stopped.\nOutput is styled on a terminal and JSON otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			report, err := readStatus(cfg)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON || !isTerminal(w) {
				return writeStatusJSON(w, report)
			}
			fmt.Fprintln(w, renderStatus(DefaultTheme(), report))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")
	return cmd
}

func readStatus(cfg *config.Config) (*statusReport, error) {
	state, rec, err := discovery.Status(cfg.LockPath)
	if err != nil {
		return nil, err
	}
	return &statusReport{State: state, Project: cfg.ProjectName, LockPath: cfg.LockPath, Lock: rec}, nil
}

func writeStatusJSON(w io.Writer, report *statusReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return nil
}

func renderStatus(theme Theme, report *statusReport) string {
	s := theme.styles()
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render(label), s.value.Render(value))
	}

	lines := []string{
		s.title.Render("streamd · " + report.Project),
		row("state", theme.badge(string(report.State))),
	}
	if rec := report.Lock; rec != nil {
		lines = append(lines,
			row("pid", fmt.Sprint(rec.PID)),
			row("url", fmt.Sprintf("http://127.0.0.1:%d", rec.Port)),
			row("started", rec.StartedAt.Local().Format(time.DateTime)),
			row("runtime", rec.RuntimeVersion),
		)
	}
	lines = append(lines, row("lock", report.LockPath))
	return s.box.Render(strings.Join(lines, "\n"))
}
