package main

import (
	"context"
	"fmt"
	"io"

	"streamd/pkg/protocol"
	"streamd/pkg/store"

	"github.com/spf13/cobra"
)

// newMarkCmd creates the "streamd mark" subcommand.
func newMarkCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <stream-id> <status>",
		Short: "Set a stream's status",
		Long:  "Operator status change. This is the only way, besides PATCH on the API,\nto move a stream out of archived.",
		Args:  cobra.ExactArgs(2),
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
			return runMark(cmd.Context(), st, args[0], args[1], cmd.OutOrStdout())
		},
	}
}

func runMark(ctx context.Context, st *store.Store, id, rawStatus string, w io.Writer) error {
	status, err := protocol.ParseStatus(rawStatus)
	if err != nil {
		return err
	}
	stream, err := st.UpdateStatus(ctx, id, status)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "stream #%d %s is now %s\n", stream.StreamNumber, stream.ID, stream.Status)
	return nil
}
