package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastianm/acpx/internal/eventlog"
	"github.com/sebastianm/acpx/internal/output"
)

func eventsCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "events <session>",
		Short: "Replay a session's event log, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			f, err := output.NewFormatter(format, os.Stdout, os.Stderr)
			if err != nil {
				return err
			}
			status, err := a.orch.Status(args[0])
			if err != nil {
				return err
			}
			rec := status.Record
			f.SetContext(output.Context{
				SessionID:      rec.ID,
				ACPSessionID:   rec.ACPSessionID,
				AgentSessionID: rec.AgentSessionID,
				NextSeq:        rec.LastSeq + 1,
			})
			events, err := eventlog.ListSessionEvents(a.st, rec.ID)
			if err != nil {
				return err
			}
			for _, e := range events {
				f.OnEvent(e)
			}
			return f.Flush()
		},
	}
	cmd.Flags().StringVar(&format, "format", "jsonl", "output format: text, jsonl, quiet")
	return cmd
}
