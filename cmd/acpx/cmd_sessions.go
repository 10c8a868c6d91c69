package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage session records",
	}
	cmd.AddCommand(sessionsListCmd(), sessionsCloseCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List session records, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			recs, err := a.orch.List()
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(recs)
			}
			for _, rec := range recs {
				state := "open"
				if rec.Closed {
					state = "closed"
				}
				name := "-"
				if rec.Name != nil {
					name = *rec.Name
				}
				fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\n",
					rec.ID, state, name, rec.AgentCommand, rec.Cwd,
					rec.LastUsedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit records as JSON")
	return cmd
}

func sessionsCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session>",
		Short: "Close a session, stopping its agent and queue owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			rec, err := a.orch.CloseSession(c.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(rec.ID)
			return nil
		},
	}
}
