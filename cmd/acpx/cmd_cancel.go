package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session>",
		Short: "Cancel the session's active prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			cancelled, err := a.orch.Cancel(c.Context(), args[0])
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Println("cancelled")
			} else {
				fmt.Println("nothing to cancel")
			}
			return nil
		},
	}
}
