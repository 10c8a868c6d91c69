package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastianm/acpx/internal/output"
)

func modeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "mode <session> <mode-id>",
		Short: "Set the session mode on the agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.orch.SetMode(c.Context(), args[0], args[1], timeout); err != nil {
				return err
			}
			fmt.Println(args[1])
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "control request timeout (default from config)")
	return cmd
}

func configOptionCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "config-option <session> <config-id> <value>",
		Short: "Set an agent config option; the value is JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			value := json.RawMessage(args[2])
			if !json.Valid(value) {
				return output.Newf(output.CodeUsage, output.OriginCLI, "value %q is not valid JSON", args[2])
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			response, err := a.orch.SetConfigOption(c.Context(), args[0], args[1], value, timeout)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(response)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "control request timeout (default from config)")
	return cmd
}
