// Command acpx is a headless client for Agent Client Protocol agents. It
// resolves or creates a session record, becomes the session's queue owner or
// submits to the existing one, and streams the agent's turn to the terminal.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastianm/acpx/internal/output"
)

func main() {
	root := &cobra.Command{
		Use:           "acpx",
		Short:         "Headless client for Agent Client Protocol sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		sendCmd(),
		cancelCmd(),
		modeCmd(),
		configOptionCmd(),
		sessionsCmd(),
		statusCmd(),
		eventsCmd(),
	)

	if err := root.Execute(); err != nil {
		var rep reportedError
		if !errors.As(err, &rep) {
			fmt.Fprintf(os.Stderr, "acpx: %v\n", err)
		}
		os.Exit(output.ExitCodeFor(err))
	}
}

// reportedError wraps an error the formatter already rendered; main only
// maps it to an exit code.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }

func (e reportedError) Unwrap() error { return e.err }
