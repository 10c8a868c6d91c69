package output

import (
	"fmt"
	"io"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/eventlog"
)

// Quiet suppresses the stream and reports only the terminal outcome.
type Quiet struct {
	stdout io.Writer
	stderr io.Writer
}

// NewQuiet builds the result-only formatter.
func NewQuiet(stdout, stderr io.Writer) *Quiet {
	return &Quiet{stdout: stdout, stderr: stderr}
}

func (f *Quiet) SetContext(Context)                      {}
func (f *Quiet) OnEvent(eventlog.Event)                  {}
func (f *Quiet) OnSessionUpdate(agent.Notification)      {}
func (f *Quiet) OnClientOperation(agent.ClientOperation) {}

func (f *Quiet) OnError(e *Error) {
	fmt.Fprintf(f.stderr, "error: %s\n", e.Error())
}

func (f *Quiet) OnDone(stopReason string) {
	fmt.Fprintln(f.stdout, stopReason)
}

func (f *Quiet) Flush() error { return nil }
