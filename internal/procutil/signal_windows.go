//go:build windows

package procutil

import "os"

// Windows has no SIGTERM; Terminate escalates straight to Kill after the
// grace poll.
func signalTerm(_ *os.Process) error {
	return nil
}
