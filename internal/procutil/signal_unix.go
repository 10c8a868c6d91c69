//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

func signalTerm(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
