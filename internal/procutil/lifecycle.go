package procutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ps "github.com/mitchellh/go-ps"
)

const (
	terminateWait     = 1500 * time.Millisecond
	terminatePollStep = 50 * time.Millisecond
)

// Alive reports whether a process with the given pid exists. Pid 0 and
// negative pids are never alive.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := ps.FindProcess(pid)
	return err == nil && proc != nil
}

// Terminate asks the process to exit with SIGTERM, polls for it to disappear
// for up to 1.5 s, and escalates to SIGKILL if it is still around. An error
// is returned only when the process survives the escalation.
func Terminate(pid int) error {
	if !Alive(pid) {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	_ = proc.Signal(os.Interrupt) // no-op on Windows; SIGTERM below is the real signal
	_ = signalTerm(proc)
	if waitGone(pid, terminateWait) {
		return nil
	}

	_ = proc.Kill()
	if !waitGone(pid, terminateWait) {
		return fmt.Errorf("process %d survived SIGKILL", pid)
	}
	return nil
}

func waitGone(pid int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return true
		}
		time.Sleep(terminatePollStep)
	}
	return !Alive(pid)
}

// CmdlineMatches reports whether the process's executable plausibly matches
// the given command's first token. It compares basenames, so "node" matches
// "/usr/bin/node". On platforms where the executable name is unavailable it
// falls back to a liveness-only check.
func CmdlineMatches(pid int, command string) bool {
	if !Alive(pid) {
		return false
	}
	argv0 := firstToken(command)
	if argv0 == "" {
		return false
	}
	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		return false
	}
	exe := proc.Executable()
	if exe == "" {
		// Liveness-only fallback.
		return true
	}
	return filepath.Base(exe) == filepath.Base(argv0)
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
