//go:build !windows

package queue

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// Listen binds the session's IPC endpoint, unlinking any leftover socket
// file first.
func Listen(socketPath string) (net.Listener, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("unlinking leftover socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("binding socket %s: %w", socketPath, err)
	}
	return ln, nil
}

// Dial connects to the session's IPC endpoint.
func Dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, timeout)
}
