//go:build windows

package queue

import (
	"fmt"
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// Listen binds the session's named pipe.
func Listen(socketPath string) (net.Listener, error) {
	ln, err := winio.ListenPipe(socketPath, nil)
	if err != nil {
		return nil, fmt.Errorf("binding pipe %s: %w", socketPath, err)
	}
	return ln, nil
}

// Dial connects to the session's named pipe.
func Dial(socketPath string, timeout time.Duration) (net.Conn, error) {
	return winio.DialPipe(socketPath, &timeout)
}
