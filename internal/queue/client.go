package queue

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sebastianm/acpx/internal/procutil"
)

const (
	connectRetries  = 40
	connectInterval = 50 * time.Millisecond
	connectTimeout  = time.Second
)

// Conn is a client connection carrying one request and its replies.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
}

// ConnectToOwner dials the owner's socket, retrying up to 40 times at 50 ms
// while the failure looks like a socket that is still being bound
// (ENOENT/ECONNREFUSED) and the owner pid appears alive. Other errors
// propagate immediately.
func ConnectToOwner(ctx context.Context, socketPath string, ownerPid int) (*Conn, error) {
	var conn net.Conn
	backoff := retry.WithMaxRetries(connectRetries, retry.NewConstant(connectInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := Dial(socketPath, connectTimeout)
		if err == nil {
			conn = c
			return nil
		}
		if retryableDialError(err) && procutil.Alive(ownerPid) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to queue owner at %s: %w", socketPath, err)
	}
	return NewConn(conn), nil
}

// NewConn wraps an accepted or dialed connection with the line codec.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, r: bufio.NewReader(c)}
}

func retryableDialError(err error) bool {
	return errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, os.ErrNotExist)
}

// Send writes one request line.
func (c *Conn) Send(req Request) error {
	if err := ValidateRequest(req); err != nil {
		return err
	}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing request: %w", err)
	}
	return nil
}

// Next reads and validates the next owner message. io.EOF signals the owner
// closed the connection.
func (c *Conn) Next() (Message, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return Message{}, fmt.Errorf("parsing owner message: %w", err)
	}
	if err := ValidateMessage(msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }
