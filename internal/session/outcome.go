package session

import (
	"context"
	"time"

	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/store"
)

// SendOptions describes one prompt submission.
type SendOptions struct {
	// SessionID selects an explicit record (exact id or unique suffix).
	// Empty means resolve by directory walk, creating a record if needed.
	SessionID string

	// Name narrows resolution to a named session; nil means the default
	// session for the directory.
	Name *string

	AgentCommand string
	Cwd          string

	Message                   string
	PermissionMode            string
	NonInteractivePermissions string
	WaitForCompletion         bool

	// Timeout bounds the prompt turn. Zero falls back to the configured
	// prompt timeout.
	Timeout time.Duration

	// IdleTTL is how long an inline owner lingers waiting for more work
	// after its queue drains. Zero disables idle shutdown.
	IdleTTL time.Duration

	// OnMessage receives every streaming owner message (session updates,
	// client operations, done markers) before the terminal outcome.
	OnMessage func(queue.Message)
}

// Enqueued reports a prompt accepted without waiting for completion.
type Enqueued struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
}

// SendOutcome is the terminal outcome of Send: exactly one field is set.
type SendOutcome struct {
	Result   *queue.SendResult
	Enqueued *Enqueued
}

// Seed is the task that caused a process to become queue owner. The owner
// runs it first and streams its messages back through Deliver instead of a
// socket.
type Seed struct {
	Request queue.Request
	Deliver func(queue.Message)
}

// OwnerRunner runs the queue-owner main loop in this process. Run blocks
// until the owner shuts down (idle timeout, close signal, or fatal error).
type OwnerRunner interface {
	Run(ctx context.Context, rec *store.SessionRecord, seed *Seed, idleTTL time.Duration) error
}
