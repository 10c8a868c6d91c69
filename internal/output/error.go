// Package output holds the CLI-facing surface of acpx: the typed error
// taxonomy with its exit-code mapping, and the formatters that render the
// owner's message stream.
package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/queue"
)

// Code is a machine-stable error category. Each code maps 1:1 to a JSON-RPC
// code for JSON output and to a process exit code.
type Code string

const (
	CodeNoSession                   Code = "NO_SESSION"
	CodeTimeout                     Code = "TIMEOUT"
	CodePermissionDenied            Code = "PERMISSION_DENIED"
	CodePermissionPromptUnavailable Code = "PERMISSION_PROMPT_UNAVAILABLE"
	CodeRuntime                     Code = "RUNTIME"
	CodeUsage                       Code = "USAGE"
)

// Origin names the layer an error came from.
type Origin string

const (
	OriginCLI     Origin = "cli"
	OriginRuntime Origin = "runtime"
	OriginQueue   Origin = "queue"
	OriginACP     Origin = "acp"
)

// Detail codes used across the queue and runtime layers.
const (
	DetailOwnerClosed           = "QUEUE_OWNER_CLOSED"
	DetailOwnerShuttingDown     = "QUEUE_OWNER_SHUTTING_DOWN"
	DetailDisconnectedBeforeAck = "QUEUE_DISCONNECTED_BEFORE_ACK"
	DetailControlRequestFailed  = "QUEUE_CONTROL_REQUEST_FAILED"
	DetailRuntimePromptFailed   = "QUEUE_RUNTIME_PROMPT_FAILED"
	DetailProtocolInvalidJSON   = "QUEUE_PROTOCOL_INVALID_JSON"
	DetailAuthRequired          = "AUTH_REQUIRED"
)

// ErrInterrupted marks a SIGINT/SIGTERM shutdown; it maps to exit code 130
// and is never logged as an ACP error event.
var ErrInterrupted = errors.New("interrupted")

// Error is the typed failure surfaced to the CLI and over IPC.
type Error struct {
	Code       Code      `json:"code"`
	DetailCode string    `json:"detailCode,omitempty"`
	Origin     Origin    `json:"origin,omitempty"`
	Message    string    `json:"message"`
	Retryable  *bool     `json:"retryable,omitempty"`
	ACP        any       `json:"acp,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

func (e *Error) Error() string {
	if e.DetailCode != "" {
		return fmt.Sprintf("%s (%s): %s", e.Code, e.DetailCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// JSONRPCCode returns the JSON-RPC code the taxonomy maps this error to.
func (e *Error) JSONRPCCode() int {
	switch e.Code {
	case CodeNoSession:
		return -32002
	case CodeTimeout:
		return -32070
	case CodePermissionDenied:
		return -32071
	case CodePermissionPromptUnavailable:
		return -32072
	case CodeUsage:
		return -32602
	default:
		return -32603
	}
}

// ExitCode returns the process exit code for this error.
func (e *Error) ExitCode() int {
	switch e.Code {
	case CodeNoSession:
		return 4
	case CodeTimeout:
		return 3
	case CodePermissionDenied, CodePermissionPromptUnavailable:
		return 5
	case CodeUsage:
		return 2
	default:
		return 1
	}
}

// New builds a typed error.
func New(code Code, origin Origin, message string) *Error {
	return &Error{Code: code, Origin: origin, Message: message, Timestamp: time.Now().UTC()}
}

// Newf builds a typed error with a formatted message.
func Newf(code Code, origin Origin, format string, args ...any) *Error {
	return New(code, origin, fmt.Sprintf(format, args...))
}

// WithDetail attaches a detail code.
func (e *Error) WithDetail(detail string) *Error {
	e.DetailCode = detail
	return e
}

// FromWire translates a queue error payload into a typed error.
func FromWire(w *queue.WireError) *Error {
	if w == nil {
		return New(CodeRuntime, OriginQueue, "queue owner reported an error")
	}
	code := Code(w.Code)
	switch code {
	case CodeNoSession, CodeTimeout, CodePermissionDenied, CodePermissionPromptUnavailable, CodeRuntime, CodeUsage:
	default:
		code = CodeRuntime
	}
	origin := Origin(w.Origin)
	if origin == "" {
		origin = OriginQueue
	}
	return &Error{
		Code:       code,
		DetailCode: w.DetailCode,
		Origin:     origin,
		Message:    w.Message,
		Retryable:  w.Retryable,
		ACP:        w.ACP,
		Timestamp:  time.Now().UTC(),
	}
}

// ToWire renders a typed error as its IPC payload.
func ToWire(e *Error) *queue.WireError {
	return &queue.WireError{
		Code:       string(e.Code),
		DetailCode: e.DetailCode,
		Origin:     string(e.Origin),
		Message:    e.Message,
		Retryable:  e.Retryable,
		ACP:        e.ACP,
	}
}

// FromAgentError classifies an ACP-layer failure. Timeouts keep their
// deadline identity; typed RPC errors map through the taxonomy.
func FromAgentError(err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(CodeTimeout, OriginRuntime, err.Error())
	}
	if agent.IsAuthRequired(err) {
		return New(CodeRuntime, OriginACP, err.Error()).WithDetail(DetailAuthRequired)
	}
	if agent.IsSessionNotFound(err) {
		out := New(CodeNoSession, OriginACP, err.Error())
		if rpcErr, ok := agent.AsRPCError(err); ok {
			out.ACP = map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
		}
		return out
	}
	out := New(CodeRuntime, OriginACP, err.Error())
	if rpcErr, ok := agent.AsRPCError(err); ok {
		out.ACP = map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
	}
	return out
}

// ExitCodeFor maps any error to the process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrInterrupted) {
		return 130
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.ExitCode()
	}
	return 1
}
