// Package agent defines the capability surface acpx consumes from an ACP
// agent connection, plus the normalized notification and client-operation
// types that flow from the connection into the rest of the system. The real
// stdio-backed implementation lives in agent/acp; tests substitute fakes.
package agent

import (
	"context"
	"time"
)

// NotificationHandler receives normalized session notifications as the agent
// streams them during a prompt turn.
type NotificationHandler func(Notification)

// ClientOperationHandler receives client operations (permission requests,
// file-system and terminal calls) the agent issues against this client.
type ClientOperationHandler func(ClientOperation)

// CreateSessionResult is the outcome of session/new.
type CreateSessionResult struct {
	SessionID      string
	AgentSessionID string
}

// LoadSessionOptions tunes session/load.
type LoadSessionOptions struct {
	// SuppressReplayUpdates asks the agent not to re-stream historic turns.
	SuppressReplayUpdates bool
}

// LoadSessionResult is the outcome of session/load.
type LoadSessionResult struct {
	AgentSessionID string
}

// PromptResult is the outcome of a completed prompt turn.
type PromptResult struct {
	StopReason string
}

// Stop reasons reported by agents for a prompt turn.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
)

// AgentExit describes a terminated agent subprocess.
type AgentExit struct {
	ExitCode               *int
	Signal                 string
	ExitedAt               time.Time
	Reason                 string
	UnexpectedDuringPrompt bool
}

// LifecycleSnapshot is the observable state of the agent subprocess.
type LifecycleSnapshot struct {
	Pid       int
	StartedAt time.Time
	LastExit  *AgentExit
}

// PermissionStats counts permission-request outcomes over a connection's
// lifetime.
type PermissionStats struct {
	Requested int `json:"requested"`
	Approved  int `json:"approved"`
	Denied    int `json:"denied"`
	Cancelled int `json:"cancelled"`
}

// InitializeResult carries what the ACP initialize handshake returned.
type InitializeResult struct {
	ProtocolVersion   int
	AgentCapabilities map[string]any
}

// Connection is a single live ACP connection to an agent subprocess. All
// blocking operations honour their context; Start must be called exactly
// once before any session operation.
type Connection interface {
	// Start spawns the agent subprocess and performs the ACP initialize
	// handshake.
	Start(ctx context.Context) error

	// CreateSession issues session/new for the given workspace root.
	CreateSession(ctx context.Context, cwd string) (CreateSessionResult, error)

	// LoadSession issues session/load for an existing session id.
	// Callers must check SupportsLoadSession first.
	LoadSession(ctx context.Context, sessionID, cwd string, opts LoadSessionOptions) (LoadSessionResult, error)

	// SupportsLoadSession reports whether the agent advertised the
	// session/load capability during initialize.
	SupportsLoadSession() bool

	// Prompt runs one prompt turn. Notifications and client operations
	// stream through the handlers registered at construction.
	Prompt(ctx context.Context, sessionID, message string) (PromptResult, error)

	// HasActivePrompt reports whether a prompt turn is currently in flight.
	HasActivePrompt() bool

	// SetPermissionMode changes the policy applied to permission requests
	// on subsequent prompts.
	SetPermissionMode(mode PermissionMode)

	// RequestCancelActivePrompt sends session/cancel for the active prompt,
	// if any. It does not wait for the turn to finish.
	RequestCancelActivePrompt()

	// CancelActivePrompt requests cancellation and waits up to wait for the
	// active prompt to stop.
	CancelActivePrompt(wait time.Duration)

	// SetSessionMode issues session/set_mode.
	SetSessionMode(ctx context.Context, sessionID, modeID string) error

	// SetSessionConfigOption issues session/set_config_option and returns
	// the agent's response payload.
	SetSessionConfigOption(ctx context.Context, sessionID, configID string, value any) (map[string]any, error)

	// LifecycleSnapshot returns the subprocess lifecycle view.
	LifecycleSnapshot() LifecycleSnapshot

	// PermissionStats returns the permission counters accumulated so far.
	PermissionStats() PermissionStats

	// InitializeResult returns the initialize handshake outcome. Only valid
	// after Start succeeds.
	InitializeResult() InitializeResult

	// Close tears down the connection and the subprocess.
	Close() error
}

// Factory builds a not-yet-started Connection for an agent command line.
// The handlers receive the stream for every prompt run over the connection.
type Factory func(agentCommand, cwd string, onNotification NotificationHandler, onOperation ClientOperationHandler) (Connection, error)
