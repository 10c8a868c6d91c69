// Package eventlog appends schema-versioned event envelopes to per-session
// NDJSON segment files. The active segment rotates into numbered segments
// when it fills; readers replay numbered segments oldest-first, then the
// active one.
package eventlog

import (
	"time"
)

// Schema is the envelope schema literal for every persisted event.
const Schema = "acpx.event.v1"

// Event types.
const (
	TypeTurnStarted     = "turn_started"
	TypeOutputDelta     = "output_delta"
	TypeToolCall        = "tool_call"
	TypePlan            = "plan"
	TypeUpdate          = "update"
	TypeClientOperation = "client_operation"
	TypeTurnDone        = "turn_done"
	TypeError           = "error"
	TypeSessionEnsured  = "session_ensured"
	TypeCancelRequested = "cancel_requested"
	TypeCancelResult    = "cancel_result"
	TypeModeSet         = "mode_set"
	TypeConfigSet       = "config_set"
	TypeStatusSnapshot  = "status_snapshot"
	TypeSessionClosed   = "session_closed"
	TypePromptQueued    = "prompt_queued"
)

// Event is one persisted envelope. Seq values are unique and strictly
// increasing per session; session_id is always the local record id.
type Event struct {
	Schema         string         `json:"schema"`
	EventID        string         `json:"event_id"`
	SessionID      string         `json:"session_id"`
	ACPSessionID   string         `json:"acp_session_id,omitempty"`
	AgentSessionID string         `json:"agent_session_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Seq            int64          `json:"seq"`
	TS             time.Time      `json:"ts"`
	Type           string         `json:"type"`
	Data           map[string]any `json:"data,omitempty"`
}

// Draft is the caller-supplied part of an event. NewEvent stamps the rest.
type Draft struct {
	Type           string
	Data           map[string]any
	RequestID      string
	ACPSessionID   string
	AgentSessionID string
}
