package agent

import "time"

// Notification is a normalized ACP session/update. Exactly one variant
// pointer is non-nil, mirroring how the ACP SDK models its update union.
type Notification struct {
	// Timestamp is when the notification was received by this client.
	Timestamp time.Time `json:"timestamp"`

	AgentMessageChunk       *TextChunk               `json:"agent_message_chunk,omitempty"`
	AgentThoughtChunk       *TextChunk               `json:"agent_thought_chunk,omitempty"`
	UserMessageChunk        *UserChunk               `json:"user_message_chunk,omitempty"`
	ToolCall                *ToolCallUpdate          `json:"tool_call,omitempty"`
	ToolCallUpdate          *ToolCallUpdate          `json:"tool_call_update,omitempty"`
	Plan                    *PlanUpdate              `json:"plan,omitempty"`
	UsageUpdate             *UsageUpdate             `json:"usage_update,omitempty"`
	SessionInfoUpdate       *SessionInfoUpdate       `json:"session_info_update,omitempty"`
	AvailableCommandsUpdate *AvailableCommandsUpdate `json:"available_commands_update,omitempty"`
	CurrentModeUpdate       *CurrentModeUpdate       `json:"current_mode_update,omitempty"`
	ConfigOptionUpdate      *ConfigOptionUpdate      `json:"config_option_update,omitempty"`

	// Raw preserves the wire-level payload for auditing; it is never used
	// for projection decisions.
	Raw map[string]any `json:"raw,omitempty"`
}

// Type returns the snake_case name of the populated variant.
func (n Notification) Type() string {
	switch {
	case n.AgentMessageChunk != nil:
		return "agent_message_chunk"
	case n.AgentThoughtChunk != nil:
		return "agent_thought_chunk"
	case n.UserMessageChunk != nil:
		return "user_message_chunk"
	case n.ToolCall != nil:
		return "tool_call"
	case n.ToolCallUpdate != nil:
		return "tool_call_update"
	case n.Plan != nil:
		return "plan"
	case n.UsageUpdate != nil:
		return "usage_update"
	case n.SessionInfoUpdate != nil:
		return "session_info_update"
	case n.AvailableCommandsUpdate != nil:
		return "available_commands_update"
	case n.CurrentModeUpdate != nil:
		return "current_mode_update"
	case n.ConfigOptionUpdate != nil:
		return "config_option_update"
	default:
		return "unknown"
	}
}

// TextChunk is a streamed piece of agent output or thinking.
type TextChunk struct {
	Text string `json:"text"`
}

// UserChunk is an echoed piece of user input.
type UserChunk struct {
	Text     string         `json:"text,omitempty"`
	Resource map[string]any `json:"resource,omitempty"`
}

// ToolCallUpdate carries a new tool call or a patch to an existing one.
// Pointer fields distinguish "absent" from "explicitly empty".
type ToolCallUpdate struct {
	ToolCallID string  `json:"tool_call_id"`
	Title      *string `json:"title,omitempty"`
	Kind       *string `json:"kind,omitempty"`
	Status     *string `json:"status,omitempty"`
	RawInput   any     `json:"raw_input,omitempty"`
	RawOutput  any     `json:"raw_output,omitempty"`
}

// HasPatch reports whether the update carries anything beyond the id, which
// is what decides whether a tool result should be upserted.
func (u ToolCallUpdate) HasPatch() bool {
	return u.Title != nil || u.Kind != nil || u.RawOutput != nil || u.Status != nil
}

// PlanEntry is one step of an agent plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// PlanUpdate replaces the agent's current plan.
type PlanUpdate struct {
	Entries []PlanEntry `json:"entries"`
}

// UsageUpdate reports token usage. Nil fields were absent on the wire.
type UsageUpdate struct {
	InputTokens              *int64 `json:"input_tokens,omitempty"`
	OutputTokens             *int64 `json:"output_tokens,omitempty"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens,omitempty"`
}

// Empty reports whether no usage field was present.
func (u UsageUpdate) Empty() bool {
	return u.InputTokens == nil && u.OutputTokens == nil &&
		u.CacheCreationInputTokens == nil && u.CacheReadInputTokens == nil
}

// SessionInfoUpdate patches session metadata.
type SessionInfoUpdate struct {
	Title *string `json:"title,omitempty"`
}

// AvailableCommandsUpdate replaces the agent's slash-command list.
type AvailableCommandsUpdate struct {
	Names []string `json:"names"`
}

// CurrentModeUpdate reports the session's active mode.
type CurrentModeUpdate struct {
	ModeID string `json:"mode_id"`
}

// ConfigOptionUpdate replaces the agent's config-option inventory. The
// payload is agent-defined and treated as opaque.
type ConfigOptionUpdate struct {
	ConfigOptions []map[string]any `json:"config_options"`
}
