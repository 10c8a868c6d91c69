// Package thread maintains the mutable conversation projection of a session.
// The projection is rebuildable from the session's event log; the copy held
// on the session record is a cache, not the source of truth.
package thread

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one entry of the conversation: a user message, an agent
// message, or the Resume sentinel marking a reconnect boundary. On disk it
// is externally tagged: {"User": {...}}, {"Agent": {...}}, or "Resume".
type Message struct {
	User   *UserMessage  `json:"-"`
	Agent  *AgentMessage `json:"-"`
	Resume bool          `json:"-"`
}

// UserMessage is a prompt submitted by the user.
type UserMessage struct {
	ID      string        `json:"id"`
	Content []UserContent `json:"content"`
}

// AgentMessage is the agent's streamed response, including tool results
// keyed by tool-call id.
type AgentMessage struct {
	Content     []AgentContent        `json:"content"`
	ToolResults map[string]ToolResult `json:"tool_results,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	switch {
	case m.User != nil:
		return json.Marshal(map[string]*UserMessage{"User": m.User})
	case m.Agent != nil:
		return json.Marshal(map[string]*AgentMessage{"Agent": m.Agent})
	case m.Resume:
		return json.Marshal("Resume")
	default:
		return nil, fmt.Errorf("message has no variant set")
	}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var sentinel string
	if err := json.Unmarshal(data, &sentinel); err == nil {
		if sentinel != "Resume" {
			return fmt.Errorf("unknown message sentinel %q", sentinel)
		}
		*m = Message{Resume: true}
		return nil
	}

	var tagged struct {
		User  *UserMessage  `json:"User"`
		Agent *AgentMessage `json:"Agent"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	*m = Message{User: tagged.User, Agent: tagged.Agent}
	if m.User == nil && m.Agent == nil {
		return fmt.Errorf("message has no recognized variant")
	}
	return nil
}

// TokenUsage is a normalized token-count snapshot.
type TokenUsage struct {
	InputTokens              int64 `json:"input_tokens,omitempty"`
	OutputTokens             int64 `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Thread is the conversation projection.
type Thread struct {
	Messages []Message `json:"messages"`

	Title string `json:"title,omitempty"`

	// CumulativeTokenUsage is replaced wholesale on each usage update.
	CumulativeTokenUsage *TokenUsage `json:"cumulative_token_usage,omitempty"`

	// RequestTokenUsage attributes usage to the user message that
	// triggered it, keyed by user-message id.
	RequestTokenUsage map[string]TokenUsage `json:"request_token_usage,omitempty"`

	// UpdatedAt advances to the max of any incoming event timestamp.
	UpdatedAt time.Time `json:"updated_at"`

	// Opaque agent-defined payloads carried through untouched.
	InitialProjectSnapshot any `json:"initial_project_snapshot,omitempty"`
	Model                  any `json:"model,omitempty"`
	Profile                any `json:"profile,omitempty"`
}

// LastAgent returns the trailing Agent message, or nil when the thread does
// not end with one.
func (t *Thread) LastAgent() *AgentMessage {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1].Agent
}

// LastUserID returns the id of the most recent User message, or "".
func (t *Thread) LastUserID() string {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if u := t.Messages[i].User; u != nil {
			return u.ID
		}
	}
	return ""
}

// HasAgentMessages reports whether any Agent message exists. Connect-and-load
// uses this to decide whether an internal load error can safely fall back to
// a fresh session.
func (t *Thread) HasAgentMessages() bool {
	for _, m := range t.Messages {
		if m.Agent != nil {
			return true
		}
	}
	return false
}

// Touch advances UpdatedAt, never moving it backwards.
func (t *Thread) Touch(ts time.Time) {
	if ts.After(t.UpdatedAt) {
		t.UpdatedAt = ts
	}
}

// Clone returns an independent copy of the thread. Turn processing mutates a
// clone and writes it back only when the turn completes.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return &Thread{}
	}
	out := *t
	out.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	if t.RequestTokenUsage != nil {
		out.RequestTokenUsage = make(map[string]TokenUsage, len(t.RequestTokenUsage))
		for k, v := range t.RequestTokenUsage {
			out.RequestTokenUsage[k] = v
		}
	}
	if t.CumulativeTokenUsage != nil {
		usage := *t.CumulativeTokenUsage
		out.CumulativeTokenUsage = &usage
	}
	return &out
}

func cloneMessage(m Message) Message {
	switch {
	case m.User != nil:
		user := *m.User
		user.Content = append([]UserContent(nil), m.User.Content...)
		return Message{User: &user}
	case m.Agent != nil:
		agent := *m.Agent
		agent.Content = make([]AgentContent, len(m.Agent.Content))
		for i, c := range m.Agent.Content {
			agent.Content[i] = cloneAgentContent(c)
		}
		if m.Agent.ToolResults != nil {
			agent.ToolResults = make(map[string]ToolResult, len(m.Agent.ToolResults))
			for k, v := range m.Agent.ToolResults {
				agent.ToolResults[k] = v
			}
		}
		return Message{Agent: &agent}
	default:
		return m
	}
}

// cloneAgentContent copies the pointed-to block so a cloned thread can be
// mutated without touching the original.
func cloneAgentContent(c AgentContent) AgentContent {
	switch {
	case c.Thinking != nil:
		block := *c.Thinking
		return AgentContent{Thinking: &block}
	case c.ToolUse != nil:
		block := *c.ToolUse
		return AgentContent{ToolUse: &block}
	default:
		return c
	}
}
