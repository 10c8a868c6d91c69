package thread

import (
	"encoding/json"
	"fmt"
)

// UserContent is one block of user input: exactly one variant is set. On
// disk it is externally tagged, e.g. {"Text": "hi"} or {"Mention": {...}}.
type UserContent struct {
	Text    *string       `json:"-"`
	Mention *MentionBlock `json:"-"`
	Image   *ImageBlock   `json:"-"`
}

// MentionBlock is a referenced resource inlined into user input.
type MentionBlock struct {
	URI     string `json:"uri"`
	Content string `json:"content"`
}

// ImageBlock is an image attachment.
type ImageBlock struct {
	Source string `json:"source"`
	Size   *int64 `json:"size,omitempty"`
}

// UserText builds a text user-content block.
func UserText(s string) UserContent { return UserContent{Text: &s} }

func (c UserContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.Text != nil:
		return json.Marshal(map[string]string{"Text": *c.Text})
	case c.Mention != nil:
		return json.Marshal(map[string]*MentionBlock{"Mention": c.Mention})
	case c.Image != nil:
		return json.Marshal(map[string]*ImageBlock{"Image": c.Image})
	default:
		return nil, fmt.Errorf("user content has no variant set")
	}
}

func (c *UserContent) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Text    *string       `json:"Text"`
		Mention *MentionBlock `json:"Mention"`
		Image   *ImageBlock   `json:"Image"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	*c = UserContent{Text: tagged.Text, Mention: tagged.Mention, Image: tagged.Image}
	if c.Text == nil && c.Mention == nil && c.Image == nil {
		return fmt.Errorf("user content has no recognized variant")
	}
	return nil
}

// AgentContent is one block of agent output: exactly one variant is set.
type AgentContent struct {
	Text             *string        `json:"-"`
	Thinking         *ThinkingBlock `json:"-"`
	RedactedThinking *string        `json:"-"`
	ToolUse          *ToolUseBlock  `json:"-"`
}

// ThinkingBlock is streamed agent reasoning.
type ThinkingBlock struct {
	Text      string `json:"text"`
	Signature string `json:"signature,omitempty"`
}

// ToolUseBlock records a tool invocation inside an agent message.
type ToolUseBlock struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	RawInput         string `json:"raw_input"`
	Input            any    `json:"input,omitempty"`
	IsInputComplete  bool   `json:"is_input_complete"`
	ThoughtSignature string `json:"thought_signature,omitempty"`
}

// AgentText builds a text agent-content block.
func AgentText(s string) AgentContent { return AgentContent{Text: &s} }

func (c AgentContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.Text != nil:
		return json.Marshal(map[string]string{"Text": *c.Text})
	case c.Thinking != nil:
		return json.Marshal(map[string]*ThinkingBlock{"Thinking": c.Thinking})
	case c.RedactedThinking != nil:
		return json.Marshal(map[string]string{"RedactedThinking": *c.RedactedThinking})
	case c.ToolUse != nil:
		return json.Marshal(map[string]*ToolUseBlock{"ToolUse": c.ToolUse})
	default:
		return nil, fmt.Errorf("agent content has no variant set")
	}
}

func (c *AgentContent) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Text             *string        `json:"Text"`
		Thinking         *ThinkingBlock `json:"Thinking"`
		RedactedThinking *string        `json:"RedactedThinking"`
		ToolUse          *ToolUseBlock  `json:"ToolUse"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	*c = AgentContent{
		Text:             tagged.Text,
		Thinking:         tagged.Thinking,
		RedactedThinking: tagged.RedactedThinking,
		ToolUse:          tagged.ToolUse,
	}
	if c.Text == nil && c.Thinking == nil && c.RedactedThinking == nil && c.ToolUse == nil {
		return fmt.Errorf("agent content has no recognized variant")
	}
	return nil
}

// ToolResultContent is the displayable payload of a tool result.
type ToolResultContent struct {
	Text  *string     `json:"-"`
	Image *ImageBlock `json:"-"`
}

// ToolResultText builds a text tool-result payload.
func ToolResultText(s string) ToolResultContent { return ToolResultContent{Text: &s} }

func (c ToolResultContent) MarshalJSON() ([]byte, error) {
	switch {
	case c.Text != nil:
		return json.Marshal(map[string]string{"Text": *c.Text})
	case c.Image != nil:
		return json.Marshal(map[string]*ImageBlock{"Image": c.Image})
	default:
		return json.Marshal(map[string]string{"Text": ""})
	}
}

func (c *ToolResultContent) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Text  *string     `json:"Text"`
		Image *ImageBlock `json:"Image"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	*c = ToolResultContent{Text: tagged.Text, Image: tagged.Image}
	return nil
}

// ToolResult is the recorded outcome of one tool call. Merging an update
// with the same id replaces the fields the update sets and preserves the
// rest.
type ToolResult struct {
	ToolUseID string            `json:"tool_use_id"`
	ToolName  string            `json:"tool_name"`
	IsError   bool              `json:"is_error"`
	Content   ToolResultContent `json:"content"`
	Output    any               `json:"output,omitempty"`
}
