package thread

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/sebastianm/acpx/internal/agent"
)

// Projection bundles the conversation thread with its auxiliary state. Turn
// processing clones the record's projection, applies notifications to the
// clone, and writes it back when the turn settles.
type Projection struct {
	Thread *Thread
	Aux    *Aux
}

// NewProjection returns an empty projection with an allocated audit ring.
func NewProjection() *Projection {
	return &Projection{Thread: &Thread{}, Aux: &Aux{Audit: NewAuditRing(0)}}
}

// Clone returns an independent copy of the projection.
func (p *Projection) Clone() *Projection {
	if p == nil {
		return NewProjection()
	}
	return &Projection{Thread: p.Thread.Clone(), Aux: p.Aux.Clone()}
}

// Apply folds one inbound notification into the projection. Every
// notification is also recorded in the audit ring, including ones whose
// variant carries no projectable state.
func (p *Projection) Apply(n agent.Notification) {
	p.audit(AuditEvent{Type: n.Type(), Update: auditPayload(n)})
	p.Thread.Touch(n.Timestamp)

	switch {
	case n.AgentMessageChunk != nil:
		p.appendAgentText(n.AgentMessageChunk.Text)
	case n.AgentThoughtChunk != nil:
		p.appendAgentThought(n.AgentThoughtChunk.Text)
	case n.UserMessageChunk != nil:
		p.appendUserChunk(*n.UserMessageChunk)
	case n.ToolCall != nil:
		p.applyToolCall(*n.ToolCall)
	case n.ToolCallUpdate != nil:
		p.applyToolCall(*n.ToolCallUpdate)
	case n.UsageUpdate != nil:
		p.applyUsage(*n.UsageUpdate)
	case n.SessionInfoUpdate != nil:
		if n.SessionInfoUpdate.Title != nil {
			p.Thread.Title = *n.SessionInfoUpdate.Title
		}
	case n.AvailableCommandsUpdate != nil:
		names := make([]string, 0, len(n.AvailableCommandsUpdate.Names))
		for _, name := range n.AvailableCommandsUpdate.Names {
			if name != "" {
				names = append(names, name)
			}
		}
		p.Aux.AvailableCommands = names
	case n.CurrentModeUpdate != nil:
		p.Aux.CurrentModeID = n.CurrentModeUpdate.ModeID
	case n.ConfigOptionUpdate != nil:
		p.Aux.ConfigOptions = cloneConfigOptions(n.ConfigOptionUpdate.ConfigOptions)
	}
}

// ApplyOperation records a client-side operation in the audit ring.
func (p *Projection) ApplyOperation(op agent.ClientOperation) {
	p.audit(AuditEvent{Type: op.Kind, Update: op})
}

func (p *Projection) audit(e AuditEvent) {
	if p.Aux.Audit == nil {
		p.Aux.Audit = NewAuditRing(0)
	}
	p.Aux.Audit.Push(e)
}

// auditPayload picks the raw wire payload when the adapter preserved one,
// otherwise the normalized variant.
func auditPayload(n agent.Notification) any {
	if n.Raw != nil {
		return n.Raw
	}
	switch {
	case n.AgentMessageChunk != nil:
		return n.AgentMessageChunk
	case n.AgentThoughtChunk != nil:
		return n.AgentThoughtChunk
	case n.UserMessageChunk != nil:
		return n.UserMessageChunk
	case n.ToolCall != nil:
		return n.ToolCall
	case n.ToolCallUpdate != nil:
		return n.ToolCallUpdate
	case n.Plan != nil:
		return n.Plan
	case n.UsageUpdate != nil:
		return n.UsageUpdate
	case n.SessionInfoUpdate != nil:
		return n.SessionInfoUpdate
	case n.AvailableCommandsUpdate != nil:
		return n.AvailableCommandsUpdate
	case n.CurrentModeUpdate != nil:
		return n.CurrentModeUpdate
	case n.ConfigOptionUpdate != nil:
		return n.ConfigOptionUpdate
	default:
		return nil
	}
}

// ensureAgentTail returns the trailing Agent message, appending one when the
// thread does not end with an agent turn.
func (p *Projection) ensureAgentTail() *AgentMessage {
	t := p.Thread
	if n := len(t.Messages); n > 0 && t.Messages[n-1].Agent != nil {
		return t.Messages[n-1].Agent
	}
	msg := &AgentMessage{}
	t.Messages = append(t.Messages, Message{Agent: msg})
	return msg
}

func (p *Projection) appendAgentText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	msg := p.ensureAgentTail()
	if n := len(msg.Content); n > 0 && msg.Content[n-1].Text != nil {
		merged := *msg.Content[n-1].Text + text
		msg.Content[n-1].Text = &merged
		return
	}
	msg.Content = append(msg.Content, AgentText(text))
}

func (p *Projection) appendAgentThought(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	msg := p.ensureAgentTail()
	if n := len(msg.Content); n > 0 && msg.Content[n-1].Thinking != nil {
		msg.Content[n-1].Thinking.Text += text
		return
	}
	msg.Content = append(msg.Content, AgentContent{Thinking: &ThinkingBlock{Text: text}})
}

func (p *Projection) appendUserChunk(chunk agent.UserChunk) {
	msg := &UserMessage{ID: uuid.NewString()}
	switch {
	case chunk.Resource != nil && chunk.Resource["type"] == "image":
		msg.Content = append(msg.Content, UserContent{Image: imageFromResource(chunk.Resource)})
	case chunk.Resource != nil:
		block := &MentionBlock{}
		if uri, ok := chunk.Resource["uri"].(string); ok {
			block.URI = uri
		}
		if text, ok := chunk.Resource["text"].(string); ok {
			block.Content = text
		}
		msg.Content = append(msg.Content, UserContent{Mention: block})
	default:
		msg.Content = append(msg.Content, UserText(chunk.Text))
	}
	p.Thread.Messages = append(p.Thread.Messages, Message{User: msg})
}

// imageFromResource builds an image block from an image content payload. The
// source is the URI when the image is referenced, the mime type when it is
// inlined; inlined data contributes its encoded length as the size.
func imageFromResource(res map[string]any) *ImageBlock {
	block := &ImageBlock{}
	if uri, ok := res["uri"].(string); ok && uri != "" {
		block.Source = uri
	} else if mime, ok := res["mimeType"].(string); ok {
		block.Source = mime
	}
	if data, ok := res["data"].(string); ok && data != "" {
		size := int64(len(data))
		block.Size = &size
	}
	return block
}

// Status substrings that mean the agent finished streaming the tool input.
var inputCompleteHints = []string{"complete", "done", "success", "failed", "error", "cancel"}

func statusMeansInputComplete(status string) bool {
	s := strings.ToLower(status)
	for _, hint := range inputCompleteHints {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

func statusMeansError(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "fail") || strings.Contains(s, "error")
}

func (p *Projection) applyToolCall(u agent.ToolCallUpdate) {
	if u.ToolCallID == "" {
		return
	}
	msg := p.ensureAgentTail()

	var block *ToolUseBlock
	for i := range msg.Content {
		if tu := msg.Content[i].ToolUse; tu != nil && tu.ID == u.ToolCallID {
			block = tu
			break
		}
	}
	if block == nil {
		block = &ToolUseBlock{ID: u.ToolCallID, Name: "tool_call"}
		msg.Content = append(msg.Content, AgentContent{ToolUse: block})
	}

	switch {
	case u.Title != nil && *u.Title != "":
		block.Name = *u.Title
	case u.Kind != nil && *u.Kind != "":
		block.Name = *u.Kind
	}
	if u.RawInput != nil {
		block.Input = u.RawInput
		block.RawInput = stringifyPayload(u.RawInput)
	}
	if u.Status != nil && statusMeansInputComplete(*u.Status) {
		block.IsInputComplete = true
	}

	if !u.HasPatch() {
		return
	}

	if msg.ToolResults == nil {
		msg.ToolResults = make(map[string]ToolResult)
	}
	result, ok := msg.ToolResults[u.ToolCallID]
	if !ok {
		result = ToolResult{ToolUseID: u.ToolCallID}
	}
	result.ToolName = block.Name
	if u.Status != nil {
		result.IsError = statusMeansError(*u.Status)
	}
	if u.RawOutput != nil {
		result.Output = u.RawOutput
		result.Content = ToolResultText(stringifyPayload(u.RawOutput))
	} else if result.Content.Text == nil && result.Content.Image == nil {
		result.Content = ToolResultText("")
	}
	msg.ToolResults[u.ToolCallID] = result
}

func (p *Projection) applyUsage(u agent.UsageUpdate) {
	if u.Empty() {
		return
	}
	usage := TokenUsage{}
	if u.InputTokens != nil {
		usage.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil {
		usage.OutputTokens = *u.OutputTokens
	}
	if u.CacheCreationInputTokens != nil {
		usage.CacheCreationInputTokens = *u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens != nil {
		usage.CacheReadInputTokens = *u.CacheReadInputTokens
	}
	p.Thread.CumulativeTokenUsage = &usage
	if id := p.Thread.LastUserID(); id != "" {
		if p.Thread.RequestTokenUsage == nil {
			p.Thread.RequestTokenUsage = make(map[string]TokenUsage)
		}
		p.Thread.RequestTokenUsage[id] = usage
	}
}

func stringifyPayload(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func cloneConfigOptions(opts []map[string]any) []map[string]any {
	if opts == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(opts))
	for _, opt := range opts {
		cloned := make(map[string]any, len(opt))
		for k, v := range opt {
			cloned[k] = v
		}
		out = append(out, cloned)
	}
	return out
}
