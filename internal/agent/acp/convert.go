package acpconn

import (
	"encoding/json"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/agent"
)

// convertNotification maps the SDK session/update union onto the normalized
// notification. Updates with no recognized variant and no usage metadata are
// dropped.
func convertNotification(n acp.SessionNotification) (agent.Notification, bool) {
	out := agent.Notification{
		Timestamp: time.Now().UTC(),
		Raw:       toOpaqueMap(n.Update),
	}

	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		out.AgentMessageChunk = &agent.TextChunk{Text: contentText(u.AgentMessageChunk.Content)}
	case u.AgentThoughtChunk != nil:
		out.AgentThoughtChunk = &agent.TextChunk{Text: contentText(u.AgentThoughtChunk.Content)}
	case u.UserMessageChunk != nil:
		out.UserMessageChunk = convertUserChunk(u.UserMessageChunk.Content)
	case u.ToolCall != nil:
		tc := u.ToolCall
		update := &agent.ToolCallUpdate{
			ToolCallID: string(tc.ToolCallId),
			RawInput:   tc.RawInput,
		}
		if tc.Title != "" {
			title := tc.Title
			update.Title = &title
		}
		if tc.Kind != "" {
			kind := string(tc.Kind)
			update.Kind = &kind
		}
		if tc.Status != "" {
			status := string(tc.Status)
			update.Status = &status
		}
		out.ToolCall = update
	case u.ToolCallUpdate != nil:
		tc := u.ToolCallUpdate
		update := &agent.ToolCallUpdate{
			ToolCallID: string(tc.ToolCallId),
			RawOutput:  tc.RawOutput,
		}
		if tc.Title != nil {
			title := *tc.Title
			update.Title = &title
		}
		if tc.Kind != nil {
			kind := string(*tc.Kind)
			update.Kind = &kind
		}
		if tc.Status != nil {
			status := string(*tc.Status)
			update.Status = &status
		}
		out.ToolCallUpdate = update
	case u.Plan != nil:
		plan := &agent.PlanUpdate{Entries: make([]agent.PlanEntry, 0, len(u.Plan.Entries))}
		for _, e := range u.Plan.Entries {
			plan.Entries = append(plan.Entries, agent.PlanEntry{
				Content:  e.Content,
				Priority: string(e.Priority),
				Status:   string(e.Status),
			})
		}
		out.Plan = plan
	case u.AvailableCommandsUpdate != nil:
		names := make([]string, 0, len(u.AvailableCommandsUpdate.AvailableCommands))
		for _, cmd := range u.AvailableCommandsUpdate.AvailableCommands {
			names = append(names, cmd.Name)
		}
		out.AvailableCommandsUpdate = &agent.AvailableCommandsUpdate{Names: names}
	case u.CurrentModeUpdate != nil:
		out.CurrentModeUpdate = &agent.CurrentModeUpdate{
			ModeID: string(u.CurrentModeUpdate.CurrentModeId),
		}
	default:
		if usage := usageFromMeta(n.Meta); usage != nil {
			out.UsageUpdate = usage
			return out, true
		}
		return agent.Notification{}, false
	}

	// Usage metadata can ride along on any update variant, not only on
	// otherwise-empty ones.
	out.UsageUpdate = usageFromMeta(n.Meta)

	return out, true
}

func contentText(c acp.ContentBlock) string {
	if c.Text != nil {
		return c.Text.Text
	}
	return ""
}

// convertUserChunk keeps text chunks as text and everything else (resource
// mentions) as an opaque payload for the projection to interpret.
func convertUserChunk(c acp.ContentBlock) *agent.UserChunk {
	if c.Text != nil {
		return &agent.UserChunk{Text: c.Text.Text}
	}
	m := toOpaqueMap(c)
	if res, ok := m["resource"].(map[string]any); ok {
		return &agent.UserChunk{Resource: res}
	}
	return &agent.UserChunk{Resource: m}
}

// usageFromMeta extracts token usage from _meta.usage. Agents differ on key
// names for cache counters, so the known aliases are folded in.
func usageFromMeta(meta any) *agent.UsageUpdate {
	m, ok := meta.(map[string]any)
	if !ok {
		return nil
	}
	usage, ok := m["usage"].(map[string]any)
	if !ok {
		return nil
	}

	out := &agent.UsageUpdate{
		InputTokens:  metaInt(usage, "inputTokens", "input_tokens"),
		OutputTokens: metaInt(usage, "outputTokens", "output_tokens"),
		CacheCreationInputTokens: metaInt(usage,
			"cacheCreationInputTokens", "cache_creation_input_tokens", "cachedWriteTokens"),
		CacheReadInputTokens: metaInt(usage,
			"cacheReadInputTokens", "cache_read_input_tokens", "cachedReadTokens"),
	}
	if out.Empty() {
		return nil
	}
	return out
}

func metaInt(m map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			i := int64(n)
			return &i
		case int64:
			i := n
			return &i
		case int:
			i := int64(n)
			return &i
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return &i
			}
		}
	}
	return nil
}

// stopReasonOrDefault normalizes empty stop reasons to end_turn.
func stopReasonOrDefault(s string) string {
	if strings.TrimSpace(s) == "" {
		return agent.StopReasonEndTurn
	}
	return s
}
