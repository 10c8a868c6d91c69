package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/store"
	"github.com/sebastianm/acpx/internal/thread"
)

func TestRecordKeyPolicy(t *testing.T) {
	record := &store.SessionRecord{
		ID:           "sess-1",
		AgentCommand: "mock-agent",
		Cwd:          "/work",
		CreatedAt:    time.Now().UTC(),
		LastUsedAt:   time.Now().UTC(),
		AgentCapabilities: map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]any{
				"embeddedContext": true,
			},
		},
	}
	record.Thread = &thread.Thread{
		Messages: []thread.Message{
			{User: &thread.UserMessage{ID: "u1", Content: []thread.UserContent{thread.UserText("hi")}}},
			{Agent: &thread.AgentMessage{
				Content: []thread.AgentContent{
					{ToolUse: &thread.ToolUseBlock{
						ID:    "tc-1",
						Name:  "read",
						Input: map[string]any{"filePath": "main.go"},
					}},
				},
				ToolResults: map[string]thread.ToolResult{
					"tc-1": {
						ToolUseID: "tc-1",
						ToolName:  "read",
						Content:   thread.ToolResultText("ok"),
						Output:    map[string]any{"exitCode": 0},
					},
				},
			}},
		},
		RequestTokenUsage: map[string]thread.TokenUsage{
			"u1": {InputTokens: 10},
		},
		Model: map[string]any{"modelId": "fast"},
	}
	record.Acpx = &thread.Aux{
		ConfigOptions: []map[string]any{{"optionId": "model"}},
		Audit:         thread.NewAuditRing(0),
	}
	record.Acpx.Audit.Push(thread.AuditEvent{
		Type:   "tool_call",
		Update: map[string]any{"toolCallId": "tc-1"},
		Meta:   map[string]any{"agentSessionId": "inner"},
	})

	t.Run("exempted paths tolerate camelCase", func(t *testing.T) {
		assert.NoError(t, CheckKeys(record, RecordKeyPolicy))
	})

	t.Run("camelCase outside exemptions fails", func(t *testing.T) {
		err := CheckKeys(map[string]any{"lastUsedAt": "x"}, RecordKeyPolicy)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "snake_case")
	})

	t.Run("_meta outside the audit log fails", func(t *testing.T) {
		err := CheckKeys(map[string]any{"thread": map[string]any{"_meta": 1}}, RecordKeyPolicy)
		assert.Error(t, err)
	})
}

func TestEventKeyPolicy(t *testing.T) {
	t.Run("opaque data paths tolerate camelCase", func(t *testing.T) {
		e := map[string]any{
			"schema": Schema,
			"type":   TypeUpdate,
			"data": map[string]any{
				"update": map[string]any{"sessionUpdate": "agent_message_chunk"},
			},
		}
		assert.NoError(t, CheckKeys(e, EventKeyPolicy))
	})

	t.Run("camelCase in non-opaque data fails", func(t *testing.T) {
		e := map[string]any{
			"data": map[string]any{"stopReason": "end_turn"},
		}
		assert.Error(t, CheckKeys(e, EventKeyPolicy))
	})
}
