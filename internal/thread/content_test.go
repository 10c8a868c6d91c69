package thread

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTagging(t *testing.T) {
	t.Run("resume sentinel is a bare string", func(t *testing.T) {
		data, err := json.Marshal(Message{Resume: true})
		require.NoError(t, err)
		assert.Equal(t, `"Resume"`, string(data))

		var m Message
		require.NoError(t, json.Unmarshal(data, &m))
		assert.True(t, m.Resume)
	})

	t.Run("user and agent messages are externally tagged", func(t *testing.T) {
		msg := Message{Agent: &AgentMessage{Content: []AgentContent{AgentText("hi")}}}
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.JSONEq(t, `{"Agent":{"content":[{"Text":"hi"}]}}`, string(data))

		var back Message
		require.NoError(t, json.Unmarshal(data, &back))
		require.NotNil(t, back.Agent)
		require.Len(t, back.Agent.Content, 1)
		assert.Equal(t, "hi", *back.Agent.Content[0].Text)
	})

	t.Run("unknown sentinel is rejected", func(t *testing.T) {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(`"Pause"`), &m))
	})

	t.Run("empty object is rejected", func(t *testing.T) {
		var m Message
		assert.Error(t, json.Unmarshal([]byte(`{}`), &m))
	})
}

func TestToolUseBlockJSON(t *testing.T) {
	block := AgentContent{ToolUse: &ToolUseBlock{
		ID:              "tc-1",
		Name:            "read",
		RawInput:        `{"path":"a.go"}`,
		IsInputComplete: true,
	}}
	data, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ToolUse":{"id":"tc-1","name":"read","raw_input":"{\"path\":\"a.go\"}","is_input_complete":true}}`, string(data))
}
