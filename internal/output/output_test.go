package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/eventlog"
	"github.com/sebastianm/acpx/internal/queue"
)

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		code    Code
		jsonrpc int
		exit    int
	}{
		{CodeNoSession, -32002, 4},
		{CodeTimeout, -32070, 3},
		{CodePermissionDenied, -32071, 5},
		{CodePermissionPromptUnavailable, -32072, 5},
		{CodeRuntime, -32603, 1},
		{CodeUsage, -32602, 2},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			e := New(tc.code, OriginRuntime, "boom")
			assert.Equal(t, tc.jsonrpc, e.JSONRPCCode())
			assert.Equal(t, tc.exit, e.ExitCode())
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, 0, ExitCodeFor(nil))
	assert.Equal(t, 130, ExitCodeFor(ErrInterrupted))
	assert.Equal(t, 130, ExitCodeFor(fmt.Errorf("wrapped: %w", ErrInterrupted)))
	assert.Equal(t, 4, ExitCodeFor(New(CodeNoSession, OriginCLI, "gone")))
	assert.Equal(t, 1, ExitCodeFor(errors.New("plain")))
}

func TestWireRoundTrip(t *testing.T) {
	retryable := true
	e := &Error{
		Code:       CodeTimeout,
		DetailCode: DetailControlRequestFailed,
		Origin:     OriginQueue,
		Message:    "deadline elapsed",
		Retryable:  &retryable,
	}

	back := FromWire(ToWire(e))
	assert.Equal(t, e.Code, back.Code)
	assert.Equal(t, e.DetailCode, back.DetailCode)
	assert.Equal(t, e.Origin, back.Origin)
	assert.Equal(t, e.Message, back.Message)
	require.NotNil(t, back.Retryable)
	assert.True(t, *back.Retryable)
}

func TestFromWireUnknownCodeFallsBackToRuntime(t *testing.T) {
	e := FromWire(&queue.WireError{Code: "EXOTIC", Message: "?"})
	assert.Equal(t, CodeRuntime, e.Code)
	assert.Equal(t, OriginQueue, e.Origin)

	assert.Equal(t, CodeRuntime, FromWire(nil).Code)
}

func TestFromAgentError(t *testing.T) {
	t.Run("session not found", func(t *testing.T) {
		err := &agent.RPCError{Code: agent.CodeResourceNotFound, Message: "Resource not found"}
		e := FromAgentError(err)
		assert.Equal(t, CodeNoSession, e.Code)
		assert.Equal(t, OriginACP, e.Origin)
		assert.NotNil(t, e.ACP)
	})

	t.Run("auth required", func(t *testing.T) {
		err := &agent.RPCError{Code: agent.CodeAuthRequired, Message: "auth required"}
		e := FromAgentError(err)
		assert.Equal(t, DetailAuthRequired, e.DetailCode)
	})

	t.Run("typed error passes through", func(t *testing.T) {
		orig := New(CodeTimeout, OriginRuntime, "slow")
		assert.Same(t, orig, FromAgentError(fmt.Errorf("wrap: %w", orig)))
	})

	t.Run("plain error is runtime", func(t *testing.T) {
		e := FromAgentError(errors.New("kaboom"))
		assert.Equal(t, CodeRuntime, e.Code)
	})
}

func chunk(text string) agent.Notification {
	return agent.Notification{AgentMessageChunk: &agent.TextChunk{Text: text}}
}

func TestTextFormatter(t *testing.T) {
	var stdout, stderr bytes.Buffer
	f := NewText(&stdout, &stderr)
	f.SetContext(Context{SessionID: "rec-1"})

	f.OnSessionUpdate(chunk("Hello, "))
	f.OnSessionUpdate(chunk("world"))
	f.OnSessionUpdate(agent.Notification{AgentThoughtChunk: &agent.TextChunk{Text: "thinking"}})
	title := "Read README"
	f.OnSessionUpdate(agent.Notification{ToolCall: &agent.ToolCallUpdate{ToolCallID: "call-1", Title: &title}})
	f.OnClientOperation(agent.ClientOperation{Kind: agent.ClientOpPermissionRequest, Title: "Edit file", Outcome: "approved"})
	f.OnDone(agent.StopReasonEndTurn)
	require.NoError(t, f.Flush())

	assert.Equal(t, "Hello, world\n", stdout.String())
	assert.Contains(t, stderr.String(), "[thought] thinking")
	assert.Contains(t, stderr.String(), "[tool] Read README")
	assert.Contains(t, stderr.String(), "[permission_request] Edit file: approved")
	assert.NotContains(t, stderr.String(), "[done]")
}

func TestTextFormatterNonDefaultStopReason(t *testing.T) {
	var stdout, stderr bytes.Buffer
	f := NewText(&stdout, &stderr)
	f.OnDone(agent.StopReasonCancelled)
	assert.Contains(t, stderr.String(), "[done] cancelled")
}

func TestTextFormatterReplaysEvents(t *testing.T) {
	var stdout, stderr bytes.Buffer
	f := NewText(&stdout, &stderr)

	f.OnEvent(eventlog.Event{
		Type: eventlog.TypeOutputDelta,
		Data: map[string]any{"kind": eventlog.DeltaKindMessage, "text": "replayed"},
	})
	f.OnEvent(eventlog.Event{
		Type: eventlog.TypeTurnDone,
		Data: map[string]any{"stop_reason": "end_turn"},
	})

	assert.Equal(t, "replayed\n", stdout.String())
	assert.Contains(t, stderr.String(), "[done] end_turn")
}

func TestJSONLFormatter(t *testing.T) {
	var buf bytes.Buffer
	f := NewJSONL(&buf)
	f.SetContext(Context{SessionID: "rec-1", RequestID: "req-1"})
	f.OnSessionUpdate(chunk("hi"))
	f.OnError(New(CodeRuntime, OriginQueue, "boom"))
	f.OnDone("end_turn")
	require.NoError(t, f.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	kinds := make([]string, 0, len(lines))
	for _, line := range lines {
		var env map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		kind, _ := env["kind"].(string)
		kinds = append(kinds, kind)
	}
	assert.Equal(t, []string{"context", "session_update", "error", "done"}, kinds)
}

func TestQuietFormatter(t *testing.T) {
	var stdout, stderr bytes.Buffer
	f := NewQuiet(&stdout, &stderr)
	f.OnSessionUpdate(chunk("suppressed"))
	f.OnDone("end_turn")
	require.NoError(t, f.Flush())

	assert.Equal(t, "end_turn\n", stdout.String())
	assert.Empty(t, stderr.String())
}

func TestNewFormatterSelection(t *testing.T) {
	var buf bytes.Buffer
	for _, format := range []string{"", "text", "jsonl", "quiet"} {
		f, err := NewFormatter(format, &buf, &buf)
		require.NoError(t, err, format)
		require.NotNil(t, f)
	}

	_, err := NewFormatter("xml", &buf, &buf)
	require.Error(t, err)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, CodeUsage, typed.Code)
}
