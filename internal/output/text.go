package output

import (
	"fmt"
	"io"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/eventlog"
)

// Text streams agent message text to stdout as it arrives and puts
// everything else (thoughts, tool calls, operations, errors) on stderr as
// one-liners.
type Text struct {
	stdout io.Writer
	stderr io.Writer

	ctx         Context
	needNewline bool
}

// NewText builds the default human-readable formatter.
func NewText(stdout, stderr io.Writer) *Text {
	return &Text{stdout: stdout, stderr: stderr}
}

func (f *Text) SetContext(ctx Context) { f.ctx = ctx }

func (f *Text) OnEvent(e eventlog.Event) {
	switch e.Type {
	case eventlog.TypeOutputDelta:
		kind, _ := e.Data["kind"].(string)
		text, _ := e.Data["text"].(string)
		if kind == eventlog.DeltaKindMessage {
			f.writeText(text)
		} else {
			fmt.Fprintf(f.stderr, "[thought] %s\n", text)
		}
	case eventlog.TypeToolCall:
		fmt.Fprintf(f.stderr, "[tool] %s\n", summarizeToolCall(e.Data))
	case eventlog.TypeError:
		msg, _ := e.Data["message"].(string)
		fmt.Fprintf(f.stderr, "[error] %s\n", msg)
	case eventlog.TypeTurnDone:
		// Rendered via OnDone for live turns; replay shows the stop reason.
		if reason, ok := e.Data["stop_reason"].(string); ok {
			f.finishLine()
			fmt.Fprintf(f.stderr, "[done] %s\n", reason)
		}
	}
}

func (f *Text) OnSessionUpdate(n agent.Notification) {
	switch {
	case n.AgentMessageChunk != nil:
		f.writeText(n.AgentMessageChunk.Text)
	case n.AgentThoughtChunk != nil:
		fmt.Fprintf(f.stderr, "[thought] %s\n", n.AgentThoughtChunk.Text)
	case n.ToolCall != nil:
		fmt.Fprintf(f.stderr, "[tool] %s\n", toolCallLine(*n.ToolCall))
	case n.ToolCallUpdate != nil && n.ToolCallUpdate.Status != nil:
		fmt.Fprintf(f.stderr, "[tool] %s -> %s\n", n.ToolCallUpdate.ToolCallID, *n.ToolCallUpdate.Status)
	case n.Plan != nil:
		for _, entry := range n.Plan.Entries {
			fmt.Fprintf(f.stderr, "[plan] %s (%s)\n", entry.Content, entry.Status)
		}
	case n.CurrentModeUpdate != nil:
		fmt.Fprintf(f.stderr, "[mode] %s\n", n.CurrentModeUpdate.ModeID)
	}
}

func (f *Text) OnClientOperation(op agent.ClientOperation) {
	if op.Outcome != "" {
		fmt.Fprintf(f.stderr, "[%s] %s: %s\n", op.Kind, op.Title, op.Outcome)
		return
	}
	fmt.Fprintf(f.stderr, "[%s] %s\n", op.Kind, op.Title)
}

func (f *Text) OnError(e *Error) {
	f.finishLine()
	fmt.Fprintf(f.stderr, "error: %s\n", e.Error())
}

func (f *Text) OnDone(stopReason string) {
	f.finishLine()
	if stopReason != agent.StopReasonEndTurn {
		fmt.Fprintf(f.stderr, "[done] %s\n", stopReason)
	}
}

func (f *Text) Flush() error {
	f.finishLine()
	return nil
}

func (f *Text) writeText(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(f.stdout, text)
	f.needNewline = text[len(text)-1] != '\n'
}

// finishLine terminates a partial stdout line before stderr annotations or
// exit so the shell prompt does not collide with streamed text.
func (f *Text) finishLine() {
	if f.needNewline {
		fmt.Fprintln(f.stdout)
		f.needNewline = false
	}
}

func toolCallLine(u agent.ToolCallUpdate) string {
	name := u.ToolCallID
	if u.Title != nil && *u.Title != "" {
		name = *u.Title
	} else if u.Kind != nil && *u.Kind != "" {
		name = *u.Kind
	}
	if u.Status != nil {
		return fmt.Sprintf("%s (%s)", name, *u.Status)
	}
	return name
}

func summarizeToolCall(data map[string]any) string {
	update, ok := data["update"].(map[string]any)
	if !ok {
		return "tool_call"
	}
	if title, ok := update["title"].(string); ok && title != "" {
		return title
	}
	if id, ok := update["tool_call_id"].(string); ok {
		return id
	}
	return "tool_call"
}
