package output

import (
	"io"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/eventlog"
)

// Context identifies the session a formatter is rendering for.
type Context struct {
	SessionID      string `json:"session_id,omitempty"`
	ACPSessionID   string `json:"acp_session_id,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
	NextSeq        int64  `json:"next_seq,omitempty"`
}

// Formatter renders the streamed turn for one CLI invocation. Implementations
// are single-consumer; the core calls them from one goroutine.
type Formatter interface {
	SetContext(ctx Context)
	OnEvent(e eventlog.Event)
	OnSessionUpdate(n agent.Notification)
	OnClientOperation(op agent.ClientOperation)
	OnError(e *Error)
	OnDone(stopReason string)
	Flush() error
}

// NewFormatter returns the formatter for a --format value.
func NewFormatter(format string, stdout, stderr io.Writer) (Formatter, error) {
	switch format {
	case "", "text":
		return NewText(stdout, stderr), nil
	case "jsonl":
		return NewJSONL(stdout), nil
	case "quiet":
		return NewQuiet(stdout, stderr), nil
	default:
		return nil, Newf(CodeUsage, OriginCLI, "unknown format %q (want text, jsonl, or quiet)", format)
	}
}
