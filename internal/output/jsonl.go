package output

import (
	"encoding/json"
	"io"
	"time"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/eventlog"
)

// JSONL writes one envelope per line: machine-readable output for scripting.
// Envelope kinds mirror the IPC stream: context, event, session_update,
// client_operation, error, done.
type JSONL struct {
	enc *json.Encoder
	ctx Context
}

// NewJSONL builds the line-oriented JSON formatter.
func NewJSONL(w io.Writer) *JSONL {
	return &JSONL{enc: json.NewEncoder(w)}
}

type jsonlEnvelope struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Context         *Context               `json:"context,omitempty"`
	Event           *eventlog.Event        `json:"event,omitempty"`
	SessionUpdate   *agent.Notification    `json:"session_update,omitempty"`
	ClientOperation *agent.ClientOperation `json:"client_operation,omitempty"`
	Error           *Error                 `json:"error,omitempty"`
	StopReason      string                 `json:"stop_reason,omitempty"`
}

func (f *JSONL) emit(env jsonlEnvelope) {
	env.Timestamp = time.Now().UTC()
	_ = f.enc.Encode(env)
}

func (f *JSONL) SetContext(ctx Context) {
	f.ctx = ctx
	f.emit(jsonlEnvelope{Kind: "context", Context: &ctx})
}

func (f *JSONL) OnEvent(e eventlog.Event) {
	f.emit(jsonlEnvelope{Kind: "event", Event: &e})
}

func (f *JSONL) OnSessionUpdate(n agent.Notification) {
	f.emit(jsonlEnvelope{Kind: "session_update", SessionUpdate: &n})
}

func (f *JSONL) OnClientOperation(op agent.ClientOperation) {
	f.emit(jsonlEnvelope{Kind: "client_operation", ClientOperation: &op})
}

func (f *JSONL) OnError(e *Error) {
	f.emit(jsonlEnvelope{Kind: "error", Error: e})
}

func (f *JSONL) OnDone(stopReason string) {
	f.emit(jsonlEnvelope{Kind: "done", StopReason: stopReason})
}

func (f *JSONL) Flush() error { return nil }
