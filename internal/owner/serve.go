package owner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/sebastianm/acpx/internal/eventlog"
	"github.com/sebastianm/acpx/internal/output"
	"github.com/sebastianm/acpx/internal/queue"
)

func (r *run) serve(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		go r.handleConn(ctx, queue.NewConn(conn))
	}
}

// handleConn serves exactly one request. Prompts enter the FIFO; control
// requests run immediately against the turn controller. A malformed line
// fails only this connection, never the owner.
func (r *run) handleConn(ctx context.Context, conn *queue.Conn) {
	req, err := conn.ReadRequest()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			conn.Write(queue.Message{
				Type:      queue.MessageError,
				RequestID: "unknown",
				Error: &queue.WireError{
					Code:       string(output.CodeUsage),
					DetailCode: output.DetailProtocolInvalidJSON,
					Origin:     string(output.OriginQueue),
					Message:    err.Error(),
				},
			})
		}
		conn.Close()
		return
	}

	if err := conn.Write(queue.Message{Type: queue.MessageAccepted, RequestID: req.RequestID}); err != nil {
		conn.Close()
		return
	}

	switch req.Type {
	case queue.RequestSubmitPrompt:
		r.handleSubmit(req, conn)
	case queue.RequestCancelPrompt:
		r.handleCancel(req, conn)
	case queue.RequestSetMode:
		r.handleSetMode(ctx, req, conn)
	case queue.RequestSetConfigOption:
		r.handleSetConfigOption(ctx, req, conn)
	}
}

func (r *run) handleSubmit(req queue.Request, conn *queue.Conn) {
	wait := req.WaitForCompletion != nil && *req.WaitForCompletion
	t := &task{req: req}
	if wait {
		t.send = func(msg queue.Message) { conn.Write(msg) }
		t.close = func() { conn.Close() }
	} else {
		// The submitter only wanted the ack; release its connection now.
		t.send = func(queue.Message) {}
		t.close = func() {}
		defer conn.Close()
	}

	r.appendEvents(false, eventlog.Draft{
		Type:      eventlog.TypePromptQueued,
		RequestID: req.RequestID,
		Data:      map[string]any{"message": *req.Message},
	})
	if !r.tasks.Push(t) {
		shuttingDown := output.New(output.CodeRuntime, output.OriginQueue, "queue owner is shutting down").
			WithDetail(output.DetailOwnerShuttingDown)
		conn.Write(queue.Message{Type: queue.MessageError, RequestID: req.RequestID, Error: output.ToWire(shuttingDown)})
		conn.Close()
	}
}

func (r *run) handleCancel(req queue.Request, conn *queue.Conn) {
	defer conn.Close()

	r.appendEvents(false, eventlog.Draft{Type: eventlog.TypeCancelRequested, RequestID: req.RequestID})
	cancelled := r.controller.RequestCancel()
	r.appendEvents(true, eventlog.Draft{
		Type:      eventlog.TypeCancelResult,
		RequestID: req.RequestID,
		Data:      map[string]any{"cancelled": cancelled},
	})
	conn.Write(queue.Message{Type: queue.MessageCancelResult, RequestID: req.RequestID, Cancelled: &cancelled})
}

func (r *run) handleSetMode(ctx context.Context, req queue.Request, conn *queue.Conn) {
	defer conn.Close()

	if err := r.controller.SetSessionMode(ctx, *req.ModeID, requestTimeout(req)); err != nil {
		conn.Write(queue.Message{Type: queue.MessageError, RequestID: req.RequestID, Error: controlError(err)})
		return
	}
	r.appendEvents(true, eventlog.Draft{
		Type:      eventlog.TypeModeSet,
		RequestID: req.RequestID,
		Data:      map[string]any{"mode_id": *req.ModeID},
	})
	conn.Write(queue.Message{Type: queue.MessageSetModeResult, RequestID: req.RequestID, ModeID: *req.ModeID})
}

func (r *run) handleSetConfigOption(ctx context.Context, req queue.Request, conn *queue.Conn) {
	defer conn.Close()

	var value any
	if err := json.Unmarshal(*req.Value, &value); err != nil {
		conn.Write(queue.Message{Type: queue.MessageError, RequestID: req.RequestID, Error: &queue.WireError{
			Code:       string(output.CodeUsage),
			DetailCode: output.DetailProtocolInvalidJSON,
			Origin:     string(output.OriginQueue),
			Message:    "config option value is not valid JSON: " + err.Error(),
		}})
		return
	}

	response, err := r.controller.SetSessionConfigOption(ctx, *req.ConfigID, value, requestTimeout(req))
	if err != nil {
		conn.Write(queue.Message{Type: queue.MessageError, RequestID: req.RequestID, Error: controlError(err)})
		return
	}
	r.appendEvents(true, eventlog.Draft{
		Type:      eventlog.TypeConfigSet,
		RequestID: req.RequestID,
		Data:      map[string]any{"config_id": *req.ConfigID, "value": value},
	})
	conn.Write(queue.Message{Type: queue.MessageSetConfigOptionResult, RequestID: req.RequestID, Response: response})
}

func requestTimeout(req queue.Request) time.Duration {
	if req.TimeoutMs != nil && *req.TimeoutMs > 0 {
		return time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	return 0
}

func controlError(err error) *queue.WireError {
	e := output.FromAgentError(err)
	if e.DetailCode == "" {
		e.DetailCode = output.DetailControlRequestFailed
	}
	return output.ToWire(e)
}
