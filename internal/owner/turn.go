package owner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/eventlog"
	"github.com/sebastianm/acpx/internal/output"
	"github.com/sebastianm/acpx/internal/procutil"
	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/session"
	"github.com/sebastianm/acpx/internal/thread"
)

const pendingCancelPoll = 15 * time.Millisecond

// runPrompt drives one submit_prompt task through a full turn: connect,
// prompt, stream, project, persist, reply.
func (r *run) runPrompt(ctx context.Context, t *task) {
	defer t.close()
	reqID := t.req.RequestID

	if err := r.controller.BeginTurn(); err != nil {
		r.failTask(t, output.New(output.CodeRuntime, output.OriginQueue, err.Error()).
			WithDetail(output.DetailOwnerShuttingDown))
		return
	}
	defer r.controller.EndTurn()

	conn, sessionID, load, err := r.ensureConnection(ctx)
	if err != nil {
		e := output.FromAgentError(err)
		if e.Origin == "" {
			e.Origin = output.OriginRuntime
		}
		r.failTask(t, e)
		return
	}

	mode := effectiveMode(t.req)
	conn.SetPermissionMode(mode)

	message := *t.req.Message
	r.appendEvents(true, eventlog.Draft{
		Type:      eventlog.TypeTurnStarted,
		RequestID: reqID,
		Data:      map[string]any{"message": message, "permission_mode": string(mode)},
	})

	sink := &turnSink{r: r, t: t, requestID: reqID, proj: r.rec.Projection().Clone()}
	r.setSink(sink)
	defer r.setSink(nil)

	r.controller.BindController(conn, sessionID)

	timeout := r.cfg.Timeouts.Prompt.Std()
	if reqTimeout := requestTimeout(t.req); reqTimeout > 0 {
		timeout = reqTimeout
	}
	promptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.controller.MarkPromptActive(); err != nil {
		r.log.Warn("turn state out of step", "error", err)
	}
	stopPoll := r.pollPendingCancel()
	result, promptErr := conn.Prompt(promptCtx, sessionID, message)
	stopPoll()

	// Projection changes become visible only once the turn is over.
	r.logMu.Lock()
	r.rec.SetProjection(sink.projection())
	now := time.Now().UTC()
	r.rec.LastPromptAt = &now
	r.logMu.Unlock()

	if promptErr != nil {
		r.handlePromptError(t, promptErr)
		return
	}

	stats := conn.PermissionStats()
	r.appendEvents(true, eventlog.Draft{
		Type:      eventlog.TypeTurnDone,
		RequestID: reqID,
		Data: map[string]any{
			"stop_reason":      result.StopReason,
			"permission_stats": toMap(stats),
		},
	})

	t.send(queue.Message{Type: queue.MessageDone, RequestID: reqID, StopReason: result.StopReason})
	t.send(queue.Message{Type: queue.MessageResult, RequestID: reqID, Result: &queue.SendResult{
		SessionID:       r.rec.ID,
		ACPSessionID:    r.rec.ACPSessionID,
		AgentSessionID:  r.rec.AgentSessionID,
		StopReason:      result.StopReason,
		Resumed:         load.Resumed,
		LoadError:       load.LoadError,
		LastSeq:         r.rec.LastSeq,
		PermissionStats: &stats,
	}})
}

func (r *run) handlePromptError(t *task, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// Timeouts are surfaced, never logged as error events.
		r.failTask(t, output.New(output.CodeTimeout, output.OriginRuntime, "prompt timed out"))
	case errors.Is(err, context.Canceled):
		r.failTask(t, output.New(output.CodeRuntime, output.OriginQueue, "queue owner is shutting down").
			WithDetail(output.DetailOwnerShuttingDown))
	default:
		e := output.FromAgentError(err)
		if e.DetailCode == "" {
			e.DetailCode = output.DetailRuntimePromptFailed
		}
		r.appendEvents(true, eventlog.Draft{
			Type:      eventlog.TypeError,
			RequestID: t.req.RequestID,
			Data:      map[string]any{"code": string(e.Code), "message": e.Message},
		})
		r.failTask(t, e)
	}
}

func (r *run) failTask(t *task, e *output.Error) {
	t.send(queue.Message{Type: queue.MessageError, RequestID: t.req.RequestID, Error: output.ToWire(e)})
}

// pollPendingCancel applies a cancel held from before the prompt went active
// as soon as the connection reports an active prompt. Stops itself once a
// cancel has been dispatched.
func (r *run) pollPendingCancel() func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pendingCancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if r.controller.ApplyPendingCancel() {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// ensureConnection returns the cached live agent connection, respawning and
// re-resolving the session when the agent exited since the last turn.
func (r *run) ensureConnection(ctx context.Context) (agent.Connection, string, session.LoadOutcome, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn != nil {
		snap := r.conn.LifecycleSnapshot()
		if snap.LastExit == nil && procutil.Alive(snap.Pid) {
			return r.conn, r.session, r.load, nil
		}
		if snap.LastExit != nil {
			r.logMu.Lock()
			r.rec.LastAgentDisconnectReason = snap.LastExit.Reason
			r.logMu.Unlock()
			r.log.Warn("agent connection lost", "reason", snap.LastExit.Reason)
		}
		r.conn.Close()
		r.conn = nil
	}

	conn, err := r.factory(r.rec.AgentCommand, r.rec.Cwd, r.onNotification, r.onOperation)
	if err != nil {
		return nil, "", session.LoadOutcome{}, err
	}
	out, err := session.ConnectAndLoad(ctx, conn, r.rec, r.cfg.Timeouts.Connect.Std(), r.checkpoint, r.log)
	if err != nil {
		conn.Close()
		return nil, "", session.LoadOutcome{}, err
	}

	r.conn = conn
	r.session = out.SessionID
	r.load = out
	r.appendEvents(false, eventlog.Draft{
		Type: eventlog.TypeSessionEnsured,
		Data: map[string]any{"created": !out.Resumed},
	})
	return conn, out.SessionID, out, nil
}

// directFallback serves mode/config changes arriving while no prompt is
// active, using the owner's cached connection.
type directFallback struct {
	r *run
}

func (f directFallback) SetSessionMode(ctx context.Context, modeID string) error {
	conn, sessionID, _, err := f.r.ensureConnection(ctx)
	if err != nil {
		return err
	}
	return conn.SetSessionMode(ctx, sessionID, modeID)
}

func (f directFallback) SetSessionConfigOption(ctx context.Context, configID string, value any) (map[string]any, error) {
	conn, sessionID, _, err := f.r.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.SetSessionConfigOption(ctx, sessionID, configID, value)
}

// effectiveMode resolves the permission policy for a prompt. Ask is headless
// here, so an explicit non-interactive preference takes its place.
func effectiveMode(req queue.Request) agent.PermissionMode {
	mode := agent.PermissionModeAsk
	if req.PermissionMode != nil {
		if parsed, ok := agent.ParsePermissionMode(*req.PermissionMode); ok {
			mode = parsed
		}
	}
	if mode == agent.PermissionModeAsk && req.NonInteractivePermissions != nil {
		if parsed, ok := agent.ParsePermissionMode(*req.NonInteractivePermissions); ok {
			mode = parsed
		}
	}
	return mode
}

// turnSink receives the active turn's stream: it projects notifications onto
// a cloned thread, drafts event-log entries, and forwards messages to the
// submitter.
type turnSink struct {
	r         *run
	t         *task
	requestID string

	mu   sync.Mutex
	proj *thread.Projection
}

func (s *turnSink) notify(n agent.Notification) {
	s.mu.Lock()
	s.proj.Apply(n)
	s.mu.Unlock()

	draft := notificationDraft(n)
	draft.RequestID = s.requestID
	s.r.appendEvents(false, draft)

	s.t.send(queue.Message{Type: queue.MessageSessionUpdate, RequestID: s.requestID, Notification: &n})
}

func (s *turnSink) operation(op agent.ClientOperation) {
	s.mu.Lock()
	s.proj.ApplyOperation(op)
	s.mu.Unlock()

	s.r.appendEvents(false, eventlog.Draft{
		Type:      eventlog.TypeClientOperation,
		RequestID: s.requestID,
		Data:      map[string]any{"operation": toMap(op)},
	})

	s.t.send(queue.Message{Type: queue.MessageClientOperation, RequestID: s.requestID, Operation: &op})
}

func (s *turnSink) projection() *thread.Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proj
}

// notificationDraft maps a notification to its event-log entry. Message and
// thought chunks get the compact output_delta form; tool calls and plans
// keep their typed shape; everything else lands as a generic update.
func notificationDraft(n agent.Notification) eventlog.Draft {
	switch {
	case n.AgentMessageChunk != nil:
		return eventlog.Draft{Type: eventlog.TypeOutputDelta, Data: map[string]any{
			"kind": eventlog.DeltaKindMessage,
			"text": n.AgentMessageChunk.Text,
		}}
	case n.AgentThoughtChunk != nil:
		return eventlog.Draft{Type: eventlog.TypeOutputDelta, Data: map[string]any{
			"kind": eventlog.DeltaKindThought,
			"text": n.AgentThoughtChunk.Text,
		}}
	case n.ToolCall != nil:
		return eventlog.Draft{Type: eventlog.TypeToolCall, Data: map[string]any{"update": toMap(n.ToolCall)}}
	case n.ToolCallUpdate != nil:
		return eventlog.Draft{Type: eventlog.TypeToolCall, Data: map[string]any{"update": toMap(n.ToolCallUpdate)}}
	case n.Plan != nil:
		entries, _ := toMap(n.Plan)["entries"].([]any)
		if entries == nil {
			entries = []any{}
		}
		return eventlog.Draft{Type: eventlog.TypePlan, Data: map[string]any{"entries": entries}}
	default:
		return eventlog.Draft{Type: eventlog.TypeUpdate, Data: map[string]any{"update": toMap(n)}}
	}
}

// toMap renders a typed value the way it will be persisted.
func toMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
