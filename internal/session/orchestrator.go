package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/config"
	"github.com/sebastianm/acpx/internal/eventlog"
	"github.com/sebastianm/acpx/internal/output"
	"github.com/sebastianm/acpx/internal/procutil"
	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/store"
)

const leaseRetryDelay = 50 * time.Millisecond

// Orchestrator routes session operations to a running queue owner over IPC,
// or becomes the owner itself when none is running.
type Orchestrator struct {
	cfg     *config.Config
	store   *store.Store
	leases  *queue.Manager
	factory agent.Factory
	owner   OwnerRunner
	log     *slog.Logger
}

// NewOrchestrator wires the orchestrator. The owner runner is what this
// process executes inline when it wins the queue lease.
func NewOrchestrator(cfg *config.Config, st *store.Store, leases *queue.Manager, factory agent.Factory, owner OwnerRunner, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		leases:  leases,
		factory: factory,
		owner:   owner,
		log:     log.With("component", "session"),
	}
}

// Send submits a prompt for the resolved session. With a live owner the
// prompt goes over IPC; otherwise this process acquires the lease, becomes
// the owner, and runs the prompt as the seed task of its own loop.
func (o *Orchestrator) Send(ctx context.Context, opts SendOptions) (SendOutcome, error) {
	rec, _, err := o.Ensure(ctx, EnsureOptions{
		SessionID:    opts.SessionID,
		Name:         opts.Name,
		AgentCommand: opts.AgentCommand,
		Cwd:          opts.Cwd,
	})
	if err != nil {
		return SendOutcome{}, err
	}

	req, err := submitRequest(opts)
	if err != nil {
		return SendOutcome{}, err
	}

	for {
		lease, err := o.leases.ReadLease(rec.ID)
		if err == nil && ownerReachable(lease) {
			outcome, err := o.submitToOwner(ctx, rec, lease, req, opts)
			if errors.Is(err, errOwnerGone) {
				continue
			}
			return outcome, err
		}

		capture := &seedCapture{onMessage: opts.OnMessage}
		seed := &Seed{Request: req, Deliver: capture.deliver}
		runErr := o.owner.Run(ctx, rec, seed, opts.IdleTTL)
		if errors.Is(runErr, queue.ErrLeaseHeld) {
			// Another process won the race; give its socket a moment to
			// come up and go through the IPC path.
			select {
			case <-ctx.Done():
				return SendOutcome{}, ctx.Err()
			case <-time.After(leaseRetryDelay):
			}
			continue
		}
		if runErr != nil {
			return SendOutcome{}, runErr
		}
		return capture.outcome(rec.ID, req.RequestID, opts.WaitForCompletion)
	}
}

// errOwnerGone signals that a lease looked live but its socket is dead and
// so is its pid; the caller should retry acquisition.
var errOwnerGone = errors.New("queue owner is gone")

func (o *Orchestrator) submitToOwner(ctx context.Context, rec *store.SessionRecord, lease *queue.Lease, req queue.Request, opts SendOptions) (SendOutcome, error) {
	conn, err := queue.ConnectToOwner(ctx, lease.SocketPath, lease.Pid)
	if err != nil {
		if procutil.Alive(lease.Pid) {
			return SendOutcome{}, output.Newf(output.CodeRuntime, output.OriginQueue,
				"queue owner pid %d is not accepting requests: %v", lease.Pid, err).
				WithDetail(output.DetailOwnerClosed)
		}
		return SendOutcome{}, errOwnerGone
	}
	defer conn.Close()

	if err := conn.Send(req); err != nil {
		return SendOutcome{}, output.New(output.CodeRuntime, output.OriginQueue, err.Error())
	}

	accepted := false
	for {
		msg, err := conn.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !accepted {
					return SendOutcome{}, output.New(output.CodeRuntime, output.OriginQueue,
						"queue owner closed the connection before acknowledging the request").
						WithDetail(output.DetailDisconnectedBeforeAck)
				}
				return SendOutcome{}, output.New(output.CodeRuntime, output.OriginQueue,
					"queue owner closed the connection before the prompt completed").
					WithDetail(output.DetailOwnerClosed)
			}
			return SendOutcome{}, output.New(output.CodeRuntime, output.OriginQueue, err.Error()).
				WithDetail(output.DetailProtocolInvalidJSON)
		}

		switch msg.Type {
		case queue.MessageAccepted:
			accepted = true
			if !opts.WaitForCompletion {
				return SendOutcome{Enqueued: &Enqueued{SessionID: rec.ID, RequestID: req.RequestID}}, nil
			}
		case queue.MessageSessionUpdate, queue.MessageClientOperation, queue.MessageDone:
			if opts.OnMessage != nil {
				opts.OnMessage(msg)
			}
		case queue.MessageResult:
			return SendOutcome{Result: msg.Result}, nil
		case queue.MessageError:
			return SendOutcome{}, output.FromWire(msg.Error)
		}
	}
}

// Cancel asks the running owner to cancel the active prompt. Without a
// reachable owner there is nothing to cancel and the result is false.
func (o *Orchestrator) Cancel(ctx context.Context, idOrSuffix string) (bool, error) {
	rec, err := o.resolve(idOrSuffix)
	if err != nil {
		return false, err
	}

	lease, err := o.leases.ReadLease(rec.ID)
	if err != nil || !ownerReachable(lease) {
		return false, nil
	}
	conn, err := queue.ConnectToOwner(ctx, lease.SocketPath, lease.Pid)
	if err != nil {
		return false, nil
	}
	defer conn.Close()

	req := queue.Request{Type: queue.RequestCancelPrompt, RequestID: uuid.NewString()}
	if err := conn.Send(req); err != nil {
		return false, output.New(output.CodeRuntime, output.OriginQueue, err.Error())
	}
	for {
		msg, err := conn.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, output.New(output.CodeRuntime, output.OriginQueue, err.Error())
		}
		switch msg.Type {
		case queue.MessageCancelResult:
			return msg.Cancelled != nil && *msg.Cancelled, nil
		case queue.MessageError:
			return false, output.FromWire(msg.Error)
		}
	}
}

// SetMode changes the session mode, through the running owner when there is
// one and over a dedicated short-lived connection otherwise.
func (o *Orchestrator) SetMode(ctx context.Context, idOrSuffix, modeID string, timeout time.Duration) error {
	rec, err := o.resolve(idOrSuffix)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = o.cfg.Timeouts.Control.Std()
	}

	req := queue.Request{Type: queue.RequestSetMode, RequestID: uuid.NewString(), ModeID: &modeID}
	ms := timeout.Milliseconds()
	req.TimeoutMs = &ms

	handled, _, err := o.controlViaOwner(ctx, rec, req, queue.MessageSetModeResult)
	if handled || err != nil {
		return err
	}
	return o.withDirectConnection(ctx, rec, func(opCtx context.Context, conn agent.Connection, sessionID string) error {
		return conn.SetSessionMode(opCtx, sessionID, modeID)
	}, timeout)
}

// SetConfigOption changes an agent config option, preferring the running
// owner and falling back to a dedicated connection.
func (o *Orchestrator) SetConfigOption(ctx context.Context, idOrSuffix, configID string, value json.RawMessage, timeout time.Duration) (map[string]any, error) {
	rec, err := o.resolve(idOrSuffix)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = o.cfg.Timeouts.Control.Std()
	}

	req := queue.Request{
		Type:      queue.RequestSetConfigOption,
		RequestID: uuid.NewString(),
		ConfigID:  &configID,
		Value:     &value,
	}
	ms := timeout.Milliseconds()
	req.TimeoutMs = &ms

	handled, msg, err := o.controlViaOwner(ctx, rec, req, queue.MessageSetConfigOptionResult)
	if err != nil {
		return nil, err
	}
	if handled {
		return msg.Response, nil
	}

	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return nil, output.Newf(output.CodeUsage, output.OriginCLI, "config option value is not valid JSON: %v", err)
	}
	var response map[string]any
	err = o.withDirectConnection(ctx, rec, func(opCtx context.Context, conn agent.Connection, sessionID string) error {
		response, err = conn.SetSessionConfigOption(opCtx, sessionID, configID, decoded)
		return err
	}, timeout)
	return response, err
}

// controlViaOwner runs a control request against the owner when one is
// reachable. handled=false with a nil error means no owner served it and the
// caller should fall back to a direct connection.
func (o *Orchestrator) controlViaOwner(ctx context.Context, rec *store.SessionRecord, req queue.Request, wantType string) (bool, queue.Message, error) {
	lease, err := o.leases.ReadLease(rec.ID)
	if err != nil || !ownerReachable(lease) {
		return false, queue.Message{}, nil
	}
	conn, err := queue.ConnectToOwner(ctx, lease.SocketPath, lease.Pid)
	if err != nil {
		return false, queue.Message{}, nil
	}
	defer conn.Close()

	if err := conn.Send(req); err != nil {
		return true, queue.Message{}, output.New(output.CodeRuntime, output.OriginQueue, err.Error())
	}
	for {
		msg, err := conn.Next()
		if err != nil {
			return true, queue.Message{}, output.New(output.CodeRuntime, output.OriginQueue,
				"queue owner closed the connection during a control request").
				WithDetail(output.DetailControlRequestFailed)
		}
		switch msg.Type {
		case wantType:
			return true, msg, nil
		case queue.MessageError:
			return true, queue.Message{}, output.FromWire(msg.Error)
		}
	}
}

// withDirectConnection spawns the agent, resolves the session via
// connect-and-load, runs fn against it, persists the record, and tears the
// connection down.
func (o *Orchestrator) withDirectConnection(ctx context.Context, rec *store.SessionRecord, fn func(context.Context, agent.Connection, string) error, timeout time.Duration) error {
	conn, err := o.factory(rec.AgentCommand, rec.Cwd, nil, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	out, err := ConnectAndLoad(ctx, conn, rec, o.cfg.Timeouts.Connect.Std(), func() error {
		return o.store.Write(rec)
	}, o.log)
	if err != nil {
		return output.FromAgentError(err)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(opCtx, conn, out.SessionID); err != nil {
		return output.FromAgentError(err)
	}

	rec.Touch(time.Now().UTC())
	return o.store.Write(rec)
}

// EnsureOptions selects or describes the session a command targets.
type EnsureOptions struct {
	SessionID    string
	Name         *string
	AgentCommand string
	Cwd          string
}

// Ensure resolves the target record: by explicit id, by directory walk up to
// the enclosing git root, or by creating a fresh session.
func (o *Orchestrator) Ensure(ctx context.Context, opts EnsureOptions) (*store.SessionRecord, bool, error) {
	if opts.SessionID != "" {
		rec, err := o.resolve(opts.SessionID)
		return rec, false, err
	}

	cwd, err := filepath.Abs(opts.Cwd)
	if err != nil {
		return nil, false, fmt.Errorf("resolving working directory: %w", err)
	}
	rec, err := o.store.FindByDirectoryWalk(store.WalkQuery{
		AgentCommand: opts.AgentCommand,
		Cwd:          cwd,
		Name:         opts.Name,
	})
	if err != nil {
		return nil, false, err
	}
	if rec != nil {
		return rec, false, nil
	}

	rec, err = o.createSession(ctx, opts.AgentCommand, cwd, opts.Name)
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// createSession spawns the agent once to run session/new, writes the record,
// and tears the connection down again. The owner reconnects on first prompt.
func (o *Orchestrator) createSession(ctx context.Context, agentCommand, cwd string, name *string) (*store.SessionRecord, error) {
	conn, err := o.factory(agentCommand, cwd, nil, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	startCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Connect.Std())
	err = conn.Start(startCtx)
	cancel()
	if err != nil {
		return nil, output.FromAgentError(fmt.Errorf("starting agent: %w", err))
	}

	newCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Connect.Std())
	created, err := conn.CreateSession(newCtx, cwd)
	cancel()
	if err != nil {
		return nil, output.FromAgentError(fmt.Errorf("creating session: %w", err))
	}

	init := conn.InitializeResult()
	now := time.Now().UTC()
	rec := &store.SessionRecord{
		ID:             uuid.NewString(),
		ACPSessionID:   created.SessionID,
		AgentSessionID: created.AgentSessionID,
		AgentCommand:   agentCommand,
		Cwd:            cwd,
		Name:           name,
		CreatedAt:      now,
		LastUsedAt:     now,
		EventLog: store.EventLogState{
			MaxSegmentBytes: o.cfg.EventLog.MaxSegmentBytes,
			MaxSegments:     o.cfg.EventLog.MaxSegments,
		},
		ProtocolVersion:   init.ProtocolVersion,
		AgentCapabilities: init.AgentCapabilities,
	}
	if err := o.store.Write(rec); err != nil {
		return nil, err
	}
	o.log.Info("created session", "session", rec.ID, "cwd", cwd, "agent", agentCommand)
	return rec, nil
}

// CloseSession terminates any running owner and agent for the record and
// marks it closed. Closing an already-closed record is a no-op.
func (o *Orchestrator) CloseSession(ctx context.Context, idOrSuffix string) (*store.SessionRecord, error) {
	rec, err := o.resolve(idOrSuffix)
	if err != nil {
		return nil, err
	}

	if lease, err := o.leases.ReadLease(rec.ID); err == nil && lease.Pid != os.Getpid() && procutil.Alive(lease.Pid) {
		o.log.Info("terminating queue owner", "session", rec.ID, "pid", lease.Pid)
		if err := procutil.Terminate(lease.Pid); err != nil {
			o.log.Warn("terminating queue owner failed", "pid", lease.Pid, "error", err)
		}
	}
	if rec.Pid != nil && procutil.Alive(*rec.Pid) && procutil.CmdlineMatches(*rec.Pid, rec.AgentCommand) {
		o.log.Info("terminating agent", "session", rec.ID, "pid", *rec.Pid)
		if err := procutil.Terminate(*rec.Pid); err != nil {
			o.log.Warn("terminating agent failed", "pid", *rec.Pid, "error", err)
		}
	}

	if !rec.Closed {
		now := time.Now().UTC()
		rec.Closed = true
		rec.ClosedAt = &now
	}
	rec.Pid = nil
	if err := o.store.Write(rec); err != nil {
		return nil, err
	}
	o.appendSessionClosed(ctx, rec)
	return rec, nil
}

// appendSessionClosed records the close in the event log. Best effort: the
// record is already persisted as closed, and a leftover lock from a killed
// owner must not block the close itself.
func (o *Orchestrator) appendSessionClosed(ctx context.Context, rec *store.SessionRecord) {
	writer, err := eventlog.Open(ctx, o.store, rec, o.cfg.EventLog.MaxSegmentBytes, o.cfg.EventLog.MaxSegments, o.log)
	if err != nil {
		o.log.Warn("session_closed event not recorded", "session", rec.ID, "error", err)
		return
	}
	event := writer.NewEvent(eventlog.Draft{Type: eventlog.TypeSessionClosed, Data: map[string]any{}})
	if err := writer.AppendEvents([]eventlog.Event{event}, false); err != nil {
		o.log.Warn("session_closed event not recorded", "session", rec.ID, "error", err)
	}
	if err := writer.Close(true); err != nil {
		o.log.Warn("event log close failed", "session", rec.ID, "error", err)
	}
}

// Status pairs a record with a probe of its queue owner.
type Status struct {
	Record *store.SessionRecord `json:"record"`
	Owner  queue.Health         `json:"owner"`
}

// Status resolves a record and probes its owner.
func (o *Orchestrator) Status(idOrSuffix string) (*Status, error) {
	rec, err := o.resolve(idOrSuffix)
	if err != nil {
		return nil, err
	}
	return &Status{Record: rec, Owner: o.leases.ProbeHealth(rec.ID)}, nil
}

// List returns all records, most recently used first.
func (o *Orchestrator) List() ([]*store.SessionRecord, error) {
	return o.store.List()
}

func (o *Orchestrator) resolve(idOrSuffix string) (*store.SessionRecord, error) {
	rec, err := o.store.Resolve(idOrSuffix)
	if errors.Is(err, store.ErrNotFound) {
		return nil, output.New(output.CodeNoSession, output.OriginCLI, err.Error())
	}
	if errors.Is(err, store.ErrAmbiguous) {
		return nil, output.New(output.CodeUsage, output.OriginCLI, err.Error())
	}
	return rec, err
}

const ownerProbeTimeout = 250 * time.Millisecond

// ownerReachable reports whether the lease's socket accepts a connection.
// The recorded pid and heartbeat are deliberately not consulted: a lease
// whose pid died can still front a serving socket (the listener may have
// been inherited by a replacement process), and that socket must be used
// rather than torn down by a fresh acquisition.
func ownerReachable(lease *queue.Lease) bool {
	if lease == nil {
		return false
	}
	conn, err := queue.Dial(lease.SocketPath, ownerProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func submitRequest(opts SendOptions) (queue.Request, error) {
	if opts.Message == "" {
		return queue.Request{}, output.New(output.CodeUsage, output.OriginCLI, "message must not be empty")
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = string(agent.PermissionModeAsk)
	}
	if _, ok := agent.ParsePermissionMode(mode); !ok {
		return queue.Request{}, output.Newf(output.CodeUsage, output.OriginCLI, "permission mode %q not recognised", mode)
	}

	message := opts.Message
	wait := opts.WaitForCompletion
	req := queue.Request{
		Type:              queue.RequestSubmitPrompt,
		RequestID:         uuid.NewString(),
		Message:           &message,
		PermissionMode:    &mode,
		WaitForCompletion: &wait,
	}
	if opts.NonInteractivePermissions != "" {
		nip := opts.NonInteractivePermissions
		req.NonInteractivePermissions = &nip
	}
	if opts.Timeout > 0 {
		ms := opts.Timeout.Milliseconds()
		req.TimeoutMs = &ms
	}
	return req, nil
}

// seedCapture collects the seed task's stream when this process runs the
// owner loop inline: non-terminal messages forward to the caller, the
// terminal one becomes the Send outcome.
type seedCapture struct {
	onMessage func(queue.Message)

	accepted bool
	result   *queue.SendResult
	wireErr  *queue.WireError
}

func (c *seedCapture) deliver(msg queue.Message) {
	switch msg.Type {
	case queue.MessageAccepted:
		c.accepted = true
	case queue.MessageResult:
		c.result = msg.Result
	case queue.MessageError:
		c.wireErr = msg.Error
	default:
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

func (c *seedCapture) outcome(sessionID, requestID string, wait bool) (SendOutcome, error) {
	switch {
	case c.wireErr != nil:
		return SendOutcome{}, output.FromWire(c.wireErr)
	case c.result != nil:
		return SendOutcome{Result: c.result}, nil
	case !wait && c.accepted:
		return SendOutcome{Enqueued: &Enqueued{SessionID: sessionID, RequestID: requestID}}, nil
	default:
		return SendOutcome{}, output.New(output.CodeRuntime, output.OriginQueue,
			"queue owner exited before the prompt completed").
			WithDetail(output.DetailOwnerClosed)
	}
}
