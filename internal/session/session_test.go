package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/config"
	"github.com/sebastianm/acpx/internal/output"
	"github.com/sebastianm/acpx/internal/procutil"
	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/store"
	"github.com/sebastianm/acpx/internal/thread"
)

// fakeConn scripts the agent.Connection surface for loader and orchestrator
// tests.
type fakeConn struct {
	supportsLoad bool
	loadErrs     map[string]error
	createResult agent.CreateSessionResult
	createErr    error

	started     bool
	loadedIDs   []string
	createCalls int
	modeCalls   []string
	closed      bool
}

func (f *fakeConn) Start(ctx context.Context) error {
	f.started = true
	return nil
}

func (f *fakeConn) CreateSession(ctx context.Context, cwd string) (agent.CreateSessionResult, error) {
	f.createCalls++
	if f.createErr != nil {
		return agent.CreateSessionResult{}, f.createErr
	}
	if f.createResult.SessionID == "" {
		return agent.CreateSessionResult{SessionID: "fresh-session"}, nil
	}
	return f.createResult, nil
}

func (f *fakeConn) LoadSession(ctx context.Context, sessionID, cwd string, opts agent.LoadSessionOptions) (agent.LoadSessionResult, error) {
	f.loadedIDs = append(f.loadedIDs, sessionID)
	if err, ok := f.loadErrs[sessionID]; ok {
		return agent.LoadSessionResult{}, err
	}
	return agent.LoadSessionResult{AgentSessionID: "inner-" + sessionID}, nil
}

func (f *fakeConn) SupportsLoadSession() bool { return f.supportsLoad }

func (f *fakeConn) Prompt(ctx context.Context, sessionID, message string) (agent.PromptResult, error) {
	return agent.PromptResult{StopReason: agent.StopReasonEndTurn}, nil
}

func (f *fakeConn) HasActivePrompt() bool { return false }

func (f *fakeConn) SetPermissionMode(mode agent.PermissionMode) {}

func (f *fakeConn) RequestCancelActivePrompt() {}

func (f *fakeConn) CancelActivePrompt(wait time.Duration) {}

func (f *fakeConn) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	f.modeCalls = append(f.modeCalls, modeID)
	return nil
}

func (f *fakeConn) SetSessionConfigOption(ctx context.Context, sessionID, configID string, value any) (map[string]any, error) {
	return map[string]any{"configId": configID}, nil
}

func (f *fakeConn) LifecycleSnapshot() agent.LifecycleSnapshot {
	return agent.LifecycleSnapshot{Pid: os.Getpid(), StartedAt: time.Now().UTC()}
}

func (f *fakeConn) PermissionStats() agent.PermissionStats { return agent.PermissionStats{} }

func (f *fakeConn) InitializeResult() agent.InitializeResult {
	return agent.InitializeResult{ProtocolVersion: 1, AgentCapabilities: map[string]any{"loadSession": f.supportsLoad}}
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRecord(t *testing.T) *store.SessionRecord {
	t.Helper()
	return &store.SessionRecord{
		ID:           "rec-1",
		AgentCommand: "fake-agent",
		Cwd:          t.TempDir(),
		CreatedAt:    time.Now().UTC(),
		LastUsedAt:   time.Now().UTC(),
	}
}

func TestConnectAndLoadResumes(t *testing.T) {
	conn := &fakeConn{supportsLoad: true}
	rec := testRecord(t)
	rec.AgentSessionID = "inner-1"
	rec.ACPSessionID = "acp-1"

	checkpoints := 0
	out, err := ConnectAndLoad(context.Background(), conn, rec, time.Second, func() error {
		checkpoints++
		return nil
	}, testLogger())
	require.NoError(t, err)

	assert.True(t, out.Resumed)
	assert.Equal(t, "inner-1", out.SessionID)
	assert.Equal(t, []string{"inner-1"}, conn.loadedIDs[:1])
	assert.Equal(t, 0, conn.createCalls)
	assert.Equal(t, 1, checkpoints)

	require.NotNil(t, rec.Pid)
	assert.False(t, rec.Closed)
	assert.Equal(t, 1, rec.ProtocolVersion)
	assert.Equal(t, "inner-1", rec.ACPSessionID)
}

func TestConnectAndLoadFallsBackOnNotFound(t *testing.T) {
	notFound := &agent.RPCError{Code: agent.CodeResourceNotFound, Message: "Resource not found"}
	conn := &fakeConn{
		supportsLoad: true,
		loadErrs:     map[string]error{"inner-1": notFound, "acp-1": notFound},
		createResult: agent.CreateSessionResult{SessionID: "acp-2", AgentSessionID: "inner-2"},
	}
	rec := testRecord(t)
	rec.AgentSessionID = "inner-1"
	rec.ACPSessionID = "acp-1"

	out, err := ConnectAndLoad(context.Background(), conn, rec, time.Second, func() error { return nil }, testLogger())
	require.NoError(t, err)

	assert.False(t, out.Resumed)
	assert.Equal(t, "acp-2", out.SessionID)
	assert.NotEmpty(t, out.LoadError)
	assert.Equal(t, []string{"inner-1", "acp-1"}, conn.loadedIDs)
	assert.Equal(t, "acp-2", rec.ACPSessionID)
	assert.Equal(t, "inner-2", rec.AgentSessionID)
}

func TestConnectAndLoadInternalError(t *testing.T) {
	internal := &agent.RPCError{Code: agent.CodeInternalError, Message: "query closed before response received"}

	t.Run("recoverable before any agent message", func(t *testing.T) {
		conn := &fakeConn{supportsLoad: true, loadErrs: map[string]error{"acp-1": internal}}
		rec := testRecord(t)
		rec.ACPSessionID = "acp-1"

		out, err := ConnectAndLoad(context.Background(), conn, rec, time.Second, func() error { return nil }, testLogger())
		require.NoError(t, err)
		assert.False(t, out.Resumed)
		assert.Equal(t, 1, conn.createCalls)
	})

	t.Run("fatal once the thread has agent output", func(t *testing.T) {
		conn := &fakeConn{supportsLoad: true, loadErrs: map[string]error{"acp-1": internal}}
		rec := testRecord(t)
		rec.ACPSessionID = "acp-1"
		rec.Thread = &thread.Thread{Messages: []thread.Message{{Agent: &thread.AgentMessage{}}}}

		_, err := ConnectAndLoad(context.Background(), conn, rec, time.Second, func() error { return nil }, testLogger())
		require.Error(t, err)
		assert.Equal(t, 0, conn.createCalls)
	})
}

func TestConnectAndLoadWithoutCapability(t *testing.T) {
	conn := &fakeConn{supportsLoad: false}
	rec := testRecord(t)
	rec.ACPSessionID = "acp-1"

	out, err := ConnectAndLoad(context.Background(), conn, rec, time.Second, func() error { return nil }, testLogger())
	require.NoError(t, err)
	assert.False(t, out.Resumed)
	assert.Empty(t, conn.loadedIDs)
	assert.Equal(t, "fresh-session", out.SessionID)
}

func TestLoadCandidates(t *testing.T) {
	rec := &store.SessionRecord{AgentSessionID: "same", ACPSessionID: "same"}
	assert.Equal(t, []string{"same"}, loadCandidates(rec))

	rec = &store.SessionRecord{ACPSessionID: "acp-only"}
	assert.Equal(t, []string{"acp-only"}, loadCandidates(rec))

	rec = &store.SessionRecord{AgentSessionID: "inner", ACPSessionID: "acp"}
	assert.Equal(t, []string{"inner", "acp"}, loadCandidates(rec))
}

// inlineRunner scripts OwnerRunner for Send tests.
type inlineRunner struct {
	contentions int
	deliver     []queue.Message
	runs        int
}

func (r *inlineRunner) Run(ctx context.Context, rec *store.SessionRecord, seed *Seed, idleTTL time.Duration) error {
	r.runs++
	if r.contentions > 0 {
		r.contentions--
		return queue.ErrLeaseHeld
	}
	for _, msg := range r.deliver {
		seed.Deliver(msg)
	}
	return nil
}

func newTestOrchestrator(t *testing.T, factory agent.Factory, runner OwnerRunner) (*Orchestrator, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	st := store.New(cfg.SessionsDir(), testLogger())
	leases := queue.NewManager(cfg.QueueDir(), testLogger())
	return NewOrchestrator(cfg, st, leases, factory, runner, testLogger()), cfg
}

func fakeFactory(conn *fakeConn) agent.Factory {
	return func(agentCommand, cwd string, onNotification agent.NotificationHandler, onOperation agent.ClientOperationHandler) (agent.Connection, error) {
		return conn, nil
	}
}

func TestEnsureCreatesThenResolves(t *testing.T) {
	conn := &fakeConn{createResult: agent.CreateSessionResult{SessionID: "acp-1", AgentSessionID: "inner-1"}}
	o, _ := newTestOrchestrator(t, fakeFactory(conn), &inlineRunner{})

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "pkg", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	rec, created, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: root})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "acp-1", rec.ACPSessionID)
	assert.True(t, conn.closed)

	// Same directory resolves the existing record.
	again, created, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: root})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, again.ID)

	// A nested directory walks up to the git root and finds it too.
	walked, created, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: nested})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, walked.ID)

	// Explicit unique suffix resolution.
	bySuffix, created, err := o.Ensure(context.Background(), EnsureOptions{SessionID: rec.ID[len(rec.ID)-12:]})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rec.ID, bySuffix.ID)
}

func TestEnsureUnknownSessionIsTyped(t *testing.T) {
	o, _ := newTestOrchestrator(t, fakeFactory(&fakeConn{}), &inlineRunner{})
	_, _, err := o.Ensure(context.Background(), EnsureOptions{SessionID: "missing"})
	require.Error(t, err)
	var typed *output.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, output.CodeNoSession, typed.Code)
}

func TestSendRunsOwnerInline(t *testing.T) {
	conn := &fakeConn{}
	runner := &inlineRunner{deliver: []queue.Message{
		{Type: queue.MessageAccepted, RequestID: "ignored"},
		{Type: queue.MessageSessionUpdate, Notification: &agent.Notification{}},
		{Type: queue.MessageResult, Result: &queue.SendResult{SessionID: "rec", StopReason: "end_turn"}},
	}}
	o, _ := newTestOrchestrator(t, fakeFactory(conn), runner)

	var streamed int
	out, err := o.Send(context.Background(), SendOptions{
		AgentCommand:      "fake-agent",
		Cwd:               t.TempDir(),
		Message:           "hello",
		WaitForCompletion: true,
		OnMessage:         func(queue.Message) { streamed++ },
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, "end_turn", out.Result.StopReason)
	assert.Equal(t, 1, streamed)
	assert.Equal(t, 1, runner.runs)
}

func TestSendUsesReachableSocketWhenLeasePidIsDead(t *testing.T) {
	conn := &fakeConn{createResult: agent.CreateSessionResult{SessionID: "acp-1"}}
	runner := &inlineRunner{}
	o, cfg := newTestOrchestrator(t, fakeFactory(conn), runner)

	rec, _, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(cfg.QueueDir(), 0o700))
	socketPath := o.leases.SocketPath(rec.ID)
	listener, err := queue.Listen(socketPath)
	require.NoError(t, err)
	defer listener.Close()

	// A lease whose recorded pid is long dead but whose socket still serves:
	// the listener outlived the process that wrote the lease.
	deadPid := 999999999
	require.False(t, procutil.Alive(deadPid))
	payload, err := json.Marshal(queue.Lease{
		Pid:         deadPid,
		SessionID:   rec.ID,
		SocketPath:  socketPath,
		CreatedAt:   time.Now().UTC(),
		HeartbeatAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(o.leases.LockPath(rec.ID), payload, 0o600))

	served := make(chan error, 1)
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				served <- err
				return
			}
			qc := queue.NewConn(c)
			req, err := qc.ReadRequest()
			if err != nil {
				// Health checks connect and hang up without a request.
				c.Close()
				continue
			}
			if err := qc.Write(queue.Message{Type: queue.MessageAccepted, RequestID: req.RequestID}); err != nil {
				c.Close()
				served <- err
				return
			}
			err = qc.Write(queue.Message{Type: queue.MessageResult, RequestID: req.RequestID, Result: &queue.SendResult{
				SessionID:  rec.ID,
				StopReason: "end_turn",
			}})
			c.Close()
			served <- err
			return
		}
	}()

	health := o.leases.ProbeHealth(rec.ID)
	assert.True(t, health.Healthy)
	assert.True(t, health.SocketReachable)
	assert.False(t, health.PidAlive)

	out, err := o.Send(context.Background(), SendOptions{
		SessionID:         rec.ID,
		Message:           "hello",
		WaitForCompletion: true,
	})
	require.NoError(t, err)
	require.NoError(t, <-served)
	require.NotNil(t, out.Result)
	assert.Equal(t, "end_turn", out.Result.StopReason)

	// The prompt went over the existing socket: no inline owner ran and the
	// lease on disk was left alone.
	assert.Equal(t, 0, runner.runs)
	remaining, err := o.leases.ReadLease(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, deadPid, remaining.Pid)
}

func TestSendRetriesAfterLeaseContention(t *testing.T) {
	runner := &inlineRunner{
		contentions: 1,
		deliver: []queue.Message{
			{Type: queue.MessageAccepted},
			{Type: queue.MessageResult, Result: &queue.SendResult{StopReason: "end_turn"}},
		},
	}
	o, _ := newTestOrchestrator(t, fakeFactory(&fakeConn{}), runner)

	out, err := o.Send(context.Background(), SendOptions{
		AgentCommand:      "fake-agent",
		Cwd:               t.TempDir(),
		Message:           "hello",
		WaitForCompletion: true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, 2, runner.runs)
}

func TestSendNoWaitReturnsEnqueued(t *testing.T) {
	runner := &inlineRunner{deliver: []queue.Message{{Type: queue.MessageAccepted}}}
	o, _ := newTestOrchestrator(t, fakeFactory(&fakeConn{}), runner)

	out, err := o.Send(context.Background(), SendOptions{
		AgentCommand: "fake-agent",
		Cwd:          t.TempDir(),
		Message:      "hello",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Enqueued)
	assert.NotEmpty(t, out.Enqueued.RequestID)
}

func TestSendSeedErrorBecomesTyped(t *testing.T) {
	runner := &inlineRunner{deliver: []queue.Message{
		{Type: queue.MessageAccepted},
		{Type: queue.MessageError, Error: &queue.WireError{Code: "TIMEOUT", Message: "deadline elapsed"}},
	}}
	o, _ := newTestOrchestrator(t, fakeFactory(&fakeConn{}), runner)

	_, err := o.Send(context.Background(), SendOptions{
		AgentCommand:      "fake-agent",
		Cwd:               t.TempDir(),
		Message:           "hello",
		WaitForCompletion: true,
	})
	require.Error(t, err)
	var typed *output.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, output.CodeTimeout, typed.Code)
}

func TestSubmitRequestValidation(t *testing.T) {
	_, err := submitRequest(SendOptions{})
	var typed *output.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, output.CodeUsage, typed.Code)

	_, err = submitRequest(SendOptions{Message: "hi", PermissionMode: "yolo"})
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, output.CodeUsage, typed.Code)

	req, err := submitRequest(SendOptions{Message: "hi", Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ask", *req.PermissionMode)
	require.NotNil(t, req.TimeoutMs)
	assert.EqualValues(t, 3000, *req.TimeoutMs)
	require.NoError(t, queue.ValidateRequest(req))
}

func TestCancelWithoutOwner(t *testing.T) {
	conn := &fakeConn{createResult: agent.CreateSessionResult{SessionID: "acp-1"}}
	o, _ := newTestOrchestrator(t, fakeFactory(conn), &inlineRunner{})

	rec, _, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: t.TempDir()})
	require.NoError(t, err)

	cancelled, err := o.Cancel(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSetModeFallsBackToDirectConnection(t *testing.T) {
	conn := &fakeConn{supportsLoad: true, createResult: agent.CreateSessionResult{SessionID: "acp-1"}}
	o, _ := newTestOrchestrator(t, fakeFactory(conn), &inlineRunner{})

	rec, _, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, o.SetMode(context.Background(), rec.ID, "architect", 0))
	assert.Equal(t, []string{"architect"}, conn.modeCalls)
}

func TestCloseSessionIdempotent(t *testing.T) {
	conn := &fakeConn{createResult: agent.CreateSessionResult{SessionID: "acp-1"}}
	o, _ := newTestOrchestrator(t, fakeFactory(conn), &inlineRunner{})

	rec, _, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: t.TempDir()})
	require.NoError(t, err)

	closed, err := o.CloseSession(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, closed.Closed)
	require.NotNil(t, closed.ClosedAt)
	firstClosedAt := *closed.ClosedAt

	again, err := o.CloseSession(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, again.Closed)
	assert.Equal(t, firstClosedAt, *again.ClosedAt)
	assert.Nil(t, again.Pid)
}

func TestStatusReportsNoOwner(t *testing.T) {
	conn := &fakeConn{createResult: agent.CreateSessionResult{SessionID: "acp-1"}}
	o, _ := newTestOrchestrator(t, fakeFactory(conn), &inlineRunner{})

	rec, _, err := o.Ensure(context.Background(), EnsureOptions{AgentCommand: "fake-agent", Cwd: t.TempDir()})
	require.NoError(t, err)

	status, err := o.Status(rec.ID)
	require.NoError(t, err)
	assert.False(t, status.Owner.Healthy)
	assert.Equal(t, rec.ID, status.Record.ID)
}

func TestSeedCaptureOutcome(t *testing.T) {
	t.Run("owner exits without terminal message", func(t *testing.T) {
		c := &seedCapture{}
		c.deliver(queue.Message{Type: queue.MessageAccepted})
		_, err := c.outcome("rec", "req", true)
		var typed *output.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, output.DetailOwnerClosed, typed.DetailCode)
	})

	t.Run("error wins over missing result", func(t *testing.T) {
		c := &seedCapture{}
		c.deliver(queue.Message{Type: queue.MessageError, Error: &queue.WireError{Code: "RUNTIME", Message: "boom"}})
		_, err := c.outcome("rec", "req", true)
		require.Error(t, err)
		assert.False(t, errors.Is(err, errOwnerGone))
	})
}
