// Package acpconn is the stdio-backed implementation of agent.Connection: it
// spawns the agent subprocess, speaks ACP over its stdin/stdout, and
// normalizes the update stream for the rest of the system.
package acpconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/procutil"
)

const clientName = "acpx"

// ErrConfigOptionUnsupported reports that the agent does not expose
// session/set_config_option over its typed ACP surface.
var ErrConfigOptionUnsupported = errors.New("session/set_config_option not supported by this agent")

// Conn is one live connection to a spawned ACP agent.
type Conn struct {
	agentCommand string
	cwd          string
	log          *slog.Logger

	client *client
	conn   *acp.ClientSideConnection
	cmd    *exec.Cmd

	mu              sync.Mutex
	pid             int
	startedAt       time.Time
	lastExit        *agent.AgentExit
	activeSessionID string
	promptActive    bool
	initResult      agent.InitializeResult
	supportsLoad    bool
	closed          bool
}

// NewFactory returns an agent.Factory building stdio connections with the
// given logger and permission policy.
func NewFactory(log *slog.Logger, mode agent.PermissionMode) agent.Factory {
	if log == nil {
		log = slog.Default()
	}
	return func(agentCommand, cwd string, onNotification agent.NotificationHandler, onOperation agent.ClientOperationHandler) (agent.Connection, error) {
		if strings.TrimSpace(agentCommand) == "" {
			return nil, fmt.Errorf("agent command is empty")
		}
		c := &Conn{
			agentCommand: agentCommand,
			cwd:          cwd,
			log:          log.With("component", "acp", "cwd", cwd),
		}
		c.client = newClient(c.log, mode, onNotification, onOperation)
		return c, nil
	}
}

// Start spawns the agent subprocess and performs the initialize handshake.
func (c *Conn) Start(ctx context.Context) error {
	argv := strings.Fields(c.agentCommand)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.cwd
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := procutil.StartWithCleanup(cmd); err != nil {
		return fmt.Errorf("starting agent %s: %w", argv[0], err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.pid = cmd.Process.Pid
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()

	go c.watchExit(cmd)

	conn := acp.NewClientSideConnection(c.client, stdin, stdout)
	conn.SetLogger(c.log)
	c.conn = conn

	initResp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: "1.0.0",
		},
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("ACP initialize failed: %w", normalizeError(err))
	}

	c.mu.Lock()
	c.supportsLoad = initResp.AgentCapabilities.LoadSession
	c.initResult = agent.InitializeResult{
		ProtocolVersion:   int(initResp.ProtocolVersion),
		AgentCapabilities: toOpaqueMap(initResp.AgentCapabilities),
	}
	c.mu.Unlock()

	c.log.Info("agent initialized", "pid", c.pid, "protocol_version", int(initResp.ProtocolVersion))
	return nil
}

// watchExit records the subprocess exit for the lifecycle snapshot.
func (c *Conn) watchExit(cmd *exec.Cmd) {
	err := cmd.Wait()

	exit := &agent.AgentExit{ExitedAt: time.Now().UTC()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		exit.ExitCode = &code
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		exit.ExitCode = &code
		exit.Reason = exitErr.Error()
	default:
		exit.Reason = err.Error()
	}

	c.mu.Lock()
	exit.UnexpectedDuringPrompt = c.promptActive && !c.closed
	c.lastExit = exit
	c.mu.Unlock()

	if exit.UnexpectedDuringPrompt {
		c.log.Warn("agent exited during an active prompt", "exit", exit.Reason)
	}
}

// CreateSession issues session/new.
func (c *Conn) CreateSession(ctx context.Context, cwd string) (agent.CreateSessionResult, error) {
	resp, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return agent.CreateSessionResult{}, fmt.Errorf("ACP new session failed: %w", normalizeError(err))
	}
	return agent.CreateSessionResult{
		SessionID:      string(resp.SessionId),
		AgentSessionID: agentSessionIDFromMeta(resp.Meta),
	}, nil
}

// LoadSession issues session/load for an existing session id.
func (c *Conn) LoadSession(ctx context.Context, sessionID, cwd string, opts agent.LoadSessionOptions) (agent.LoadSessionResult, error) {
	req := acp.LoadSessionRequest{
		SessionId:  acp.SessionId(sessionID),
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	}
	if opts.SuppressReplayUpdates {
		req.Meta = map[string]any{"suppressReplayUpdates": true}
	}
	resp, err := c.conn.LoadSession(ctx, req)
	if err != nil {
		return agent.LoadSessionResult{}, normalizeError(err)
	}
	return agent.LoadSessionResult{AgentSessionID: agentSessionIDFromMeta(resp.Meta)}, nil
}

// SupportsLoadSession reports the capability advertised during initialize.
func (c *Conn) SupportsLoadSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supportsLoad
}

// Prompt runs one prompt turn.
func (c *Conn) Prompt(ctx context.Context, sessionID, message string) (agent.PromptResult, error) {
	c.mu.Lock()
	c.activeSessionID = sessionID
	c.promptActive = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.promptActive = false
		c.mu.Unlock()
	}()

	resp, err := c.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(sessionID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	if err != nil {
		return agent.PromptResult{}, fmt.Errorf("ACP prompt failed: %w", normalizeError(err))
	}
	return agent.PromptResult{StopReason: stopReasonOrDefault(string(resp.StopReason))}, nil
}

// HasActivePrompt reports whether a prompt turn is in flight.
func (c *Conn) HasActivePrompt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.promptActive
}

// SetPermissionMode changes the permission policy for subsequent prompts.
func (c *Conn) SetPermissionMode(mode agent.PermissionMode) {
	c.client.setMode(mode)
}

// RequestCancelActivePrompt sends session/cancel without waiting.
func (c *Conn) RequestCancelActivePrompt() {
	c.mu.Lock()
	sessionID := c.activeSessionID
	active := c.promptActive
	c.mu.Unlock()
	if !active || sessionID == "" {
		return
	}
	if err := c.conn.Cancel(context.Background(), acp.CancelNotification{
		SessionId: acp.SessionId(sessionID),
	}); err != nil {
		c.log.Warn("session/cancel failed", "error", err)
	}
}

// CancelActivePrompt requests cancellation and waits up to wait for the turn
// to stop.
func (c *Conn) CancelActivePrompt(wait time.Duration) {
	c.RequestCancelActivePrompt()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !c.HasActivePrompt() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// SetSessionMode issues session/set_mode.
func (c *Conn) SetSessionMode(ctx context.Context, sessionID, modeID string) error {
	_, err := c.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: acp.SessionId(sessionID),
		ModeId:    acp.SessionModeId(modeID),
	})
	if err != nil {
		return fmt.Errorf("ACP set session mode failed: %w", normalizeError(err))
	}
	return nil
}

// SetSessionConfigOption is an ACP extension without a typed SDK surface;
// stdio agents do not expose it.
func (c *Conn) SetSessionConfigOption(context.Context, string, string, any) (map[string]any, error) {
	return nil, ErrConfigOptionUnsupported
}

// LifecycleSnapshot returns the subprocess lifecycle view.
func (c *Conn) LifecycleSnapshot() agent.LifecycleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := agent.LifecycleSnapshot{Pid: c.pid, StartedAt: c.startedAt}
	if c.lastExit != nil {
		exit := *c.lastExit
		snap.LastExit = &exit
	}
	return snap
}

// PermissionStats returns the permission counters accumulated so far.
func (c *Conn) PermissionStats() agent.PermissionStats {
	return c.client.stats()
}

// InitializeResult returns the initialize handshake outcome.
func (c *Conn) InitializeResult() agent.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initResult
}

// Close terminates the agent subprocess.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pid := c.pid
	c.mu.Unlock()

	if pid > 0 {
		if err := procutil.Terminate(pid); err != nil {
			c.log.Warn("terminating agent failed", "pid", pid, "error", err)
		}
	}
	return nil
}

// normalizeError maps SDK request errors onto the typed RPC error so callers
// can branch on JSON-RPC codes.
func normalizeError(err error) error {
	var reqErr *acp.RequestError
	if errors.As(err, &reqErr) {
		return &agent.RPCError{Code: int(reqErr.Code), Message: reqErr.Error()}
	}
	return err
}

// toOpaqueMap round-trips a typed capability struct into the opaque map the
// record persists.
func toOpaqueMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// agentSessionIDFromMeta extracts the inner-agent session id from a response
// _meta payload: agentSessionId first, then sessionId. No other aliases are
// accepted.
func agentSessionIDFromMeta(meta any) string {
	m, ok := meta.(map[string]any)
	if !ok {
		return ""
	}
	if id, ok := m["agentSessionId"].(string); ok && id != "" {
		return id
	}
	if id, ok := m["sessionId"].(string); ok && id != "" {
		return id
	}
	return ""
}
