package acpconn

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/agent"
)

// client implements acp.Client for a headless run: session updates feed the
// notification handler, permission requests resolve from a fixed policy, and
// file-system calls operate directly on the workspace.
type client struct {
	log            *slog.Logger
	onNotification agent.NotificationHandler
	onOperation    agent.ClientOperationHandler

	mu   sync.Mutex
	mode agent.PermissionMode
	stat agent.PermissionStats
}

func newClient(log *slog.Logger, mode agent.PermissionMode, onNotification agent.NotificationHandler, onOperation agent.ClientOperationHandler) *client {
	if mode == "" {
		mode = agent.PermissionModeAsk
	}
	return &client{
		log:            log,
		mode:           mode,
		onNotification: onNotification,
		onOperation:    onOperation,
	}
}

func (c *client) setMode(mode agent.PermissionMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *client) currentMode() agent.PermissionMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *client) stats() agent.PermissionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stat
}

func (c *client) emit(op agent.ClientOperation) {
	if c.onOperation != nil {
		c.onOperation(op)
	}
}

// SessionUpdate normalizes the SDK update and forwards it.
func (c *client) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	if c.onNotification == nil {
		return nil
	}
	if converted, ok := convertNotification(n); ok {
		c.onNotification(converted)
	}
	return nil
}

// RequestPermission resolves the agent's permission prompt from the current
// policy. Headless ask mode has no prompter, so the request resolves as
// cancelled and the operation records that the prompt was unavailable.
func (c *client) RequestPermission(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	mode := c.currentMode()

	c.mu.Lock()
	c.stat.Requested++
	c.mu.Unlock()

	op := agent.ClientOperation{
		Kind:       agent.ClientOpPermissionRequest,
		ToolCallID: string(req.ToolCall.ToolCallId),
	}
	if req.ToolCall.Title != nil {
		op.Title = *req.ToolCall.Title
	}

	if err := ctx.Err(); err != nil {
		c.mu.Lock()
		c.stat.Cancelled++
		c.mu.Unlock()
		op.Outcome = "cancelled"
		c.emit(op)
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}

	switch mode {
	case agent.PermissionModeAllow:
		optionID := findAllowOptionID(req.Options)
		if optionID == "" {
			break
		}
		c.mu.Lock()
		c.stat.Approved++
		c.mu.Unlock()
		op.Outcome = "approved"
		c.emit(op)
		c.log.Debug("permission auto-approved", "tool_call_id", op.ToolCallID, "option", optionID)
		return acp.RequestPermissionResponse{
			Outcome: acp.NewRequestPermissionOutcomeSelected(optionID),
		}, nil
	case agent.PermissionModeDeny:
		c.mu.Lock()
		c.stat.Denied++
		c.mu.Unlock()
		op.Outcome = "denied"
		c.emit(op)
		c.log.Debug("permission denied by policy", "tool_call_id", op.ToolCallID)
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}

	// Ask mode without a prompter, or allow mode with no allow option.
	c.mu.Lock()
	c.stat.Denied++
	c.mu.Unlock()
	op.Outcome = "prompt_unavailable"
	c.emit(op)
	c.log.Warn("permission prompt unavailable, denying", "tool_call_id", op.ToolCallID)
	return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
}

// findAllowOptionID prefers allow-once over allow-always.
func findAllowOptionID(options []acp.PermissionOption) acp.PermissionOptionId {
	var always acp.PermissionOptionId
	for _, opt := range options {
		switch opt.Kind {
		case acp.PermissionOptionKindAllowOnce:
			return opt.OptionId
		case acp.PermissionOptionKindAllowAlways:
			if always == "" {
				always = opt.OptionId
			}
		}
	}
	return always
}

// ReadTextFile serves fs/read_text_file against the workspace.
func (c *client) ReadTextFile(_ context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, fmt.Errorf("reading %s: %w", req.Path, err)
	}
	content := string(data)
	if req.Line != nil || req.Limit != nil {
		content = sliceLines(content, req.Line, req.Limit)
	}
	c.emit(agent.ClientOperation{Kind: agent.ClientOpFSRead, Title: req.Path})
	return acp.ReadTextFileResponse{Content: content}, nil
}

// sliceLines applies the optional 1-based line offset and line limit.
func sliceLines(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

// WriteTextFile serves fs/write_text_file against the workspace.
func (c *client) WriteTextFile(_ context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("creating parent of %s: %w", req.Path, err)
	}
	if err := os.WriteFile(req.Path, []byte(req.Content), 0o644); err != nil {
		return acp.WriteTextFileResponse{}, fmt.Errorf("writing %s: %w", req.Path, err)
	}
	c.emit(agent.ClientOperation{Kind: agent.ClientOpFSWrite, Title: req.Path})
	return acp.WriteTextFileResponse{}, nil
}

// Terminal methods are not offered in headless mode; agents that respect the
// advertised capabilities never call them.

func (c *client) CreateTerminal(_ context.Context, req acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.emit(agent.ClientOperation{Kind: agent.ClientOpTerminal, Title: req.Command, Outcome: "unsupported"})
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal support is not available")
}

func (c *client) KillTerminalCommand(_ context.Context, _ acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal support is not available")
}

func (c *client) TerminalOutput(_ context.Context, _ acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal support is not available")
}

func (c *client) ReleaseTerminal(_ context.Context, _ acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal support is not available")
}

func (c *client) WaitForTerminalExit(_ context.Context, _ acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal support is not available")
}
