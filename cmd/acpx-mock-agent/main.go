// Command acpx-mock-agent is a flag-scripted ACP agent for exercising acpx
// without a real model: it echoes the prompt back as message chunks and can
// inject thoughts, tool calls, plans, delays, and load failures.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
)

type script struct {
	thought   bool
	toolCall  bool
	plan      bool
	sleep     time.Duration
	chunkSize int

	supportsLoad bool
	failLoad     bool
	failPrompt   bool
}

type mockAgent struct {
	conn   *acp.AgentSideConnection
	script script

	mu       sync.Mutex
	sessions map[string]context.CancelFunc
}

var _ acp.Agent = (*mockAgent)(nil)

func newMockAgent(s script) *mockAgent {
	return &mockAgent{script: s, sessions: make(map[string]context.CancelFunc)}
}

// SetAgentConnection receives the connection after construction.
func (a *mockAgent) SetAgentConnection(conn *acp.AgentSideConnection) { a.conn = conn }

func (a *mockAgent) Initialize(_ context.Context, _ acp.InitializeRequest) (acp.InitializeResponse, error) {
	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentInfo: &acp.Implementation{
			Name:    "acpx-mock-agent",
			Version: "0.1.0",
		},
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: a.script.supportsLoad,
		},
	}, nil
}

func (a *mockAgent) Authenticate(context.Context, acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

func (a *mockAgent) NewSession(_ context.Context, _ acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	sid := uuid.New().String()
	a.mu.Lock()
	a.sessions[sid] = nil
	a.mu.Unlock()
	return acp.NewSessionResponse{
		SessionId: acp.SessionId(sid),
		Meta:      map[string]any{"agentSessionId": "mock-" + sid},
	}, nil
}

// LoadSession accepts any session id unless failure injection is on, so acpx
// reconnect paths can be exercised without real agent state.
func (a *mockAgent) LoadSession(_ context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	sid := string(params.SessionId)
	if a.script.failLoad {
		return acp.LoadSessionResponse{}, fmt.Errorf("session not found: %s", sid)
	}
	a.mu.Lock()
	if _, ok := a.sessions[sid]; !ok {
		a.sessions[sid] = nil
	}
	a.mu.Unlock()
	return acp.LoadSessionResponse{
		Meta: map[string]any{"agentSessionId": "mock-" + sid},
	}, nil
}

func (a *mockAgent) Cancel(_ context.Context, params acp.CancelNotification) error {
	a.mu.Lock()
	cancel := a.sessions[string(params.SessionId)]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *mockAgent) SetSessionMode(_ context.Context, params acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	sid := params.SessionId
	err := a.conn.SessionUpdate(context.Background(), acp.SessionNotification{
		SessionId: sid,
		Update: acp.SessionUpdate{
			CurrentModeUpdate: &acp.SessionCurrentModeUpdate{CurrentModeId: params.ModeId},
		},
	})
	return acp.SetSessionModeResponse{}, err
}

func (a *mockAgent) Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	sid := string(params.SessionId)
	a.mu.Lock()
	if _, ok := a.sessions[sid]; !ok {
		a.mu.Unlock()
		return acp.PromptResponse{}, fmt.Errorf("session %s not found", sid)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.sessions[sid] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.sessions[sid] = nil
		a.mu.Unlock()
	}()

	if a.script.failPrompt {
		return acp.PromptResponse{}, fmt.Errorf("prompt failed by request")
	}

	if err := a.runTurn(turnCtx, params); err != nil {
		if turnCtx.Err() != nil {
			return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
		}
		return acp.PromptResponse{}, err
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

func (a *mockAgent) runTurn(ctx context.Context, params acp.PromptRequest) error {
	sid := params.SessionId
	text := promptText(params.Prompt)

	if a.script.thought {
		if err := a.update(ctx, sid, acp.UpdateAgentThoughtText("thinking about: "+text)); err != nil {
			return err
		}
	}

	if a.script.toolCall {
		if err := a.update(ctx, sid, acp.StartToolCall(
			acp.ToolCallId("mock_call_1"),
			"Mock tool call",
			acp.WithStartKind(acp.ToolKindRead),
			acp.WithStartStatus(acp.ToolCallStatusPending),
			acp.WithStartRawInput(map[string]any{"prompt": text}),
		)); err != nil {
			return err
		}
		if err := a.update(ctx, sid, acp.UpdateToolCall(
			acp.ToolCallId("mock_call_1"),
			acp.WithUpdateStatus(acp.ToolCallStatusCompleted),
			acp.WithUpdateRawOutput(map[string]any{"ok": true}),
		)); err != nil {
			return err
		}
	}

	if a.script.plan {
		if err := a.update(ctx, sid, acp.UpdatePlan(acp.PlanEntry{
			Content:  "echo the prompt",
			Priority: acp.PlanEntryPriorityMedium,
			Status:   acp.PlanEntryStatusInProgress,
		})); err != nil {
			return err
		}
	}

	for _, chunk := range chunks("echo: "+text, a.script.chunkSize) {
		if err := a.update(ctx, sid, acp.UpdateAgentMessageText(chunk)); err != nil {
			return err
		}
	}

	if a.script.sleep > 0 {
		timer := time.NewTimer(a.script.sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (a *mockAgent) update(ctx context.Context, sid acp.SessionId, update acp.SessionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.conn.SessionUpdate(ctx, acp.SessionNotification{SessionId: sid, Update: update})
}

func promptText(blocks []acp.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Text != nil {
			parts = append(parts, b.Text.Text)
		}
	}
	return strings.Join(parts, " ")
}

// chunks splits s into size-byte pieces; size <= 0 keeps it whole.
func chunks(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	return append(out, s)
}

func main() {
	var s script
	flag.BoolVar(&s.thought, "thought", false, "emit a thought chunk before the echo")
	flag.BoolVar(&s.toolCall, "tool-call", false, "emit a tool call and its completion")
	flag.BoolVar(&s.plan, "plan", false, "emit a plan update")
	flag.DurationVar(&s.sleep, "sleep", 0, "sleep before finishing the turn")
	flag.IntVar(&s.chunkSize, "chunk-size", 0, "split the echo into chunks of this many bytes")
	flag.BoolVar(&s.supportsLoad, "load", true, "advertise the session/load capability")
	flag.BoolVar(&s.failLoad, "fail-load", false, "fail every session/load request")
	flag.BoolVar(&s.failPrompt, "fail-prompt", false, "fail every prompt turn")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	agent := newMockAgent(s)
	conn := acp.NewAgentSideConnection(agent, os.Stdout, os.Stdin)
	agent.SetAgentConnection(conn)

	select {
	case <-ctx.Done():
	case <-conn.Done():
	}
}
