// Package turn tracks the lifecycle of a prompt turn inside the queue owner
// and serialises cancellation against it. The owner is single-threaded
// between suspension points, but mode and cancel requests arrive from IPC
// goroutines, so the controller guards its state with a mutex.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the turn lifecycle phase.
type State int

const (
	// Idle means no turn is running.
	Idle State = iota

	// Starting means a turn has begun but the prompt request is not yet on
	// the wire.
	Starting

	// Active means the prompt request has been sent and can be cancelled.
	Active

	// Closing means the owner is shutting down; new work is rejected.
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrClosing reports that the controller rejected work during shutdown.
var ErrClosing = errors.New("turn controller is closing")

// PromptController is the slice of a live agent connection the turn
// controller drives: cancellation and in-flight session controls.
type PromptController interface {
	HasActivePrompt() bool
	RequestCancelActivePrompt()
	SetSessionMode(ctx context.Context, sessionID, modeID string) error
	SetSessionConfigOption(ctx context.Context, sessionID, configID string, value any) (map[string]any, error)
}

// Fallback opens a dedicated short-lived connection for mode/config changes
// when no prompt is active.
type Fallback interface {
	SetSessionMode(ctx context.Context, modeID string) error
	SetSessionConfigOption(ctx context.Context, configID string, value any) (map[string]any, error)
}

// Controller is the per-owner turn state machine. A cancel that arrives
// before the prompt is active is held and applied the moment it becomes
// cancellable; at most one cancel is dispatched per turn.
type Controller struct {
	mu sync.Mutex

	state         State
	active        PromptController
	sessionID     string
	pendingCancel bool
	cancelSent    bool

	fallback       Fallback
	controlTimeout time.Duration
}

// New creates an idle controller. The fallback handles mode/config requests
// that arrive with no active prompt.
func New(fallback Fallback, controlTimeout time.Duration) *Controller {
	return &Controller{fallback: fallback, controlTimeout: controlTimeout}
}

// State returns the current phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginTurn moves Idle to Starting and clears any stale cancel state.
func (c *Controller) BeginTurn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing {
		return ErrClosing
	}
	if c.state != Idle {
		return fmt.Errorf("begin turn in state %s", c.state)
	}
	c.state = Starting
	c.pendingCancel = false
	c.cancelSent = false
	return nil
}

// BindController exposes the live connection for the current turn.
func (c *Controller) BindController(pc PromptController, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = pc
	c.sessionID = sessionID
}

// MarkPromptActive moves Starting to Active. Callers invoke it right after
// the prompt request is sent, before awaiting its response, so a held cancel
// can be applied immediately via ApplyPendingCancel.
func (c *Controller) MarkPromptActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Starting {
		return fmt.Errorf("mark prompt active in state %s", c.state)
	}
	c.state = Active
	return nil
}

// EndTurn returns to Idle from any state except Closing and drops the
// controller reference.
func (c *Controller) EndTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing {
		c.active = nil
		return
	}
	c.state = Idle
	c.active = nil
	c.pendingCancel = false
}

// BeginClosing moves to Closing; every subsequent request is rejected.
func (c *Controller) BeginClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closing
}

// RequestCancel handles an IPC cancel. Idle returns false (nothing to
// cancel). Otherwise it returns true and either dispatches the cancel now
// (Active with a bound controller) or holds it for ApplyPendingCancel.
func (c *Controller) RequestCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Idle, Closing:
		return false
	case Active:
		if c.active != nil && !c.cancelSent {
			c.cancelSent = true
			active := c.active
			c.mu.Unlock()
			active.RequestCancelActivePrompt()
			c.mu.Lock()
			return true
		}
		c.pendingCancel = !c.cancelSent
		return true
	default:
		c.pendingCancel = true
		return true
	}
}

// ApplyPendingCancel dispatches a held cancel once the prompt is actually
// cancellable. Returns true when a cancel was sent.
func (c *Controller) ApplyPendingCancel() bool {
	c.mu.Lock()
	if !c.pendingCancel || c.cancelSent || c.active == nil {
		c.mu.Unlock()
		return false
	}
	active := c.active
	c.mu.Unlock()

	if !active.HasActivePrompt() {
		return false
	}

	c.mu.Lock()
	if c.cancelSent {
		c.mu.Unlock()
		return false
	}
	c.pendingCancel = false
	c.cancelSent = true
	c.mu.Unlock()

	active.RequestCancelActivePrompt()
	return true
}

// SetSessionMode routes through the live connection while a prompt is
// active, otherwise through the fallback. Mode changes are never blocked by
// the absence of a prompt.
func (c *Controller) SetSessionMode(ctx context.Context, modeID string, timeout time.Duration) error {
	pc, sessionID := c.liveController()
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	if pc != nil {
		return pc.SetSessionMode(ctx, sessionID, modeID)
	}
	return c.fallback.SetSessionMode(ctx, modeID)
}

// SetSessionConfigOption mirrors SetSessionMode for config options.
func (c *Controller) SetSessionConfigOption(ctx context.Context, configID string, value any, timeout time.Duration) (map[string]any, error) {
	pc, sessionID := c.liveController()
	ctx, cancel := c.withTimeout(ctx, timeout)
	defer cancel()

	if pc != nil {
		return pc.SetSessionConfigOption(ctx, sessionID, configID, value)
	}
	return c.fallback.SetSessionConfigOption(ctx, configID, value)
}

func (c *Controller) liveController() (PromptController, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing {
		return nil, ""
	}
	if c.active != nil && c.active.HasActivePrompt() {
		return c.active, c.sessionID
	}
	return nil, ""
}

func (c *Controller) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = c.controlTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
