package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sebastianm/acpx/internal/output"
	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/session"
)

// cancelGrace is how long a SIGINT waits for the agent to acknowledge the
// cancel before the process tears down anyway.
const cancelGrace = 2500 * time.Millisecond

func sendCmd() *cobra.Command {
	var (
		sessionID    string
		name         string
		agentCommand string
		cwd          string
		mode         string
		format       string
		timeout      time.Duration
		ttl          time.Duration
		noWait       bool
		yolo         bool
	)
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Send a prompt and stream the agent's turn",
		RunE: func(c *cobra.Command, args []string) error {
			message := strings.Join(args, " ")
			if message == "" {
				stdin, err := readStdin()
				if err != nil {
					return err
				}
				message = stdin
			}
			if strings.TrimSpace(message) == "" {
				return output.New(output.CodeUsage, output.OriginCLI, "no message: pass it as arguments or on stdin")
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			f, err := output.NewFormatter(format, os.Stdout, os.Stderr)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = a.cfg.Owner.IdleTTL.Std()
			}

			rec, _, err := a.orch.Ensure(c.Context(), session.EnsureOptions{
				SessionID:    sessionID,
				Name:         optional(name),
				AgentCommand: agentCommand,
				Cwd:          cwd,
			})
			if err != nil {
				return err
			}
			f.SetContext(output.Context{
				SessionID:      rec.ID,
				ACPSessionID:   rec.ACPSessionID,
				AgentSessionID: rec.AgentSessionID,
				NextSeq:        rec.LastSeq + 1,
			})

			opts := session.SendOptions{
				SessionID:         rec.ID,
				AgentCommand:      agentCommand,
				Cwd:               cwd,
				Message:           message,
				PermissionMode:    mode,
				WaitForCompletion: !noWait,
				Timeout:           timeout,
				IdleTTL:           ttl,
				OnMessage:         dispatchMessage(f),
			}
			if yolo {
				opts.NonInteractivePermissions = "allow"
			}

			ctx, interrupted := interruptible(c.Context(), a, rec.ID)
			outcome, err := a.orch.Send(ctx, opts)

			select {
			case <-interrupted:
				f.Flush()
				return output.ErrInterrupted
			default:
			}
			if err != nil {
				var typed *output.Error
				if errors.As(err, &typed) {
					f.OnError(typed)
					f.Flush()
					return reportedError{err: err}
				}
				return err
			}
			if outcome.Enqueued != nil {
				json.NewEncoder(os.Stdout).Encode(outcome.Enqueued)
			}
			return f.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id or unique suffix")
	cmd.Flags().StringVar(&name, "name", "", "named session for the directory")
	cmd.Flags().StringVar(&agentCommand, "agent", "", "agent command line (required when creating a session)")
	cmd.Flags().StringVar(&cwd, "cwd", ".", "working directory for the session")
	cmd.Flags().StringVar(&mode, "mode", "", "permission mode: ask, allow, deny")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text, jsonl, quiet")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "prompt timeout (default from config)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "idle TTL before an inline queue owner exits (default from config)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the prompt is queued")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "auto-approve permission requests (mode ask becomes allow)")
	return cmd
}

// interruptible returns a context that survives the first SIGINT long enough
// for a graceful cancel: the signal requests a cancel from the queue owner,
// then the turn gets cancelGrace to land its result before the context is
// torn down. A second signal tears down immediately. The returned channel is
// closed once a signal arrived.
func interruptible(parent context.Context, a *app, sessionID string) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	interrupted := make(chan struct{})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		case <-sigCh:
		}
		close(interrupted)

		go func() {
			cctx, ccancel := context.WithTimeout(context.Background(), cancelGrace)
			defer ccancel()
			a.orch.Cancel(cctx, sessionID)
		}()

		select {
		case <-ctx.Done():
		case <-sigCh:
		case <-time.After(cancelGrace):
		}
		signal.Stop(sigCh)
		cancel()
	}()

	return ctx, interrupted
}

// dispatchMessage routes streamed owner messages to the formatter.
func dispatchMessage(f output.Formatter) func(queue.Message) {
	return func(msg queue.Message) {
		switch msg.Type {
		case queue.MessageSessionUpdate:
			if msg.Notification != nil {
				f.OnSessionUpdate(*msg.Notification)
			}
		case queue.MessageClientOperation:
			if msg.Operation != nil {
				f.OnClientOperation(*msg.Operation)
			}
		case queue.MessageDone:
			f.OnDone(msg.StopReason)
		}
	}
}

// readStdin returns piped stdin, or "" when stdin is a terminal.
func readStdin() (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}
