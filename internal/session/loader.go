// Package session is the orchestration layer of acpx: it resolves records,
// routes work to a running queue owner or becomes one, and owns the
// connect-and-load resume logic shared by both paths.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/procutil"
	"github.com/sebastianm/acpx/internal/store"
)

// LoadOutcome is what connect-and-load resolved for a record. SessionID is
// the id to use for all per-session ACP calls that follow.
type LoadOutcome struct {
	SessionID      string
	AgentSessionID string
	Resumed        bool

	// LoadError holds the message of a recoverable session/load failure
	// that forced a fallback to a fresh session.
	LoadError string
}

// ConnectAndLoad starts the agent connection, reconciles the record's
// lifecycle fields, and resolves a usable ACP session id: resuming via
// session/load when the agent supports it and the stored ids are still
// known, otherwise falling back to session/new.
func ConnectAndLoad(ctx context.Context, conn agent.Connection, rec *store.SessionRecord, timeout time.Duration, checkpoint func() error, log *slog.Logger) (LoadOutcome, error) {
	if rec.Pid != nil {
		if procutil.Alive(*rec.Pid) {
			log.Info("reconnecting", "session", rec.ID, "pid", *rec.Pid)
		} else {
			log.Info("respawning", "session", rec.ID, "previous_pid", *rec.Pid)
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	err := conn.Start(startCtx)
	cancel()
	if err != nil {
		return LoadOutcome{}, fmt.Errorf("starting agent: %w", err)
	}

	snap := conn.LifecycleSnapshot()
	pid := snap.Pid
	startedAt := snap.StartedAt
	rec.Pid = &pid
	rec.AgentStartedAt = &startedAt
	if snap.LastExit != nil {
		rec.LastAgentExit = &store.AgentExitRecord{
			Code:   snap.LastExit.ExitCode,
			Signal: snap.LastExit.Signal,
			At:     snap.LastExit.ExitedAt,
		}
	}
	init := conn.InitializeResult()
	rec.ProtocolVersion = init.ProtocolVersion
	rec.AgentCapabilities = init.AgentCapabilities
	rec.Closed = false
	rec.ClosedAt = nil
	if err := checkpoint(); err != nil {
		return LoadOutcome{}, fmt.Errorf("checkpointing after connect: %w", err)
	}

	var out LoadOutcome
	if conn.SupportsLoadSession() {
		for _, candidate := range loadCandidates(rec) {
			loadCtx, cancel := context.WithTimeout(ctx, timeout)
			res, err := conn.LoadSession(loadCtx, candidate, rec.Cwd, agent.LoadSessionOptions{
				SuppressReplayUpdates: true,
			})
			cancel()
			if err == nil {
				out.SessionID = candidate
				out.Resumed = true
				out.AgentSessionID = res.AgentSessionID
				rec.ACPSessionID = candidate
				if res.AgentSessionID != "" {
					rec.AgentSessionID = res.AgentSessionID
				}
				out.AgentSessionID = rec.AgentSessionID
				return out, nil
			}

			out.LoadError = err.Error()
			if !loadRecoverable(err, rec) {
				return LoadOutcome{}, fmt.Errorf("loading session %s: %w", candidate, err)
			}
			log.Warn("session load failed, falling back",
				"session", rec.ID, "candidate", candidate, "error", err)
		}
	}

	newCtx, cancel := context.WithTimeout(ctx, timeout)
	created, err := conn.CreateSession(newCtx, rec.Cwd)
	cancel()
	if err != nil {
		return LoadOutcome{}, fmt.Errorf("creating session: %w", err)
	}

	rec.ACPSessionID = created.SessionID
	if created.AgentSessionID != "" {
		rec.AgentSessionID = created.AgentSessionID
	}
	out.SessionID = created.SessionID
	out.AgentSessionID = rec.AgentSessionID
	out.Resumed = false
	return out, nil
}

// loadCandidates lists the ids worth offering to session/load: the
// inner-agent id first, then the last ACP id, deduplicated.
func loadCandidates(rec *store.SessionRecord) []string {
	var out []string
	for _, id := range []string{rec.AgentSessionID, rec.ACPSessionID} {
		if id == "" {
			continue
		}
		seen := false
		for _, existing := range out {
			if existing == id {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, id)
		}
	}
	return out
}

// loadRecoverable decides whether a failed session/load may fall back to
// session/new. Not-found errors always may; internal errors only while the
// record has no agent messages yet, since some agents reject loads of
// sessions that never produced output.
func loadRecoverable(err error, rec *store.SessionRecord) bool {
	if agent.IsSessionNotFound(err) {
		return true
	}
	return !sessionHasAgentMessages(rec) && agent.IsInternalError(err)
}

func sessionHasAgentMessages(rec *store.SessionRecord) bool {
	return rec.Thread != nil && rec.Thread.HasAgentMessages()
}
