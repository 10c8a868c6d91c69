package main

import (
	"log/slog"
	"os"

	"github.com/sebastianm/acpx/internal/agent"
	acpconn "github.com/sebastianm/acpx/internal/agent/acp"
	"github.com/sebastianm/acpx/internal/config"
	"github.com/sebastianm/acpx/internal/owner"
	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/session"
	"github.com/sebastianm/acpx/internal/store"
)

// app wires the persistent layers behind every subcommand.
type app struct {
	cfg  *config.Config
	st   *store.Store
	orch *session.Orchestrator
	log  *slog.Logger
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.SessionsDir(), cfg.QueueDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	level := slog.LevelWarn
	if os.Getenv("ACPX_DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st := store.New(cfg.SessionsDir(), log)
	leases := queue.NewManager(cfg.QueueDir(), log)
	factory := acpconn.NewFactory(log, agent.PermissionModeAsk)
	runner := owner.New(cfg, st, leases, factory, log)
	orch := session.NewOrchestrator(cfg, st, leases, factory, runner, log)

	return &app{cfg: cfg, st: st, orch: orch, log: log}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
