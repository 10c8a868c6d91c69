// Package owner implements the queue-owner main loop: the process that holds
// a session's lease, serves its IPC socket, drives the agent connection, and
// appends the session's event log. Exactly one owner exists per session at a
// time; everyone else talks to it over the socket.
package owner

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sebastianm/acpx/internal/agent"
	"github.com/sebastianm/acpx/internal/config"
	"github.com/sebastianm/acpx/internal/eventlog"
	"github.com/sebastianm/acpx/internal/output"
	"github.com/sebastianm/acpx/internal/queue"
	"github.com/sebastianm/acpx/internal/session"
	"github.com/sebastianm/acpx/internal/store"
	"github.com/sebastianm/acpx/internal/turn"
)

// Owner builds and runs queue-owner loops. It implements
// session.OwnerRunner.
type Owner struct {
	cfg     *config.Config
	store   *store.Store
	leases  *queue.Manager
	factory agent.Factory
	log     *slog.Logger
}

// New wires an owner runner.
func New(cfg *config.Config, st *store.Store, leases *queue.Manager, factory agent.Factory, log *slog.Logger) *Owner {
	if log == nil {
		log = slog.Default()
	}
	return &Owner{cfg: cfg, store: st, leases: leases, factory: factory, log: log}
}

// Run acquires the session's lease and runs the owner loop until the idle
// TTL elapses, ctx is cancelled, or a fatal startup error occurs. It returns
// queue.ErrLeaseHeld when a live owner already holds the lease.
func (o *Owner) Run(ctx context.Context, rec *store.SessionRecord, seed *session.Seed, idleTTL time.Duration) error {
	held, err := o.acquire(rec.ID)
	if err != nil {
		return err
	}

	// The owner's own log goes to a rotated file: with the loop running
	// inline in a CLI process, stderr belongs to the formatter.
	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(o.cfg.LogsDir(), "owner.log"),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     14,
	}
	defer logFile.Close()
	log := slog.New(slog.NewJSONHandler(logFile, nil)).
		With("component", "owner", "session", rec.ID, "pid", os.Getpid())

	r := &run{
		cfg:     o.cfg,
		store:   o.store,
		factory: o.factory,
		rec:     rec,
		held:    held,
		log:     log,
		tasks:   newTaskQueue(),
	}
	r.controller = turn.New(directFallback{r: r}, o.cfg.Timeouts.Control.Std())
	return r.loop(ctx, seed, idleTTL)
}

// acquire loops TryAcquire until it either holds the lease or a live owner
// does. A nil, nil result means a stale lease was just cleaned up.
func (o *Owner) acquire(sessionID string) (*queue.Held, error) {
	for {
		held, err := o.leases.TryAcquire(sessionID)
		if err != nil {
			return nil, err
		}
		if held != nil {
			return held, nil
		}
	}
}

// run is the state of one owner loop.
type run struct {
	cfg     *config.Config
	store   *store.Store
	factory agent.Factory
	rec     *store.SessionRecord
	held    *queue.Held
	log     *slog.Logger

	tasks      *taskQueue
	controller *turn.Controller

	// logMu guards the event writer and record mutations.
	logMu  sync.Mutex
	writer *eventlog.Writer

	// connMu guards the cached agent connection.
	connMu  sync.Mutex
	conn    agent.Connection
	session string
	load    session.LoadOutcome

	sinkMu sync.Mutex
	sink   *turnSink
}

func (r *run) loop(ctx context.Context, seed *session.Seed, idleTTL time.Duration) error {
	// Holding the lease makes this process the sole writer, so a lock left
	// behind by a crashed owner is safe to clear.
	if err := eventlog.ClearLock(r.store.SessionDir(r.rec.ID)); err != nil {
		r.held.Release()
		return err
	}
	writer, err := eventlog.Open(ctx, r.store, r.rec, r.cfg.EventLog.MaxSegmentBytes, r.cfg.EventLog.MaxSegments, r.log)
	if err != nil {
		r.held.Release()
		return err
	}
	r.writer = writer

	listener, err := queue.Listen(r.held.SocketPath())
	if err != nil {
		writer.Close(false)
		r.held.Release()
		return err
	}

	serveCtx, stopServe := context.WithCancel(context.Background())
	var group errgroup.Group
	group.Go(func() error {
		r.serve(serveCtx, listener)
		return nil
	})
	group.Go(func() error {
		r.heartbeat(serveCtx)
		return nil
	})

	if seed != nil {
		r.enqueueSeed(seed)
	}
	r.log.Info("queue owner started", "socket", r.held.SocketPath(), "idle_ttl", idleTTL.String())

	for {
		t, ok := r.tasks.WaitNext(ctx, idleTTL)
		if !ok {
			break
		}
		if err := r.held.Refresh(r.tasks.Depth()); err != nil {
			r.log.Warn("lease refresh failed", "error", err)
		}
		r.runPrompt(ctx, t)
	}

	r.controller.BeginClosing()
	shuttingDown := output.New(output.CodeRuntime, output.OriginQueue, "queue owner is shutting down").
		WithDetail(output.DetailOwnerShuttingDown)
	for _, t := range r.tasks.Close() {
		t.send(queue.Message{Type: queue.MessageError, RequestID: t.req.RequestID, Error: output.ToWire(shuttingDown)})
		t.close()
	}

	stopServe()
	listener.Close()
	group.Wait()

	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.connMu.Unlock()

	if err := r.held.Release(); err != nil {
		r.log.Warn("lease release failed", "error", err)
	}
	closeErr := r.writer.Close(true)
	if closeErr != nil {
		r.log.Error("final checkpoint failed", "error", closeErr)
	}
	r.log.Info("queue owner stopped")
	return closeErr
}

// enqueueSeed turns the submission that won the lease into the first task of
// the loop, acknowledged immediately the way a socket submission would be.
func (r *run) enqueueSeed(seed *session.Seed) {
	seed.Deliver(queue.Message{Type: queue.MessageAccepted, RequestID: seed.Request.RequestID})
	if seed.Request.Message != nil {
		r.appendEvents(false, eventlog.Draft{
			Type:      eventlog.TypePromptQueued,
			RequestID: seed.Request.RequestID,
			Data:      map[string]any{"message": *seed.Request.Message},
		})
	}
	t := &task{req: seed.Request, send: seed.Deliver, close: func() {}}
	if seed.Request.WaitForCompletion != nil && !*seed.Request.WaitForCompletion {
		t.send = func(queue.Message) {}
	}
	r.tasks.Push(t)
}

func (r *run) heartbeat(ctx context.Context) {
	interval := r.cfg.Owner.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.held.Refresh(r.tasks.Depth()); err != nil {
				r.log.Warn("lease refresh failed", "error", err)
			}
		}
	}
}

// appendEvents stamps and persists drafts in order. Append failures are
// logged, not fatal: the stream to the client continues even if the log
// cannot keep up.
func (r *run) appendEvents(checkpoint bool, drafts ...eventlog.Draft) {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	events := make([]eventlog.Event, len(drafts))
	for i, d := range drafts {
		events[i] = r.writer.NewEvent(d)
	}
	if err := r.writer.AppendEvents(events, checkpoint); err != nil {
		r.log.Error("event append failed", "error", err)
	}
}

func (r *run) checkpoint() error {
	r.logMu.Lock()
	defer r.logMu.Unlock()
	return r.writer.Checkpoint()
}

func (r *run) setSink(s *turnSink) {
	r.sinkMu.Lock()
	r.sink = s
	r.sinkMu.Unlock()
}

func (r *run) currentSink() *turnSink {
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	return r.sink
}

func (r *run) onNotification(n agent.Notification) {
	if s := r.currentSink(); s != nil {
		s.notify(n)
	}
}

func (r *run) onOperation(op agent.ClientOperation) {
	if s := r.currentSink(); s != nil {
		s.operation(op)
	}
}
