// Package queue implements per-session queue ownership: an on-disk lease
// file plus a local stream socket. Whichever process wins exclusive creation
// of the lease owns the session's agent connection and serves the socket;
// everyone else submits work over the wire protocol.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sebastianm/acpx/internal/procutil"
)

// HeartbeatStaleAfter is how old a lease heartbeat may be before another
// process treats the owner as dead.
const HeartbeatStaleAfter = 15 * time.Second

// ErrLeaseHeld reports that a live owner already holds the lease.
var ErrLeaseHeld = errors.New("queue owner lease is held")

// Lease is the JSON payload of the lock file. Field names are part of the
// on-disk contract.
type Lease struct {
	Pid             int       `json:"pid"`
	SessionID       string    `json:"sessionId"`
	SocketPath      string    `json:"socketPath"`
	CreatedAt       time.Time `json:"createdAt"`
	HeartbeatAt     time.Time `json:"heartbeatAt"`
	OwnerGeneration int64     `json:"ownerGeneration"`
	QueueDepth      int       `json:"queueDepth"`
}

// Manager derives lease and socket paths for sessions under one queue
// directory.
type Manager struct {
	dir        string
	staleAfter time.Duration
	log        *slog.Logger
}

// NewManager creates a manager rooted at queueDir.
func NewManager(queueDir string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		dir:        queueDir,
		staleAfter: HeartbeatStaleAfter,
		log:        log.With("component", "queue"),
	}
}

// hashID shortens a session id for use in file and pipe names.
func hashID(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:24]
}

// LockPath returns the lease file path for a session.
func (m *Manager) LockPath(sessionID string) string {
	return filepath.Join(m.dir, hashID(sessionID)+".lock")
}

// SocketPath returns the IPC endpoint for a session: a socket file on Unix,
// a named pipe on Windows.
func (m *Manager) SocketPath(sessionID string) string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\acpx-` + hashID(sessionID)
	}
	return filepath.Join(m.dir, hashID(sessionID)+".sock")
}

// ReadLease parses the lease file for a session. A missing file returns
// os.ErrNotExist.
func (m *Manager) ReadLease(sessionID string) (*Lease, error) {
	data, err := os.ReadFile(m.LockPath(sessionID))
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parsing lease file: %w", err)
	}
	return &lease, nil
}

// TryAcquire attempts to become the queue owner via exclusive creation of
// the lock file. Three outcomes:
//   - (*Held, nil): this process owns the lease.
//   - (nil, nil): a stale lease was cleaned up; the caller should retry.
//   - (nil, ErrLeaseHeld): a live owner holds the lease.
func (m *Manager) TryAcquire(sessionID string) (*Held, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}

	lockPath := m.LockPath(sessionID)
	lease := Lease{
		Pid:             os.Getpid(),
		SessionID:       sessionID,
		SocketPath:      m.SocketPath(sessionID),
		CreatedAt:       time.Now().UTC(),
		HeartbeatAt:     time.Now().UTC(),
		OwnerGeneration: time.Now().UnixNano(),
	}
	payload, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("encoding lease: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if errors.Is(err, os.ErrExist) {
		return nil, m.handleContended(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating lease file: %w", err)
	}
	_, werr := f.Write(payload)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("writing lease file: %w", werr)
	}

	m.log.Debug("acquired queue lease", "session", sessionID, "pid", lease.Pid)
	return &Held{m: m, lease: lease}, nil
}

// handleContended inspects an existing lease: a live one keeps its claim, a
// stale one (dead pid or old heartbeat) is torn down so the caller can retry.
func (m *Manager) handleContended(sessionID string) error {
	existing, err := m.ReadLease(sessionID)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		// Unreadable lease: treat as stale.
		m.removeLease(sessionID)
		return nil
	}

	alive := procutil.Alive(existing.Pid)
	fresh := time.Since(existing.HeartbeatAt) < m.staleAfter
	if alive && fresh {
		return ErrLeaseHeld
	}

	m.log.Warn("cleaning stale queue lease",
		"session", sessionID, "pid", existing.Pid, "pid_alive", alive, "heartbeat_at", existing.HeartbeatAt)
	if alive {
		if err := procutil.Terminate(existing.Pid); err != nil {
			m.log.Warn("terminating stale owner failed", "pid", existing.Pid, "error", err)
		}
	}
	m.removeLease(sessionID)
	return nil
}

func (m *Manager) removeLease(sessionID string) {
	if runtime.GOOS != "windows" {
		os.Remove(m.SocketPath(sessionID))
	}
	os.Remove(m.LockPath(sessionID))
}

// Held is an acquired lease.
type Held struct {
	m     *Manager
	lease Lease
}

// Lease returns the current lease payload.
func (h *Held) Lease() Lease { return h.lease }

// SocketPath returns the endpoint this owner must serve.
func (h *Held) SocketPath() string { return h.lease.SocketPath }

// Refresh rewrites the lease with a fresh heartbeat and the current queue
// depth.
func (h *Held) Refresh(queueDepth int) error {
	h.lease.HeartbeatAt = time.Now().UTC()
	h.lease.QueueDepth = queueDepth
	payload, err := json.Marshal(h.lease)
	if err != nil {
		return fmt.Errorf("encoding lease: %w", err)
	}
	path := h.m.LockPath(h.lease.SessionID)
	tmp := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("refreshing lease: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("refreshing lease: %w", err)
	}
	return nil
}

// Release removes the socket file, then the lock.
func (h *Held) Release() error {
	h.m.removeLease(h.lease.SessionID)
	return nil
}
