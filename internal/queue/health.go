package queue

import (
	"time"

	"github.com/sebastianm/acpx/internal/procutil"
)

const probeDialTimeout = 250 * time.Millisecond

// Health is the result of probing a session's queue owner.
type Health struct {
	HasLease        bool `json:"has_lease"`
	PidAlive        bool `json:"pid_alive"`
	SocketReachable bool `json:"socket_reachable"`

	// Healthy is lease-plus-reachable-socket. A dead recorded pid does not
	// make the owner unhealthy: the listening socket may have been inherited
	// by a replacement process.
	Healthy bool `json:"healthy"`
}

// ProbeHealth inspects the lease file and attempts a connection to the
// owner's socket.
func (m *Manager) ProbeHealth(sessionID string) Health {
	var h Health
	lease, err := m.ReadLease(sessionID)
	if err != nil {
		return h
	}
	h.HasLease = true
	h.PidAlive = procutil.Alive(lease.Pid)

	conn, err := Dial(lease.SocketPath, probeDialTimeout)
	if err == nil {
		conn.Close()
		h.SocketReachable = true
	}
	h.Healthy = h.HasLease && h.SocketReachable
	return h
}
