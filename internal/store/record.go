// Package store persists session records as one JSON file per session under
// the sessions directory. Writes are atomic (temp file plus rename) so a
// crashed writer never leaves a partial record visible.
package store

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sebastianm/acpx/internal/thread"
)

// AgentExitRecord is the persisted snapshot of the agent's last exit.
type AgentExitRecord struct {
	Code   *int      `json:"code,omitempty"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// EventLogState is the record's cursor into its event log.
type EventLogState struct {
	ActivePath      string     `json:"active_path,omitempty"`
	SegmentCount    int        `json:"segment_count"`
	MaxSegmentBytes int64      `json:"max_segment_bytes"`
	MaxSegments     int        `json:"max_segments"`
	LastWriteAt     *time.Time `json:"last_write_at,omitempty"`
	LastWriteError  string     `json:"last_write_error,omitempty"`
}

// SessionRecord is the durable identity of one agent session. The record id
// is local and stable; the ACP session id on the wire may change when a load
// falls back to a fresh session.
type SessionRecord struct {
	ID             string `json:"acpx_record_id"`
	ACPSessionID   string `json:"acp_session_id,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	AgentCommand   string `json:"agent_command"`
	Cwd            string `json:"cwd"`

	// Name is nil for the default-for-directory session; a named session
	// never shadows the default one.
	Name *string `json:"name,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	LastPromptAt *time.Time `json:"last_prompt_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Closed       bool       `json:"closed"`

	Pid                       *int             `json:"pid,omitempty"`
	AgentStartedAt            *time.Time       `json:"agent_started_at,omitempty"`
	LastAgentExit             *AgentExitRecord `json:"last_agent_exit,omitempty"`
	LastAgentDisconnectReason string           `json:"last_agent_disconnect_reason,omitempty"`

	LastSeq       int64  `json:"last_seq"`
	LastRequestID string `json:"last_request_id,omitempty"`

	EventLog EventLogState `json:"event_log"`

	ProtocolVersion   int            `json:"protocol_version,omitempty"`
	AgentCapabilities map[string]any `json:"agent_capabilities,omitempty"`

	Thread *thread.Thread `json:"thread,omitempty"`
	Acpx   *thread.Aux    `json:"acpx,omitempty"`
}

// Validate checks the fields every record must carry.
func (r *SessionRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("session record missing acpx_record_id")
	case r.AgentCommand == "":
		return fmt.Errorf("session record %s missing agent_command", r.ID)
	case r.Cwd == "":
		return fmt.Errorf("session record %s missing cwd", r.ID)
	case r.CreatedAt.IsZero():
		return fmt.Errorf("session record %s missing created_at", r.ID)
	}
	return nil
}

// Projection returns the record's thread plus auxiliary state, allocating
// empty ones on first use.
func (r *SessionRecord) Projection() *thread.Projection {
	if r.Thread == nil {
		r.Thread = &thread.Thread{}
	}
	if r.Acpx == nil {
		r.Acpx = &thread.Aux{Audit: thread.NewAuditRing(0)}
	}
	return &thread.Projection{Thread: r.Thread, Aux: r.Acpx}
}

// SetProjection writes a (typically cloned and mutated) projection back onto
// the record.
func (r *SessionRecord) SetProjection(p *thread.Projection) {
	r.Thread = p.Thread
	r.Acpx = p.Aux
}

// Touch advances last_used_at, never moving it backwards.
func (r *SessionRecord) Touch(ts time.Time) {
	if ts.After(r.LastUsedAt) {
		r.LastUsedAt = ts
	}
}

func decodeRecord(data []byte) (*SessionRecord, error) {
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parsing session record: %w", err)
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return &record, nil
}

// EncodeRecordID escapes a record id for use as a file or directory name.
// Spaces escape to %20 so ids round-trip byte for byte.
func EncodeRecordID(id string) string {
	return strings.ReplaceAll(url.QueryEscape(id), "+", "%20")
}
