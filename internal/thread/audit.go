package thread

import "encoding/json"

// AuditCapacity bounds the per-session audit ring. Oldest entries are
// evicted first.
const AuditCapacity = 10_000

// AuditEvent is one audited inbound notification or client operation. The
// update payload is opaque; _meta carries adapter-specific extras.
type AuditEvent struct {
	Type   string `json:"type"`
	Update any    `json:"update,omitempty"`
	Meta   any    `json:"_meta,omitempty"`
}

// AuditRing is a fixed-capacity FIFO of audit events.
type AuditRing struct {
	buf   []AuditEvent
	start int
	size  int
}

// NewAuditRing creates a ring with the given capacity; capacity <= 0 uses
// AuditCapacity.
func NewAuditRing(capacity int) *AuditRing {
	if capacity <= 0 {
		capacity = AuditCapacity
	}
	return &AuditRing{buf: make([]AuditEvent, capacity)}
}

// Push appends an event, evicting the oldest when full.
func (r *AuditRing) Push(e AuditEvent) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of stored events.
func (r *AuditRing) Len() int { return r.size }

// Events returns the stored events oldest-first.
func (r *AuditRing) Events() []AuditEvent {
	out := make([]AuditEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// Clone returns an independent copy.
func (r *AuditRing) Clone() *AuditRing {
	if r == nil {
		return NewAuditRing(0)
	}
	out := &AuditRing{buf: make([]AuditEvent, len(r.buf)), start: r.start, size: r.size}
	copy(out.buf, r.buf)
	return out
}

// Aux is the auxiliary projection kept alongside the thread: live session
// mode, command inventory, config options, and the audit ring.
type Aux struct {
	CurrentModeID     string           `json:"current_mode_id,omitempty"`
	AvailableCommands []string         `json:"available_commands,omitempty"`
	ConfigOptions     []map[string]any `json:"config_options,omitempty"`
	Audit             *AuditRing       `json:"-"`
}

type auxJSON struct {
	CurrentModeID     string           `json:"current_mode_id,omitempty"`
	AvailableCommands []string         `json:"available_commands,omitempty"`
	ConfigOptions     []map[string]any `json:"config_options,omitempty"`
	AuditEvents       []AuditEvent     `json:"audit_events,omitempty"`
}

// MarshalJSON flattens the audit ring into an audit_events array.
func (a Aux) MarshalJSON() ([]byte, error) {
	return json.Marshal(auxJSON{
		CurrentModeID:     a.CurrentModeID,
		AvailableCommands: a.AvailableCommands,
		ConfigOptions:     a.ConfigOptions,
		AuditEvents:       a.AuditEvents(),
	})
}

// UnmarshalJSON restores the audit ring from the persisted audit_events array.
func (a *Aux) UnmarshalJSON(data []byte) error {
	var dto auxJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	*a = Aux{
		CurrentModeID:     dto.CurrentModeID,
		AvailableCommands: dto.AvailableCommands,
		ConfigOptions:     dto.ConfigOptions,
		Audit:             NewAuditRing(0),
	}
	for _, e := range dto.AuditEvents {
		a.Audit.Push(e)
	}
	return nil
}

// AuditEvents returns the audit ring contents oldest-first, never nil-panicking.
func (a *Aux) AuditEvents() []AuditEvent {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Events()
}

// Clone returns an independent copy of the auxiliary projection.
func (a *Aux) Clone() *Aux {
	if a == nil {
		return &Aux{Audit: NewAuditRing(0)}
	}
	out := &Aux{
		CurrentModeID: a.CurrentModeID,
		Audit:         a.Audit.Clone(),
	}
	out.AvailableCommands = append([]string(nil), a.AvailableCommands...)
	for _, opt := range a.ConfigOptions {
		cloned := make(map[string]any, len(opt))
		for k, v := range opt {
			cloned[k] = v
		}
		out.ConfigOptions = append(out.ConfigOptions, cloned)
	}
	return out
}
