package agent

// ClientOperation is a typed record of the agent invoking a client-side
// capability. The core persists and streams these; the CLI layer decides how
// (or whether) to surface them.
type ClientOperation struct {
	// Kind is one of the ClientOp* constants.
	Kind string `json:"kind"`

	// ToolCallID links a permission request to its tool call, when known.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Title is a human-readable summary (permission prompt title, file
	// path, terminal command).
	Title string `json:"title,omitempty"`

	// Outcome describes how the operation resolved (e.g. "approved",
	// "denied", "cancelled" for permissions).
	Outcome string `json:"outcome,omitempty"`

	// Detail is operation-specific opaque payload.
	Detail map[string]any `json:"detail,omitempty"`
}

// Client operation kinds.
const (
	ClientOpPermissionRequest = "permission_request"
	ClientOpFSRead            = "fs_read"
	ClientOpFSWrite           = "fs_write"
	ClientOpTerminal          = "terminal"
)

// PermissionMode is the prompt-scoped policy for permission requests.
type PermissionMode string

const (
	// PermissionModeAsk surfaces each request as a client operation and
	// denies it when no interactive prompter is attached.
	PermissionModeAsk PermissionMode = "ask"

	// PermissionModeAllow auto-selects the first allow option.
	PermissionModeAllow PermissionMode = "allow"

	// PermissionModeDeny rejects every request.
	PermissionModeDeny PermissionMode = "deny"
)

// ParsePermissionMode validates and returns a PermissionMode.
func ParsePermissionMode(s string) (PermissionMode, bool) {
	switch PermissionMode(s) {
	case PermissionModeAsk, PermissionModeAllow, PermissionModeDeny:
		return PermissionMode(s), true
	case "":
		return PermissionModeAsk, true
	default:
		return "", false
	}
}
