package queue

import (
	"encoding/json"
	"fmt"

	"github.com/sebastianm/acpx/internal/agent"
)

// Client-to-owner request types.
const (
	RequestSubmitPrompt    = "submit_prompt"
	RequestCancelPrompt    = "cancel_prompt"
	RequestSetMode         = "set_mode"
	RequestSetConfigOption = "set_config_option"
)

// Owner-to-client message types.
const (
	MessageAccepted              = "accepted"
	MessageSessionUpdate         = "session_update"
	MessageClientOperation       = "client_operation"
	MessageDone                  = "done"
	MessageResult                = "result"
	MessageCancelResult          = "cancel_result"
	MessageSetModeResult         = "set_mode_result"
	MessageSetConfigOptionResult = "set_config_option_result"
	MessageError                 = "error"
)

// Request is one client-to-owner request. A connection carries exactly one
// request; pointer fields distinguish absent from zero. Field names are the
// wire contract.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	// submit_prompt
	Message                   *string `json:"message,omitempty"`
	PermissionMode            *string `json:"permissionMode,omitempty"`
	NonInteractivePermissions *string `json:"nonInteractivePermissions,omitempty"`
	WaitForCompletion         *bool   `json:"waitForCompletion,omitempty"`

	// set_mode
	ModeID *string `json:"modeId,omitempty"`

	// set_config_option
	ConfigID *string          `json:"configId,omitempty"`
	Value    *json.RawMessage `json:"value,omitempty"`

	TimeoutMs *int64 `json:"timeoutMs,omitempty"`
}

// ValidateRequest is the strict inbound validator: unknown types, missing
// fields, and out-of-set values are all protocol errors.
func ValidateRequest(r Request) error {
	if r.RequestID == "" {
		return fmt.Errorf("request missing requestId")
	}
	switch r.Type {
	case RequestSubmitPrompt:
		if r.Message == nil || *r.Message == "" {
			return fmt.Errorf("submit_prompt missing message")
		}
		if r.PermissionMode == nil {
			return fmt.Errorf("submit_prompt missing permissionMode")
		}
		if _, ok := agent.ParsePermissionMode(*r.PermissionMode); !ok {
			return fmt.Errorf("submit_prompt permissionMode %q not recognised", *r.PermissionMode)
		}
		if r.NonInteractivePermissions != nil {
			switch *r.NonInteractivePermissions {
			case string(agent.PermissionModeAllow), string(agent.PermissionModeDeny):
			default:
				return fmt.Errorf("submit_prompt nonInteractivePermissions %q not recognised", *r.NonInteractivePermissions)
			}
		}
		if r.WaitForCompletion == nil {
			return fmt.Errorf("submit_prompt missing waitForCompletion")
		}
	case RequestCancelPrompt:
	case RequestSetMode:
		if r.ModeID == nil || *r.ModeID == "" {
			return fmt.Errorf("set_mode missing modeId")
		}
	case RequestSetConfigOption:
		if r.ConfigID == nil || *r.ConfigID == "" {
			return fmt.Errorf("set_config_option missing configId")
		}
		if r.Value == nil {
			return fmt.Errorf("set_config_option missing value")
		}
	default:
		return fmt.Errorf("unknown request type %q", r.Type)
	}
	return nil
}

// WireError is the error payload of an owner error message.
type WireError struct {
	Code       string `json:"code"`
	DetailCode string `json:"detailCode,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Message    string `json:"message"`
	Retryable  *bool  `json:"retryable,omitempty"`
	ACP        any    `json:"acp,omitempty"`
}

// SendResult is the terminal payload of a completed prompt.
type SendResult struct {
	SessionID       string                 `json:"sessionId"`
	ACPSessionID    string                 `json:"acpSessionId,omitempty"`
	AgentSessionID  string                 `json:"agentSessionId,omitempty"`
	StopReason      string                 `json:"stopReason"`
	Resumed         bool                   `json:"resumed"`
	LoadError       string                 `json:"loadError,omitempty"`
	LastSeq         int64                  `json:"lastSeq,omitempty"`
	PermissionStats *agent.PermissionStats `json:"permissionStats,omitempty"`
}

// Message is one owner-to-client line. Exactly the fields of the given type
// are populated.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	Notification *agent.Notification    `json:"notification,omitempty"` // session_update
	Operation    *agent.ClientOperation `json:"operation,omitempty"`    // client_operation
	StopReason   string                 `json:"stopReason,omitempty"`   // done
	Result       *SendResult            `json:"result,omitempty"`       // result
	Cancelled    *bool                  `json:"cancelled,omitempty"`    // cancel_result
	ModeID       string                 `json:"modeId,omitempty"`       // set_mode_result
	Response     map[string]any         `json:"response,omitempty"`     // set_config_option_result
	Error        *WireError             `json:"error,omitempty"`        // error
}

// Terminal reports whether the message ends its exchange.
func (m Message) Terminal() bool {
	switch m.Type {
	case MessageResult, MessageCancelResult, MessageSetModeResult, MessageSetConfigOptionResult, MessageError:
		return true
	default:
		return false
	}
}

// ValidateMessage is the strict validator clients run on owner replies.
func ValidateMessage(m Message) error {
	switch m.Type {
	case MessageAccepted:
		if m.RequestID == "" {
			return fmt.Errorf("accepted missing requestId")
		}
	case MessageSessionUpdate:
		if m.Notification == nil {
			return fmt.Errorf("session_update missing notification")
		}
	case MessageClientOperation:
		if m.Operation == nil {
			return fmt.Errorf("client_operation missing operation")
		}
	case MessageDone:
		if m.StopReason == "" {
			return fmt.Errorf("done missing stopReason")
		}
	case MessageResult:
		if m.Result == nil {
			return fmt.Errorf("result missing payload")
		}
	case MessageCancelResult:
		if m.Cancelled == nil {
			return fmt.Errorf("cancel_result missing cancelled")
		}
	case MessageSetModeResult:
		if m.ModeID == "" {
			return fmt.Errorf("set_mode_result missing modeId")
		}
	case MessageSetConfigOptionResult:
	case MessageError:
		if m.Error == nil || m.Error.Message == "" {
			return fmt.Errorf("error message missing payload")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
