package agent

import (
	"errors"
	"fmt"
	"strings"
)

// JSON-RPC error codes agents are known to return.
const (
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeAuthRequired     = -32000
	CodeResourceNotFound = -32002
	CodeSessionNotFound  = -32001
)

// RPCError is a typed ACP-level error carrying the JSON-RPC code the agent
// reported. Implementations of Connection wrap agent failures in RPCError
// whenever a code is recoverable from the transport.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("acp error %d: %s", e.Code, e.Message)
}

// AsRPCError unwraps err to an *RPCError if one is in the chain.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

var notFoundHints = []string{
	"resource_not_found",
	"resource not found",
	"session not found",
	"unknown session",
}

// IsSessionNotFound reports whether err indicates the agent no longer knows
// the session: either a typed not-found code or a body-text hint.
func IsSessionNotFound(err error) bool {
	if err == nil {
		return false
	}
	if rpcErr, ok := AsRPCError(err); ok {
		if rpcErr.Code == CodeSessionNotFound || rpcErr.Code == CodeResourceNotFound {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range notFoundHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// IsInternalError reports whether err is a JSON-RPC internal error (-32603).
func IsInternalError(err error) bool {
	rpcErr, ok := AsRPCError(err)
	return ok && rpcErr.Code == CodeInternalError
}

// IsAuthRequired reports whether the agent demanded authentication.
func IsAuthRequired(err error) bool {
	if rpcErr, ok := AsRPCError(err); ok && rpcErr.Code == CodeAuthRequired {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "auth required")
}
