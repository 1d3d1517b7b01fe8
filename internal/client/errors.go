package client

import (
	"errors"
	"fmt"

	"github.com/agentpass/agentpass/pkg/rpc"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrDenied is returned when a tool request is denied by policy or by
	// the guardian.
	ErrDenied = errors.New("request denied")

	// ErrApprovalTimeout is returned when the approval wait expired.
	ErrApprovalTimeout = errors.New("approval timed out")

	// ErrConnection is returned on dial, authentication, or transport
	// failures.
	ErrConnection = errors.New("connection failed")
)

// GatewayError is an error response from the gateway, carrying the agent
// channel's numeric code.
type GatewayError struct {
	Code    int64
	Message string
}

// Error returns a human-readable description of the gateway error.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// Is maps gateway codes onto the sentinel errors, supporting
// errors.Is(err, ErrDenied) and friends.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrDenied:
		return e.Code == rpc.CodeUserDenied || e.Code == rpc.CodePolicyDenied
	case ErrApprovalTimeout:
		return e.Code == rpc.CodeApprovalTimeout
	case ErrConnection:
		return e.Code == rpc.CodeNotAuthenticated
	default:
		return false
	}
}

// ConnectionError wraps a transport failure.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection failed: %v", e.Cause)
	}
	return "connection failed"
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches ErrConnection.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}
