package request

import (
	"errors"
	"fmt"

	"github.com/agentpass/agentpass/pkg/rpc"
)

// Kind classifies a per-request error for auditing and for mapping onto
// the agent channel's error codes.
type Kind string

const (
	KindParse            Kind = "PARSE"
	KindInvalidRequest   Kind = "INVALID_REQUEST"
	KindMethodNotFound   Kind = "METHOD_NOT_FOUND"
	KindNotAuthenticated Kind = "NOT_AUTHENTICATED"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindPolicyDenied     Kind = "POLICY_DENIED"
	KindUserDenied       Kind = "USER_DENIED"
	KindTimedOut         Kind = "TIMED_OUT"
	KindExecutionFailed  Kind = "EXECUTION_FAILED"
	KindConfig           Kind = "CONFIG"
	KindInternal         Kind = "INTERNAL"
)

// ExecKind subdivides execution failures for auditing.
type ExecKind string

const (
	ExecAuth       ExecKind = "auth"
	ExecNotFound   ExecKind = "not_found"
	ExecConnection ExecKind = "connection"
	ExecProtocol   ExecKind = "protocol"
	ExecOther      ExecKind = "other"
)

// Error is the typed per-request error. The agent sees only the mapped
// code and message; wrapped detail stays gateway-side.
type Error struct {
	Kind     Kind
	ExecKind ExecKind
	Message  string
	Wrapped  error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Wrapped
}

// RPCCode maps the error kind onto the agent channel's numeric codes.
func (e *Error) RPCCode() int64 {
	switch e.Kind {
	case KindParse:
		return rpc.CodeParseError
	case KindInvalidRequest:
		return rpc.CodeInvalidRequest
	case KindMethodNotFound:
		return rpc.CodeMethodNotFound
	case KindNotAuthenticated:
		return rpc.CodeNotAuthenticated
	case KindRateLimited:
		return rpc.CodeRateLimitExceeded
	case KindPolicyDenied:
		return rpc.CodePolicyDenied
	case KindUserDenied:
		return rpc.CodeUserDenied
	case KindTimedOut:
		return rpc.CodeApprovalTimeout
	default:
		return rpc.CodeExecutionFailed
	}
}

// AuditKind renders the kind for the audit record's error_kind column.
// Execution failures carry their subtype.
func (e *Error) AuditKind() string {
	if e.Kind == KindExecutionFailed && e.ExecKind != "" {
		return string(e.Kind) + ":" + string(e.ExecKind)
	}
	return string(e.Kind)
}

// NewError builds a typed error with no underlying cause.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewExecError builds an execution failure with a subtype and cause.
func NewExecError(kind ExecKind, message string, cause error) *Error {
	return &Error{Kind: KindExecutionFailed, ExecKind: kind, Message: message, Wrapped: cause}
}

// WrapError attaches a cause to a typed error.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// AsError extracts the typed error from an error chain. Unclassified
// errors become KindInternal with a generic message, so agents never see
// internal detail.
func AsError(err error) *Error {
	var reqErr *Error
	if errors.As(err, &reqErr) {
		return reqErr
	}
	return &Error{Kind: KindInternal, Message: "internal error", Wrapped: err}
}
