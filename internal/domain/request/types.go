// Package request defines the core data model of the gateway: tool
// requests, policy decisions, terminal resolutions, pending approvals,
// audit records, and offline results.
package request

import (
	"encoding/json"
	"time"
)

// Decision is the outcome of policy evaluation.
type Decision string

const (
	// DecisionAllow executes the request immediately, subject to the
	// auto-allow rate limit.
	DecisionAllow Decision = "ALLOW"
	// DecisionAsk routes the request through human approval.
	DecisionAsk Decision = "ASK"
	// DecisionDeny rejects the request without execution.
	DecisionDeny Decision = "DENY"
)

// Resolution is the terminal state of a request lifecycle. Every request
// that enters the engine ends in exactly one of these.
type Resolution string

const (
	ResolutionApproved        Resolution = "APPROVED"
	ResolutionDeniedByUser    Resolution = "DENIED_BY_USER"
	ResolutionTimedOut        Resolution = "TIMED_OUT"
	ResolutionExecuted        Resolution = "EXECUTED"
	ResolutionExecutionFailed Resolution = "EXECUTION_FAILED"
	ResolutionDeniedByPolicy  Resolution = "DENIED_BY_POLICY"
)

// Terminal reports whether the resolution ends the request lifecycle.
// APPROVED is an intermediate state: the request still dispatches and
// lands on EXECUTED or EXECUTION_FAILED.
func (r Resolution) Terminal() bool {
	return r != ResolutionApproved
}

// ToolRequest is an agent's request to execute one tool. Immutable.
type ToolRequest struct {
	// RequestID uniquely identifies the request. Assigned by the gateway.
	RequestID string
	// ToolName names the registered tool.
	ToolName string
	// Args maps argument names to their scalar values.
	Args map[string]string
}

// Outcome is what a resolution path hands back to the waiting request:
// the resolution itself plus the execution result when one exists.
type Outcome struct {
	Resolution Resolution
	Result     json.RawMessage
	// DecidedBy identifies the human principal for user resolutions.
	DecidedBy string
}

// PendingStatus tracks a pending approval record's lifecycle in the store.
type PendingStatus string

const (
	PendingWaiting  PendingStatus = "waiting"
	PendingResolved PendingStatus = "resolved"
)

// PendingApproval is a durable record of a request awaiting human
// decision. The resolution channel is in-memory only: it connects the
// waiting request goroutine (reader) with whichever of the messenger
// callback or the timeout timer wins the idempotent resolve (writer).
type PendingApproval struct {
	RequestID string
	ToolName  string
	Signature string
	Args      map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
	Status    PendingStatus

	// resolution is a one-shot rendezvous. Buffered so the single winning
	// writer never blocks even if the reader is gone.
	resolution chan Outcome
}

// NewPendingApproval builds a pending record with its rendezvous channel.
func NewPendingApproval(req ToolRequest, signature string, now time.Time, timeout time.Duration) *PendingApproval {
	return &PendingApproval{
		RequestID:  req.RequestID,
		ToolName:   req.ToolName,
		Signature:  signature,
		Args:       req.Args,
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeout),
		Status:     PendingWaiting,
		resolution: make(chan Outcome, 1),
	}
}

// Resolution returns the receive side of the rendezvous.
func (p *PendingApproval) Resolution() <-chan Outcome {
	return p.resolution
}

// Deliver hands the outcome to the waiting goroutine. Only the winner of
// the idempotent resolve may call this, exactly once.
func (p *PendingApproval) Deliver(o Outcome) {
	p.resolution <- o
}

// AuditRecord is one append-only audit row. A request gets exactly one
// record, written at its terminal state.
type AuditRecord struct {
	Timestamp  time.Time         `json:"timestamp"`
	RequestID  string            `json:"request_id"`
	ToolName   string            `json:"tool_name"`
	Signature  string            `json:"signature"`
	Args       map[string]string `json:"args"`
	Decision   Decision          `json:"decision"`
	Resolution Resolution        `json:"resolution"`
	Result     json.RawMessage   `json:"result,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	ResolvedBy string            `json:"resolved_by,omitempty"`
}

// OfflineResult buffers a resolution whose originating session was gone
// at delivery time. Drained exactly once via get_pending_results.
type OfflineResult struct {
	RequestID string
	ToolName  string
	Result    json.RawMessage
	CreatedAt time.Time
}
