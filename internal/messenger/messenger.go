// Package messenger defines the approval messenger port: how the
// gateway presents pending requests to the guardian and receives their
// decisions.
package messenger

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyResolved is returned by a resolution handler when the
// request already has a terminal resolution. Adapters should tell the
// guardian the action was a no-op.
var ErrAlreadyResolved = errors.New("request already resolved")

// ErrUnknownRequest is returned by a resolution handler when the
// request id is not known, typically a stale button surviving a
// gateway restart. Adapters should show an "expired" notice.
var ErrUnknownRequest = errors.New("unknown request")

// ApprovalRequest is a pending tool request presented for approval.
type ApprovalRequest struct {
	RequestID string
	ToolName  string
	Signature string
	Args      map[string]string
	ExpiresAt time.Time
}

// ApprovalResult is the guardian's decision.
type ApprovalResult struct {
	RequestID string
	Approved  bool
	// UserID identifies the deciding principal in adapter-specific form.
	UserID    string
	Timestamp time.Time
}

// ResolutionHandler receives guardian decisions. The handler resolves
// the request through the store's idempotent resolve; its error return
// tells the adapter what to show the guardian.
type ResolutionHandler func(ctx context.Context, result ApprovalResult) error

// Adapter is the messenger contract. Implementations must reject
// decisions from non-authorized principals before invoking the handler.
type Adapter interface {
	// SendApproval presents a pending request to the guardian.
	SendApproval(ctx context.Context, req ApprovalRequest) error

	// UpdateApproval edits a previously sent prompt to reflect a
	// terminal state. Best-effort: failures are logged, not returned.
	UpdateApproval(ctx context.Context, requestID, status, detail string)

	// OnResolution registers the handler invoked on guardian decisions.
	// Must be called before Start.
	OnResolution(handler ResolutionHandler)

	// Start begins listening for guardian interactions.
	Start(ctx context.Context) error

	// Stop shuts the adapter down.
	Stop(ctx context.Context) error

	// HealthCheck verifies connectivity to the messenger backend.
	HealthCheck(ctx context.Context) error
}
