// Package store defines the persistence port for the gateway: the
// append-only audit log, pending-approval records, and the offline
// result queue.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentpass/agentpass/internal/domain/request"
)

// Store is the durable persistence port. Implementations must be safe
// for concurrent use and serialize writes (single-writer invariant).
type Store interface {
	// AppendAudit appends one audit record. Every request gets exactly
	// one record, written at its terminal state; callers must not reply
	// to the agent before this returns.
	AppendAudit(ctx context.Context, rec request.AuditRecord) error

	// InsertPending persists a pending approval in the waiting state.
	// Inserting an existing request_id is an error.
	InsertPending(ctx context.Context, p *request.PendingApproval) error

	// ResolvePending atomically transitions a waiting pending record to
	// resolved. Idempotent: the first caller wins and gets winner=true;
	// later callers get winner=false and the prior resolution. This is
	// the only synchronization between the approval and timeout paths.
	ResolvePending(ctx context.Context, requestID string, resolution request.Resolution, result json.RawMessage) (winner bool, prior request.Resolution, err error)

	// GetPending returns a pending record by id, or ok=false.
	GetPending(ctx context.Context, requestID string) (p *request.PendingApproval, ok bool, err error)

	// PendingCount returns the number of records still waiting.
	PendingCount(ctx context.Context) (int, error)

	// SweepStale resolves every waiting record with expires_at <= now as
	// TIMED_OUT and returns them for notification. Run at startup before
	// accepting requests, and periodically as a safety net.
	SweepStale(ctx context.Context, now time.Time) ([]request.PendingApproval, error)

	// EnqueueOfflineResult buffers a result whose agent session was gone
	// at delivery time.
	EnqueueOfflineResult(ctx context.Context, res request.OfflineResult) error

	// DrainOfflineResults atomically returns and deletes all buffered
	// results. Each result is returned exactly once across all callers.
	DrainOfflineResults(ctx context.Context) ([]request.OfflineResult, error)

	// HealthCheck verifies the store is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}
