// Package gateway implements the agent channel: the websocket server,
// per-connection sessions, and the request engine that carries each tool
// request from validation through policy, approval, dispatch, and audit.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/policy"
	"github.com/agentpass/agentpass/internal/domain/ratelimit"
	"github.com/agentpass/agentpass/internal/domain/registry"
	"github.com/agentpass/agentpass/internal/domain/request"
	"github.com/agentpass/agentpass/internal/domain/store"
	"github.com/agentpass/agentpass/internal/messenger"
	"github.com/agentpass/agentpass/internal/service"
	"github.com/agentpass/agentpass/pkg/rpc"
)

// ToolOutcome is the deliverable end state of one tool request: either a
// result payload or a typed error, plus the identifiers the offline queue
// needs when the originating session is gone.
type ToolOutcome struct {
	RequestID string
	ToolName  string
	Payload   json.RawMessage
	Err       *request.Error

	// Dropped marks an outcome that must not be delivered or queued,
	// e.g. a wait abandoned by gateway shutdown. The pending record stays
	// persisted for the next boot's sweep.
	Dropped bool
}

// OfflinePayload renders the outcome as an offline result blob. Errors
// collapse to status "denied" (user/timeout) or "error" (execution), so
// a draining agent sees the same shapes an online one would.
func (o ToolOutcome) OfflinePayload() json.RawMessage {
	if o.Err == nil {
		return o.Payload
	}
	status := "error"
	switch o.Err.Kind {
	case request.KindUserDenied, request.KindTimedOut:
		status = "denied"
	}
	blob, err := json.Marshal(map[string]string{
		"status": status,
		"data":   o.Err.Message,
	})
	if err != nil {
		return json.RawMessage(`{"status":"error","data":"internal error"}`)
	}
	return blob
}

// executedPayload wraps a dispatch result in the wire shape agents expect.
func executedPayload(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(map[string]json.RawMessage{
		"status": json.RawMessage(`"executed"`),
		"data":   data,
	})
}

// Engine drives the per-request lifecycle. One engine serves all
// sessions; pending approvals are tracked in memory for rendezvous and in
// the store for durability.
type Engine struct {
	registry  *registry.Registry
	policy    *policy.Engine
	executor  *service.Executor
	store     store.Store
	messenger messenger.Adapter
	limiter   ratelimit.Limiter
	metrics   *Metrics
	logger    *slog.Logger

	approvalTimeout time.Duration
	maxPending      int
	autoAllowBudget ratelimit.Config

	// mu guards pending and reserved. pending maps request ids to their
	// in-memory rendezvous; reserved counts slots claimed between the
	// quota check and the store insert.
	mu       sync.Mutex
	pending  map[string]*request.PendingApproval
	reserved int

	now func() time.Time
}

// NewEngine wires the request engine.
func NewEngine(
	cfg *config.Config,
	reg *registry.Registry,
	pol *policy.Engine,
	exec *service.Executor,
	st store.Store,
	msgr messenger.Adapter,
	limiter ratelimit.Limiter,
	metrics *Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		registry:        reg,
		policy:          pol,
		executor:        exec,
		store:           st,
		messenger:       msgr,
		limiter:         limiter,
		metrics:         metrics,
		logger:          logger.With("component", "engine"),
		approvalTimeout: cfg.ApprovalTimeoutDuration(),
		maxPending:      cfg.RateLimit.MaxPendingApprovals,
		autoAllowBudget: ratelimit.PerMinute(cfg.RateLimit.MaxRequestsPerMinute),
		pending:         make(map[string]*request.PendingApproval),
		now:             time.Now,
	}
}

// HandleToolRequest runs one tool request to its terminal state. It
// blocks for the full approval wait on ASK decisions; callers run it on
// a per-request goroutine. Every terminal state is audited before the
// outcome is returned.
func (e *Engine) HandleToolRequest(ctx context.Context, params rpc.ToolRequestParams) ToolOutcome {
	req := request.ToolRequest{
		RequestID: uuid.NewString(),
		ToolName:  params.Tool,
		Args:      params.Args,
	}
	signature := e.registry.BuildSignature(req.ToolName, req.Args)
	outcome := ToolOutcome{RequestID: req.RequestID, ToolName: req.ToolName}

	tool, ok := e.registry.Lookup(req.ToolName)
	if !ok {
		outcome.Err = request.NewError(request.KindInvalidRequest,
			fmt.Sprintf("unknown tool: %s", req.ToolName))
		e.audit(ctx, req, signature, request.DecisionDeny, request.AuditRecord{
			Resolution: request.ResolutionDeniedByPolicy,
			ErrorKind:  string(request.KindMethodNotFound),
		})
		return outcome
	}

	if err := policy.ValidateArgs(tool, req.Args); err != nil {
		outcome.Err = request.AsError(err)
		e.audit(ctx, req, signature, request.DecisionDeny, request.AuditRecord{
			Resolution: request.ResolutionDeniedByPolicy,
			ErrorKind:  outcome.Err.AuditKind(),
		})
		return outcome
	}

	decision := e.policy.Evaluate(signature, req.ToolName, req.Args)
	e.metrics.Decisions.WithLabelValues(string(decision)).Inc()

	switch decision {
	case request.DecisionAllow:
		return e.handleAllow(ctx, req, signature, tool)
	case request.DecisionDeny:
		e.audit(ctx, req, signature, request.DecisionDeny, request.AuditRecord{
			Resolution: request.ResolutionDeniedByPolicy,
		})
		outcome.Err = request.NewError(request.KindPolicyDenied, "denied by policy")
		return outcome
	default:
		return e.handleAsk(ctx, req, signature, tool)
	}
}

// handleAllow enforces the auto-allow budget and dispatches. Rate-limit
// rejections have no side effects: nothing executes and nothing is
// audited, since the request never reaches a terminal resolution.
func (e *Engine) handleAllow(ctx context.Context, req request.ToolRequest, signature string, tool *registry.Tool) ToolOutcome {
	outcome := ToolOutcome{RequestID: req.RequestID, ToolName: req.ToolName}

	res, err := e.limiter.Allow(ctx, ratelimit.AutoAllowKey, e.autoAllowBudget)
	if err != nil {
		e.logger.Error("rate limiter failed", "error", err)
		outcome.Err = request.WrapError(request.KindInternal, "internal error", err)
		return outcome
	}
	if !res.Allowed {
		e.metrics.RateLimitRejects.Inc()
		outcome.Err = request.NewError(request.KindRateLimited,
			fmt.Sprintf("rate limit exceeded, retry in %s", res.RetryAfter.Round(time.Second)))
		return outcome
	}

	return e.dispatch(ctx, req, signature, tool, request.DecisionAllow, "")
}

// dispatch executes the tool and audits the terminal state. decidedBy is
// set on the approval path.
func (e *Engine) dispatch(ctx context.Context, req request.ToolRequest, signature string, tool *registry.Tool, decision request.Decision, decidedBy string) ToolOutcome {
	outcome := ToolOutcome{RequestID: req.RequestID, ToolName: req.ToolName}

	start := e.now()
	data, err := e.executor.Execute(ctx, tool, req.Args)
	e.metrics.DispatchDuration.WithLabelValues(tool.ServiceName).Observe(e.now().Sub(start).Seconds())

	if err != nil {
		outcome.Err = request.AsError(err)
		e.audit(ctx, req, signature, decision, request.AuditRecord{
			Resolution: request.ResolutionExecutionFailed,
			ErrorKind:  outcome.Err.AuditKind(),
			ResolvedBy: decidedBy,
		})
		return outcome
	}

	payload, err := executedPayload(data)
	if err != nil {
		outcome.Err = request.WrapError(request.KindInternal, "internal error", err)
		e.audit(ctx, req, signature, decision, request.AuditRecord{
			Resolution: request.ResolutionExecutionFailed,
			ErrorKind:  string(request.KindInternal),
			ResolvedBy: decidedBy,
		})
		return outcome
	}

	outcome.Payload = payload
	e.audit(ctx, req, signature, decision, request.AuditRecord{
		Resolution: request.ResolutionExecuted,
		Result:     payload,
		ResolvedBy: decidedBy,
	})
	return outcome
}

// handleAsk persists a pending approval, presents it, and waits for
// whichever of the guardian callback and the expiry timer wins the
// idempotent resolve.
func (e *Engine) handleAsk(ctx context.Context, req request.ToolRequest, signature string, tool *registry.Tool) ToolOutcome {
	outcome := ToolOutcome{RequestID: req.RequestID, ToolName: req.ToolName}

	if err := e.reserveSlot(ctx); err != nil {
		outcome.Err = request.AsError(err)
		return outcome
	}

	pending := request.NewPendingApproval(req, signature, e.now(), e.approvalTimeout)
	if err := e.store.InsertPending(ctx, pending); err != nil {
		e.releaseSlot(nil)
		e.logger.Error("failed to persist pending approval", "request_id", req.RequestID, "error", err)
		outcome.Err = request.WrapError(request.KindInternal, "internal error", err)
		return outcome
	}
	e.releaseSlot(pending)
	e.metrics.PendingApprovals.Inc()
	defer func() {
		e.forgetPending(req.RequestID)
		e.metrics.PendingApprovals.Dec()
	}()

	if err := e.messenger.SendApproval(ctx, messenger.ApprovalRequest{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Signature: signature,
		Args:      req.Args,
		ExpiresAt: pending.ExpiresAt,
	}); err != nil {
		e.logger.Error("failed to deliver approval prompt", "request_id", req.RequestID, "error", err)
		// Nobody can approve what nobody saw; resolve as timed out so the
		// record does not linger until the sweep.
		if winner, _, rerr := e.store.ResolvePending(ctx, req.RequestID, request.ResolutionTimedOut, nil); rerr == nil && winner {
			e.audit(ctx, req, signature, request.DecisionAsk, request.AuditRecord{
				Resolution: request.ResolutionTimedOut,
				ErrorKind:  string(request.KindInternal),
			})
		}
		outcome.Err = request.WrapError(request.KindTimedOut, "approval request could not be delivered", err)
		return outcome
	}

	waited, abandoned := e.awaitResolution(ctx, pending)
	if abandoned {
		outcome.Dropped = true
		outcome.Err = request.NewError(request.KindInternal, "gateway shutting down")
		return outcome
	}
	return e.settle(ctx, req, signature, tool, pending, waited)
}

// awaitResolution blocks until the pending approval resolves. The expiry
// timer races the guardian callback through the store's idempotent
// resolve; the loser of that race waits for the winner's delivery.
// Returns abandoned=true when ctx is cancelled before resolution, which
// leaves the record persisted for the next boot.
func (e *Engine) awaitResolution(ctx context.Context, pending *request.PendingApproval) (request.Outcome, bool) {
	timer := time.NewTimer(time.Until(pending.ExpiresAt))
	defer timer.Stop()

	select {
	case o := <-pending.Resolution():
		return o, false

	case <-ctx.Done():
		return request.Outcome{}, true

	case <-timer.C:
		winner, prior, err := e.store.ResolvePending(ctx, pending.RequestID, request.ResolutionTimedOut, nil)
		if err != nil {
			e.logger.Error("failed to resolve pending as timed out", "request_id", pending.RequestID, "error", err)
			return request.Outcome{Resolution: request.ResolutionTimedOut}, false
		}
		if winner {
			return request.Outcome{Resolution: request.ResolutionTimedOut}, false
		}
		// The callback (or the sweeper) won between the timer firing and
		// our resolve; its delivery is guaranteed.
		e.logger.Debug("approval timer lost the resolve race", "request_id", pending.RequestID, "prior", prior)
		select {
		case o := <-pending.Resolution():
			return o, false
		case <-ctx.Done():
			return request.Outcome{}, true
		}
	}
}

// settle turns a resolution into the terminal outcome: dispatch on
// approval, typed errors otherwise. Audits, then edits the guardian
// prompt to reflect the final state.
func (e *Engine) settle(ctx context.Context, req request.ToolRequest, signature string, tool *registry.Tool, pending *request.PendingApproval, o request.Outcome) ToolOutcome {
	e.metrics.ApprovalLatency.Observe(e.now().Sub(pending.CreatedAt).Seconds())
	e.metrics.Resolutions.WithLabelValues(string(o.Resolution)).Inc()

	var outcome ToolOutcome
	switch o.Resolution {
	case request.ResolutionApproved:
		// Approval is explicit authorization; the auto-allow budget does
		// not apply.
		outcome = e.dispatch(ctx, req, signature, tool, request.DecisionAsk, o.DecidedBy)
		if outcome.Err != nil {
			e.messenger.UpdateApproval(ctx, req.RequestID, "✅ Approved — execution failed", outcome.Err.Message)
		} else {
			e.messenger.UpdateApproval(ctx, req.RequestID, "✅ Approved — executed", signature)
		}

	case request.ResolutionDeniedByUser:
		e.audit(ctx, req, signature, request.DecisionAsk, request.AuditRecord{
			Resolution: request.ResolutionDeniedByUser,
			ResolvedBy: o.DecidedBy,
		})
		outcome = ToolOutcome{
			RequestID: req.RequestID,
			ToolName:  req.ToolName,
			Err:       request.NewError(request.KindUserDenied, "denied by user"),
		}
		e.messenger.UpdateApproval(ctx, req.RequestID, "❌ Denied", signature)

	default: // TIMED_OUT
		e.audit(ctx, req, signature, request.DecisionAsk, request.AuditRecord{
			Resolution: request.ResolutionTimedOut,
		})
		outcome = ToolOutcome{
			RequestID: req.RequestID,
			ToolName:  req.ToolName,
			Err:       request.NewError(request.KindTimedOut, "approval timed out"),
		}
		e.messenger.UpdateApproval(ctx, req.RequestID, "⏰ Timed out", signature)
	}

	return outcome
}

// HandleResolution is the messenger's resolution handler: it races the
// expiry timer through the store's idempotent resolve and, on winning,
// delivers the outcome to the waiting request goroutine. Its error
// return drives what the guardian sees: ErrAlreadyResolved for a second
// click, ErrUnknownRequest for a stale button.
func (e *Engine) HandleResolution(ctx context.Context, result messenger.ApprovalResult) error {
	e.mu.Lock()
	pending, ok := e.pending[result.RequestID]
	e.mu.Unlock()

	if !ok {
		// No waiting goroutine: either already settled, or a button that
		// survived a restart.
		if p, found, err := e.store.GetPending(ctx, result.RequestID); err == nil && found && p.Status == request.PendingResolved {
			return messenger.ErrAlreadyResolved
		}
		return messenger.ErrUnknownRequest
	}

	resolution := request.ResolutionDeniedByUser
	if result.Approved {
		resolution = request.ResolutionApproved
	}

	winner, prior, err := e.store.ResolvePending(ctx, result.RequestID, resolution, nil)
	if err != nil {
		return fmt.Errorf("failed to resolve pending approval: %w", err)
	}
	if !winner {
		e.logger.Debug("guardian decision lost the resolve race",
			"request_id", result.RequestID, "prior", prior)
		return messenger.ErrAlreadyResolved
	}

	pending.Deliver(request.Outcome{Resolution: resolution, DecidedBy: result.UserID})
	e.logger.Info("approval resolved",
		"request_id", result.RequestID, "resolution", resolution, "decided_by", result.UserID)
	return nil
}

// SweepStale resolves every expired waiting record as TIMED_OUT. Records
// with a live waiting goroutine get the outcome delivered; orphans from a
// previous boot are audited here and their results queued for offline
// drain. Runs at startup before the listener opens, and periodically as
// a safety net.
func (e *Engine) SweepStale(ctx context.Context) error {
	swept, err := e.store.SweepStale(ctx, e.now())
	if err != nil {
		return fmt.Errorf("failed to sweep stale approvals: %w", err)
	}

	for i := range swept {
		p := &swept[i]

		e.mu.Lock()
		live, ok := e.pending[p.RequestID]
		e.mu.Unlock()
		if ok {
			live.Deliver(request.Outcome{Resolution: request.ResolutionTimedOut})
			continue
		}

		e.logger.Info("expired orphaned approval", "request_id", p.RequestID, "tool", p.ToolName)
		e.metrics.Resolutions.WithLabelValues(string(request.ResolutionTimedOut)).Inc()
		e.audit(ctx, request.ToolRequest{
			RequestID: p.RequestID,
			ToolName:  p.ToolName,
			Args:      p.Args,
		}, p.Signature, request.DecisionAsk, request.AuditRecord{
			Resolution: request.ResolutionTimedOut,
		})

		outcome := ToolOutcome{
			RequestID: p.RequestID,
			ToolName:  p.ToolName,
			Err:       request.NewError(request.KindTimedOut, "approval timed out"),
		}
		e.QueueOffline(ctx, outcome)
		e.messenger.UpdateApproval(ctx, p.RequestID, "⏰ Timed out", p.Signature)
	}

	return nil
}

// RunSweeper periodically sweeps expired approvals until ctx ends. The
// per-request timers normally settle expiries; the sweeper covers records
// orphaned by crashes.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SweepStale(ctx); err != nil {
				e.logger.Error("periodic sweep failed", "error", err)
			}
		}
	}
}

// QueueOffline buffers an outcome whose session was gone at delivery
// time, for a later get_pending_results drain.
func (e *Engine) QueueOffline(ctx context.Context, outcome ToolOutcome) {
	if outcome.Dropped {
		return
	}
	err := e.store.EnqueueOfflineResult(ctx, request.OfflineResult{
		RequestID: outcome.RequestID,
		ToolName:  outcome.ToolName,
		Result:    outcome.OfflinePayload(),
		CreatedAt: e.now(),
	})
	if err != nil {
		e.logger.Error("failed to queue offline result", "request_id", outcome.RequestID, "error", err)
		return
	}
	e.metrics.OfflineResults.Inc()
	e.logger.Info("result queued for offline delivery", "request_id", outcome.RequestID, "tool", outcome.ToolName)
}

// DrainOfflineResults atomically drains the offline queue.
func (e *Engine) DrainOfflineResults(ctx context.Context) (rpc.PendingResultsResult, error) {
	drained, err := e.store.DrainOfflineResults(ctx)
	if err != nil {
		return rpc.PendingResultsResult{}, request.WrapError(request.KindInternal, "internal error", err)
	}
	e.metrics.OfflineDrains.Inc()

	out := rpc.PendingResultsResult{Results: make([]rpc.PendingResult, 0, len(drained))}
	for _, r := range drained {
		out.Results = append(out.Results, rpc.PendingResult{
			RequestID: r.RequestID,
			Tool:      r.ToolName,
			Result:    r.Result,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// ListTools renders the registry for the list_tools method.
func (e *Engine) ListTools() rpc.ListToolsResult {
	tools := e.registry.AllTools()
	out := rpc.ListToolsResult{Tools: make([]rpc.ToolInfo, 0, len(tools))}
	for _, t := range tools {
		info := rpc.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Service:     t.ServiceName,
			Args:        make(map[string]rpc.ArgInfo, len(t.Args)),
		}
		for name, arg := range t.Args {
			info.Args[name] = rpc.ArgInfo{Required: arg.Required, Validate: arg.Pattern}
		}
		out.Tools = append(out.Tools, info)
	}
	return out
}

// reserveSlot claims one pending-approval slot against the quota. The
// reservation covers the gap between the count and the store insert so
// concurrent ASK requests cannot overshoot the ceiling.
func (e *Engine) reserveSlot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	count, err := e.store.PendingCount(ctx)
	if err != nil {
		return request.WrapError(request.KindInternal, "internal error", err)
	}
	if count+e.reserved >= e.maxPending {
		e.metrics.RateLimitRejects.Inc()
		return request.NewError(request.KindRateLimited, "too many pending approvals")
	}
	e.reserved++
	return nil
}

// releaseSlot converts a reservation into a tracked pending, or drops it
// when the insert failed.
func (e *Engine) releaseSlot(p *request.PendingApproval) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved--
	if p != nil {
		e.pending[p.RequestID] = p
	}
}

func (e *Engine) forgetPending(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, requestID)
}

// audit appends the terminal record. Every request that enters the
// engine gets exactly one; the reply never goes out before the append
// returns. Append failures are logged, not surfaced: the resolution
// already happened and the agent still deserves its reply.
func (e *Engine) audit(ctx context.Context, req request.ToolRequest, signature string, decision request.Decision, rec request.AuditRecord) {
	rec.Timestamp = e.now()
	rec.RequestID = req.RequestID
	rec.ToolName = req.ToolName
	rec.Signature = signature
	rec.Args = req.Args
	rec.Decision = decision

	if err := e.store.AppendAudit(ctx, rec); err != nil {
		e.logger.Error("failed to append audit record",
			"request_id", req.RequestID, "resolution", rec.Resolution, "error", err)
	}

	logAttrs := []any{
		"request_id", req.RequestID,
		"tool", req.ToolName,
		"signature", signature,
		"decision", decision,
		"resolution", rec.Resolution,
	}
	if rec.ErrorKind != "" {
		logAttrs = append(logAttrs, "error_kind", rec.ErrorKind)
	}
	e.logger.Info("request resolved", logAttrs...)
}
