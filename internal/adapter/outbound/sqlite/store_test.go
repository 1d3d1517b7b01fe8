package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentpass/agentpass/internal/domain/request"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agentpass.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPending(id string, now time.Time, timeout time.Duration) *request.PendingApproval {
	return request.NewPendingApproval(request.ToolRequest{
		RequestID: id,
		ToolName:  "ha_call_service",
		Args:      map[string]string{"domain": "light", "service": "turn_on", "entity_id": "light.bedroom"},
	}, "ha_call_service(light.turn_on, light.bedroom)", now, timeout)
}

func TestAppendAudit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	rec := request.AuditRecord{
		Timestamp:  time.Now(),
		RequestID:  "req-1",
		ToolName:   "ha_call_service",
		Signature:  "ha_call_service(light.turn_on, light.bedroom)",
		Args:       map[string]string{"domain": "light"},
		Decision:   request.DecisionAllow,
		Resolution: request.ResolutionExecuted,
		Result:     json.RawMessage(`{"status":"executed","data":null}`),
	}
	if err := s.AppendAudit(ctx, rec); err != nil {
		t.Fatalf("AppendAudit() error: %v", err)
	}

	// A second record for the same request id is still append-only.
	rec.Resolution = request.ResolutionExecutionFailed
	if err := s.AppendAudit(ctx, rec); err != nil {
		t.Fatalf("AppendAudit() second record error: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE request_id = 'req-1'`).Scan(&count); err != nil {
		t.Fatalf("count query error: %v", err)
	}
	if count != 2 {
		t.Errorf("audit rows = %d, want 2", count)
	}
}

func TestInsertAndGetPending(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	p := newPending("req-1", now, 15*time.Minute)
	if err := s.InsertPending(ctx, p); err != nil {
		t.Fatalf("InsertPending() error: %v", err)
	}

	got, found, err := s.GetPending(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if !found {
		t.Fatal("GetPending() not found")
	}
	if got.ToolName != p.ToolName || got.Signature != p.Signature {
		t.Errorf("GetPending() = %+v, want tool/signature of inserted record", got)
	}
	if got.Status != request.PendingWaiting {
		t.Errorf("Status = %v, want waiting", got.Status)
	}
	if got.Args["entity_id"] != "light.bedroom" {
		t.Errorf("Args = %v, want round-tripped args", got.Args)
	}

	_, found, err = s.GetPending(ctx, "req-unknown")
	if err != nil {
		t.Fatalf("GetPending(unknown) error: %v", err)
	}
	if found {
		t.Error("GetPending(unknown) found = true, want false")
	}
}

func TestInsertPendingDuplicate(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertPending(ctx, newPending("req-1", now, time.Minute)); err != nil {
		t.Fatalf("InsertPending() error: %v", err)
	}
	err := s.InsertPending(ctx, newPending("req-1", now, time.Minute))
	if !errors.Is(err, ErrDuplicatePending) {
		t.Errorf("InsertPending(duplicate) = %v, want ErrDuplicatePending", err)
	}
}

func TestResolvePendingIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertPending(ctx, newPending("req-1", now, time.Minute)); err != nil {
		t.Fatalf("InsertPending() error: %v", err)
	}

	winner, res, err := s.ResolvePending(ctx, "req-1", request.ResolutionApproved, nil)
	if err != nil {
		t.Fatalf("ResolvePending() error: %v", err)
	}
	if !winner || res != request.ResolutionApproved {
		t.Errorf("first resolve: winner=%v res=%v, want winner with APPROVED", winner, res)
	}

	// The loser sees the prior resolution, not its own.
	winner, res, err = s.ResolvePending(ctx, "req-1", request.ResolutionTimedOut, nil)
	if err != nil {
		t.Fatalf("ResolvePending() second call error: %v", err)
	}
	if winner {
		t.Error("second resolve won, want loser")
	}
	if res != request.ResolutionApproved {
		t.Errorf("prior resolution = %v, want APPROVED", res)
	}

	got, _, err := s.GetPending(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if got.Status != request.PendingResolved {
		t.Errorf("Status = %v, want resolved", got.Status)
	}
}

func TestResolvePendingUnknown(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	_, _, err := s.ResolvePending(context.Background(), "nope", request.ResolutionApproved, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolvePending(unknown) = %v, want ErrNotFound", err)
	}
}

func TestResolvePendingConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertPending(ctx, newPending("req-race", now, time.Minute)); err != nil {
		t.Fatalf("InsertPending() error: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	winners := make(chan request.Resolution, racers)
	for i := 0; i < racers; i++ {
		res := request.ResolutionApproved
		if i%2 == 1 {
			res = request.ResolutionTimedOut
		}
		wg.Add(1)
		go func(res request.Resolution) {
			defer wg.Done()
			won, _, err := s.ResolvePending(ctx, "req-race", res, nil)
			if err != nil {
				t.Errorf("ResolvePending() error: %v", err)
				return
			}
			if won {
				winners <- res
			}
		}(res)
	}
	wg.Wait()
	close(winners)

	var count int
	var winning request.Resolution
	for res := range winners {
		count++
		winning = res
	}
	if count != 1 {
		t.Fatalf("winners = %d, want exactly 1", count)
	}

	// The stored resolution matches the winner's.
	_, prior, err := s.ResolvePending(ctx, "req-race", request.ResolutionDeniedByUser, nil)
	if err != nil {
		t.Fatalf("ResolvePending() error: %v", err)
	}
	if prior != winning {
		t.Errorf("stored resolution = %v, want winner's %v", prior, winning)
	}
}

func TestPendingCount(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.InsertPending(ctx, newPending(id, now, time.Minute)); err != nil {
			t.Fatalf("InsertPending(%s) error: %v", id, err)
		}
	}

	count, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error: %v", err)
	}
	if count != 3 {
		t.Errorf("PendingCount() = %d, want 3", count)
	}

	// Resolved records no longer count against the quota.
	if _, _, err := s.ResolvePending(ctx, "b", request.ResolutionTimedOut, nil); err != nil {
		t.Fatalf("ResolvePending() error: %v", err)
	}
	count, err = s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() error: %v", err)
	}
	if count != 2 {
		t.Errorf("PendingCount() = %d, want 2 after resolve", count)
	}
}

func TestSweepStale(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// One expired, one live, one already resolved.
	if err := s.InsertPending(ctx, newPending("expired", now.Add(-20*time.Minute), 15*time.Minute)); err != nil {
		t.Fatalf("InsertPending(expired) error: %v", err)
	}
	if err := s.InsertPending(ctx, newPending("live", now, 15*time.Minute)); err != nil {
		t.Fatalf("InsertPending(live) error: %v", err)
	}
	if err := s.InsertPending(ctx, newPending("resolved", now.Add(-20*time.Minute), time.Minute)); err != nil {
		t.Fatalf("InsertPending(resolved) error: %v", err)
	}
	if _, _, err := s.ResolvePending(ctx, "resolved", request.ResolutionApproved, nil); err != nil {
		t.Fatalf("ResolvePending() error: %v", err)
	}

	swept, err := s.SweepStale(ctx, now)
	if err != nil {
		t.Fatalf("SweepStale() error: %v", err)
	}
	if len(swept) != 1 || swept[0].RequestID != "expired" {
		t.Fatalf("SweepStale() = %v, want only the expired record", swept)
	}

	got, _, err := s.GetPending(ctx, "expired")
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if got.Status != request.PendingResolved {
		t.Errorf("swept record status = %v, want resolved", got.Status)
	}

	live, _, err := s.GetPending(ctx, "live")
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if live.Status != request.PendingWaiting {
		t.Errorf("live record status = %v, want waiting", live.Status)
	}

	// A second sweep finds nothing.
	swept, err = s.SweepStale(ctx, now)
	if err != nil {
		t.Fatalf("SweepStale() second pass error: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("second sweep = %v, want empty", swept)
	}
}

func TestOfflineResultsExactlyOnce(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"r1", "r2"} {
		err := s.EnqueueOfflineResult(ctx, request.OfflineResult{
			RequestID: id,
			ToolName:  "ha_call_service",
			Result:    json.RawMessage(`{"status":"executed","data":null}`),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("EnqueueOfflineResult(%s) error: %v", id, err)
		}
	}

	drained, err := s.DrainOfflineResults(ctx)
	if err != nil {
		t.Fatalf("DrainOfflineResults() error: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("drained %d results, want 2", len(drained))
	}
	if drained[0].RequestID != "r1" || drained[1].RequestID != "r2" {
		t.Errorf("drain order = %s,%s, want insertion order r1,r2", drained[0].RequestID, drained[1].RequestID)
	}

	// Exactly once: the second drain is empty.
	drained, err = s.DrainOfflineResults(ctx)
	if err != nil {
		t.Fatalf("DrainOfflineResults() second call error: %v", err)
	}
	if len(drained) != 0 {
		t.Errorf("second drain = %d results, want 0", len(drained))
	}

	// Results enqueued after a drain survive for the next one.
	err = s.EnqueueOfflineResult(ctx, request.OfflineResult{
		RequestID: "r3",
		ToolName:  "ha_get_state",
		Result:    json.RawMessage(`{"status":"denied","data":"Denied by user"}`),
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("EnqueueOfflineResult(r3) error: %v", err)
	}
	drained, err = s.DrainOfflineResults(ctx)
	if err != nil {
		t.Fatalf("DrainOfflineResults() third call error: %v", err)
	}
	if len(drained) != 1 || drained[0].RequestID != "r3" {
		t.Errorf("third drain = %v, want only r3", drained)
	}
}

func TestReopenPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agentpass.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	ctx := context.Background()
	if err := s.InsertPending(ctx, newPending("survivor", time.Now(), time.Minute)); err != nil {
		t.Fatalf("InsertPending() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer s2.Close()

	_, found, err := s2.GetPending(ctx, "survivor")
	if err != nil {
		t.Fatalf("GetPending() after reopen error: %v", err)
	}
	if !found {
		t.Error("pending record did not survive reopen")
	}
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}
}
