// Package sqlite implements the store port on an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentpass/agentpass/internal/domain/request"
	"github.com/agentpass/agentpass/internal/domain/store"
)

// ErrNotFound is returned when a pending record does not exist.
var ErrNotFound = errors.New("pending request not found")

// ErrDuplicatePending is returned when inserting an already-known
// request id.
var ErrDuplicatePending = errors.New("pending request already exists")

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    request_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    signature TEXT NOT NULL,
    args_json TEXT NOT NULL,
    decision TEXT NOT NULL,
    resolution TEXT NOT NULL,
    result_json TEXT,
    error_kind TEXT,
    resolved_by TEXT
);

CREATE TABLE IF NOT EXISTS pending_requests (
    request_id TEXT PRIMARY KEY,
    tool_name TEXT NOT NULL,
    signature TEXT NOT NULL,
    args_json TEXT NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'waiting',
    resolution TEXT,
    result_json TEXT
);

CREATE TABLE IF NOT EXISTS offline_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    result_json TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id);
CREATE INDEX IF NOT EXISTS idx_pending_status_expires ON pending_requests(status, expires_at);
`

// timeFormat is RFC 3339 with second precision in UTC, matching the
// lexicographic-ordering assumption of the expires_at index.
const timeFormat = "2006-01-02T15:04:05Z"

// Store is the SQLite-backed store. Writes are serialized through a
// mutex on top of SQLite's own locking; the database is owned by a
// single gateway process.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. The file is chmodded to 0600: audit rows carry argument
// values.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the store is single-writer and modernc/sqlite
	// serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

// AppendAudit appends one audit record.
func (s *Store) AppendAudit(ctx context.Context, rec request.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log
		   (timestamp, request_id, tool_name, signature, args_json,
		    decision, resolution, result_json, error_kind, resolved_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.RequestID,
		rec.ToolName,
		rec.Signature,
		string(argsJSON),
		string(rec.Decision),
		string(rec.Resolution),
		nullableJSON(rec.Result),
		nullableString(rec.ErrorKind),
		nullableString(rec.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// InsertPending persists a pending approval in the waiting state.
func (s *Store) InsertPending(ctx context.Context, p *request.PendingApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	argsJSON, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_requests
		   (request_id, tool_name, signature, args_json, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.RequestID,
		p.ToolName,
		p.Signature,
		string(argsJSON),
		p.CreatedAt.UTC().Format(timeFormat),
		p.ExpiresAt.UTC().Format(timeFormat),
		string(request.PendingWaiting),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePending
		}
		return fmt.Errorf("failed to insert pending request: %w", err)
	}
	return nil
}

// ResolvePending atomically transitions a waiting record to resolved.
// The first caller wins; later callers observe the prior resolution.
func (s *Store) ResolvePending(ctx context.Context, requestID string, resolution request.Resolution, result json.RawMessage) (bool, request.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pending_requests
		    SET status = ?, resolution = ?, result_json = ?
		  WHERE request_id = ? AND status = ?`,
		string(request.PendingResolved),
		string(resolution),
		nullableJSON(result),
		requestID,
		string(request.PendingWaiting),
	)
	if err != nil {
		return false, "", fmt.Errorf("failed to resolve pending request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}

	if affected == 1 {
		if err := tx.Commit(); err != nil {
			return false, "", fmt.Errorf("failed to commit resolution: %w", err)
		}
		return true, resolution, nil
	}

	// Lost the race (or unknown id): report the prior resolution.
	var prior sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT resolution FROM pending_requests WHERE request_id = ?`,
		requestID,
	).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to read prior resolution: %w", err)
	}
	return false, request.Resolution(prior.String), nil
}

// GetPending returns a pending record by id.
func (s *Store) GetPending(ctx context.Context, requestID string) (*request.PendingApproval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, tool_name, signature, args_json, created_at, expires_at, status
		   FROM pending_requests WHERE request_id = ?`,
		requestID,
	)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// PendingCount returns the number of records still waiting.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_requests WHERE status = ?`,
		string(request.PendingWaiting),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return count, nil
}

// SweepStale resolves every waiting record past its expiry as TIMED_OUT
// and returns them.
func (s *Store) SweepStale(ctx context.Context, now time.Time) ([]request.PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := now.UTC().Format(timeFormat)
	rows, err := tx.QueryContext(ctx,
		`SELECT request_id, tool_name, signature, args_json, created_at, expires_at, status
		   FROM pending_requests WHERE status = ? AND expires_at <= ?`,
		string(request.PendingWaiting), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale requests: %w", err)
	}

	var stale []request.PendingApproval
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stale = append(stale, *p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(stale) > 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE pending_requests
			    SET status = ?, resolution = ?
			  WHERE status = ? AND expires_at <= ?`,
			string(request.PendingResolved),
			string(request.ResolutionTimedOut),
			string(request.PendingWaiting),
			cutoff,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sweep stale requests: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}
	return stale, nil
}

// EnqueueOfflineResult buffers a result for a disconnected agent.
func (s *Store) EnqueueOfflineResult(ctx context.Context, res request.OfflineResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_results (request_id, tool_name, result_json, created_at)
		 VALUES (?, ?, ?, ?)`,
		res.RequestID,
		res.ToolName,
		string(res.Result),
		res.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue offline result: %w", err)
	}
	return nil
}

// DrainOfflineResults atomically returns and deletes all buffered
// results. Deleting by max id keeps results enqueued during the drain
// for the next call.
func (s *Store) DrainOfflineResults(ctx context.Context) ([]request.OfflineResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, request_id, tool_name, result_json, created_at
		   FROM offline_results ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline results: %w", err)
	}

	var results []request.OfflineResult
	var maxID int64
	for rows.Next() {
		var (
			id         int64
			res        request.OfflineResult
			resultJSON string
			createdAt  string
		)
		if err := rows.Scan(&id, &res.RequestID, &res.ToolName, &resultJSON, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		res.Result = json.RawMessage(resultJSON)
		res.CreatedAt, _ = time.Parse(timeFormat, createdAt)
		results = append(results, res)
		maxID = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(results) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_results WHERE id <= ?`, maxID); err != nil {
			return nil, fmt.Errorf("failed to delete drained results: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return results, nil
}

// HealthCheck verifies the store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanPending(sc scanner) (*request.PendingApproval, error) {
	var (
		p         request.PendingApproval
		argsJSON  string
		createdAt string
		expiresAt string
		status    string
	)
	if err := sc.Scan(&p.RequestID, &p.ToolName, &p.Signature, &argsJSON, &createdAt, &expiresAt, &status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(argsJSON), &p.Args); err != nil {
		return nil, fmt.Errorf("failed to decode args: %w", err)
	}
	p.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	p.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	p.Status = request.PendingStatus(status)
	return &p, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// isUniqueViolation detects a primary-key conflict without depending on
// driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
