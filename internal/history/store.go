package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mcps/internal/config"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// DefaultLimit applies when a query asks for no specific count.
	DefaultLimit = 50
	maxLimit     = 1000
)

// Store manages the call log backed by SQLite.
type Store struct {
	db         *sql.DB
	path       string
	maxEntries int
}

// Open initializes or connects to the history database configured by cfg.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.HistoryPath(), cfg.History.MaxEntries)
}

// OpenPath opens the database at path. maxEntries of zero disables pruning.
func OpenPath(path string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path, maxEntries: maxEntries}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Record inserts call and prunes rows beyond the configured maximum. It
// returns the assigned identifier.
func (s *Store) Record(ctx context.Context, call Call) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if strings.TrimSpace(call.Server) == "" || strings.TrimSpace(call.Tool) == "" {
		return 0, errors.New("history: server and tool are required")
	}
	if call.StartedAt.IsZero() {
		call.StartedAt = time.Now()
	}
	if call.Outcome == "" {
		call.Outcome = OutcomeOK
	}

	res, err := s.execWithRetry(ctx,
		`INSERT INTO calls (
            request_id, server, tool, args_json, outcome, error_message, duration_ms, started_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableString(call.RequestID),
		call.Server,
		call.Tool,
		nullableString(string(call.Args)),
		string(call.Outcome),
		nullableString(call.Error),
		call.DurationMillis(),
		call.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if s.maxEntries > 0 {
		if _, err := s.execWithRetry(ctx,
			`DELETE FROM calls WHERE id <= (
                SELECT id FROM calls ORDER BY id DESC LIMIT 1 OFFSET ?
            )`, s.maxEntries); err != nil {
			return id, fmt.Errorf("prune calls: %w", err)
		}
	}
	return id, nil
}

// Recent returns the newest calls first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Call, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT id, request_id, server, tool, args_json, outcome, error_message, duration_ms, started_at FROM calls`
	args := []any{}
	if server := strings.TrimSpace(q.Server); server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	calls := []Call{}
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls: %w", err)
	}
	return calls, nil
}

// Count returns the number of stored calls.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(1) FROM calls`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count calls: %w", err)
	}
	return count, nil
}

// Clear deletes every stored call and reports how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM calls`)
	if err != nil {
		return 0, fmt.Errorf("clear calls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (Call, error) {
	var (
		call       Call
		requestID  sql.NullString
		argsJSON   sql.NullString
		outcome    string
		errMessage sql.NullString
		durationMs int64
		startedAt  string
	)
	if err := row.Scan(&call.ID, &requestID, &call.Server, &call.Tool, &argsJSON, &outcome, &errMessage, &durationMs, &startedAt); err != nil {
		return Call{}, fmt.Errorf("scan call: %w", err)
	}
	call.RequestID = requestID.String
	if argsJSON.Valid && argsJSON.String != "" {
		call.Args = []byte(argsJSON.String)
	}
	call.Outcome = Outcome(outcome)
	call.Error = errMessage.String
	call.Duration = time.Duration(durationMs) * time.Millisecond
	if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		call.StartedAt = ts
	}
	return call, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
