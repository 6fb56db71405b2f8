package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
)

// SQLiteStore is a single-file Store[S] implementation.
//
// Designed for development and single-process deployments: zero setup, one
// database file, WAL mode for concurrent reads.
//
// Schema:
//   - checkpoints: step history per thread
//   - pending_interrupts: at most one row per thread
//   - audit_log: append-only gate records
//   - event_trail: durable event copies for reconnect replay
//
// Example:
//
//	st, err := store.NewSQLiteStore[workflow.State]("./olav.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
type SQLiteStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path and runs
// migrations. Use ":memory:" for an ephemeral database.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			node_id TEXT NOT NULL,
			next_node TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			saved_at TEXT NOT NULL,
			UNIQUE(thread_id, step)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, step)`,
		`CREATE TABLE IF NOT EXISTS pending_interrupts (
			thread_id TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			plan TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plan_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			record TEXT NOT NULL,
			requested_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_thread ON audit_log(thread_id, requested_at)`,
		`CREATE TABLE IF NOT EXISTS event_trail (
			thread_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			PRIMARY KEY(thread_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put commits a checkpoint inside a transaction, enforcing the monotonic
// step invariant against the current maximum.
func (s *SQLiteStore[S]) Put(ctx context.Context, threadID string, rec StepRecord[S]) error {
	if err := s.guard(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&max); err != nil {
		return fmt.Errorf("query max step: %w", err)
	}
	want := 1
	if max.Valid {
		want = int(max.Int64) + 1
	}
	if rec.Step != want {
		return ErrStaleStep
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, step, node_id, next_node, state, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, rec.Step, rec.NodeID, rec.NextNode, string(stateJSON),
		rec.SavedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore[S]) Latest(ctx context.Context, threadID string) (StepRecord[S], error) {
	var zero StepRecord[S]
	if err := s.guard(); err != nil {
		return zero, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT step, node_id, next_node, state, saved_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`, threadID)
	rec, err := scanStep[S](row.Scan)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("load latest: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore[S]) History(ctx context.Context, threadID string) ([]StepRecord[S], error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, node_id, next_node, state, saved_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepRecord[S]
	for rows.Next() {
		rec, err := scanStep[S](rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLiteStore[S]) MarkInterrupt(ctx context.Context, threadID string, ir InterruptRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	planJSON, err := json.Marshal(ir.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if ir.CreatedAt.IsZero() {
		ir.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_interrupts (thread_id, node_id, plan, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
			node_id = excluded.node_id,
			plan = excluded.plan,
			created_at = excluded.created_at`,
		threadID, ir.NodeID, string(planJSON), ir.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark interrupt: %w", err)
	}
	return nil
}

func (s *SQLiteStore[S]) PendingInterrupt(ctx context.Context, threadID string) (InterruptRecord, error) {
	var ir InterruptRecord
	if err := s.guard(); err != nil {
		return ir, err
	}
	var planJSON, createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT node_id, plan, created_at FROM pending_interrupts WHERE thread_id = ?`,
		threadID,
	).Scan(&ir.NodeID, &planJSON, &createdAt)
	if err == sql.ErrNoRows {
		return ir, ErrNoInterrupt
	}
	if err != nil {
		return ir, fmt.Errorf("load interrupt: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &ir.Plan); err != nil {
		return ir, fmt.Errorf("unmarshal plan: %w", err)
	}
	ir.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return ir, nil
}

func (s *SQLiteStore[S]) ClearInterrupt(ctx context.Context, threadID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_interrupts WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("clear interrupt: %w", err)
	}
	return nil
}

func (s *SQLiteStore[S]) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.thread_id, c.step, c.node_id, c.saved_at,
			EXISTS(SELECT 1 FROM pending_interrupts p WHERE p.thread_id = c.thread_id)
		 FROM checkpoints c
		 JOIN (SELECT thread_id, MAX(step) AS max_step FROM checkpoints GROUP BY thread_id) latest
			ON c.thread_id = latest.thread_id AND c.step = latest.max_step
		 ORDER BY c.saved_at DESC, c.thread_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ThreadInfo
	for rows.Next() {
		var info ThreadInfo
		var savedAt string
		var interrupted int
		if err := rows.Scan(&info.ThreadID, &info.Step, &info.NodeID, &savedAt, &interrupted); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
		info.Interrupted = interrupted != 0
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore[S]) AppendAudit(ctx context.Context, rec gate.AuditRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (plan_id, thread_id, record, requested_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.ThreadID, string(recJSON), rec.RequestedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore[S]) AuditRange(ctx context.Context, threadID string, from, to time.Time) ([]gate.AuditRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT record FROM audit_log WHERE 1=1`
	var args []any
	if threadID != "" {
		query += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	if !from.IsZero() {
		query += ` AND requested_at >= ?`
		args = append(args, from.Format(time.RFC3339Nano))
	}
	if !to.IsZero() {
		query += ` AND requested_at <= ?`
		args = append(args, to.Format(time.RFC3339Nano))
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []gate.AuditRecord
	for rows.Next() {
		var recJSON string
		if err := rows.Scan(&recJSON); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		var rec gate.AuditRecord
		if err := json.Unmarshal([]byte(recJSON), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore[S]) AppendEvents(ctx context.Context, threadID string, evs []event.Event) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range evs {
		evJSON, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		// Replays may resend a seq already stored; keep the first copy.
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO event_trail (thread_id, seq, event) VALUES (?, ?, ?)`,
			threadID, ev.Seq, string(evJSON)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore[S]) EventsSince(ctx context.Context, threadID string, since uint64) ([]event.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM event_trail WHERE thread_id = ? AND seq > ? ORDER BY seq ASC`,
		threadID, since)
	if err != nil {
		return nil, fmt.Errorf("query trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		var evJSON string
		if err := rows.Scan(&evJSON); err != nil {
			return nil, fmt.Errorf("scan trail: %w", err)
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(evJSON), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal trail: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore[S]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the connection, for health checks.
func (s *SQLiteStore[S]) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore[S]) Path() string { return s.path }

func (s *SQLiteStore[S]) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// scanStep decodes one checkpoint row. The scan argument abstracts over
// sql.Row and sql.Rows.
func scanStep[S any](scan func(...any) error) (StepRecord[S], error) {
	var rec StepRecord[S]
	var stateJSON, savedAt string
	if err := scan(&rec.Step, &rec.NodeID, &rec.NextNode, &stateJSON, &savedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
		return rec, fmt.Errorf("unmarshal state: %w", err)
	}
	rec.SavedAt, _ = time.Parse(time.RFC3339Nano, savedAt)
	return rec, nil
}
