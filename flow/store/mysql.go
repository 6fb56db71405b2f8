package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
)

// MySQLStore is a MySQL/MariaDB Store[S] for production deployments:
// multiple orchestrator processes, durable audit retention, operational
// backup tooling.
//
// The DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(host:3306)/olav?parseTime=true
//
// Never hardcode credentials; read the DSN from the environment:
//
//	st, err := store.NewMySQLStore[workflow.State](os.Getenv("OLAV_MYSQL_DSN"))
type MySQLStore[S any] struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a pooled connection and runs migrations.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore[S]{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore[S]) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			step INT NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			next_node VARCHAR(255) NOT NULL DEFAULT '',
			state JSON NOT NULL,
			saved_at TIMESTAMP(6) NOT NULL,
			INDEX idx_thread (thread_id, step),
			UNIQUE KEY unique_thread_step (thread_id, step)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS pending_interrupts (
			thread_id VARCHAR(255) PRIMARY KEY,
			node_id VARCHAR(255) NOT NULL,
			plan JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			plan_id VARCHAR(255) NOT NULL,
			thread_id VARCHAR(255) NOT NULL,
			record JSON NOT NULL,
			requested_at TIMESTAMP(6) NOT NULL,
			INDEX idx_audit_thread (thread_id, requested_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS event_trail (
			thread_id VARCHAR(255) NOT NULL,
			seq BIGINT UNSIGNED NOT NULL,
			event JSON NOT NULL,
			PRIMARY KEY(thread_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Put commits a checkpoint with the monotonic step check done inside a
// transaction so concurrent resumes cannot both advance the thread.
func (m *MySQLStore[S]) Put(ctx context.Context, threadID string, rec StepRecord[S]) error {
	if err := m.guard(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(step) FROM checkpoints WHERE thread_id = ? FOR UPDATE`, threadID,
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
		threadID, rec.Step, rec.NodeID, rec.NextNode, string(stateJSON), rec.SavedAt,
	); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return tx.Commit()
}

func (m *MySQLStore[S]) Latest(ctx context.Context, threadID string) (StepRecord[S], error) {
	var zero StepRecord[S]
	if err := m.guard(); err != nil {
		return zero, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT step, node_id, next_node, state, saved_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`, threadID)
	rec, err := scanStepMySQL[S](row.Scan)
	if err == sql.ErrNoRows {
		return zero, ErrNotFound
	}
	if err != nil {
		return zero, fmt.Errorf("load latest: %w", err)
	}
	return rec, nil
}

func (m *MySQLStore[S]) History(ctx context.Context, threadID string) ([]StepRecord[S], error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT step, node_id, next_node, state, saved_at
		 FROM checkpoints WHERE thread_id = ? ORDER BY step ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepRecord[S]
	for rows.Next() {
		rec, err := scanStepMySQL[S](rows.Scan)
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

func (m *MySQLStore[S]) MarkInterrupt(ctx context.Context, threadID string, ir InterruptRecord) error {
	if err := m.guard(); err != nil {
		return err
	}
	planJSON, err := json.Marshal(ir.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if ir.CreatedAt.IsZero() {
		ir.CreatedAt = time.Now()
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO pending_interrupts (thread_id, node_id, plan, created_at)
		 VALUES (?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			node_id = VALUES(node_id),
			plan = VALUES(plan),
			created_at = VALUES(created_at)`,
		threadID, ir.NodeID, string(planJSON), ir.CreatedAt)
	if err != nil {
		return fmt.Errorf("mark interrupt: %w", err)
	}
	return nil
}

func (m *MySQLStore[S]) PendingInterrupt(ctx context.Context, threadID string) (InterruptRecord, error) {
	var ir InterruptRecord
	if err := m.guard(); err != nil {
		return ir, err
	}
	var planJSON string
	err := m.db.QueryRowContext(ctx,
		`SELECT node_id, plan, created_at FROM pending_interrupts WHERE thread_id = ?`,
		threadID,
	).Scan(&ir.NodeID, &planJSON, &ir.CreatedAt)
	if err == sql.ErrNoRows {
		return ir, ErrNoInterrupt
	}
	if err != nil {
		return ir, fmt.Errorf("load interrupt: %w", err)
	}
	if err := json.Unmarshal([]byte(planJSON), &ir.Plan); err != nil {
		return ir, fmt.Errorf("unmarshal plan: %w", err)
	}
	return ir, nil
}

func (m *MySQLStore[S]) ClearInterrupt(ctx context.Context, threadID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx,
		`DELETE FROM pending_interrupts WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("clear interrupt: %w", err)
	}
	return nil
}

func (m *MySQLStore[S]) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
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
		var interrupted int
		if err := rows.Scan(&info.ThreadID, &info.Step, &info.NodeID, &info.UpdatedAt, &interrupted); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		info.Interrupted = interrupted != 0
		out = append(out, info)
	}
	return out, rows.Err()
}

func (m *MySQLStore[S]) AppendAudit(ctx context.Context, rec gate.AuditRecord) error {
	if err := m.guard(); err != nil {
		return err
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO audit_log (plan_id, thread_id, record, requested_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.ThreadID, string(recJSON), rec.RequestedAt)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (m *MySQLStore[S]) AuditRange(ctx context.Context, threadID string, from, to time.Time) ([]gate.AuditRecord, error) {
	if err := m.guard(); err != nil {
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
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND requested_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY id ASC`

	rows, err := m.db.QueryContext(ctx, query, args...)
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

func (m *MySQLStore[S]) AppendEvents(ctx context.Context, threadID string, evs []event.Event) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(evs) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ev := range evs {
		evJSON, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO event_trail (thread_id, seq, event) VALUES (?, ?, ?)`,
			threadID, ev.Seq, string(evJSON)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return tx.Commit()
}

func (m *MySQLStore[S]) EventsSince(ctx context.Context, threadID string, since uint64) ([]event.Event, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
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

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQLStore[S]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the connection, for health checks.
func (m *MySQLStore[S]) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLStore[S]) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// scanStepMySQL decodes one checkpoint row. Unlike SQLite, timestamps come
// back as time.Time when the DSN sets parseTime=true.
func scanStepMySQL[S any](scan func(...any) error) (StepRecord[S], error) {
	var rec StepRecord[S]
	var stateJSON string
	if err := scan(&rec.Step, &rec.NodeID, &rec.NextNode, &stateJSON, &rec.SavedAt); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(stateJSON), &rec.State); err != nil {
		return rec, fmt.Errorf("unmarshal state: %w", err)
	}
	return rec, nil
}
