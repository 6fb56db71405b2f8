// Package store persists workflow checkpoints, pending interrupts, the
// append-only audit log, and the durable event trail.
//
// Three backends ship with the orchestrator:
//   - MemStore: in-memory, for tests and the quickstart example
//   - SQLiteStore: single-file, zero-setup development deployments
//   - MySQLStore: shared-database production deployments
package store

import (
	"context"
	"errors"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
)

// ErrNotFound is returned when a thread has no persisted steps.
var ErrNotFound = errors.New("not found")

// ErrStaleStep is returned by Put when the record's step number does not
// advance past the latest persisted step. The engine treats this as a
// duplicate commit from a concurrent or replayed run and discards it.
var ErrStaleStep = errors.New("stale step: checkpoint already advanced")

// ErrNoInterrupt is returned when a thread has no pending interrupt.
var ErrNoInterrupt = errors.New("no pending interrupt")

// StepRecord is one checkpoint: the merged state after a node committed,
// plus the node that produced it and the node scheduled next. Persisting
// NextNode means the latest record alone is enough to resume a crashed run.
type StepRecord[S any] struct {
	// Step is the 1-indexed sequential step number.
	Step int `json:"step"`

	// NodeID is the node whose commit produced this record.
	NodeID string `json:"node_id"`

	// NextNode is the node scheduled to run next. Empty means the run
	// terminated at this step.
	NextNode string `json:"next_node,omitempty"`

	// State is the full merged state after the step.
	State S `json:"state"`

	SavedAt time.Time `json:"saved_at"`
}

// InterruptRecord marks a thread halted for a human decision.
type InterruptRecord struct {
	// NodeID is the node to re-drive once the decision arrives.
	NodeID string `json:"node_id"`

	// Plan is the execution plan awaiting the decision.
	Plan gate.ExecutionPlan `json:"plan"`

	CreatedAt time.Time `json:"created_at"`
}

// ThreadInfo summarizes a thread for listings.
type ThreadInfo struct {
	ThreadID    string    `json:"thread_id"`
	Step        int       `json:"step"`
	NodeID      string    `json:"node_id"`
	Interrupted bool      `json:"interrupted"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AuditStore is the append-only audit log. Implementations never update or
// delete records.
type AuditStore interface {
	// AppendAudit records one gate invocation.
	AppendAudit(ctx context.Context, rec gate.AuditRecord) error

	// AuditRange returns records for a thread within [from, to], oldest
	// first. Zero times mean unbounded. Empty threadID matches all threads.
	AuditRange(ctx context.Context, threadID string, from, to time.Time) ([]gate.AuditRecord, error)
}

// TrailStore is the durable per-thread event trail backing client
// reconnect replay.
type TrailStore interface {
	// AppendEvents persists published events in order.
	AppendEvents(ctx context.Context, threadID string, evs []event.Event) error

	// EventsSince returns events with Seq > since, ascending.
	EventsSince(ctx context.Context, threadID string, since uint64) ([]event.Event, error)
}

// Store persists everything a thread needs to survive a crash and resume
// deterministically.
//
// Type parameter S is the workflow state; it must round-trip through JSON.
type Store[S any] interface {
	// Put commits a checkpoint. Fails with ErrStaleStep unless rec.Step
	// is exactly one past the latest persisted step (or 1 for a new
	// thread).
	Put(ctx context.Context, threadID string, rec StepRecord[S]) error

	// Latest returns the newest checkpoint. ErrNotFound for unknown
	// threads.
	Latest(ctx context.Context, threadID string) (StepRecord[S], error)

	// History returns all checkpoints, oldest first.
	History(ctx context.Context, threadID string) ([]StepRecord[S], error)

	// MarkInterrupt records a pending interrupt. A thread holds at most
	// one; marking again replaces it.
	MarkInterrupt(ctx context.Context, threadID string, ir InterruptRecord) error

	// PendingInterrupt returns the pending interrupt or ErrNoInterrupt.
	PendingInterrupt(ctx context.Context, threadID string) (InterruptRecord, error)

	// ClearInterrupt removes the pending interrupt. Clearing a thread
	// with no interrupt is a no-op.
	ClearInterrupt(ctx context.Context, threadID string) error

	// ListThreads summarizes known threads, most recently updated first.
	ListThreads(ctx context.Context) ([]ThreadInfo, error)

	AuditStore
	TrailStore
}
