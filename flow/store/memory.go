package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/olavnet/olav/flow/event"
	"github.com/olavnet/olav/gate"
)

// MemStore is an in-memory Store[S]. Data is lost on process exit.
//
// Intended for tests, the quickstart example, and throwaway sessions.
// All operations are safe for concurrent use.
type MemStore[S any] struct {
	mu         sync.RWMutex
	steps      map[string][]StepRecord[S]
	interrupts map[string]InterruptRecord
	audit      []gate.AuditRecord
	trail      map[string][]event.Event
}

// NewMemStore creates an empty MemStore.
func NewMemStore[S any]() *MemStore[S] {
	return &MemStore[S]{
		steps:      make(map[string][]StepRecord[S]),
		interrupts: make(map[string]InterruptRecord),
		trail:      make(map[string][]event.Event),
	}
}

func (m *MemStore[S]) Put(_ context.Context, threadID string, rec StepRecord[S]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.steps[threadID]
	want := 1
	if n := len(history); n > 0 {
		want = history[n-1].Step + 1
	}
	if rec.Step != want {
		return ErrStaleStep
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	m.steps[threadID] = append(history, rec)
	return nil
}

func (m *MemStore[S]) Latest(_ context.Context, threadID string) (StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.steps[threadID]
	if len(history) == 0 {
		var zero StepRecord[S]
		return zero, ErrNotFound
	}
	return history[len(history)-1], nil
}

func (m *MemStore[S]) History(_ context.Context, threadID string) ([]StepRecord[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.steps[threadID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	out := make([]StepRecord[S], len(history))
	copy(out, history)
	return out, nil
}

func (m *MemStore[S]) MarkInterrupt(_ context.Context, threadID string, ir InterruptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ir.CreatedAt.IsZero() {
		ir.CreatedAt = time.Now()
	}
	m.interrupts[threadID] = ir
	return nil
}

func (m *MemStore[S]) PendingInterrupt(_ context.Context, threadID string) (InterruptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ir, ok := m.interrupts[threadID]
	if !ok {
		return InterruptRecord{}, ErrNoInterrupt
	}
	return ir, nil
}

func (m *MemStore[S]) ClearInterrupt(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interrupts, threadID)
	return nil
}

func (m *MemStore[S]) ListThreads(_ context.Context) ([]ThreadInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ThreadInfo, 0, len(m.steps))
	for id, history := range m.steps {
		last := history[len(history)-1]
		_, interrupted := m.interrupts[id]
		out = append(out, ThreadInfo{
			ThreadID:    id,
			Step:        last.Step,
			NodeID:      last.NodeID,
			Interrupted: interrupted,
			UpdatedAt:   last.SavedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out, nil
}

func (m *MemStore[S]) AppendAudit(_ context.Context, rec gate.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

func (m *MemStore[S]) AuditRange(_ context.Context, threadID string, from, to time.Time) ([]gate.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []gate.AuditRecord
	for _, rec := range m.audit {
		if threadID != "" && rec.ThreadID != threadID {
			continue
		}
		if !from.IsZero() && rec.RequestedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.RequestedAt.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemStore[S]) AppendEvents(_ context.Context, threadID string, evs []event.Event) error {
	if len(evs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trail[threadID] = append(m.trail[threadID], evs...)
	return nil
}

func (m *MemStore[S]) EventsSince(_ context.Context, threadID string, since uint64) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []event.Event
	for _, ev := range m.trail[threadID] {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, nil
}
