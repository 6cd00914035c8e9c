// Package history keeps a bounded, linear undo/redo history of composite
// snapshots.
package history

import (
	"context"
	"fmt"
	"sync"
)

// DefaultLimit is the maximum undo depth.
const DefaultLimit = 50

// Target is the state the history tracks. Replay must push s through the
// normal mutation path (so the remote store converges); while it runs, the
// Manager ignores SnapshotBeforeMutation calls.
type Target[S any] interface {
	Snapshot() S
	Replay(ctx context.Context, s S) error
}

// Manager owns the undo and redo stacks. Snapshots are treated as immutable:
// Rewrite replaces them with patched copies instead of editing them.
type Manager[S any] struct {
	mu        sync.Mutex
	target    Target[S]
	limit     int
	undo      []S
	redo      []S
	replaying bool
}

// New creates a Manager. A limit below 1 uses DefaultLimit.
func New[S any](target Target[S], limit int) *Manager[S] {
	if limit < 1 {
		limit = DefaultLimit
	}
	return &Manager[S]{target: target, limit: limit}
}

// SnapshotBeforeMutation records the target's current state. It must be
// called right before a tracked mutation; it clears the redo stack. Calls
// made while an undo or redo is replaying are ignored.
func (m *Manager[S]) SnapshotBeforeMutation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaying {
		return
	}
	m.pushUndo(m.target.Snapshot())
	clear(m.redo)
	m.redo = m.redo[:0]
}

// Undo restores the most recent snapshot. It reports false when there is
// nothing to undo.
func (m *Manager[S]) Undo(ctx context.Context) (bool, error) {
	return m.step(ctx, &m.undo, &m.redo, "undo")
}

// Redo re-applies the most recently undone state.
func (m *Manager[S]) Redo(ctx context.Context) (bool, error) {
	return m.step(ctx, &m.redo, &m.undo, "redo")
}

func (m *Manager[S]) step(ctx context.Context, from, to *[]S, op string) (bool, error) {
	m.mu.Lock()
	if m.replaying {
		m.mu.Unlock()
		return false, fmt.Errorf("%s: replay already in progress", op)
	}
	if len(*from) == 0 {
		m.mu.Unlock()
		return false, nil
	}
	last := len(*from) - 1
	s := (*from)[last]
	var zero S
	(*from)[last] = zero
	*from = (*from)[:last]

	current := m.target.Snapshot()
	if to == &m.undo {
		m.pushUndo(current)
	} else {
		*to = append(*to, current)
	}
	m.replaying = true
	m.mu.Unlock()

	err := m.target.Replay(ctx, s)

	m.mu.Lock()
	m.replaying = false
	m.mu.Unlock()

	if err != nil {
		return true, fmt.Errorf("%s: %w", op, err)
	}
	return true, nil
}

func (m *Manager[S]) pushUndo(s S) {
	m.undo = append(m.undo, s)
	if over := len(m.undo) - m.limit; over > 0 {
		var zero S
		for i := 0; i < over; i++ {
			m.undo[i] = zero
		}
		m.undo = append(m.undo[:0], m.undo[over:]...)
	}
}

// Rewrite replaces every stored snapshot with fn(snapshot). It is used to
// propagate id remaps into history so an undo can never resurrect a
// provisional id.
func (m *Manager[S]) Rewrite(fn func(S) S) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.undo {
		m.undo[i] = fn(m.undo[i])
	}
	for i := range m.redo {
		m.redo[i] = fn(m.redo[i])
	}
}

// Replaying reports whether an undo or redo is being applied.
func (m *Manager[S]) Replaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaying
}

// CanUndo reports whether an earlier state is recorded.
func (m *Manager[S]) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo reports whether an undone state can be re-applied.
func (m *Manager[S]) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Depth returns the sizes of the undo and redo stacks.
func (m *Manager[S]) Depth() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}
