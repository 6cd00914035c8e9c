package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"homesync/internal/models"
)

// Memory is an in-process authoritative store. It backs the CLI's offline
// mode and stands in for a server in tests.
type Memory[T models.Record[T]] struct {
	mu      sync.Mutex
	order   []string
	records map[string]T
	subs    map[int]func(Change[T])
	nextSub int
	newID   func() string
}

// MemoryOption configures a Memory store.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	newID func() string
}

// WithIDGenerator overrides how persisted ids are minted.
func WithIDGenerator(fn func() string) MemoryOption {
	return func(o *memoryOptions) { o.newID = fn }
}

// NewMemory creates a store seeded with records.
func NewMemory[T models.Record[T]](records []T, opts ...MemoryOption) *Memory[T] {
	o := memoryOptions{newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	m := &Memory[T]{
		records: make(map[string]T, len(records)),
		subs:    make(map[int]func(Change[T])),
		newID:   o.newID,
	}
	for _, r := range records {
		m.put(r)
	}
	return m
}

// Create assigns a persisted id to provisional entities. Entities that
// already carry a persisted id (e.g. re-created by an undo) keep it.
func (m *Memory[T]) Create(ctx context.Context, entity T) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	id := entity.Key()
	if entity.IsLocal() || id == "" {
		id = m.newID()
	}
	persisted := entity.Persisted(id)

	m.mu.Lock()
	m.put(persisted)
	m.mu.Unlock()

	m.notify(Change[T]{Action: ActionCreated, ID: id, Record: persisted})
	return persisted, nil
}

func (m *Memory[T]) Update(ctx context.Context, entity T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.records[entity.Key()]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s: %w", entity.Key(), ErrNotFound)
	}
	m.records[entity.Key()] = entity
	m.mu.Unlock()

	m.notify(Change[T]{Action: ActionUpdated, ID: entity.Key(), Record: entity})
	return nil
}

func (m *Memory[T]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.records[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	delete(m.records, id)
	m.order = slices.DeleteFunc(m.order, func(k string) bool { return k == id })
	m.mu.Unlock()

	m.notify(Change[T]{Action: ActionDeleted, ID: id})
	return nil
}

func (m *Memory[T]) Subscribe(fn func(Change[T])) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Apply records a change made by another client and broadcasts it.
func (m *Memory[T]) Apply(ch Change[T]) {
	m.mu.Lock()
	switch ch.Action {
	case ActionDeleted:
		delete(m.records, ch.ID)
		m.order = slices.DeleteFunc(m.order, func(k string) bool { return k == ch.ID })
	default:
		m.put(ch.Record)
	}
	m.mu.Unlock()

	m.notify(ch)
}

// Records returns the stored records in insertion order.
func (m *Memory[T]) Records() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]T, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// Get returns the record with the given id.
func (m *Memory[T]) Get(id string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

func (m *Memory[T]) put(r T) {
	if _, ok := m.records[r.Key()]; !ok {
		m.order = append(m.order, r.Key())
	}
	m.records[r.Key()] = r
}

func (m *Memory[T]) notify(ch Change[T]) {
	m.mu.Lock()
	subs := make([]func(Change[T]), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ch)
	}
}
