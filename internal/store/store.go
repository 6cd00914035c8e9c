// Package store holds the four household collections as one explicit state
// object.
package store

import (
	"slices"
	"sync"

	"homesync/internal/models"
)

// Collection names.
const (
	Events   = "events"
	Shopping = "shopping"
	Todos    = "todos"
	Users    = "users"
)

// Snapshot is the full state of all four collections at one instant. Values
// handed out by Store are deep copies and are never mutated afterwards.
type Snapshot struct {
	Events   []models.Event        `json:"events"`
	Shopping []models.ShoppingItem `json:"shopping"`
	Todos    []models.TodoItem     `json:"todos"`
	Users    []models.User         `json:"users"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Events:   cloneAll(s.Events, models.Event.Clone),
		Shopping: cloneAll(s.Shopping, models.ShoppingItem.Clone),
		Todos:    cloneAll(s.Todos, models.TodoItem.Clone),
		Users:    cloneAll(s.Users, models.User.Clone),
	}
}

// Rewrite returns a copy of s where every occurrence of the id from, both
// as an entity id and as a foreign reference, is replaced by to.
func (s Snapshot) Rewrite(from, to string) Snapshot {
	return Snapshot{
		Events:   rewriteAll(s.Events, from, to),
		Shopping: rewriteAll(s.Shopping, from, to),
		Todos:    rewriteAll(s.Todos, from, to),
		Users:    rewriteAll(s.Users, from, to),
	}
}

// Store guards the current composite state. It is the only place the
// collections live; readers get copies and writers go through Update.
type Store struct {
	mu    sync.RWMutex
	state Snapshot
}

// New creates a Store holding a copy of initial.
func New(initial Snapshot) *Store {
	return &Store{state: initial.Clone()}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Update runs fn with exclusive access to the state. fn may replace any
// collection; it must not retain the pointer.
func (s *Store) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func (s *Store) Events() []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.state.Events, models.Event.Clone)
}

func (s *Store) Shopping() []models.ShoppingItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.state.Shopping, models.ShoppingItem.Clone)
}

func (s *Store) Todos() []models.TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.state.Todos, models.TodoItem.Clone)
}

func (s *Store) Users() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.state.Users, models.User.Clone)
}

// Confirm replaces the provisional id from with the persisted id to inside
// items, marking the entity persisted. It reports whether it was found.
func Confirm[T models.Record[T]](items []T, from, to string) ([]T, bool) {
	i := slices.IndexFunc(items, func(e T) bool { return e.Key() == from })
	if i < 0 {
		return items, false
	}
	out := slices.Clone(items)
	out[i] = out[i].Persisted(to)
	return out, true
}

// RewriteRefs patches foreign references equal to from in items. The
// returned slice shares no modified element with the input.
func RewriteRefs[T models.Record[T]](items []T, from, to string) ([]T, int) {
	var out []T
	n := 0
	for i, e := range items {
		patched, changed := e.RewriteRefs(from, to)
		if !changed {
			continue
		}
		if out == nil {
			out = slices.Clone(items)
		}
		out[i] = patched
		n++
	}
	if out == nil {
		return items, 0
	}
	return out, n
}

func rewriteAll[T models.Record[T]](items []T, from, to string) []T {
	if i := slices.IndexFunc(items, func(e T) bool { return e.Key() == from }); i >= 0 {
		items = slices.Clone(items)
		items[i] = items[i].Persisted(to)
	}
	items, _ = RewriteRefs(items, from, to)
	return items
}

func cloneAll[T any](items []T, clone func(T) T) []T {
	if items == nil {
		return nil
	}
	out := make([]T, len(items))
	for i, e := range items {
		out[i] = clone(e)
	}
	return out
}
