package household

import (
	"context"
	"slices"

	"homesync/internal/models"
	"homesync/internal/realtime"
	"homesync/internal/remote"
	"homesync/internal/store"
	"homesync/internal/syncer"
)

// record is what every collection element provides.
type record[T any] interface {
	models.Record[T]
	Clone() T
}

// field selects one collection inside a snapshot.
type field[T any] func(*store.Snapshot) *[]T

var (
	eventsField   field[models.Event]        = func(s *store.Snapshot) *[]models.Event { return &s.Events }
	shoppingField field[models.ShoppingItem] = func(s *store.Snapshot) *[]models.ShoppingItem { return &s.Shopping }
	todosField    field[models.TodoItem]     = func(s *store.Snapshot) *[]models.TodoItem { return &s.Todos }
	usersField    field[models.User]         = func(s *store.Snapshot) *[]models.User { return &s.Users }
)

// reconcileCollection replaces one collection with next and reconciles the
// change. The writer lock must be held.
func reconcileCollection[T record[T]](ctx context.Context, h *Household, rec *syncer.Reconciler[T], f field[T], next []T, tracked bool) syncer.Report {
	next = cloneAll(next)
	if tracked {
		h.history.SnapshotBeforeMutation()
		h.metrics.RecordHistory("snapshot")
	}

	var prior []T
	h.store.Update(func(s *store.Snapshot) {
		prior = *f(s)
		*f(s) = next
	})

	report := rec.Reconcile(ctx, prior, next, func(from, to string) {
		h.remap(rec.Name(), from, to)
	})
	h.pushPatchedRefs(ctx)
	return report
}

// pushPatched updates the persisted entities whose references a remap
// rewrote. Provisional entities are left to their own create.
func pushPatched[T record[T]](ctx context.Context, rec *syncer.Reconciler[T], before, after []T) {
	rec.Reconcile(ctx, persistedOnly(before), persistedOnly(after), nil)
}

func persistedOnly[T record[T]](items []T) []T {
	return slices.DeleteFunc(slices.Clone(items), func(e T) bool { return e.IsLocal() })
}

func confirm(s *store.Snapshot, collection, from, to string) bool {
	var ok bool
	switch collection {
	case store.Events:
		s.Events, ok = store.Confirm(s.Events, from, to)
	case store.Shopping:
		s.Shopping, ok = store.Confirm(s.Shopping, from, to)
	case store.Todos:
		s.Todos, ok = store.Confirm(s.Todos, from, to)
	case store.Users:
		s.Users, ok = store.Confirm(s.Users, from, to)
	}
	return ok
}

func rewriteRefs(s *store.Snapshot, collection, from, to string) int {
	var n int
	switch collection {
	case store.Events:
		s.Events, n = store.RewriteRefs(s.Events, from, to)
	case store.Shopping:
		s.Shopping, n = store.RewriteRefs(s.Shopping, from, to)
	case store.Todos:
		s.Todos, n = store.RewriteRefs(s.Todos, from, to)
	case store.Users:
		s.Users, n = store.RewriteRefs(s.Users, from, to)
	}
	return n
}

func subscribe[T record[T]](h *Household, rc remote.Collection[T], m realtime.Merger[T], f field[T]) func() {
	if rc == nil {
		return func() {}
	}
	return rc.Subscribe(func(ch remote.Change[T]) {
		ch.Record = ch.Record.Clone()
		h.queue.Enqueue(func() { fold(h, m, f, ch) })
	})
}

// fold applies one remote change under the writer lock. Folds are never
// recorded in the undo history.
func fold[T record[T]](h *Household, m realtime.Merger[T], f field[T], ch remote.Change[T]) {
	var (
		applied bool
		note    *realtime.Notification
	)
	h.mu.Lock()
	h.store.Update(func(s *store.Snapshot) {
		var out []T
		out, applied, note = m.Fold(*f(s), ch)
		if applied {
			*f(s) = out
		}
	})
	h.mu.Unlock()

	h.metrics.RecordRealtime(m.Collection, string(ch.Action), applied)
	if applied {
		h.logger.Debug("Folded remote change", "collection", m.Collection, "action", ch.Action, "id", ch.ID)
	}
	if note != nil {
		h.logger.Info("Household member added an entry", "collection", note.Collection, "actor", note.Actor, "summary", note.Summary)
		if h.notify != nil {
			h.notify(*note)
		}
	}
}

func cloneAll[T record[T]](items []T) []T {
	if items == nil {
		return nil
	}
	out := slices.Clone(items)
	for i := range out {
		out[i] = out[i].Clone()
	}
	return out
}
