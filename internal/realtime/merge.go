// Package realtime folds remote push notifications into local collections.
// It is strictly one-way: nothing here calls back into the sync engine.
package realtime

import (
	"slices"

	"homesync/internal/models"
	"homesync/internal/remote"
)

// Notification is surfaced to the user when another household member adds
// something.
type Notification struct {
	Collection string
	ID         string
	Actor      string
	Summary    string
}

// Merger folds changes for one collection.
type Merger[T models.Entity] struct {
	Collection string
	// SelfID is the local session's user id. Creations owned by it are
	// already present through the optimistic insert and are ignored.
	SelfID string
	// Owner returns the creating/owning user of a record.
	Owner func(T) string
	// Duplicate reports whether incoming is already represented by existing
	// under another id (e.g. the same imported event).
	Duplicate func(existing, incoming T) bool
	// Merge combines an update with the local entity. Nil replaces it.
	Merge func(existing, incoming T) T
	// Describe returns a short summary for notifications.
	Describe func(T) string
}

// Fold applies ch to local and returns the new collection, whether anything
// changed, and a notification for creations by other users.
func (m Merger[T]) Fold(local []T, ch remote.Change[T]) ([]T, bool, *Notification) {
	switch ch.Action {
	case remote.ActionCreated:
		return m.created(local, ch.Record)
	case remote.ActionUpdated:
		i := slices.IndexFunc(local, func(e T) bool { return e.Key() == ch.Record.Key() })
		if i < 0 {
			return local, false, nil
		}
		out := slices.Clone(local)
		if m.Merge != nil {
			out[i] = m.Merge(local[i], ch.Record)
		} else {
			out[i] = ch.Record
		}
		return out, true, nil
	case remote.ActionDeleted:
		id := ch.ID
		if id == "" {
			id = ch.Record.Key()
		}
		if !slices.ContainsFunc(local, func(e T) bool { return e.Key() == id }) {
			return local, false, nil
		}
		out := slices.DeleteFunc(slices.Clone(local), func(e T) bool { return e.Key() == id })
		return out, true, nil
	}
	return local, false, nil
}

func (m Merger[T]) created(local []T, rec T) ([]T, bool, *Notification) {
	var owner string
	if m.Owner != nil {
		owner = m.Owner(rec)
	}
	if m.SelfID != "" && owner == m.SelfID {
		return local, false, nil
	}
	for _, e := range local {
		if e.Key() == rec.Key() {
			return local, false, nil
		}
		if m.Duplicate != nil && m.Duplicate(e, rec) {
			return local, false, nil
		}
	}

	out := append(slices.Clone(local), rec)
	note := &Notification{Collection: m.Collection, ID: rec.Key(), Actor: owner}
	if m.Describe != nil {
		note.Summary = m.Describe(rec)
	}
	return out, true, note
}

// EventMerger returns the Merger for calendar events. Events are also
// de-duplicated on their external interchange UID.
func EventMerger(selfID string) Merger[models.Event] {
	return Merger[models.Event]{
		Collection: "events",
		SelfID:     selfID,
		Owner:      func(e models.Event) string { return e.CreatedBy },
		Duplicate: func(existing, incoming models.Event) bool {
			return incoming.ExternalUID != "" && existing.ExternalUID == incoming.ExternalUID
		},
		Describe: func(e models.Event) string { return e.Title },
	}
}

// ShoppingMerger returns the Merger for shopping items.
func ShoppingMerger(selfID string) Merger[models.ShoppingItem] {
	return Merger[models.ShoppingItem]{
		Collection: "shopping",
		SelfID:     selfID,
		Owner:      func(s models.ShoppingItem) string { return s.AddedBy },
		Describe:   func(s models.ShoppingItem) string { return s.Content },
	}
}

// TodoMerger returns the Merger for to-do items.
func TodoMerger(selfID string) Merger[models.TodoItem] {
	return Merger[models.TodoItem]{
		Collection: "todos",
		SelfID:     selfID,
		Owner:      func(t models.TodoItem) string { return t.Owner },
		Describe:   func(t models.TodoItem) string { return t.Content },
	}
}

// UserMerger returns the Merger for household members. A user record owns
// itself.
func UserMerger(selfID string) Merger[models.User] {
	return Merger[models.User]{
		Collection: "users",
		SelfID:     selfID,
		Owner:      func(u models.User) string { return u.ID },
		Describe:   func(u models.User) string { return u.Username },
	}
}
