package models

import "github.com/google/uuid"

// Ref identifies an entity. A Local ref was minted on this client and has not
// been acknowledged by the remote store yet; once the store confirms it, the
// ref is replaced by a persisted one and never changes again.
type Ref struct {
	ID    string `json:"id"`
	Local bool   `json:"local,omitempty"`
}

// NewLocalRef returns a fresh provisional ref.
func NewLocalRef() Ref {
	return Ref{ID: uuid.NewString(), Local: true}
}

// PersistedRef returns a ref for an id assigned by the remote store.
func PersistedRef(id string) Ref {
	return Ref{ID: id}
}

// Key returns the entity's current identifier.
func (r Ref) Key() string { return r.ID }

// IsLocal reports whether the identifier is still provisional.
func (r Ref) IsLocal() bool { return r.Local }

// Entity is anything the sync engine can diff and reconcile.
type Entity interface {
	Key() string
	IsLocal() bool
}

// Record is an Entity that can produce a persisted copy of itself and patch
// the foreign references it holds.
type Record[T any] interface {
	Entity
	// Persisted returns a copy carrying the given persisted id.
	Persisted(id string) T
	// RewriteRefs returns a copy where every foreign reference equal to from
	// is replaced by to, and whether anything changed.
	RewriteRefs(from, to string) (T, bool)
}

func rewriteSlice(ids []string, from, to string) ([]string, bool) {
	changed := false
	var out []string
	for i, id := range ids {
		if id != from {
			continue
		}
		if !changed {
			out = append([]string(nil), ids...)
			changed = true
		}
		out[i] = to
	}
	if !changed {
		return ids, false
	}
	return out, true
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
