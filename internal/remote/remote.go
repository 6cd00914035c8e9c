// Package remote defines the contract between the sync engine and the
// authoritative store of a collection.
package remote

import (
	"context"
	"errors"

	"homesync/internal/models"
)

// ErrNotFound is returned when an update or delete targets an unknown id.
var ErrNotFound = errors.New("remote: record not found")

// Action is the kind of change a subscription reports.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Change is a push notification from the remote store. Record is the zero
// value for deletions; ID is always set.
type Change[T any] struct {
	Action Action
	ID     string
	Record T
}

// Collection is one entity type's remote store. Implementations enforce
// their own timeouts and retry policy.
type Collection[T models.Entity] interface {
	// Create stores entity and returns the persisted copy, whose id may
	// differ from the provisional one.
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) error
	Delete(ctx context.Context, id string) error
	// Subscribe registers fn for changes made by any client. The returned
	// func cancels the subscription.
	Subscribe(fn func(Change[T])) (unsubscribe func())
}
