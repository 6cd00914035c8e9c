// Package diff compares two snapshots of an entity collection.
package diff

import (
	"reflect"

	"homesync/internal/models"
)

// Result holds the changes needed to turn one snapshot into another.
// Callers must apply Deleted before Created and Updated.
type Result[T models.Entity] struct {
	Created []T
	Updated []T
	Deleted []string
}

// Empty reports whether the snapshots were equivalent.
func (r Result[T]) Empty() bool {
	return r.Len() == 0
}

// Len returns the number of changes.
func (r Result[T]) Len() int {
	return len(r.Created) + len(r.Updated) + len(r.Deleted)
}

// Compute diffs prior against next. An entity is deleted when its id is
// absent from next, created when its id is absent from prior, and updated
// when its content differs structurally from the prior entity with the same
// id. Output order follows the input order.
func Compute[T models.Entity](prior, next []T) Result[T] {
	var res Result[T]

	nextIDs := make(map[string]struct{}, len(next))
	for _, e := range next {
		nextIDs[e.Key()] = struct{}{}
	}

	priorByID := make(map[string]T, len(prior))
	for _, e := range prior {
		priorByID[e.Key()] = e
		if _, ok := nextIDs[e.Key()]; !ok {
			res.Deleted = append(res.Deleted, e.Key())
		}
	}

	for _, e := range next {
		old, ok := priorByID[e.Key()]
		if !ok {
			res.Created = append(res.Created, e)
			continue
		}
		if !reflect.DeepEqual(old, e) {
			res.Updated = append(res.Updated, e)
		}
	}

	return res
}
