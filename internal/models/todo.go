package models

import "time"

// Todo priorities.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// TodoItem is an entry on a household member's to-do list.
type TodoItem struct {
	Ref
	Content  string     `json:"content"`
	Note     string     `json:"note,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Priority int        `json:"priority,omitempty"`
	Done     bool       `json:"done,omitempty"`
	Owner    string     `json:"owner"`
	Private  bool       `json:"private,omitempty"`
}

// VisibleTo reports whether user may see the item. Private items are only
// visible to their owner.
func (t TodoItem) VisibleTo(user string) bool {
	return !t.Private || t.Owner == user
}

// Overdue reports whether the item is open and past its deadline at now.
func (t TodoItem) Overdue(now time.Time) bool {
	return !t.Done && t.Deadline != nil && t.Deadline.Before(now)
}

func (t TodoItem) Persisted(id string) TodoItem {
	t.Ref = PersistedRef(id)
	return t
}

func (t TodoItem) RewriteRefs(from, to string) (TodoItem, bool) {
	if t.Owner != from {
		return t, false
	}
	t.Owner = to
	return t, true
}

// Clone returns a deep copy.
func (t TodoItem) Clone() TodoItem {
	if t.Deadline != nil {
		d := *t.Deadline
		t.Deadline = &d
	}
	return t
}
