package models

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Activity types recorded on shopping items.
const (
	ActivityAdded    = "added"
	ActivityEdited   = "edited"
	ActivityCarted   = "carted"
	ActivityUncarted = "uncarted"
)

// ActivityEntry is one line of a shopping item's append-only log.
type ActivityEntry struct {
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	At      time.Time       `json:"at"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ShoppingItem is an entry on the shared shopping list.
type ShoppingItem struct {
	Ref
	Content   string    `json:"content"`
	Note      string    `json:"note,omitempty"`
	InCart    bool      `json:"inCart,omitempty"`
	AddedBy   string    `json:"addedBy"`
	CreatedAt time.Time `json:"createdAt"`
	// Categories maps a user id to the category that user files the item
	// under; household members may disagree.
	Categories        map[string]string `json:"categories,omitempty"`
	SuggestedCategory string            `json:"suggestedCategory,omitempty"`
	Priority          int               `json:"priority,omitempty"`
	SortKey           string            `json:"sortKey,omitempty"`
	SeenBy            []string          `json:"seenBy,omitempty"`
	Activity          []ActivityEntry   `json:"activity,omitempty"`
}

// CategoryFor returns the category user files the item under, falling back
// to the creator's suggestion.
func (s ShoppingItem) CategoryFor(user string) string {
	if c, ok := s.Categories[user]; ok {
		return c
	}
	return s.SuggestedCategory
}

// Seen reports whether user has seen the item.
func (s ShoppingItem) Seen(user string) bool {
	return slices.Contains(s.SeenBy, user)
}

// MarkSeen returns a copy with user added to SeenBy.
func (s ShoppingItem) MarkSeen(user string) ShoppingItem {
	if s.Seen(user) {
		return s
	}
	s = s.Clone()
	s.SeenBy = append(s.SeenBy, user)
	return s
}

// Log returns a copy with entry appended to the activity log.
func (s ShoppingItem) Log(entry ActivityEntry) ShoppingItem {
	s = s.Clone()
	s.Activity = append(s.Activity, entry)
	return s
}

func (s ShoppingItem) Persisted(id string) ShoppingItem {
	s.Ref = PersistedRef(id)
	return s
}

// RewriteRefs patches user ids (owner, category map keys, seen-by, log actors)
// and category ids (category map values, suggestion).
func (s ShoppingItem) RewriteRefs(from, to string) (ShoppingItem, bool) {
	changed := false
	if s.AddedBy == from {
		s.AddedBy = to
		changed = true
	}
	if s.SuggestedCategory == from {
		s.SuggestedCategory = to
		changed = true
	}
	if len(s.Categories) > 0 {
		var cats map[string]string
		for user, cat := range s.Categories {
			if user != from && cat != from {
				continue
			}
			if cats == nil {
				cats = maps.Clone(s.Categories)
			}
			if user == from {
				delete(cats, user)
				user = to
			}
			if cat == from {
				cat = to
			}
			cats[user] = cat
		}
		if cats != nil {
			s.Categories = cats
			changed = true
		}
	}
	var seen bool
	s.SeenBy, seen = rewriteSlice(s.SeenBy, from, to)
	changed = changed || seen
	if slices.ContainsFunc(s.Activity, func(e ActivityEntry) bool { return e.Actor == from }) {
		s.Activity = slices.Clone(s.Activity)
		for i := range s.Activity {
			if s.Activity[i].Actor == from {
				s.Activity[i].Actor = to
			}
		}
		changed = true
	}
	return s, changed
}

// Clone returns a deep copy.
func (s ShoppingItem) Clone() ShoppingItem {
	s.Categories = maps.Clone(s.Categories)
	s.SeenBy = cloneStrings(s.SeenBy)
	if s.Activity != nil {
		log := make([]ActivityEntry, len(s.Activity))
		for i, entry := range s.Activity {
			entry.Details = slices.Clone(entry.Details)
			log[i] = entry
		}
		s.Activity = log
	}
	return s
}
