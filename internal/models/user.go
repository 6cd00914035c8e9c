package models

import "maps"

// Preferences is the per-user settings bag.
type Preferences struct {
	Theme  string `json:"theme,omitempty"`
	Locale string `json:"locale,omitempty"`
	// Visible toggles optional sections (e.g. "completedTodos") per user.
	Visible map[string]bool `json:"visible,omitempty"`
}

// User is a household member.
type User struct {
	Ref
	Username    string      `json:"username"`
	Color       int         `json:"color"`
	Avatar      string      `json:"avatar,omitempty"`
	Admin       bool        `json:"admin,omitempty"`
	FontScale   float64     `json:"fontScale,omitempty"`
	Preferences Preferences `json:"preferences"`
}

func (u User) Persisted(id string) User {
	u.Ref = PersistedRef(id)
	return u
}

// RewriteRefs is a no-op: users hold no foreign references.
func (u User) RewriteRefs(from, to string) (User, bool) {
	return u, false
}

// Clone returns a deep copy.
func (u User) Clone() User {
	u.Preferences.Visible = maps.Clone(u.Preferences.Visible)
	return u
}
