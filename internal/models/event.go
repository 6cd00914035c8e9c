package models

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// DateLayout is the layout of calendar dates (exception dates, recurrence
// bounds). Dates carry no time of day and no zone.
const DateLayout = "2006-01-02"

// Frequency is the step of a structured recurrence rule.
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// Valid reports whether f is one of the supported frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

// Recurrence describes how an event repeats. The anchor is always the owning
// event's start time.
type Recurrence struct {
	Freq Frequency `json:"freq,omitempty"`
	// Until is the inclusive last date (DateLayout); empty means unbounded.
	Until string `json:"until,omitempty"`
	// Raw holds an imported RRULE verbatim when it uses features Freq/Until
	// cannot express. Such rules must not be edited through Freq/Until.
	Raw string `json:"raw,omitempty"`
}

// Complex reports whether the rule is only available in its raw form.
func (r *Recurrence) Complex() bool {
	return r != nil && r.Raw != ""
}

// Event represents a household calendar entry. Recurring events are stored
// once and expanded into instances on demand.
type Event struct {
	Ref
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Start        time.Time   `json:"start"`
	End          *time.Time  `json:"end,omitempty"`
	AllDay       bool        `json:"allDay,omitempty"`
	Participants []string    `json:"participants,omitempty"`
	CreatedBy    string      `json:"createdBy,omitempty"`
	Recurrence   *Recurrence `json:"recurrence,omitempty"`
	// Exceptions are calendar dates (DateLayout) removed from the series.
	Exceptions []string `json:"exceptions,omitempty"`
	// ExternalUID is the iCalendar UID kept across import/export.
	ExternalUID string `json:"externalUid,omitempty"`
}

// Validate checks the invariants an event must hold before it is stored.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event has no id")
	}
	if e.Start.IsZero() {
		return fmt.Errorf("event %s has no start", e.ID)
	}
	if e.End != nil && e.End.Before(e.Start) && !e.AllDay {
		return fmt.Errorf("event %s ends before it starts", e.ID)
	}
	if e.Recurrence == nil {
		if len(e.Exceptions) > 0 {
			return fmt.Errorf("event %s has exception dates but no recurrence", e.ID)
		}
		return nil
	}
	if !e.Recurrence.Complex() && !e.Recurrence.Freq.Valid() {
		return fmt.Errorf("event %s has unsupported frequency %q", e.ID, e.Recurrence.Freq)
	}
	if e.Recurrence.Until != "" {
		if _, err := time.Parse(DateLayout, e.Recurrence.Until); err != nil {
			return fmt.Errorf("event %s has invalid until date: %w", e.ID, err)
		}
	}
	for _, d := range e.Exceptions {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return fmt.Errorf("event %s has invalid exception date: %w", e.ID, err)
		}
	}
	return nil
}

// Duration returns End-Start, or zero when the event has no end.
func (e Event) Duration() time.Duration {
	if e.End == nil {
		return 0
	}
	return e.End.Sub(e.Start)
}

// Excluded reports whether the calendar date of t is an exception date.
func (e Event) Excluded(t time.Time) bool {
	return slices.Contains(e.Exceptions, t.Format(DateLayout))
}

func (e Event) Persisted(id string) Event {
	e.Ref = PersistedRef(id)
	return e
}

func (e Event) RewriteRefs(from, to string) (Event, bool) {
	var changed bool
	e.Participants, changed = rewriteSlice(e.Participants, from, to)
	if e.CreatedBy == from {
		e.CreatedBy = to
		changed = true
	}
	return e, changed
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	if e.End != nil {
		end := *e.End
		e.End = &end
	}
	if e.Recurrence != nil {
		rec := *e.Recurrence
		e.Recurrence = &rec
	}
	e.Participants = cloneStrings(e.Participants)
	e.Exceptions = cloneStrings(e.Exceptions)
	return e
}
