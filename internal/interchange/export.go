// Package interchange converts household events to and from iCalendar
// documents.
package interchange

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"homesync/internal/models"
)

// DefaultProdID identifies documents written by homesync.
const DefaultProdID = "-//homesync//EN"

// Extension properties carrying household references. Other calendar
// applications ignore them.
const (
	PropCreatedBy    = "X-HOMESYNC-CREATED-BY"
	PropParticipants = "X-HOMESYNC-PARTICIPANTS"
)

// ErrMalformed is returned when a document cannot be parsed at all.
var ErrMalformed = errors.New("interchange: malformed calendar document")

// Options controls encoding and decoding.
type Options struct {
	// Location is the zone imported times are converted to and timed
	// events are exported in. Nil means time.Local.
	Location *time.Location
	ProdID   string
	// Now stamps DTSTAMP; nil means time.Now.
	Now func() time.Time
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.Local
	}
	return o.Location
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Export writes events as one VCALENDAR document.
func Export(w io.Writer, events []models.Event, opts Options) error {
	cal, err := Calendar(events, opts)
	if err != nil {
		return err
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

// Calendar builds the VCALENDAR for events.
func Calendar(events []models.Event, opts Options) (*ical.Calendar, error) {
	prodID := opts.ProdID
	if prodID == "" {
		prodID = DefaultProdID
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, prodID)

	stamp := opts.now().UTC()
	for _, ev := range events {
		ve, err := VEvent(ev, stamp, opts.location())
		if err != nil {
			return nil, err
		}
		cal.Children = append(cal.Children, ve)
	}
	return cal, nil
}

// VEvent converts one event. The UID is the external UID when the event was
// imported, otherwise its id. All-day end dates are written exclusive.
func VEvent(ev models.Event, stamp time.Time, loc *time.Location) (*ical.Component, error) {
	uid := ev.ExternalUID
	if uid == "" {
		uid = ev.ID
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)

	if ev.AllDay {
		end := ev.Start
		if ev.End != nil && !ev.End.Before(ev.Start) {
			end = *ev.End
		}
		ve.Props.SetDate(ical.PropDateTimeStart, ev.Start)
		ve.Props.SetDate(ical.PropDateTimeEnd, end.AddDate(0, 0, 1))
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, exportTime(ev.Start, loc))
		if ev.End != nil {
			ve.Props.SetDateTime(ical.PropDateTimeEnd, exportTime(*ev.End, loc))
		}
	}

	ve.Props.SetText(ical.PropSummary, ev.Title)
	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}

	if ev.CreatedBy != "" {
		prop := ical.NewProp(PropCreatedBy)
		prop.Value = escapeText(ev.CreatedBy)
		ve.Props.Set(prop)
	}
	if len(ev.Participants) > 0 {
		prop := ical.NewProp(PropParticipants)
		prop.Value = strings.Join(ev.Participants, ",")
		ve.Props.Set(prop)
	}

	if ev.Recurrence != nil {
		rule, err := FormatRule(ev.Recurrence, ev.AllDay, ev.Start.Location())
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		prop := ical.NewProp(ical.PropRecurrenceRule)
		prop.Value = rule
		ve.Props.Set(prop)

		if len(ev.Exceptions) > 0 {
			dates := make([]string, 0, len(ev.Exceptions))
			for _, d := range ev.Exceptions {
				day, err := time.Parse(models.DateLayout, d)
				if err != nil {
					return nil, fmt.Errorf("event %s: invalid exception date %q: %w", ev.ID, d, err)
				}
				dates = append(dates, day.Format("20060102"))
			}
			prop := ical.NewProp(ical.PropExceptionDates)
			prop.SetValueType(ical.ValueDate)
			prop.Value = strings.Join(dates, ",")
			ve.Props.Set(prop)
		}
	}
	return ve, nil
}

// exportTime keeps zones that have a loadable IANA name (written with TZID).
// Anything else, such as time.Local or the nameless offsets JSON decoding
// produces, is converted to loc, or to UTC when loc has no portable name.
func exportTime(t time.Time, loc *time.Location) time.Time {
	if portableZone(t.Location()) {
		return t
	}
	if loc != nil && portableZone(loc) {
		return t.In(loc)
	}
	return t.UTC()
}

func portableZone(loc *time.Location) bool {
	switch name := loc.String(); name {
	case "", "Local":
		return false
	case "UTC":
		return true
	default:
		_, err := time.LoadLocation(name)
		return err == nil
	}
}

var textEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, ",", `\,`, ";", `\;`)

func escapeText(s string) string {
	return textEscaper.Replace(s)
}
