package google

import (
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"homesync/internal/interchange"
	"homesync/internal/models"
)

// Private extended properties carrying the fields Google has no place for.
const (
	propCreatedBy    = "homesyncCreatedBy"
	propParticipants = "homesyncParticipants"
	propExternalUID  = "homesyncExternalUid"
	propNoEnd        = "homesyncNoEnd"
)

const googleDate = "2006-01-02"

// toGoogleEvent converts an event for insert or update. Google requires an
// end; open-ended timed events are written with end = start and flagged so
// the round trip restores a nil End.
func toGoogleEvent(ev models.Event) (*calendar.Event, error) {
	ge := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
	}

	private := map[string]string{}
	if ev.CreatedBy != "" {
		private[propCreatedBy] = ev.CreatedBy
	}
	if len(ev.Participants) > 0 {
		private[propParticipants] = strings.Join(ev.Participants, ",")
	}
	if ev.ExternalUID != "" {
		private[propExternalUID] = ev.ExternalUID
	}

	if ev.AllDay {
		end := ev.Start
		if ev.End != nil && end.Before(*ev.End) {
			end = *ev.End
		}
		ge.Start = &calendar.EventDateTime{Date: ev.Start.Format(googleDate)}
		ge.End = &calendar.EventDateTime{Date: end.AddDate(0, 0, 1).Format(googleDate)}
	} else {
		end := ev.Start
		if ev.End != nil {
			end = *ev.End
		} else {
			private[propNoEnd] = "1"
		}
		ge.Start = timed(ev.Start)
		ge.End = timed(end)
	}

	if ev.Recurrence != nil {
		rule, err := interchange.FormatRule(ev.Recurrence, ev.AllDay, ev.Start.Location())
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		ge.Recurrence = []string{"RRULE:" + rule}
		if len(ev.Exceptions) > 0 {
			dates := make([]string, 0, len(ev.Exceptions))
			for _, d := range ev.Exceptions {
				day, err := time.Parse(models.DateLayout, d)
				if err != nil {
					return nil, fmt.Errorf("event %s: invalid exception date %q: %w", ev.ID, d, err)
				}
				dates = append(dates, day.Format("20060102"))
			}
			ge.Recurrence = append(ge.Recurrence, "EXDATE;VALUE=DATE:"+strings.Join(dates, ","))
		}
	}

	if len(private) > 0 {
		ge.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}
	return ge, nil
}

func timed(t time.Time) *calendar.EventDateTime {
	dt := &calendar.EventDateTime{DateTime: t.Format(time.RFC3339)}
	// The offset in DateTime is authoritative; only IANA names are sent.
	if name := t.Location().String(); name != "Local" && name != "" {
		if _, err := time.LoadLocation(name); err == nil {
			dt.TimeZone = name
		}
	}
	return dt
}

// fromGoogleEvent converts a listed event. Times are moved to loc; all-day
// ends become inclusive.
func fromGoogleEvent(ge *calendar.Event, loc *time.Location) (models.Event, error) {
	ev := models.Event{
		Ref:         models.PersistedRef(ge.Id),
		Title:       ge.Summary,
		Description: ge.Description,
	}
	if ge.Start == nil {
		return ev, fmt.Errorf("event %s has no start", ge.Id)
	}

	var private map[string]string
	if ge.ExtendedProperties != nil {
		private = ge.ExtendedProperties.Private
	}
	ev.CreatedBy = private[propCreatedBy]
	ev.ExternalUID = private[propExternalUID]
	if p := private[propParticipants]; p != "" {
		ev.Participants = strings.Split(p, ",")
	}

	if ge.Start.Date != "" {
		start, err := time.ParseInLocation(googleDate, ge.Start.Date, loc)
		if err != nil {
			return ev, fmt.Errorf("event %s: invalid start date: %w", ge.Id, err)
		}
		ev.AllDay = true
		ev.Start = start
		end := start
		if ge.End != nil && ge.End.Date != "" {
			exclusive, err := time.ParseInLocation(googleDate, ge.End.Date, loc)
			if err != nil {
				return ev, fmt.Errorf("event %s: invalid end date: %w", ge.Id, err)
			}
			if last := exclusive.AddDate(0, 0, -1); last.After(start) {
				end = last
			}
		}
		ev.End = &end
	} else {
		start, err := time.Parse(time.RFC3339, ge.Start.DateTime)
		if err != nil {
			return ev, fmt.Errorf("event %s: invalid start: %w", ge.Id, err)
		}
		ev.Start = start.In(loc)
		if ge.End != nil && ge.End.DateTime != "" && private[propNoEnd] == "" {
			end, err := time.Parse(time.RFC3339, ge.End.DateTime)
			if err != nil {
				return ev, fmt.Errorf("event %s: invalid end: %w", ge.Id, err)
			}
			end = end.In(loc)
			ev.End = &end
		}
	}

	for _, line := range ge.Recurrence {
		name, value, _ := strings.Cut(line, ":")
		switch {
		case strings.EqualFold(name, "RRULE"):
			rec, _, err := interchange.ParseRule(value, loc)
			if err != nil {
				return ev, fmt.Errorf("event %s: %w", ge.Id, err)
			}
			ev.Recurrence = rec
		case strings.HasPrefix(strings.ToUpper(name), "EXDATE"):
			dates, err := interchange.ParseExceptionLine(line, loc)
			if err != nil {
				return ev, fmt.Errorf("event %s: %w", ge.Id, err)
			}
			ev.Exceptions = append(ev.Exceptions, dates...)
		}
	}
	if ev.Recurrence == nil {
		ev.Exceptions = nil
	}

	if err := ev.Validate(); err != nil {
		return ev, err
	}
	return ev, nil
}
