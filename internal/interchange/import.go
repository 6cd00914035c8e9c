package interchange

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/emersion/go-ical"

	"homesync/internal/models"
)

// Result is the outcome of an import.
type Result struct {
	Events []models.Event
	// Skipped counts VEVENTs that could not be turned into events.
	Skipped int
	// Complex lists the UIDs whose RRULE was kept verbatim because the
	// structured model cannot express it. Their frequency and until bound
	// must not be edited.
	Complex []string
	// Lenient is set when the strict decoder rejected the document and the
	// lenient parser was used instead.
	Lenient bool
}

// rawEvent is the parser-neutral view of a VEVENT.
type rawEvent struct {
	uid          string
	summary      string
	description  string
	start        time.Time
	end          time.Time
	hasEnd       bool
	allDay       bool
	rrule        string
	exdates      []string
	createdBy    string
	participants []string
}

// Import decodes an iCalendar document. Each VEVENT becomes an event with a
// fresh provisional id and its UID kept as ExternalUID. A document that
// cannot be parsed at all fails with ErrMalformed; individual VEVENTs that
// are malformed are skipped.
func Import(r io.Reader, opts Options) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read calendar: %w", err)
	}
	loc := opts.location()

	var res Result
	raws, skipped, strictErr := decodeStrict(data, loc)
	if strictErr != nil {
		var lenientErr error
		raws, skipped, lenientErr = decodeLenient(data, loc)
		if lenientErr != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrMalformed, errors.Join(strictErr, lenientErr))
		}
		res.Lenient = true
	}
	res.Skipped = skipped

	for _, raw := range raws {
		ev, verbatim, err := raw.event(loc)
		if err != nil {
			res.Skipped++
			continue
		}
		if verbatim {
			res.Complex = append(res.Complex, raw.uid)
		}
		res.Events = append(res.Events, ev)
	}
	return res, nil
}

func decodeStrict(data []byte, loc *time.Location) ([]rawEvent, int, error) {
	dec := ical.NewDecoder(bytes.NewReader(data))
	var (
		out     []rawEvent
		skipped int
		found   bool
	)
	for {
		cal, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
		found = true
		for _, ve := range cal.Events() {
			raw, err := fromEmersion(ve, loc)
			if err != nil {
				skipped++
				continue
			}
			out = append(out, raw)
		}
	}
	if !found {
		return nil, 0, errors.New("no VCALENDAR found")
	}
	return out, skipped, nil
}

func fromEmersion(ve ical.Event, loc *time.Location) (rawEvent, error) {
	var raw rawEvent
	raw.uid, _ = ve.Props.Text(ical.PropUID)
	raw.summary, _ = ve.Props.Text(ical.PropSummary)
	raw.description, _ = ve.Props.Text(ical.PropDescription)
	if prop := ve.Props.Get(PropCreatedBy); prop != nil {
		raw.createdBy = unescapeText(prop.Value)
	}
	if prop := ve.Props.Get(PropParticipants); prop != nil {
		raw.participants = splitList(prop.Value)
	}

	startProp := ve.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return raw, errors.New("missing DTSTART")
	}
	start, err := ve.DateTimeStart(loc)
	if err != nil {
		return raw, fmt.Errorf("invalid DTSTART: %w", err)
	}
	raw.start = start
	raw.allDay = startProp.ValueType() == ical.ValueDate

	if ve.Props.Get(ical.PropDateTimeEnd) != nil || ve.Props.Get(ical.PropDuration) != nil {
		end, err := ve.DateTimeEnd(loc)
		if err != nil {
			return raw, fmt.Errorf("invalid DTEND: %w", err)
		}
		raw.end, raw.hasEnd = end, true
	}

	if prop := ve.Props.Get(ical.PropRecurrenceRule); prop != nil {
		raw.rrule = prop.Value
	}
	for _, prop := range ve.Props.Values(ical.PropExceptionDates) {
		dates, err := exceptionDates(prop.Value, prop.Params.Get(ical.ParamTimezoneID), loc)
		if err != nil {
			return raw, err
		}
		raw.exdates = append(raw.exdates, dates...)
	}
	return raw, nil
}

// EventFromVEvent converts a single decoded VEVENT. The event gets a fresh
// provisional id; the second result reports a verbatim-kept RRULE.
func EventFromVEvent(ve ical.Event, loc *time.Location) (models.Event, bool, error) {
	raw, err := fromEmersion(ve, loc)
	if err != nil {
		return models.Event{}, false, err
	}
	return raw.event(loc)
}

func decodeLenient(data []byte, loc *time.Location) ([]rawEvent, int, error) {
	cal, err := ics.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	var (
		out     []rawEvent
		skipped int
	)
	for _, ve := range cal.Events() {
		raw, err := fromArran(ve, loc)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, raw)
	}
	return out, skipped, nil
}

func fromArran(ve *ics.VEvent, loc *time.Location) (rawEvent, error) {
	var raw rawEvent
	if p := ve.GetProperty(ics.ComponentPropertyUniqueId); p != nil {
		raw.uid = p.Value
	}
	if p := ve.GetProperty(ics.ComponentPropertySummary); p != nil {
		raw.summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentPropertyDescription); p != nil {
		raw.description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentProperty(PropCreatedBy)); p != nil {
		raw.createdBy = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ics.ComponentProperty(PropParticipants)); p != nil {
		raw.participants = splitList(p.Value)
	}

	startProp := ve.GetProperty(ics.ComponentPropertyDtStart)
	if startProp == nil {
		return raw, errors.New("missing DTSTART")
	}
	start, allDay, err := parseTime(startProp.Value, param(startProp.ICalParameters, "TZID"), loc)
	if err != nil {
		return raw, fmt.Errorf("invalid DTSTART: %w", err)
	}
	raw.start, raw.allDay = start, allDay || strings.EqualFold(param(startProp.ICalParameters, "VALUE"), "DATE")

	if endProp := ve.GetProperty(ics.ComponentPropertyDtEnd); endProp != nil {
		end, _, err := parseTime(endProp.Value, param(endProp.ICalParameters, "TZID"), loc)
		if err != nil {
			return raw, fmt.Errorf("invalid DTEND: %w", err)
		}
		raw.end, raw.hasEnd = end, true
	}

	if p := ve.GetProperty(ics.ComponentPropertyRrule); p != nil {
		raw.rrule = p.Value
	}
	for _, p := range ve.GetProperties(ics.ComponentPropertyExdate) {
		dates, err := exceptionDates(p.Value, param(p.ICalParameters, "TZID"), loc)
		if err != nil {
			return raw, err
		}
		raw.exdates = append(raw.exdates, dates...)
	}
	return raw, nil
}

func (raw rawEvent) event(loc *time.Location) (models.Event, bool, error) {
	ev := models.Event{
		Ref:          models.NewLocalRef(),
		Title:        raw.summary,
		Description:  raw.description,
		AllDay:       raw.allDay,
		ExternalUID:  raw.uid,
		CreatedBy:    raw.createdBy,
		Participants: raw.participants,
	}

	if raw.allDay {
		day := raw.start
		ev.Start = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		end := ev.Start
		if raw.hasEnd {
			last := raw.end.AddDate(0, 0, -1)
			if candidate := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, loc); candidate.After(ev.Start) {
				end = candidate
			}
		}
		ev.End = &end
	} else {
		ev.Start = raw.start.In(loc)
		if raw.hasEnd {
			end := raw.end.In(loc)
			ev.End = &end
		}
	}

	var verbatim bool
	if raw.rrule != "" {
		rec, isComplex, err := ParseRule(raw.rrule, loc)
		if err != nil {
			return ev, false, err
		}
		ev.Recurrence, verbatim = rec, isComplex
		ev.Exceptions = raw.exdates
	}

	if err := ev.Validate(); err != nil {
		return ev, false, err
	}
	return ev, verbatim, nil
}

// ParseExceptionLine parses a content line such as
// "EXDATE;VALUE=DATE:20240108,20240115" into calendar dates in loc.
func ParseExceptionLine(line string, loc *time.Location) ([]string, error) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return nil, fmt.Errorf("invalid EXDATE line %q", line)
	}
	var tzid string
	for _, p := range strings.Split(head, ";")[1:] {
		if key, val, _ := strings.Cut(p, "="); strings.EqualFold(key, "TZID") {
			tzid = val
		}
	}
	return exceptionDates(value, tzid, loc)
}

// exceptionDates turns an EXDATE value list into calendar dates in loc.
func exceptionDates(value, tzid string, loc *time.Location) ([]string, error) {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, allDay, err := parseTime(part, tzid, loc)
		if err != nil {
			return nil, fmt.Errorf("invalid EXDATE %q: %w", part, err)
		}
		if !allDay {
			t = t.In(loc)
		}
		out = append(out, t.Format(models.DateLayout))
	}
	return out, nil
}

// parseTime parses a DATE or DATE-TIME value. It reports whether the value
// was a DATE.
func parseTime(value, tzid string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	switch {
	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	case strings.Contains(value, "T"):
		zone := loc
		if tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				zone = l
			}
		}
		t, err := time.ParseInLocation("20060102T150405", value, zone)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102", value, loc)
		return t, true, err
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func param(params map[string][]string, name string) string {
	if vs := params[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
