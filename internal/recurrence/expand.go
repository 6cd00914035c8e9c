// Package recurrence materializes recurring events into concrete instances.
package recurrence

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"homesync/internal/models"
)

// DefaultMaxInstances caps how many instances one event may produce in a
// single expansion.
const DefaultMaxInstances = 5000

type config struct {
	relaxed bool
	max     int
}

// Option adjusts an expansion.
type Option func(*config)

// Relaxed drops the upper range bound for non-recurring events, so
// long-lived single events stay visible in list views. Grid views use the
// strict default.
func Relaxed() Option {
	return func(c *config) { c.relaxed = true }
}

// WithMaxInstances overrides DefaultMaxInstances.
func WithMaxInstances(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.max = n
		}
	}
}

// Expand returns the instances of ev whose start lies in
// [rangeStart, rangeEnd]. Instances are plain copies of ev with their own
// start/end, an id of the form "<id>_<unix millis>" and no recurrence.
//
// Monthly and yearly series clamp to the last day of shorter months and
// return to the anchor day afterwards: a series anchored on Jan 31 yields
// Feb 29 (2024), Mar 31, Apr 30.
//
// Exception dates are compared with the calendar date of each step in the
// event's own location. Rules only available as raw RRULE text are expanded
// by rrule-go; if such a rule cannot be parsed the event is treated as a
// single occurrence.
func Expand(ev models.Event, rangeStart, rangeEnd time.Time, opts ...Option) []models.Event {
	cfg := config{max: DefaultMaxInstances}
	for _, opt := range opts {
		opt(&cfg)
	}

	if ev.Recurrence == nil {
		return expandSingle(ev, rangeStart, rangeEnd, cfg)
	}
	if ev.Recurrence.Complex() {
		return expandRaw(ev, rangeStart, rangeEnd, cfg)
	}

	upper := rangeEnd
	if until, ok := untilBound(ev); ok && until.Before(upper) {
		upper = until
	}

	var out []models.Event
	for k := firstStep(ev.Start, ev.Recurrence.Freq, rangeStart); ; k++ {
		current := Step(ev.Start, ev.Recurrence.Freq, k)
		if current.After(upper) || len(out) >= cfg.max {
			break
		}
		if current.Before(rangeStart) || ev.Excluded(current) {
			continue
		}
		out = append(out, instance(ev, current))
	}
	return out
}

// ExpandAll expands every event and sorts the result for display.
func ExpandAll(events []models.Event, rangeStart, rangeEnd time.Time, opts ...Option) []models.Event {
	var out []models.Event
	for _, ev := range events {
		out = append(out, Expand(ev, rangeStart, rangeEnd, opts...)...)
	}
	Sort(out)
	return out
}

// Sort orders instances by start time; ties put all-day events first, then
// order by title.
func Sort(instances []models.Event) {
	slices.SortStableFunc(instances, func(a, b models.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if a.AllDay != b.AllDay {
			if a.AllDay {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Title, b.Title)
	})
}

// Step returns the k-th occurrence after anchor for freq using calendar
// arithmetic. Wall-clock time is kept across DST changes.
func Step(anchor time.Time, freq models.Frequency, k int) time.Time {
	switch freq {
	case models.Daily:
		return anchor.AddDate(0, 0, k)
	case models.Weekly:
		return anchor.AddDate(0, 0, 7*k)
	case models.Monthly:
		return addMonthsClamped(anchor, k)
	case models.Yearly:
		return addMonthsClamped(anchor, 12*k)
	}
	return anchor
}

// firstStep returns a step index whose occurrence is at or before
// rangeStart, close enough that old series do not walk their whole history.
// One step of slack absorbs DST shifts and month clamping.
func firstStep(anchor time.Time, freq models.Frequency, rangeStart time.Time) int {
	if !rangeStart.After(anchor) {
		return 0
	}
	var k int
	switch freq {
	case models.Daily:
		k = int(rangeStart.Sub(anchor) / (24 * time.Hour))
	case models.Weekly:
		k = int(rangeStart.Sub(anchor) / (7 * 24 * time.Hour))
	case models.Monthly, models.Yearly:
		ay, am, _ := anchor.Date()
		ry, rm, _ := rangeStart.In(anchor.Location()).Date()
		k = (ry-ay)*12 + int(rm-am)
		if freq == models.Yearly {
			k /= 12
		}
	}
	return max(k-1, 0)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// untilBound returns the last instant of the inclusive until date in the
// event's location.
func untilBound(ev models.Event) (time.Time, bool) {
	if ev.Recurrence.Until == "" {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation(models.DateLayout, ev.Recurrence.Until, ev.Start.Location())
	if err != nil {
		return time.Time{}, false
	}
	return day.AddDate(0, 0, 1).Add(-time.Nanosecond), true
}

func expandSingle(ev models.Event, rangeStart, rangeEnd time.Time, cfg config) []models.Event {
	if ev.Start.Before(rangeStart) {
		return nil
	}
	if !cfg.relaxed && ev.Start.After(rangeEnd) {
		return nil
	}
	return []models.Event{ev}
}

func expandRaw(ev models.Event, rangeStart, rangeEnd time.Time, cfg config) []models.Event {
	opt, err := rrule.StrToROption(strings.TrimPrefix(ev.Recurrence.Raw, "RRULE:"))
	if err != nil {
		single := ev.Clone()
		single.Recurrence, single.Exceptions = nil, nil
		return expandSingle(single, rangeStart, rangeEnd, cfg)
	}
	opt.Dtstart = ev.Start
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		single := ev.Clone()
		single.Recurrence, single.Exceptions = nil, nil
		return expandSingle(single, rangeStart, rangeEnd, cfg)
	}

	var out []models.Event
	for _, current := range rule.Between(rangeStart, rangeEnd, true) {
		if len(out) >= cfg.max {
			break
		}
		current = current.In(ev.Start.Location())
		if ev.Excluded(current) {
			continue
		}
		out = append(out, instance(ev, current))
	}
	return out
}

func instance(ev models.Event, start time.Time) models.Event {
	inst := ev.Clone()
	inst.ID = InstanceID(ev.ID, start)
	inst.Start = start
	if ev.End != nil {
		end := start.Add(ev.Duration())
		inst.End = &end
	}
	inst.Recurrence = nil
	inst.Exceptions = nil
	return inst
}

// InstanceID derives the id of the instance of baseID starting at start.
func InstanceID(baseID string, start time.Time) string {
	return baseID + "_" + strconv.FormatInt(start.UnixMilli(), 10)
}

// BaseID returns the series id an instance id was derived from.
func BaseID(instanceID string) string {
	i := strings.LastIndexByte(instanceID, '_')
	if i < 0 {
		return instanceID
	}
	if _, err := strconv.ParseInt(instanceID[i+1:], 10, 64); err != nil {
		return instanceID
	}
	return instanceID[:i]
}
