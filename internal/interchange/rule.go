package interchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"homesync/internal/models"
)

var toRRuleFreq = map[models.Frequency]rrule.Frequency{
	models.Daily:   rrule.DAILY,
	models.Weekly:  rrule.WEEKLY,
	models.Monthly: rrule.MONTHLY,
	models.Yearly:  rrule.YEARLY,
}

var fromRRuleFreq = map[rrule.Frequency]models.Frequency{
	rrule.DAILY:   models.Daily,
	rrule.WEEKLY:  models.Weekly,
	rrule.MONTHLY: models.Monthly,
	rrule.YEARLY:  models.Yearly,
}

// FormatRule renders rec as an RRULE value (without the "RRULE:" prefix).
// Raw rules are returned verbatim. For all-day events the until bound is a
// DATE; otherwise it is the last second of the until date in loc, in UTC.
func FormatRule(rec *models.Recurrence, allDay bool, loc *time.Location) (string, error) {
	if rec == nil {
		return "", nil
	}
	if rec.Complex() {
		return strings.TrimPrefix(rec.Raw, "RRULE:"), nil
	}
	freq, ok := toRRuleFreq[rec.Freq]
	if !ok {
		return "", fmt.Errorf("unsupported frequency %q", rec.Freq)
	}

	opt := rrule.ROption{Freq: freq}
	if rec.Until == "" {
		return opt.RRuleString(), nil
	}
	until, err := time.ParseInLocation(models.DateLayout, rec.Until, loc)
	if err != nil {
		return "", fmt.Errorf("invalid until date %q: %w", rec.Until, err)
	}
	if allDay {
		return opt.RRuleString() + ";UNTIL=" + until.Format("20060102"), nil
	}
	opt.Until = until.AddDate(0, 0, 1).Add(-time.Second)
	return opt.RRuleString(), nil
}

// ParseRule maps an RRULE value onto the structured model. Rules using
// anything beyond FREQ, UNTIL and INTERVAL=1 are kept verbatim in Raw; the
// second return value reports that case.
func ParseRule(value string, loc *time.Location) (*models.Recurrence, bool, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "RRULE:")
	opt, err := rrule.StrToROption(value)
	if err != nil {
		return nil, false, fmt.Errorf("invalid RRULE %q: %w", value, err)
	}

	var untilText string
	for _, part := range strings.Split(value, ";") {
		key, val, _ := strings.Cut(part, "=")
		switch strings.ToUpper(key) {
		case "FREQ":
		case "UNTIL":
			untilText = val
		case "INTERVAL":
			if val != "1" {
				return &models.Recurrence{Raw: value}, true, nil
			}
		default:
			return &models.Recurrence{Raw: value}, true, nil
		}
	}

	freq, ok := fromRRuleFreq[opt.Freq]
	if !ok {
		return &models.Recurrence{Raw: value}, true, nil
	}
	rec := &models.Recurrence{Freq: freq}
	switch {
	case untilText == "":
	case !strings.Contains(untilText, "T"):
		day, err := time.Parse("20060102", untilText)
		if err != nil {
			return nil, false, fmt.Errorf("invalid UNTIL %q: %w", untilText, err)
		}
		rec.Until = day.Format(models.DateLayout)
	default:
		rec.Until = opt.Until.In(loc).Format(models.DateLayout)
	}
	return rec, false, nil
}
