package interchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"homesync/internal/models"
)

var stamp = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedOptions() Options {
	return Options{Location: time.UTC, Now: func() time.Time { return stamp }}
}

func doc(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func TestExportImport_AllDayRoundTrip(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	ev := models.Event{Ref: models.PersistedRef("e1"), Title: "Trip", Start: day, End: &day, AllDay: true}

	var buf bytes.Buffer
	if err := Export(&buf, []models.Event{ev}, fixedOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"DTSTART;VALUE=DATE:20240301", "DTEND;VALUE=DATE:20240302", "UID:e1", "SUMMARY:Trip"} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}

	res, err := Import(strings.NewReader(out), fixedOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("imported %d events, want 1", len(res.Events))
	}
	got := res.Events[0]
	if !got.AllDay {
		t.Error("re-imported event lost its all-day flag")
	}
	if !got.Start.Equal(day) || got.End == nil || !got.End.Equal(day) {
		t.Errorf("start/end = %v/%v, want %v for both", got.Start, got.End, day)
	}
	if got.ExternalUID != "e1" || !got.Local {
		t.Errorf("imported ref = %+v uid %q", got.Ref, got.ExternalUID)
	}
}

func TestExportImport_TimedRecurring(t *testing.T) {
	start := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	ev := models.Event{
		Ref:         models.PersistedRef("e2"),
		Title:       "Standup",
		Description: "line one\nline two, with comma; and semicolon",
		Start:       start,
		End:         &end,
		Recurrence:  &models.Recurrence{Freq: models.Weekly, Until: "2024-01-22"},
		Exceptions:  []string{"2024-01-08"},
		ExternalUID: "ext-2",
	}

	var buf bytes.Buffer
	if err := Export(&buf, []models.Event{ev}, fixedOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"UID:ext-2", "RRULE:FREQ=WEEKLY", "EXDATE;VALUE=DATE:20240108", `line one\nline two`} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}

	res, err := Import(&buf, fixedOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(res.Events) != 1 || len(res.Complex) != 0 {
		t.Fatalf("Import = %+v", res)
	}
	got := res.Events[0]
	if got.Description != ev.Description {
		t.Errorf("Description = %q, want %q", got.Description, ev.Description)
	}
	if !got.Start.Equal(start) || got.Duration() != 45*time.Minute {
		t.Errorf("start = %v duration = %v", got.Start, got.Duration())
	}
	if got.Recurrence == nil || got.Recurrence.Freq != models.Weekly || got.Recurrence.Until != "2024-01-22" {
		t.Errorf("Recurrence = %+v", got.Recurrence)
	}
	if len(got.Exceptions) != 1 || got.Exceptions[0] != "2024-01-08" {
		t.Errorf("Exceptions = %v", got.Exceptions)
	}
}

func TestExportImport_NamelessOffsetKeepsInstant(t *testing.T) {
	// State files decode offsets into zones without a name.
	var start time.Time
	if err := json.Unmarshal([]byte(`"2024-03-01T10:00:00+02:00"`), &start); err != nil {
		t.Fatal(err)
	}
	end := start.Add(time.Hour)
	ev := models.Event{Ref: models.PersistedRef("e3"), Title: "Call", Start: start, End: &end}

	var buf bytes.Buffer
	if err := Export(&buf, []models.Event{ev}, fixedOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "TZID=:") {
		t.Errorf("export has an empty TZID:\n%s", out)
	}
	if want := "DTSTART:20240301T080000Z"; !strings.Contains(out, want) {
		t.Errorf("export missing %q:\n%s", want, out)
	}

	res, err := Import(strings.NewReader(out), Options{Location: time.FixedZone("", -5*3600)})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("imported %d events, want 1", len(res.Events))
	}
	got := res.Events[0]
	if !got.Start.Equal(start) || got.End == nil || !got.End.Equal(end) {
		t.Errorf("start/end = %v/%v, want %v/%v", got.Start, got.End, start, end)
	}
}

func TestExportTime(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("zone database unavailable: %v", err)
	}
	instant := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		t        time.Time
		loc      *time.Location
		wantZone string
	}{
		{"named zone kept", instant.In(berlin), time.UTC, "Europe/Berlin"},
		{"nameless offset to loc", instant.In(time.FixedZone("", 2*3600)), berlin, "Europe/Berlin"},
		{"nameless offset to UTC", instant.In(time.FixedZone("", 2*3600)), time.Local, "UTC"},
		{"local to UTC without loc", instant.In(time.Local), nil, "UTC"},
		{"unknown name to loc", instant.In(time.FixedZone("+0200", 2*3600)), berlin, "Europe/Berlin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exportTime(tt.t, tt.loc)
			if !got.Equal(instant) {
				t.Errorf("exportTime moved the instant to %v", got)
			}
			if zone := got.Location().String(); zone != tt.wantZone {
				t.Errorf("zone = %q, want %q", zone, tt.wantZone)
			}
		})
	}
}

func TestExportImport_CreatedByIsPlainText(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []models.Event{
		{Ref: models.PersistedRef("e4"), Title: "Dinner", Start: start, CreatedBy: "u1", Participants: []string{"u1", "u2"}},
		{Ref: models.PersistedRef("e5"), Title: "Lunch", Start: start, CreatedBy: "Doe, Jane; cook"},
	}

	var buf bytes.Buffer
	if err := Export(&buf, events, fixedOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"X-HOMESYNC-CREATED-BY:u1\r\n", `X-HOMESYNC-CREATED-BY:Doe\, Jane\; cook`, "X-HOMESYNC-PARTICIPANTS:u1,u2"} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}

	res, err := Import(strings.NewReader(out), fixedOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("imported %d events, want 2", len(res.Events))
	}
	byUID := map[string]models.Event{}
	for _, ev := range res.Events {
		byUID[ev.ExternalUID] = ev
	}
	if got := byUID["e4"].CreatedBy; got != "u1" {
		t.Errorf("e4 created by = %q, want %q", got, "u1")
	}
	if got := byUID["e5"].CreatedBy; got != "Doe, Jane; cook" {
		t.Errorf("e5 created by = %q, want %q", got, "Doe, Jane; cook")
	}
}

func TestImport_ComplexRuleKeptVerbatim(t *testing.T) {
	in := doc(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:gym",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240101T180000Z",
		"DTEND:20240101T190000Z",
		"SUMMARY:Gym",
		"RRULE:FREQ=WEEKLY;BYDAY=MO,WE",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	res, err := Import(strings.NewReader(in), fixedOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(res.Complex) != 1 || res.Complex[0] != "gym" {
		t.Errorf("Complex = %v, want [gym]", res.Complex)
	}
	rec := res.Events[0].Recurrence
	if rec == nil || rec.Raw != "FREQ=WEEKLY;BYDAY=MO,WE" || !rec.Complex() {
		t.Errorf("Recurrence = %+v", rec)
	}

	var buf bytes.Buffer
	if err := Export(&buf, res.Events, fixedOptions()); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !strings.Contains(buf.String(), "RRULE:FREQ=WEEKLY;BYDAY=MO,WE") {
		t.Errorf("raw rule not exported verbatim:\n%s", buf.String())
	}
}

func TestImport_SkipsMalformedEvents(t *testing.T) {
	in := doc(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:no-start",
		"DTSTAMP:20240101T000000Z",
		"SUMMARY:Broken",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:ok",
		"DTSTAMP:20240101T000000Z",
		"DTSTART:20240105T100000Z",
		"SUMMARY:Fine",
		"END:VEVENT",
		"END:VCALENDAR",
	)
	res, err := Import(strings.NewReader(in), fixedOptions())
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Skipped != 1 || len(res.Events) != 1 || res.Events[0].Title != "Fine" {
		t.Errorf("Import = %+v", res)
	}
	if res.Events[0].End != nil {
		t.Errorf("End = %v, want nil", res.Events[0].End)
	}
}

func TestImport_MalformedDocument(t *testing.T) {
	_, err := Import(strings.NewReader("this is not a calendar\r\n"), fixedOptions())
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestRule(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		want      models.Recurrence
		wantRaw   bool
		wantError bool
	}{
		{name: "daily", value: "FREQ=DAILY", want: models.Recurrence{Freq: models.Daily}},
		{name: "date until", value: "FREQ=MONTHLY;UNTIL=20241231", want: models.Recurrence{Freq: models.Monthly, Until: "2024-12-31"}},
		{name: "utc until", value: "RRULE:FREQ=YEARLY;UNTIL=20251231T235959Z", want: models.Recurrence{Freq: models.Yearly, Until: "2025-12-31"}},
		{name: "interval one", value: "FREQ=WEEKLY;INTERVAL=1", want: models.Recurrence{Freq: models.Weekly}},
		{name: "interval two", value: "FREQ=WEEKLY;INTERVAL=2", want: models.Recurrence{Raw: "FREQ=WEEKLY;INTERVAL=2"}, wantRaw: true},
		{name: "count", value: "FREQ=DAILY;COUNT=3", want: models.Recurrence{Raw: "FREQ=DAILY;COUNT=3"}, wantRaw: true},
		{name: "garbage", value: "FREQ=SOMETIMES", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, raw, err := ParseRule(tt.value, time.UTC)
			if tt.wantError {
				if err == nil {
					t.Errorf("ParseRule(%q) succeeded, want error", tt.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRule(%q): %v", tt.value, err)
			}
			if raw != tt.wantRaw || *got != tt.want {
				t.Errorf("ParseRule(%q) = %+v, %v, want %+v, %v", tt.value, *got, raw, tt.want, tt.wantRaw)
			}
			if raw {
				return
			}

			text, err := FormatRule(got, false, time.UTC)
			if err != nil {
				t.Fatalf("FormatRule: %v", err)
			}
			again, _, err := ParseRule(text, time.UTC)
			if err != nil || *again != *got {
				t.Errorf("FormatRule round trip = %+v (%v) via %q", again, err, text)
			}
		})
	}
}

func TestFormatRule_AllDayUntilIsDate(t *testing.T) {
	text, err := FormatRule(&models.Recurrence{Freq: models.Weekly, Until: "2024-01-22"}, true, time.UTC)
	if err != nil {
		t.Fatalf("FormatRule: %v", err)
	}
	if !strings.Contains(text, "UNTIL=20240122") || strings.Contains(text, "UNTIL=20240122T") {
		t.Errorf("FormatRule = %q, want a DATE until", text)
	}
}

func TestFetch(t *testing.T) {
	body := doc("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN", "END:VCALENDAR")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.ics" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	got, err := Fetch(context.Background(), ts.URL+"/cal.ics", FetchOptions{Client: ts.Client()})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(got) != body {
		t.Errorf("Fetch body = %q", got)
	}

	if _, err := Fetch(context.Background(), ts.URL+"/missing.ics", FetchOptions{Client: ts.Client()}); err == nil {
		t.Error("Fetch of a 404 succeeded")
	}
	if _, err := Fetch(context.Background(), ts.URL+"/cal.ics", FetchOptions{Client: ts.Client(), MaxBytes: 10}); err == nil {
		t.Error("Fetch ignored MaxBytes")
	}

	// The default client refuses loopback destinations.
	if _, err := Fetch(context.Background(), ts.URL+"/cal.ics", FetchOptions{Timeout: time.Second}); err == nil {
		t.Error("default client fetched from a loopback address")
	}
}
