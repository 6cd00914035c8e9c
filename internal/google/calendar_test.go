package google

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"homesync/internal/models"
	"homesync/internal/remote"
)

func TestConvert_RoundTrip(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	allDayEnd := time.Date(2024, 8, 3, 0, 0, 0, 0, berlin)
	timedEnd := time.Date(2024, 1, 5, 18, 30, 0, 0, berlin)

	tests := []struct {
		name string
		ev   models.Event
	}{
		{
			name: "all day span",
			ev: models.Event{
				Ref: models.PersistedRef("g1"), Title: "Camping",
				Start: time.Date(2024, 8, 1, 0, 0, 0, 0, berlin), End: &allDayEnd, AllDay: true,
				Participants: []string{"u1", "u2"}, CreatedBy: "u1",
			},
		},
		{
			name: "timed weekly with exception",
			ev: models.Event{
				Ref: models.PersistedRef("g2"), Title: "Choir", Description: "Bring sheets",
				Start: time.Date(2024, 1, 5, 17, 0, 0, 0, berlin), End: &timedEnd,
				Recurrence: &models.Recurrence{Freq: models.Weekly, Until: "2024-03-29"},
				Exceptions: []string{"2024-02-09"},
			},
		},
		{
			name: "open ended with external uid",
			ev: models.Event{
				Ref: models.PersistedRef("g3"), Title: "Reminder",
				Start:       time.Date(2024, 4, 1, 8, 0, 0, 0, berlin),
				ExternalUID: "abc@example.com",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ge, err := toGoogleEvent(tt.ev)
			if err != nil {
				t.Fatalf("toGoogleEvent: %v", err)
			}
			ge.Id = tt.ev.ID
			got, err := fromGoogleEvent(ge, berlin)
			if err != nil {
				t.Fatalf("fromGoogleEvent: %v", err)
			}
			if !got.Start.Equal(tt.ev.Start) {
				t.Errorf("Start = %v, want %v", got.Start, tt.ev.Start)
			}
			if (got.End == nil) != (tt.ev.End == nil) || (got.End != nil && !got.End.Equal(*tt.ev.End)) {
				t.Errorf("End = %v, want %v", got.End, tt.ev.End)
			}
			got.Start, got.End = tt.ev.Start, tt.ev.End
			if !reflect.DeepEqual(got, tt.ev) {
				t.Errorf("round trip = %+v, want %+v", got, tt.ev)
			}
		})
	}
}

func TestToGoogleEvent_AllDayEndIsExclusive(t *testing.T) {
	ev := models.Event{Ref: models.PersistedRef("g"), Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), AllDay: true}
	ge, err := toGoogleEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	if ge.Start.Date != "2024-03-01" || ge.End.Date != "2024-03-02" {
		t.Errorf("dates = %s..%s, want 2024-03-01..2024-03-02", ge.Start.Date, ge.End.Date)
	}
}

func TestTimed_OnlyNamesIANAZones(t *testing.T) {
	instant := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		loc  *time.Location
		want string
	}{
		{"utc", time.UTC, "UTC"},
		{"nameless offset", time.FixedZone("", 2*3600), ""},
		{"made-up name", time.FixedZone("+0200", 2*3600), ""},
		{"local", time.Local, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dt := timed(instant.In(tt.loc))
			if dt.TimeZone != tt.want {
				t.Errorf("TimeZone = %q, want %q", dt.TimeZone, tt.want)
			}
			got, err := time.Parse(time.RFC3339, dt.DateTime)
			if err != nil || !got.Equal(instant) {
				t.Errorf("DateTime = %q (%v), want %v", dt.DateTime, err, instant)
			}
		})
	}
}

func TestFromGoogleEvent_ComplexRule(t *testing.T) {
	ge := &calendar.Event{
		Id:         "g",
		Start:      &calendar.EventDateTime{DateTime: "2024-01-01T18:00:00Z"},
		End:        &calendar.EventDateTime{DateTime: "2024-01-01T19:00:00Z"},
		Recurrence: []string{"RRULE:FREQ=WEEKLY;BYDAY=MO,WE", "EXDATE;TZID=UTC:20240103T180000"},
	}
	got, err := fromGoogleEvent(ge, time.UTC)
	if err != nil {
		t.Fatalf("fromGoogleEvent: %v", err)
	}
	if got.Recurrence == nil || got.Recurrence.Raw != "FREQ=WEEKLY;BYDAY=MO,WE" {
		t.Errorf("Recurrence = %+v, want raw rule kept", got.Recurrence)
	}
	if !reflect.DeepEqual(got.Exceptions, []string{"2024-01-03"}) {
		t.Errorf("Exceptions = %v", got.Exceptions)
	}
}

type fakeAPI struct {
	events map[string]*calendar.Event
	next   int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/calendars/family/events"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")

	notFound := func() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
	}
	decode := func() *calendar.Event {
		var ev calendar.Event
		json.NewDecoder(r.Body).Decode(&ev)
		return &ev
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && id == "":
		ev := decode()
		f.next++
		ev.Id = "g" + string(rune('0'+f.next))
		f.events[ev.Id] = ev
		json.NewEncoder(w).Encode(ev)
	case r.Method == http.MethodPut:
		if _, ok := f.events[id]; !ok {
			notFound()
			return
		}
		ev := decode()
		ev.Id = id
		f.events[id] = ev
		json.NewEncoder(w).Encode(ev)
	case r.Method == http.MethodDelete:
		if _, ok := f.events[id]; !ok {
			notFound()
			return
		}
		delete(f.events, id)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && id == "":
		items := make([]*calendar.Event, 0, len(f.events))
		for _, ev := range f.events {
			items = append(items, ev)
		}
		json.NewEncoder(w).Encode(calendar.Events{Items: items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T) (*CalendarClient, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{events: make(map[string]*calendar.Event)}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(srv.Client()), option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := newClient(logger, svc, Options{CalendarID: "family", RateLimit: 100, Burst: 10, Location: time.UTC})
	if err != nil {
		t.Fatalf("newClient: %v", err)
	}
	return c, api
}

func TestClient_Lifecycle(t *testing.T) {
	c, api := newTestClient(t)
	ctx := context.Background()

	ev := models.Event{Ref: models.NewLocalRef(), Title: "Vet", Start: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), CreatedBy: "u1"}
	created, err := c.Create(ctx, ev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != "g1" || created.IsLocal() {
		t.Fatalf("Create ref = %+v, want persisted g1", created.Ref)
	}

	created.Title = "Vet (cat)"
	if err := c.Update(ctx, created); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if api.events["g1"].Summary != "Vet (cat)" {
		t.Errorf("stored summary = %q", api.events["g1"].Summary)
	}

	listed, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 || !reflect.DeepEqual(listed[0], created) {
		t.Errorf("List = %+v, want [%+v]", listed, created)
	}

	if err := c.Delete(ctx, "g1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := c.Delete(ctx, "g1"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("second Delete error = %v, want ErrNotFound", err)
	}
	if err := c.Update(ctx, created); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Update of deleted error = %v, want ErrNotFound", err)
	}
}

func TestClient_CreateWithPersistedIDFallsBackToInsert(t *testing.T) {
	c, _ := newTestClient(t)
	ev := models.Event{Ref: models.PersistedRef("gone"), Title: "Again", Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), AllDay: true}
	got, err := c.Create(context.Background(), ev)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got.ID != "g1" {
		t.Errorf("ID = %q, want the inserted id", got.ID)
	}
}
