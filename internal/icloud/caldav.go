// Package icloud stores household events in a CalDAV calendar such as the
// ones iCloud serves.
package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"homesync/internal/interchange"
	"homesync/internal/models"
	"homesync/internal/remote"
)

const userAgent = "homesync/1.0"

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", userAgent)
	return t.Transport.RoundTrip(req)
}

// Options configures a CalDAVClient.
type Options struct {
	Endpoint string
	Username string
	Password string
	Calendar string
	// Location is the zone listed events are converted to.
	Location *time.Location
	// PollSchedule is the cron spec for change detection.
	PollSchedule string
	Timeout      time.Duration
}

// CalDAVClient is the remote events collection backed by one CalDAV
// calendar. Every event is stored as <id>.ics below the calendar path.
type CalDAVClient struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string
	location     *time.Location
	poller       *remote.Poller[models.Event]
}

var _ remote.Collection[models.Event] = (*CalDAVClient)(nil)

// NewClient connects to the server and locates the calendar by display name.
func NewClient(ctx context.Context, logger *slog.Logger, opts Options) (*CalDAVClient, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := &customTransport{
		Username:  opts.Username,
		Password:  opts.Password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: opts.Timeout}

	c, err := newClient(logger, httpClient, opts)
	if err != nil {
		return nil, err
	}

	logger.Info("Finding CalDAV calendar", "calendarName", opts.Calendar)
	calendarPath, err := c.findCalendar(ctx, opts.Calendar)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", opts.Calendar, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)
	return c, nil
}

func newClient(logger *slog.Logger, httpClient webdav.HTTPClient, opts Options) (*CalDAVClient, error) {
	caldavClient, err := caldav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	webdavClient, err := webdav.NewClient(httpClient, opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	c := &CalDAVClient{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		location:     loc,
	}

	schedule := opts.PollSchedule
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	c.poller, err = remote.NewPoller[models.Event](logger, "events", schedule, c.List)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create stores a new event. Provisional events get a fresh UUID; events
// that already carry a persisted id (a redo of a deletion) keep it.
func (c *CalDAVClient) Create(ctx context.Context, ev models.Event) (models.Event, error) {
	id := ev.ID
	if ev.IsLocal() || id == "" {
		id = GenerateUID()
	}
	persisted := ev.Persisted(id)
	if err := c.put(ctx, persisted); err != nil {
		return models.Event{}, err
	}
	c.logger.Info("Created event on CalDAV server", "eventTitle", ev.Title, "id", id)
	return persisted, nil
}

func (c *CalDAVClient) Update(ctx context.Context, ev models.Event) error {
	if err := c.put(ctx, ev); err != nil {
		return err
	}
	c.logger.Debug("Updated event on CalDAV server", "eventTitle", ev.Title, "id", ev.ID)
	return nil
}

func (c *CalDAVClient) Delete(ctx context.Context, id string) error {
	if err := c.webdavClient.RemoveAll(ctx, c.objectPath(id)); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	c.logger.Debug("Deleted event on CalDAV server", "id", id)
	return nil
}

func (c *CalDAVClient) Subscribe(fn func(remote.Change[models.Event])) func() {
	return c.poller.Subscribe(fn)
}

// List returns every event in the calendar.
func (c *CalDAVClient) List(ctx context.Context) ([]models.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}
	return eventsFromObjects(c.logger, objects, c.location), nil
}

func (c *CalDAVClient) put(ctx context.Context, ev models.Event) error {
	cal, err := interchange.Calendar([]models.Event{ev}, interchange.Options{Location: c.location})
	if err != nil {
		return err
	}

	writer, err := c.webdavClient.Create(ctx, c.objectPath(ev.ID))
	if err != nil {
		return fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		writer.Close()
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	// The request completes on Close.
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to store event %s: %w", ev.ID, err)
	}
	return nil
}

func (c *CalDAVClient) objectPath(id string) string {
	return path.Join(c.calendarPath, id+".ics")
}

// eventsFromObjects converts query results. The object name is the event id;
// a UID equal to it is ours and not kept as an external UID.
func eventsFromObjects(logger *slog.Logger, objects []caldav.CalendarObject, loc *time.Location) []models.Event {
	events := make([]models.Event, 0, len(objects))
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		id := strings.TrimSuffix(path.Base(obj.Path), ".ics")
		vevents := obj.Data.Events()
		if len(vevents) == 0 {
			continue
		}
		// Overridden instances share the object; the master comes first.
		ev, _, err := interchange.EventFromVEvent(vevents[0], loc)
		if err != nil {
			logger.Warn("Skipping unreadable calendar object", "path", obj.Path, "error", err)
			continue
		}
		ev.Ref = models.PersistedRef(id)
		if ev.ExternalUID == id {
			ev.ExternalUID = ""
		}
		events = append(events, ev)
	}
	return events
}

// findCalendar discovers the user's calendars and returns the path of the one
// with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
