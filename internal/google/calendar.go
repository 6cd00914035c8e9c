package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"homesync/internal/models"
	"homesync/internal/remote"
)

const (
	credentialsFile = "credentials.json"
)

var scopes = []string{calendar.CalendarEventsScope, calendar.CalendarReadonlyScope}

// Options configures a CalendarClient.
type Options struct {
	CalendarID string
	// RateLimit is the request budget per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// Location is the zone listed events are converted to.
	Location     *time.Location
	PollSchedule string
}

// CalendarClient is the remote events collection backed by one Google
// calendar.
type CalendarClient struct {
	service    *calendar.Service
	logger     *slog.Logger
	calendarID string
	limiter    *rate.Limiter
	location   *time.Location
	poller     *remote.Poller[models.Event]
}

var _ remote.Collection[models.Event] = (*CalendarClient)(nil)

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// It supports multiple accounts by looking for token files like token-user1.json, token-user2.json, etc.
// The accountName is used to find the correct token file.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, accountName string, opts Options) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := fmt.Sprintf("token-%s.json", accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	client := config.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return newClient(logger, service, opts)
}

func newClient(logger *slog.Logger, service *calendar.Service, opts Options) (*CalendarClient, error) {
	if opts.CalendarID == "" {
		opts.CalendarID = "primary"
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	c := &CalendarClient{
		service:    service,
		logger:     logger,
		calendarID: opts.CalendarID,
		limiter:    rate.NewLimiter(limit, burst),
		location:   loc,
	}

	schedule := opts.PollSchedule
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	var err error
	c.poller, err = remote.NewPoller[models.Event](logger, "events", schedule, c.List)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a new event. An event that already has a persisted id was
// deleted earlier; Google keeps it as cancelled, so it is restored in place.
func (c *CalendarClient) Create(ctx context.Context, ev models.Event) (models.Event, error) {
	body, err := toGoogleEvent(ev)
	if err != nil {
		return models.Event{}, err
	}

	if !ev.IsLocal() && ev.ID != "" {
		if err := c.limiter.Wait(ctx); err != nil {
			return models.Event{}, err
		}
		body.Status = "confirmed"
		if _, err := c.service.Events.Update(c.calendarID, ev.ID, body).Context(ctx).Do(); err == nil {
			c.logger.Info("Restored event on Google Calendar", "eventTitle", ev.Title, "id", ev.ID)
			return ev, nil
		} else if !isNotFound(err) {
			return models.Event{}, fmt.Errorf("failed to restore event %s: %w", ev.ID, err)
		}
		body.Status = ""
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return models.Event{}, err
	}
	created, err := c.service.Events.Insert(c.calendarID, body).Context(ctx).Do()
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to insert event: %w", err)
	}
	c.logger.Info("Created event on Google Calendar", "eventTitle", ev.Title, "id", created.Id)
	return ev.Persisted(created.Id), nil
}

func (c *CalendarClient) Update(ctx context.Context, ev models.Event) error {
	body, err := toGoogleEvent(ev)
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.service.Events.Update(c.calendarID, ev.ID, body).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", remote.ErrNotFound, ev.ID)
		}
		return fmt.Errorf("failed to update event %s: %w", ev.ID, err)
	}
	c.logger.Debug("Updated event on Google Calendar", "eventTitle", ev.Title, "id", ev.ID)
	return nil
}

func (c *CalendarClient) Delete(ctx context.Context, id string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.service.Events.Delete(c.calendarID, id).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", remote.ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete event %s: %w", id, err)
	}
	c.logger.Debug("Deleted event on Google Calendar", "id", id)
	return nil
}

func (c *CalendarClient) Subscribe(fn func(remote.Change[models.Event])) func() {
	return c.poller.Subscribe(fn)
}

// List returns every event of the calendar, recurring events as one series.
func (c *CalendarClient) List(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	call := c.service.Events.List(c.calendarID).ShowDeleted(false).SingleEvents(false).MaxResults(250)
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			// Overrides of single instances are not modelled.
			if item.RecurringEventId != "" {
				continue
			}
			ev, err := fromGoogleEvent(item, c.location)
			if err != nil {
				c.logger.Warn("Skipping unreadable Google event", "id", item.Id, "error", err)
				continue
			}
			events = append(events, ev)
		}
		return c.limiter.Wait(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}
	c.logger.Debug("Fetched events from Google Calendar", "count", len(events), "calendarID", c.calendarID)
	return events, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone)
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit client credentials over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob"
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// DiscoverGoogleCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverGoogleCalendars(ctx context.Context) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// GetTokenAccounts lists the accounts that have a token file in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
