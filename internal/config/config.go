// Package config assembles settings from a .env file, an optional YAML file
// and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Supported remote backends for the events collection.
const (
	BackendMemory = "memory"
	BackendCalDAV = "caldav"
	BackendGoogle = "google"
)

// DefaultCalDAVEndpoint is iCloud's CalDAV server.
const DefaultCalDAVEndpoint = "https://caldav.icloud.com/"

// CalDAVConfig holds the CalDAV server settings.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Calendar string `yaml:"calendar"`
}

// GoogleConfig holds the Google Calendar settings.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	CalendarID   string `yaml:"calendar_id"`
	// Account selects the token-<account>.json written by the auth command.
	Account string `yaml:"account"`
	// RateLimit is the API request budget per second; Burst its bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Config is the application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	// Timezone is the IANA zone calendar import/export and expansion use.
	Timezone string `yaml:"timezone"`
	// StatePath is the local household state file.
	StatePath string `yaml:"state_path"`
	// SyncStatePath is the state last confirmed by the remote stores.
	SyncStatePath string `yaml:"sync_state_path"`
	// RemotePath persists the in-memory backend between runs.
	RemotePath   string `yaml:"remote_path"`
	UserID       string `yaml:"user_id"`
	HistoryLimit int    `yaml:"history_limit"`
	Backend      string `yaml:"backend"`
	// PollSchedule is the cron spec used to poll network backends for
	// changes made by other clients.
	PollSchedule string `yaml:"poll_schedule"`
	// MetricsAddr enables the /metrics and /healthz listener when set.
	MetricsAddr string       `yaml:"metrics_addr"`
	CalDAV      CalDAVConfig `yaml:"caldav"`
	Google      GoogleConfig `yaml:"google"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		LogLevel:      "info",
		Timezone:      "UTC",
		StatePath:     "homesync-state.json",
		SyncStatePath: "sync-state.json",
		RemotePath:    "homesync-remote.json",
		HistoryLimit:  50,
		Backend:       BackendMemory,
		PollSchedule:  "*/5 * * * *",
		CalDAV:        CalDAVConfig{Endpoint: DefaultCalDAVEndpoint},
		Google:        GoogleConfig{CalendarID: "primary", Account: "default", RateLimit: 5, Burst: 10},
	}
}

// Load reads .env (if present), then the YAML file at path (if path is not
// empty), then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return cfg, fmt.Errorf("config file %s not found", path)
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v, ok := lookup(key); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	str(&c.LogLevel, "HOMESYNC_LOG_LEVEL", "LOG_LEVEL")
	str(&c.Timezone, "HOMESYNC_TIMEZONE", "PRIMARY_TIMEZONE")
	str(&c.StatePath, "HOMESYNC_STATE_PATH")
	str(&c.SyncStatePath, "HOMESYNC_SYNC_STATE_PATH")
	str(&c.RemotePath, "HOMESYNC_REMOTE_PATH")
	str(&c.UserID, "HOMESYNC_USER_ID")
	str(&c.Backend, "HOMESYNC_BACKEND")
	str(&c.PollSchedule, "HOMESYNC_POLL_SCHEDULE")
	str(&c.MetricsAddr, "HOMESYNC_METRICS_ADDR")

	str(&c.CalDAV.Endpoint, "HOMESYNC_CALDAV_ENDPOINT")
	str(&c.CalDAV.Username, "HOMESYNC_CALDAV_USERNAME", "ICLOUD_USERNAME")
	str(&c.CalDAV.Password, "HOMESYNC_CALDAV_PASSWORD", "ICLOUD_APP_SPECIFIC_PASSWORD")
	str(&c.CalDAV.Calendar, "HOMESYNC_CALDAV_CALENDAR", "ICLOUD_CALENDAR_NAME")

	str(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	str(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	str(&c.Google.CalendarID, "HOMESYNC_GOOGLE_CALENDAR_ID", "GOOGLE_CALENDAR_IDS")
	str(&c.Google.Account, "HOMESYNC_GOOGLE_ACCOUNT")

	if v, ok := lookup("HOMESYNC_HISTORY_LIMIT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HOMESYNC_HISTORY_LIMIT %q: %w", v, err)
		}
		c.HistoryLimit = n
	}
	if v, ok := lookup("HOMESYNC_GOOGLE_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid HOMESYNC_GOOGLE_RATE_LIMIT %q: %w", v, err)
		}
		c.Google.RateLimit = f
	}

	// GOOGLE_CALENDAR_IDS may list several calendars; one household calendar
	// is synced, the first one wins.
	if first, _, found := strings.Cut(c.Google.CalendarID, ","); found {
		c.Google.CalendarID = strings.TrimSpace(first)
	}
	return nil
}

// Validate checks the configuration for values the application cannot run
// with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendCalDAV:
		if c.CalDAV.Username == "" || c.CalDAV.Password == "" || c.CalDAV.Calendar == "" {
			return errors.New("caldav backend needs username, password and calendar name")
		}
	case BackendGoogle:
		if c.Google.CalendarID == "" {
			return errors.New("google backend needs a calendar id")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history limit must not be negative, got %d", c.HistoryLimit)
	}
	if c.Google.RateLimit < 0 {
		return fmt.Errorf("google rate limit must not be negative, got %v", c.Google.RateLimit)
	}
	return nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", tz, err)
	}
	return loc, nil
}
