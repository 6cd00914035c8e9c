package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"homesync/internal/config"
	"homesync/internal/google"
	"homesync/internal/household"
	"homesync/internal/interchange"
	"homesync/internal/metrics"
	"homesync/internal/realtime"
	"homesync/internal/recurrence"
	"homesync/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "homesync",
		Usage: "Keep a household's calendar, shopping list and todos in sync with their remote stores.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"HOMESYNC_CONFIG"}, Usage: "YAML configuration file."},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			syncCommand(),
			importCommand(),
			exportCommand(),
			expandCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// env bundles what every command needs.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	loc    *time.Location
}

func setup(c *cli.Context) (env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return env{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return env{}, err
	}
	return env{cfg: cfg, logger: setupLogger(cfg.LogLevel), loc: loc}, nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			e.logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(e.cfg.Google.ClientID, e.cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Printf("Enter a name for this account (default %q): ", e.cfg.Google.Account)
			accountName, _ := reader.ReadString('\n')
			accountName = strings.TrimSpace(accountName)
			if accountName == "" {
				accountName = e.cfg.Google.Account
			}
			tokenFile := "token-" + accountName + ".json"

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			e.logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the Google calendars every authenticated account can reach.",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			accounts, err := google.GetTokenAccounts(".")
			if err != nil {
				return fmt.Errorf("could not find any google accounts, did you run auth command? %w", err)
			}
			if len(accounts) == 0 {
				return fmt.Errorf("no google accounts found. Run the 'auth' command first")
			}
			for _, acc := range accounts {
				client, err := google.NewClient(c.Context, e.logger, e.cfg.Google.ClientID, e.cfg.Google.ClientSecret, acc, google.Options{Location: e.loc})
				if err != nil {
					return fmt.Errorf("failed to create google client for account %s: %w", acc, err)
				}
				ids, err := client.DiscoverGoogleCalendars(c.Context)
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Printf("%s\t%s\n", acc, id)
				}
			}
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Push local household changes to the remote stores and fold in remote ones.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds and follow remote changes. Overrides --once."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dryRun := c.Bool("dry-run")
			if dryRun {
				e.logger.Info("Performing a dry run. No changes will be made.")
			}

			rec, stopMetrics := startMetrics(e)
			defer stopMetrics()

			s, err := openSession(c.Context, e, household.WithDryRun(dryRun), household.WithMetrics(rec))
			if err != nil {
				return err
			}

			// --watch flag takes precedence
			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				return s.watch(c.Context, interval, dryRun)
			}

			e.logger.Info("Running a single sync cycle.")
			if err := s.cycle(c.Context, dryRun); err != nil {
				return fmt.Errorf("single sync cycle failed: %w", err)
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import events from an iCalendar file or URL into the household calendar.",
		ArgsUsage: "[file]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Usage: "Fetch the calendar from this http(s) URL instead of a file."},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "Timeout for --url."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}

			var r io.Reader
			switch {
			case c.String("url") != "":
				data, err := interchange.Fetch(c.Context, c.String("url"), interchange.FetchOptions{Timeout: c.Duration("timeout")})
				if err != nil {
					return err
				}
				r = strings.NewReader(string(data))
			case c.Args().Len() == 1:
				f, err := os.Open(c.Args().First())
				if err != nil {
					return fmt.Errorf("failed to open calendar file: %w", err)
				}
				defer f.Close()
				r = f
			default:
				return errors.New("import needs a file argument or --url")
			}

			s, err := openSession(c.Context, e)
			if err != nil {
				return err
			}
			if err := s.pushLocal(c.Context); err != nil {
				return err
			}
			result, report, err := s.h.ImportEvents(c.Context, r)
			if err != nil {
				return err
			}
			e.logger.Info("Imported calendar", "events", report.Created, "skipped", result.Skipped, "verbatimRules", len(result.Complex), "lenient", result.Lenient)
			if err := report.Err(); err != nil {
				e.logger.Warn("Some imported events were not stored remotely yet", "error", err)
			}
			return s.save()
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the household calendar as an iCalendar document.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file; standard output when empty."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			state, err := store.Load(e.cfg.StatePath)
			if err != nil {
				return err
			}

			w := io.Writer(os.Stdout)
			if out := c.String("out"); out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := interchange.Export(w, state.Events, interchange.Options{Location: e.loc}); err != nil {
				return err
			}
			e.logger.Debug("Exported calendar", "events", len(state.Events))
			return nil
		},
	}
}

func expandCommand() *cli.Command {
	return &cli.Command{
		Name:  "expand",
		Usage: "Print the event instances that fall into a date range.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "First day (YYYY-MM-DD); defaults to today."},
			&cli.StringFlag{Name: "to", Usage: "Last day (YYYY-MM-DD); defaults to 30 days after --from."},
			&cli.BoolFlag{Name: "relaxed", Usage: "Include single events after the range end."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			from, to, err := parseRange(c.String("from"), c.String("to"), e.loc, time.Now())
			if err != nil {
				return err
			}
			state, err := store.Load(e.cfg.StatePath)
			if err != nil {
				return err
			}

			var opts []recurrence.Option
			if c.Bool("relaxed") {
				opts = append(opts, recurrence.Relaxed())
			}
			for _, inst := range recurrence.ExpandAll(state.Events, from, to, opts...) {
				when := inst.Start.In(e.loc).Format("2006-01-02 15:04")
				if inst.AllDay {
					when = inst.Start.Format("2006-01-02") + " all-day"
				}
				fmt.Printf("%s\t%s\t%s\n", when, inst.Title, inst.ID)
			}
			return nil
		},
	}
}

// parseRange resolves the expand command's range. The end is the last
// instant of the to day.
func parseRange(fromStr, toStr string, loc *time.Location, now time.Time) (time.Time, time.Time, error) {
	now = now.In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if fromStr != "" {
		t, err := time.ParseInLocation("2006-01-02", fromStr, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = t
	}
	to := from.AddDate(0, 0, 30)
	if toStr != "" {
		t, err := time.ParseInLocation("2006-01-02", toStr, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = t
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("range ends before it starts")
	}
	return from, to.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
}

// startMetrics serves /metrics when configured. The returned recorder is a
// no-op otherwise.
func startMetrics(e env) (metrics.Recorder, func()) {
	if e.cfg.MetricsAddr == "" {
		return metrics.Nop{}, func() {}
	}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	srv := &http.Server{
		Addr:              e.cfg.MetricsAddr,
		Handler:           metrics.Router(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		e.logger.Info("Serving metrics", "addr", e.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("Metrics server failed", "error", err)
		}
	}()
	return collector, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func notifier(logger *slog.Logger) func(realtime.Notification) {
	return func(n realtime.Notification) {
		logger.Info("Household member added something", "collection", n.Collection, "actor", n.Actor, "summary", n.Summary)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
