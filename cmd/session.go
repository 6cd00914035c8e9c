package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homesync/internal/config"
	"homesync/internal/google"
	"homesync/internal/household"
	"homesync/internal/icloud"
	"homesync/internal/models"
	"homesync/internal/remote"
	"homesync/internal/store"
)

// session is one household opened from the state files.
//
// StatePath holds the household as edited locally; SyncStatePath the state
// the remote stores last acknowledged. A cycle pushes the difference and
// writes the merged result back to both.
type session struct {
	env
	h      *household.Household
	memory *memoryBackend

	// stateModTime is the mtime of the state file we last wrote. An equal
	// mtime means nobody edited it since.
	stateModTime time.Time
}

func openSession(ctx context.Context, e env, opts ...household.Option) (*session, error) {
	synced, err := store.Load(e.cfg.SyncStatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	remotes, mem, err := openRemotes(ctx, e)
	if err != nil {
		return nil, err
	}

	base := []household.Option{
		household.WithSelfID(e.cfg.UserID),
		household.WithHistoryLimit(e.cfg.HistoryLimit),
		household.WithLocation(e.loc),
		household.WithNotifier(notifier(e.logger)),
	}
	h := household.New(e.logger, synced, remotes, append(base, opts...)...)
	return &session{env: e, h: h, memory: mem}, nil
}

// pushLocal applies local edits of the state file to the household.
func (s *session) pushLocal(ctx context.Context) error {
	info, err := os.Stat(s.cfg.StatePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.ModTime().Equal(s.stateModTime) {
		s.logger.Debug("State file unchanged since last cycle")
		return nil
	}

	state, err := store.Load(s.cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	for _, report := range s.h.Sync(ctx, state) {
		if err := report.Err(); err != nil {
			s.logger.Warn("Sync pass had failures", "collection", report.Collection, "failed", report.Failed, "error", err)
		}
	}
	return nil
}

func (s *session) cycle(ctx context.Context, dryRun bool) error {
	if err := s.pushLocal(ctx); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	return s.save()
}

// watch runs a cycle every interval and folds remote changes in between,
// until the process is interrupted.
func (s *session) watch(ctx context.Context, interval time.Duration, dryRun bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.h.Run(ctx)
	}()

	s.logger.Info("Starting watcher.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.cycle(ctx, dryRun); err != nil {
			s.logger.Error("Sync cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			<-done
			s.logger.Info("Watcher stopped.")
			if dryRun {
				return nil
			}
			return s.save()
		case <-ticker.C:
		}
	}
}

func (s *session) save() error {
	snap := s.h.Snapshot()
	if err := store.Save(s.cfg.SyncStatePath, snap); err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	if err := store.Save(s.cfg.StatePath, snap); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	if info, err := os.Stat(s.cfg.StatePath); err == nil {
		s.stateModTime = info.ModTime()
	}
	if s.memory != nil {
		return s.memory.save()
	}
	return nil
}

// memoryBackend holds the collections served in-process, persisted to the
// remote file between runs.
type memoryBackend struct {
	path     string
	events   *remote.Memory[models.Event]
	shopping *remote.Memory[models.ShoppingItem]
	todos    *remote.Memory[models.TodoItem]
	users    *remote.Memory[models.User]
}

func (m *memoryBackend) save() error {
	return store.Save(m.path, store.Snapshot{
		Events:   m.events.Records(),
		Shopping: m.shopping.Records(),
		Todos:    m.todos.Records(),
		Users:    m.users.Records(),
	})
}

// openRemotes serves every collection from the memory backend and swaps the
// events collection for a calendar server when one is configured.
func openRemotes(ctx context.Context, e env) (household.Remotes, *memoryBackend, error) {
	seed, err := store.Load(e.cfg.RemotePath)
	if err != nil {
		return household.Remotes{}, nil, fmt.Errorf("failed to load remote state: %w", err)
	}
	mem := &memoryBackend{
		path:     e.cfg.RemotePath,
		events:   remote.NewMemory(seed.Events),
		shopping: remote.NewMemory(seed.Shopping),
		todos:    remote.NewMemory(seed.Todos),
		users:    remote.NewMemory(seed.Users),
	}
	remotes := household.Remotes{
		Events:   mem.events,
		Shopping: mem.shopping,
		Todos:    mem.todos,
		Users:    mem.users,
	}

	switch e.cfg.Backend {
	case config.BackendCalDAV:
		client, err := icloud.NewClient(ctx, e.logger, icloud.Options{
			Endpoint:     e.cfg.CalDAV.Endpoint,
			Username:     e.cfg.CalDAV.Username,
			Password:     e.cfg.CalDAV.Password,
			Calendar:     e.cfg.CalDAV.Calendar,
			Location:     e.loc,
			PollSchedule: e.cfg.PollSchedule,
		})
		if err != nil {
			return household.Remotes{}, nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		remotes.Events = client
	case config.BackendGoogle:
		client, err := google.NewClient(ctx, e.logger, e.cfg.Google.ClientID, e.cfg.Google.ClientSecret, e.cfg.Google.Account, google.Options{
			CalendarID:   e.cfg.Google.CalendarID,
			RateLimit:    e.cfg.Google.RateLimit,
			Burst:        e.cfg.Google.Burst,
			Location:     e.loc,
			PollSchedule: e.cfg.PollSchedule,
		})
		if err != nil {
			return household.Remotes{}, nil, fmt.Errorf("failed to create google client: %w", err)
		}
		remotes.Events = client
	}
	e.logger.Debug("Opened remote stores", "backend", e.cfg.Backend)
	return remotes, mem, nil
}
