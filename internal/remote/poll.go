package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"homesync/internal/diff"
	"homesync/internal/models"
)

// ListFunc fetches the full contents of a remote collection.
type ListFunc[T any] func(ctx context.Context) ([]T, error)

// Poller turns a backend without push notifications into a subscription
// source: on every tick it lists the collection and reports the difference to
// the previous listing. The first successful listing only sets the baseline.
type Poller[T models.Entity] struct {
	logger  *slog.Logger
	name    string
	spec    string
	list    ListFunc[T]
	timeout time.Duration

	mu      sync.Mutex
	last    []T
	primed  bool
	subs    map[int]func(Change[T])
	nextSub int
	cron    *cron.Cron
}

// NewPoller validates the cron spec (standard five fields or a descriptor
// such as "@every 1m") and returns an idle poller. Polling starts with the
// first subscriber and stops when the last one leaves.
func NewPoller[T models.Entity](logger *slog.Logger, name, spec string, list ListFunc[T]) (*Poller[T], error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", spec, err)
	}
	return &Poller[T]{
		logger:  logger,
		name:    name,
		spec:    spec,
		list:    list,
		timeout: 30 * time.Second,
		subs:    make(map[int]func(Change[T])),
	}, nil
}

func (p *Poller[T]) Subscribe(fn func(Change[T])) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	if p.cron == nil {
		c := cron.New()
		if _, err := c.AddFunc(p.spec, p.tick); err != nil {
			p.logger.Error("Failed to schedule poller", "collection", p.name, "error", err)
		} else {
			c.Start()
			p.cron = c
		}
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		var stop *cron.Cron
		if len(p.subs) == 0 && p.cron != nil {
			stop, p.cron = p.cron, nil
		}
		p.mu.Unlock()
		if stop != nil {
			<-stop.Stop().Done()
		}
	}
}

func (p *Poller[T]) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Poll(ctx); err != nil {
		p.logger.Error("Poll failed", "collection", p.name, "error", err)
	}
}

// Poll runs one listing and dispatches the resulting changes.
func (p *Poller[T]) Poll(ctx context.Context) error {
	current, err := p.list(ctx)
	if err != nil {
		return fmt.Errorf("list %s: %w", p.name, err)
	}

	p.mu.Lock()
	prev, primed := p.last, p.primed
	p.last, p.primed = current, true
	subs := make([]func(Change[T]), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	if !primed {
		p.logger.Debug("Poller baseline set", "collection", p.name, "count", len(current))
		return nil
	}

	changes := diff.Compute(prev, current)
	if changes.Empty() {
		return nil
	}
	p.logger.Info("Remote changes detected", "collection", p.name,
		"created", len(changes.Created), "updated", len(changes.Updated), "deleted", len(changes.Deleted))

	for _, fn := range subs {
		for _, id := range changes.Deleted {
			fn(Change[T]{Action: ActionDeleted, ID: id})
		}
		for _, r := range changes.Created {
			fn(Change[T]{Action: ActionCreated, ID: r.Key(), Record: r})
		}
		for _, r := range changes.Updated {
			fn(Change[T]{Action: ActionUpdated, ID: r.Key(), Record: r})
		}
	}
	return nil
}
