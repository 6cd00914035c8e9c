// Package household is the single writer for a household's collections. It
// ties the local store to the remote collections, the undo history and the
// realtime feed, and exposes the entry points the presentation layer calls.
package household

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"homesync/internal/history"
	"homesync/internal/interchange"
	"homesync/internal/metrics"
	"homesync/internal/models"
	"homesync/internal/realtime"
	"homesync/internal/recurrence"
	"homesync/internal/remote"
	"homesync/internal/store"
	"homesync/internal/syncer"
)

// Remotes are the authoritative stores of the four collections.
type Remotes struct {
	Events   remote.Collection[models.Event]
	Shopping remote.Collection[models.ShoppingItem]
	Todos    remote.Collection[models.TodoItem]
	Users    remote.Collection[models.User]
}

// dependents lists, per collection, the collections holding references to
// its ids. A remap patches them in this order.
var dependents = map[string][]string{
	store.Users: {store.Events, store.Shopping, store.Todos},
}

// Option configures a Household.
type Option func(*options)

type options struct {
	selfID       string
	historyLimit int
	metrics      metrics.Recorder
	dryRun       bool
	location     *time.Location
	notify       func(realtime.Notification)
}

// WithSelfID sets the id of the user this session acts for.
func WithSelfID(id string) Option {
	return func(o *options) { o.selfID = id }
}

// WithHistoryLimit overrides history.DefaultLimit.
func WithHistoryLimit(n int) Option {
	return func(o *options) { o.historyLimit = n }
}

// WithMetrics reports household activity to rec. The default discards it.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// WithDryRun logs remote operations instead of issuing them.
func WithDryRun(dryRun bool) Option {
	return func(o *options) { o.dryRun = dryRun }
}

// WithLocation sets the zone used for calendar import and export.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithNotifier receives a notification whenever another member adds
// something.
func WithNotifier(fn func(realtime.Notification)) Option {
	return func(o *options) { o.notify = fn }
}

// Household coordinates one household's state.
type Household struct {
	logger   *slog.Logger
	mu       sync.Mutex
	store    *store.Store
	history  *history.Manager[store.Snapshot]
	remotes  Remotes
	metrics  metrics.Recorder
	selfID   string
	location *time.Location
	notify   func(realtime.Notification)
	queue    *realtime.Queue

	events   *syncer.Reconciler[models.Event]
	shopping *syncer.Reconciler[models.ShoppingItem]
	todos    *syncer.Reconciler[models.TodoItem]
	users    *syncer.Reconciler[models.User]

	suggestions *suggestions

	// Both are guarded by mu. remapLog collects remaps while a snapshot is
	// replayed; patched holds reference rewrites not yet pushed remotely.
	remapLog *[][2]string
	patched  []refPatch
}

// refPatch records the dependent collections a remap rewrote, before and
// after the rewrite.
type refPatch struct {
	collections []string
	before      store.Snapshot
	after       store.Snapshot
}

// New creates a Household starting from initial, which should be the state
// last known to match the remote stores.
func New(logger *slog.Logger, initial store.Snapshot, remotes Remotes, opts ...Option) *Household {
	o := options{metrics: metrics.Nop{}, location: time.Local}
	for _, opt := range opts {
		opt(&o)
	}

	syncOpts := []syncer.Option{syncer.WithMetrics(o.metrics), syncer.WithDryRun(o.dryRun)}
	h := &Household{
		logger:      logger,
		store:       store.New(initial),
		remotes:     remotes,
		metrics:     o.metrics,
		selfID:      o.selfID,
		location:    o.location,
		notify:      o.notify,
		queue:       realtime.NewQueue(),
		events:      syncer.NewReconciler(logger, store.Events, remotes.Events, syncOpts...),
		shopping:    syncer.NewReconciler(logger, store.Shopping, remotes.Shopping, syncOpts...),
		todos:       syncer.NewReconciler(logger, store.Todos, remotes.Todos, syncOpts...),
		users:       syncer.NewReconciler(logger, store.Users, remotes.Users, syncOpts...),
		suggestions: newSuggestions(defaultSuggestionLimit),
	}
	h.history = history.New[store.Snapshot](historyTarget{h}, o.historyLimit)
	return h
}

// Snapshot returns a copy of the current state of all collections.
func (h *Household) Snapshot() store.Snapshot {
	return h.store.Snapshot()
}

// Events returns a copy of the events collection.
func (h *Household) Events() []models.Event { return h.store.Events() }

// Shopping returns a copy of the shopping list.
func (h *Household) Shopping() []models.ShoppingItem { return h.store.Shopping() }

// Todos returns a copy of the todo list.
func (h *Household) Todos() []models.TodoItem { return h.store.Todos() }

// Users returns a copy of the household members.
func (h *Household) Users() []models.User { return h.store.Users() }

// MutationOption adjusts a single collection update.
type MutationOption func(*mutation)

type mutation struct {
	exempt bool
}

// HistoryExempt keeps the update out of the undo history. Loading state
// and applying a sync pass use it.
func HistoryExempt() MutationOption {
	return func(m *mutation) { m.exempt = true }
}

// SetEvents replaces the events collection and pushes the difference to the
// remote store.
func (h *Household) SetEvents(ctx context.Context, next []models.Event, opts ...MutationOption) syncer.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return reconcileCollection(ctx, h, h.events, eventsField, next, !exempt(opts))
}

// SetShopping is SetEvents for the shopping list.
func (h *Household) SetShopping(ctx context.Context, next []models.ShoppingItem, opts ...MutationOption) syncer.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return reconcileCollection(ctx, h, h.shopping, shoppingField, next, !exempt(opts))
}

// SetTodos is SetEvents for the todo list.
func (h *Household) SetTodos(ctx context.Context, next []models.TodoItem, opts ...MutationOption) syncer.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return reconcileCollection(ctx, h, h.todos, todosField, next, !exempt(opts))
}

// SetUsers is SetEvents for the household members. Id remaps are applied
// to the references the other collections hold.
func (h *Household) SetUsers(ctx context.Context, next []models.User, opts ...MutationOption) syncer.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return reconcileCollection(ctx, h, h.users, usersField, next, !exempt(opts))
}

// Sync reconciles local, typically read from disk, against the state the
// household was created with. Users go first so their remaps reach the
// other collections before those are pushed. The pass is not recorded in
// the undo history.
func (h *Household) Sync(ctx context.Context, local store.Snapshot) []syncer.Report {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replay(ctx, local)
}

// Undo restores the state before the most recent tracked mutation. It
// reports false when there is nothing to undo.
func (h *Household) Undo(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ok, err := h.history.Undo(ctx)
	if ok {
		h.metrics.RecordHistory("undo")
	}
	return ok, err
}

// Redo re-applies the most recently undone state.
func (h *Household) Redo(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ok, err := h.history.Redo(ctx)
	if ok {
		h.metrics.RecordHistory("redo")
	}
	return ok, err
}

// CanUndo reports whether Undo has a state to restore.
func (h *Household) CanUndo() bool { return h.history.CanUndo() }

// CanRedo reports whether Redo has a state to re-apply.
func (h *Household) CanRedo() bool { return h.history.CanRedo() }

// ImportEvents decodes a calendar document and adds its events. Events whose
// external UID is already present are skipped, so importing the same file
// twice is harmless. The import is one undoable mutation.
func (h *Household) ImportEvents(ctx context.Context, r io.Reader) (interchange.Result, syncer.Report, error) {
	res, err := interchange.Import(r, interchange.Options{Location: h.location})
	if err != nil {
		return res, syncer.Report{Collection: store.Events}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	current := h.store.Events()
	known := make(map[string]struct{}, len(current))
	for _, ev := range current {
		if ev.ExternalUID != "" {
			known[ev.ExternalUID] = struct{}{}
		}
	}

	next := current
	var added []models.Event
	for _, ev := range res.Events {
		if ev.ExternalUID != "" {
			if _, dup := known[ev.ExternalUID]; dup {
				res.Skipped++
				continue
			}
			known[ev.ExternalUID] = struct{}{}
		}
		if ev.CreatedBy == "" {
			ev.CreatedBy = h.selfID
		}
		added = append(added, ev)
	}
	res.Events = added
	if len(added) == 0 {
		return res, syncer.Report{Collection: store.Events}, nil
	}
	next = append(next, added...)

	h.logger.Info("Importing calendar events", "count", len(added), "skipped", res.Skipped, "complexRules", len(res.Complex))
	return res, reconcileCollection(ctx, h, h.events, eventsField, next, true), nil
}

// ExportEvents writes every stored event as one calendar document.
func (h *Household) ExportEvents(w io.Writer) error {
	return interchange.Export(w, h.store.Events(), interchange.Options{Location: h.location})
}

// Instances expands all events into the occurrences starting in [from, to],
// sorted for display.
func (h *Household) Instances(from, to time.Time, opts ...recurrence.Option) []models.Event {
	return recurrence.ExpandAll(h.store.Events(), from, to, opts...)
}

// Subscribe registers realtime handlers on every remote collection. Changes
// are queued and folded by Run (or Drain). The returned func unsubscribes.
func (h *Household) Subscribe() func() {
	unsubs := []func(){
		subscribe(h, h.remotes.Users, realtime.UserMerger(h.selfID), usersField),
		subscribe(h, h.remotes.Events, realtime.EventMerger(h.selfID), eventsField),
		subscribe(h, h.remotes.Shopping, realtime.ShoppingMerger(h.selfID), shoppingField),
		subscribe(h, h.remotes.Todos, realtime.TodoMerger(h.selfID), todosField),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Run subscribes to the remote collections and folds their changes until
// ctx is done.
func (h *Household) Run(ctx context.Context) {
	unsubscribe := h.Subscribe()
	defer unsubscribe()
	h.queue.Run(ctx)
}

// Drain folds every queued realtime change on the calling goroutine. It must
// not be used while Run is active.
func (h *Household) Drain() int {
	return h.queue.Drain()
}

// RememberSuggestion records text in the autocomplete history.
func (h *Household) RememberSuggestion(text string) {
	h.suggestions.remember(text)
}

// Suggestions returns remembered entries starting with prefix, most recent
// first.
func (h *Household) Suggestions(prefix string, limit int) []string {
	return h.suggestions.match(prefix, limit)
}

// replay pushes every collection of s through the normal update path
// without recording history. Remaps made by earlier collections are applied
// to s before later ones are pushed. The writer lock must be held.
func (h *Household) replay(ctx context.Context, s store.Snapshot) []syncer.Report {
	var remaps [][2]string
	h.remapLog = &remaps
	defer func() { h.remapLog = nil }()

	steps := []func(store.Snapshot) syncer.Report{
		func(s store.Snapshot) syncer.Report {
			return reconcileCollection(ctx, h, h.users, usersField, s.Users, false)
		},
		func(s store.Snapshot) syncer.Report {
			return reconcileCollection(ctx, h, h.events, eventsField, s.Events, false)
		},
		func(s store.Snapshot) syncer.Report {
			return reconcileCollection(ctx, h, h.shopping, shoppingField, s.Shopping, false)
		},
		func(s store.Snapshot) syncer.Report {
			return reconcileCollection(ctx, h, h.todos, todosField, s.Todos, false)
		},
	}

	reports := make([]syncer.Report, 0, len(steps))
	for _, step := range steps {
		for _, r := range remaps {
			s = s.Rewrite(r[0], r[1])
		}
		remaps = remaps[:0]
		reports = append(reports, step(s))
	}
	return reports
}

// remap confirms a provisional id in its own collection, patches the
// references held by dependent collections and rewrites the undo history so
// no stored snapshot keeps the provisional id.
func (h *Household) remap(collection, from, to string) {
	var patch refPatch
	h.store.Update(func(s *store.Snapshot) {
		if !confirm(s, collection, from, to) {
			h.logger.Warn("Remapped entity no longer present", "collection", collection, "id", from)
		}
		if from == to {
			return
		}
		patch.before = *s
		for _, dep := range dependents[collection] {
			if n := rewriteRefs(s, dep, from, to); n > 0 {
				patch.collections = append(patch.collections, dep)
				h.logger.Debug("Patched references", "collection", dep, "from", from, "to", to, "count", n)
			}
		}
		patch.after = *s
	})
	if from == to {
		return
	}

	if h.remapLog != nil {
		*h.remapLog = append(*h.remapLog, [2]string{from, to})
	}
	if len(patch.collections) > 0 {
		h.patched = append(h.patched, patch)
	}
	h.history.Rewrite(func(s store.Snapshot) store.Snapshot { return s.Rewrite(from, to) })
}

// pushPatchedRefs sends the reference rewrites of earlier remaps to the
// remote stores as plain updates. The writer lock must be held.
func (h *Household) pushPatchedRefs(ctx context.Context) {
	for len(h.patched) > 0 {
		p := h.patched[0]
		h.patched = h.patched[1:]
		for _, dep := range p.collections {
			switch dep {
			case store.Events:
				pushPatched(ctx, h.events, p.before.Events, p.after.Events)
			case store.Shopping:
				pushPatched(ctx, h.shopping, p.before.Shopping, p.after.Shopping)
			case store.Todos:
				pushPatched(ctx, h.todos, p.before.Todos, p.after.Todos)
			case store.Users:
				pushPatched(ctx, h.users, p.before.Users, p.after.Users)
			}
		}
	}
}

// historyTarget adapts the household to history.Target. Undo and Redo hold
// the writer lock for the whole replay.
type historyTarget struct{ h *Household }

func (t historyTarget) Snapshot() store.Snapshot {
	return t.h.store.Snapshot()
}

func (t historyTarget) Replay(ctx context.Context, s store.Snapshot) error {
	var errs []error
	for _, report := range t.h.replay(ctx, s) {
		errs = append(errs, report.Err())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("replay incomplete: %w", err)
	}
	return nil
}

func exempt(opts []MutationOption) bool {
	var m mutation
	for _, opt := range opts {
		opt(&m)
	}
	return m.exempt
}
