package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"homesync/internal/diff"
	"homesync/internal/metrics"
	"homesync/internal/models"
	"homesync/internal/remote"
)

// RemapFunc is invoked after the remote store acknowledged a create. It is
// called when the persisted id differs from the provisional one, and also
// when the ids match but the entity was still marked provisional, so the
// caller can confirm it.
type RemapFunc func(provisionalID, persistedID string)

// Report summarizes one reconcile pass.
type Report struct {
	Collection string
	Created    int
	Updated    int
	Deleted    int
	Remapped   int
	Failed     int
	Errors     []error
}

// Err joins every remote failure of the pass, or returns nil.
func (r Report) Err() error {
	return errors.Join(r.Errors...)
}

func (r *Report) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Option configures a Reconciler.
type Option func(*options)

type options struct {
	metrics metrics.Recorder
	dryRun  bool
}

// WithMetrics reports remote operations and remaps to rec.
func WithMetrics(rec metrics.Recorder) Option {
	return func(o *options) { o.metrics = rec }
}

// WithDryRun logs what would be sent without calling the remote store.
func WithDryRun(dryRun bool) Option {
	return func(o *options) { o.dryRun = dryRun }
}

// Reconciler pushes the difference between two snapshots of one collection
// to its remote store.
type Reconciler[T models.Entity] struct {
	logger  *slog.Logger
	name    string
	remote  remote.Collection[T]
	metrics metrics.Recorder
	dryRun  bool
}

// NewReconciler creates a Reconciler for the named collection.
func NewReconciler[T models.Entity](logger *slog.Logger, name string, rc remote.Collection[T], opts ...Option) *Reconciler[T] {
	o := options{metrics: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reconciler[T]{
		logger:  logger.With("collection", name),
		name:    name,
		remote:  rc,
		metrics: o.metrics,
		dryRun:  o.dryRun,
	}
}

// Name returns the collection name.
func (r *Reconciler[T]) Name() string { return r.name }

// Reconcile diffs prior against next and issues the remote calls, one at a
// time: every delete first, then creates, then updates. A failing call is
// logged and skipped; it never aborts the pass and never rolls back local
// state. Entities still marked provisional in next are (re)created even when
// unchanged, so a create that failed earlier is retried on the next pass.
func (r *Reconciler[T]) Reconcile(ctx context.Context, prior, next []T, onRemap RemapFunc) Report {
	report := Report{Collection: r.name}
	changes := diff.Compute(prior, next)

	priorByID := make(map[string]T, len(prior))
	for _, e := range prior {
		priorByID[e.Key()] = e
	}

	creates := changes.Created
	created := make(map[string]struct{}, len(creates))
	for _, e := range creates {
		created[e.Key()] = struct{}{}
	}
	for _, e := range next {
		if _, ok := created[e.Key()]; ok || !e.IsLocal() {
			continue
		}
		creates = append(creates, e)
	}
	updates := make([]T, 0, len(changes.Updated))
	for _, e := range changes.Updated {
		if !e.IsLocal() {
			updates = append(updates, e)
		}
	}

	if len(changes.Deleted)+len(creates)+len(updates) == 0 {
		return report
	}
	r.logger.Debug("Reconciling collection", "deletes", len(changes.Deleted), "creates", len(creates), "updates", len(updates))

	for _, id := range changes.Deleted {
		if old, ok := priorByID[id]; ok && old.IsLocal() {
			r.logger.Debug("Skipping delete of unsynced entity", "id", id)
			continue
		}
		if !r.call(ctx, &report, "delete", id, func() error { return r.remote.Delete(ctx, id) }) {
			continue
		}
		report.Deleted++
	}

	for _, e := range creates {
		var persisted T
		ok := r.call(ctx, &report, "create", e.Key(), func() error {
			var err error
			persisted, err = r.remote.Create(ctx, e)
			return err
		})
		if !ok {
			continue
		}
		report.Created++
		if r.dryRun {
			continue
		}
		if persisted.Key() != e.Key() || e.IsLocal() {
			if persisted.Key() != e.Key() {
				report.Remapped++
				r.metrics.RecordRemap(r.name)
				r.logger.Debug("Remapping provisional id", "from", e.Key(), "to", persisted.Key())
			}
			if onRemap != nil {
				onRemap(e.Key(), persisted.Key())
			}
		}
	}

	for _, e := range updates {
		if !r.call(ctx, &report, "update", e.Key(), func() error { return r.remote.Update(ctx, e) }) {
			continue
		}
		report.Updated++
	}

	if report.Failed > 0 {
		r.logger.Warn("Reconcile finished with failures", "failed", report.Failed,
			"created", report.Created, "updated", report.Updated, "deleted", report.Deleted)
	} else {
		r.logger.Info("Reconcile finished", "created", report.Created,
			"updated", report.Updated, "deleted", report.Deleted, "remapped", report.Remapped)
	}
	return report
}

// call runs one remote operation, isolating its failure.
func (r *Reconciler[T]) call(ctx context.Context, report *Report, op, id string, fn func() error) bool {
	if r.dryRun {
		r.logger.Info("[DRY RUN] Would send remote operation", "op", op, "id", id)
		return true
	}
	if err := ctx.Err(); err != nil {
		report.fail(fmt.Errorf("%s %s %s: %w", r.name, op, id, err))
		return false
	}
	err := fn()
	r.metrics.RecordRemoteOp(r.name, op, err)
	if err != nil {
		r.logger.Error("Remote operation failed", "op", op, "id", id, "error", err)
		report.fail(fmt.Errorf("%s %s %s: %w", r.name, op, id, err))
		return false
	}
	return true
}
