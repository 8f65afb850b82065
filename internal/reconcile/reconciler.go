// Package reconcile keeps the index in step with the vault: full passes over
// every scope root, single-path passes driven by the file watcher, embedding
// retries and integrity repair.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/starford/ghostkb/internal/apperr"
	"github.com/starford/ghostkb/internal/chunker"
	"github.com/starford/ghostkb/internal/embedding"
	"github.com/starford/ghostkb/internal/index"
	"github.com/starford/ghostkb/internal/links"
	"github.com/starford/ghostkb/internal/metrics"
	"github.com/starford/ghostkb/internal/models"
	"github.com/starford/ghostkb/internal/parser"
	"github.com/starford/ghostkb/internal/storage"
)

// Event kinds passed to the callback.
const (
	EventIndexed = "indexed"
	EventDeleted = "deleted"
)

// EventCallback is called after every index mutation a pass makes.
type EventCallback func(kind, entryID, path string)

// Report summarises one reconciliation pass.
type Report struct {
	Scanned    int           `json:"scanned"`
	Skipped    int           `json:"skipped"`
	Indexed    int           `json:"indexed"`
	Deleted    int           `json:"deleted"`
	Failed     int           `json:"failed"`
	Violations int           `json:"violations"`
	Embedded   int           `json:"embedded"`
	Pending    int           `json:"pending"`
	Repaired   int           `json:"repaired"`
	Duration   time.Duration `json:"duration"`
}

func (r *Report) add(o Report) {
	r.Scanned += o.Scanned
	r.Skipped += o.Skipped
	r.Indexed += o.Indexed
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Violations += o.Violations
	r.Embedded += o.Embedded
	r.Repaired += o.Repaired
}

// Options configure a Reconciler.
type Options struct {
	Chunker *chunker.Chunker
	Batcher *embedding.Batcher
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnEvent receives indexed/deleted notifications.
	OnEvent EventCallback
	// Workers bounds how many scope roots are walked at once.
	Workers int
}

// Reconciler applies vault state to the index.
type Reconciler struct {
	db      *index.DB
	store   storage.Provider
	chunker *chunker.Chunker
	batcher *embedding.Batcher
	log     *slog.Logger
	metrics *metrics.Metrics
	workers int

	mu      sync.RWMutex
	onEvent EventCallback

	paths singleflight.Group
	// locks serialises per-path work between full passes and ReconcilePath.
	locks pathLocks
	// full serialises whole passes; ReconcilePath may run alongside.
	full sync.Mutex
}

// New creates a Reconciler over db and store.
func New(db *index.DB, store storage.Provider, opts Options) *Reconciler {
	if opts.Chunker == nil {
		opts.Chunker = chunker.New(chunker.Options{})
	}
	if opts.Batcher == nil {
		opts.Batcher = embedding.NewBatcher(embedding.Noop{}, 0, opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Reconciler{
		db:      db,
		store:   store,
		chunker: opts.Chunker,
		batcher: opts.Batcher,
		log:     opts.Logger,
		metrics: opts.Metrics,
		workers: opts.Workers,
		onEvent: opts.OnEvent,
	}
}

// SetCallback replaces the event callback.
func (r *Reconciler) SetCallback(cb EventCallback) {
	r.mu.Lock()
	r.onEvent = cb
	r.mu.Unlock()
}

func (r *Reconciler) emit(kind, id, path string) {
	r.mu.RLock()
	cb := r.onEvent
	r.mu.RUnlock()
	if cb != nil {
		cb(kind, id, path)
	}
}

// ReconcileAll runs a full pass: integrity repair, every scope root walked
// concurrently, deletions of vanished files, then embedding retries.
func (r *Reconciler) ReconcileAll(ctx context.Context) (Report, error) {
	r.full.Lock()
	defer r.full.Unlock()

	started := time.Now()
	defer r.metrics.Reconcile("full", started)

	var rep Report
	found, err := r.db.Inconsistencies(ctx)
	if err != nil {
		return rep, err
	}
	if len(found) > 0 {
		r.log.Warn("reconcile: index inconsistencies found", slog.Int("count", len(found)))
		reindex, err := r.db.Repair(ctx, found)
		if err != nil {
			return rep, err
		}
		rep.Repaired = len(found)
		if len(reindex) > 0 {
			r.log.Info("reconcile: entries scheduled for re-index", slog.Int("count", len(reindex)))
		}
	}

	roots, err := storage.Roots(r.store.Root())
	if err != nil {
		return rep, err
	}

	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, root := range roots {
		g.Go(func() error {
			part, paths, err := r.reconcileRoot(gctx, root)
			mu.Lock()
			defer mu.Unlock()
			rep.add(part)
			for _, p := range paths {
				seen[p] = struct{}{}
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	deleted, err := r.removeVanished(ctx, seen)
	rep.Deleted += deleted
	if err != nil {
		return rep, err
	}

	embedded, err := r.RetryPending(ctx)
	rep.Embedded += embedded
	if err != nil {
		return rep, err
	}
	if rep.Pending, err = r.db.CountPending(ctx); err != nil {
		return rep, err
	}
	r.metrics.Pending(rep.Pending)
	rep.Duration = time.Since(started)

	r.log.Info("reconcile: pass complete",
		slog.Int("scanned", rep.Scanned),
		slog.Int("skipped", rep.Skipped),
		slog.Int("indexed", rep.Indexed),
		slog.Int("deleted", rep.Deleted),
		slog.Int("failed", rep.Failed),
		slog.Int("embedded", rep.Embedded),
		slog.Int("pending", rep.Pending),
		slog.Duration("duration", rep.Duration))
	return rep, nil
}

// reconcileRoot walks one scope root and returns the paths found on disk.
func (r *Reconciler) reconcileRoot(ctx context.Context, root storage.Root) (Report, []string, error) {
	var rep Report
	metas, err := r.store.List(root.Dir)
	if err != nil {
		r.log.Warn("reconcile: list root failed", slog.String("root", root.String()), slog.String("error", err.Error()))
		// The root's paths are unknown; keep its index rows untouched.
		indexed, ierr := r.db.AllPathHashes(ctx, root.Dir)
		return rep, lo.Keys(indexed), ierr
	}
	indexed, err := r.db.AllPathHashes(ctx, root.Dir)
	if err != nil {
		return rep, nil, err
	}

	paths := make([]string, 0, len(metas))
	for _, m := range metas {
		if err := ctx.Err(); err != nil {
			return rep, paths, err
		}
		paths = append(paths, m.Path)
		rep.Scanned++
		if indexed[m.Path] == m.Checksum {
			rep.Skipped++
			continue
		}
		rep.add(r.reconcileListed(ctx, m))
	}
	r.metrics.Files("scanned", rep.Scanned)
	r.metrics.Files("skipped", rep.Skipped)
	return rep, paths, nil
}

// reconcileListed indexes one file found by the walk. The file is read under
// the path lock, so a trigger that indexed newer bytes in the meantime is
// never overwritten with what the walk listed.
func (r *Reconciler) reconcileListed(ctx context.Context, m storage.FileMeta) Report {
	unlock := r.locks.lock(m.Path)
	defer unlock()

	var rep Report
	data, err := r.store.Read(m.Path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			r.log.Warn("reconcile: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			rep.Failed++
		}
		return rep
	}
	current, err := r.db.EntryHashByPath(ctx, m.Path)
	if err != nil {
		r.log.Warn("reconcile: read index hash failed", slog.String("path", m.Path), slog.String("error", err.Error()))
		rep.Failed++
		return rep
	}
	if current == checksumOf(data) {
		rep.Skipped++
		return rep
	}
	rep.add(r.indexFile(ctx, m.Path, data, m.ModTime))
	return rep
}

// removeVanished deletes index rows and failure records for paths no longer
// on disk.
func (r *Reconciler) removeVanished(ctx context.Context, seen map[string]struct{}) (int, error) {
	indexed, err := r.db.AllPathHashes(ctx, "")
	if err != nil {
		return 0, err
	}
	var deleted int
	for p := range indexed {
		if _, ok := seen[p]; ok {
			continue
		}
		if r.removeIfGone(ctx, p) {
			deleted++
		}
	}
	r.metrics.Files("deleted", deleted)

	failures, err := r.db.ParseFailurePaths(ctx)
	if err != nil {
		return deleted, err
	}
	for _, p := range failures {
		if _, ok := seen[p]; ok || r.store.Exists(p) {
			continue
		}
		if err := r.db.ClearParseFailure(ctx, p); err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// removeIfGone deletes the index row for p unless the file reappeared after
// the walk listed its root, e.g. a write indexed while the pass ran.
func (r *Reconciler) removeIfGone(ctx context.Context, p string) bool {
	unlock := r.locks.lock(p)
	defer unlock()
	if r.store.Exists(p) {
		return false
	}
	id, err := r.db.DeleteByPath(ctx, p)
	if err != nil {
		r.log.Warn("reconcile: delete failed", slog.String("path", p), slog.String("error", err.Error()))
		return false
	}
	if id == "" {
		return false
	}
	r.log.Debug("reconcile: removed stale", slog.String("path", p))
	r.emit(EventDeleted, id, p)
	return true
}

// ReconcilePath brings a single vault path up to date. Concurrent calls for
// the same path share one execution, and a full pass working on the same
// path is waited for.
func (r *Reconciler) ReconcilePath(ctx context.Context, rel string) (Report, error) {
	v, err, _ := r.paths.Do(rel, func() (any, error) {
		return r.reconcilePath(ctx, rel)
	})
	if v == nil {
		return Report{}, err
	}
	return v.(Report), err
}

func (r *Reconciler) reconcilePath(ctx context.Context, rel string) (Report, error) {
	started := time.Now()
	defer r.metrics.Reconcile("path", started)

	var rep Report
	if _, ok := storage.Classify(rel); !ok {
		return rep, nil
	}
	unlock := r.locks.lock(rel)
	defer unlock()

	data, err := r.store.Read(rel)
	if errors.Is(err, fs.ErrNotExist) {
		id, derr := r.db.DeleteByPath(ctx, rel)
		if derr != nil {
			return rep, derr
		}
		if cerr := r.db.ClearParseFailure(ctx, rel); cerr != nil {
			return rep, cerr
		}
		if id != "" {
			rep.Deleted++
			r.metrics.Files("deleted", 1)
			r.emit(EventDeleted, id, rel)
		}
		return rep, nil
	}
	if err != nil {
		return rep, err
	}

	rep.Scanned++
	current, err := r.db.EntryHashByPath(ctx, rel)
	if err != nil {
		return rep, err
	}
	if current == checksumOf(data) {
		rep.Skipped++
		return rep, nil
	}
	rep.add(r.indexFile(ctx, rel, data, time.Now()))
	if rep.Failed > 0 {
		return rep, fmt.Errorf("reconcile: %s: %w", rel, errIndexFailed)
	}
	return rep, nil
}

var errIndexFailed = errors.New("file not indexed, see parse failures")

// indexFile runs parse, chunk, embed and apply for one file. Failures are
// recorded and counted, never returned: one bad file must not stop a pass.
func (r *Reconciler) indexFile(ctx context.Context, rel string, data []byte, modTime time.Time) Report {
	var rep Report
	res, err := parser.Parse(rel, data)
	if err == nil {
		err = r.checkIdentity(ctx, res)
	}
	if err != nil {
		r.recordFailure(ctx, rel, data, err)
		rep.Failed++
		return rep
	}

	e := &res.Entry
	prev, err := r.db.GetEntry(ctx, e.ID)
	switch {
	case err == nil:
		if e.Version == 0 {
			e.Version = prev.Version + 1
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = prev.CreatedAt
		}
	case errors.Is(err, apperr.ErrNotFound):
		if e.Version == 0 {
			e.Version = 1
		}
	default:
		r.log.Warn("reconcile: read previous entry failed", slog.String("path", rel), slog.String("error", err.Error()))
		rep.Failed++
		return rep
	}
	// Files without their own timestamps (reference members) use the
	// file's modification time.
	if e.CreatedAt.IsZero() {
		e.CreatedAt = modTime.UTC()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = modTime.UTC()
	}
	for _, w := range res.Warnings {
		r.log.Warn("reconcile: parse warning", slog.String("path", rel), slog.String("warning", w))
	}

	chunks := r.chunker.Chunk(*e, res.Body)
	model, embedded := r.attachVectors(ctx, chunks)

	w := index.EntryWrite{
		Entry:  *e,
		Chunks: chunks,
		Links:  links.Extract(res.Body),
		Model:  model,
	}
	if res.Topic != nil {
		w.Topic = &models.Topic{
			Name:       e.Topic,
			Scope:      e.Scope,
			Owner:      e.Owner,
			EntryID:    e.ID,
			MaxAgeDays: res.Topic.MaxAgeDays,
			FetchedAt:  res.Topic.FetchedAt,
			Sources:    res.Topic.Sources,
			Files:      res.Topic.Files,
		}
	}
	applied, err := r.db.ApplyEntry(ctx, w)
	if err != nil {
		// The previous state of the entry stays; the next pass retries.
		r.log.Warn("reconcile: apply failed", slog.String("path", rel), slog.String("error", err.Error()))
		rep.Failed++
		r.metrics.Files("failed", 1)
		return rep
	}
	if err := r.db.ClearParseFailure(ctx, rel); err != nil {
		r.log.Warn("reconcile: clear parse failure", slog.String("path", rel), slog.String("error", err.Error()))
	}

	rep.Indexed++
	rep.Embedded += embedded
	rep.Violations += len(applied.Violations)
	r.metrics.Files("indexed", 1)
	r.metrics.LinkViolations(len(applied.Violations))
	for _, v := range applied.Violations {
		r.log.Warn("reconcile: link into private scope left unresolved",
			slog.String("path", rel), slog.String("entry_id", e.ID), slog.String("target", v.TargetTitle))
	}
	r.log.Debug("reconcile: indexed", slog.String("path", rel), slog.String("entry_id", e.ID),
		slog.Int("chunks_written", applied.ChunksWritten), slog.Int("chunks_kept", applied.ChunksKept))
	r.emit(EventIndexed, e.ID, rel)
	return rep
}

// checkIdentity rejects a file whose id is already held by another file that
// still exists.
func (r *Reconciler) checkIdentity(ctx context.Context, res *parser.Result) error {
	prev, err := r.db.GetEntry(ctx, res.Entry.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.Path == res.Entry.Path || !r.store.Exists(prev.Path) {
		return nil
	}
	return &apperr.ParseError{
		Path:   res.Entry.Path,
		Reason: fmt.Sprintf("id %s is already used by %s", res.Entry.ID, prev.Path),
	}
}

func (r *Reconciler) recordFailure(ctx context.Context, rel string, data []byte, cause error) {
	reason := cause.Error()
	var pe *apperr.ParseError
	if errors.As(cause, &pe) {
		reason = pe.Reason
	}
	changed, err := r.db.RecordParseFailure(ctx, rel, checksumOf(data), reason)
	if err != nil {
		r.log.Warn("reconcile: record parse failure", slog.String("path", rel), slog.String("error", err.Error()))
		return
	}
	r.metrics.Files("failed", 1)
	if changed {
		r.log.Warn("reconcile: file not indexed", slog.String("path", rel), slog.String("reason", reason))
	}
}
