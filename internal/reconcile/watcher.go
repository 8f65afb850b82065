package reconcile

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ghostkb/internal/storage"
)

// Watcher feeds file-system events for the vault into a Debouncer and
// reconciles each flushed batch.
type Watcher struct {
	root string
	rec  *Reconciler
	deb  *Debouncer
	log  *slog.Logger
}

// NewWatcher creates a watcher over the vault at root.
func NewWatcher(root string, rec *Reconciler, window time.Duration, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{root: root, rec: rec, deb: NewDebouncer(window), log: log}
}

// Run watches until ctx is cancelled. New directories are added to the
// watch list as they appear; files already inside them are queued.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addDirsRecursive(fw, w.root, false); err != nil {
		return err
	}
	w.log.Info("watcher: started", slog.String("root", w.root))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.deb.Run(runCtx, w.flush)
	}()
	defer func() {
		stop()
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher: stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, ev)

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			// Events may have been lost; a full pass catches up.
			w.log.Error("watcher: error", slog.String("error", werr.Error()))
			w.deb.RequestFull()
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	if skipPath(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := w.addDirsRecursive(fw, ev.Name, true); addErr != nil {
				w.log.Warn("watcher: add new dir failed", slog.String("path", rel), slog.String("error", addErr.Error()))
			}
			return
		}
	}

	if !storage.Indexable(rel) {
		// A removed or renamed directory: its files produce no events of
		// their own.
		if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			w.deb.RequestFull()
		}
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.deb.Touch(rel)
	}
}

func (w *Watcher) flush(ctx context.Context, b Batch) {
	if b.Full {
		if _, err := w.rec.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("watcher: full pass failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, p := range b.Paths {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.rec.ReconcilePath(ctx, p); err != nil {
			w.log.Warn("watcher: reconcile failed", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	if len(b.Paths) > 0 {
		if _, err := w.rec.RetryPending(ctx); err != nil && ctx.Err() == nil {
			w.log.Warn("watcher: embedding retry failed", slog.String("error", err.Error()))
		}
	}
}

// addDirsRecursive watches dir and its subdirectories. With queue set, the
// files found are marked dirty, for directories created after start.
func (w *Watcher) addDirsRecursive(fw *fsnotify.Watcher, dir string, queue bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(w.root, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && skipPath(rel) {
				return filepath.SkipDir
			}
			return fw.Add(p)
		}
		if queue && storage.Indexable(rel) {
			w.deb.Touch(rel)
		}
		return nil
	})
}

// skipPath reports paths the watcher ignores: dot-files (including the
// storage layer's temp files) and the staging inbox.
func skipPath(rel string) bool {
	if rel == storage.InboxDir || strings.HasPrefix(rel, storage.InboxDir+"/") {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
