package queue

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/orcq/orcq/pkg/plan"
	"github.com/orcq/orcq/pkg/store"
)

// Watcher auto-enqueues plan files dropped into a directory. Each *.json
// file is parsed as a plan and enqueued with an idempotency key derived
// from the file name, so rewrites and duplicate filesystem events are
// harmless.
type Watcher struct {
	st   *store.Store
	dir  string
	opts EnqueueOptions
	log  zerolog.Logger

	// OnEnqueued, when set, is called after each successful enqueue.
	OnEnqueued func(planID string)
}

// NewWatcher creates a watcher over dir. opts.IdempotencyKey is ignored;
// the per-file key replaces it.
func NewWatcher(st *store.Store, dir string, opts EnqueueOptions, log zerolog.Logger) *Watcher {
	return &Watcher{st: st, dir: dir, opts: opts, log: log.With().Str("component", "plan-watcher").Logger()}
}

// Run watches until ctx is canceled. Files already present at startup are
// enqueued first, so a watcher restart does not drop plans.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.enqueueFile(ctx, filepath.Join(w.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) {
				w.enqueueFile(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *Watcher) enqueueFile(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn().Err(err).Str("file", path).Msg("failed to read plan file")
		return
	}

	p, err := plan.Parse(data)
	if err != nil {
		w.log.Warn().Err(err).Str("file", path).Msg("failed to parse plan file")
		return
	}

	opts := w.opts
	opts.IdempotencyKey = "file:" + filepath.Base(path)

	id, err := Enqueue(ctx, w.st, p, opts)
	if err != nil {
		w.log.Warn().Err(err).Str("file", path).Msg("failed to enqueue plan file")
		return
	}
	if w.OnEnqueued != nil {
		w.OnEnqueued(id)
	}
	w.log.Info().Str("file", path).Str("plan_id", id).Msg("enqueued plan from file")
}
