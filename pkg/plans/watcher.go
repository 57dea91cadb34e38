package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quantipackai/quantipack/pkg/observability"
)

// Watcher reloads the catalog file into a Store whenever it changes.
// A file that fails to parse is logged and the previous catalog stays active.
type Watcher struct {
	path     string
	store    *Store
	logger   *observability.Logger
	metrics  *observability.Metrics
	debounce time.Duration
}

// NewWatcher creates a watcher for the catalog at path. metrics may be nil.
func NewWatcher(path string, store *Store, logger *observability.Logger, metrics *observability.Metrics) *Watcher {
	return &Watcher{
		path:     path,
		store:    store,
		logger:   logger.WithField("plans_file", path),
		metrics:  metrics,
		debounce: 250 * time.Millisecond,
	}
}

// Reload parses the file and swaps it in
func (w *Watcher) Reload() error {
	catalog, err := Load(w.path)
	if err != nil {
		w.recordReload("failure")
		return err
	}

	w.store.Replace(catalog)
	w.recordReload("success")
	if w.metrics != nil {
		w.metrics.PlanCatalogEntries.Set(float64(catalog.Len()))
	}
	w.logger.WithField("prices", catalog.Len()).Info("Plan catalog loaded")
	return nil
}

func (w *Watcher) recordReload(status string) {
	if w.metrics != nil {
		w.metrics.PlanCatalogReloadsTotal.WithLabelValues(status).Inc()
	}
}

// Run watches the catalog until ctx is done. The parent directory is watched
// so that editors replacing the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(w.path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.Reload(); err != nil {
				w.logger.WithError(err).Error("Plan catalog reload failed, keeping previous catalog")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Plan catalog watcher error")
		}
	}
}
