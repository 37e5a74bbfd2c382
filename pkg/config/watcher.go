package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openfroyo/harbormaster/pkg/stores"
	"github.com/rs/zerolog"
)

const catalogReloadDelay = 250 * time.Millisecond

// CatalogWatcher reapplies a descriptor catalog whenever one of its .cue
// files changes. A catalog with errors is logged and not applied.
type CatalogWatcher struct {
	loader *CatalogLoader
	store  stores.Store
	logger zerolog.Logger

	// OnApply, when set, is called after every successful reload.
	OnApply func(*Catalog, int)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

// NewCatalogWatcher creates a watcher applying catalogs to store.
func NewCatalogWatcher(loader *CatalogLoader, store stores.Store, logger zerolog.Logger) *CatalogWatcher {
	return &CatalogWatcher{
		loader: loader,
		store:  store,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

// Watch starts watching paths and their subdirectories until ctx is done or
// Stop is called.
func (w *CatalogWatcher) Watch(ctx context.Context, paths ...string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		if !info.IsDir() {
			path = filepath.Dir(path)
		}
		err = filepath.WalkDir(path, func(dir string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return err
			}
			return fw.Add(dir)
		})
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	w.mu.Lock()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.watcher = fw
	w.mu.Unlock()

	go w.run(ctx, fw, paths)
	w.logger.Info().Strs("paths", paths).Msg("watching descriptor catalog")
	return nil
}

func (w *CatalogWatcher) run(ctx context.Context, fw *fsnotify.Watcher, paths []string) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".cue") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ctx, paths)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("catalog watcher error")
		}
	}
}

func (w *CatalogWatcher) schedule(ctx context.Context, paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(catalogReloadDelay, func() {
		w.reload(ctx, paths)
	})
}

func (w *CatalogWatcher) reload(ctx context.Context, paths []string) {
	cat, err := w.loader.Load(ctx, paths...)
	if err == nil {
		err = cat.Err()
	}
	if err != nil {
		w.logger.Error().Err(err).Msg("descriptor catalog not reloaded")
		return
	}

	n, err := Apply(ctx, w.store, cat)
	if err != nil {
		w.logger.Error().Err(err).Msg("descriptor catalog apply failed")
		return
	}
	w.logger.Info().Int("descriptions", n).Msg("descriptor catalog reloaded")
	if w.OnApply != nil {
		w.OnApply(cat, n)
	}
}

// Stop stops watching.
func (w *CatalogWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
