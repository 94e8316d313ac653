package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CatalogWatcher monitors the catalog file and invokes the supplied callback
// whenever it changes. Stop must be called to release filesystem resources.
type CatalogWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *CatalogWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchCatalog wires fsnotify around the catalog file and rebuilds the bundle
// on any change. The current bundle is delivered before WatchCatalog returns.
// The provided config should come from Loader.Load so InlineCatalog is
// already captured. The parent directory is watched so editors that replace
// the file on save are still observed.
func (l *Loader) WatchCatalog(ctx context.Context, cfg Config, onChange func(CatalogBundle), onError func(error)) (*CatalogWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch catalog requires a change callback")
	}
	if cfg.Server.Catalog.File == "" {
		return nil, fmt.Errorf("config: no catalog file configured for watching")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch catalog: %w", err)
	}

	inline := cloneCatalog(cfg.InlineCatalog)

	bundle, err := buildCatalogBundle(watchCtx, inline, cfg.Server.Catalog)
	if err != nil {
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch catalog close: %w", closeErr))
		}
		cancel()
		return nil, err
	}
	onChange(bundle)

	target := cfg.Server.Catalog.File
	if path, err := filepath.Abs(target); err == nil {
		target = path
	} else if onError != nil {
		onError(fmt.Errorf("config: resolve catalog file: %w", err))
	}
	target = filepath.Clean(target)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}

	done := make(chan struct{})
	watch := &CatalogWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch catalog close: %w", err))
			}
		}()

		reload := func() {
			bundle, err := buildCatalogBundle(watchCtx, inline, cfg.Server.Catalog)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(bundle)
		}

		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}
		flushTimer := func() {
			if reloadTimer == nil {
				return
			}
			if !reloadTimer.Stop() {
				select {
				case <-reloadTimer.C:
				default:
				}
			}
			reloadSignal = nil
		}
		defer flushTimer()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				flushTimer()
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: catalog file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}
