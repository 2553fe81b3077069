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

// ChecksWatcher monitors the contract checks file and invokes the supplied
// callback whenever it changes. Stop must be called to release filesystem resources.
type ChecksWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *ChecksWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchChecks loads the checks file once, hands the result to onChange, and
// then reloads it on every write, create, or rename of that file. The parent
// directory is watched so editors that replace files atomically still trigger.
func WatchChecks(ctx context.Context, path string, onChange func(map[string]string), onError func(error)) (*ChecksWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch checks requires a change callback")
	}
	if path == "" {
		return nil, errors.New("config: no checks file configured for watching")
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve checks file: %w", err)
	}
	target = filepath.Clean(target)

	checks, err := LoadChecks(target)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch checks: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(target), err)
	}
	onChange(checks)

	done := make(chan struct{})
	watch := &ChecksWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch checks close: %w", err))
			}
		}()

		reload := func() {
			checks, err := LoadChecks(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(checks)
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
		defer func() {
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
		}()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 && onError != nil {
					onError(fmt.Errorf("config: checks file %s removed", target))
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
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
