package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	radix "github.com/armon/go-radix"
	"github.com/fsnotify/fsnotify"
)

// FSNotifyWatcher implements the Watcher interface using fsnotify.
// Watched directories are tracked in a radix tree so removing a
// directory drops its whole watched subtree with one prefix walk.
type FSNotifyWatcher struct {
	watcher   *fsnotify.Watcher
	eventChan chan Event
	errorChan chan error
	debouncer Debouncer
	processor BatchProcessor
	config    Config
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	watched   *radix.Tree
}

// NewFSNotifyWatcher creates a new fsnotify-based watcher
func NewFSNotifyWatcher(config Config) (*FSNotifyWatcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &FSNotifyWatcher{
		watcher:   fsWatcher,
		eventChan: make(chan Event, config.QueueCapacity),
		errorChan: make(chan error, 10),
		debouncer: NewWindowDebouncer(config.DebounceDelay, config.MaxDebounceDelay,
			config.BatchSize, config.QueueCapacity),
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		watched: radix.New(),
	}, nil
}

// SetProcessor sets the batch processor receiving flushed batches
func (w *FSNotifyWatcher) SetProcessor(processor BatchProcessor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.processor = processor
}

// Start begins watching the specified subtrees
func (w *FSNotifyWatcher) Start(ctx context.Context, paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	added := 0
	for _, path := range paths {
		if err := w.addPathRecursive(path); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", path, err)
		}
		added++
	}

	w.wg.Add(1)
	go w.watchLoop()

	w.wg.Add(1)
	go w.processBatches()

	slog.Info("watcher started", "roots", added, "watched_dirs", w.watched.Len())
	return nil
}

// Events returns the event channel
func (w *FSNotifyWatcher) Events() <-chan Event {
	return w.eventChan
}

// Errors returns the error channel
func (w *FSNotifyWatcher) Errors() <-chan error {
	return w.errorChan
}

// Add adds paths to watch
func (w *FSNotifyWatcher) Add(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range paths {
		if err := w.addPathRecursive(path); err != nil {
			return fmt.Errorf("failed to add path %s: %w", path, err)
		}
	}
	return nil
}

// Remove removes paths and every watched directory beneath them
func (w *FSNotifyWatcher) Remove(paths ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range paths {
		w.removeSubtree(path)
	}
	return nil
}

// Close stops watching and cleans up resources
func (w *FSNotifyWatcher) Close() error {
	w.mu.Lock()
	w.cancel()
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		slog.Warn("error closing fsnotify watcher", "error", err)
	}
	w.wg.Wait()

	w.debouncer.Close()
	if w.processor != nil {
		if err := w.processor.Close(); err != nil {
			slog.Warn("error closing processor", "error", err)
		}
	}

	close(w.eventChan)
	close(w.errorChan)
	return nil
}

// addPathRecursive registers a directory and all its subdirectories.
// Individual subdirectory failures are logged and skipped, matching
// the builder's tolerance for transient errors.
func (w *FSNotifyWatcher) addPathRecursive(rootPath string) error {
	if err := w.watcher.Add(rootPath); err != nil {
		return err
	}
	w.watched.Insert(rootPath, struct{}{})

	return filepath.WalkDir(rootPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("failed to walk for watch registration", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() || path == rootPath {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			slog.Warn("failed to watch subdirectory", "path", path, "error", err)
			return nil
		}
		w.watched.Insert(path, struct{}{})
		return nil
	})
}

// removeSubtree unwatches a directory and everything under it. The
// prefix walk runs on path plus a separator so a sibling whose name
// merely extends path's last component is untouched.
func (w *FSNotifyWatcher) removeSubtree(path string) {
	var doomed []string
	if _, ok := w.watched.Get(path); ok {
		doomed = append(doomed, path)
	}
	w.watched.WalkPrefix(path+"/", func(key string, _ interface{}) bool {
		doomed = append(doomed, key)
		return false
	})
	for _, key := range doomed {
		if err := w.watcher.Remove(key); err != nil {
			slog.Debug("failed to unwatch", "path", key, "error", err)
		}
		w.watched.Delete(key)
	}
}

// watchLoop converts raw notifications, re-arms the subscription for
// new directories and feeds the debouncer.
func (w *FSNotifyWatcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			converted := w.convertEvent(event)
			if converted == nil {
				continue
			}

			if converted.Type == EventCreate && converted.IsDir {
				w.mu.Lock()
				if err := w.addPathRecursive(converted.Path); err != nil {
					slog.Warn("failed to watch new directory",
						"path", converted.Path, "error", err)
				}
				w.mu.Unlock()
			}
			if converted.Type == EventRemove || converted.Type == EventRename {
				w.mu.Lock()
				w.removeSubtree(converted.Path)
				w.mu.Unlock()
			}

			w.debouncer.Add(*converted)

			select {
			case w.eventChan <- *converted:
			default:
				// Observers are optional; batches carry the protocol.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errorChan <- err:
			case <-w.ctx.Done():
				return
			default:
				slog.Warn("error channel full, dropping error", "error", err)
			}
		}
	}
}

// processBatches drains the debouncer into the batch processor.
func (w *FSNotifyWatcher) processBatches() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case events, ok := <-w.debouncer.Batches():
			if !ok {
				return
			}
			w.mu.RLock()
			processor := w.processor
			w.mu.RUnlock()
			if processor == nil {
				continue
			}
			if err := processor.Process(w.ctx, events); err != nil {
				select {
				case w.errorChan <- err:
				default:
					slog.Error("error processing batch", "error", err)
				}
			}
		}
	}
}

// convertEvent maps an fsnotify event through the configured filter.
func (w *FSNotifyWatcher) convertEvent(event fsnotify.Event) *Event {
	var eventType EventType

	switch {
	case event.Has(fsnotify.Create):
		if !w.config.Filters.Name && !w.config.Filters.Creation {
			return nil
		}
		eventType = EventCreate
	case event.Has(fsnotify.Write):
		if !w.config.Filters.LastWrite && !w.config.Filters.Size {
			return nil
		}
		eventType = EventWrite
	case event.Has(fsnotify.Remove):
		if !w.config.Filters.Name {
			return nil
		}
		eventType = EventRemove
	case event.Has(fsnotify.Rename):
		// Delivered against the old name; the new name arrives as a
		// separate create event afterwards.
		if !w.config.Filters.Name {
			return nil
		}
		eventType = EventRename
	case event.Has(fsnotify.Chmod):
		return nil
	default:
		return nil
	}

	isDir := false
	if eventType == EventCreate {
		if fi, err := os.Lstat(event.Name); err == nil {
			isDir = fi.IsDir()
		}
	}

	return &Event{
		Type:      eventType,
		Path:      event.Name,
		Timestamp: time.Now(),
		IsDir:     isDir,
	}
}
