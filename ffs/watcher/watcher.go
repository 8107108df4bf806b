package watcher

import (
	"context"
	"fmt"
	"time"
)

// DefaultConfig returns a default watcher configuration. The filter
// covers name, write-time, creation and size changes.
func DefaultConfig() Config {
	return Config{
		DebounceDelay:    100 * time.Millisecond,
		MaxDebounceDelay: 2 * time.Second,
		BatchSize:        100,
		QueueCapacity:    1000,
		Filters: FilterFlags{
			Name:      true,
			LastWrite: true,
			Creation:  true,
			Size:      true,
		},
	}
}

// NewWatcher creates a watcher for the host platform
func NewWatcher(config Config) (Watcher, error) {
	return NewFSNotifyWatcher(config)
}

// WatchTree subscribes a batch processor to the subtree rooted at
// root and starts delivery.
func WatchTree(ctx context.Context, root string, config Config, processor BatchProcessor) (Watcher, error) {
	w, err := NewFSNotifyWatcher(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w.SetProcessor(processor)
	if err := w.Start(ctx, []string{root}); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to start watching %s: %w", root, err)
	}
	return w, nil
}
