package watcher

import (
	"context"
	"time"
)

// EventType represents the type of file system event
type EventType int

const (
	// EventCreate represents file/directory creation
	EventCreate EventType = iota
	// EventWrite represents file modification
	EventWrite
	// EventRemove represents file/directory removal
	EventRemove
	// EventRename represents the old name of a rename; the new name
	// follows as a separate EventCreate, in order
	EventRename
	// EventChmod represents attribute changes
	EventChmod
)

// Event represents a file system event
type Event struct {
	Type      EventType
	Path      string
	OldPath   string // Not filled by FSNotifyWatcher; an EventRename carries the old name in Path
	Timestamp time.Time
	IsDir     bool
}

// Watcher defines the interface for file system watching
type Watcher interface {
	// Start begins watching the subtree rooted at each path
	Start(ctx context.Context, paths []string) error

	// Events returns a channel of individual events (unbatched)
	Events() <-chan Event

	// Errors returns a channel of errors encountered during watching
	Errors() <-chan error

	// Close stops watching and cleans up resources
	Close() error

	// Add adds paths to watch
	Add(paths ...string) error

	// Remove removes paths and their watched subtrees
	Remove(paths ...string) error
}

// Config holds configuration for the watcher
type Config struct {
	// DebounceDelay is the quiet window before a batch is flushed
	DebounceDelay time.Duration

	// MaxDebounceDelay caps how long a busy tree can postpone a flush
	MaxDebounceDelay time.Duration

	// BatchSize flushes a batch early once it holds this many events
	BatchSize int

	// QueueCapacity is the capacity of the event queue
	QueueCapacity int

	// Filters selects which change kinds are delivered
	Filters FilterFlags
}

// FilterFlags mirrors the notification filter of the host primitive:
// name changes, last-write-time, creation and size.
type FilterFlags struct {
	Name      bool
	LastWrite bool
	Creation  bool
	Size      bool
}

// Debouncer collects events into ordered batches
type Debouncer interface {
	// Add adds an event to the pending batch
	Add(event Event)

	// Batches returns flushed batches, arrival order preserved
	Batches() <-chan []Event

	// Close stops the debouncer
	Close()
}

// BatchProcessor consumes event batches; the updater implements this
type BatchProcessor interface {
	// Process handles one batch of events
	Process(ctx context.Context, events []Event) error

	// Close stops the processor
	Close() error
}
