package watcher

import (
	"sync"
	"time"
)

// WindowDebouncer batches events over a quiet window while preserving
// arrival order. Per-path coalescing would reorder adds against
// removes, which the image update protocol cannot tolerate, so the
// window is global: a batch flushes when the tree goes quiet, when it
// reaches BatchSize, or when MaxDebounceDelay expires.
type WindowDebouncer struct {
	delay     time.Duration
	maxDelay  time.Duration
	batchSize int

	mu      sync.Mutex
	pending []Event
	first   time.Time
	timer   *time.Timer
	batches chan []Event
	closed  bool
}

// NewWindowDebouncer creates a new debouncer
func NewWindowDebouncer(delay, maxDelay time.Duration, batchSize, queueCapacity int) *WindowDebouncer {
	return &WindowDebouncer{
		delay:     delay,
		maxDelay:  maxDelay,
		batchSize: batchSize,
		batches:   make(chan []Event, queueCapacity),
	}
}

// Add adds an event to the pending batch
func (d *WindowDebouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if len(d.pending) == 0 {
		d.first = time.Now()
	}
	d.pending = append(d.pending, event)

	if d.batchSize > 0 && len(d.pending) >= d.batchSize {
		d.flushLocked()
		return
	}

	wait := d.delay
	if d.maxDelay > 0 {
		remaining := d.maxDelay - time.Since(d.first)
		if remaining < wait {
			wait = remaining
		}
		if wait < 0 {
			d.flushLocked()
			return
		}
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(wait, d.flush)
}

func (d *WindowDebouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
}

func (d *WindowDebouncer) flushLocked() {
	if d.closed || len(d.pending) == 0 {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	batch := d.pending
	d.pending = nil
	select {
	case d.batches <- batch:
	default:
		// Queue full: requeue at the front so order survives the stall.
		d.pending = append(batch, d.pending...)
	}
}

// Batches returns flushed batches, arrival order preserved
func (d *WindowDebouncer) Batches() <-chan []Event {
	return d.batches
}

// Close stops the debouncer and flushes what is pending
func (d *WindowDebouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	if len(d.pending) > 0 {
		select {
		case d.batches <- d.pending:
		default:
		}
		d.pending = nil
	}
	d.closed = true
	close(d.batches)
	d.mu.Unlock()
}
