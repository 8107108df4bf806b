package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProcessor collects every batch it is handed.
type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]Event
}

func (p *recordingProcessor) Process(_ context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]Event, len(events))
	copy(batch, events)
	p.batches = append(p.batches, batch)
	return nil
}

func (p *recordingProcessor) Close() error { return nil }

func (p *recordingProcessor) seen(path string, typ EventType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, batch := range p.batches {
		for _, ev := range batch {
			if ev.Path == path && ev.Type == typ {
				return true
			}
		}
	}
	return false
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DebounceDelay = 20 * time.Millisecond
	cfg.MaxDebounceDelay = 200 * time.Millisecond
	return cfg
}

func TestFSNotifyWatcher(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"DeliversCreateAndWrite", testDeliversCreateAndWrite},
		{"ReArmsForNewDirectories", testReArmsForNewDirectories},
		{"FilterSuppressesEvents", testFilterSuppressesEvents},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testDeliversCreateAndWrite(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}

	w, err := WatchTree(context.Background(), root, testConfig(), processor)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(root, "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		return processor.seen(path, EventCreate)
	}, 5*time.Second, 10*time.Millisecond, "create event delivered in a batch")
}

// Creating a directory must re-arm the subscription so events inside
// it are observed too.
func testReArmsForNewDirectories(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}

	w, err := WatchTree(context.Background(), root, testConfig(), processor)
	require.NoError(t, err)
	defer w.Close()

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))

	require.Eventually(t, func() bool {
		return processor.seen(sub, EventCreate)
	}, 5*time.Second, 10*time.Millisecond)

	inner := filepath.Join(sub, "inner.txt")
	require.NoError(t, os.WriteFile(inner, []byte("y"), 0o644))

	require.Eventually(t, func() bool {
		return processor.seen(inner, EventCreate)
	}, 5*time.Second, 10*time.Millisecond, "events below the new directory are delivered")
}

func testFilterSuppressesEvents(t *testing.T) {
	root := t.TempDir()
	processor := &recordingProcessor{}

	cfg := testConfig()
	cfg.Filters = FilterFlags{Name: true} // no write/size notifications

	w, err := WatchTree(context.Background(), root, cfg, processor)
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	require.Eventually(t, func() bool {
		return processor.seen(path, EventCreate)
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("22"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.False(t, processor.seen(path, EventWrite), "write events are filtered out")
}
