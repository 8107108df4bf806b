// Package region manages the named shared-memory region backing a
// directory image. The writer creates the region at its fixed maximum
// size but commits pages lazily, in chunks of at least one megabyte, as
// the image grows; readers map the same name read-only. Offsets handed
// out against the region are permanent, the mapping never moves.
package region

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ZanzyTHEbar/fastfilestats/ffs/layout"
)

// CommitChunk is the default commit granularity.
const CommitChunk = 1 << 20

var (
	// ErrExhausted means the image outgrew the region, or committing
	// backing pages failed. Fatal to the writer.
	ErrExhausted = errors.New("region exhausted")

	// ErrNotOurs marks a faulting address outside the region.
	ErrNotOurs = errors.New("address outside region")

	// ErrWriterActive means another writer holds the region name.
	ErrWriterActive = errors.New("region already has a writer")
)

// Region is one mapped view of a named region.
type Region struct {
	f         *os.File
	buf       []byte
	max       uint32
	committed uint32
	chunk     uint32
	writable  bool
	logger    *slog.Logger
}

// Option customizes a writer attachment.
type Option func(*Region)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Region) { r.logger = logger }
}

// WithCommitChunk overrides the commit granularity. Values below one
// page are rounded up by the kernel anyway; tests use small chunks to
// exercise growth.
func WithCommitChunk(chunk uint32) Option {
	return func(r *Region) { r.chunk = chunk }
}

// AttachWriter creates or opens the named region at its fixed maximum
// size and maps it read-write. Exactly one writer may hold a name; the
// slot is guarded with an exclusive lock that lives as long as the
// process keeps the region open.
func AttachWriter(dir, name string, maxSize uint32, opts ...Option) (*Region, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create region %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrWriterActive, path)
	}
	if err := f.Truncate(int64(maxSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size region %s: %w", path, err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(maxSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map region %s: %w", path, err)
	}

	r := &Region{
		f:        f,
		buf:      buf,
		max:      maxSize,
		chunk:    CommitChunk,
		writable: true,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	// The header and the first records always live in the first chunk.
	first := min(r.chunk, maxSize)
	if err := r.commit(0, first); err != nil {
		r.Close()
		return nil, err
	}
	r.committed = first

	r.logger.Info("region attached for writing",
		"path", path,
		"max_size", maxSize)
	return r, nil
}

// AttachReader maps the named region read-only at its current size.
func AttachReader(dir, name string) (*Region, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open region %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat region %s: %w", path, err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map region %s: %w", path, err)
	}
	return &Region{
		f:      f,
		buf:    buf,
		max:    uint32(st.Size()),
		logger: slog.Default(),
	}, nil
}

// Image returns the mapped bytes viewed as an index image.
func (r *Region) Image() layout.Image { return layout.Image(r.buf) }

// MaxSize is the fixed region capacity.
func (r *Region) MaxSize() uint32 { return r.max }

// Committed returns the current commit watermark.
func (r *Region) Committed() uint32 { return r.committed }

// Ensure commits backing pages so the image may be written up to end.
// Commit advances in whole chunks; exhaustion is fatal to the caller.
func (r *Region) Ensure(end uint32) error {
	if end > r.max {
		return fmt.Errorf("%w: need %d of %d bytes", ErrExhausted, end, r.max)
	}
	if end <= r.committed {
		return nil
	}
	mark := (end + r.chunk - 1) / r.chunk * r.chunk
	if mark > r.max || mark < end {
		mark = r.max
	}
	if err := r.commit(r.committed, mark-r.committed); err != nil {
		return err
	}
	r.committed = mark
	return nil
}

// CommitAround implements the fault-handler contract: an address inside
// [0, max) gets at least one chunk committed around it, anything else
// is not ours to handle.
func (r *Region) CommitAround(off uint32) error {
	if off >= r.max {
		return fmt.Errorf("%w: offset %d", ErrNotOurs, off)
	}
	start := off / r.chunk * r.chunk
	length := r.chunk
	if start+length > r.max {
		length = r.max - start
	}
	if err := r.commit(start, length); err != nil {
		return err
	}
	if start+length > r.committed {
		r.committed = start + length
	}
	return nil
}

func (r *Region) commit(off, length uint32) error {
	if length == 0 {
		return nil
	}
	err := unix.Fallocate(int(r.f.Fd()), 0, int64(off), int64(length))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EOPNOTSUPP):
		// Filesystem without preallocation; pages commit on first
		// touch and exhaustion surfaces as SIGBUS instead of an error
		// at the commit site.
		return nil
	default:
		return fmt.Errorf("%w: commit [%d,%d): %v", ErrExhausted, off, off+length, err)
	}
}

// Close unmaps the region. The writer's close keeps the backing object
// in place so readers can still attach to the last published image.
func (r *Region) Close() error {
	var err error
	if r.buf != nil {
		err = unix.Munmap(r.buf)
		r.buf = nil
	}
	if r.f != nil {
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	return err
}

// Unlink removes the named backing object. Only the writer calls this,
// and only when the image should not outlive the process.
func Unlink(dir, name string) error {
	return os.Remove(filepath.Join(dir, name))
}
