// Package builder performs the initial breadth-first sweep of the
// monitored tree and lays the directory image out in the region. The
// sweep is the only bulk producer of records; once it publishes
// status finished, maintenance is incremental.
package builder

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ZanzyTHEbar/assert-lib"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/ZanzyTHEbar/fastfilestats/ffs/hash"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/layout"
)

// Memory is the writable backing for the image. The builder asks for
// commitment before every write so growth never faults.
type Memory interface {
	Image() layout.Image
	Ensure(end uint32) error
}

// Stats summarizes one sweep.
type Stats struct {
	Nodes         uint32
	Dirs          uint32
	ReparsePoints uint32
	PendingFixes  uint32
	BytesUsed     uint32
	BucketsOver   int
	BucketsUnder  int
	Elapsed       time.Duration
}

// Bucket population bounds for source-code trees. Populations outside
// the range in more than ten buckets suggest the hash is misbehaving
// for this tree.
const (
	bucketHigh     = 67
	bucketLow      = 5
	bucketBadLimit = 10
)

type dirWork struct {
	path      string
	parentOff uint32
}

// Builder writes one image. It is single-use: Build runs to completion
// once and hands the cursor over to the updater.
type Builder struct {
	mem     Memory
	img     layout.Image
	root    string
	cursor  uint32
	buckets [layout.BucketCount][]uint32

	// lastMember tracks, per directory group id, the offset of the
	// chain's current tail so each appended member can be linked in.
	lastMember map[uint32]uint32

	ignored *ignore.GitIgnore
	logger  *slog.Logger
	asserts *assert.AssertHandler
	stats   Stats
}

// Option allows for customization of the Builder
type Option func(*Builder)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithExcludePatterns installs gitignore-style patterns; matching
// entries are not recorded and matching directories are not descended.
func WithExcludePatterns(patterns []string) Option {
	return func(b *Builder) {
		if len(patterns) > 0 {
			b.ignored = ignore.CompileIgnoreLines(patterns...)
		}
	}
}

// WithAssertHandler sets the invariant trap handler
func WithAssertHandler(h *assert.AssertHandler) Option {
	return func(b *Builder) { b.asserts = h }
}

// New prepares a builder over mem for the tree rooted at rootPath.
func New(mem Memory, rootPath string, opts ...Option) *Builder {
	b := &Builder{
		mem:        mem,
		img:        mem.Image(),
		root:       normalizeRoot(rootPath),
		lastMember: make(map[uint32]uint32),
		logger:     slog.Default(),
		asserts:    assert.NewAssertHandler(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func normalizeRoot(p string) string {
	p = filepath.ToSlash(filepath.Clean(p))
	if len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Cursor returns the current write cursor; after Build it equals the
// image extent and seeds the updater.
func (b *Builder) Cursor() uint32 { return b.cursor }

// Stats returns the sweep counters.
func (b *Builder) Stats() Stats { return b.stats }

// Build runs the breadth-first sweep: header, synthetic root, one dot
// entry plus file records per directory, sibling links, then the
// bucket table. On success the image is at status finished.
func (b *Builder) Build(ctx context.Context) (*Stats, error) {
	start := time.Now()

	if err := b.mem.Ensure(layout.FirstRecordOffset()); err != nil {
		return nil, err
	}
	b.img.InitHeader()
	b.cursor = layout.FirstRecordOffset()

	rootInfo, err := os.Lstat(b.root)
	if err != nil {
		b.img.SetStatus(layout.StatusError)
		return nil, fmt.Errorf("failed to stat enumeration root %s: %w", b.root, err)
	}
	if !rootInfo.IsDir() {
		b.img.SetStatus(layout.StatusError)
		return nil, fmt.Errorf("enumeration root %s is not a directory", b.root)
	}

	rootMeta := layout.MetaFromFileInfo(rootInfo)
	rootMeta.Attributes |= layout.AttrRoot
	rootOff, err := b.writeRecord(rootMeta, 0, b.root)
	if err != nil {
		b.img.SetStatus(layout.StatusError)
		return nil, err
	}
	b.img.SetRootOffset(rootOff)
	b.img.SetStatus(layout.StatusInProgress)

	b.logger.Info("starting image build",
		"root", b.root,
		"root_offset", rootOff)

	pending := []dirWork{{path: b.root, parentOff: rootOff}}
	var found []dirWork

	for len(pending) > 0 {
		for _, w := range pending {
			select {
			case <-ctx.Done():
				b.img.SetStatus(layout.StatusError)
				return nil, ctx.Err()
			default:
			}
			next, err := b.sweepDirectory(w)
			if err != nil {
				b.img.SetStatus(layout.StatusError)
				return nil, err
			}
			found = append(found, next...)
		}
		pending, found = found, pending[:0]
	}

	b.img.SetNumNodes(b.stats.Nodes)
	b.img.SetNumDirs(b.stats.Dirs)
	b.img.SetBytes(b.cursor)
	b.img.SetStatus(layout.StatusUpdating)

	if err := b.flushBuckets(); err != nil {
		b.img.SetStatus(layout.StatusError)
		return nil, err
	}
	b.checkBucketQuality(ctx)

	b.stats.BytesUsed = b.cursor
	b.stats.Elapsed = time.Since(start)
	b.img.SetStatus(layout.StatusFinished)

	b.logger.Info("image build complete",
		"nodes", b.stats.Nodes,
		"dirs", b.stats.Dirs,
		"reparse_points", b.stats.ReparsePoints,
		"pending_fixes", b.stats.PendingFixes,
		"bytes", b.stats.BytesUsed,
		"elapsed", b.stats.Elapsed)
	return &b.stats, nil
}

// sweepDirectory writes one directory: its dot entry first, then a
// record per non-directory child. Subdirectories are deferred to the
// next level, where their own dot entry becomes their record in this
// directory's sibling chain.
func (b *Builder) sweepDirectory(w dirWork) ([]dirWork, error) {
	entries, err := os.ReadDir(w.path)
	if err != nil {
		// The directory vanished or turned unreadable mid-sweep.
		// Count it and move on; nothing is recorded for it.
		b.stats.PendingFixes++
		b.logger.Warn("failed to open directory iteration",
			"path", w.path,
			"error", err)
		return nil, nil
	}
	dirInfo, err := os.Lstat(w.path)
	if err != nil {
		b.stats.PendingFixes++
		return nil, nil
	}

	dotName := filepath.Base(w.path)
	if w.path == b.root {
		// The enumeration root's dot entry carries the full root path,
		// so chain verification terminates against the synthetic root.
		dotName = b.root
	}
	dotOff, err := b.writeRecord(layout.MetaFromFileInfo(dirInfo), w.parentOff, dotName)
	if err != nil {
		return nil, err
	}
	b.stats.Dirs++
	bucket := hash.Bucket(w.path, layout.BucketCount)
	b.buckets[bucket] = append(b.buckets[bucket], dotOff)

	var next []dirWork
	for _, entry := range entries {
		childPath := w.path + "/" + entry.Name()
		if b.ignored != nil && b.ignored.MatchesPath(childPath) {
			continue
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			info, err := entry.Info()
			if err != nil {
				b.stats.PendingFixes++
				continue
			}
			if _, err := b.writeRecord(layout.MetaFromFileInfo(info), dotOff, entry.Name()); err != nil {
				return nil, err
			}
			b.stats.ReparsePoints++
			continue
		}

		if entry.IsDir() {
			next = append(next, dirWork{path: childPath, parentOff: dotOff})
			continue
		}

		info, err := entry.Info()
		if err != nil {
			b.stats.PendingFixes++
			continue
		}
		if _, err := b.writeRecord(layout.MetaFromFileInfo(info), dotOff, entry.Name()); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// writeRecord appends one record at the cursor, links it into its
// directory's sibling chain and returns its offset.
func (b *Builder) writeRecord(meta layout.NodeMeta, parentOff uint32, name string) (uint32, error) {
	off := b.cursor
	end := off + layout.RecordSize(layout.NameUnits(name))
	if err := b.mem.Ensure(end); err != nil {
		return 0, err
	}
	b.cursor = layout.PutRecord(b.img, off, meta, parentOff, name)
	b.stats.Nodes++

	if parentOff != 0 {
		prev := b.lastMember[parentOff]
		if prev == 0 {
			// First member: the parent dot entry's child head points
			// here. Its sibling step is not touched — that word links
			// the dot entry into its own parent's chain.
			b.img.RecordAt(parentOff).SetChildHead(off)
		} else {
			tail := b.img.RecordAt(prev)
			tail.SetSiblingStep(tail.StepTo(off))
		}
		b.lastMember[parentOff] = off
	}
	return off, nil
}

// flushBuckets emits the sentinel at the next 16-byte boundary, then
// each bucket's zero-terminated offset list, recording heads in the
// header's inline array.
func (b *Builder) flushBuckets() error {
	cur := layout.Align16(b.cursor)
	if err := b.mem.Ensure(cur + 4); err != nil {
		return err
	}
	putU32(b.img, cur, layout.BucketSentinel)
	cur += 4

	for i := range b.buckets {
		need := uint32(len(b.buckets[i])+1) * 4
		if err := b.mem.Ensure(cur + need); err != nil {
			return err
		}
		b.img.SetBucketHead(uint32(i), cur)
		for _, off := range b.buckets[i] {
			putU32(b.img, cur, off)
			cur += 4
		}
		putU32(b.img, cur, 0)
		cur += 4
	}
	b.cursor = cur
	b.img.SetBytes(cur)
	return nil
}

// checkBucketQuality ports the sweep-end hash diagnostic: populations
// outside 5..67 in more than ten buckets are suspect, reported and
// otherwise ignored.
func (b *Builder) checkBucketQuality(ctx context.Context) {
	for i := range b.buckets {
		n := len(b.buckets[i])
		if n > bucketHigh {
			b.stats.BucketsOver++
		}
		if n < bucketLow {
			b.stats.BucketsUnder++
		}
	}
	if b.stats.BucketsOver > bucketBadLimit {
		b.logger.Warn("hash quality suspect: overfull buckets",
			"buckets_over", b.stats.BucketsOver,
			"limit", bucketHigh)
	}
	if b.stats.BucketsUnder > bucketBadLimit {
		b.logger.Warn("hash quality suspect: underfull buckets",
			"buckets_under", b.stats.BucketsUnder,
			"limit", bucketLow)
	}
	b.asserts.Assert(ctx, b.img.Bytes() == b.cursor, "image extent does not match write cursor")
}

func putU32(m layout.Image, off, v uint32) {
	m[off] = byte(v)
	m[off+1] = byte(v >> 8)
	m[off+2] = byte(v >> 16)
	m[off+3] = byte(v >> 24)
}
