// Package updater applies change-notification batches to a built
// image. Metadata changes are overwritten in place; everything else is
// append-and-tombstone: records never move, offsets stay valid for the
// life of the region.
package updater

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"strings"
	"sync"

	roaring "github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"github.com/ZanzyTHEbar/fastfilestats/ffs/hash"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/layout"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/navigator"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/watcher"
)

// Memory is the writable backing for the image, as in the builder.
type Memory interface {
	Image() layout.Image
	Ensure(end uint32) error
}

// Stats counts applied updates since the updater started.
type Stats struct {
	Batches    uint64
	Modified   uint64
	Added      uint64
	Removed    uint64
	Misses     uint64
	Tombstones uint64
}

// Updater is the single mutator of a finished image. It implements
// watcher.BatchProcessor; batches arrive one at a time.
type Updater struct {
	mem    Memory
	img    layout.Image
	nav    *navigator.Navigator
	cursor uint32
	logger *slog.Logger

	mu         sync.Mutex
	frozen     bool
	stats      Stats
	tombstones *roaring.Bitmap

	fatal chan error
}

// Option allows for customization of the Updater
type Option func(*Updater)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) { u.logger = logger }
}

// New creates an updater over a built image. The write cursor resumes
// at the image extent left by the builder.
func New(mem Memory, opts ...Option) *Updater {
	img := mem.Image()
	u := &Updater{
		mem:        mem,
		img:        img,
		nav:        navigator.New(img),
		cursor:     img.Bytes(),
		logger:     slog.Default(),
		tombstones: roaring.New(),
		fatal:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Fatal delivers the first unrecoverable error (region exhaustion).
// The writer process exits on it; the image keeps its last status.
func (u *Updater) Fatal() <-chan error { return u.fatal }

// Stats returns a copy of the update counters.
func (u *Updater) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

// Tombstoned reports how many record offsets are tombstoned.
func (u *Updater) Tombstoned() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tombstones.GetCardinality()
}

// Freeze publishes a stable snapshot: the status moves to frozen and
// batches are dropped until Thaw.
func (u *Updater) Freeze() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frozen = true
	u.img.SetStatus(layout.StatusFrozen)
	u.logger.Info("image frozen")
}

// Thaw resumes maintenance.
func (u *Updater) Thaw() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.frozen = false
	u.img.SetStatus(layout.StatusFinished)
	u.logger.Info("image thawed")
}

// Process applies one batch. The status word drops to updating before
// the first mutation and returns to finished after the last, so
// readers sampling mid-batch know to retry.
func (u *Updater) Process(ctx context.Context, events []watcher.Event) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.frozen {
		u.logger.Debug("dropping batch while frozen", "events", len(events))
		return nil
	}
	if len(events) == 0 {
		return nil
	}

	batchID := uuid.New()
	u.img.SetStatus(layout.StatusUpdating)

	var err error
	for _, ev := range events {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		default:
		}
		if err != nil {
			break
		}
		switch ev.Type {
		case watcher.EventWrite, watcher.EventChmod:
			u.modify(ev.Path)
		case watcher.EventCreate:
			err = u.add(ev.Path)
		case watcher.EventRemove, watcher.EventRename:
			u.remove(ev.Path)
		}
	}

	u.img.SetBytes(u.cursor)
	u.stats.Batches++
	u.img.SetStatus(layout.StatusFinished)

	if err != nil {
		u.logger.Error("update batch aborted",
			"batch", batchID,
			"error", err)
		u.fail(err)
		return err
	}

	u.logger.Debug("update batch applied",
		"batch", batchID,
		"events", len(events))
	return nil
}

// Close implements watcher.BatchProcessor.
func (u *Updater) Close() error {
	s := u.Stats()
	u.logger.Info("updater stopped",
		"batches", s.Batches,
		"modified", s.Modified,
		"added", s.Added,
		"removed", s.Removed,
		"misses", s.Misses)
	return nil
}

// modify overwrites a record's metadata in place. The offset is
// unchanged; concurrent readers see either the old or the new values.
func (u *Updater) modify(path string) {
	rec, ok := u.nav.GetNode(path)
	if !ok {
		u.stats.Misses++
		return
	}
	info, err := os.Lstat(path)
	if err != nil {
		// Raced with a delete; the remove event is behind us in the
		// stream or in the next batch.
		u.stats.Misses++
		return
	}
	meta := layout.MetaFromFileInfo(info)
	// Directory size words hold the child chain head, not a size.
	if rec.LastWriteTime() == meta.LastWriteTime &&
		(rec.IsDir() || rec.Size() == meta.Size) {
		return
	}
	rec.SetCreationTime(meta.CreationTime)
	rec.SetLastAccessTime(meta.LastAccessTime)
	rec.SetLastWriteTime(meta.LastWriteTime)
	if !rec.IsDir() {
		rec.SetSize(meta.Size)
	}
	u.stats.Modified++
}

// add appends a record for a new entry, links it to the tail of its
// directory's sibling chain and, for directories, registers the new
// path in its hash bucket.
func (u *Updater) add(path string) error {
	path = normalizePath(path)
	if existing, ok := u.nav.GetNode(path); ok && !existing.IsTombstone() {
		u.modify(path)
		return nil
	}

	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		u.stats.Misses++
		return nil
	}
	parentPath, leaf := path[:i], path[i+1:]
	dot, ok := u.nav.GetDirectory(parentPath)
	if !ok {
		// The containing directory is not in the image; its own add
		// event is either lost or still queued.
		u.stats.Misses++
		u.logger.Warn("containing directory not indexed", "path", path)
		return nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		u.stats.Misses++
		return nil
	}

	off, err := u.appendRecord(layout.MetaFromFileInfo(info), dot, leaf)
	if err != nil {
		return err
	}
	u.stats.Added++

	if info.IsDir() {
		if err := u.registerBucket(path, off); err != nil {
			return err
		}
	}
	return nil
}

// remove tombstones the record for a path. Space is never reclaimed.
func (u *Updater) remove(path string) {
	rec, ok := u.nav.GetNode(normalizePath(path))
	if !ok {
		u.stats.Misses++
		return
	}
	rec.Tombstone()
	u.tombstones.Add(rec.Off)
	u.stats.Removed++
	u.stats.Tombstones++
}

// appendRecord writes a record at the cursor and patches the previous
// last sibling to point at it; the first member of an empty directory
// is linked through the dot entry's child head instead.
func (u *Updater) appendRecord(meta layout.NodeMeta, dot layout.Record, name string) (uint32, error) {
	off := layout.Align8(u.cursor)
	if err := u.mem.Ensure(off + layout.RecordSize(layout.NameUnits(name))); err != nil {
		u.fail(err)
		return 0, err
	}
	u.cursor = layout.PutRecord(u.img, off, meta, dot.EncodeOffset(), name)

	if tail, ok := u.chainTail(dot); ok {
		tail.SetSiblingStep(tail.StepTo(off))
	} else {
		dot.SetChildHead(off)
	}

	u.img.SetNumNodes(u.img.NumNodes() + 1)
	if meta.Attributes&layout.AttrDirectory != 0 {
		u.img.SetNumDirs(u.img.NumDirs() + 1)
	}
	return off, nil
}

// chainTail walks to the last member of a directory's child chain.
// ok is false for an empty directory. The walk carries the same
// group-id guard as GetLeaf: a step leaving the group means the image
// is corrupt, and patching a foreign chain would spread the damage, so
// the walk stops at the last record still inside the group.
func (u *Updater) chainTail(dot layout.Record) (layout.Record, bool) {
	group := dot.EncodeOffset()
	r, ok := dot.FirstChild()
	if !ok {
		return layout.Record{}, false
	}
	var prev layout.Record
	hasPrev := false
	for {
		if r.ParentOffset() != group {
			u.logger.Warn("sibling chain left its group",
				"record", r.Off,
				"group", group)
			return prev, hasPrev
		}
		next, ok := r.NextSibling()
		if !ok {
			return r, true
		}
		prev, hasPrev = r, true
		r = next
	}
}

// registerBucket adds a new directory's dot-entry offset to its hash
// bucket. When the bucket's terminator is the last word before the
// write cursor the list extends in place and the terminating zero
// moves four bytes; otherwise the list is rewritten at the cursor and
// the header's bucket head is repointed. Record offsets are untouched
// either way.
func (u *Updater) registerBucket(path string, dotOff uint32) error {
	bucket := hash.Bucket(path, layout.BucketCount)
	head := u.img.BucketHead(bucket)
	if head == 0 {
		if err := u.mem.Ensure(u.cursor + 8); err != nil {
			u.fail(err)
			return err
		}
		u.img.SetBucketHead(bucket, u.cursor)
		binary.LittleEndian.PutUint32(u.img[u.cursor:], dotOff)
		binary.LittleEndian.PutUint32(u.img[u.cursor+4:], 0)
		u.cursor += 8
		return nil
	}

	end := head
	for binary.LittleEndian.Uint32(u.img[end:]) != 0 {
		end += 4
	}

	if end+4 == u.cursor {
		if err := u.mem.Ensure(u.cursor + 4); err != nil {
			u.fail(err)
			return err
		}
		binary.LittleEndian.PutUint32(u.img[end:], dotOff)
		binary.LittleEndian.PutUint32(u.img[end+4:], 0)
		u.cursor += 4
		return nil
	}

	count := (end - head) / 4
	need := (count + 2) * 4
	if err := u.mem.Ensure(u.cursor + need); err != nil {
		u.fail(err)
		return err
	}
	dst := u.cursor
	copy(u.img[dst:dst+count*4], u.img[head:end])
	binary.LittleEndian.PutUint32(u.img[dst+count*4:], dotOff)
	binary.LittleEndian.PutUint32(u.img[dst+count*4+4:], 0)
	u.img.SetBucketHead(bucket, dst)
	u.cursor = dst + need
	return nil
}

func (u *Updater) fail(err error) {
	select {
	case u.fatal <- err:
	default:
	}
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}
