// Package navigator resolves absolute paths against a directory image.
// Lookups are pure reads: a bucket probe, a suffix walk up the parent
// chain, and a sibling-chain scan. The same code serves the writer (the
// updater locates records through it) and reader processes.
package navigator

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/fastfilestats/ffs/hash"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/layout"
)

// maxChainDepth bounds parent and sibling walks so a corrupted image
// cannot loop a reader.
const maxChainDepth = 4096

// Navigator performs lookups over one image.
type Navigator struct {
	img    layout.Image
	logger *slog.Logger
}

// New creates a navigator over the image
func New(img layout.Image) *Navigator {
	return &Navigator{img: img, logger: slog.Default()}
}

// WithLogger sets a custom logger
func (n *Navigator) WithLogger(logger *slog.Logger) *Navigator {
	n.logger = logger
	return n
}

// GetDirectory resolves an absolute directory path to its dot-entry
// record. ok is false on a miss; a miss is not an error.
func (n *Navigator) GetDirectory(path string) (layout.Record, bool) {
	path = normalize(path)
	if path == "" {
		return layout.Record{}, false
	}
	bucket := hash.Bucket(path, layout.BucketCount)
	head := n.img.BucketHead(bucket)
	if head == 0 {
		return layout.Record{}, false
	}
	for off := head; ; off += 4 {
		candOff := binary.LittleEndian.Uint32(n.img[off:])
		if candOff == 0 {
			return layout.Record{}, false
		}
		cand := n.img.RecordAt(candOff)
		if !cand.IsDir() {
			n.logger.Debug("bucket entry is not a directory",
				"offset", candOff,
				"bucket", bucket)
			continue
		}
		if cand.IsTombstone() {
			continue
		}
		if n.matchesDirChain(cand, path) {
			return cand, true
		}
	}
}

// GetLeaf scans dotEntry's child chain for a record with the given
// name. The walk enters through the dot entry's child head and follows
// sibling steps; membership is checked through the shared group id:
// every member's parent offset is the dot entry's own offset.
func (n *Navigator) GetLeaf(dotEntry layout.Record, name string) (layout.Record, bool) {
	group := dotEntry.EncodeOffset()
	r, ok := dotEntry.FirstChild()
	for i := 0; ok && i < maxChainDepth; i++ {
		if r.ParentOffset() != group {
			n.logger.Debug("sibling chain left its group",
				"record", r.Off,
				"group", group)
			return layout.Record{}, false
		}
		if !r.IsTombstone() && r.NameEquals(name) {
			return r, true
		}
		r, ok = r.NextSibling()
	}
	return layout.Record{}, false
}

// GetNode resolves an absolute path to a record: a directory's
// dot-entry, a file record, or nothing. A trailing separator forces
// directory resolution.
func (n *Navigator) GetNode(path string) (layout.Record, bool) {
	if !validLookupPath(path) {
		return layout.Record{}, false
	}
	if strings.HasSuffix(path, "/") && len(path) > 1 {
		return n.GetDirectory(path)
	}
	path = normalize(path)

	// Directories hit the bucket table directly; this also resolves
	// the enumeration root itself, whose parent directory is not in
	// the image.
	if dot, ok := n.GetDirectory(path); ok {
		return dot, true
	}

	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return layout.Record{}, false
	}
	parent, leaf := path[:i], path[i+1:]
	if parent == "" || leaf == "" {
		return layout.Record{}, false
	}
	dot, ok := n.GetDirectory(parent)
	if !ok {
		return layout.Record{}, false
	}
	return n.GetLeaf(dot, leaf)
}

// PathOf reconstructs a record's absolute path by walking the parent
// chain back to the synthetic root.
func (n *Navigator) PathOf(r layout.Record) string {
	if r.ParentOffset() == 0 {
		return r.Name()
	}
	parent := n.img.RecordAt(r.ParentOffset())
	if parent.ParentOffset() == 0 {
		// Directly under the synthetic root: the name already is the
		// full enumeration root path.
		return r.Name()
	}
	return n.PathOf(parent) + "/" + r.Name()
}

// matchesDirChain verifies a bucket candidate against a path by
// comparing name suffixes up the parent chain. The recursion consumes
// one path component per step and must land on the synthetic root.
func (n *Navigator) matchesDirChain(rec layout.Record, path string) bool {
	for i := 0; i < maxChainDepth; i++ {
		if rec.ParentOffset() == 0 {
			// Synthetic root: the whole remaining path must match.
			return rec.NameEquals(path)
		}
		name := rec.Name()
		if !strings.HasSuffix(path, name) {
			return false
		}
		rest := path[:len(path)-len(name)]
		if rest == "" {
			// Path fully consumed; valid only for the top dot entry
			// hanging directly off the synthetic root.
			return n.img.RecordAt(rec.ParentOffset()).ParentOffset() == 0
		}
		if !strings.HasSuffix(rest, "/") {
			return false
		}
		path = rest[:len(rest)-1]
		rec = n.img.RecordAt(rec.ParentOffset())
	}
	return false
}

// validLookupPath accepts rooted slash paths and the drive-letter form.
func validLookupPath(path string) bool {
	if len(path) < 2 {
		return false
	}
	if path[0] == '/' || path[0] == '\\' {
		return true
	}
	return len(path) >= 3 && path[1] == ':'
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// WaitReady polls the status word until the writer publishes a
// consistent image. Readers sampling updating mid-batch either retry
// here or accept possibly-stale results.
func WaitReady(ctx context.Context, img layout.Image, poll time.Duration) error {
	if !img.Valid() {
		return fmt.Errorf("not a directory image")
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		switch s := img.Status(); s {
		case layout.StatusFinished, layout.StatusFrozen:
			return nil
		case layout.StatusError:
			return fmt.Errorf("writer reported status %s", s)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
