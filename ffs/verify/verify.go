// Package verify sweeps a finished image for structural invariant
// violations: parent chains that do not reach the synthetic root,
// sibling chains that leave their group or fail to terminate, and
// directories filed in the wrong bucket (or listed twice). Directories
// are found through the bucket table, so one absent from every bucket
// is not visited. The sweep only reads, so it may run concurrently
// with readers.
package verify

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/ZanzyTHEbar/fastfilestats/ffs/hash"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/layout"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/navigator"
)

const maxDepth = 4096

// Check validates the image and returns every violation found.
func Check(ctx context.Context, img layout.Image) []error {
	if !img.Valid() {
		return []error{fmt.Errorf("invalid_image: bad magic or version")}
	}
	switch img.Status() {
	case layout.StatusFinished, layout.StatusFrozen:
	default:
		return []error{fmt.Errorf("invalid_status: image is %s", img.Status())}
	}

	dirs, errs := collectBucketEntries(img)

	var mu sync.Mutex
	report := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	workers := min(max(runtime.NumCPU(), 2), 16)
	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx)
	nav := navigator.New(img)

	for _, dirOff := range dirs {
		p.Go(func(ctx context.Context) error {
			checkDirectory(img, nav, dirOff, report)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		report(err)
	}
	return errs
}

// collectBucketEntries walks all bucket lists, reporting directories
// registered more than once and entries that are not directory
// dot-entry records.
func collectBucketEntries(img layout.Image) ([]uint32, []error) {
	var dirs []uint32
	var errs []error
	seen := make(map[uint32]uint32)

	for i := uint32(0); i < layout.BucketCount; i++ {
		head := img.BucketHead(i)
		if head == 0 {
			continue
		}
		for off := head; ; off += 4 {
			entry := binary.LittleEndian.Uint32(img[off:])
			if entry == 0 {
				break
			}
			if prev, dup := seen[entry]; dup {
				errs = append(errs, fmt.Errorf(
					"bucket_duplicate: offset %d in buckets %d and %d", entry, prev, i))
				continue
			}
			seen[entry] = i
			rec := img.RecordAt(entry)
			if !rec.IsDir() {
				errs = append(errs, fmt.Errorf(
					"bucket_non_directory: offset %d in bucket %d", entry, i))
				continue
			}
			dirs = append(dirs, entry)
		}
	}
	return dirs, errs
}

// checkDirectory validates one directory: its parent chain, its bucket
// placement and its sibling chain.
func checkDirectory(img layout.Image, nav *navigator.Navigator, dirOff uint32, report func(error)) {
	dot := img.RecordAt(dirOff)

	// Parent chain must terminate at the synthetic root.
	steps := 0
	for r := dot; r.ParentOffset() != 0; r = img.RecordAt(r.ParentOffset()) {
		steps++
		if steps > maxDepth {
			report(fmt.Errorf("parent_chain_diverges: offset %d", dirOff))
			return
		}
	}

	// The reconstructed path must hash back into a bucket holding this
	// dot entry.
	path := nav.PathOf(dot)
	bucket := hash.Bucket(path, layout.BucketCount)
	if !bucketContains(img, bucket, dirOff) {
		report(fmt.Errorf("bucket_missing: %s (offset %d) not in bucket %d", path, dirOff, bucket))
	}

	// Child chain: entered through the dot entry's child head; every
	// member shares the group id, no revisits, bounded length.
	visited := make(map[uint32]bool)
	r, ok := dot.FirstChild()
	for i := 0; ok; i++ {
		if i > maxDepth {
			report(fmt.Errorf("sibling_chain_diverges: directory %s", path))
			return
		}
		if visited[r.Off] {
			report(fmt.Errorf("sibling_chain_cycle: directory %s at offset %d", path, r.Off))
			return
		}
		visited[r.Off] = true
		if r.ParentOffset() != dirOff {
			report(fmt.Errorf(
				"sibling_group_mismatch: directory %s, member %d has group %d",
				path, r.Off, r.ParentOffset()))
			return
		}
		r, ok = r.NextSibling()
	}
}

func bucketContains(img layout.Image, bucket, dirOff uint32) bool {
	head := img.BucketHead(bucket)
	if head == 0 {
		return false
	}
	for off := head; ; off += 4 {
		entry := binary.LittleEndian.Uint32(img[off:])
		if entry == 0 {
			return false
		}
		if entry == dirOff {
			return true
		}
	}
}
