package navigator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/fastfilestats/ffs/builder"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/hash"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/layout"
	"github.com/ZanzyTHEbar/fastfilestats/ffs/region"
)

func TestNavigator(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"GetDirectory", testGetDirectory},
		{"GetNodeRoundTrip", testGetNodeRoundTrip},
		{"LeafUnderEnumerationRoot", testLeafUnderEnumerationRoot},
		{"Misses", testMisses},
		{"TrailingSeparator", testTrailingSeparator},
		{"HashCollision", testHashCollision},
		{"WaitReady", testWaitReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

// makeTree builds a small tree with two levels and a few files.
func makeTree(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "ws")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	for _, f := range []string{
		"README.md",
		"src/main.go",
		"src/pkg/util.go",
		"docs/index.html",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(root, f), []byte(f), 0o644))
	}
	return root
}

func buildNav(t *testing.T, root string) (*Navigator, layout.Image) {
	t.Helper()
	reg, err := region.AttachWriter(t.TempDir(), "ffs_nav", 4<<20, region.WithCommitChunk(4096))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	b := builder.New(reg, root)
	_, err = b.Build(context.Background())
	require.NoError(t, err)
	return New(reg.Image()), reg.Image()
}

func testGetDirectory(t *testing.T) {
	root := makeTree(t)
	nav, _ := buildNav(t, root)

	for _, dir := range []string{
		root,
		root + "/src",
		root + "/src/pkg",
		root + "/docs",
	} {
		rec, ok := nav.GetDirectory(dir)
		require.True(t, ok, "directory %s", dir)
		assert.True(t, rec.IsDir())
		assert.Equal(t, dir, nav.PathOf(rec))
	}

	_, ok := nav.GetDirectory(root + "/srcs")
	assert.False(t, ok)
	_, ok = nav.GetDirectory("/definitely/not/indexed")
	assert.False(t, ok)
}

func testGetNodeRoundTrip(t *testing.T) {
	root := makeTree(t)
	nav, _ := buildNav(t, root)

	paths := []string{
		root,
		root + "/README.md",
		root + "/src",
		root + "/src/main.go",
		root + "/src/pkg",
		root + "/src/pkg/util.go",
		root + "/docs/index.html",
	}
	for _, p := range paths {
		rec, ok := nav.GetNode(p)
		require.True(t, ok, "path %s", p)
		assert.Equal(t, p, nav.PathOf(rec), "reconstructed path round-trips")
	}
}

// Files directly under the enumeration root resolve through the
// enumeration root's dot-entry chain like any other directory members.
func testLeafUnderEnumerationRoot(t *testing.T) {
	root := makeTree(t)
	nav, _ := buildNav(t, root)

	rec, ok := nav.GetNode(root + "/README.md")
	require.True(t, ok)
	assert.False(t, rec.IsDir())
	assert.Equal(t, "README.md", rec.Name())
	assert.Equal(t, uint64(len("README.md")), rec.Size())
}

func testMisses(t *testing.T) {
	root := makeTree(t)
	nav, _ := buildNav(t, root)

	misses := []string{
		"",
		"x",
		"relative/path",
		root + "/missing.txt",
		root + "/src/missing",
		root + "/missingdir/file",
		root + "x/README.md",
	}
	for _, p := range misses {
		_, ok := nav.GetNode(p)
		assert.False(t, ok, "path %q must miss", p)
	}
}

func testTrailingSeparator(t *testing.T) {
	root := makeTree(t)
	nav, _ := buildNav(t, root)

	rec, ok := nav.GetNode(root + "/src/")
	require.True(t, ok)
	assert.True(t, rec.IsDir())
	assert.Equal(t, root+"/src", nav.PathOf(rec))
}

// Two directories whose paths land in the same bucket must both be
// resolvable; chain verification disambiguates them.
func testHashCollision(t *testing.T) {
	base := filepath.Join(t.TempDir(), "c")
	require.NoError(t, os.Mkdir(base, 0o755))

	// Find two sibling names that collide modulo the bucket count.
	firstBucket := make(map[uint32]string)
	var colliding [2]string
	for i := 0; ; i++ {
		name := fmt.Sprintf("dir%05d", i)
		b := hash.Bucket(base+"/"+name, layout.BucketCount)
		if prev, ok := firstBucket[b]; ok {
			colliding = [2]string{prev, name}
			break
		}
		firstBucket[b] = name
	}
	for _, name := range colliding {
		require.NoError(t, os.Mkdir(filepath.Join(base, name), 0o755))
	}

	nav, _ := buildNav(t, base)
	for _, name := range colliding {
		rec, ok := nav.GetDirectory(base + "/" + name)
		require.True(t, ok, "collided directory %s", name)
		assert.Equal(t, name, rec.Name())
	}
}

func testWaitReady(t *testing.T) {
	root := makeTree(t)
	_, img := buildNav(t, root)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, WaitReady(ctx, img, time.Millisecond))

	// A reader that samples updating keeps retrying until the writer
	// returns the image to finished.
	img.SetStatus(layout.StatusUpdating)
	go func() {
		time.Sleep(20 * time.Millisecond)
		img.SetStatus(layout.StatusFinished)
	}()
	require.NoError(t, WaitReady(ctx, img, time.Millisecond))

	img.SetStatus(layout.StatusError)
	assert.Error(t, WaitReady(ctx, img, time.Millisecond))
	img.SetStatus(layout.StatusFinished)
}
