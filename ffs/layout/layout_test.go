package layout

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"HeaderRoundTrip", testHeaderRoundTrip},
		{"HeaderFieldOffsets", testHeaderFieldOffsets},
		{"RecordRoundTrip", testRecordRoundTrip},
		{"NamePaddingAndAdvance", testNamePaddingAndAdvance},
		{"SiblingSteps", testSiblingSteps},
		{"ChildHead", testChildHead},
		{"Tombstone", testTombstone},
		{"SizeSplit", testSizeSplit},
		{"NameUnits", testNameUnits},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func newImage() Image {
	return Image(make([]byte, 64*1024))
}

func testHeaderRoundTrip(t *testing.T) {
	m := newImage()
	m.InitHeader()

	assert.True(t, m.Valid())
	assert.Equal(t, StatusBooting, m.Status())

	m.SetStatus(StatusInProgress)
	assert.Equal(t, StatusInProgress, m.Status())

	m.SetNumNodes(42)
	m.SetNumDirs(7)
	m.SetBytes(12345)
	m.SetRootOffset(FirstRecordOffset())
	assert.Equal(t, uint32(42), m.NumNodes())
	assert.Equal(t, uint32(7), m.NumDirs())
	assert.Equal(t, uint32(12345), m.Bytes())
	assert.Equal(t, FirstRecordOffset(), m.RootOffset())

	m.SetBucketHead(0, 100)
	m.SetBucketHead(BucketCount-1, 200)
	assert.Equal(t, uint32(100), m.BucketHead(0))
	assert.Equal(t, uint32(200), m.BucketHead(BucketCount-1))
}

// The header is a wire format: fixed little-endian fields at fixed
// offsets, bucket heads inline from byte 32.
func testHeaderFieldOffsets(t *testing.T) {
	m := newImage()
	m.InitHeader()
	m.SetStatus(StatusFinished)
	m.SetNumNodes(5)
	m.SetNumDirs(2)

	assert.Equal(t, uint32(0x08855BED), binary.LittleEndian.Uint32(m[0:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(m[4:]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(m[8:]), "finished is status value 4")
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(m[12:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(m[16:]))

	assert.Equal(t, 32+4*BucketCount, HeaderSize)
	assert.Equal(t, uint32(0), FirstRecordOffset()%8)
}

func testRecordRoundTrip(t *testing.T) {
	m := newImage()
	off := FirstRecordOffset()
	meta := NodeMeta{
		Attributes:     AttrDirectory,
		CreationTime:   1111,
		LastAccessTime: 2222,
		LastWriteTime:  3333,
		Size:           0,
	}
	end := PutRecord(m, off, meta, 0, "src")
	require.Equal(t, off+RecordSize(3), end)

	r := m.RecordAt(off)
	assert.True(t, r.IsDir())
	assert.False(t, r.IsTombstone())
	assert.Equal(t, int64(1111), r.CreationTime())
	assert.Equal(t, int64(2222), r.LastAccessTime())
	assert.Equal(t, int64(3333), r.LastWriteTime())
	assert.Equal(t, uint32(0), r.ParentOffset())
	assert.Equal(t, uint32(0), r.SiblingStep())
	assert.Equal(t, uint32(3), r.NameLen())
	assert.Equal(t, "src", r.Name())
	assert.True(t, r.NameEquals("src"))
	assert.False(t, r.NameEquals("srC"))
	assert.False(t, r.NameEquals("source"))
}

func testNamePaddingAndAdvance(t *testing.T) {
	// (units+1)*2 rounded up to 8.
	cases := []struct {
		units  uint32
		padded uint32
	}{
		{0, 8}, {1, 8}, {3, 8}, {4, 16}, {7, 16}, {8, 24},
	}
	for _, c := range cases {
		assert.Equal(t, c.padded, PaddedNameSize(c.units), "units=%d", c.units)
		assert.Equal(t, uint32(0), RecordSize(c.units)%8)
	}

	m := newImage()
	off := FirstRecordOffset()
	end := PutRecord(m, off, NodeMeta{}, 0, "abcd")
	r := m.RecordAt(off)
	assert.Equal(t, end, r.Advance())
	assert.Equal(t, off+RecordFixedSize, r.NameField())
}

func testSiblingSteps(t *testing.T) {
	m := newImage()
	a := FirstRecordOffset()
	b := PutRecord(m, a, NodeMeta{Attributes: AttrDirectory}, 0, "dir")
	PutRecord(m, b, NodeMeta{}, a, "file.txt")

	ra := m.RecordAt(a)
	ra.SetSiblingStep(ra.StepTo(b))

	next, ok := ra.NextSibling()
	require.True(t, ok)
	assert.Equal(t, b, next.Off)
	assert.Equal(t, "file.txt", next.Name())

	_, ok = next.NextSibling()
	assert.False(t, ok, "zero step terminates the chain")
}

func testChildHead(t *testing.T) {
	m := newImage()
	dirOff := FirstRecordOffset()
	fileOff := PutRecord(m, dirOff, NodeMeta{Attributes: AttrDirectory}, 0, "pkg")
	PutRecord(m, fileOff, NodeMeta{}, dirOff, "mod.go")

	dir := m.RecordAt(dirOff)
	_, ok := dir.FirstChild()
	assert.False(t, ok, "fresh directory has no members")

	dir.SetChildHead(fileOff)
	child, ok := dir.FirstChild()
	require.True(t, ok)
	assert.Equal(t, fileOff, child.Off)
	assert.Equal(t, "mod.go", child.Name())
	assert.Zero(t, dir.SiblingStep(), "child linkage does not consume the sibling step")
}

func testTombstone(t *testing.T) {
	m := newImage()
	off := FirstRecordOffset()
	PutRecord(m, off, NodeMeta{Attributes: AttrDirectory}, 0, "gone")
	r := m.RecordAt(off)

	r.Tombstone()
	assert.True(t, r.IsTombstone())
	assert.True(t, r.IsDir(), "tombstone keeps the other attribute bits")
	assert.Equal(t, "gone", r.Name(), "tombstone does not touch the body")
}

func testSizeSplit(t *testing.T) {
	m := newImage()
	off := FirstRecordOffset()
	size := uint64(5)<<32 | 123
	PutRecord(m, off, NodeMeta{Size: size}, 0, "big.bin")
	r := m.RecordAt(off)

	assert.Equal(t, size, r.Size())
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(m[off+28:]), "size high word")
	assert.Equal(t, uint32(123), binary.LittleEndian.Uint32(m[off+32:]), "size low word")
}

func testNameUnits(t *testing.T) {
	assert.Equal(t, uint32(3), NameUnits("abc"))
	assert.Equal(t, uint32(3), NameUnits("код"))
	assert.Equal(t, uint32(2), NameUnits("𐍈"), "supplementary plane runes take a surrogate pair")
}
